package routing

import "math/rand/v2"

// RNG is the module's single randomness collaborator: Uniform(a, b) draws
// an inclusive uniform sample, used for rebroadcast jitter (the flood
// scheduler's [1ms, 1750ms] window) and for flood.Flood's RandomNeighbor
// pick.
type RNG interface {
	Uniform(a, b float64) float64
}

// SystemRNG is an RNG backed by math/rand/v2, the same generator the
// teacher's MQTT transport uses for client-ID suffixes.
type SystemRNG struct{}

// NewSystemRNG returns an RNG drawing from the process-global source.
func NewSystemRNG() SystemRNG {
	return SystemRNG{}
}

// Uniform returns a value drawn uniformly from [a, b]. If b <= a, a is
// returned.
func (SystemRNG) Uniform(a, b float64) float64 {
	if b <= a {
		return a
	}
	return a + rand.Float64()*(b-a)
}

var _ RNG = SystemRNG{}
