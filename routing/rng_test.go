package routing

import "testing"

func TestSystemRNGUniformWithinRange(t *testing.T) {
	r := NewSystemRNG()
	for i := 0; i < 100; i++ {
		v := r.Uniform(1.0, 1750.0)
		if v < 1.0 || v > 1750.0 {
			t.Fatalf("Uniform(1,1750) = %v, out of range", v)
		}
	}
}

func TestSystemRNGUniformDegenerateRange(t *testing.T) {
	r := NewSystemRNG()
	if got := r.Uniform(5.0, 5.0); got != 5.0 {
		t.Errorf("Uniform(5,5) = %v, want 5", got)
	}
	if got := r.Uniform(5.0, 1.0); got != 5.0 {
		t.Errorf("Uniform(5,1) = %v, want 5 (b<=a returns a)", got)
	}
}
