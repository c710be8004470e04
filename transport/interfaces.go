// Package transport provides transport interfaces and implementations for
// carrying SR frames between nodes over a physical or virtual link.
package transport

import "context"

// PacketIO is the per-node packet transport abstraction used by the data
// plane's components: port 0 carries frames to and from the wire, port 1
// carries frames to and from the local node stack (delivered payloads,
// locally originated queries). Nothing in this module implements it:
// flood.Flood's Config.Emit takes the same (port, frame) shape, and
// device/node routes port 0 to a WireIO and port 1 to its local-delivery
// callback without exposing a PacketIO.
type PacketIO interface {
	// Emit transmits frame on the given port.
	Emit(port int, frame []byte) error
	// SetIngressHandler registers the callback invoked for every inbound
	// frame, tagged with the port it arrived on.
	SetIngressHandler(fn func(port int, frame []byte))
}

// WireIO is a single physical or virtual channel carrying raw SR frames —
// an MQTT-bridged mesh segment, a serial radio link. It supplies the wire
// side (port 0) of a PacketIO; it knows nothing about port numbers, only
// about getting frames on and off one link.
type WireIO interface {
	// Start begins the channel's connection and read loop. The provided
	// context controls its lifetime.
	Start(ctx context.Context) error
	// Stop gracefully shuts the channel down.
	Stop() error
	// IsConnected reports whether the channel is currently usable.
	IsConnected() bool
	// SetIngressHandler registers the callback invoked for every frame
	// received on the channel.
	SetIngressHandler(fn func(frame []byte))
	// Send transmits frame over the channel.
	Send(frame []byte) error
}

// Event represents a WireIO connection state change.
type Event int

const (
	// EventConnected is fired when the channel connects.
	EventConnected Event = iota
	// EventDisconnected is fired when the channel disconnects.
	EventDisconnected
	// EventReconnecting is fired when the channel is attempting to reconnect.
	EventReconnecting
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// StateHandler is called when a WireIO's connection state changes.
type StateHandler func(w WireIO, event Event)
