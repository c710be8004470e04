// Package serial provides a serial WireIO for carrying SR frames to a
// radio modem attached over a serial link.
//
// SR frames are carried as the payload of an RS232 frame (magic + length +
// payload + Fletcher-16 checksum, see core/codec/rs232.go), the same
// framing used for the serial bridge protocol.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/srforward/srmesh/core/codec"
	"github.com/srforward/srmesh/transport"
	"go.bug.st/serial"
)

// Compile-time interface check.
var _ transport.WireIO = (*Transport)(nil)

const (
	// DefaultBaudRate is the default baud rate for the serial link.
	DefaultBaudRate = 115200

	// readBufSize is the size of the serial read buffer.
	readBufSize = 1024
)

// Config holds the configuration for a serial WireIO.
type Config struct {
	// Port is the serial port path (e.g., "/dev/ttyUSB0" or "COM3").
	Port string
	// BaudRate is the serial baud rate. Defaults to 115200.
	BaudRate int
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Transport implements transport.WireIO over a serial connection.
type Transport struct {
	cfg Config
	log *slog.Logger

	mu        sync.RWMutex
	port      serial.Port
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}
	ingress   func(frame []byte)
	onState   transport.StateHandler
}

// New creates a new serial WireIO with the given configuration.
func New(cfg Config) *Transport {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Transport{
		cfg: cfg,
		log: cfg.Logger.WithGroup("serial"),
	}
}

// SetStateHandler registers a callback for connection state changes. Not
// part of transport.WireIO, but available for operators that want it.
func (t *Transport) SetStateHandler(fn transport.StateHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = fn
}

// Start opens the serial port and begins reading frames.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.Port == "" {
		return errors.New("serial port is required")
	}

	mode := &serial.Mode{
		BaudRate: t.cfg.BaudRate,
	}

	port, err := serial.Open(t.cfg.Port, mode)
	if err != nil {
		return fmt.Errorf("opening serial port: %w", err)
	}

	t.mu.Lock()
	t.port = port
	t.connected = true
	t.done = make(chan struct{})
	handler := t.onState
	t.mu.Unlock()

	readCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	go t.readLoop(readCtx)

	t.log.Info("connected to serial port", "port", t.cfg.Port, "baud", t.cfg.BaudRate)

	if handler != nil {
		handler(t, transport.EventConnected)
	}

	return nil
}

// Stop closes the serial port and stops the read loop.
func (t *Transport) Stop() error {
	t.mu.Lock()
	handler := t.onState
	t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
	}

	t.mu.Lock()
	t.connected = false
	port := t.port
	t.port = nil
	done := t.done
	t.mu.Unlock()

	var err error
	if port != nil {
		err = port.Close()
	}

	if done != nil {
		<-done
	}

	if handler != nil {
		handler(t, transport.EventDisconnected)
	}

	return err
}

// IsConnected returns true if the serial port is open.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// SetIngressHandler registers the callback invoked for every SR frame
// received over the serial link.
func (t *Transport) SetIngressHandler(fn func(frame []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ingress = fn
}

// Send wraps an SR frame in an RS232 frame and writes it to the serial port.
func (t *Transport) Send(frame []byte) error {
	t.mu.RLock()
	port := t.port
	connected := t.connected
	t.mu.RUnlock()

	if !connected || port == nil {
		return errors.New("not connected")
	}

	wire, err := codec.EncodeRS232Frame(frame)
	if err != nil {
		return fmt.Errorf("encoding RS232 frame: %w", err)
	}

	if _, err := port.Write(wire); err != nil {
		return fmt.Errorf("writing to serial port: %w", err)
	}

	return nil
}

// readLoop continuously reads from the serial port and assembles RS232 frames.
func (t *Transport) readLoop(ctx context.Context) {
	defer close(t.done)

	buf := make([]byte, readBufSize)
	var assemblyBuf []byte

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := t.port.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return // context cancelled, clean shutdown
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				t.handleDisconnect(err)
				return
			}
			t.log.Error("serial read error", "error", err)
			t.handleDisconnect(err)
			return
		}

		if n == 0 {
			continue
		}

		assemblyBuf = append(assemblyBuf, buf[:n]...)
		assemblyBuf = t.processFrames(assemblyBuf)
	}
}

// processFrames extracts complete RS232 frames from the buffer and
// dispatches the SR frames they carry. Returns any remaining bytes that
// don't form a complete frame.
func (t *Transport) processFrames(data []byte) []byte {
	for len(data) >= codec.MinFrameSize {
		frame, remaining, err := codec.DecodeRS232Frame(data)
		if err != nil {
			if errors.Is(err, codec.ErrIncompleteFrame) {
				return data // wait for more data
			}
			// Bad frame; try to find the next magic bytes.
			if idx := findMagic(data[1:]); idx >= 0 {
				data = data[1+idx:]
				continue
			}
			return nil
		}

		data = remaining

		t.mu.RLock()
		handler := t.ingress
		t.mu.RUnlock()

		if handler != nil {
			handler(frame.Payload)
		}
	}

	return data
}

// findMagic searches for the RS232 magic bytes in data.
// Returns the index of the first byte of the magic, or -1 if not found.
func findMagic(data []byte) int {
	magic := [2]byte{byte(uint16(codec.BridgePacketMagic) >> 8), byte(codec.BridgePacketMagic & 0xFF)}
	for i := 0; i+1 < len(data); i++ {
		if data[i] == magic[0] && data[i+1] == magic[1] {
			return i
		}
	}
	return -1
}

func (t *Transport) handleDisconnect(err error) {
	t.mu.Lock()
	t.connected = false
	handler := t.onState
	t.mu.Unlock()

	if err != nil {
		t.log.Error("serial disconnected", "error", err)
	}

	if handler != nil {
		handler(t, transport.EventDisconnected)
	}
}
