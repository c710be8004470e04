// Package mqtt provides an MQTT-bridged WireIO for carrying SR frames
// between nodes over a standard MQTT broker, useful for simulating a
// multi-node mesh backbone during integration testing without real radios.
//
// Frames are transmitted as base64-encoded strings over a single topic per
// mesh segment, in the format "{prefix}/{meshID}".
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/srforward/srmesh/transport"
)

// Compile-time interface check.
var _ transport.WireIO = (*Transport)(nil)

const (
	// DefaultTopicPrefix is the default MQTT topic prefix for SR frames.
	DefaultTopicPrefix = "srmesh"
)

// Config holds the configuration for an MQTT-bridged WireIO.
type Config struct {
	// Broker is the MQTT broker URL (e.g., "tcp://broker.example.com:1883").
	Broker string
	// Username for MQTT authentication. Leave empty if not required.
	Username string
	// Password for MQTT authentication. Leave empty if not required.
	Password string
	// UseTLS enables TLS for the MQTT connection.
	UseTLS bool
	// ClientID is the MQTT client identifier. If empty, a random one is generated.
	ClientID string
	// TopicPrefix is the MQTT topic prefix (default: "srmesh").
	TopicPrefix string
	// MeshID identifies this mesh segment (e.g., "site-a"). The channel
	// subscribes to "{TopicPrefix}/{MeshID}" and publishes to the same topic.
	MeshID string
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Transport implements transport.WireIO over MQTT.
type Transport struct {
	cfg    Config
	client paho.Client
	log    *slog.Logger

	mu        sync.RWMutex
	connected bool
	ingress   func(frame []byte)
	onState   transport.StateHandler
}

// New creates a new MQTT WireIO with the given configuration.
func New(cfg Config) *Transport {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Transport{
		cfg: cfg,
		log: cfg.Logger.WithGroup("mqtt"),
	}
}

// SetStateHandler registers a callback for connection state changes. Not
// part of transport.WireIO, but available for operators that want it.
func (t *Transport) SetStateHandler(fn transport.StateHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = fn
}

// Start connects to the MQTT broker and subscribes to the mesh topic.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.Broker == "" {
		return errors.New("broker URL is required")
	}
	if t.cfg.MeshID == "" {
		return errors.New("mesh ID is required")
	}

	clientID := t.cfg.ClientID
	if clientID == "" {
		clientID = "srmesh-" + randomString(16)
	}

	opts := paho.NewClientOptions().
		AddBroker(t.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetOnConnectHandler(t.onConnected).
		SetConnectionLostHandler(t.onConnectionLost).
		SetReconnectingHandler(t.onReconnecting)

	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
	}
	if t.cfg.Password != "" {
		opts.SetPassword(t.cfg.Password)
	}
	if t.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})
	}

	t.client = paho.NewClient(opts)

	token := t.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return errors.New("connection timeout")
	}
	if token.Error() != nil {
		return fmt.Errorf("connecting to broker: %w", token.Error())
	}

	return nil
}

// Stop gracefully disconnects from the MQTT broker.
func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		t.client.Disconnect(1000)
		t.connected = false
	}
	return nil
}

// IsConnected returns true if the channel is connected to the broker.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected && t.client != nil && t.client.IsConnected()
}

// SetIngressHandler registers the callback invoked for every SR frame
// received over the mesh topic.
func (t *Transport) SetIngressHandler(fn func(frame []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ingress = fn
}

// Send publishes an SR frame to the mesh topic.
func (t *Transport) Send(frame []byte) error {
	if !t.IsConnected() {
		return errors.New("not connected")
	}

	payload := base64.StdEncoding.EncodeToString(frame)
	token := t.client.Publish(t.topic(), 0, false, payload)
	if !token.WaitTimeout(10 * time.Second) {
		return errors.New("timeout publishing to MQTT")
	}
	return token.Error()
}

func (t *Transport) topic() string {
	return t.cfg.TopicPrefix + "/" + t.cfg.MeshID
}

func (t *Transport) subscribe() {
	topic := t.topic()
	t.client.Subscribe(topic, 0, t.handleMessage)
	t.log.Debug("subscribed to mesh topic", "topic", topic)
}

func (t *Transport) handleMessage(_ paho.Client, message paho.Message) {
	t.mu.RLock()
	handler := t.ingress
	t.mu.RUnlock()

	if handler == nil {
		return
	}

	frame, err := base64.StdEncoding.DecodeString(string(message.Payload()))
	if err != nil {
		t.log.Debug("failed to decode base64 payload", "error", err)
		return
	}

	handler(frame)
}

func (t *Transport) onConnected(_ paho.Client) {
	t.mu.Lock()
	t.connected = true
	handler := t.onState
	t.mu.Unlock()

	t.subscribe()
	t.log.Info("connected to MQTT broker", "broker", t.cfg.Broker)

	if handler != nil {
		handler(t, transport.EventConnected)
	}
}

func (t *Transport) onConnectionLost(_ paho.Client, err error) {
	t.mu.Lock()
	t.connected = false
	handler := t.onState
	t.mu.Unlock()

	t.log.Error("MQTT connection lost", "error", err)

	if handler != nil {
		handler(t, transport.EventDisconnected)
	}
}

func (t *Transport) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	t.mu.RLock()
	handler := t.onState
	t.mu.RUnlock()

	t.log.Info("reconnecting to MQTT broker")

	if handler != nil {
		handler(t, transport.EventReconnecting)
	}
}

func randomString(n int) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}
