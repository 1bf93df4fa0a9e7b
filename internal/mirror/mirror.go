// Package mirror republishes station telemetry and connectivity changes to
// an MQTT broker so that dashboards can follow the station without opening a
// control connection of their own.
package mirror

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ham-lab-isu/K2craft/internal/logging"
)

var log = logging.Disabled()

// UseLogger sets the logger used by the package.
func UseLogger(logger *slog.Logger) {
	log = logger
}

const (
	defaultTopic      = "k2craft"
	defaultClientID   = "k2craft-station"
	connectTimeout    = 5 * time.Second
	publishTimeout    = 2 * time.Second
	disconnectQuiesce = 250 // ms
	defaultQueueDepth = 256

	topicTelemetry    = "telemetry"
	topicConnectivity = "connected"
	topicOutputs      = "outputs"
)

var (
	// ErrTimeout is reported when the broker does not acknowledge in time.
	ErrTimeout = errors.New("mirror: broker timeout")
	// ErrQueueFull is returned when messages arrive faster than the broker
	// takes them. The message is dropped.
	ErrQueueFull = errors.New("mirror: publish queue full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("mirror: closed")
)

// Publisher receives everything the station wants mirrored. Implementations
// must not block the caller on the network.
type Publisher interface {
	// Telemetry publishes one inbound message from a controller.
	Telemetry(remote string, text string) error
	// Connectivity publishes the station's connected flag and peer count.
	Connectivity(connected bool, peers int) error
	// Output publishes the commanded state of one output pin.
	Output(channel, pin int, on bool) error
	Close() error
}

// Nop discards everything. It is used when no broker is configured.
type Nop struct{}

func (Nop) Telemetry(string, string) error { return nil }
func (Nop) Connectivity(bool, int) error   { return nil }
func (Nop) Output(int, int, bool) error    { return nil }
func (Nop) Close() error                   { return nil }

// Config selects the broker and the topic prefix.
type Config struct {
	Broker   string // e.g. tcp://localhost:1883
	Topic    string // prefix; defaults to "k2craft"
	ClientID string
}

// MQTT publishes to a broker through the paho client. Messages are queued and
// published in order by one goroutine, which logs broker failures; the
// publishing methods only report a full queue or a closed publisher.
//
// Topics, relative to the configured prefix:
//
//	<prefix>/telemetry            raw telemetry text, not retained
//	<prefix>/connected            "1" or "0" followed by the peer count, retained
//	<prefix>/outputs/<ch>/<pin>   "1" or "0", retained
type MQTT struct {
	client mqtt.Client
	prefix string

	mu      sync.Mutex
	closed  bool
	queue   chan message
	closing chan struct{}
	stopped chan struct{}
}

type message struct {
	topic    string
	retained bool
	payload  string
}

// NewMQTT connects to cfg.Broker and returns a ready publisher.
func NewMQTT(cfg Config) (*MQTT, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mirror: no broker configured")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = defaultClientID
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn("mirror: broker connection lost", "err", err)
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Info("mirror: connected to broker", "broker", cfg.Broker)
		})

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mirror: connect %s: %w", cfg.Broker, ErrTimeout)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mirror: connect %s: %w", cfg.Broker, err)
	}
	return newMQTT(client, cfg.Topic, defaultQueueDepth), nil
}

func newMQTT(client mqtt.Client, prefix string, depth int) *MQTT {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = defaultTopic
	}
	m := &MQTT{
		client:  client,
		prefix:  prefix,
		queue:   make(chan message, depth),
		closing: make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *MQTT) Telemetry(remote string, text string) error {
	return m.publish(m.topic(topicTelemetry), false, text)
}

func (m *MQTT) Connectivity(connected bool, peers int) error {
	return m.publish(m.topic(topicConnectivity), true, fmt.Sprintf("%s %d", bit(connected), peers))
}

func (m *MQTT) Output(channel, pin int, on bool) error {
	return m.publish(m.topic(topicOutputs, fmt.Sprint(channel), fmt.Sprint(pin)), true, bit(on))
}

// Close hands what is still queued to the client, without waiting for
// acknowledgements, and disconnects from the broker.
func (m *MQTT) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.closing)
	close(m.queue)
	m.mu.Unlock()

	<-m.stopped
	m.client.Disconnect(disconnectQuiesce)
	return nil
}

func (m *MQTT) topic(parts ...string) string {
	return m.prefix + "/" + strings.Join(parts, "/")
}

func (m *MQTT) publish(topic string, retained bool, payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	select {
	case m.queue <- message{topic: topic, retained: retained, payload: payload}:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, topic)
	}
}

func (m *MQTT) run() {
	defer close(m.stopped)
	for msg := range m.queue {
		tok := m.client.Publish(msg.topic, 0, msg.retained, msg.payload)
		timer := time.NewTimer(publishTimeout)
		select {
		case <-tok.Done():
			if err := tok.Error(); err != nil {
				log.Warn("mirror: publish failed", "topic", msg.topic, "err", err)
			}
		case <-timer.C:
			log.Warn("mirror: publish failed", "topic", msg.topic, "err", ErrTimeout)
		case <-m.closing:
		}
		timer.Stop()
	}
}

func bit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
