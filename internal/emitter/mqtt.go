// Package emitter publishes visitor events to an MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/footfall/internal/store"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"
)

// Payload encodings.
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

// ErrNotConnected is returned by Append while the broker connection is down.
var ErrNotConnected = errors.New("mqtt not connected")

// Config describes the broker and the topic layout. Events go to <Topic>/<kind>, e.g. footfall/events/entry.
type Config struct {
	Broker   string // host:port or a full URL such as ssl://host:8883
	ClientID string
	Topic    string
	QoS      byte
	Encoding string
	Timeout  time.Duration
}

// Message is the published form of a store.Event.
type Message struct {
	ID        int64     `json:"id" msgpack:"id"`
	RunID     string    `json:"run_id" msgpack:"run_id"`
	VisitorID string    `json:"visitor_id" msgpack:"visitor_id"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
	Kind      string    `json:"kind" msgpack:"kind"`
	ImagePath string    `json:"image_path" msgpack:"image_path"`
}

// MQTTEmitter publishes events. It satisfies pipeline.EventSink.
type MQTTEmitter struct {
	cfg    Config
	Client mqtt.Client
	log    *slog.Logger

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

// NewMQTTEmitter returns an unconnected emitter.
func NewMQTTEmitter(cfg Config, log *slog.Logger) *MQTTEmitter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Encoding == "" {
		cfg.Encoding = EncodingJSON
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &MQTTEmitter{cfg: cfg, log: log}
}

// BrokerURL adds the tcp:// scheme when the address has none.
func BrokerURL(addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	return "tcp://" + addr
}

// Connect dials the broker. Lost connections are re-established in the background.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(BrokerURL(e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		e.log.Info("mqtt connection established", "broker", e.cfg.Broker, "client_id", e.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		e.log.Warn("mqtt connection lost, will auto-reconnect", "broker", e.cfg.Broker, "error", err)
	}

	e.Client = mqtt.NewClient(opts)
	e.log.Info("connecting to mqtt broker", "broker", e.cfg.Broker)

	if err := wait(ctx, e.Client.Connect(), 5*time.Second); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.setConnected(true)
	return nil
}

// Append publishes ev. The event store stays the source of truth, so callers treat failures as warnings.
func (e *MQTTEmitter) Append(ctx context.Context, ev *store.Event) error {
	if !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}

	payload, err := Encode(ev, e.cfg.Encoding)
	if err != nil {
		e.countError()
		return err
	}

	topic := e.TopicFor(ev.Kind)
	if err := wait(ctx, e.Client.Publish(topic, e.cfg.QoS, false, payload), e.cfg.Timeout); err != nil {
		e.countError()
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	e.mu.Lock()
	e.published++
	e.mu.Unlock()
	e.log.Debug("event published", "topic", topic, "qos", e.cfg.QoS, "size", len(payload))
	return nil
}

// TopicFor returns the topic events of kind are published on.
func (e *MQTTEmitter) TopicFor(kind string) string {
	return strings.TrimSuffix(e.cfg.Topic, "/") + "/" + strings.ToLower(kind)
}

// Disconnect closes the connection, giving in-flight messages 250ms.
func (e *MQTTEmitter) Disconnect() {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250)
		e.log.Info("mqtt disconnected")
	}
	e.setConnected(false)
}

// Stats returns the number of published and failed events.
func (e *MQTTEmitter) Stats() (published, failed uint64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.published, e.errors
}

// Encode serializes ev in the given encoding.
func Encode(ev *store.Event, encoding string) ([]byte, error) {
	msg := Message{
		ID:        ev.ID,
		RunID:     ev.RunID,
		VisitorID: ev.VisitorID,
		Timestamp: ev.Timestamp.UTC(),
		Kind:      ev.Kind,
		ImagePath: ev.ImagePath,
	}
	switch encoding {
	case EncodingJSON:
		return json.Marshal(msg)
	case EncodingMsgpack:
		return msgpack.Marshal(msg)
	default:
		return nil, fmt.Errorf("unknown payload encoding %q", encoding)
	}
}

func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return errors.New("timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
