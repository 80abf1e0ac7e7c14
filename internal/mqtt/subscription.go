package mqtt

import (
	"context"
	"fmt"
	"sync"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sweeney/appliance-sensor/internal/source"
)

// subscribeClient is the subset of paho.Client a Subscription needs.
type subscribeClient interface {
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

// Subscription is a reading source fed by an MQTT topic. The last
// received payload is the current value. It implements source.Source
// and source.Notifier.
type Subscription struct {
	topic string
	field string

	mu       sync.RWMutex
	payload  []byte
	received bool

	changes chan struct{}
}

// NewSubscription creates a source for topic. field selects a key when
// payloads are JSON objects; it may be empty for plain numeric payloads.
func NewSubscription(topic, field string) *Subscription {
	return &Subscription{
		topic:   topic,
		field:   field,
		changes: make(chan struct{}, 1),
	}
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string {
	return s.topic
}

// Subscribe registers the subscription on client. Intended as a Session
// OnConnect hook so the subscription survives reconnects.
func (s *Subscription) Subscribe(client subscribeClient) error {
	token := client.Subscribe(s.topic, 1, s.handle)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe %s: timeout", s.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.topic, err)
	}
	return nil
}

func (s *Subscription) handle(_ paho.Client, msg paho.Message) {
	s.Update(msg.Payload())
}

// Update stores payload as the current value and signals a change.
func (s *Subscription) Update(payload []byte) {
	p := append([]byte(nil), payload...)
	s.mu.Lock()
	s.payload = p
	s.received = true
	s.mu.Unlock()

	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// Read parses the last received payload.
func (s *Subscription) Read(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	payload, received := s.payload, s.received
	s.mu.RUnlock()

	if !received {
		return 0, fmt.Errorf("%s: %w", s.topic, source.ErrUnavailable)
	}
	v, err := source.ParseReading(payload, s.field)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", s.topic, err)
	}
	return v, nil
}

// Changes implements source.Notifier.
func (s *Subscription) Changes() <-chan struct{} {
	return s.changes
}
