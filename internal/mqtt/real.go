package mqtt

import (
	"fmt"
	"log"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sweeney/appliance-sensor/internal/logic"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	bufferCapacity = 256
)

// Options configures a broker session.
type Options struct {
	Broker   string
	ClientID string

	// WillTopic and WillPayload set the last-will message. Empty WillTopic disables it.
	WillTopic   string
	WillPayload []byte
}

// Session owns the paho client and runs registered hooks on every (re)connect.
type Session struct {
	client paho.Client

	mu    sync.Mutex
	hooks []func(paho.Client)
}

// NewSession creates a session. Call Connect to dial the broker.
func NewSession(o Options) *Session {
	s := &Session{}
	opts := paho.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Printf("mqtt: connection lost: %v", err)
		})
	if o.WillTopic != "" {
		opts.SetBinaryWill(o.WillTopic, o.WillPayload, 1, true)
	}
	s.client = paho.NewClient(opts)
	return s
}

// OnConnect registers fn to run after every successful connection.
// Hooks run in registration order on paho's goroutine.
func (s *Session) OnConnect(fn func(paho.Client)) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

func (s *Session) onConnect(c paho.Client) {
	log.Printf("mqtt: connected")
	s.mu.Lock()
	hooks := append([]func(paho.Client){}, s.hooks...)
	s.mu.Unlock()
	for _, h := range hooks {
		h(c)
	}
}

// Connect dials the broker. With connect-retry enabled paho keeps trying in the
// background, so a timeout here is reported but the session stays usable.
func (s *Session) Connect() error {
	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	return nil
}

// Client returns the underlying paho client.
func (s *Session) Client() paho.Client {
	return s.client
}

// IsConnected reports whether the broker connection is currently open.
func (s *Session) IsConnected() bool {
	return s.client.IsConnectionOpen()
}

// Close disconnects from the broker.
func (s *Session) Close() {
	s.client.Disconnect(1000) // 1 second timeout
}

// publishClient is the subset of paho.Client the publisher needs.
type publishClient interface {
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// RealPublisher publishes to an actual MQTT broker. Messages produced while
// the connection is down are held in a ring buffer and replayed by Flush.
type RealPublisher struct {
	client publishClient
	topics Topics

	mu  sync.Mutex
	buf *ringBuffer
}

// NewRealPublisher creates a publisher on an existing client.
func NewRealPublisher(client publishClient, topics Topics) *RealPublisher {
	return &RealPublisher{
		client: client,
		topics: topics,
		buf:    newRingBuffer(bufferCapacity),
	}
}

// PublishState sends the snapshot to the state topic, retained.
func (p *RealPublisher) PublishState(snap logic.Snapshot) error {
	payload, err := FormatState(snap)
	if err != nil {
		return fmt.Errorf("format state payload: %w", err)
	}
	return p.send(bufferedMsg{topic: p.topics.State, payload: payload, qos: 0, retained: true})
}

// PublishCycle sends a cycle transition to the events topic.
func (p *RealPublisher) PublishCycle(snap logic.Snapshot) error {
	payload, err := FormatCycle(snap)
	if err != nil {
		return fmt.Errorf("format cycle payload: %w", err)
	}
	// QoS 1 (at-least-once): consumers count cycles from these
	return p.send(bufferedMsg{topic: p.topics.Events, payload: payload, qos: 1})
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.send(bufferedMsg{topic: p.topics.System, payload: payload, qos: 1, retained: event.Retained})
}

func (p *RealPublisher) send(msg bufferedMsg) error {
	if !p.client.IsConnectionOpen() {
		p.mu.Lock()
		p.buf.push(msg)
		p.mu.Unlock()
		return nil
	}
	return p.publish(msg)
}

func (p *RealPublisher) publish(msg bufferedMsg) error {
	token := p.client.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", msg.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", msg.topic, err)
	}
	return nil
}

// Flush replays buffered messages in order. Messages that fail are dropped
// and logged. Intended as a Session OnConnect hook.
func (p *RealPublisher) Flush() {
	p.mu.Lock()
	msgs := p.buf.drainAll()
	p.mu.Unlock()

	if len(msgs) == 0 {
		return
	}
	log.Printf("mqtt: replaying %d buffered messages", len(msgs))
	for _, m := range msgs {
		if err := p.publish(m); err != nil {
			log.Printf("mqtt: replay: %v", err)
		}
	}
}

// Buffered returns the number of messages waiting for replay.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.len()
}

// Close is a no-op; the Session owns the connection.
func (p *RealPublisher) Close() error {
	return nil
}
