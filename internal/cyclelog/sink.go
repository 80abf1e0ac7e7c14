// Package cyclelog ships one record per completed appliance cycle to Kafka.
package cyclelog

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sweeney/appliance-sensor/internal/logic"
)

const (
	queueSize    = 32
	writeTimeout = 10 * time.Second
)

// Writer is the subset of *kafka.Writer used by Sink.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter returns a synchronous writer for topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
}

// Record describes one completed cycle.
type Record struct {
	ID              string    `json:"id"`
	Appliance       string    `json:"appliance"`
	UseCount        int       `json:"use_count"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	DurationSeconds float64   `json:"duration_seconds"`
	EnergyKWh       float64   `json:"energy_kwh"`
	Cost            float64   `json:"cost"`
	TotalEnergyKWh  float64   `json:"total_energy_kwh"`
	ServiceStatus   string    `json:"service_status"`
}

// NewRecord builds the record for a CYCLE_END snapshot.
func NewRecord(id uuid.UUID, snap logic.Snapshot) Record {
	return Record{
		ID:              id.String(),
		Appliance:       snap.Name,
		UseCount:        snap.UseCount,
		StartTime:       snap.StartTime.UTC(),
		EndTime:         snap.EndTime.UTC(),
		DurationSeconds: snap.LastCycleDuration.Seconds(),
		EnergyKWh:       snap.PreviousCycleEnergy,
		Cost:            snap.PreviousCycleCost,
		TotalEnergyKWh:  snap.TotalEnergy,
		ServiceStatus:   string(snap.ServiceStatus),
	}
}

// Sink queues completed cycles and writes them from a background goroutine,
// so a slow broker never blocks the coordinator. Records that do not fit in
// the queue are dropped and logged.
type Sink struct {
	w     Writer
	key   []byte
	newID func() uuid.UUID

	mu     sync.Mutex
	closed bool
	queue  chan Record
	done   chan struct{}
}

// NewSink starts a sink writing to w. key partitions the records
// (normally the appliance slug).
func NewSink(w Writer, key string) *Sink {
	s := &Sink{
		w:     w,
		key:   []byte(key),
		newID: uuid.New,
		queue: make(chan Record, queueSize),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

// Observe enqueues a record for CYCLE_END snapshots and ignores all others.
// Intended as a coordinator listener.
func (s *Sink) Observe(snap logic.Snapshot) {
	if snap.Event != logic.EventCycleEnd {
		return
	}
	rec := NewRecord(s.newID(), snap)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- rec:
	default:
		log.Printf("cyclelog: queue full, dropping cycle %s", rec.ID)
	}
}

func (s *Sink) run() {
	defer close(s.done)
	for rec := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := s.Write(ctx, rec); err != nil {
			log.Printf("cyclelog: %v", err)
		}
		cancel()
	}
}

// Write sends rec synchronously.
func (s *Sink) Write(ctx context.Context, rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal cycle %s: %w", rec.ID, err)
	}
	err = s.w.WriteMessages(ctx, kafka.Message{
		Key:   s.key,
		Value: b,
		Time:  rec.EndTime,
	})
	if err != nil {
		return fmt.Errorf("write cycle %s: %w", rec.ID, err)
	}
	return nil
}

// Close drains queued records, then closes the writer. It is idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	return s.w.Close()
}
