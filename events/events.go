// Package events carries sweep progress events to interested parties
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Kinds of event
const (
	SweepStarted   = "sweep_started"
	ExposureFailed = "exposure_failed"
	GroupFinished  = "group_finished"
	SweepFinished  = "sweep_finished"
	SweepAborted   = "sweep_aborted"
)

// Event is one step of a sweep
type Event struct {
	RunID        string    `json:"run_id"`
	Kind         string    `json:"kind"`
	Time         time.Time `json:"time"`
	Illumination string    `json:"illumination,omitempty"`
	Sequence     string    `json:"sequence,omitempty"`
	ExposureUS   int       `json:"exposure_us,omitempty"`
	Failed       int       `json:"failed,omitempty"`
	Err          string    `json:"error,omitempty"`
}

// Publisher accepts events
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Kafka publishes events as JSON messages keyed by run id
type Kafka struct {
	w   *kafka.Writer
	log *slog.Logger
}

// NewKafka returns a publisher writing to topic on brokers
func NewKafka(brokers []string, topic string, log *slog.Logger) *Kafka {
	if log == nil {
		log = slog.Default()
	}
	return &Kafka{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			WriteTimeout: 5 * time.Second,
		},
		log: log.With(slog.String("component", "kafka-events")),
	}
}

// Publish satisfies Publisher
func (k *Kafka) Publish(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	err = k.w.WriteMessages(ctx, kafka.Message{Key: []byte(e.RunID), Value: b, Time: e.Time})
	if err != nil {
		k.log.Warn("publish failed", "kind", e.Kind, "err", err)
	}
	return err
}

// Close flushes and closes the writer
func (k *Kafka) Close() error {
	return k.w.Close()
}

// Log is a bounded in-memory publisher holding the most recent events
type Log struct {
	mu   sync.Mutex
	max  int
	list []Event
}

// NewLog returns a Log holding at most max events
func NewLog(max int) *Log {
	if max < 1 {
		max = 1
	}
	return &Log{max: max}
}

// Publish satisfies Publisher
func (l *Log) Publish(ctx context.Context, e Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.list = append(l.list, e)
	if len(l.list) > l.max {
		l.list = append(l.list[:0], l.list[len(l.list)-l.max:]...)
	}
	return nil
}

// Events returns a copy of the held events, oldest first
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.list...)
}

// Multi publishes to each publisher in turn, returning the first error
type Multi []Publisher

// Publish satisfies Publisher
func (m Multi) Publish(ctx context.Context, e Event) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
