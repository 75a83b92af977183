// Package kafka streams security-relevant audit records (break-glass access,
// access denials) to a Kafka topic for monitoring and alerting. The audit
// store stays the system of record; the stream is best effort.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	audit "medguard/pkg/platform/audit"
	"medguard/pkg/platform/circuit"
)

// Producer is the part of *kgo.Client the sink needs.
type Producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
}

// Sink publishes records of the selected categories.
type Sink struct {
	producer   Producer
	topic      string
	categories map[audit.EventCategory]bool
	logger     *slog.Logger
	metrics    *audit.Metrics
	breaker    *circuit.Breaker
}

// Option configures the Sink.
type Option func(*Sink)

// WithLogger sets the logger for asynchronous delivery failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sink) {
		s.logger = logger
	}
}

// WithMetrics counts asynchronous delivery failures.
func WithMetrics(m *audit.Metrics) Option {
	return func(s *Sink) {
		s.metrics = m
	}
}

// WithBreaker replaces the default delivery circuit breaker.
func WithBreaker(b *circuit.Breaker) Option {
	return func(s *Sink) {
		if b != nil {
			s.breaker = b
		}
	}
}

// WithCategories overrides which categories are streamed. Default: security.
func WithCategories(categories ...audit.EventCategory) Option {
	return func(s *Sink) {
		s.categories = make(map[audit.EventCategory]bool, len(categories))
		for _, c := range categories {
			s.categories[c] = true
		}
	}
}

// New creates a sink producing to topic.
func New(producer Producer, topic string, opts ...Option) *Sink {
	s := &Sink{
		producer:   producer,
		topic:      topic,
		categories: map[audit.EventCategory]bool{audit.CategorySecurity: true},
		logger:     slog.Default(),
		breaker:    circuit.New("audit-security-stream"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Publish enqueues rec if its category is streamed. Delivery is asynchronous;
// broker failures are logged and counted from the produce callback. After
// repeated failures the breaker opens and records are dropped, with one probe
// let through per cooldown, until deliveries succeed again.
func (s *Sink) Publish(ctx context.Context, rec audit.Record) error {
	category := rec.Action.Category()
	if !s.categories[category] {
		return nil
	}
	if !s.breaker.Allow() {
		s.metrics.IncSinkDropped()
		return nil
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}

	msg := &kgo.Record{
		Topic: s.topic,
		// Keyed by patient so one patient's security events stay ordered.
		Key:   []byte(partitionKey(rec)),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "category", Value: []byte(category)},
			{Key: "action", Value: []byte(rec.Action)},
			{Key: "record_id", Value: []byte(rec.ID)},
		},
	}

	s.producer.Produce(context.WithoutCancel(ctx), msg, func(r *kgo.Record, err error) {
		if err == nil {
			if _, change := s.breaker.RecordSuccess(); change.Closed {
				s.logger.Info("security stream recovered", "topic", r.Topic)
			}
			return
		}
		s.metrics.IncSinkFailures()
		s.logger.Error("failed to stream audit record",
			"record_id", rec.ID,
			"action", rec.Action,
			"topic", r.Topic,
			"error", err,
		)
		if _, change := s.breaker.RecordFailure(); change.Opened {
			s.logger.Warn("security stream circuit opened; dropping records until the broker recovers",
				"topic", r.Topic,
				"breaker", s.breaker.Name(),
			)
		}
	})
	return nil
}

func partitionKey(rec audit.Record) string {
	if rec.PatientID != "" {
		return string(rec.PatientID)
	}
	if rec.ResourceID != "" {
		return rec.ResourceID
	}
	return string(rec.Actor.ID)
}
