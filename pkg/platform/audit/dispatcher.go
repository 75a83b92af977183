package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Recorder is the part of the Trail the dispatcher needs.
type Recorder interface {
	Record(ctx context.Context, rec Record) *Record
}

// DefaultDispatchTimeout bounds one background write.
const DefaultDispatchTimeout = 5 * time.Second

// Dispatcher writes records in the background so the response to the caller
// is never delayed by audit persistence. Each record gets its own goroutine;
// Close waits for all of them.
type Dispatcher struct {
	recorder Recorder
	logger   *slog.Logger
	metrics  *Metrics
	timeout  time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// DispatcherOption configures the Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatchLogger sets the logger.
func WithDispatchLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithDispatchMetrics sets the metrics collector.
func WithDispatchMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithDispatchTimeout bounds each background write.
func WithDispatchTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// NewDispatcher creates a dispatcher writing through recorder.
func NewDispatcher(recorder Recorder, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		recorder: recorder,
		logger:   slog.Default(),
		timeout:  DefaultDispatchTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch hands rec to a background writer and returns immediately. The
// write does not inherit ctx's cancellation, so a finished or aborted request
// still produces its record. After Close, records are written synchronously.
func (d *Dispatcher) Dispatch(ctx context.Context, rec Record) {
	writeCtx := context.WithoutCancel(ctx)

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		d.write(writeCtx, rec)
		return
	}
	d.wg.Add(1)
	d.mu.RUnlock()

	d.metrics.AddPending(1)
	go func() {
		defer d.wg.Done()
		defer d.metrics.AddPending(-1)
		defer func() {
			if r := recover(); r != nil {
				d.logger.ErrorContext(writeCtx, "audit dispatch panicked",
					"action", rec.Action,
					"panic", r,
				)
			}
		}()
		d.write(writeCtx, rec)
	}()
}

func (d *Dispatcher) write(ctx context.Context, rec Record) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	d.recorder.Record(ctx, rec)
}

// Close stops accepting background work and waits for in-flight writes.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
	return nil
}
