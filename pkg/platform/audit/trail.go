// Package audit is the append-only, queryable trail of access events.
//
// Recording never fails the caller's operation: validation and persistence
// errors are logged and counted, and Record returns nil. Callers that must
// refuse to proceed without a durable record (break-glass in fail-closed
// mode) use Append instead.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	dErrors "medguard/pkg/domain-errors"
	"medguard/pkg/platform/sentinel"
)

// Trail validates, stamps, persists and queries audit records.
type Trail struct {
	store   Store
	sinks   []Sink
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

// Option configures the Trail.
type Option func(*Trail)

// WithLogger sets the operational error sink.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Trail) {
		t.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(t *Trail) {
		t.metrics = m
	}
}

// WithSink adds a downstream sink notified after each successful append.
func WithSink(s Sink) Option {
	return func(t *Trail) {
		if s != nil {
			t.sinks = append(t.sinks, s)
		}
	}
}

// WithClock overrides the server clock. Tests only.
func WithClock(now func() time.Time) Option {
	return func(t *Trail) {
		t.now = now
	}
}

// NewTrail creates a trail over store.
func NewTrail(store Store, opts ...Option) *Trail {
	t := &Trail{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record persists rec and returns the stored record. On any failure it logs,
// counts, and returns nil; the caller's primary operation continues.
func (t *Trail) Record(ctx context.Context, rec Record) *Record {
	stored, err := t.Append(ctx, rec)
	if err != nil {
		return nil
	}
	return stored
}

// Append is Record with the failure surfaced. The failure is still logged
// and counted here.
func (t *Trail) Append(ctx context.Context, rec Record) (*Record, error) {
	start := time.Now()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = t.now()
	}
	rec.Timestamp = NormalizeTime(rec.Timestamp)
	if rec.AccessMethod == "" {
		rec.AccessMethod = AccessNormal
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Details.IsZero() {
		rec.Details = nil
	}

	if err := validate(rec); err != nil {
		t.fail(ctx, rec, err)
		return nil, err
	}

	digest, err := Digest(rec)
	if err != nil {
		err = dErrors.Wrap(err, dErrors.CodeInternal, "failed to compute audit digest")
		t.fail(ctx, rec, err)
		return nil, err
	}
	rec.Digest = digest

	if err := t.store.Append(ctx, rec); err != nil {
		err = dErrors.Wrap(err, dErrors.CodeUnavailable, "audit persistence failed")
		t.fail(ctx, rec, err)
		return nil, err
	}

	t.metrics.ObservePersistDuration(time.Since(start))
	t.metrics.IncRecorded(rec.Action, rec.Status)

	for _, s := range t.sinks {
		if err := s.Publish(ctx, rec); err != nil {
			t.metrics.IncSinkFailures()
			t.logger.WarnContext(ctx, "audit sink publish failed",
				"record_id", rec.ID,
				"action", rec.Action,
				"error", err,
			)
		}
	}

	return &rec, nil
}

func (t *Trail) fail(ctx context.Context, rec Record, err error) {
	t.metrics.IncPersistFailures()
	t.logger.ErrorContext(ctx, "audit persistence failed",
		"record_id", rec.ID,
		"action", rec.Action,
		"status", rec.Status,
		"actor_id", rec.Actor.ID,
		"resource_type", rec.ResourceType,
		"resource_id", rec.ResourceID,
		"request_id", rec.RequestID,
		"error", err,
	)
}

func validate(rec Record) error {
	switch {
	case rec.Actor.ID == "":
		return dErrors.New(dErrors.CodeValidation, "audit record requires actor id")
	case !rec.Action.IsValid():
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("audit record has invalid action %q", rec.Action))
	case !rec.Status.IsValid():
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("audit record has invalid status %q", rec.Status))
	case rec.Timestamp.IsZero():
		return dErrors.New(dErrors.CodeValidation, "audit record requires timestamp")
	case rec.IPAddress == "":
		return dErrors.New(dErrors.CodeValidation, "audit record requires origin address")
	case rec.AccessMethod != AccessNormal && rec.AccessMethod != AccessEmergency:
		return dErrors.New(dErrors.CodeValidation, "audit record has invalid access method")
	}
	return nil
}

// Get fetches one record by id.
func (t *Trail) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := t.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "audit record not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load audit record")
	}
	return rec, nil
}

// Query returns one page of records matching filter, newest first unless
// ascending order is requested.
func (t *Trail) Query(ctx context.Context, filter Filter, page Pagination) (*Page, error) {
	if !filter.StartDate.IsZero() && !filter.EndDate.IsZero() && filter.EndDate.Before(filter.StartDate) {
		return nil, dErrors.New(dErrors.CodeValidation, "endDate must not be before startDate")
	}
	page = page.Normalize()

	records, total, err := t.store.Query(ctx, filter, page)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to query audit records")
	}
	if records == nil {
		records = []Record{}
	}

	pages := 0
	if total > 0 {
		pages = (total + page.Limit - 1) / page.Limit
	}
	return &Page{
		Records: records,
		Page:    page.Page,
		Limit:   page.Limit,
		Total:   total,
		Pages:   pages,
	}, nil
}

// Stats computes the compliance aggregates over an optional date range.
// The four aggregates are independent and run concurrently.
func (t *Trail) Stats(ctx context.Context, f StatsFilter) (*Stats, error) {
	if f.TopN < 1 {
		f.TopN = DefaultTopN
	}
	var stats Stats
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		n, err := t.store.Count(gctx, Filter{Action: ActionBreakGlass, StartDate: f.StartDate, EndDate: f.EndDate})
		stats.BreakGlassCount = n
		return err
	})
	g.Go(func() error {
		n, err := t.store.Count(gctx, Filter{Status: StatusDenied, StartDate: f.StartDate, EndDate: f.EndDate})
		stats.DeniedCount = n
		return err
	})
	g.Go(func() error {
		top, err := t.store.TopActions(gctx, f.StartDate, f.EndDate, f.TopN)
		stats.TopActions = top
		return err
	})
	g.Go(func() error {
		top, err := t.store.TopActors(gctx, f.StartDate, f.EndDate, f.TopN)
		stats.TopActors = top
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to compute audit statistics")
	}
	if stats.TopActions == nil {
		stats.TopActions = []Count{}
	}
	if stats.TopActors == nil {
		stats.TopActors = []Count{}
	}
	return &stats, nil
}

// Verify reports whether rec is unchanged since it was recorded.
func (t *Trail) Verify(rec Record) bool {
	return VerifyDigest(rec)
}

// Update always fails: audit records are immutable.
func (t *Trail) Update(ctx context.Context, id string, _ Record) error {
	return t.reject(ctx, "update", id)
}

// Delete always fails: audit records are immutable.
func (t *Trail) Delete(ctx context.Context, id string) error {
	return t.reject(ctx, "delete", id)
}

// UpdateMany always fails: audit records are immutable.
func (t *Trail) UpdateMany(ctx context.Context, _ Filter, _ Record) error {
	return t.reject(ctx, "update_many", "")
}

// DeleteMany always fails: audit records are immutable.
func (t *Trail) DeleteMany(ctx context.Context, _ Filter) error {
	return t.reject(ctx, "delete_many", "")
}

func (t *Trail) reject(ctx context.Context, op, id string) error {
	t.metrics.IncMutationRejected(op)
	t.logger.WarnContext(ctx, "rejected audit record mutation",
		"operation", op,
		"record_id", id,
	)
	return dErrors.Wrap(sentinel.ErrImmutable, dErrors.CodeImmutable, "audit records cannot be modified or deleted")
}
