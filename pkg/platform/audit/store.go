package audit

import (
	"context"
	"time"
)

// Store is the append-only persistence behind the Trail. Implementations
// never update or delete a record; mutation attempts return
// sentinel.ErrImmutable.
type Store interface {
	Append(ctx context.Context, rec Record) error
	// Get returns sentinel.ErrNotFound when no record has the id.
	Get(ctx context.Context, id string) (*Record, error)
	// Query returns the requested page and the total number of matches.
	Query(ctx context.Context, filter Filter, page Pagination) ([]Record, int, error)
	Count(ctx context.Context, filter Filter) (int64, error)
	TopActions(ctx context.Context, from, to time.Time, n int) ([]Count, error)
	TopActors(ctx context.Context, from, to time.Time, n int) ([]Count, error)
}

// Sink receives records after they are durably appended, e.g. a security
// event stream. Failures are logged and never affect the append.
type Sink interface {
	Publish(ctx context.Context, rec Record) error
}
