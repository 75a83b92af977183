package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	audit "medguard/pkg/platform/audit"
	"medguard/pkg/platform/sentinel"
)

// InMemoryStore is an append-only audit store for tests and local runs.
type InMemoryStore struct {
	mu      sync.RWMutex
	records []audit.Record
	byID    map[string]int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byID: make(map[string]int)}
}

func (s *InMemoryStore) Append(_ context.Context, rec audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[rec.ID]; exists {
		return fmt.Errorf("append audit record %s: %w", rec.ID, sentinel.ErrConflict)
	}
	s.byID[rec.ID] = len(s.records)
	s.records = append(s.records, cloneRecord(rec))
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (*audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	rec := cloneRecord(s.records[idx])
	return &rec, nil
}

func (s *InMemoryStore) Query(_ context.Context, filter audit.Filter, page audit.Pagination) ([]audit.Record, int, error) {
	matched := s.match(filter)

	sort.SliceStable(matched, func(i, j int) bool {
		if page.Sort == audit.SortAsc {
			return matched[i].Timestamp.Before(matched[j].Timestamp)
		}
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	total := len(matched)
	start := page.Offset()
	if start >= total {
		return []audit.Record{}, total, nil
	}
	end := min(start+page.Limit, total)
	return matched[start:end], total, nil
}

func (s *InMemoryStore) Count(_ context.Context, filter audit.Filter) (int64, error) {
	return int64(len(s.match(filter))), nil
}

func (s *InMemoryStore) TopActions(_ context.Context, from, to time.Time, n int) ([]audit.Count, error) {
	return s.top(from, to, n, func(r audit.Record) string { return string(r.Action) }), nil
}

func (s *InMemoryStore) TopActors(_ context.Context, from, to time.Time, n int) ([]audit.Count, error) {
	return s.top(from, to, n, func(r audit.Record) string { return string(r.Actor.ID) }), nil
}

// Update is rejected: audit records are immutable.
func (s *InMemoryStore) Update(_ context.Context, _ audit.Record) error {
	return sentinel.ErrImmutable
}

// Delete is rejected: audit records are immutable.
func (s *InMemoryStore) Delete(_ context.Context, _ string) error {
	return sentinel.ErrImmutable
}

// Len returns the number of stored records.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// All returns every record in append order.
func (s *InMemoryStore) All() []audit.Record {
	return s.match(audit.Filter{})
}

func (s *InMemoryStore) match(filter audit.Filter) []audit.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]audit.Record, 0)
	for _, rec := range s.records {
		if filter.Match(rec) {
			out = append(out, cloneRecord(rec))
		}
	}
	return out
}

func (s *InMemoryStore) top(from, to time.Time, n int, key func(audit.Record) string) []audit.Count {
	counts := make(map[string]int64)
	for _, rec := range s.match(audit.Filter{StartDate: from, EndDate: to}) {
		counts[key(rec)]++
	}
	out := make([]audit.Count, 0, len(counts))
	for k, c := range counts {
		out = append(out, audit.Count{Key: k, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// cloneState deep-copies a before-state document through JSON, the same
// shape the Postgres store returns from its JSONB column. Records reaching
// the store have already been digested, so they always marshal.
func cloneState(state map[string]any) map[string]any {
	raw, err := json.Marshal(state)
	if err != nil {
		return maps.Clone(state)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return maps.Clone(state)
	}
	return out
}

// cloneRecord copies the mutable parts so callers cannot edit stored records.
func cloneRecord(rec audit.Record) audit.Record {
	if rec.BreakGlass != nil {
		bg := *rec.BreakGlass
		rec.BreakGlass = &bg
	}
	if rec.Details != nil {
		d := *rec.Details
		if d.Changes != nil {
			d.Changes = append([]string(nil), d.Changes...)
		}
		if d.BeforeState != nil {
			d.BeforeState = cloneState(d.BeforeState)
		}
		rec.Details = &d
	}
	return rec
}
