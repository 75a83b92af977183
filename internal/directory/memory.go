// Package directory resolves resource references for authorization and reads
// before-state for change capture. Implementations: an in-memory index, a
// Postgres adapter over pgx, and a Redis-backed cache for secondary ids.
package directory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"medguard/pkg/domain"
	"medguard/pkg/platform/sentinel"
)

type entryKey struct {
	resourceType domain.ResourceType
	id           string
}

type entry struct {
	resource domain.Resource
	state    map[string]any
}

// Memory is a seedable in-memory directory. Secondary ids (MRNs, visit
// numbers) are registered as aliases of the canonical id.
type Memory struct {
	mu      sync.RWMutex
	entries map[entryKey]entry
	aliases map[entryKey]domain.ResourceID
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[entryKey]entry),
		aliases: make(map[entryKey]domain.ResourceID),
	}
}

// Put registers or replaces a resource with its current state and aliases.
func (m *Memory) Put(_ context.Context, res domain.Resource, state map[string]any, aliases ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entryKey{res.Type, string(res.ID)}] = entry{resource: res, state: maps.Clone(state)}
	for _, alias := range aliases {
		if alias = strings.TrimSpace(alias); alias != "" {
			m.aliases[entryKey{res.Type, alias}] = res.ID
		}
	}
	return nil
}

// Remove drops a resource and every alias pointing at it.
func (m *Memory) Remove(_ context.Context, resourceType domain.ResourceType, id domain.ResourceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, entryKey{resourceType, string(id)})
	for k, target := range m.aliases {
		if k.resourceType == resourceType && target == id {
			delete(m.aliases, k)
		}
	}
	return nil
}

// Visits returns the ids of every visit linked to patientID, sorted.
func (m *Memory) Visits(_ context.Context, patientID domain.ResourceID) ([]domain.ResourceID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []domain.ResourceID
	for k, e := range m.entries {
		if k.resourceType == domain.ResourceVisit && e.resource.PatientID == patientID {
			ids = append(ids, e.resource.ID)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// Resolve returns the resource for a canonical id or alias.
func (m *Memory) Resolve(_ context.Context, ref domain.ResourceRef) (*domain.Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.lookup(ref)
	if !ok {
		return nil, fmt.Errorf("resolve %s %s: %w", ref.Type, ref.ID, sentinel.ErrNotFound)
	}
	res := e.resource
	return &res, nil
}

// ReadState returns a copy of the resource's current state.
func (m *Memory) ReadState(_ context.Context, ref domain.ResourceRef) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.lookup(ref)
	if !ok {
		return nil, fmt.Errorf("read state %s %s: %w", ref.Type, ref.ID, sentinel.ErrNotFound)
	}
	return maps.Clone(e.state), nil
}

func (m *Memory) lookup(ref domain.ResourceRef) (entry, bool) {
	if e, ok := m.entries[entryKey{ref.Type, ref.ID}]; ok {
		return e, true
	}
	canonical, ok := m.aliases[entryKey{ref.Type, ref.ID}]
	if !ok {
		return entry{}, false
	}
	e, ok := m.entries[entryKey{ref.Type, string(canonical)}]
	return e, ok
}
