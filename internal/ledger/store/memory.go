package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmerrifield20/ReportLedger/internal/ledger/model"
)

// MemoryStore is an in-memory, thread-safe Store. Each tenant chain has its
// own lock, so appends for different tenants proceed in parallel.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*tenantLog
}

type tenantLog struct {
	mu      sync.Mutex
	entries []*model.Entry
	byID    map[string]int
	byHash  map[string]int
	access  map[string][]model.AccessRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[string]*tenantLog)}
}

func (s *MemoryStore) tenant(tenantID string, create bool) *tenantLog {
	s.mu.RLock()
	t, ok := s.tenants[tenantID]
	s.mu.RUnlock()
	if ok || !create {
		return t
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tenants[tenantID]; ok {
		return t
	}
	t = &tenantLog{
		byID:   make(map[string]int),
		byHash: make(map[string]int),
		access: make(map[string][]model.AccessRecord),
	}
	s.tenants[tenantID] = t
	return t
}

// AppendNext implements Store.
func (s *MemoryStore) AppendNext(ctx context.Context, tenantID string, build BuildFunc) (*model.Entry, error) {
	t := s.tenant(tenantID, true)
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	next := int64(len(t.entries))
	prevHash := ""
	if next > 0 {
		prevHash = t.entries[next-1].LinkHash
	}

	e, err := build(prevHash, next)
	if err != nil {
		return nil, fmt.Errorf("build entry: %w", err)
	}
	if err := checkBuilt(e, tenantID, prevHash, next); err != nil {
		return nil, err
	}
	if _, dup := t.byID[e.ID]; dup {
		return nil, fmt.Errorf("%w: duplicate entry id %s", ErrConcurrentAppend, e.ID)
	}

	stored := e.Clone()
	stored.Version = 1
	t.entries = append(t.entries, stored)
	t.byID[stored.ID] = int(next)
	t.byHash[stored.LinkHash] = int(next)
	return stored.Clone(), nil
}

// FetchRange implements Store.
func (s *MemoryStore) FetchRange(_ context.Context, tenantID string, from, to int64) ([]*model.Entry, error) {
	t := s.tenant(tenantID, false)
	if t == nil {
		return nil, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	n := int64(len(t.entries))
	if from < 0 {
		from = 0
	}
	if to < 0 || to >= n {
		to = n - 1
	}
	var out []*model.Entry
	for i := from; i <= to; i++ {
		out = append(out, t.entries[i].Clone())
	}
	return out, nil
}

// FetchTail implements Store.
func (s *MemoryStore) FetchTail(_ context.Context, tenantID string) (*model.Entry, error) {
	t := s.tenant(tenantID, false)
	if t == nil {
		return nil, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) == 0 {
		return nil, nil
	}
	return t.entries[len(t.entries)-1].Clone(), nil
}

// FetchByHash implements Store.
func (s *MemoryStore) FetchByHash(_ context.Context, tenantID, linkHash string) (*model.Entry, error) {
	t := s.tenant(tenantID, false)
	if t == nil {
		return nil, ErrNotFound
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.byHash[linkHash]
	if !ok {
		return nil, ErrNotFound
	}
	return t.entries[i].Clone(), nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, tenantID, entryID string) (*model.Entry, error) {
	t := s.tenant(tenantID, false)
	if t == nil {
		return nil, ErrNotFound
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.byID[entryID]
	if !ok {
		return nil, ErrNotFound
	}
	return t.entries[i].Clone(), nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, next *model.Entry) (*model.Entry, error) {
	t := s.tenant(next.TenantID, false)
	if t == nil {
		return nil, ErrNotFound
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	i, ok := t.byID[next.ID]
	if !ok {
		return nil, ErrNotFound
	}
	prev := t.entries[i]
	if prev.Version != next.Version {
		return nil, fmt.Errorf("%w: entry %s at version %d, update from %d", ErrVersionConflict, next.ID, prev.Version, next.Version)
	}
	if err := model.CheckImmutable(prev, next); err != nil {
		return nil, err
	}

	stored := prev.Clone()
	stored.Status = next.Status
	stored.LegalHold = next.Clone().LegalHold
	stored.ArchivedAt = next.Clone().ArchivedAt
	stored.DeletedAt = next.Clone().DeletedAt
	stored.Version = prev.Version + 1
	t.entries[i] = stored
	return stored.Clone(), nil
}

// ListArchivable implements Store.
func (s *MemoryStore) ListArchivable(_ context.Context, tenantID string, now time.Time, limit int) ([]*model.Entry, error) {
	t := s.tenant(tenantID, false)
	if t == nil {
		return nil, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*model.Entry
	for _, e := range t.entries {
		if limit > 0 && len(out) >= limit {
			break
		}
		if e.Status == model.StatusGenerated && !e.LegalHold.Active && !e.RetentionExpiry.After(now) {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

// RecordAccess implements Store.
func (s *MemoryStore) RecordAccess(_ context.Context, rec model.AccessRecord) error {
	t := s.tenant(rec.TenantID, false)
	if t == nil {
		return ErrNotFound
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[rec.EntryID]; !ok {
		return ErrNotFound
	}
	t.access[rec.EntryID] = append(t.access[rec.EntryID], rec)
	return nil
}

// AccessLog implements Store.
func (s *MemoryStore) AccessLog(_ context.Context, tenantID, entryID string) ([]model.AccessRecord, error) {
	t := s.tenant(tenantID, false)
	if t == nil {
		return nil, ErrNotFound
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[entryID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]model.AccessRecord, len(t.access[entryID]))
	copy(out, t.access[entryID])
	return out, nil
}

// Tenants implements Store.
func (s *MemoryStore) Tenants(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tenants))
	for id, t := range s.tenants {
		t.mu.Lock()
		n := len(t.entries)
		t.mu.Unlock()
		if n > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}
