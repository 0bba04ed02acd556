package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/ledgerq/ledgerq/pkg/api"
)

// MemoryStore is a goroutine-safe Store backed by maps. It is non-durable
// and intended for tests and local development.
type MemoryStore struct {
	mu    sync.RWMutex
	jobs  map[string]*api.JobRow
	order []string // insertion order of job ids

	dead   []*api.JobRow
	deadAt []time.Time
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*api.JobRow),
	}
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) AppendJob(ctx context.Context, row *api.JobRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *row
	s.jobs[cp.ID] = &cp
	s.order = append(s.order, cp.ID)
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*api.JobRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}

	cp := *row
	return &cp, nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, f Filter) ([]*api.JobRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.JobRow
	for _, id := range s.order {
		row, ok := s.jobs[id]
		if !ok {
			continue
		}
		if f.Status != "" && row.Status != f.Status {
			continue
		}
		cp := *row
		result = append(result, &cp)
	}
	return result, nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, row *api.JobRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updateLocked(row)
}

func (s *MemoryStore) UpdateJobs(ctx context.Context, rows []*api.JobRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range rows {
		if err := s.updateLocked(row); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) updateLocked(row *api.JobRow) error {
	if _, ok := s.jobs[row.ID]; !ok {
		return ErrJobNotFound
	}
	cp := *row
	s.jobs[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) RemoveJobs(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := s.jobs[id]; ok {
			delete(s.jobs, id)
			removed[id] = true
		}
	}
	if len(removed) == 0 {
		return nil
	}

	kept := s.order[:0]
	for _, id := range s.order {
		if !removed[id] {
			kept = append(kept, id)
		}
	}
	s.order = kept
	return nil
}

func (s *MemoryStore) AppendDead(ctx context.Context, row *api.JobRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *row
	s.dead = append(s.dead, &cp)
	s.deadAt = append(s.deadAt, time.Now())
	return nil
}

func (s *MemoryStore) ListDead(ctx context.Context) ([]*api.JobRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*api.JobRow, 0, len(s.dead))
	for _, row := range s.dead {
		cp := *row
		result = append(result, &cp)
	}
	return result, nil
}

func (s *MemoryStore) PurgeDead(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keptRows []*api.JobRow
	var keptAt []time.Time
	purged := 0
	for i, row := range s.dead {
		if s.deadAt[i].Before(before) {
			purged++
			continue
		}
		keptRows = append(keptRows, row)
		keptAt = append(keptAt, s.deadAt[i])
	}
	s.dead = keptRows
	s.deadAt = keptAt
	return purged, nil
}
