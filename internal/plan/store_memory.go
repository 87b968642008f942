package plan

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps plans in process memory. Used when no DATABASE_URL is
// configured and as the store fake in tests.
type MemoryStore struct {
	mu    sync.RWMutex
	plans map[string]Plan
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{plans: make(map[string]Plan)}
}

func (s *MemoryStore) SavePlan(_ context.Context, p Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) GetPlan(_ context.Context, planID string) (Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[planID]
	if !ok {
		return Plan{}, ErrStoreNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) ListPlans(_ context.Context, limit int) ([]Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Plan, 0, len(s.plans))
	for _, p := range s.plans {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
