package risk

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore keeps every recorded assessment in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	byUser map[string][]*RiskAssessment
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byUser: make(map[string][]*RiskAssessment)}
}

// Record appends a copy of a.
func (s *MemoryStore) Record(_ context.Context, a *RiskAssessment) error {
	s.mu.Lock()
	s.byUser[a.UserID] = append(s.byUser[a.UserID], a.Clone())
	s.mu.Unlock()
	return nil
}

// ListByUser returns up to limit assessments for userID, newest first.
func (s *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*RiskAssessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recorded := s.byUser[userID]
	tail := recorded[max(len(recorded)-limit, 0):]
	out := make([]*RiskAssessment, len(tail))
	for i, a := range tail {
		out[i] = a.Clone()
	}
	slices.Reverse(out)
	return out, nil
}
