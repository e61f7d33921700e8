package ledger

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory QuotaStore for tests and single-process
// experiments.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*memoryQuota
	fail error
}

type memoryQuota struct {
	used  int64
	limit int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[uuid.UUID]*memoryQuota)}
}

var _ QuotaStore = (*MemoryStore)(nil)

// SetQuota creates or replaces the team's counters.
func (s *MemoryStore) SetQuota(teamID uuid.UUID, used, limit int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[teamID] = &memoryQuota{used: used, limit: limit}
}

// Used reports the consumed counter.
func (s *MemoryStore) Used(teamID uuid.UUID) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[teamID]; ok {
		return row.used
	}
	return 0
}

// FailWith makes every subsequent write return err; pass nil to heal.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *MemoryStore) Quota(ctx context.Context, teamID uuid.UUID) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[teamID]
	if !ok {
		return 0, 0, ErrTeamNotFound
	}
	return row.used, row.limit, nil
}

func (s *MemoryStore) AddUsage(ctx context.Context, teamID uuid.UUID, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	row, ok := s.rows[teamID]
	if !ok {
		return ErrTeamNotFound
	}
	row.used += delta
	return nil
}

func (s *MemoryStore) ResetUsage(ctx context.Context, teamID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	row, ok := s.rows[teamID]
	if !ok {
		return ErrTeamNotFound
	}
	row.used = 0
	return nil
}
