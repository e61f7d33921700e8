package requestlog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amerfu/tokengate/internal/models"
)

// MemoryStore keeps entries in process memory. Tests use it to exercise the
// forwarder without a database.
type MemoryStore struct {
	mu      sync.Mutex
	entries []models.RequestLog
	fail    error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

var _ Store = (*MemoryStore)(nil)

// FailWith makes every subsequent call return err. Pass nil to heal.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *MemoryStore) Append(_ context.Context, entry *models.RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail != nil {
		return s.fail
	}

	stored := *entry
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now()
	}
	s.entries = append(s.entries, stored)
	return nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]models.RequestLog, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail != nil {
		return nil, 0, s.fail
	}

	var matched []models.RequestLog
	for _, e := range s.entries {
		if !matches(&e, f) {
			continue
		}
		matched = append(matched, e)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	total := int64(len(matched))

	page := f.Page
	if page < 1 {
		page = 1
	}
	pageSize := f.PageSize
	if pageSize < 1 || pageSize > 1000 {
		pageSize = 50
	}

	start := (page - 1) * pageSize
	if start >= len(matched) {
		return nil, total, nil
	}
	end := start + pageSize
	if end > len(matched) {
		end = len(matched)
	}

	return matched[start:end], total, nil
}

func (s *MemoryStore) Summarize(_ context.Context, teamName string, since time.Time) (*Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail != nil {
		return nil, s.fail
	}

	summary := &Summary{
		TeamName:  teamName,
		ByOutcome: make(map[string]int64),
		ByModel:   make(map[string]int64),
	}

	for _, e := range s.entries {
		if teamName != "" && e.TeamName != teamName {
			continue
		}
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		summary.Requests++
		summary.TokensConsumed += e.TokensConsumed
		summary.ByOutcome[e.Outcome]++
		if e.Model != "" {
			summary.ByModel[e.Model] += e.TokensConsumed
		}
	}

	return summary, nil
}

func (s *MemoryStore) Prune(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail != nil {
		return 0, s.fail
	}

	kept := s.entries[:0]
	var pruned int64
	for _, e := range s.entries {
		if e.Timestamp.Before(olderThan) {
			pruned++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return pruned, nil
}

// Entries returns a copy of everything stored, oldest first.
func (s *MemoryStore) Entries() []models.RequestLog {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.RequestLog, len(s.entries))
	copy(out, s.entries)
	return out
}

func matches(e *models.RequestLog, f Filter) bool {
	if f.TeamName != "" && e.TeamName != f.TeamName {
		return false
	}
	if f.Model != "" && e.Model != f.Model {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.Timestamp.Before(f.Until) {
		return false
	}
	return true
}
