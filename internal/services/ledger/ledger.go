package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrQuotaExceeded means the team has no remaining budget for the
	// estimated cost.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrReservationReleased means a commit was attempted on a
	// reservation that was already released; the measured cost has
	// nowhere to go and the caller has a bug.
	ErrReservationReleased = errors.New("reservation already released")

	// ErrNegativeCost rejects a commit with a cost below zero.
	ErrNegativeCost = errors.New("negative cost")
)

type reservationState int

const (
	reservationOpen reservationState = iota
	reservationCommitted
	reservationReleased
)

// Reservation is the ephemeral admission record for one in-flight request.
// It bridges the gap between the admission check and the final debit: a
// logical token, not a lock. It lives only in process memory.
type Reservation struct {
	ID        uuid.UUID
	TeamID    uuid.UUID
	Estimated int64
	CreatedAt time.Time

	state  reservationState
	actual int64
}

// Ledger serializes every quota-affecting mutation per team. Concurrent
// requests for the same team are totally ordered through the team's mutex;
// requests for different teams never contend.
type Ledger struct {
	store  QuotaStore
	logger *zap.Logger
	ttl    time.Duration

	mu    sync.Mutex
	teams map[uuid.UUID]*teamState
}

type teamState struct {
	mu   sync.Mutex
	open map[uuid.UUID]*Reservation
}

type Config struct {
	Store  QuotaStore
	Logger *zap.Logger

	// ReservationTTL bounds how long an unfinalized reservation may stay
	// open before the janitor releases it. Must exceed the upstream
	// request timeout so it only fires for leaked reservations.
	ReservationTTL time.Duration
}

func New(cfg *Config) *Ledger {
	ttl := cfg.ReservationTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		store:  cfg.Store,
		logger: log,
		ttl:    ttl,
		teams:  make(map[uuid.UUID]*teamState),
	}
}

// teamFor returns the team's serialization state, creating it on first
// use. The table lock is held only long enough to fetch the entry, never
// across a store call.
func (l *Ledger) teamFor(teamID uuid.UUID) *teamState {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts, ok := l.teams[teamID]
	if !ok {
		ts = &teamState{open: make(map[uuid.UUID]*Reservation)}
		l.teams[teamID] = ts
	}
	return ts
}

// Reserve admits a request iff quota_used + estimated <= quota_limit,
// evaluated atomically against every other reserve, commit, and reset for
// the same team. The estimate may be zero: admission is then optimistic
// and the eventual commit may push quota_used past the limit. That
// overshoot is deliberate (the true cost of a generative response is
// unknowable up front); the next reserve pays for it by being rejected.
func (l *Ledger) Reserve(ctx context.Context, teamID uuid.UUID, estimated int64) (*Reservation, error) {
	if estimated < 0 {
		estimated = 0
	}

	ts := l.teamFor(teamID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	used, limit, err := l.store.Quota(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("quota lookup: %w", err)
	}

	if used+estimated > limit {
		return nil, fmt.Errorf("%w: used %d/%d, estimated %d", ErrQuotaExceeded, used, limit, estimated)
	}

	res := &Reservation{
		ID:        uuid.New(),
		TeamID:    teamID,
		Estimated: estimated,
		CreatedAt: time.Now(),
		state:     reservationOpen,
	}
	ts.open[res.ID] = res

	return res, nil
}

// Commit applies quota_used += actual exactly once. A second commit of the
// same reservation is a no-op, so a retried finalization cannot
// double-debit. If the store write fails the reservation stays open and
// the commit can be retried; the measured cost is never dropped.
func (l *Ledger) Commit(ctx context.Context, res *Reservation, actual int64) error {
	if res == nil {
		return errors.New("nil reservation")
	}
	if actual < 0 {
		return ErrNegativeCost
	}

	ts := l.teamFor(res.TeamID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	switch res.state {
	case reservationCommitted:
		return nil
	case reservationReleased:
		return ErrReservationReleased
	}

	if err := l.store.AddUsage(ctx, res.TeamID, actual); err != nil {
		if errors.Is(err, ErrTeamNotFound) {
			// The team is gone; there is no counter left to debit.
			res.state = reservationReleased
			delete(ts.open, res.ID)
			return err
		}
		return fmt.Errorf("commit usage: %w", err)
	}

	res.state = reservationCommitted
	res.actual = actual
	delete(ts.open, res.ID)

	return nil
}

// Release discards an open reservation with no quota effect. Releasing a
// reservation that already resolved is a no-op.
func (l *Ledger) Release(ctx context.Context, res *Reservation) error {
	if res == nil {
		return nil
	}

	ts := l.teamFor(res.TeamID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if res.state != reservationOpen {
		return nil
	}

	res.state = reservationReleased
	delete(ts.open, res.ID)

	return nil
}

// ResetUsage zeroes the team's consumed counter. It takes the same team
// mutex as reserve and commit, so it cannot interleave with a commit: a
// commit for a reservation opened before the reset still lands on top of
// the reset value.
func (l *Ledger) ResetUsage(ctx context.Context, teamID uuid.UUID) error {
	ts := l.teamFor(teamID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if err := l.store.ResetUsage(ctx, teamID); err != nil {
		return fmt.Errorf("reset usage: %w", err)
	}

	return nil
}

// OpenReservations reports how many reservations are currently open for
// the team. The registry uses it to refuse deleting a team with requests
// in flight.
func (l *Ledger) OpenReservations(teamID uuid.UUID) int {
	l.mu.Lock()
	ts, ok := l.teams[teamID]
	l.mu.Unlock()
	if !ok {
		return 0
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.open)
}

// Start runs the reservation janitor until the context is canceled. A
// reservation older than the TTL was leaked by a finalizer that never ran;
// the janitor releases it so it cannot block team deletion forever. The
// quota is untouched: no cost was ever measured for it.
func (l *Ledger) Start(ctx context.Context) {
	interval := l.ttl / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.sweep()
			}
		}
	}()
}

func (l *Ledger) sweep() {
	cutoff := time.Now().Add(-l.ttl)

	l.mu.Lock()
	states := make([]*teamState, 0, len(l.teams))
	for _, ts := range l.teams {
		states = append(states, ts)
	}
	l.mu.Unlock()

	for _, ts := range states {
		ts.mu.Lock()
		for id, res := range ts.open {
			if res.CreatedAt.Before(cutoff) {
				res.state = reservationReleased
				delete(ts.open, id)
				l.logger.Warn("released expired reservation",
					zap.String("reservation_id", id.String()),
					zap.String("team_id", res.TeamID.String()),
					zap.Time("created_at", res.CreatedAt))
			}
		}
		ts.mu.Unlock()
	}
}
