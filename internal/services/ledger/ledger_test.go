package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLedger(t *testing.T) (*Ledger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	l := New(&Config{
		Store:  store,
		Logger: zap.NewNop(),
	})
	return l, store
}

func TestReserve(t *testing.T) {
	ctx := context.Background()

	t.Run("admits within quota", func(t *testing.T) {
		l, store := newTestLedger(t)
		teamID := uuid.New()
		store.SetQuota(teamID, 40, 100)

		res, err := l.Reserve(ctx, teamID, 60)
		require.NoError(t, err)
		assert.Equal(t, teamID, res.TeamID)
		assert.Equal(t, int64(60), res.Estimated)
		assert.Equal(t, 1, l.OpenReservations(teamID))
	})

	t.Run("rejects beyond quota", func(t *testing.T) {
		l, store := newTestLedger(t)
		teamID := uuid.New()
		store.SetQuota(teamID, 40, 100)

		_, err := l.Reserve(ctx, teamID, 61)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrQuotaExceeded)
		assert.Equal(t, 0, l.OpenReservations(teamID))
	})

	t.Run("admits exactly at the boundary", func(t *testing.T) {
		l, store := newTestLedger(t)
		teamID := uuid.New()
		store.SetQuota(teamID, 40, 100)

		_, err := l.Reserve(ctx, teamID, 60)
		assert.NoError(t, err)
	})

	t.Run("zero estimate is optimistic", func(t *testing.T) {
		l, store := newTestLedger(t)
		teamID := uuid.New()
		store.SetQuota(teamID, 99, 100)

		_, err := l.Reserve(ctx, teamID, 0)
		assert.NoError(t, err)
	})

	t.Run("admits zero estimate exactly at the limit", func(t *testing.T) {
		l, store := newTestLedger(t)
		teamID := uuid.New()
		store.SetQuota(teamID, 100, 100)

		_, err := l.Reserve(ctx, teamID, 0)
		assert.NoError(t, err)
	})

	t.Run("rejects zero estimate once overshot", func(t *testing.T) {
		l, store := newTestLedger(t)
		teamID := uuid.New()
		store.SetQuota(teamID, 101, 100)

		_, err := l.Reserve(ctx, teamID, 0)
		assert.ErrorIs(t, err, ErrQuotaExceeded)
	})

	t.Run("unknown team", func(t *testing.T) {
		l, _ := newTestLedger(t)

		_, err := l.Reserve(ctx, uuid.New(), 0)
		assert.ErrorIs(t, err, ErrTeamNotFound)
	})
}

func TestCommit(t *testing.T) {
	ctx := context.Background()

	t.Run("applies the actual cost", func(t *testing.T) {
		l, store := newTestLedger(t)
		teamID := uuid.New()
		store.SetQuota(teamID, 10, 100)

		res, err := l.Reserve(ctx, teamID, 0)
		require.NoError(t, err)

		require.NoError(t, l.Commit(ctx, res, 25))
		assert.Equal(t, int64(35), store.Used(teamID))
		assert.Equal(t, 0, l.OpenReservations(teamID))
	})

	t.Run("is idempotent", func(t *testing.T) {
		l, store := newTestLedger(t)
		teamID := uuid.New()
		store.SetQuota(teamID, 0, 100)

		res, err := l.Reserve(ctx, teamID, 0)
		require.NoError(t, err)

		require.NoError(t, l.Commit(ctx, res, 25))
		require.NoError(t, l.Commit(ctx, res, 25))
		assert.Equal(t, int64(25), store.Used(teamID))
	})

	t.Run("can exceed the limit after optimistic admission", func(t *testing.T) {
		l, store := newTestLedger(t)
		teamID := uuid.New()
		store.SetQuota(teamID, 95, 100)

		res, err := l.Reserve(ctx, teamID, 0)
		require.NoError(t, err)

		require.NoError(t, l.Commit(ctx, res, 20))
		assert.Equal(t, int64(115), store.Used(teamID))

		// The overshoot is paid for by the next admission.
		_, err = l.Reserve(ctx, teamID, 0)
		assert.ErrorIs(t, err, ErrQuotaExceeded)
	})

	t.Run("rejects negative cost", func(t *testing.T) {
		l, store := newTestLedger(t)
		teamID := uuid.New()
		store.SetQuota(teamID, 0, 100)

		res, err := l.Reserve(ctx, teamID, 0)
		require.NoError(t, err)

		assert.ErrorIs(t, l.Commit(ctx, res, -1), ErrNegativeCost)
	})

	t.Run("errors on released reservation", func(t *testing.T) {
		l, store := newTestLedger(t)
		teamID := uuid.New()
		store.SetQuota(teamID, 0, 100)

		res, err := l.Reserve(ctx, teamID, 0)
		require.NoError(t, err)
		require.NoError(t, l.Release(ctx, res))

		assert.ErrorIs(t, l.Commit(ctx, res, 5), ErrReservationReleased)
		assert.Equal(t, int64(0), store.Used(teamID))
	})

	t.Run("store failure keeps the reservation open for retry", func(t *testing.T) {
		l, store := newTestLedger(t)
		teamID := uuid.New()
		store.SetQuota(teamID, 0, 100)

		res, err := l.Reserve(ctx, teamID, 0)
		require.NoError(t, err)

		storeErr := errors.New("connection refused")
		store.FailWith(storeErr)
		err = l.Commit(ctx, res, 30)
		require.Error(t, err)
		assert.ErrorIs(t, err, storeErr)
		assert.Equal(t, 1, l.OpenReservations(teamID))

		// Retried finalization lands exactly once.
		store.FailWith(nil)
		require.NoError(t, l.Commit(ctx, res, 30))
		require.NoError(t, l.Commit(ctx, res, 30))
		assert.Equal(t, int64(30), store.Used(teamID))
	})
}

func TestRelease(t *testing.T) {
	ctx := context.Background()

	t.Run("leaves quota unchanged", func(t *testing.T) {
		l, store := newTestLedger(t)
		teamID := uuid.New()
		store.SetQuota(teamID, 42, 100)

		res, err := l.Reserve(ctx, teamID, 10)
		require.NoError(t, err)

		require.NoError(t, l.Release(ctx, res))
		assert.Equal(t, int64(42), store.Used(teamID))
		assert.Equal(t, 0, l.OpenReservations(teamID))
	})

	t.Run("no-op after commit", func(t *testing.T) {
		l, store := newTestLedger(t)
		teamID := uuid.New()
		store.SetQuota(teamID, 0, 100)

		res, err := l.Reserve(ctx, teamID, 0)
		require.NoError(t, err)
		require.NoError(t, l.Commit(ctx, res, 7))

		require.NoError(t, l.Release(ctx, res))
		assert.Equal(t, int64(7), store.Used(teamID))
	})

	t.Run("no-op on double release", func(t *testing.T) {
		l, store := newTestLedger(t)
		teamID := uuid.New()
		store.SetQuota(teamID, 0, 100)

		res, err := l.Reserve(ctx, teamID, 0)
		require.NoError(t, err)

		require.NoError(t, l.Release(ctx, res))
		require.NoError(t, l.Release(ctx, res))
	})
}

func TestResetUsage(t *testing.T) {
	ctx := context.Background()

	t.Run("zeroes the counter", func(t *testing.T) {
		l, store := newTestLedger(t)
		teamID := uuid.New()
		store.SetQuota(teamID, 80, 100)

		require.NoError(t, l.ResetUsage(ctx, teamID))
		assert.Equal(t, int64(0), store.Used(teamID))
	})

	t.Run("commit for a reservation opened before the reset still applies", func(t *testing.T) {
		l, store := newTestLedger(t)
		teamID := uuid.New()
		store.SetQuota(teamID, 80, 100)

		res, err := l.Reserve(ctx, teamID, 0)
		require.NoError(t, err)

		require.NoError(t, l.ResetUsage(ctx, teamID))
		require.NoError(t, l.Commit(ctx, res, 5))

		assert.Equal(t, int64(5), store.Used(teamID))
	})
}

func TestConcurrentCommitsSerialize(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t)
	teamID := uuid.New()

	const workers = 50
	const costEach = 10
	store.SetQuota(teamID, 0, workers*costEach)

	var wg sync.WaitGroup
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Reserve(ctx, teamID, 0)
			if err != nil {
				errs <- err
				return
			}
			errs <- l.Commit(ctx, res, costEach)
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	// Every commit landed exactly once: the total is the sum of all
	// costs, never double-counted, never lost.
	assert.Equal(t, int64(workers*costEach), store.Used(teamID))
	assert.Equal(t, 0, l.OpenReservations(teamID))
}

func TestConcurrentReserveCommitExactness(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t)
	teamID := uuid.New()

	// Budget for 5 fully-committed requests of cost 20. Admission only
	// counts committed usage, so depending on interleaving anywhere from 5
	// to all 25 workers may be admitted; what must hold regardless is that
	// the counter equals the sum of exactly the admitted commits.
	store.SetQuota(teamID, 0, 100)

	const workers = 25
	admitted := make(chan bool, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Reserve(ctx, teamID, 20)
			if err != nil {
				admitted <- false
				return
			}
			if err := l.Commit(ctx, res, 20); err != nil {
				admitted <- false
				return
			}
			admitted <- true
		}()
	}

	wg.Wait()
	close(admitted)

	admittedCount := 0
	for ok := range admitted {
		if ok {
			admittedCount++
		}
	}

	assert.GreaterOrEqual(t, admittedCount, 5, "the budget always covers five requests")
	assert.Equal(t, int64(20*admittedCount), store.Used(teamID), "every admitted commit lands exactly once")

	// The counter is at or past the limit now, so the next paid request is
	// turned away.
	_, err := l.Reserve(ctx, teamID, 20)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestCrossTeamIndependence(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t)

	teamA := uuid.New()
	teamB := uuid.New()
	store.SetQuota(teamA, 0, 1000)
	store.SetQuota(teamB, 0, 1000)

	const perTeam = 20
	var wg sync.WaitGroup
	for i := 0; i < perTeam; i++ {
		for _, teamID := range []uuid.UUID{teamA, teamB} {
			wg.Add(1)
			go func(id uuid.UUID) {
				defer wg.Done()
				res, err := l.Reserve(ctx, id, 0)
				if err != nil {
					return
				}
				_ = l.Commit(ctx, res, 3)
			}(teamID)
		}
	}
	wg.Wait()

	assert.Equal(t, int64(perTeam*3), store.Used(teamA))
	assert.Equal(t, int64(perTeam*3), store.Used(teamB))
}

func TestJanitorReleasesExpiredReservations(t *testing.T) {
	store := NewMemoryStore()
	l := New(&Config{
		Store:          store,
		Logger:         zap.NewNop(),
		ReservationTTL: 10 * time.Millisecond,
	})

	ctx := context.Background()
	teamID := uuid.New()
	store.SetQuota(teamID, 0, 100)

	_, err := l.Reserve(ctx, teamID, 0)
	require.NoError(t, err)
	require.Equal(t, 1, l.OpenReservations(teamID))

	time.Sleep(20 * time.Millisecond)
	l.sweep()

	assert.Equal(t, 0, l.OpenReservations(teamID))
	assert.Equal(t, int64(0), store.Used(teamID))
}

func BenchmarkReserveCommit(b *testing.B) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := New(&Config{Store: store, Logger: zap.NewNop()})

	teamID := uuid.New()
	store.SetQuota(teamID, 0, 1<<50)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			res, err := l.Reserve(ctx, teamID, 0)
			if err != nil {
				b.Fatal(err)
			}
			if err := l.Commit(ctx, res, 1); err != nil {
				b.Fatal(err)
			}
		}
	})
}
