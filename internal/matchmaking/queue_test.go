// internal/matchmaking/queue_test.go
package matchmaking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingside/gambit/internal/models"
	"github.com/kingside/gambit/internal/settlement"
)

type fakeQueueStore struct {
	mu       sync.Mutex
	rows     map[uuid.UUID]models.QueueEntry
	balances map[uuid.UUID]int64
	sessions []models.GameSession
	escrows  [][]models.LedgerEntry

	pairErr   error
	failClaim bool
}

func newFakeQueueStore() *fakeQueueStore {
	return &fakeQueueStore{
		rows:     make(map[uuid.UUID]models.QueueEntry),
		balances: make(map[uuid.UUID]int64),
	}
}

func (f *fakeQueueStore) InsertQueueEntry(ctx context.Context, e models.QueueEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[e.UserID] = e
	return nil
}

func (f *fakeQueueStore) DeleteQueueEntry(ctx context.Context, userID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rows[userID]
	delete(f.rows, userID)
	return ok, nil
}

func (f *fakeQueueStore) PairAndCreateSession(ctx context.Context, a, b models.QueueEntry, s models.GameSession, escrow []models.LedgerEntry) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pairErr != nil {
		return false, f.pairErr
	}
	if f.failClaim {
		return false, nil
	}
	if _, ok := f.rows[a.UserID]; !ok {
		return false, nil
	}
	if _, ok := f.rows[b.UserID]; !ok {
		return false, nil
	}
	delete(f.rows, a.UserID)
	delete(f.rows, b.UserID)
	f.sessions = append(f.sessions, s)
	f.escrows = append(f.escrows, escrow)
	return true, nil
}

func (f *fakeQueueStore) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[userID], nil
}

func (f *fakeQueueStore) rowCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

type queueFixture struct {
	q       *Queue
	store   *fakeQueueStore
	matches []models.GameSession
	now     time.Time
}

func setupQueue(t *testing.T) *queueFixture {
	t.Helper()
	fx := &queueFixture{
		store: newFakeQueueStore(),
		now:   time.Unix(1_700_000_000, 0),
	}
	fx.q = NewQueue(fx.store, settlement.EscrowEntries, nil)
	fx.q.nowFn = func() time.Time { return fx.now }
	fx.q.OnMatch = func(s models.GameSession) { fx.matches = append(fx.matches, s) }
	return fx
}

func (fx *queueFixture) fund(userID uuid.UUID, amount int64) {
	fx.store.mu.Lock()
	fx.store.balances[userID] = amount
	fx.store.mu.Unlock()
}

func (fx *queueFixture) enqueue(t *testing.T, userID uuid.UUID, wager int64) {
	t.Helper()
	fx.fund(userID, wager*10)
	_, err := fx.q.Enqueue(context.Background(), userID, wager)
	require.NoError(t, err)
}

func TestEnqueuePairsSameTier(t *testing.T) {
	fx := setupQueue(t)
	a, b := uuid.New(), uuid.New()

	fx.enqueue(t, a, 100)
	assert.Empty(t, fx.matches)

	fx.now = fx.now.Add(time.Second)
	fx.enqueue(t, b, 100)

	require.Len(t, fx.store.sessions, 1)
	sess := fx.store.sessions[0]
	assert.ElementsMatch(t, []uuid.UUID{a, b}, []uuid.UUID{sess.WhiteID, sess.BlackID})
	assert.Equal(t, int64(100), sess.WagerAmount)
	assert.Equal(t, models.SessionActive, sess.Status)
	assert.Equal(t, models.White, sess.Turn)

	// Both stakes escrowed inside the pairing transaction.
	require.Len(t, fx.store.escrows, 1)
	escrow := fx.store.escrows[0]
	require.Len(t, escrow, 2)
	for _, e := range escrow {
		assert.Equal(t, int64(-100), e.Delta)
		assert.Equal(t, models.SourceGameWager, e.Source)
		assert.Equal(t, sess.ID, e.ReferenceID)
	}

	require.Len(t, fx.matches, 1)
	assert.Equal(t, sess.ID, fx.matches[0].ID)
	assert.Equal(t, 0, fx.store.rowCount())
}

func TestDifferentTiersDoNotPair(t *testing.T) {
	fx := setupQueue(t)
	fx.enqueue(t, uuid.New(), 100)
	fx.enqueue(t, uuid.New(), 200)

	assert.Empty(t, fx.store.sessions)
	assert.Equal(t, 2, fx.store.rowCount())
}

func TestThirdPlayerWaits(t *testing.T) {
	fx := setupQueue(t)
	for i := 0; i < 3; i++ {
		fx.now = fx.now.Add(time.Second)
		fx.enqueue(t, uuid.New(), 50)
	}

	assert.Len(t, fx.store.sessions, 1)
	assert.Equal(t, 1, fx.store.rowCount())
}

func TestPairingIsFIFOWithinTier(t *testing.T) {
	fx := setupQueue(t)
	u1, u2, u3 := uuid.New(), uuid.New(), uuid.New()

	// Hold pairing back so three entries accumulate.
	fx.store.pairErr = errors.New("store offline")
	fx.enqueue(t, u1, 100)
	fx.now = fx.now.Add(time.Second)
	fx.enqueue(t, u2, 100)
	fx.now = fx.now.Add(time.Second)
	fx.enqueue(t, u3, 100)
	require.Empty(t, fx.store.sessions)

	fx.store.mu.Lock()
	fx.store.pairErr = nil
	fx.store.mu.Unlock()
	fx.q.TryPair(context.Background())

	require.Len(t, fx.store.sessions, 1)
	sess := fx.store.sessions[0]
	assert.ElementsMatch(t, []uuid.UUID{u1, u2}, []uuid.UUID{sess.WhiteID, sess.BlackID})
}

func TestEnqueueRejectsInvalidWager(t *testing.T) {
	fx := setupQueue(t)
	_, err := fx.q.Enqueue(context.Background(), uuid.New(), 0)
	assert.Error(t, err)
	_, err = fx.q.Enqueue(context.Background(), uuid.New(), -5)
	assert.Error(t, err)
}

func TestEnqueueRejectsInsufficientBalance(t *testing.T) {
	fx := setupQueue(t)
	userID := uuid.New()
	fx.fund(userID, 99)

	_, err := fx.q.Enqueue(context.Background(), userID, 100)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, 0, fx.store.rowCount())
}

func TestEnqueueRejectsDuplicate(t *testing.T) {
	fx := setupQueue(t)
	userID := uuid.New()
	fx.enqueue(t, userID, 100)

	_, err := fx.q.Enqueue(context.Background(), userID, 100)
	assert.ErrorIs(t, err, ErrAlreadyQueued)
}

func TestCancel(t *testing.T) {
	fx := setupQueue(t)
	userID := uuid.New()
	fx.enqueue(t, userID, 100)

	require.NoError(t, fx.q.Cancel(context.Background(), userID))
	assert.Equal(t, 0, fx.store.rowCount())

	assert.ErrorIs(t, fx.q.Cancel(context.Background(), userID), ErrNotQueued)
}

func TestLostClaimRequeuesHealthyEntries(t *testing.T) {
	fx := setupQueue(t)
	fx.store.failClaim = true
	a, b := uuid.New(), uuid.New()

	fx.enqueue(t, a, 100)
	fx.now = fx.now.Add(time.Second)
	fx.enqueue(t, b, 100)

	// The pairing transaction rolled back: both durable rows survive, so
	// both entries must be back in the local queue rather than stranded
	// "searching" with rows nothing will ever pair.
	assert.Empty(t, fx.store.sessions)
	assert.Empty(t, fx.matches)
	assert.Equal(t, 2, fx.store.rowCount())
	fx.q.mu.Lock()
	assert.Len(t, fx.q.entries, 2)
	fx.q.mu.Unlock()

	fx.store.mu.Lock()
	fx.store.failClaim = false
	fx.store.mu.Unlock()
	fx.q.TryPair(context.Background())

	require.Len(t, fx.store.sessions, 1)
	sess := fx.store.sessions[0]
	assert.ElementsMatch(t, []uuid.UUID{a, b}, []uuid.UUID{sess.WhiteID, sess.BlackID})
}

func TestLostClaimDropsUnderfundedEntry(t *testing.T) {
	fx := setupQueue(t)
	var drops []uuid.UUID
	fx.q.OnDrop = func(userID uuid.UUID, reason error) {
		assert.ErrorIs(t, reason, ErrInsufficientFunds)
		drops = append(drops, userID)
	}
	broke, healthy := uuid.New(), uuid.New()

	fx.enqueue(t, broke, 100)

	// The stake was covered at enqueue time but is gone by the time the
	// pairing transaction re-checks it.
	fx.fund(broke, 0)
	fx.store.failClaim = true
	fx.now = fx.now.Add(time.Second)
	fx.enqueue(t, healthy, 100)

	assert.Equal(t, []uuid.UUID{broke}, drops)
	fx.store.mu.Lock()
	_, brokeLeft := fx.store.rows[broke]
	_, healthyLeft := fx.store.rows[healthy]
	fx.store.mu.Unlock()
	assert.False(t, brokeLeft)
	assert.True(t, healthyLeft)

	// The healthy opponent pairs as soon as a funded player shows up.
	fx.store.mu.Lock()
	fx.store.failClaim = false
	fx.store.mu.Unlock()
	fx.now = fx.now.Add(time.Second)
	third := uuid.New()
	fx.enqueue(t, third, 100)

	require.Len(t, fx.store.sessions, 1)
	sess := fx.store.sessions[0]
	assert.ElementsMatch(t, []uuid.UUID{healthy, third}, []uuid.UUID{sess.WhiteID, sess.BlackID})
}

func TestSweepRemovesStaleEntries(t *testing.T) {
	fx := setupQueue(t)
	stale, fresh := uuid.New(), uuid.New()

	fx.enqueue(t, stale, 100)
	fx.now = fx.now.Add(fx.q.TTL + time.Second)
	fx.enqueue(t, fresh, 200)

	fx.q.sweep(context.Background())

	fx.store.mu.Lock()
	_, staleLeft := fx.store.rows[stale]
	_, freshLeft := fx.store.rows[fresh]
	fx.store.mu.Unlock()
	assert.False(t, staleLeft)
	assert.True(t, freshLeft)
}
