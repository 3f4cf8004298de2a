// internal/session/session_test.go
package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingside/gambit/internal/chesskit"
	"github.com/kingside/gambit/internal/models"
	"github.com/kingside/gambit/internal/protocol"
)

// recorder collects broadcasts and persistence calls instead of touching
// WebSockets or the database.
type recorder struct {
	mu           sync.Mutex
	events       []interface{}
	playerEvents map[uuid.UUID][]interface{}

	finishCalls  []models.GameSession
	finishResult bool
	updateCalls  []models.GameSession
	updateResult bool
}

func newRecorder() *recorder {
	return &recorder{
		playerEvents: make(map[uuid.UUID][]interface{}),
		finishResult: true,
		updateResult: true,
	}
}

func (r *recorder) broadcastFn(ev interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) broadcastToPlayerFn(playerID uuid.UUID, ev interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playerEvents[playerID] = append(r.playerEvents[playerID], ev)
}

func (r *recorder) finishFn(ctx context.Context, snapshot models.GameSession) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishCalls = append(r.finishCalls, snapshot)
	return r.finishResult, nil
}

func (r *recorder) updateFn(ctx context.Context, snapshot models.GameSession) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateCalls = append(r.updateCalls, snapshot)
	return r.updateResult, nil
}

func (r *recorder) lastEvent() interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

func (r *recorder) finishCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.finishCalls)
}

func (r *recorder) lastFinish() models.GameSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishCalls[len(r.finishCalls)-1]
}

// setupTestSession builds a started session with a controllable clock.
func setupTestSession(t *testing.T) (*Session, *recorder, *int64) {
	t.Helper()

	state := models.GameSession{
		ID:          uuid.New(),
		WhiteID:     uuid.New(),
		BlackID:     uuid.New(),
		BoardState:  chesskit.StartFEN,
		Turn:        models.White,
		WhiteTimeMs: 60_000,
		BlackTimeMs: 60_000,
		Status:      models.SessionActive,
		WagerAmount: 100,
		CreatedAt:   time.Now(),
	}
	s := New(state)
	rec := newRecorder()
	s.BroadcastFn = rec.broadcastFn
	s.BroadcastToPlayerFn = rec.broadcastToPlayerFn
	s.FinishFn = rec.finishFn
	s.UpdateFn = rec.updateFn

	fakeNow := int64(1_000_000)
	s.nowFn = func() int64 { return fakeNow }

	require.NoError(t, s.HandleConnect(state.WhiteID))
	require.NoError(t, s.HandleConnect(state.BlackID))
	require.True(t, s.Started)
	return s, rec, &fakeNow
}

func TestApplyMoveFlow(t *testing.T) {
	s, rec, _ := setupTestSession(t)
	ctx := context.Background()

	require.NoError(t, s.ApplyMove(ctx, s.State.WhiteID, "e2e4"))

	assert.Equal(t, models.Black, s.State.Turn)
	assert.Contains(t, s.State.BoardState, " b ")

	// Mover earned the increment; no wall time elapsed on the fake clock.
	assert.Equal(t, int64(63_000), s.Clocks.WhiteMs)
	assert.Equal(t, int64(60_000), s.Clocks.BlackMs)

	require.Len(t, rec.updateCalls, 1)
	ev, ok := rec.lastEvent().(protocol.MoveApplied)
	require.True(t, ok, "expected MoveApplied, got %T", rec.lastEvent())
	assert.Equal(t, "e2e4", ev.Move)
	assert.Equal(t, models.Black, ev.Turn)
}

func TestApplyMoveOutOfTurn(t *testing.T) {
	s, rec, _ := setupTestSession(t)

	err := s.ApplyMove(context.Background(), s.State.BlackID, "e7e5")
	assert.ErrorIs(t, err, ErrNotYourTurn)
	assert.Empty(t, rec.updateCalls)
}

func TestApplyMoveNonParticipant(t *testing.T) {
	s, _, _ := setupTestSession(t)

	err := s.ApplyMove(context.Background(), uuid.New(), "e2e4")
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestApplyMoveIllegal(t *testing.T) {
	s, rec, _ := setupTestSession(t)

	err := s.ApplyMove(context.Background(), s.State.WhiteID, "e2e5")
	assert.ErrorIs(t, err, ErrIllegalMove)

	// State is untouched; the mover may retry.
	assert.Equal(t, models.White, s.State.Turn)
	assert.Equal(t, chesskit.StartFEN, s.State.BoardState)
	assert.Empty(t, rec.updateCalls)
	assert.Equal(t, 0, rec.finishCount())
}

func TestMoveAfterFlagFallResolvesAsTimeout(t *testing.T) {
	s, rec, fakeNow := setupTestSession(t)

	// The mover's flag fell before the move arrived: the timeout transition
	// wins, the move is discarded.
	*fakeNow += 61_000
	require.NoError(t, s.ApplyMove(context.Background(), s.State.WhiteID, "e2e4"))

	require.Equal(t, 1, rec.finishCount())
	final := rec.lastFinish()
	assert.Equal(t, models.SessionFinished, final.Status)
	assert.Equal(t, models.EndTimeout, final.EndReason)
	require.NotNil(t, final.Winner)
	assert.Equal(t, s.State.BlackID, *final.Winner)
	assert.Equal(t, chesskit.StartFEN, final.BoardState)
	assert.Equal(t, int64(0), final.WhiteTimeMs)

	// A racing flag timer finds the session terminal and does nothing.
	require.NoError(t, s.ApplyTimeout(context.Background(), models.White))
	assert.Equal(t, 1, rec.finishCount())
}

func TestApplyTimeoutIdempotent(t *testing.T) {
	s, rec, fakeNow := setupTestSession(t)
	ctx := context.Background()

	*fakeNow += 61_000
	require.NoError(t, s.ApplyTimeout(ctx, models.White))
	require.NoError(t, s.ApplyTimeout(ctx, models.White))

	assert.Equal(t, 1, rec.finishCount())
	assert.Equal(t, models.EndTimeout, rec.lastFinish().EndReason)
}

func TestApplyTimeoutStaleTimerReschedules(t *testing.T) {
	s, rec, fakeNow := setupTestSession(t)

	// Only 10s elapsed; the flag has not fallen, so a stale timer callback
	// must not finish anything.
	*fakeNow += 10_000
	require.NoError(t, s.ApplyTimeout(context.Background(), models.White))

	assert.Equal(t, 0, rec.finishCount())
	assert.Equal(t, models.SessionActive, s.State.Status)
	assert.Equal(t, int64(50_000), s.Clocks.WhiteMs)
}

func TestCheckmateFoldsIntoMoveTransition(t *testing.T) {
	s, rec, _ := setupTestSession(t)
	ctx := context.Background()

	moves := []struct {
		user uuid.UUID
		uci  string
	}{
		{s.State.WhiteID, "f2f3"},
		{s.State.BlackID, "e7e5"},
		{s.State.WhiteID, "g2g4"},
		{s.State.BlackID, "d8h4"},
	}
	for _, m := range moves {
		require.NoError(t, s.ApplyMove(ctx, m.user, m.uci))
	}

	require.Equal(t, 1, rec.finishCount())
	final := rec.lastFinish()
	assert.Equal(t, models.EndCheckmate, final.EndReason)
	require.NotNil(t, final.Winner)
	assert.Equal(t, s.State.BlackID, *final.Winner)

	// The terminal move is persisted by the finish claim, not as a plain
	// move update, so the snapshot handed to it must carry the mating
	// move's position and flipped turn.
	assert.Len(t, rec.updateCalls, 3)
	assert.True(t, strings.HasPrefix(final.BoardState, "rnb1kbnr/pppp1ppp/8/4p3/6Pq/5P2/PPPPP2P/RNBQKBNR w"), final.BoardState)
	assert.Equal(t, models.White, final.Turn)
	assert.NotEqual(t, rec.updateCalls[2].BoardState, final.BoardState)

	ended, ok := rec.lastEvent().(protocol.GameEnded)
	require.True(t, ok, "expected GameEnded, got %T", rec.lastEvent())
	assert.Equal(t, models.EndCheckmate, ended.Reason)
}

func TestResignAndLeave(t *testing.T) {
	s, rec, _ := setupTestSession(t)
	require.NoError(t, s.Resign(context.Background(), s.State.WhiteID))
	final := rec.lastFinish()
	assert.Equal(t, models.EndResignation, final.EndReason)
	assert.Equal(t, s.State.BlackID, *final.Winner)

	s2, rec2, _ := setupTestSession(t)
	require.NoError(t, s2.Leave(context.Background(), s2.State.BlackID))
	final2 := rec2.lastFinish()
	assert.Equal(t, models.EndAbandonment, final2.EndReason)
	assert.Equal(t, s2.State.WhiteID, *final2.Winner)

	// A second concession finds the session terminal.
	assert.ErrorIs(t, s2.Resign(context.Background(), s2.State.WhiteID), ErrNotActive)
}

func TestCancelOnlyBeforeStart(t *testing.T) {
	state := models.GameSession{
		ID:          uuid.New(),
		WhiteID:     uuid.New(),
		BlackID:     uuid.New(),
		BoardState:  chesskit.StartFEN,
		Turn:        models.White,
		WhiteTimeMs: 60_000,
		BlackTimeMs: 60_000,
		Status:      models.SessionActive,
		WagerAmount: 100,
	}
	s := New(state)
	rec := newRecorder()
	s.FinishFn = rec.finishFn
	s.BroadcastFn = rec.broadcastFn

	require.NoError(t, s.Cancel(context.Background()))
	final := rec.lastFinish()
	assert.Equal(t, models.SessionCancelled, final.Status)
	assert.Equal(t, models.EndCancelled, final.EndReason)
	assert.Nil(t, final.Winner)

	s2, _, _ := setupTestSession(t)
	assert.ErrorIs(t, s2.Cancel(context.Background()), ErrAlreadyStarted)
}

func TestFinishClaimLostFreezesSession(t *testing.T) {
	s, rec, _ := setupTestSession(t)
	rec.finishResult = false

	require.NoError(t, s.Resign(context.Background(), s.State.WhiteID))

	// The claim was lost: no end event goes out, but locally the session is
	// frozen so no further transitions run.
	assert.Equal(t, 1, rec.finishCount())
	if _, ok := rec.lastEvent().(protocol.GameEnded); ok {
		t.Fatal("GameEnded must not be broadcast on a lost claim")
	}
	assert.ErrorIs(t, s.Resign(context.Background(), s.State.BlackID), ErrNotActive)
}

func TestUpdateLostRaceSurfacesNotActive(t *testing.T) {
	s, rec, _ := setupTestSession(t)
	rec.updateResult = false

	err := s.ApplyMove(context.Background(), s.State.WhiteID, "e2e4")
	assert.ErrorIs(t, err, ErrNotActive)

	// The row is terminal under another writer, so the actor freezes just
	// like a lost finish claim; later transitions never reach the store.
	assert.NotEqual(t, models.SessionActive, s.State.Status)
	assert.ErrorIs(t, s.ApplyMove(context.Background(), s.State.BlackID, "e7e5"), ErrNotActive)
	assert.ErrorIs(t, s.Resign(context.Background(), s.State.BlackID), ErrNotActive)
	assert.Len(t, rec.updateCalls, 1)
	assert.Equal(t, 0, rec.finishCount())
}

func TestSnapshotAdvancesClocks(t *testing.T) {
	s, _, fakeNow := setupTestSession(t)

	*fakeNow += 5_000
	_, clocks := s.Snapshot()
	assert.Equal(t, int64(55_000), clocks.WhiteMs)
	assert.Equal(t, int64(60_000), clocks.BlackMs)
	assert.Equal(t, *fakeNow, clocks.ServerNowMs)
}

func TestDisconnectGraceForfeits(t *testing.T) {
	s, rec, _ := setupTestSession(t)
	s.ReconnectGrace = 30 * time.Millisecond

	s.HandleDisconnect(s.State.WhiteID)

	// The opponent is told the grace timer is running.
	rec.mu.Lock()
	blackEvents := rec.playerEvents[s.State.BlackID]
	rec.mu.Unlock()
	require.NotEmpty(t, blackEvents)
	left, ok := blackEvents[len(blackEvents)-1].(protocol.OpponentLeft)
	require.True(t, ok)
	assert.Equal(t, "disconnected", left.Reason)

	require.Eventually(t, func() bool {
		return rec.finishCount() == 1
	}, time.Second, 10*time.Millisecond)
	final := rec.lastFinish()
	assert.Equal(t, models.EndAbandonment, final.EndReason)
	assert.Equal(t, s.State.BlackID, *final.Winner)
}

func TestReconnectWithinGraceKeepsSessionAlive(t *testing.T) {
	s, rec, _ := setupTestSession(t)
	s.ReconnectGrace = 50 * time.Millisecond

	s.HandleDisconnect(s.State.WhiteID)
	require.NoError(t, s.HandleConnect(s.State.WhiteID))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, rec.finishCount())
	assert.Equal(t, models.SessionActive, s.State.Status)
}
