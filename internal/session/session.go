// internal/session/session.go
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kingside/gambit/internal/chesskit"
	"github.com/kingside/gambit/internal/clock"
	"github.com/kingside/gambit/internal/models"
)

var (
	// ErrNotActive is returned for transitions attempted on a terminal
	// session where the caller expected an active one.
	ErrNotActive = errors.New("session: not active")
	// ErrNotParticipant is returned when the acting user is not seated.
	ErrNotParticipant = errors.New("session: not a participant")
	// ErrNotYourTurn is returned when a move arrives out of turn.
	ErrNotYourTurn = errors.New("session: not your turn")
	// ErrIllegalMove wraps a rules-adapter rejection.
	ErrIllegalMove = chesskit.ErrIllegalMove
	// ErrAlreadyStarted is returned when cancel is attempted after the
	// clocks started.
	ErrAlreadyStarted = errors.New("session: already started")
)

// FinishFn performs the terminal conditional claim: flip the session row to
// its terminal status iff it is still active, settling wagers in the same
// transaction. Returns false when the claim was lost to a concurrent
// terminal write, which callers treat as a no-op.
type FinishFn func(ctx context.Context, snapshot models.GameSession) (bool, error)

// UpdateFn persists a non-terminal move transition conditionally
// (iff status = active). Returns false when the row has already moved on.
type UpdateFn func(ctx context.Context, snapshot models.GameSession) (bool, error)

// Session is the single authoritative writer for one game. All transitions
// are serialized through Mu; different sessions share nothing.
type Session struct {
	Mu    sync.Mutex
	State models.GameSession

	Clocks      clock.TimerSnapshot
	IncrementMs int64

	// Started flips when both participants have connected and the clocks
	// begin to run. Cancel is only legal before that.
	Started bool

	// JoinGrace bounds how long the session waits for both players before
	// cancelling; ReconnectGrace bounds a mid-game disconnect before the
	// absent player forfeits.
	JoinGrace      time.Duration
	ReconnectGrace time.Duration

	connected   map[uuid.UUID]bool
	lastSeen    map[uuid.UUID]time.Time
	graceTimers map[uuid.UUID]*time.Timer
	flagTimer   *time.Timer
	joinTimer   *time.Timer

	// BroadcastFn fans an event out to both players and all spectators.
	BroadcastFn func(ev interface{})
	// BroadcastToPlayerFn sends an event to a single participant.
	BroadcastToPlayerFn func(playerID uuid.UUID, ev interface{})
	// FinishFn and UpdateFn are the persistence seams; tests inject fakes.
	FinishFn FinishFn
	UpdateFn UpdateFn
	// OnEnd runs after a terminal transition has been claimed and
	// broadcast (store cleanup, transition publishing).
	OnEnd func(snapshot models.GameSession)

	// nowFn is swappable in tests.
	nowFn func() int64
}

// New builds a session actor around a freshly created GameSession row.
func New(state models.GameSession) *Session {
	s := &Session{
		State:          state,
		IncrementMs:    clock.DefaultIncrementMs,
		JoinGrace:      60 * time.Second,
		ReconnectGrace: 30 * time.Second,
		connected:      make(map[uuid.UUID]bool),
		lastSeen:       make(map[uuid.UUID]time.Time),
		graceTimers:    make(map[uuid.UUID]*time.Timer),
		nowFn:          clock.NowMs,
	}
	s.Clocks = clock.TimerSnapshot{
		WhiteMs:      state.WhiteTimeMs,
		BlackMs:      state.BlackTimeMs,
		Turn:         state.Turn,
		ClockRunning: false,
		ServerNowMs:  s.nowFn(),
	}
	return s
}

// ArmJoinTimer starts the pre-game countdown: if both players have not
// connected before JoinGrace lapses, the session is cancelled and wagers
// refunded.
func (s *Session) ArmJoinTimer() {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	if s.joinTimer != nil || s.Started {
		return
	}
	s.joinTimer = time.AfterFunc(s.JoinGrace, func() {
		if err := s.Cancel(context.Background()); err != nil && !errors.Is(err, ErrAlreadyStarted) && !errors.Is(err, ErrNotActive) {
			// Nothing else to do here; the claim either landed or a real
			// transition beat it.
			_ = err
		}
	})
}

// HandleConnect marks a participant present. When both seats are filled for
// the first time the clocks start and the white flag timer is armed.
func (s *Session) HandleConnect(userID uuid.UUID) error {
	s.Mu.Lock()
	defer s.Mu.Unlock()

	if s.State.ParticipantColor(userID) == "" {
		return ErrNotParticipant
	}
	s.connected[userID] = true
	s.lastSeen[userID] = time.Now()

	if t, ok := s.graceTimers[userID]; ok {
		t.Stop()
		delete(s.graceTimers, userID)
	}

	if !s.Started && s.connected[s.State.WhiteID] && s.connected[s.State.BlackID] && s.State.Status == models.SessionActive {
		s.startLocked()
	}
	return nil
}

// startLocked begins the live game: clocks run from this instant.
func (s *Session) startLocked() {
	s.Started = true
	if s.joinTimer != nil {
		s.joinTimer.Stop()
		s.joinTimer = nil
	}
	now := s.nowFn()
	s.Clocks.ClockRunning = true
	s.Clocks.ServerNowMs = now
	started := now
	s.Clocks.LastTurnStartedAtMs = &started
	s.scheduleFlagTimerLocked()
}

// HandleDisconnect marks a participant absent. Mid-game it arms the
// reconnect grace timer; expiry resolves the session as a loss for the
// absent player. Spectator disconnects never reach this path.
func (s *Session) HandleDisconnect(userID uuid.UUID) {
	s.Mu.Lock()
	defer s.Mu.Unlock()

	color := s.State.ParticipantColor(userID)
	if color == "" {
		return
	}
	s.connected[userID] = false
	s.lastSeen[userID] = time.Now()

	if s.State.Status != models.SessionActive || !s.Started {
		return
	}

	opponentID := s.State.SideID(color.Opponent())
	s.fireEventToPlayerLocked(opponentID, newOpponentLeftEvent(s.ReconnectGrace))

	if t, ok := s.graceTimers[userID]; ok {
		t.Stop()
	}
	s.graceTimers[userID] = time.AfterFunc(s.ReconnectGrace, func() {
		s.Mu.Lock()
		stillGone := !s.connected[userID] && s.State.Status == models.SessionActive
		side := s.State.ParticipantColor(userID)
		s.Mu.Unlock()
		if stillGone && side != "" {
			_ = s.Leave(context.Background(), userID)
		}
	})
}

// ApplyMove validates and applies a UCI move for userID. Checkmate and draw
// are folded into the same atomic transition as the move itself, so the
// session is never observable as active with a terminal board.
func (s *Session) ApplyMove(ctx context.Context, userID uuid.UUID, uci string) error {
	s.Mu.Lock()
	defer s.Mu.Unlock()

	if s.State.Status != models.SessionActive {
		return ErrNotActive
	}
	color := s.State.ParticipantColor(userID)
	if color == "" {
		return ErrNotParticipant
	}
	if color != s.State.Turn {
		return ErrNotYourTurn
	}

	// Re-stamp the clocks before trusting the move: if the mover's flag
	// already fell, the timeout transition wins.
	now := s.nowFn()
	advanced, timedOut := clock.Advance(s.Clocks, now)
	s.Clocks = advanced
	if timedOut {
		return s.finishLocked(ctx, models.SessionFinished, s.winnerPtr(color.Opponent()), models.EndTimeout)
	}

	res, err := chesskit.Apply(s.State.BoardState, uci)
	if err != nil {
		return err
	}

	s.State.BoardState = res.FEN
	s.State.Turn = res.Turn
	s.Clocks = clock.AddIncrement(s.Clocks, color, s.IncrementMs)
	s.Clocks = clock.FlipTurn(s.Clocks, now)
	s.syncClockStateLocked()

	switch res.Outcome {
	case chesskit.OutcomeCheckmate:
		return s.finishLocked(ctx, models.SessionFinished, s.winnerPtr(color), models.EndCheckmate)
	case chesskit.OutcomeDraw:
		return s.finishLocked(ctx, models.SessionFinished, nil, models.EndDraw)
	}

	if s.UpdateFn != nil {
		ok, err := s.UpdateFn(ctx, s.State)
		if err != nil {
			return fmt.Errorf("session: persist move: %w", err)
		}
		if !ok {
			// The row already reached a terminal status under a concurrent
			// writer. Freeze locally, like a lost finish claim, so later
			// transitions short-circuit instead of re-hitting the store.
			s.stopTimersLocked()
			s.Clocks.ClockRunning = false
			s.State.Status = models.SessionFinished
			return ErrNotActive
		}
	}

	s.fireEventLocked(newMoveAppliedEvent(s.State, res.UCI, s.Clocks))
	s.scheduleFlagTimerLocked()
	return nil
}

// ApplyTimeout resolves a flag fall for the given side. Idempotent: a
// duplicate call on a finished session is a no-op, because timeout
// detection can race across redundant timers.
func (s *Session) ApplyTimeout(ctx context.Context, side models.Color) error {
	s.Mu.Lock()
	defer s.Mu.Unlock()

	if s.State.Status != models.SessionActive {
		return nil
	}

	// Recompute from server time; a stale timer whose side received an
	// increment in the meantime just reschedules.
	advanced, timedOut := clock.Advance(s.Clocks, s.nowFn())
	s.Clocks = advanced
	if !timedOut || s.Clocks.Turn != side {
		s.scheduleFlagTimerLocked()
		return nil
	}
	return s.finishLocked(ctx, models.SessionFinished, s.winnerPtr(side.Opponent()), models.EndTimeout)
}

// Resign ends the session as a loss for userID.
func (s *Session) Resign(ctx context.Context, userID uuid.UUID) error {
	return s.concede(ctx, userID, models.EndResignation)
}

// Leave ends the session as a loss for the departing player, recorded
// distinctly from a resignation for the audit trail.
func (s *Session) Leave(ctx context.Context, userID uuid.UUID) error {
	return s.concede(ctx, userID, models.EndAbandonment)
}

func (s *Session) concede(ctx context.Context, userID uuid.UUID, reason models.EndReason) error {
	s.Mu.Lock()
	defer s.Mu.Unlock()

	if s.State.Status != models.SessionActive {
		return ErrNotActive
	}
	color := s.State.ParticipantColor(userID)
	if color == "" {
		return ErrNotParticipant
	}
	return s.finishLocked(ctx, models.SessionFinished, s.winnerPtr(color.Opponent()), reason)
}

// Cancel voids a session that never started (opponent never connected).
// Wagers are fully refunded by the settlement step inside FinishFn.
func (s *Session) Cancel(ctx context.Context) error {
	s.Mu.Lock()
	defer s.Mu.Unlock()

	if s.State.Status != models.SessionActive {
		return ErrNotActive
	}
	if s.Started {
		return ErrAlreadyStarted
	}
	return s.finishLocked(ctx, models.SessionCancelled, nil, models.EndCancelled)
}

// finishLocked runs the single terminal transition. The conditional claim
// inside FinishFn decides the move-vs-timeout race: whichever transition's
// write lands first wins and the loser becomes a no-op.
func (s *Session) finishLocked(ctx context.Context, status models.SessionStatus, winner *uuid.UUID, reason models.EndReason) error {
	s.stopTimersLocked()
	s.Clocks.ClockRunning = false

	snapshot := s.State
	snapshot.Status = status
	snapshot.Winner = winner
	snapshot.EndReason = reason
	snapshot.WhiteTimeMs = s.Clocks.WhiteMs
	snapshot.BlackTimeMs = s.Clocks.BlackMs
	snapshot.ClockRunning = false

	if s.FinishFn != nil {
		claimed, err := s.FinishFn(ctx, snapshot)
		if err != nil {
			return fmt.Errorf("session: terminal transition: %w", err)
		}
		if !claimed {
			// Lost the race to another terminal write. Freeze local state
			// to terminal so no further transitions are attempted.
			s.State.Status = status
			return nil
		}
	}

	s.State = snapshot
	s.fireEventLocked(newGameEndedEvent(snapshot))
	if s.OnEnd != nil {
		go s.OnEnd(snapshot)
	}
	return nil
}

// Snapshot returns a consistent copy of the session row plus clocks
// advanced to the current instant, for reconnect/spectate sync.
func (s *Session) Snapshot() (models.GameSession, clock.TimerSnapshot) {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	advanced, _ := clock.Advance(s.Clocks, s.nowFn())
	if s.State.Status == models.SessionActive {
		s.Clocks = advanced
		s.syncClockStateLocked()
	}
	return s.State, advanced
}

// scheduleFlagTimerLocked arms a timer at the projected flag fall of the
// side to move. The callback revalidates everything under the lock, so a
// stale timer can never finish a session that has moved on.
func (s *Session) scheduleFlagTimerLocked() {
	if s.flagTimer != nil {
		s.flagTimer.Stop()
	}
	if !s.Clocks.ClockRunning || s.State.Status != models.SessionActive {
		return
	}
	side := s.Clocks.Turn
	remaining := s.Clocks.WhiteMs
	if side == models.Black {
		remaining = s.Clocks.BlackMs
	}
	s.flagTimer = time.AfterFunc(time.Duration(remaining)*time.Millisecond, func() {
		_ = s.ApplyTimeout(context.Background(), side)
	})
}

func (s *Session) stopTimersLocked() {
	if s.flagTimer != nil {
		s.flagTimer.Stop()
		s.flagTimer = nil
	}
	if s.joinTimer != nil {
		s.joinTimer.Stop()
		s.joinTimer = nil
	}
	for id, t := range s.graceTimers {
		t.Stop()
		delete(s.graceTimers, id)
	}
}

// syncClockStateLocked copies the authoritative snapshot back onto the row
// fields that mirror it.
func (s *Session) syncClockStateLocked() {
	s.State.WhiteTimeMs = s.Clocks.WhiteMs
	s.State.BlackTimeMs = s.Clocks.BlackMs
	s.State.ClockRunning = s.Clocks.ClockRunning
}

func (s *Session) winnerPtr(c models.Color) *uuid.UUID {
	id := s.State.SideID(c)
	return &id
}

func (s *Session) fireEventLocked(ev interface{}) {
	if s.BroadcastFn != nil {
		s.BroadcastFn(ev)
	}
}

func (s *Session) fireEventToPlayerLocked(playerID uuid.UUID, ev interface{}) {
	if s.BroadcastToPlayerFn != nil {
		s.BroadcastToPlayerFn(playerID, ev)
	}
}
