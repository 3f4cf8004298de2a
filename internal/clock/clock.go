// internal/clock/clock.go
package clock

import (
	"time"

	"github.com/kingside/gambit/internal/models"
)

// Domain defaults. The increment is added to the mover's clock on every
// applied move; initial time is per side.
const (
	DefaultInitialMs   int64 = 5 * 60 * 1000
	DefaultIncrementMs int64 = 3 * 1000
)

// TimerSnapshot is the server-owned view of both countdown clocks at a
// single instant. Clients compute live remaining time from ServerNowMs
// deltas; client-reported time is never ground truth.
type TimerSnapshot struct {
	WhiteMs             int64        `json:"whiteMs"`
	BlackMs             int64        `json:"blackMs"`
	Turn                models.Color `json:"turn"`
	ClockRunning        bool         `json:"clockRunning"`
	ServerNowMs         int64        `json:"serverNowMs"`
	LastTurnStartedAtMs *int64       `json:"lastTurnStartedAtMs"`
}

// NowMs is the canonical millisecond timestamp used for every snapshot.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// Advance re-stamps the snapshot at nowMs, charging the elapsed interval to
// the clock of the side to move. Pure; clocks never go negative. The second
// return value signals a timeout: the side to move ran out of time. The
// caller turns that signal into an applyTimeout transition; it is not an
// error.
//
// Advance is additive: Advance(Advance(s, t1), t2) == Advance(s, t2) for
// t1 <= t2, as long as no timeout boundary is crossed.
func Advance(s TimerSnapshot, nowMs int64) (TimerSnapshot, bool) {
	elapsed := nowMs - s.ServerNowMs
	if elapsed < 0 {
		elapsed = 0
	}
	s.ServerNowMs = nowMs
	if !s.ClockRunning || elapsed == 0 {
		return s, false
	}

	remaining := s.WhiteMs
	if s.Turn == models.Black {
		remaining = s.BlackMs
	}
	remaining -= elapsed
	timedOut := remaining <= 0
	if timedOut {
		remaining = 0
		s.ClockRunning = false
	}
	if s.Turn == models.White {
		s.WhiteMs = remaining
	} else {
		s.BlackMs = remaining
	}
	return s, timedOut
}

// AddIncrement credits incrementMs to the given side, used for the mover
// after a successful move.
func AddIncrement(s TimerSnapshot, side models.Color, incrementMs int64) TimerSnapshot {
	if side == models.White {
		s.WhiteMs += incrementMs
	} else {
		s.BlackMs += incrementMs
	}
	return s
}

// FlipTurn hands the running clock to the other side and marks the turn
// boundary at nowMs.
func FlipTurn(s TimerSnapshot, nowMs int64) TimerSnapshot {
	s.Turn = s.Turn.Opponent()
	s.ServerNowMs = nowMs
	started := nowMs
	s.LastTurnStartedAtMs = &started
	return s
}

// Remaining is the consumer-side computation: the live remaining time for a
// side given the viewer's local clock. Drift-corrected against ServerNowMs
// rather than trusting the local wall clock outright.
func Remaining(s TimerSnapshot, side models.Color, localNowMs int64) int64 {
	base := s.WhiteMs
	if side == models.Black {
		base = s.BlackMs
	}
	if !s.ClockRunning || s.Turn != side {
		return base
	}
	remaining := base - (localNowMs - s.ServerNowMs)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}
