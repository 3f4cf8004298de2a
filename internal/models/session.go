// internal/models/session.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// Color identifies a side in a game session.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

// Opponent returns the other side.
func (c Color) Opponent() Color {
	if c == White {
		return Black
	}
	return White
}

// SessionStatus is the lifecycle state of a game session. Terminal statuses
// (finished, cancelled) have no outgoing transitions; the row is frozen once
// one of them is written.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionFinished  SessionStatus = "finished"
	SessionCancelled SessionStatus = "cancelled"
)

// EndReason records why a session reached a terminal status, kept distinct
// for the audit trail.
type EndReason string

const (
	EndCheckmate   EndReason = "checkmate"
	EndDraw        EndReason = "draw"
	EndTimeout     EndReason = "timeout"
	EndResignation EndReason = "resignation"
	EndAbandonment EndReason = "abandonment"
	EndCancelled   EndReason = "cancelled"
)

// GameSession is the authoritative per-game record. In memory it is owned
// exclusively by the session actor; in the database every terminal
// transition is a conditional write guarded on status = active.
type GameSession struct {
	ID           uuid.UUID     `json:"id"`
	WhiteID      uuid.UUID     `json:"white_id"`
	BlackID      uuid.UUID     `json:"black_id"`
	BoardState   string        `json:"board_state"` // FEN
	Turn         Color         `json:"turn"`
	WhiteTimeMs  int64         `json:"white_time_ms"`
	BlackTimeMs  int64         `json:"black_time_ms"`
	ClockRunning bool          `json:"clock_running"`
	Status       SessionStatus `json:"status"`
	Winner       *uuid.UUID    `json:"winner,omitempty"` // nil = draw or undecided
	EndReason    EndReason     `json:"end_reason,omitempty"`
	WagerAmount  int64         `json:"wager_amount"` // coins
	CreatedAt    time.Time     `json:"created_at"`
}

// ParticipantColor returns the color the given user plays, or "" if they are
// not seated in this session.
func (s *GameSession) ParticipantColor(userID uuid.UUID) Color {
	switch userID {
	case s.WhiteID:
		return White
	case s.BlackID:
		return Black
	}
	return ""
}

// SideID resolves a color to the seated participant id.
func (s *GameSession) SideID(c Color) uuid.UUID {
	if c == White {
		return s.WhiteID
	}
	return s.BlackID
}
