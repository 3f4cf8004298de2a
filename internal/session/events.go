// internal/session/events.go
package session

import (
	"time"

	"github.com/kingside/gambit/internal/clock"
	"github.com/kingside/gambit/internal/models"
	"github.com/kingside/gambit/internal/protocol"
)

// The actor emits wire-level protocol messages directly; the transport
// layer only fans them out.

func newMoveAppliedEvent(state models.GameSession, uci string, clocks clock.TimerSnapshot) protocol.MoveApplied {
	return protocol.NewMoveApplied(state.ID, state.BoardState, uci, state.Turn, clocks)
}

func newGameEndedEvent(state models.GameSession) protocol.GameEnded {
	return protocol.NewGameEnded(state.ID, state.EndReason, state.Winner)
}

func newOpponentLeftEvent(grace time.Duration) protocol.OpponentLeft {
	return protocol.NewOpponentLeft("disconnected", grace.Milliseconds())
}
