// internal/protocol/messages.go
//
// Closed message sets for both directions of the arena WebSocket protocol.
// Every message carries a "type" tag; unknown tags decode to ErrUnknownType,
// which is a distinct non-fatal case, never a connection-killing error.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/kingside/gambit/internal/clock"
	"github.com/kingside/gambit/internal/models"
)

// Client -> server message types.
const (
	TypeFindMatch     = "find_match"
	TypeCancelSearch  = "cancel_search"
	TypeMove          = "move"
	TypeResign        = "resign"
	TypeLeaveGame     = "leave_game"
	TypeSyncGame      = "sync_game"
	TypeSpectateGame  = "spectate_game"
	TypeLeaveSpectate = "leave_spectate"
	TypePing          = "ping"
)

// Server -> client message types.
const (
	TypeWelcome      = "welcome"
	TypeSearching    = "searching"
	TypeMatchFound   = "match_found"
	TypeMoveApplied  = "move_applied"
	TypeGameSync     = "game_sync"
	TypeGameEnded    = "game_ended"
	TypeOpponentLeft = "opponent_left"
	TypeError        = "error"
	TypePong         = "pong"
)

// Error codes carried in Error messages.
const (
	CodeIllegalMove       = "illegal_move"
	CodeNotYourTurn       = "not_your_turn"
	CodeNotInGame         = "not_in_game"
	CodeGameNotFound      = "game_not_found"
	CodeAlreadyQueued     = "already_queued"
	CodeInsufficientFunds = "insufficient_funds"
	CodeBadMessage        = "bad_message"
	CodeUnknownType       = "unknown_type"
	CodeConnectionFailed  = "connection_failed"
	CodeInternal          = "internal_error"
)

// ErrUnknownType marks a syntactically valid message whose tag is not part
// of the client message set.
var ErrUnknownType = errors.New("protocol: unknown message type")

// ClientMessage is the decoded form of any client -> server message. The
// Type tag determines which fields are meaningful.
type ClientMessage struct {
	Type string `json:"type"`

	// find_match
	Wager int64 `json:"wager,omitempty"`

	// move: 4-5 character UCI coordinate string (e2e4, e7e8q)
	UCI string `json:"uci,omitempty"`

	// sync_game
	SessionID uuid.UUID `json:"sessionId,omitempty"`

	// spectate_game
	TargetParticipantID uuid.UUID `json:"targetParticipantId,omitempty"`
}

// DecodeClient parses a raw client frame. A JSON-level failure is a
// malformed-payload error; a well-formed frame with an unrecognized tag
// returns ErrUnknownType alongside the decoded envelope.
func DecodeClient(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("protocol: malformed payload: %w", err)
	}
	switch msg.Type {
	case TypeFindMatch, TypeCancelSearch, TypeMove, TypeResign, TypeLeaveGame,
		TypeSyncGame, TypeSpectateGame, TypeLeaveSpectate, TypePing:
		return msg, nil
	default:
		return msg, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
}

// Welcome is sent once after the connection is authenticated.
type Welcome struct {
	Type          string    `json:"type"`
	ParticipantID uuid.UUID `json:"participantId"`
}

func NewWelcome(participantID uuid.UUID) Welcome {
	return Welcome{Type: TypeWelcome, ParticipantID: participantID}
}

// Searching acknowledges a queue entry.
type Searching struct {
	Type  string `json:"type"`
	Wager int64  `json:"wager"`
}

func NewSearching(wager int64) Searching {
	return Searching{Type: TypeSearching, Wager: wager}
}

// MatchFound announces a freshly paired session to one participant.
type MatchFound struct {
	Type        string              `json:"type"`
	SessionID   uuid.UUID           `json:"sessionId"`
	Color       models.Color        `json:"color"`
	BoardState  string              `json:"boardState"`
	Wager       int64               `json:"wager"`
	Clocks      clock.TimerSnapshot `json:"clocks"`
	ServerNowMs int64               `json:"serverNowMs"`
}

func NewMatchFound(sessionID uuid.UUID, color models.Color, board string, wager int64, clocks clock.TimerSnapshot) MatchFound {
	return MatchFound{
		Type:        TypeMatchFound,
		SessionID:   sessionID,
		Color:       color,
		BoardState:  board,
		Wager:       wager,
		Clocks:      clocks,
		ServerNowMs: clocks.ServerNowMs,
	}
}

// MoveApplied broadcasts an accepted move to players and spectators.
type MoveApplied struct {
	Type        string              `json:"type"`
	SessionID   uuid.UUID           `json:"sessionId"`
	BoardState  string              `json:"boardState"`
	Move        string              `json:"move"` // UCI
	Turn        models.Color        `json:"turn"`
	Clocks      clock.TimerSnapshot `json:"clocks"`
	ServerNowMs int64               `json:"serverNowMs"`
}

func NewMoveApplied(sessionID uuid.UUID, board, uci string, turn models.Color, clocks clock.TimerSnapshot) MoveApplied {
	return MoveApplied{
		Type:        TypeMoveApplied,
		SessionID:   sessionID,
		BoardState:  board,
		Move:        uci,
		Turn:        turn,
		Clocks:      clocks,
		ServerNowMs: clocks.ServerNowMs,
	}
}

// GameSync is the full authoritative snapshot used for reconnect and
// spectate resynchronization. Any client receiving it replaces local state
// outright; it never merges.
type GameSync struct {
	Type        string               `json:"type"`
	SessionID   uuid.UUID            `json:"sessionId"`
	BoardState  string               `json:"boardState"`
	Status      models.SessionStatus `json:"status"`
	Winner      *uuid.UUID           `json:"winner,omitempty"`
	Wager       int64                `json:"wager"`
	WhiteID     uuid.UUID            `json:"whiteId"`
	BlackID     uuid.UUID            `json:"blackId"`
	Clocks      clock.TimerSnapshot  `json:"clocks"`
	ServerNowMs int64                `json:"serverNowMs"`
}

func NewGameSync(s *models.GameSession, clocks clock.TimerSnapshot) GameSync {
	return GameSync{
		Type:        TypeGameSync,
		SessionID:   s.ID,
		BoardState:  s.BoardState,
		Status:      s.Status,
		Winner:      s.Winner,
		Wager:       s.WagerAmount,
		WhiteID:     s.WhiteID,
		BlackID:     s.BlackID,
		Clocks:      clocks,
		ServerNowMs: clocks.ServerNowMs,
	}
}

// GameEnded announces a terminal transition.
type GameEnded struct {
	Type      string           `json:"type"`
	SessionID uuid.UUID        `json:"sessionId"`
	Reason    models.EndReason `json:"reason"`
	Winner    *uuid.UUID       `json:"winner,omitempty"` // nil on draw/cancel
}

func NewGameEnded(sessionID uuid.UUID, reason models.EndReason, winner *uuid.UUID) GameEnded {
	return GameEnded{Type: TypeGameEnded, SessionID: sessionID, Reason: reason, Winner: winner}
}

// OpponentLeft notifies the remaining player that the opponent disconnected
// and the abandonment grace timer is running.
type OpponentLeft struct {
	Type    string `json:"type"`
	Reason  string `json:"reason"`
	GraceMs int64  `json:"graceMs"`
}

func NewOpponentLeft(reason string, graceMs int64) OpponentLeft {
	return OpponentLeft{Type: TypeOpponentLeft, Reason: reason, GraceMs: graceMs}
}

// ErrorMsg reports a per-request failure to the originating client. It
// never terminates the session for other participants.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewError(code, message string) ErrorMsg {
	return ErrorMsg{Type: TypeError, Code: code, Message: message}
}

// Pong answers a client ping.
type Pong struct {
	Type string `json:"type"`
}

func NewPong() Pong { return Pong{Type: TypePong} }
