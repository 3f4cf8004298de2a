// internal/handlers/arena_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kingside/gambit/internal/clock"
	"github.com/kingside/gambit/internal/database"
	"github.com/kingside/gambit/internal/matchmaking"
	"github.com/kingside/gambit/internal/models"
	"github.com/kingside/gambit/internal/protocol"
	"github.com/kingside/gambit/internal/session"
)

// sessionWaitTimeout bounds how long a sync or spectate request waits for a
// session actor that is still registering before the client is told the
// connection failed, rather than hanging indefinitely.
const sessionWaitTimeout = 3 * time.Second

// ArenaWSHandler upgrades the HTTP connection to the arena WebSocket. It
// authenticates the user (creating an ephemeral guest if needed), registers
// the connection, resynchronizes any live game the user is seated in, and
// then runs the read loop until the connection drops.
func ArenaWSHandler(logger *logrus.Logger, s *ArenaServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{"arena"},
			OriginPatterns: []string{"*"}, // Adjust for production security.
		})
		if err != nil {
			logger.Warnf("WebSocket accept error: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "Internal server error during handler exit.")

		if c.Subprotocol() != "arena" {
			logger.Warnf("Client connected with invalid subprotocol: %s", c.Subprotocol())
			c.Close(websocket.StatusPolicyViolation, "Client must use the 'arena' subprotocol.")
			return
		}

		userID, err := EnsureEphemeralUser(w, r)
		if err != nil {
			logger.Warnf("User authentication failed: %v", err)
			c.Close(websocket.StatusPolicyViolation, "Authentication failed.")
			return
		}
		logger.Infof("User %s connected to arena from %s", userID, r.RemoteAddr)

		s.RegisterClient(userID, c)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		sendWsMessage(ctx, c, protocol.NewWelcome(userID))

		// Reconnect path: if the user is seated in a live session, mark them
		// present and replace their local state with the authoritative
		// snapshot. The client never merges; it adopts the sync outright.
		if actor, ok := s.Sessions.GetByParticipant(userID); ok {
			if err := actor.HandleConnect(userID); err == nil {
				state, clocks := actor.Snapshot()
				sendWsMessage(ctx, c, protocol.NewGameSync(&state, clocks))
			}
		}

		readArenaMessages(ctx, c, s, userID, logger)

		logger.Infof("User %s arena read loop exited.", userID)
		s.UnregisterClient(userID, c)
		if actor, ok := s.Sessions.GetByParticipant(userID); ok {
			actor.HandleDisconnect(userID)
		}
	}
}

// readArenaMessages continuously reads client frames, decodes them against
// the closed message set, and routes them to matchmaking, the user's session
// actor, or the sync/spectate paths. A malformed or unknown frame earns an
// error reply and the loop continues; only read failure ends it.
func readArenaMessages(ctx context.Context, c *websocket.Conn, s *ArenaServer, userID uuid.UUID, logger *logrus.Logger) {
	for {
		msgType, data, err := c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				logger.Infof("WebSocket closed normally for user %s.", userID)
			} else if strings.Contains(err.Error(), "context canceled") {
				logger.Infof("WebSocket context canceled for user %s.", userID)
			} else {
				logger.Warnf("Error reading from WebSocket for user %s: %v (Status: %d)", userID, err, status)
			}
			return
		}

		if msgType != websocket.MessageText {
			logger.Warnf("Received non-text message type %d from user %s. Ignoring.", msgType, userID)
			continue
		}

		msg, err := protocol.DecodeClient(data)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownType) {
				logger.Warnf("Unknown message type %q from user %s.", msg.Type, userID)
				sendWsMessage(ctx, c, protocol.NewError(protocol.CodeUnknownType, "Unknown message type: "+msg.Type))
			} else {
				logger.Warnf("Invalid JSON received from user %s: %v", userID, err)
				sendWsMessage(ctx, c, protocol.NewError(protocol.CodeBadMessage, "Invalid JSON format."))
			}
			continue
		}

		logger.Debugf("Received %q from user %s.", msg.Type, userID)

		switch msg.Type {
		case protocol.TypeFindMatch:
			handleFindMatch(ctx, c, s, userID, msg)

		case protocol.TypeCancelSearch:
			if err := s.Queue.Cancel(ctx, userID); err != nil {
				if errors.Is(err, matchmaking.ErrNotQueued) {
					sendWsMessage(ctx, c, protocol.NewError(protocol.CodeBadMessage, "No active search to cancel."))
				} else {
					logger.Errorf("Failed to cancel search for user %s: %v", userID, err)
					sendWsMessage(ctx, c, protocol.NewError(protocol.CodeInternal, "Failed to cancel search."))
				}
			}

		case protocol.TypeMove:
			handleMove(ctx, c, s, userID, msg.UCI, logger)

		case protocol.TypeResign:
			if actor, ok := s.Sessions.GetByParticipant(userID); ok {
				if err := actor.Resign(ctx, userID); err != nil && !errors.Is(err, session.ErrNotActive) {
					logger.Warnf("Resign failed for user %s: %v", userID, err)
				}
			} else {
				sendWsMessage(ctx, c, protocol.NewError(protocol.CodeNotInGame, "You are not in a game."))
			}

		case protocol.TypeLeaveGame:
			if actor, ok := s.Sessions.GetByParticipant(userID); ok {
				if err := actor.Leave(ctx, userID); err != nil && !errors.Is(err, session.ErrNotActive) {
					logger.Warnf("Leave failed for user %s: %v", userID, err)
				}
			} else {
				sendWsMessage(ctx, c, protocol.NewError(protocol.CodeNotInGame, "You are not in a game."))
			}

		case protocol.TypeSyncGame:
			handleSyncGame(ctx, c, s, userID, msg, logger)

		case protocol.TypeSpectateGame:
			handleSpectate(ctx, c, s, userID, msg, logger)

		case protocol.TypeLeaveSpectate:
			s.RemoveSpectator(userID)

		case protocol.TypePing:
			sendWsMessage(ctx, c, protocol.NewPong())
		}

		select {
		case <-ctx.Done():
			logger.Infof("Context canceled after processing message for user %s.", userID)
			return
		default:
		}
	}
}

// handleFindMatch queues the user at the requested wager tier. The searching
// acknowledgment follows a successful enqueue; a match_found for the session
// may race ahead of it, keyed by session id on the client side.
func handleFindMatch(ctx context.Context, c *websocket.Conn, s *ArenaServer, userID uuid.UUID, msg protocol.ClientMessage) {
	entry, err := s.Queue.Enqueue(ctx, userID, msg.Wager)
	switch {
	case errors.Is(err, matchmaking.ErrAlreadyQueued):
		sendWsMessage(ctx, c, protocol.NewError(protocol.CodeAlreadyQueued, "You already have an active search."))
	case errors.Is(err, matchmaking.ErrInsufficientFunds):
		sendWsMessage(ctx, c, protocol.NewError(protocol.CodeInsufficientFunds, "Balance does not cover the wager."))
	case err != nil:
		sendWsMessage(ctx, c, protocol.NewError(protocol.CodeBadMessage, "Invalid search request."))
	default:
		sendWsMessage(ctx, c, protocol.NewSearching(entry.Wager))
	}
}

// handleMove routes a UCI move to the user's live session actor.
func handleMove(ctx context.Context, c *websocket.Conn, s *ArenaServer, userID uuid.UUID, uci string, logger *logrus.Logger) {
	actor, ok := s.Sessions.GetByParticipant(userID)
	if !ok {
		sendWsMessage(ctx, c, protocol.NewError(protocol.CodeNotInGame, "You are not in a game."))
		return
	}
	err := actor.ApplyMove(ctx, userID, uci)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNotYourTurn):
		sendWsMessage(ctx, c, protocol.NewError(protocol.CodeNotYourTurn, "It is not your turn."))
	case errors.Is(err, session.ErrIllegalMove):
		sendWsMessage(ctx, c, protocol.NewError(protocol.CodeIllegalMove, "Illegal move: "+uci))
	case errors.Is(err, session.ErrNotActive):
		sendWsMessage(ctx, c, protocol.NewError(protocol.CodeNotInGame, "The game has already ended."))
	default:
		logger.Errorf("Move %q failed for user %s: %v", uci, userID, err)
		sendWsMessage(ctx, c, protocol.NewError(protocol.CodeInternal, "Failed to apply move."))
	}
}

// handleSyncGame answers a sync request with the authoritative snapshot:
// from the live actor when one exists, from the settled row otherwise. An
// active row whose actor is unreachable after the bounded wait resolves as a
// connection failure instead of hanging.
func handleSyncGame(ctx context.Context, c *websocket.Conn, s *ArenaServer, userID uuid.UUID, msg protocol.ClientMessage, logger *logrus.Logger) {
	if msg.SessionID == uuid.Nil {
		if actor, ok := s.Sessions.GetByParticipant(userID); ok {
			state, clocks := actor.Snapshot()
			sendWsMessage(ctx, c, protocol.NewGameSync(&state, clocks))
			return
		}
		sendWsMessage(ctx, c, protocol.NewError(protocol.CodeGameNotFound, "No live game to sync."))
		return
	}

	if actor, ok := s.Sessions.Get(msg.SessionID); ok {
		state, clocks := actor.Snapshot()
		sendWsMessage(ctx, c, protocol.NewGameSync(&state, clocks))
		return
	}

	row, err := database.GetSession(ctx, msg.SessionID)
	if err != nil {
		sendWsMessage(ctx, c, protocol.NewError(protocol.CodeGameNotFound, "Game not found."))
		return
	}
	if row.Status == models.SessionActive {
		if actor, ok := s.waitForSession(ctx, msg.SessionID, sessionWaitTimeout); ok {
			state, clocks := actor.Snapshot()
			sendWsMessage(ctx, c, protocol.NewGameSync(&state, clocks))
			return
		}
		logger.Warnf("Session %s is active but its owner is unreachable.", msg.SessionID)
		sendWsMessage(ctx, c, protocol.NewError(protocol.CodeConnectionFailed, "Session owner unreachable."))
		return
	}
	sendWsMessage(ctx, c, protocol.NewGameSync(row, terminalClocks(row)))
}

// handleSpectate subscribes the user to a live session's event stream and
// primes them with a full snapshot. Spectators are read-side only; their
// presence never touches session state.
func handleSpectate(ctx context.Context, c *websocket.Conn, s *ArenaServer, userID uuid.UUID, msg protocol.ClientMessage, logger *logrus.Logger) {
	var actor *session.Session
	var ok bool

	switch {
	case msg.SessionID != uuid.Nil:
		if actor, ok = s.Sessions.Get(msg.SessionID); !ok {
			row, err := database.GetSession(ctx, msg.SessionID)
			if err != nil || row.Status != models.SessionActive {
				sendWsMessage(ctx, c, protocol.NewError(protocol.CodeGameNotFound, "Game not found."))
				return
			}
			if actor, ok = s.waitForSession(ctx, msg.SessionID, sessionWaitTimeout); !ok {
				logger.Warnf("Spectate target %s is active but its owner is unreachable.", msg.SessionID)
				sendWsMessage(ctx, c, protocol.NewError(protocol.CodeConnectionFailed, "Session owner unreachable."))
				return
			}
		}
	case msg.TargetParticipantID != uuid.Nil:
		if actor, ok = s.Sessions.GetByParticipant(msg.TargetParticipantID); !ok {
			sendWsMessage(ctx, c, protocol.NewError(protocol.CodeGameNotFound, "Target participant is not in a live game."))
			return
		}
	default:
		sendWsMessage(ctx, c, protocol.NewError(protocol.CodeBadMessage, "Spectate requires a session or participant id."))
		return
	}

	state, clocks := actor.Snapshot()
	s.AddSpectator(state.ID, userID)
	sendWsMessage(ctx, c, protocol.NewGameSync(&state, clocks))
}

// terminalClocks freezes the stored clock fields of a settled row into a
// snapshot for sync replies.
func terminalClocks(row *models.GameSession) clock.TimerSnapshot {
	return clock.TimerSnapshot{
		WhiteMs:      row.WhiteTimeMs,
		BlackMs:      row.BlackTimeMs,
		Turn:         row.Turn,
		ClockRunning: false,
		ServerNowMs:  clock.NowMs(),
	}
}

// sendWsMessage marshals a message and sends it to the WebSocket client.
// Includes logging for errors and uses a write timeout.
func sendWsMessage(ctx context.Context, c *websocket.Conn, message interface{}) {
	if c == nil {
		log.Println("Error: Attempted to send WebSocket message on nil connection.")
		return
	}
	msgBytes, err := json.Marshal(message)
	if err != nil {
		log.Printf("Error marshaling WebSocket message: %v", err)
		return
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = c.Write(writeCtx, websocket.MessageText, msgBytes)
	if err != nil {
		status := websocket.CloseStatus(err)
		if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !strings.Contains(err.Error(), "context deadline exceeded") {
			log.Printf("Error writing WebSocket message: %v (Status: %d)", err, status)
		} else if strings.Contains(err.Error(), "context deadline exceeded") {
			log.Printf("Timeout writing WebSocket message: %v", err)
		}
		// Let the read loop handle connection closure detection.
	}
}
