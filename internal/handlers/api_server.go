// internal/handlers/api_server.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/kingside/gambit/internal/cache"
	"github.com/kingside/gambit/internal/database"
	"github.com/kingside/gambit/internal/matchmaking"
	"github.com/kingside/gambit/internal/models"
	"github.com/kingside/gambit/internal/payments"
	"github.com/kingside/gambit/internal/protocol"
	"github.com/kingside/gambit/internal/session"
	"github.com/kingside/gambit/internal/settlement"
)

// arenaClient is one authenticated WebSocket connection.
type arenaClient struct {
	UserID uuid.UUID
	Conn   *websocket.Conn
}

// ArenaServer owns the live state of the arena: the session actors, the
// matchmaking queue, the settlement engine, and the connection registry that
// fans session events out to players and spectators.
type ArenaServer struct {
	Mu       sync.Mutex
	Sessions *session.Store
	Queue    *matchmaking.Queue

	Settlement  *settlement.Engine
	Ingestor    *payments.Ingestor
	Withdrawals *payments.Withdrawals

	Logger *log.Logger

	// JoinGrace and ReconnectGrace override the session actor defaults
	// when non-zero.
	JoinGrace      time.Duration
	ReconnectGrace time.Duration

	clients    map[uuid.UUID]*arenaClient       // by user id
	spectators map[uuid.UUID]map[uuid.UUID]bool // session id -> watching user ids
}

// NewArenaServer wires the full arena stack against the shared database
// store. ipnSecret signs inbound payment callbacks; feeRate is the house cut
// on decisive results.
func NewArenaServer(store *database.Store, ipnSecret string, feeRate float64, logger *log.Logger) *ArenaServer {
	if logger == nil {
		logger = log.StandardLogger()
	}
	s := &ArenaServer{
		Sessions:    session.NewStore(),
		Settlement:  settlement.NewEngine(store, feeRate, logger),
		Ingestor:    payments.NewIngestor(store, ipnSecret, logger),
		Withdrawals: payments.NewWithdrawals(store, logger),
		Logger:      logger,
		clients:     make(map[uuid.UUID]*arenaClient),
		spectators:  make(map[uuid.UUID]map[uuid.UUID]bool),
	}
	s.Queue = matchmaking.NewQueue(store, settlement.EscrowEntries, logger)
	s.Queue.OnMatch = s.handleMatch
	s.Queue.OnDrop = func(userID uuid.UUID, reason error) {
		code, msg := protocol.CodeInternal, "You were removed from the queue."
		if errors.Is(reason, matchmaking.ErrInsufficientFunds) {
			code, msg = protocol.CodeInsufficientFunds, "Your balance no longer covers the wager."
		}
		s.SendToUser(userID, protocol.NewError(code, msg))
	}
	return s
}

// RegisterClient binds a connection to a user. A newer connection for the
// same user supersedes the old one, which is closed.
func (s *ArenaServer) RegisterClient(userID uuid.UUID, c *websocket.Conn) {
	s.Mu.Lock()
	old := s.clients[userID]
	s.clients[userID] = &arenaClient{UserID: userID, Conn: c}
	s.Mu.Unlock()

	if old != nil && old.Conn != nil && old.Conn != c {
		old.Conn.Close(websocket.StatusPolicyViolation, "superseded by a newer connection")
	}
}

// UnregisterClient drops a connection from the registry, but only if it is
// still the user's current one, so a reconnect is never torn down by the
// stale connection's cleanup. The same guard covers the spectator sets: a
// superseded connection's exit must not unsubscribe the live one.
func (s *ArenaServer) UnregisterClient(userID uuid.UUID, c *websocket.Conn) {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	cur, ok := s.clients[userID]
	if !ok || cur.Conn != c {
		return
	}
	delete(s.clients, userID)
	for _, watchers := range s.spectators {
		delete(watchers, userID)
	}
}

// AddSpectator subscribes a user to a session's event stream.
func (s *ArenaServer) AddSpectator(sessionID, userID uuid.UUID) {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	if s.spectators[sessionID] == nil {
		s.spectators[sessionID] = make(map[uuid.UUID]bool)
	}
	s.spectators[sessionID][userID] = true
}

// RemoveSpectator unsubscribes a user from every session stream.
func (s *ArenaServer) RemoveSpectator(userID uuid.UUID) {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	for _, watchers := range s.spectators {
		delete(watchers, userID)
	}
}

// handleMatch is the Queue.OnMatch callback: it builds the session actor for
// a freshly committed pairing, wires its persistence and broadcast seams,
// registers it, and announces the match to both players.
func (s *ArenaServer) handleMatch(sess models.GameSession) {
	actor := session.New(sess)
	if s.JoinGrace > 0 {
		actor.JoinGrace = s.JoinGrace
	}
	if s.ReconnectGrace > 0 {
		actor.ReconnectGrace = s.ReconnectGrace
	}
	actor.BroadcastFn = s.sessionBroadcastFn(sess.ID, sess.WhiteID, sess.BlackID)
	actor.BroadcastToPlayerFn = func(playerID uuid.UUID, ev interface{}) {
		s.SendToUser(playerID, ev)
	}
	actor.UpdateFn = s.persistMove
	actor.FinishFn = s.finishSession
	actor.OnEnd = func(snapshot models.GameSession) {
		s.publishTransition(cache.TransitionRecord{
			SessionID:  snapshot.ID,
			Kind:       "game_ended",
			BoardState: snapshot.BoardState,
			Payload:    map[string]interface{}{"reason": string(snapshot.EndReason)},
		})
		s.Sessions.Delete(snapshot.ID)
		s.Mu.Lock()
		delete(s.spectators, snapshot.ID)
		s.Mu.Unlock()
	}

	s.Sessions.Add(actor)
	actor.ArmJoinTimer()

	s.publishTransition(cache.TransitionRecord{
		SessionID:  sess.ID,
		Kind:       "session_created",
		BoardState: sess.BoardState,
		Payload:    map[string]interface{}{"wager": sess.WagerAmount},
	})

	_, clocks := actor.Snapshot()
	s.SendToUser(sess.WhiteID, protocol.NewMatchFound(sess.ID, models.White, sess.BoardState, sess.WagerAmount, clocks))
	s.SendToUser(sess.BlackID, protocol.NewMatchFound(sess.ID, models.Black, sess.BoardState, sess.WagerAmount, clocks))
}

// persistMove is the session UpdateFn: conditional row update plus the
// transition publish for auxiliary subscribers.
func (s *ArenaServer) persistMove(ctx context.Context, snapshot models.GameSession) (bool, error) {
	ok, err := database.UpdateSessionState(ctx, snapshot)
	if err != nil || !ok {
		return ok, err
	}
	s.publishTransition(cache.TransitionRecord{
		SessionID:  snapshot.ID,
		Kind:       "move_applied",
		BoardState: snapshot.BoardState,
		Payload:    map[string]interface{}{"turn": string(snapshot.Turn)},
	})
	return true, nil
}

// finishSession is the session FinishFn: the settlement engine performs the
// terminal conditional claim and the wager payout in one transaction. A lost
// claim reports false so the actor freezes without re-settling.
func (s *ArenaServer) finishSession(ctx context.Context, snapshot models.GameSession) (bool, error) {
	_, err := s.Settlement.Settle(ctx, snapshot)
	if errors.Is(err, settlement.ErrAlreadySettled) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// sessionBroadcastFn returns the BroadcastFn for one session. It is invoked
// while the session lock is held, so it only snapshots the recipient set
// under the server mutex and hands the writes to a goroutine.
func (s *ArenaServer) sessionBroadcastFn(sessionID, whiteID, blackID uuid.UUID) func(ev interface{}) {
	return func(ev interface{}) {
		conns := s.collectConns(sessionID, whiteID, blackID)
		if len(conns) == 0 {
			return
		}
		data, err := json.Marshal(ev)
		if err != nil {
			s.Logger.Errorf("Failed to marshal broadcast event for session %s: %v", sessionID, err)
			return
		}
		go func(conns []*websocket.Conn, data []byte) {
			for _, c := range conns {
				ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				err := c.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.Logger.Warnf("Failed to write broadcast message for session %s: %v", sessionID, err)
				}
			}
		}(conns, data)
	}
}

// collectConns gathers the connections of both players and every spectator
// of a session.
func (s *ArenaServer) collectConns(sessionID, whiteID, blackID uuid.UUID) []*websocket.Conn {
	s.Mu.Lock()
	defer s.Mu.Unlock()

	seen := make(map[uuid.UUID]bool)
	var conns []*websocket.Conn
	add := func(userID uuid.UUID) {
		if seen[userID] {
			return
		}
		seen[userID] = true
		if cl, ok := s.clients[userID]; ok && cl.Conn != nil {
			conns = append(conns, cl.Conn)
		}
	}
	add(whiteID)
	add(blackID)
	for userID := range s.spectators[sessionID] {
		add(userID)
	}
	return conns
}

// SendToUser marshals an event and writes it asynchronously to the user's
// current connection, if any.
func (s *ArenaServer) SendToUser(userID uuid.UUID, ev interface{}) {
	s.Mu.Lock()
	cl, ok := s.clients[userID]
	s.Mu.Unlock()
	if !ok || cl.Conn == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		s.Logger.Errorf("Failed to marshal private event for user %s: %v", userID, err)
		return
	}
	go func(c *websocket.Conn, data []byte) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := c.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			s.Logger.Warnf("Failed to write private message to user %s: %v", userID, err)
		}
	}(cl.Conn, data)
}

// waitForSession polls the in-memory registry for a session actor, bounded
// by timeout. Used by sync and spectate requests that race session creation.
func (s *ArenaServer) waitForSession(ctx context.Context, sessionID uuid.UUID, timeout time.Duration) (*session.Session, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if actor, ok := s.Sessions.Get(sessionID); ok {
			return actor, true
		}
		if time.Now().After(deadline) {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// publishTransition forwards a committed transition to the Redis fan-out.
// Failures are logged, never propagated; the transition already committed.
func (s *ArenaServer) publishTransition(record cache.TransitionRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := cache.PublishTransition(ctx, record); err != nil {
		s.Logger.Warnf("Failed to publish transition for session %s: %v", record.SessionID, err)
	}
}
