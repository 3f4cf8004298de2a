// internal/matchmaking/queue.go
package matchmaking

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/kingside/gambit/internal/chesskit"
	"github.com/kingside/gambit/internal/clock"
	"github.com/kingside/gambit/internal/models"
)

var (
	// ErrAlreadyQueued: at most one live queue entry per participant.
	ErrAlreadyQueued = errors.New("matchmaking: already queued")
	// ErrNotQueued is returned by Cancel for a participant with no entry.
	ErrNotQueued = errors.New("matchmaking: not queued")
	// ErrInsufficientFunds: a participant cannot stake more than their
	// ledger balance.
	ErrInsufficientFunds = errors.New("matchmaking: insufficient balance for wager")
)

// Store is the persistence seam for queue entries and atomic pairing.
type Store interface {
	InsertQueueEntry(ctx context.Context, e models.QueueEntry) error
	DeleteQueueEntry(ctx context.Context, userID uuid.UUID) (bool, error)
	// PairAndCreateSession conditionally deletes both queue entries,
	// inserts the session row, and writes the escrow debits in a single
	// transaction. Returns false when either entry was already consumed,
	// so no entry can ever participate in two pairings and no session can
	// outlive its entries.
	PairAndCreateSession(ctx context.Context, a, b models.QueueEntry, s models.GameSession, escrow []models.LedgerEntry) (bool, error)
	Balance(ctx context.Context, userID uuid.UUID) (int64, error)
}

// EscrowFn builds the stake debits written inside the pairing transaction.
type EscrowFn func(s models.GameSession) []models.LedgerEntry

// Queue pairs waiting players by wager tier, FIFO within a tier. The mutex
// serializes pairing decisions; the store's conditional deletes make the
// pairing itself atomic even against another process.
type Queue struct {
	store  Store
	escrow EscrowFn
	Logger *log.Logger

	// TTL after which an entry is treated as abandoned and swept.
	TTL time.Duration

	// OnMatch is invoked once per created session, after the pairing
	// transaction committed.
	OnMatch func(s models.GameSession)

	// OnDrop is invoked when a live entry is removed without a pairing,
	// e.g. the in-transaction balance re-check found the stake no longer
	// covered.
	OnDrop func(userID uuid.UUID, reason error)

	mu      sync.Mutex
	entries map[uuid.UUID]models.QueueEntry

	nowFn func() time.Time
}

func NewQueue(store Store, escrow EscrowFn, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Queue{
		store:   store,
		escrow:  escrow,
		Logger:  logger,
		TTL:     2 * time.Minute,
		entries: make(map[uuid.UUID]models.QueueEntry),
		nowFn:   time.Now,
	}
}

// Enqueue registers a participant at a wager tier and immediately attempts
// a pairing. The staked amount must be covered by the ledger balance.
func (q *Queue) Enqueue(ctx context.Context, userID uuid.UUID, wager int64) (models.QueueEntry, error) {
	if wager <= 0 {
		return models.QueueEntry{}, fmt.Errorf("matchmaking: invalid wager %d", wager)
	}
	balance, err := q.store.Balance(ctx, userID)
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("matchmaking: balance lookup: %w", err)
	}
	if balance < wager {
		return models.QueueEntry{}, ErrInsufficientFunds
	}

	q.mu.Lock()
	if _, exists := q.entries[userID]; exists {
		q.mu.Unlock()
		return models.QueueEntry{}, ErrAlreadyQueued
	}
	entry := models.QueueEntry{UserID: userID, Wager: wager, EnqueuedAt: q.nowFn()}
	q.entries[userID] = entry
	q.mu.Unlock()

	if err := q.store.InsertQueueEntry(ctx, entry); err != nil {
		q.mu.Lock()
		delete(q.entries, userID)
		q.mu.Unlock()
		return models.QueueEntry{}, fmt.Errorf("matchmaking: persist entry: %w", err)
	}

	q.TryPair(ctx)
	return entry, nil
}

// Cancel removes a participant's live entry.
func (q *Queue) Cancel(ctx context.Context, userID uuid.UUID) error {
	q.mu.Lock()
	_, exists := q.entries[userID]
	delete(q.entries, userID)
	q.mu.Unlock()

	deleted, err := q.store.DeleteQueueEntry(ctx, userID)
	if err != nil {
		return fmt.Errorf("matchmaking: delete entry: %w", err)
	}
	if !exists && !deleted {
		return ErrNotQueued
	}
	return nil
}

// TryPair matches the two earliest distinct entries of every wager tier.
// Pairing is committed by the store's conditional transaction; a lost claim
// re-validates both entries so neither player is left stranded searching.
func (q *Queue) TryPair(ctx context.Context) {
	for {
		a, b, ok := q.pickPair()
		if !ok {
			return
		}

		sess := q.buildSession(a, b)
		claimed, err := q.store.PairAndCreateSession(ctx, a, b, sess, q.escrow(sess))
		if err != nil {
			q.Logger.WithError(err).Warn("pairing transaction failed")
			q.restore(a, b)
			return
		}
		if !claimed {
			// The transaction rolled back, so any surviving rows must stay
			// matched by the in-memory picture. A participant whose balance
			// no longer covers the stake is removed outright; everyone else
			// goes back into the queue at their original position.
			q.Logger.WithFields(log.Fields{"a": a.UserID, "b": b.UserID}).Info("pairing claim lost")
			q.requeueOrDrop(ctx, a)
			q.requeueOrDrop(ctx, b)
			return
		}

		q.Logger.WithFields(log.Fields{
			"session_id": sess.ID,
			"white":      sess.WhiteID,
			"black":      sess.BlackID,
			"wager":      sess.WagerAmount,
		}).Info("players paired")
		if q.OnMatch != nil {
			q.OnMatch(sess)
		}
	}
}

// pickPair removes and returns the two oldest same-wager entries, if any.
func (q *Queue) pickPair() (models.QueueEntry, models.QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tiers := make(map[int64][]models.QueueEntry)
	for _, e := range q.entries {
		tiers[e.Wager] = append(tiers[e.Wager], e)
	}
	for _, tier := range tiers {
		if len(tier) < 2 {
			continue
		}
		sort.Slice(tier, func(i, j int) bool { return tier[i].EnqueuedAt.Before(tier[j].EnqueuedAt) })
		a, b := tier[0], tier[1]
		delete(q.entries, a.UserID)
		delete(q.entries, b.UserID)
		return a, b, true
	}
	return models.QueueEntry{}, models.QueueEntry{}, false
}

// requeueOrDrop re-validates one picked entry after a lost pairing claim.
// An underfunded participant loses their durable row and is notified; a
// healthy one keeps their row and is restored locally with their original
// queue position.
func (q *Queue) requeueOrDrop(ctx context.Context, e models.QueueEntry) {
	balance, err := q.store.Balance(ctx, e.UserID)
	if err == nil && balance < e.Wager {
		if _, derr := q.store.DeleteQueueEntry(ctx, e.UserID); derr != nil {
			q.Logger.WithError(derr).WithField("user_id", e.UserID).Warn("failed to delete underfunded queue entry")
		}
		q.Logger.WithField("user_id", e.UserID).Info("dropped underfunded queue entry")
		if q.OnDrop != nil {
			q.OnDrop(e.UserID, ErrInsufficientFunds)
		}
		return
	}
	if err != nil {
		q.Logger.WithError(err).WithField("user_id", e.UserID).Warn("balance re-check failed; requeueing entry")
	}
	q.mu.Lock()
	q.entries[e.UserID] = e
	q.mu.Unlock()
}

func (q *Queue) restore(a, b models.QueueEntry) {
	q.mu.Lock()
	q.entries[a.UserID] = a
	q.entries[b.UserID] = b
	q.mu.Unlock()
}

// buildSession assembles the fresh session row. Colors are assigned
// randomly; the wager tier is shared by construction.
func (q *Queue) buildSession(a, b models.QueueEntry) models.GameSession {
	whiteID, blackID := a.UserID, b.UserID
	if n, err := rand.Int(rand.Reader, big.NewInt(2)); err == nil && n.Int64() == 1 {
		whiteID, blackID = blackID, whiteID
	}
	return models.GameSession{
		ID:           uuid.New(),
		WhiteID:      whiteID,
		BlackID:      blackID,
		BoardState:   chesskit.StartFEN,
		Turn:         models.White,
		WhiteTimeMs:  clock.DefaultInitialMs,
		BlackTimeMs:  clock.DefaultInitialMs,
		ClockRunning: false,
		Status:       models.SessionActive,
		WagerAmount:  a.Wager,
		CreatedAt:    q.nowFn(),
	}
}

// RunSweeper periodically removes entries older than TTL. Staleness is
// abandonment, not an error.
func (q *Queue) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(q.TTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.sweep(ctx)
		}
	}
}

func (q *Queue) sweep(ctx context.Context) {
	cutoff := q.nowFn().Add(-q.TTL)

	q.mu.Lock()
	var stale []uuid.UUID
	for id, e := range q.entries {
		if e.EnqueuedAt.Before(cutoff) {
			stale = append(stale, id)
			delete(q.entries, id)
		}
	}
	q.mu.Unlock()

	for _, id := range stale {
		if _, err := q.store.DeleteQueueEntry(ctx, id); err != nil {
			q.Logger.WithError(err).WithField("user_id", id).Warn("failed to sweep stale queue entry")
			continue
		}
		q.Logger.WithField("user_id", id).Info("swept stale queue entry")
	}
}
