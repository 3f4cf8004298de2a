// internal/settlement/engine.go
package settlement

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/kingside/gambit/internal/models"
)

// ErrAlreadySettled reports that another writer claimed the terminal
// transition first. A recoverable no-op for callers, never fatal.
var ErrAlreadySettled = errors.New("settlement: session already settled")

// Store is the persistence seam. SettleSession must flip the session row to
// the snapshot's terminal status iff it is still active and append the
// ledger entries in the same transaction, reporting whether the claim won.
// Settlement and the terminal state change succeed or fail together.
type Store interface {
	SettleSession(ctx context.Context, snapshot models.GameSession, entries []models.LedgerEntry) (bool, error)
}

// Result summarizes one settlement run.
type Result struct {
	SessionID models.GameSession
	Entries   []models.LedgerEntry
	Fee       int64
}

// Engine converts terminal session outcomes into ledger mutations exactly
// once. FeeRate is the pluggable house cut taken from the pot (default 0).
type Engine struct {
	store   Store
	FeeRate float64
	Logger  *log.Logger
}

func NewEngine(store Store, feeRate float64, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Engine{store: store, FeeRate: feeRate, Logger: logger}
}

// Settle runs the single settlement for a terminal snapshot. The snapshot
// must already carry the terminal status, winner, and end reason; the claim
// rides on the session's own terminal write.
func (e *Engine) Settle(ctx context.Context, snapshot models.GameSession) (Result, error) {
	if snapshot.Status == models.SessionActive {
		return Result{}, fmt.Errorf("settlement: snapshot for %s is not terminal", snapshot.ID)
	}

	entries, fee := ComputeEntries(snapshot, e.FeeRate)
	claimed, err := e.store.SettleSession(ctx, snapshot, entries)
	if err != nil {
		return Result{}, fmt.Errorf("settlement: session %s: %w", snapshot.ID, err)
	}
	if !claimed {
		e.Logger.WithField("session_id", snapshot.ID).Info("settlement claim lost, already settled")
		return Result{}, ErrAlreadySettled
	}

	e.Logger.WithFields(log.Fields{
		"session_id": snapshot.ID,
		"reason":     snapshot.EndReason,
		"entries":    len(entries),
		"fee":        fee,
	}).Info("session settled")
	return Result{SessionID: snapshot, Entries: entries, Fee: fee}, nil
}

// EscrowEntries are the stake debits written when a session is created, in
// the same transaction as the pairing. They are what makes the per-session
// ledger zero-sum at settlement time.
func EscrowEntries(s models.GameSession) []models.LedgerEntry {
	return []models.LedgerEntry{
		{UserID: s.WhiteID, Delta: -s.WagerAmount, Source: models.SourceGameWager, ReferenceID: s.ID},
		{UserID: s.BlackID, Delta: -s.WagerAmount, Source: models.SourceGameWager, ReferenceID: s.ID},
	}
}

// ComputeEntries maps a terminal outcome to settlement ledger entries.
// Decisive result: winner takes the pot (2x wager) minus the house fee.
// Draw or cancellation: both stakes refunded in full. With the escrow
// debits, entry sums per session are 0 with no fee and -fee otherwise.
func ComputeEntries(s models.GameSession, feeRate float64) ([]models.LedgerEntry, int64) {
	pot := 2 * s.WagerAmount

	if s.Status == models.SessionCancelled || s.Winner == nil {
		return []models.LedgerEntry{
			{UserID: s.WhiteID, Delta: s.WagerAmount, Source: models.SourceGameSettlement, ReferenceID: s.ID},
			{UserID: s.BlackID, Delta: s.WagerAmount, Source: models.SourceGameSettlement, ReferenceID: s.ID},
		}, 0
	}

	fee := int64(float64(pot) * feeRate)
	if fee < 0 {
		fee = 0
	}
	if fee > pot {
		fee = pot
	}
	return []models.LedgerEntry{
		{UserID: *s.Winner, Delta: pot - fee, Source: models.SourceGameSettlement, ReferenceID: s.ID},
	}, fee
}
