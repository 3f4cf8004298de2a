// internal/database/queue.go
package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kingside/gambit/internal/models"
)

// ErrInsufficientFunds is raised by spend transactions (pairing escrow,
// withdrawal holds) when the ledger balance cannot cover the debit.
var ErrInsufficientFunds = errors.New("database: insufficient ledger balance")

// errPairLost aborts the pairing transaction when a queue entry was already
// consumed; mapped to a clean (false, nil) claim result.
var errPairLost = errors.New("database: pairing claim lost")

// InsertQueueEntry persists a waiting entry. The primary key on user_id
// enforces at most one live entry per participant.
func InsertQueueEntry(ctx context.Context, e models.QueueEntry) error {
	q := `
		INSERT INTO queue_entries (user_id, wager, enqueued_at)
		VALUES ($1, $2, $3)
	`
	if _, err := DB.Exec(ctx, q, e.UserID, e.Wager, e.EnqueuedAt); err != nil {
		return fmt.Errorf("insert queue entry for %s: %w", e.UserID, err)
	}
	return nil
}

// DeleteQueueEntry removes a participant's entry, reporting whether one
// existed.
func DeleteQueueEntry(ctx context.Context, userID uuid.UUID) (bool, error) {
	return Claim(ctx, DB, `DELETE FROM queue_entries WHERE user_id=$1`, userID)
}

// PairAndCreateSession is the atomic pairing step: both queue entries are
// conditionally deleted, both stakes are escrowed, and exactly one session
// row is created, all in one transaction. If either entry is gone or
// either balance is short, nothing happens and the claim reports false, so
// no entry can feed two sessions and no session can outlive its entries.
func PairAndCreateSession(ctx context.Context, a, b models.QueueEntry, s models.GameSession, escrow []models.LedgerEntry) (bool, error) {
	err := pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		// Lock both user rows in a stable order to serialize concurrent
		// spends without deadlocking.
		first, second := a.UserID, b.UserID
		if second.String() < first.String() {
			first, second = second, first
		}
		if err := lockUserTx(ctx, tx, first); err != nil {
			return err
		}
		if err := lockUserTx(ctx, tx, second); err != nil {
			return err
		}

		for _, e := range []models.QueueEntry{a, b} {
			ok, err := Claim(ctx, tx, `DELETE FROM queue_entries WHERE user_id=$1 AND wager=$2`, e.UserID, e.Wager)
			if err != nil {
				return err
			}
			if !ok {
				return errPairLost
			}
			balance, err := balanceTx(ctx, tx, e.UserID)
			if err != nil {
				return err
			}
			if balance < e.Wager {
				return ErrInsufficientFunds
			}
		}

		if err := insertSessionTx(ctx, tx, s); err != nil {
			return err
		}
		for _, entry := range escrow {
			if err := insertLedgerEntryTx(ctx, tx, entry); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, errPairLost) || errors.Is(err, ErrInsufficientFunds) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pair %s/%s: %w", a.UserID, b.UserID, err)
	}
	return true, nil
}
