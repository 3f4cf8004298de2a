// internal/database/ledger.go
package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kingside/gambit/internal/models"
)

// insertLedgerEntryTx appends one immutable entry. The unique index on
// (user_id, source, reference_id) is the backstop that makes replayed
// settlement or credit attempts detectable at the storage layer.
func insertLedgerEntryTx(ctx context.Context, tx pgx.Tx, e models.LedgerEntry) error {
	q := `
		INSERT INTO ledger_entries (user_id, delta, source, reference_id, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`
	if _, err := tx.Exec(ctx, q, e.UserID, e.Delta, e.Source, e.ReferenceID); err != nil {
		return fmt.Errorf("insert ledger entry (%s/%s): %w", e.Source, e.ReferenceID, err)
	}
	return nil
}

// Balance is the sum of a user's ledger entries; the ledger is the single
// source of truth, there is no denormalized balance column to drift.
func Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	var balance int64
	q := `SELECT COALESCE(SUM(delta), 0) FROM ledger_entries WHERE user_id=$1`
	if err := DB.QueryRow(ctx, q, userID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("balance for %s: %w", userID, err)
	}
	return balance, nil
}

// balanceTx reads a balance inside a transaction, used by spend paths that
// hold the user row lock.
func balanceTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (int64, error) {
	var balance int64
	q := `SELECT COALESCE(SUM(delta), 0) FROM ledger_entries WHERE user_id=$1`
	if err := tx.QueryRow(ctx, q, userID).Scan(&balance); err != nil {
		return 0, err
	}
	return balance, nil
}

// lockUserTx serializes spend transactions for one user. Ledger entries are
// append-only, so concurrent debits must queue on the user row to keep the
// balance check honest.
func lockUserTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
	_, err := tx.Exec(ctx, `SELECT 1 FROM users WHERE id=$1 FOR UPDATE`, userID)
	return err
}

// EntriesByReference lists all entries written against one reference id
// (session, payment, or withdrawal), for audit.
func EntriesByReference(ctx context.Context, referenceID uuid.UUID) ([]models.LedgerEntry, error) {
	q := `
		SELECT id, user_id, delta, source, reference_id, created_at
		FROM ledger_entries
		WHERE reference_id=$1
		ORDER BY id
	`
	rows, err := DB.Query(ctx, q, referenceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Delta, &e.Source, &e.ReferenceID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
