// internal/database/withdrawal.go
package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kingside/gambit/internal/models"
)

// CreateWithdrawal inserts the pending request and its hold debit in one
// transaction, holding the user row lock across the balance check.
func CreateWithdrawal(ctx context.Context, w *models.WithdrawalRequest, hold models.LedgerEntry) error {
	err := pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if err := lockUserTx(ctx, tx, w.UserID); err != nil {
			return err
		}
		balance, err := balanceTx(ctx, tx, w.UserID)
		if err != nil {
			return err
		}
		if balance < w.Amount {
			return ErrInsufficientFunds
		}

		q := `
			INSERT INTO withdrawal_requests
				(id, user_id, amount, destination, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 'pending', NOW(), NOW())
		`
		if _, err := tx.Exec(ctx, q, w.ID, w.UserID, w.Amount, w.Destination); err != nil {
			return err
		}
		return insertLedgerEntryTx(ctx, tx, hold)
	})
	if err != nil {
		return fmt.Errorf("create withdrawal for %s: %w", w.UserID, err)
	}
	return nil
}

// ClaimWithdrawalStatus flips from -> to iff the row still holds from.
func ClaimWithdrawalStatus(ctx context.Context, id uuid.UUID, from, to models.WithdrawalStatus) (bool, error) {
	q := `
		UPDATE withdrawal_requests
		SET status=$1, updated_at=NOW()
		WHERE id=$2 AND status=$3
	`
	return Claim(ctx, DB, q, to, id, from)
}

// RejectWithdrawal flips pending -> rejected and refunds the hold in the
// same transaction; the refund and the status flip succeed or fail
// together.
func RejectWithdrawal(ctx context.Context, id uuid.UUID, refund models.LedgerEntry) (bool, error) {
	claimed := false
	err := pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		q := `
			UPDATE withdrawal_requests
			SET status='rejected', updated_at=NOW()
			WHERE id=$1 AND status='pending'
		`
		ok, err := Claim(ctx, tx, q, id)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := insertLedgerEntryTx(ctx, tx, refund); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("reject withdrawal %s: %w", id, err)
	}
	return claimed, nil
}

// GetWithdrawal loads one withdrawal request.
func GetWithdrawal(ctx context.Context, id uuid.UUID) (*models.WithdrawalRequest, error) {
	var w models.WithdrawalRequest
	q := `
		SELECT id, user_id, amount, destination, status, created_at, updated_at
		FROM withdrawal_requests
		WHERE id=$1
	`
	err := DB.QueryRow(ctx, q, id).Scan(
		&w.ID, &w.UserID, &w.Amount, &w.Destination, &w.Status, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}
