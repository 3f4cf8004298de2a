// internal/database/payment.go
package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kingside/gambit/internal/models"
)

// CreatePaymentTransaction records a newly initiated deposit in pending
// status before the provider invoice is handed to the user.
func CreatePaymentTransaction(ctx context.Context, t *models.PaymentTransaction) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.Status = models.PaymentPending
	q := `
		INSERT INTO payment_transactions
			(id, user_id, order_id, payment_id, amount_usd, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', 0, NOW(), NOW())
	`
	if _, err := DB.Exec(ctx, q, t.ID, t.UserID, t.OrderID, t.PaymentID, t.AmountUSD); err != nil {
		return fmt.Errorf("insert payment transaction %s: %w", t.OrderID, err)
	}
	return nil
}

const paymentColumns = `
	id, user_id, order_id, payment_id, amount_usd, amount_crypto,
	status, attempts, created_at, updated_at
`

func scanPayment(row pgx.Row) (*models.PaymentTransaction, error) {
	var t models.PaymentTransaction
	err := row.Scan(
		&t.ID, &t.UserID, &t.OrderID, &t.PaymentID, &t.AmountUSD, &t.AmountCrypto,
		&t.Status, &t.Attempts, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// FindPaymentByOrderID returns (nil, nil) when no transaction matches.
func FindPaymentByOrderID(ctx context.Context, orderID string) (*models.PaymentTransaction, error) {
	q := `SELECT ` + paymentColumns + ` FROM payment_transactions WHERE order_id=$1`
	return scanPayment(DB.QueryRow(ctx, q, orderID))
}

// FindPaymentByPaymentID returns (nil, nil) when no transaction matches.
func FindPaymentByPaymentID(ctx context.Context, paymentID string) (*models.PaymentTransaction, error) {
	q := `SELECT ` + paymentColumns + ` FROM payment_transactions WHERE payment_id=$1`
	return scanPayment(DB.QueryRow(ctx, q, paymentID))
}

// ClaimPaymentConfirmed flips pending -> confirmed iff still pending. The
// winner of this claim is the only caller allowed to credit.
func ClaimPaymentConfirmed(ctx context.Context, id uuid.UUID) (bool, error) {
	q := `
		UPDATE payment_transactions
		SET status='confirmed', updated_at=NOW()
		WHERE id=$1 AND status='pending'
	`
	return Claim(ctx, DB, q, id)
}

// CreditPayment appends the confirmation entry and stamps the settled
// crypto amount atomically.
func CreditPayment(ctx context.Context, id uuid.UUID, entry models.LedgerEntry, amountCrypto *float64) error {
	return pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if err := insertLedgerEntryTx(ctx, tx, entry); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE payment_transactions SET amount_crypto=$1, updated_at=NOW() WHERE id=$2`,
			amountCrypto, id,
		)
		return err
	})
}

// RevertPaymentToPending is the compensating action after a failed credit:
// confirmed -> pending with the attempt counter bumped, so a later retry
// can complete the deposit instead of losing it.
func RevertPaymentToPending(ctx context.Context, id uuid.UUID) (int, error) {
	var attempts int
	q := `
		UPDATE payment_transactions
		SET status='pending', attempts=attempts+1, updated_at=NOW()
		WHERE id=$1 AND status='confirmed'
		RETURNING attempts
	`
	if err := DB.QueryRow(ctx, q, id).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("revert payment %s: %w", id, err)
	}
	return attempts, nil
}

// MarkPaymentFailed parks a transaction whose credit attempts are
// exhausted; terminal, operator review required.
func MarkPaymentFailed(ctx context.Context, id uuid.UUID) error {
	q := `
		UPDATE payment_transactions
		SET status='failed', updated_at=NOW()
		WHERE id=$1 AND status='pending'
	`
	_, err := DB.Exec(ctx, q, id)
	return err
}
