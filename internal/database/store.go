// internal/database/store.go
package database

import (
	"context"

	"github.com/google/uuid"

	"github.com/kingside/gambit/internal/models"
)

// Store adapts this package's functions to the persistence seams consumed
// by matchmaking, settlement, and payments. It carries no state of its own;
// all methods run against the shared pool.
type Store struct{}

func NewStore() *Store { return &Store{} }

// matchmaking.Store

func (Store) InsertQueueEntry(ctx context.Context, e models.QueueEntry) error {
	return InsertQueueEntry(ctx, e)
}

func (Store) DeleteQueueEntry(ctx context.Context, userID uuid.UUID) (bool, error) {
	return DeleteQueueEntry(ctx, userID)
}

func (Store) PairAndCreateSession(ctx context.Context, a, b models.QueueEntry, s models.GameSession, escrow []models.LedgerEntry) (bool, error) {
	return PairAndCreateSession(ctx, a, b, s, escrow)
}

func (Store) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	return Balance(ctx, userID)
}

// settlement.Store

func (Store) SettleSession(ctx context.Context, snapshot models.GameSession, entries []models.LedgerEntry) (bool, error) {
	return SettleSession(ctx, snapshot, entries)
}

// payments.Store

func (Store) FindPaymentByOrderID(ctx context.Context, orderID string) (*models.PaymentTransaction, error) {
	return FindPaymentByOrderID(ctx, orderID)
}

func (Store) FindPaymentByPaymentID(ctx context.Context, paymentID string) (*models.PaymentTransaction, error) {
	return FindPaymentByPaymentID(ctx, paymentID)
}

func (Store) ClaimPaymentConfirmed(ctx context.Context, id uuid.UUID) (bool, error) {
	return ClaimPaymentConfirmed(ctx, id)
}

func (Store) CreditPayment(ctx context.Context, id uuid.UUID, entry models.LedgerEntry, amountCrypto *float64) error {
	return CreditPayment(ctx, id, entry, amountCrypto)
}

func (Store) RevertPaymentToPending(ctx context.Context, id uuid.UUID) (int, error) {
	return RevertPaymentToPending(ctx, id)
}

func (Store) MarkPaymentFailed(ctx context.Context, id uuid.UUID) error {
	return MarkPaymentFailed(ctx, id)
}

// payments.WithdrawalStore

func (Store) CreateWithdrawal(ctx context.Context, w *models.WithdrawalRequest, hold models.LedgerEntry) error {
	return CreateWithdrawal(ctx, w, hold)
}

func (Store) ClaimWithdrawalStatus(ctx context.Context, id uuid.UUID, from, to models.WithdrawalStatus) (bool, error) {
	return ClaimWithdrawalStatus(ctx, id, from, to)
}

func (Store) RejectWithdrawal(ctx context.Context, id uuid.UUID, refund models.LedgerEntry) (bool, error) {
	return RejectWithdrawal(ctx, id, refund)
}

func (Store) GetWithdrawal(ctx context.Context, id uuid.UUID) (*models.WithdrawalRequest, error) {
	return GetWithdrawal(ctx, id)
}
