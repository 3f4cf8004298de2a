// internal/payments/withdrawal.go
package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/kingside/gambit/internal/models"
)

// ErrWithdrawalConflict reports a status claim lost to a concurrent
// transition; callers treat it as already-processed.
var ErrWithdrawalConflict = errors.New("payments: withdrawal already processed")

// WithdrawalStore is the persistence seam for withdrawal lifecycle steps.
type WithdrawalStore interface {
	// CreateWithdrawal inserts the pending request and debits the hold
	// entry atomically, failing when the user's ledger balance is short.
	CreateWithdrawal(ctx context.Context, w *models.WithdrawalRequest, hold models.LedgerEntry) error
	// ClaimWithdrawalStatus flips from -> to iff the row still holds from.
	ClaimWithdrawalStatus(ctx context.Context, id uuid.UUID, from, to models.WithdrawalStatus) (bool, error)
	// RejectWithdrawal flips pending -> rejected and appends the refund
	// entry in the same transaction.
	RejectWithdrawal(ctx context.Context, id uuid.UUID, refund models.LedgerEntry) (bool, error)
	GetWithdrawal(ctx context.Context, id uuid.UUID) (*models.WithdrawalRequest, error)
}

// Withdrawals drives the withdrawal request state machine. Every step is a
// conditional claim, so duplicate operator actions are no-ops.
type Withdrawals struct {
	store  WithdrawalStore
	Logger *log.Logger
}

func NewWithdrawals(store WithdrawalStore, logger *log.Logger) *Withdrawals {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Withdrawals{store: store, Logger: logger}
}

// Request debits the hold and creates the pending request atomically.
func (w *Withdrawals) Request(ctx context.Context, userID uuid.UUID, amount int64, destination string) (*models.WithdrawalRequest, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("payments: invalid withdrawal amount %d", amount)
	}
	req := &models.WithdrawalRequest{
		ID:          uuid.New(),
		UserID:      userID,
		Amount:      amount,
		Destination: destination,
		Status:      models.WithdrawalPending,
	}
	hold := models.LedgerEntry{
		UserID:      userID,
		Delta:       -amount,
		Source:      models.SourceWithdrawalPayout,
		ReferenceID: req.ID,
	}
	if err := w.store.CreateWithdrawal(ctx, req, hold); err != nil {
		return nil, err
	}
	w.Logger.WithFields(log.Fields{
		"withdrawal_id": req.ID,
		"user_id":       userID,
		"amount":        amount,
	}).Info("withdrawal requested, hold debited")
	return req, nil
}

// Reject flips pending -> rejected and refunds the hold in one transaction.
func (w *Withdrawals) Reject(ctx context.Context, id uuid.UUID) error {
	req, err := w.store.GetWithdrawal(ctx, id)
	if err != nil {
		return err
	}
	refund := models.LedgerEntry{
		UserID:      req.UserID,
		Delta:       req.Amount,
		Source:      models.SourceWithdrawalReject,
		ReferenceID: req.ID,
	}
	claimed, err := w.store.RejectWithdrawal(ctx, id, refund)
	if err != nil {
		return fmt.Errorf("payments: reject withdrawal %s: %w", id, err)
	}
	if !claimed {
		return ErrWithdrawalConflict
	}
	w.Logger.WithField("withdrawal_id", id).Info("withdrawal rejected, hold refunded")
	return nil
}

// Approve claims pending -> approved.
func (w *Withdrawals) Approve(ctx context.Context, id uuid.UUID) error {
	return w.claim(ctx, id, models.WithdrawalPending, models.WithdrawalApproved)
}

// BeginProcessing claims approved -> processing before the payout is
// handed to the provider.
func (w *Withdrawals) BeginProcessing(ctx context.Context, id uuid.UUID) error {
	return w.claim(ctx, id, models.WithdrawalApproved, models.WithdrawalProcessing)
}

// Complete claims processing -> completed once the payout settles. The hold
// debit written at request time is the payout's ledger record.
func (w *Withdrawals) Complete(ctx context.Context, id uuid.UUID) error {
	return w.claim(ctx, id, models.WithdrawalProcessing, models.WithdrawalCompleted)
}

func (w *Withdrawals) claim(ctx context.Context, id uuid.UUID, from, to models.WithdrawalStatus) error {
	claimed, err := w.store.ClaimWithdrawalStatus(ctx, id, from, to)
	if err != nil {
		return fmt.Errorf("payments: withdrawal %s %s->%s: %w", id, from, to, err)
	}
	if !claimed {
		return ErrWithdrawalConflict
	}
	w.Logger.WithFields(log.Fields{"withdrawal_id": id, "status": to}).Info("withdrawal transitioned")
	return nil
}
