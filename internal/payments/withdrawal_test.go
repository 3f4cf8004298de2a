// internal/payments/withdrawal_test.go
package payments

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingside/gambit/internal/models"
)

type fakeWithdrawalStore struct {
	requests map[uuid.UUID]*models.WithdrawalRequest
	entries  []models.LedgerEntry
}

func newFakeWithdrawalStore() *fakeWithdrawalStore {
	return &fakeWithdrawalStore{requests: make(map[uuid.UUID]*models.WithdrawalRequest)}
}

func (f *fakeWithdrawalStore) CreateWithdrawal(ctx context.Context, w *models.WithdrawalRequest, hold models.LedgerEntry) error {
	f.requests[w.ID] = w
	f.entries = append(f.entries, hold)
	return nil
}

func (f *fakeWithdrawalStore) ClaimWithdrawalStatus(ctx context.Context, id uuid.UUID, from, to models.WithdrawalStatus) (bool, error) {
	w, ok := f.requests[id]
	if !ok || w.Status != from {
		return false, nil
	}
	w.Status = to
	return true, nil
}

func (f *fakeWithdrawalStore) RejectWithdrawal(ctx context.Context, id uuid.UUID, refund models.LedgerEntry) (bool, error) {
	w, ok := f.requests[id]
	if !ok || w.Status != models.WithdrawalPending {
		return false, nil
	}
	w.Status = models.WithdrawalRejected
	f.entries = append(f.entries, refund)
	return true, nil
}

func (f *fakeWithdrawalStore) GetWithdrawal(ctx context.Context, id uuid.UUID) (*models.WithdrawalRequest, error) {
	return f.requests[id], nil
}

func TestWithdrawalRequestDebitsHold(t *testing.T) {
	store := newFakeWithdrawalStore()
	wd := NewWithdrawals(store, nil)
	userID := uuid.New()

	req, err := wd.Request(context.Background(), userID, 500, "addr-1")
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalPending, req.Status)

	require.Len(t, store.entries, 1)
	hold := store.entries[0]
	assert.Equal(t, userID, hold.UserID)
	assert.Equal(t, int64(-500), hold.Delta)
	assert.Equal(t, models.SourceWithdrawalPayout, hold.Source)
	assert.Equal(t, req.ID, hold.ReferenceID)
}

func TestWithdrawalRequestRejectsNonPositiveAmount(t *testing.T) {
	wd := NewWithdrawals(newFakeWithdrawalStore(), nil)
	_, err := wd.Request(context.Background(), uuid.New(), 0, "addr-1")
	assert.Error(t, err)
	_, err = wd.Request(context.Background(), uuid.New(), -10, "addr-1")
	assert.Error(t, err)
}

func TestWithdrawalRejectRefundsHold(t *testing.T) {
	store := newFakeWithdrawalStore()
	wd := NewWithdrawals(store, nil)
	userID := uuid.New()

	req, err := wd.Request(context.Background(), userID, 500, "addr-1")
	require.NoError(t, err)

	require.NoError(t, wd.Reject(context.Background(), req.ID))
	require.Len(t, store.entries, 2)
	refund := store.entries[1]
	assert.Equal(t, int64(500), refund.Delta)
	assert.Equal(t, models.SourceWithdrawalReject, refund.Source)

	// Hold plus refund nets to zero.
	assert.Equal(t, int64(0), store.entries[0].Delta+refund.Delta)

	// A duplicate reject is a conflict, never a second refund.
	assert.ErrorIs(t, wd.Reject(context.Background(), req.ID), ErrWithdrawalConflict)
	assert.Len(t, store.entries, 2)
}

func TestWithdrawalLifecycleClaims(t *testing.T) {
	store := newFakeWithdrawalStore()
	wd := NewWithdrawals(store, nil)

	req, err := wd.Request(context.Background(), uuid.New(), 100, "addr-1")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, wd.Approve(ctx, req.ID))
	assert.Equal(t, models.WithdrawalApproved, store.requests[req.ID].Status)

	// Skipping a step is a conflict.
	assert.ErrorIs(t, wd.Complete(ctx, req.ID), ErrWithdrawalConflict)

	require.NoError(t, wd.BeginProcessing(ctx, req.ID))
	require.NoError(t, wd.Complete(ctx, req.ID))
	assert.Equal(t, models.WithdrawalCompleted, store.requests[req.ID].Status)

	// Duplicate operator action on a completed request is a no-op conflict.
	assert.ErrorIs(t, wd.Complete(ctx, req.ID), ErrWithdrawalConflict)

	// An approved-then-rejected path cannot happen once processing started.
	assert.ErrorIs(t, wd.Reject(ctx, req.ID), ErrWithdrawalConflict)

	// The only ledger record is the original hold; completion pays out of it.
	assert.Len(t, store.entries, 1)
}
