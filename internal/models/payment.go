// internal/models/payment.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// PaymentStatus is the lifecycle state of a deposit transaction.
// pending -> confirmed happens exactly once, guarded by an optimistic claim;
// a claimed transaction whose credit fails is reverted to pending so a later
// retry can complete it. confirmed and failed are terminal.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentFailed    PaymentStatus = "failed"
)

// PaymentTransaction mirrors a deposit at the external payment provider.
// OrderID is ours; PaymentID is the provider's.
type PaymentTransaction struct {
	ID           uuid.UUID     `json:"id"`
	UserID       uuid.UUID     `json:"user_id"`
	OrderID      string        `json:"order_id"`
	PaymentID    string        `json:"payment_id"`
	AmountUSD    float64       `json:"amount_usd"`
	AmountCrypto *float64      `json:"amount_crypto,omitempty"` // nil until confirmed
	Status       PaymentStatus `json:"status"`
	Attempts     int           `json:"attempts"` // failed credit attempts after a won claim
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// WithdrawalStatus is the lifecycle state of a withdrawal request.
type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalApproved   WithdrawalStatus = "approved"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalRejected   WithdrawalStatus = "rejected"
)

// WithdrawalRequest holds a user's request to pay out coins to an external
// address. The requested amount is debited from the ledger when the row is
// created; rejection refunds it atomically with the status flip.
type WithdrawalRequest struct {
	ID          uuid.UUID        `json:"id"`
	UserID      uuid.UUID        `json:"user_id"`
	Amount      int64            `json:"amount"` // coins
	Destination string           `json:"destination"`
	Status      WithdrawalStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}
