// internal/models/ledger.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// LedgerSource identifies what produced a ledger entry.
type LedgerSource string

const (
	// SourceGameWager is the escrow debit written when a session is created.
	SourceGameWager LedgerSource = "game_wager"
	// SourceGameSettlement is a payout or refund written when a session
	// reaches a terminal status.
	SourceGameSettlement LedgerSource = "game_settlement"
	// SourcePaymentConfirmation is a credit from a confirmed deposit.
	SourcePaymentConfirmation LedgerSource = "payment_confirmation"
	// SourceWithdrawalPayout is the hold debit written when a withdrawal is
	// requested.
	SourceWithdrawalPayout LedgerSource = "withdrawal_payout"
	// SourceWithdrawalReject is the refund written when a pending withdrawal
	// is rejected.
	SourceWithdrawalReject LedgerSource = "withdrawal_reject"
)

// LedgerEntry is an immutable signed balance delta. The sum of a user's
// entries is their spendable balance; entries are never updated or deleted,
// corrections are new offsetting entries.
type LedgerEntry struct {
	ID          int64        `json:"id"`
	UserID      uuid.UUID    `json:"user_id"`
	Delta       int64        `json:"delta"` // coins, signed
	Source      LedgerSource `json:"source"`
	ReferenceID uuid.UUID    `json:"reference_id"` // session or payment/withdrawal id
	CreatedAt   time.Time    `json:"created_at"`
}
