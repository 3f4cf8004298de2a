// internal/payments/ingest.go
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/kingside/gambit/internal/models"
)

// CoinsPerUSD is the fixed conversion rate applied to confirmed deposits.
const CoinsPerUSD = 100

// maxCreditAttempts bounds how many times a claimed-but-failed credit is
// reverted to pending before the transaction is parked as failed for
// operator review.
const maxCreditAttempts = 5

// ErrMissingSecret is the only ingestion failure severe enough to break the
// always-resolve webhook contract (surfaced as a 5xx upstream).
var ErrMissingSecret = errors.New("payments: IPN secret not configured")

// Store is the persistence seam for deposit ingestion.
type Store interface {
	// FindPaymentByOrderID and FindPaymentByPaymentID return (nil, nil)
	// when no transaction matches.
	FindPaymentByOrderID(ctx context.Context, orderID string) (*models.PaymentTransaction, error)
	FindPaymentByPaymentID(ctx context.Context, paymentID string) (*models.PaymentTransaction, error)
	// ClaimPaymentConfirmed flips pending -> confirmed iff still pending.
	ClaimPaymentConfirmed(ctx context.Context, id uuid.UUID) (bool, error)
	// CreditPayment appends the confirmation ledger entry and stamps the
	// confirmed crypto amount, atomically.
	CreditPayment(ctx context.Context, id uuid.UUID, entry models.LedgerEntry, amountCrypto *float64) error
	// RevertPaymentToPending is the compensating action after a failed
	// credit; it returns the updated attempt count.
	RevertPaymentToPending(ctx context.Context, id uuid.UUID) (int, error)
	// MarkPaymentFailed parks a transaction for operator review.
	MarkPaymentFailed(ctx context.Context, id uuid.UUID) error
}

// CallbackPayload is the subset of the provider IPN body we act on.
type CallbackPayload struct {
	PaymentStatus string      `json:"payment_status"`
	OrderID       string      `json:"order_id"`
	PaymentID     json.Number `json:"payment_id"`
	InvoiceID     json.Number `json:"invoice_id"`
	PriceAmount   float64     `json:"price_amount"`   // fiat (USD)
	OutcomeAmount float64     `json:"outcome_amount"` // crypto, as settled
	PayCurrency   string      `json:"pay_currency"`
}

// IngestStatus classifies the outcome of one callback delivery. Every
// status except a signature failure resolves the HTTP exchange with 200 so
// the provider never enters a retry storm.
type IngestStatus int

const (
	StatusCredited IngestStatus = iota
	StatusAlreadyProcessed
	StatusIgnored
	StatusNotFound
	StatusInvalidSignature
	StatusMalformed
	StatusCreditFailed
)

// IngestResult is the business outcome reported back to the webhook layer.
type IngestResult struct {
	Status  IngestStatus
	Message string
}

// Ingestor applies verified provider callbacks to the ledger exactly once.
type Ingestor struct {
	store  Store
	secret string
	Logger *log.Logger
}

func NewIngestor(store Store, secret string, logger *log.Logger) *Ingestor {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Ingestor{store: store, secret: secret, Logger: logger}
}

// Ingest runs the full pipeline for one raw callback delivery: signature
// verification, status filter, transaction lookup, idempotent claim, and
// balance credit with compensating revert. Only a missing secret or a
// datastore-level failure propagates as a non-nil error.
func (in *Ingestor) Ingest(ctx context.Context, raw []byte, signature string) (IngestResult, error) {
	if in.secret == "" {
		return IngestResult{}, ErrMissingSecret
	}

	if err := VerifySignature(raw, signature, in.secret); err != nil {
		if errors.Is(err, ErrMalformedPayload) {
			return IngestResult{Status: StatusMalformed, Message: "Malformed payload"}, nil
		}
		in.Logger.WithField("signature", signature).Warn("rejected IPN with invalid signature")
		return IngestResult{Status: StatusInvalidSignature, Message: "Invalid signature"}, nil
	}

	var payload CallbackPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return IngestResult{Status: StatusMalformed, Message: "Malformed payload"}, nil
	}

	// Only a finished payment proceeds; everything else is acknowledged
	// and logged, never applied.
	if payload.PaymentStatus != "finished" {
		in.Logger.WithFields(log.Fields{
			"order_id": payload.OrderID,
			"status":   payload.PaymentStatus,
		}).Info("ignoring non-finished payment status")
		return IngestResult{Status: StatusIgnored, Message: fmt.Sprintf("Status %q ignored", payload.PaymentStatus)}, nil
	}

	tx, err := in.lookup(ctx, payload)
	if err != nil {
		return IngestResult{}, err
	}
	if tx == nil {
		// Never fabricate a transaction from an untrusted callback.
		in.Logger.WithFields(log.Fields{
			"order_id":   payload.OrderID,
			"payment_id": payload.PaymentID.String(),
		}).Warn("IPN references unknown transaction")
		return IngestResult{Status: StatusNotFound, Message: "Unknown transaction"}, nil
	}

	claimed, err := in.store.ClaimPaymentConfirmed(ctx, tx.ID)
	if err != nil {
		return IngestResult{}, fmt.Errorf("payments: confirm claim for %s: %w", tx.ID, err)
	}
	if !claimed {
		return IngestResult{Status: StatusAlreadyProcessed, Message: "Already processed"}, nil
	}

	coins := int64(math.Floor(tx.AmountUSD * CoinsPerUSD))
	entry := models.LedgerEntry{
		UserID:      tx.UserID,
		Delta:       coins,
		Source:      models.SourcePaymentConfirmation,
		ReferenceID: tx.ID,
	}
	var crypto *float64
	if payload.OutcomeAmount > 0 {
		crypto = &payload.OutcomeAmount
	}
	if err := in.store.CreditPayment(ctx, tx.ID, entry, crypto); err != nil {
		in.revert(ctx, tx.ID, err)
		return IngestResult{Status: StatusCreditFailed, Message: "Credit failed, transaction reverted for retry"}, nil
	}

	in.Logger.WithFields(log.Fields{
		"transaction_id": tx.ID,
		"user_id":        tx.UserID,
		"coins":          coins,
	}).Info("payment confirmed and credited")
	return IngestResult{Status: StatusCredited, Message: fmt.Sprintf("Credited %d coins", coins)}, nil
}

// lookup resolves the internal transaction by our order id first, falling
// back to the provider's payment then invoice id.
func (in *Ingestor) lookup(ctx context.Context, payload CallbackPayload) (*models.PaymentTransaction, error) {
	if payload.OrderID != "" {
		tx, err := in.store.FindPaymentByOrderID(ctx, payload.OrderID)
		if err != nil {
			return nil, fmt.Errorf("payments: lookup order %s: %w", payload.OrderID, err)
		}
		if tx != nil {
			return tx, nil
		}
	}
	for _, id := range []string{payload.PaymentID.String(), payload.InvoiceID.String()} {
		if id == "" {
			continue
		}
		tx, err := in.store.FindPaymentByPaymentID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("payments: lookup payment %s: %w", id, err)
		}
		if tx != nil {
			return tx, nil
		}
	}
	return nil, nil
}

// revert is the compensating action for a credit failure after a won claim:
// the transaction goes back to pending so a later provider or operator
// retry can complete it, up to maxCreditAttempts.
func (in *Ingestor) revert(ctx context.Context, id uuid.UUID, cause error) {
	attempts, err := in.store.RevertPaymentToPending(ctx, id)
	if err != nil {
		in.Logger.WithError(err).WithField("transaction_id", id).Error("failed to revert claimed payment; manual review required")
		return
	}
	in.Logger.WithError(cause).WithFields(log.Fields{
		"transaction_id": id,
		"attempts":       attempts,
	}).Warn("credit failed after claim, transaction reverted to pending")

	if attempts >= maxCreditAttempts {
		if err := in.store.MarkPaymentFailed(ctx, id); err != nil {
			in.Logger.WithError(err).WithField("transaction_id", id).Error("failed to park exhausted payment transaction")
			return
		}
		in.Logger.WithField("transaction_id", id).Error("payment credit attempts exhausted, parked as failed")
	}
}
