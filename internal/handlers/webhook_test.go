// internal/handlers/webhook_test.go
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingside/gambit/internal/models"
	"github.com/kingside/gambit/internal/payments"
)

const webhookTestSecret = "webhook-secret"

// stubPaymentStore satisfies payments.Store with a single known transaction.
type stubPaymentStore struct {
	tx       *models.PaymentTransaction
	credited int
}

func (s *stubPaymentStore) FindPaymentByOrderID(ctx context.Context, orderID string) (*models.PaymentTransaction, error) {
	if s.tx != nil && s.tx.OrderID == orderID {
		return s.tx, nil
	}
	return nil, nil
}

func (s *stubPaymentStore) FindPaymentByPaymentID(ctx context.Context, paymentID string) (*models.PaymentTransaction, error) {
	if s.tx != nil && s.tx.PaymentID == paymentID {
		return s.tx, nil
	}
	return nil, nil
}

func (s *stubPaymentStore) ClaimPaymentConfirmed(ctx context.Context, id uuid.UUID) (bool, error) {
	if s.tx == nil || s.tx.ID != id || s.tx.Status != models.PaymentPending {
		return false, nil
	}
	s.tx.Status = models.PaymentConfirmed
	return true, nil
}

func (s *stubPaymentStore) CreditPayment(ctx context.Context, id uuid.UUID, entry models.LedgerEntry, amountCrypto *float64) error {
	s.credited++
	return nil
}

func (s *stubPaymentStore) RevertPaymentToPending(ctx context.Context, id uuid.UUID) (int, error) {
	s.tx.Status = models.PaymentPending
	s.tx.Attempts++
	return s.tx.Attempts, nil
}

func (s *stubPaymentStore) MarkPaymentFailed(ctx context.Context, id uuid.UUID) error {
	s.tx.Status = models.PaymentFailed
	return nil
}

func newWebhookServer(store payments.Store, secret string) (*ArenaServer, http.HandlerFunc) {
	logger := logrus.New()
	srv := &ArenaServer{
		Ingestor: payments.NewIngestor(store, secret, logger),
		Logger:   logger,
	}
	return srv, PaymentWebhookHandler(logger, srv)
}

func postIPN(t *testing.T, handler http.HandlerFunc, payload map[string]interface{}, secret string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/payments/ipn", bytes.NewReader(body))
	if secret != "" {
		sig, err := payments.ComputeSignature(body, secret)
		require.NoError(t, err)
		req.Header.Set("x-nowpayments-sig", sig)
	}
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestWebhookRejectsNonPost(t *testing.T) {
	_, handler := newWebhookServer(&stubPaymentStore{}, webhookTestSecret)

	req := httptest.NewRequest(http.MethodGet, "/payments/ipn", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebhookMissingSecretIs500(t *testing.T) {
	_, handler := newWebhookServer(&stubPaymentStore{}, "")

	rec := postIPN(t, handler, map[string]interface{}{"payment_status": "finished"}, "any")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWebhookInvalidSignatureIs401(t *testing.T) {
	store := &stubPaymentStore{tx: &models.PaymentTransaction{
		ID: uuid.New(), UserID: uuid.New(), OrderID: "ord-1", AmountUSD: 10, Status: models.PaymentPending,
	}}
	_, handler := newWebhookServer(store, webhookTestSecret)

	rec := postIPN(t, handler, map[string]interface{}{
		"payment_status": "finished",
		"order_id":       "ord-1",
	}, "wrong-secret")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, store.credited)
}

func TestWebhookCreditsAndAcknowledges(t *testing.T) {
	store := &stubPaymentStore{tx: &models.PaymentTransaction{
		ID: uuid.New(), UserID: uuid.New(), OrderID: "ord-1", AmountUSD: 10, Status: models.PaymentPending,
	}}
	_, handler := newWebhookServer(store, webhookTestSecret)

	rec := postIPN(t, handler, map[string]interface{}{
		"payment_status": "finished",
		"order_id":       "ord-1",
	}, webhookTestSecret)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, store.credited)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp, "message")
}

func TestWebhookAcknowledgesBenignOutcomes(t *testing.T) {
	store := &stubPaymentStore{tx: &models.PaymentTransaction{
		ID: uuid.New(), UserID: uuid.New(), OrderID: "ord-1", AmountUSD: 10, Status: models.PaymentPending,
	}}
	_, handler := newWebhookServer(store, webhookTestSecret)

	// Non-finished status, unknown transaction, and replays must all
	// resolve 200 so the provider never enters a retry storm.
	rec := postIPN(t, handler, map[string]interface{}{
		"payment_status": "waiting",
		"order_id":       "ord-1",
	}, webhookTestSecret)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = postIPN(t, handler, map[string]interface{}{
		"payment_status": "finished",
		"order_id":       "no-such-order",
	}, webhookTestSecret)
	assert.Equal(t, http.StatusOK, rec.Code)

	finished := map[string]interface{}{
		"payment_status": "finished",
		"order_id":       "ord-1",
	}
	rec = postIPN(t, handler, finished, webhookTestSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = postIPN(t, handler, finished, webhookTestSecret)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, store.credited)
}
