// internal/handlers/webhook.go
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/kingside/gambit/internal/payments"
)

// ipnSignatureHeader carries the provider's HMAC-SHA512 signature over the
// callback body.
const ipnSignatureHeader = "x-nowpayments-sig"

// PaymentWebhookHandler ingests provider payment callbacks. The contract is
// to always resolve: every delivery is answered 200 with a JSON message
// unless the signature fails (401) or the server itself cannot process the
// callback at all (500). The provider retries non-2xx responses, so a 500 is
// reserved for genuinely retryable server faults.
func PaymentWebhookHandler(logger *logrus.Logger, s *ArenaServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read request body"})
			return
		}

		result, err := s.Ingestor.Ingest(r.Context(), body, r.Header.Get(ipnSignatureHeader))
		if err != nil {
			if errors.Is(err, payments.ErrMissingSecret) {
				logger.Error("IPN received but no secret is configured")
			} else {
				logger.Errorf("IPN ingestion failed: %v", err)
			}
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to process callback"})
			return
		}

		if result.Status == payments.StatusInvalidSignature {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": result.Message})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": result.Message})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
