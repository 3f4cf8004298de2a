// internal/handlers/wallet.go
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kingside/gambit/internal/auth"
	"github.com/kingside/gambit/internal/database"
	"github.com/kingside/gambit/internal/models"
	"github.com/kingside/gambit/internal/payments"
)

// requireUser authenticates the request from the auth_token cookie.
func requireUser(r *http.Request) (uuid.UUID, error) {
	token := extractCookieToken(r.Header.Get("Cookie"), "auth_token")
	if token == "" {
		return uuid.Nil, fmt.Errorf("missing auth token")
	}
	userIDStr, err := auth.AuthenticateJWT(token)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid token: %w", err)
	}
	return uuid.Parse(userIDStr)
}

// requireAdmin authenticates the request and checks the admin flag.
func requireAdmin(r *http.Request) (uuid.UUID, error) {
	userID, err := requireUser(r)
	if err != nil {
		return uuid.Nil, err
	}
	u, err := database.GetUserByID(r.Context(), userID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("user lookup failed: %w", err)
	}
	if !u.IsAdmin {
		return uuid.Nil, fmt.Errorf("admin required")
	}
	return userID, nil
}

// BalanceHandler returns the authenticated user's ledger balance.
func BalanceHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		http.Error(w, "authentication required", http.StatusForbidden)
		return
	}
	balance, err := database.Balance(r.Context(), userID)
	if err != nil {
		http.Error(w, "failed to load balance", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"balance": balance})
}

// SessionLedgerHandler lists the ledger entries written for one session or
// payment reference: GET /ledger/{reference_id}.
func SessionLedgerHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := requireUser(r); err != nil {
		http.Error(w, "authentication required", http.StatusForbidden)
		return
	}
	refID, err := uuid.Parse(strings.TrimPrefix(r.URL.Path, "/ledger/"))
	if err != nil {
		http.Error(w, "invalid reference id", http.StatusBadRequest)
		return
	}
	entries, err := database.EntriesByReference(r.Context(), refID)
	if err != nil {
		http.Error(w, "failed to load ledger entries", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

type createDepositRequest struct {
	AmountUSD float64 `json:"amount_usd"`
	OrderID   string  `json:"order_id"`
	PaymentID string  `json:"payment_id"`
}

// CreateDepositHandler records a pending deposit before the provider invoice
// is handed to the user. The balance credit only lands when the provider's
// signed callback confirms the payment.
func CreateDepositHandler(logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		userID, err := requireUser(r)
		if err != nil {
			http.Error(w, "authentication required", http.StatusForbidden)
			return
		}

		var req createDepositRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		if req.AmountUSD <= 0 || req.OrderID == "" {
			http.Error(w, "amount_usd and order_id are required", http.StatusBadRequest)
			return
		}

		tx := &models.PaymentTransaction{
			UserID:    userID,
			OrderID:   req.OrderID,
			PaymentID: req.PaymentID,
			AmountUSD: req.AmountUSD,
		}
		if err := database.CreatePaymentTransaction(r.Context(), tx); err != nil {
			logger.Errorf("Failed to create deposit for user %s: %v", userID, err)
			http.Error(w, "failed to create deposit", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, tx)
	}
}

type withdrawalRequestBody struct {
	Amount      int64  `json:"amount"`
	Destination string `json:"destination"`
}

// RequestWithdrawalHandler opens a withdrawal: the amount is debited from
// the ledger as a hold immediately, so it can never be double-spent into a
// wager while the payout is pending.
func RequestWithdrawalHandler(logger *logrus.Logger, s *ArenaServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		userID, err := requireUser(r)
		if err != nil {
			http.Error(w, "authentication required", http.StatusForbidden)
			return
		}

		var req withdrawalRequestBody
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}

		wr, err := s.Withdrawals.Request(r.Context(), userID, req.Amount, req.Destination)
		if err != nil {
			if errors.Is(err, database.ErrInsufficientFunds) {
				http.Error(w, "insufficient balance", http.StatusConflict)
				return
			}
			logger.Errorf("Failed to create withdrawal for user %s: %v", userID, err)
			http.Error(w, "failed to create withdrawal", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, wr)
	}
}

// WithdrawalAdminHandler drives the operator side of the withdrawal state
// machine: POST /admin/withdrawals/{id}/{approve|reject|process|complete}.
// Every step is a conditional claim, so a duplicate click is a 409, never a
// double payout or a double refund.
func WithdrawalAdminHandler(logger *logrus.Logger, s *ArenaServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if _, err := requireAdmin(r); err != nil {
			http.Error(w, "admin required", http.StatusForbidden)
			return
		}

		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/admin/withdrawals/"), "/")
		if len(parts) != 2 {
			http.Error(w, "expected /admin/withdrawals/{id}/{action}", http.StatusBadRequest)
			return
		}
		id, err := uuid.Parse(parts[0])
		if err != nil {
			http.Error(w, "invalid withdrawal id", http.StatusBadRequest)
			return
		}

		switch parts[1] {
		case "approve":
			err = s.Withdrawals.Approve(r.Context(), id)
		case "reject":
			err = s.Withdrawals.Reject(r.Context(), id)
		case "process":
			err = s.Withdrawals.BeginProcessing(r.Context(), id)
		case "complete":
			err = s.Withdrawals.Complete(r.Context(), id)
		default:
			http.Error(w, "unknown action", http.StatusBadRequest)
			return
		}

		if errors.Is(err, payments.ErrWithdrawalConflict) {
			http.Error(w, "withdrawal already processed", http.StatusConflict)
			return
		}
		if err != nil {
			logger.Errorf("Withdrawal %s action %q failed: %v", id, parts[1], err)
			http.Error(w, "failed to update withdrawal", http.StatusInternalServerError)
			return
		}

		wr, err := database.GetWithdrawal(r.Context(), id)
		if err != nil {
			http.Error(w, "failed to load withdrawal", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, wr)
	}
}
