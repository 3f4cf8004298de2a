// internal/database/session.go
package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kingside/gambit/internal/models"
)

// insertSessionTx writes a fresh session row inside the pairing
// transaction.
func insertSessionTx(ctx context.Context, tx pgx.Tx, s models.GameSession) error {
	q := `
		INSERT INTO game_sessions
			(id, white_id, black_id, board_state, turn, white_time_ms, black_time_ms,
			 clock_running, status, wager_amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
	`
	_, err := tx.Exec(ctx, q,
		s.ID, s.WhiteID, s.BlackID, s.BoardState, s.Turn,
		s.WhiteTimeMs, s.BlackTimeMs, s.ClockRunning, s.Status, s.WagerAmount,
	)
	return err
}

// UpdateSessionState persists a non-terminal move transition conditionally:
// the write only lands while the row is still active, so a delayed
// duplicate can never touch a session that has moved on.
func UpdateSessionState(ctx context.Context, s models.GameSession) (bool, error) {
	q := `
		UPDATE game_sessions
		SET board_state=$1, turn=$2, white_time_ms=$3, black_time_ms=$4, clock_running=$5
		WHERE id=$6 AND status='active'
	`
	return Claim(ctx, DB, q, s.BoardState, s.Turn, s.WhiteTimeMs, s.BlackTimeMs, s.ClockRunning, s.ID)
}

// SettleSession performs the terminal conditional claim and the settlement
// ledger writes in one transaction. The snapshot's board and turn land with
// the status flip: a mating or drawing move never goes through
// UpdateSessionState, so this write is the only place it is persisted.
// Returns false (with no writes) when the session already reached a terminal
// status under another writer.
func SettleSession(ctx context.Context, snapshot models.GameSession, entries []models.LedgerEntry) (bool, error) {
	claimed := false
	err := pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		q := `
			UPDATE game_sessions
			SET status=$1, winner=$2, end_reason=$3, board_state=$4, turn=$5,
			    white_time_ms=$6, black_time_ms=$7, clock_running=FALSE
			WHERE id=$8 AND status='active'
		`
		ok, err := Claim(ctx, tx, q,
			snapshot.Status, snapshot.Winner, snapshot.EndReason,
			snapshot.BoardState, snapshot.Turn,
			snapshot.WhiteTimeMs, snapshot.BlackTimeMs, snapshot.ID,
		)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		for _, e := range entries {
			if err := insertLedgerEntryTx(ctx, tx, e); err != nil {
				return err
			}
		}
		claimed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("settle session %s: %w", snapshot.ID, err)
	}
	return claimed, nil
}

// GetSession loads one session row.
func GetSession(ctx context.Context, id uuid.UUID) (*models.GameSession, error) {
	var s models.GameSession
	q := `
		SELECT id, white_id, black_id, board_state, turn, white_time_ms, black_time_ms,
		       clock_running, status, winner, COALESCE(end_reason, ''), wager_amount, created_at
		FROM game_sessions
		WHERE id=$1
	`
	err := DB.QueryRow(ctx, q, id).Scan(
		&s.ID, &s.WhiteID, &s.BlackID, &s.BoardState, &s.Turn,
		&s.WhiteTimeMs, &s.BlackTimeMs, &s.ClockRunning, &s.Status,
		&s.Winner, &s.EndReason, &s.WagerAmount, &s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
