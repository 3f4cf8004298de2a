// internal/database/claim.go
package database

import (
	"context"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is satisfied by *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Claim runs a conditional update ("set F = T iff F = E") and reports
// whether it affected a row. Every exactly-once guarantee in the service
// (pairing, terminal session transitions, settlement, payment confirmation,
// withdrawal approval) is built from this primitive plus the ledger audit
// trail. Row-level atomicity of the single write is sufficient; no
// distributed lock is involved.
func Claim(ctx context.Context, q Execer, sql string, args ...interface{}) (bool, error) {
	ct, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}
