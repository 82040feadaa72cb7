package reconcile

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is satisfied by *pgxpool.Pool.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Repository struct {
	db DB
}

func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

const recordColumns = `r.id, r.agreement_id::text, r.tx_hash, r.expected_cycles, r.reason, r.status, r.opened_at, r.resolved_at`

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.AgreementID, &rec.TxHash, &rec.ExpectedCycles, &rec.Reason, &rec.Status, &rec.OpenedAt, &rec.ResolvedAt)
	return rec, err
}

// Open records an unapplied payment. Opening the same hash twice keeps the
// first record.
func (r *Repository) Open(ctx context.Context, agreementID, txHash string, expectedCycles int, reason string) error {
	const query = `
		INSERT INTO reconciliations (agreement_id, tx_hash, expected_cycles, reason)
		VALUES ($1::uuid, $2, $3, $4)
		ON CONFLICT (tx_hash) DO NOTHING
	`
	if _, err := r.db.Exec(ctx, query, agreementID, txHash, expectedCycles, reason); err != nil {
		return fmt.Errorf("reconcile: open: %w", err)
	}
	return nil
}

// Resolve closes the open record for txHash. A missing or already resolved
// record is not an error.
func (r *Repository) Resolve(ctx context.Context, agreementID, txHash string) error {
	const query = `
		UPDATE reconciliations
		SET status = 'resolved', resolved_at = now()
		WHERE agreement_id = $1::uuid AND tx_hash = $2 AND status = 'open'
	`
	if _, err := r.db.Exec(ctx, query, agreementID, txHash); err != nil {
		return fmt.Errorf("reconcile: resolve: %w", err)
	}
	return nil
}

// List returns the owner's records, optionally for one agreement.
func (r *Repository) List(ctx context.Context, ownerID, agreementID string) ([]Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM reconciliations r
		JOIN payment_agreements a ON a.id = r.agreement_id
		WHERE a.user_id = $1
	`
	args := []any{ownerID}
	if agreementID != "" {
		query += " AND r.agreement_id = $2::uuid"
		args = append(args, agreementID)
	}
	query += " ORDER BY r.opened_at DESC"
	return r.query(ctx, query, args...)
}

// ListOpen returns unresolved records of every owner, oldest first.
func (r *Repository) ListOpen(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	const query = `
		SELECT ` + recordColumns + `
		FROM reconciliations r
		WHERE r.status = 'open'
		ORDER BY r.opened_at ASC
		LIMIT $1
	`
	return r.query(ctx, query, limit)
}

func (r *Repository) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("reconcile: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("reconcile: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reconcile: iterate: %w", err)
	}
	return out, nil
}
