package agreement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"recurpay/ledger"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Repository is the Postgres implementation of Store.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const agreementColumns = `id::text, user_id, recipient, amount, asset_code, asset_issuer, frequency,
       start_date, indefinite, cycles, cycles_completed, status, next_payment_date,
       last_payment_date, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanAgreement maps a row to an Agreement and rejects rows that break the
// agreement invariants.
func scanAgreement(row rowScanner) (Agreement, error) {
	var (
		a           Agreement
		assetCode   string
		assetIssuer sql.NullString
		frequency   string
		status      string
		indefinite  bool
		cycles      sql.NullInt32
		lastPayment sql.NullTime
	)
	if err := row.Scan(
		&a.ID, &a.Sender, &a.Recipient, &a.Amount, &assetCode, &assetIssuer, &frequency,
		&a.StartDate, &indefinite, &cycles, &a.CyclesCompleted, &status, &a.NextPaymentDate,
		&lastPayment, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return Agreement{}, err
	}

	a.Asset = ledger.Asset{Code: assetCode, Issuer: assetIssuer.String}
	a.Frequency = Frequency(frequency)
	a.Status = Status(status)
	a.StartDate = a.StartDate.UTC()
	a.NextPaymentDate = a.NextPaymentDate.UTC()
	if cycles.Valid {
		n := int(cycles.Int32)
		a.CyclesTotal = &n
	}
	if lastPayment.Valid {
		t := lastPayment.Time.UTC()
		a.LastPaymentDate = &t
	}

	switch {
	case a.Sender == "" || a.Recipient == "":
		return Agreement{}, fmt.Errorf("%w: agreement %s missing parties", ErrCorruptRow, a.ID)
	case !a.Frequency.Valid():
		return Agreement{}, fmt.Errorf("%w: agreement %s has frequency %q", ErrCorruptRow, a.ID, frequency)
	case !a.Status.Valid():
		return Agreement{}, fmt.Errorf("%w: agreement %s has status %q", ErrCorruptRow, a.ID, status)
	case indefinite != (a.CyclesTotal == nil):
		return Agreement{}, fmt.Errorf("%w: agreement %s indefinite flag disagrees with cycles", ErrCorruptRow, a.ID)
	case a.CyclesCompleted < 0:
		return Agreement{}, fmt.Errorf("%w: agreement %s has negative cycles_completed", ErrCorruptRow, a.ID)
	case a.CyclesTotal != nil && (*a.CyclesTotal <= 0 || a.CyclesCompleted > *a.CyclesTotal):
		return Agreement{}, fmt.Errorf("%w: agreement %s cycles out of range", ErrCorruptRow, a.ID)
	}
	return a, nil
}

func (r *Repository) Insert(ctx context.Context, q Querier, a Agreement) (Agreement, error) {
	var (
		issuer any
		cycles any
	)
	code := a.Asset.Code
	if a.Asset.IsNative() {
		code = ledger.NativeCode
	} else {
		issuer = a.Asset.Issuer
	}
	if a.CyclesTotal != nil {
		cycles = *a.CyclesTotal
	}

	insertSQL := `
INSERT INTO payment_agreements (
    id, user_id, recipient, amount, asset_code, asset_issuer, frequency,
    start_date, indefinite, cycles, cycles_completed, status, next_payment_date
)
VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
RETURNING ` + agreementColumns

	created, err := scanAgreement(q.QueryRow(ctx, insertSQL,
		a.ID, a.Sender, a.Recipient, a.Amount, code, issuer, string(a.Frequency),
		a.StartDate, a.CyclesTotal == nil, cycles, a.CyclesCompleted, string(a.Status), a.NextPaymentDate,
	))
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: insert: %w", err)
	}
	return created, nil
}

func (r *Repository) Get(ctx context.Context, q Querier, id string, forUpdate bool) (Agreement, error) {
	query := `SELECT ` + agreementColumns + ` FROM payment_agreements WHERE id = $1::uuid`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	a, err := scanAgreement(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
			return Agreement{}, ErrNotFound
		}
		if errors.Is(err, ErrCorruptRow) {
			return Agreement{}, err
		}
		return Agreement{}, fmt.Errorf("agreement: get %s: %w", id, err)
	}
	return a, nil
}

func (r *Repository) List(ctx context.Context, q Querier, f ListFilter) ([]Agreement, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Owner != "" {
		args = append(args, f.Owner)
		clauses = append(clauses, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		clauses = append(clauses, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	size := f.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	page := f.Page
	if page < 1 {
		page = 1
	}

	var sb strings.Builder
	sb.WriteString(`SELECT ` + agreementColumns + ` FROM payment_agreements`)
	if len(clauses) > 0 {
		sb.WriteString(" WHERE " + strings.Join(clauses, " AND "))
	}
	args = append(args, size, (page-1)*size)
	fmt.Fprintf(&sb, " ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	return r.queryAgreements(ctx, q, sb.String(), args...)
}

func (r *Repository) ListDue(ctx context.Context, q Querier, now time.Time, limit int) ([]Agreement, error) {
	const dueSQL = `
SELECT ` + agreementColumns + `
FROM payment_agreements
WHERE status = 'active' AND next_payment_date <= $1
ORDER BY next_payment_date, id
LIMIT $2`
	return r.queryAgreements(ctx, q, dueSQL, now, clampLimit(limit))
}

func (r *Repository) ListDueBetween(ctx context.Context, q Querier, from, to time.Time, limit int) ([]Agreement, error) {
	const betweenSQL = `
SELECT ` + agreementColumns + `
FROM payment_agreements
WHERE status = 'active' AND next_payment_date > $1 AND next_payment_date <= $2
ORDER BY next_payment_date, id
LIMIT $3`
	return r.queryAgreements(ctx, q, betweenSQL, from, to, clampLimit(limit))
}

func (r *Repository) queryAgreements(ctx context.Context, q Querier, query string, args ...any) ([]Agreement, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("agreement: query: %w", err)
	}
	defer rows.Close()

	var out []Agreement
	for rows.Next() {
		a, err := scanAgreement(rows)
		if err != nil {
			return nil, fmt.Errorf("agreement: scan: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agreement: rows: %w", err)
	}
	return out, nil
}

// UpdateStatus moves id from one status to another. ErrConflict is returned
// when the stored status is no longer from.
func (r *Repository) UpdateStatus(ctx context.Context, q Querier, id string, from, to Status) (Agreement, error) {
	const updateSQL = `
UPDATE payment_agreements
SET status = $3, updated_at = now()
WHERE id = $1::uuid AND status = $2
RETURNING ` + agreementColumns

	a, err := scanAgreement(q.QueryRow(ctx, updateSQL, id, string(from), string(to)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrConflict
		}
		return Agreement{}, fmt.Errorf("agreement: update status: %w", err)
	}
	return a, nil
}

// Advance writes a confirmed payment's state only if cycles_completed still
// equals adv.ExpectedCycles and the agreement is active.
func (r *Repository) Advance(ctx context.Context, q Querier, adv Advancement) (Agreement, error) {
	const advanceSQL = `
UPDATE payment_agreements
SET cycles_completed = $3,
    next_payment_date = $4,
    last_payment_date = $5,
    status = $6,
    updated_at = now()
WHERE id = $1::uuid AND cycles_completed = $2 AND status = 'active'
RETURNING ` + agreementColumns

	a, err := scanAgreement(q.QueryRow(ctx, advanceSQL,
		adv.AgreementID, adv.ExpectedCycles, adv.CyclesCompleted,
		adv.NextPaymentDate, adv.LastPaymentDate, string(adv.Status),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrConflict
		}
		return Agreement{}, fmt.Errorf("agreement: advance: %w", err)
	}
	return a, nil
}

func (r *Repository) InsertExecution(ctx context.Context, q Querier, rec ExecutionRecord) error {
	var issuer any
	code := rec.Asset.Code
	if rec.Asset.IsNative() {
		code = ledger.NativeCode
	} else {
		issuer = rec.Asset.Issuer
	}

	const insertSQL = `
INSERT INTO payment_executions (agreement_id, tx_hash, cycle, amount, asset_code, asset_issuer, ledger, executed_at)
VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8)`

	_, err := q.Exec(ctx, insertSQL, rec.AgreementID, rec.TxHash, rec.Cycle, rec.Amount, code, issuer, rec.Ledger, rec.ExecutedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateExecution
		}
		return fmt.Errorf("agreement: insert execution: %w", err)
	}
	return nil
}

const executionColumns = `agreement_id::text, tx_hash, cycle, amount, asset_code, asset_issuer, ledger, executed_at`

func scanExecution(row rowScanner) (ExecutionRecord, error) {
	var (
		rec    ExecutionRecord
		code   string
		issuer sql.NullString
	)
	if err := row.Scan(&rec.AgreementID, &rec.TxHash, &rec.Cycle, &rec.Amount, &code, &issuer, &rec.Ledger, &rec.ExecutedAt); err != nil {
		return ExecutionRecord{}, err
	}
	rec.Asset = ledger.Asset{Code: code, Issuer: issuer.String}
	rec.ExecutedAt = rec.ExecutedAt.UTC()
	return rec, nil
}

func (r *Repository) FindExecution(ctx context.Context, q Querier, txHash string) (ExecutionRecord, error) {
	rec, err := scanExecution(q.QueryRow(ctx, `SELECT `+executionColumns+` FROM payment_executions WHERE tx_hash = $1`, txHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ExecutionRecord{}, ErrNotFound
		}
		return ExecutionRecord{}, fmt.Errorf("agreement: find execution: %w", err)
	}
	return rec, nil
}

func (r *Repository) ListExecutions(ctx context.Context, q Querier, agreementID string) ([]ExecutionRecord, error) {
	rows, err := q.Query(ctx, `SELECT `+executionColumns+` FROM payment_executions WHERE agreement_id = $1::uuid ORDER BY cycle`, agreementID)
	if err != nil {
		return nil, fmt.Errorf("agreement: list executions: %w", err)
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("agreement: scan execution: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkReminded records a reminder for the payment due at dueAt. It reports
// false when one was already recorded.
func (r *Repository) MarkReminded(ctx context.Context, q Querier, agreementID string, dueAt time.Time) (bool, error) {
	tag, err := q.Exec(ctx, `
INSERT INTO payment_reminders (agreement_id, due_at)
VALUES ($1::uuid, $2)
ON CONFLICT (agreement_id, due_at) DO NOTHING`, agreementID, dueAt)
	if err != nil {
		return false, fmt.Errorf("agreement: mark reminded: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) AppendTimeline(ctx context.Context, q Querier, ev TimelineEvent) error {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("agreement: marshal timeline payload: %w", err)
	}

	var actor any
	if ev.Actor != "" {
		actor = ev.Actor
	}

	const insertSQL = `
INSERT INTO timeline_events (agreement_id, type, payload, actor)
VALUES ($1::uuid, $2, $3, $4)`

	if _, err := q.Exec(ctx, insertSQL, ev.AgreementID, ev.Type, payloadBytes, actor); err != nil {
		return fmt.Errorf("agreement: insert timeline event: %w", err)
	}
	return nil
}

func (r *Repository) EnqueueOutbox(ctx context.Context, q Querier, msg OutboxMessage) error {
	payloadBytes, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("agreement: marshal outbox payload: %w", err)
	}
	if _, err := q.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2)`, msg.Topic, payloadBytes); err != nil {
		return fmt.Errorf("agreement: insert outbox message: %w", err)
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxPageSize {
		return maxPageSize
	}
	return limit
}

// isInvalidUUID reports a malformed id literal, which cannot match any row.
func isInvalidUUID(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}
