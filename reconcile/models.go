package reconcile

import "time"

// Status represents the lifecycle of a reconciliation record.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Record mirrors the reconciliations table: a payment that reached the
// ledger while the agreement write-back failed.
type Record struct {
	ID             int64
	AgreementID    string
	TxHash         string
	ExpectedCycles int
	Reason         string
	Status         Status
	OpenedAt       time.Time
	ResolvedAt     *time.Time
}
