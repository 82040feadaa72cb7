package agreement

import (
	"time"

	"recurpay/ledger"
)

// Status is the lifecycle state of an agreement.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal statuses admit no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Frequency is the payment cadence.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return true
	}
	return false
}

// Agreement is a recurring payment from Sender to Recipient and its
// execution progress. CyclesTotal is nil for indefinite agreements.
type Agreement struct {
	ID              string
	Sender          string
	Recipient       string
	Asset           ledger.Asset
	Amount          string
	Frequency       Frequency
	StartDate       time.Time
	CyclesTotal     *int
	CyclesCompleted int
	Status          Status
	NextPaymentDate time.Time
	LastPaymentDate *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Indefinite reports whether the agreement runs until cancelled.
func (a Agreement) Indefinite() bool {
	return a.CyclesTotal == nil
}

// Session identifies the wallet an operation is performed for.
type Session struct {
	Address string
}

// CreateParams is the caller supplied input to Create.
type CreateParams struct {
	Recipient   string
	AssetCode   string
	AssetIssuer string
	Amount      string
	Frequency   Frequency
	StartDate   time.Time
	Cycles      *int
}

// ListFilter narrows List results. Statuses empty means any status.
type ListFilter struct {
	Owner    string
	Statuses []Status
	Page     int
	PageSize int
}

// Advancement is the state written after a confirmed payment. The write is
// conditional on ExpectedCycles still being the stored cycles_completed.
type Advancement struct {
	AgreementID     string
	ExpectedCycles  int
	CyclesCompleted int
	NextPaymentDate time.Time
	LastPaymentDate time.Time
	Status          Status
}

// ExecutionRecord is one confirmed payment of an agreement.
type ExecutionRecord struct {
	AgreementID string
	TxHash      string
	Cycle       int
	Amount      string
	Asset       ledger.Asset
	Ledger      int64
	ExecutedAt  time.Time
}

// Execution is the result of a successful payment execution.
type Execution struct {
	Agreement  Agreement
	TxHash     string
	ExecutedAt time.Time
}

// TimelineEvent is an append-only audit entry for an agreement.
type TimelineEvent struct {
	AgreementID string
	Type        string
	Actor       string
	Payload     map[string]any
}

// OutboxMessage is an event persisted in the same transaction as the state
// change it describes and published later.
type OutboxMessage struct {
	Topic   string
	Payload map[string]any
}

const (
	OutboxTopicCreated         = "agreement.created"
	OutboxTopicStatusChanged   = "agreement.status_changed"
	OutboxTopicPaymentExecuted = "agreement.payment_executed"
	OutboxTopicCompleted       = "agreement.completed"
	OutboxTopicPaymentDueSoon  = "agreement.payment_due_soon"
)

const (
	TimelineCreated         = "AGREEMENT_CREATED"
	TimelineStatusChanged   = "AGREEMENT_STATUS_CHANGED"
	TimelinePaymentExecuted = "PAYMENT_EXECUTED"
	TimelineReminderSent    = "PAYMENT_REMINDER_SENT"
)
