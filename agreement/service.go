package agreement

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"recurpay/ledger"
	"recurpay/metrics"
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// DB is what the service needs from a connection pool.
type DB interface {
	TxBeginner
	Querier
}

// Store is the data access the service runs against. Every method takes the
// Querier to run on so callers decide the transaction boundary.
type Store interface {
	Insert(ctx context.Context, q Querier, a Agreement) (Agreement, error)
	Get(ctx context.Context, q Querier, id string, forUpdate bool) (Agreement, error)
	List(ctx context.Context, q Querier, f ListFilter) ([]Agreement, error)
	ListDue(ctx context.Context, q Querier, now time.Time, limit int) ([]Agreement, error)
	ListDueBetween(ctx context.Context, q Querier, from, to time.Time, limit int) ([]Agreement, error)
	UpdateStatus(ctx context.Context, q Querier, id string, from, to Status) (Agreement, error)
	Advance(ctx context.Context, q Querier, adv Advancement) (Agreement, error)
	InsertExecution(ctx context.Context, q Querier, rec ExecutionRecord) error
	FindExecution(ctx context.Context, q Querier, txHash string) (ExecutionRecord, error)
	ListExecutions(ctx context.Context, q Querier, agreementID string) ([]ExecutionRecord, error)
	MarkReminded(ctx context.Context, q Querier, agreementID string, dueAt time.Time) (bool, error)
	AppendTimeline(ctx context.Context, q Querier, ev TimelineEvent) error
	EnqueueOutbox(ctx context.Context, q Querier, msg OutboxMessage) error
}

// Ledger builds, submits and looks up payment transactions.
type Ledger interface {
	BuildPayment(ctx context.Context, req ledger.PaymentRequest) (ledger.UnsignedTx, error)
	Submit(ctx context.Context, signedXDR string) (ledger.SubmitResult, error)
	Transaction(ctx context.Context, hash string) (ledger.TransactionRecord, error)
	TransactionOperations(ctx context.Context, hash string) ([]ledger.OperationRecord, error)
}

// Signer obtains the sender's signature for a built transaction.
type Signer interface {
	Sign(ctx context.Context, tx ledger.UnsignedTx) (string, error)
}

// Locker grants per-agreement mutual exclusion for executions. Lock returns
// ErrLockHeld when another holder is active.
type Locker interface {
	Lock(ctx context.Context, agreementID string) (unlock func(context.Context) error, err error)
}

// Reconciler tracks payments that reached the ledger but were not recorded.
type Reconciler interface {
	Open(ctx context.Context, agreementID, txHash string, expectedCycles int, reason string) error
	Resolve(ctx context.Context, agreementID, txHash string) error
}

// Settlement defaults. A payment whose submission outcome is unknown is
// looked up every DefaultConfirmInterval until its time bound plus
// DefaultConfirmGrace has passed.
const (
	DefaultSettleTimeout   = 2 * time.Minute
	DefaultConfirmInterval = 2 * time.Second
	DefaultConfirmGrace    = 10 * time.Second
)

type Service struct {
	db         DB
	store      Store
	ledger     Ledger
	signer     Signer
	locker     Locker
	reconciler Reconciler
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string

	settleTimeout   time.Duration
	confirmInterval time.Duration
	confirmGrace    time.Duration
}

func NewService(db DB, store Store) *Service {
	if store == nil {
		store = NewRepository()
	}
	return &Service{
		db:     db,
		store:  store,
		locker: NewPGLocker(db, DefaultLockTTL),
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,

		settleTimeout:   DefaultSettleTimeout,
		confirmInterval: DefaultConfirmInterval,
		confirmGrace:    DefaultConfirmGrace,
	}
}

func (s *Service) WithLedger(l Ledger, signer Signer) *Service {
	s.ledger = l
	s.signer = signer
	return s
}

func (s *Service) WithLocker(l Locker) *Service {
	if l != nil {
		s.locker = l
	}
	return s
}

func (s *Service) WithReconciler(r Reconciler) *Service {
	s.reconciler = r
	return s
}

func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	s.metrics = m
	return s
}

func (s *Service) WithLogger(l *slog.Logger) *Service {
	if l != nil {
		s.logger = l
	}
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithSettlement bounds the work done after a payment is submitted:
// timeout caps persisting and confirming it once the caller is gone, and
// interval and grace drive confirmation of unknown outcomes.
func (s *Service) WithSettlement(timeout, interval, grace time.Duration) *Service {
	if timeout > 0 {
		s.settleTimeout = timeout
	}
	if interval > 0 {
		s.confirmInterval = interval
	}
	if grace >= 0 {
		s.confirmGrace = grace
	}
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.newID = gen
	return s
}

// Now is the service clock.
func (s *Service) Now() time.Time {
	return s.now()
}
