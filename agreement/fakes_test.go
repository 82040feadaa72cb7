package agreement

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"recurpay/ledger"
)

func testAddress(t *testing.T, b byte) string {
	t.Helper()
	seed := bytes.Repeat([]byte{b}, ed25519.SeedSize)
	addr, err := ledger.EncodeAddress(ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey))
	if err != nil {
		t.Fatalf("encode address: %v", err)
	}
	return addr
}

type testEnv struct {
	svc    *Service
	pool   *fakePool
	store  *memStore
	ledger *stubLedger
	signer *stubSigner
	locker *memLocker
	recon  *stubReconciler
	now    time.Time
	sender string
	other  string
}

func newTestEnv(t *testing.T, now time.Time) *testEnv {
	t.Helper()
	env := &testEnv{
		pool:   &fakePool{},
		store:  newMemStore(),
		ledger: &stubLedger{hash: "a1b2c3", ledgerSeq: 42},
		signer: &stubSigner{},
		locker: newMemLocker(),
		recon:  &stubReconciler{},
		now:    now,
		sender: testAddress(t, 1),
		other:  testAddress(t, 2),
	}
	seq := 0
	env.svc = NewService(env.pool, env.store).
		WithLedger(env.ledger, env.signer).
		WithLocker(env.locker).
		WithReconciler(env.recon).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))).
		WithClock(func() time.Time { return env.now }).
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("agr-%d", seq)
		})
	return env
}

// seed stores an agreement directly, bypassing Create.
func (e *testEnv) seed(a Agreement) Agreement {
	if a.ID == "" {
		a.ID = fmt.Sprintf("seeded-%d", len(e.store.agreements)+1)
	}
	if a.Sender == "" {
		a.Sender = e.sender
	}
	if a.Recipient == "" {
		a.Recipient = e.other
	}
	if a.Amount == "" {
		a.Amount = "10"
	}
	if a.Asset.Code == "" {
		a.Asset = ledger.Native()
	}
	if a.Frequency == "" {
		a.Frequency = FrequencyDaily
	}
	if a.Status == "" {
		a.Status = StatusActive
	}
	if a.StartDate.IsZero() {
		a.StartDate = e.now
	}
	if a.NextPaymentDate.IsZero() {
		a.NextPaymentDate = a.StartDate
	}
	e.store.mu.Lock()
	e.store.agreements[a.ID] = a
	e.store.mu.Unlock()
	return a
}

func (e *testEnv) stored(t *testing.T, id string) Agreement {
	t.Helper()
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	a, ok := e.store.agreements[id]
	if !ok {
		t.Fatalf("agreement %s not stored", id)
	}
	return a
}

func intPtr(n int) *int { return &n }

type memStore struct {
	mu         sync.Mutex
	agreements map[string]Agreement
	executions []ExecutionRecord
	reminders  map[string]bool
	timeline   []TimelineEvent
	outbox     []OutboxMessage

	insertErr  error
	getErr     error
	advanceErr error
	listCalls  int
}

func newMemStore() *memStore {
	return &memStore{agreements: map[string]Agreement{}, reminders: map[string]bool{}}
}

func (m *memStore) Insert(_ context.Context, _ Querier, a Agreement) (Agreement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return Agreement{}, m.insertErr
	}
	a.CreatedAt = a.StartDate
	m.agreements[a.ID] = a
	return a, nil
}

func (m *memStore) Get(_ context.Context, _ Querier, id string, _ bool) (Agreement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return Agreement{}, m.getErr
	}
	a, ok := m.agreements[id]
	if !ok {
		return Agreement{}, ErrNotFound
	}
	return a, nil
}

func (m *memStore) List(_ context.Context, _ Querier, f ListFilter) ([]Agreement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Agreement
	for _, a := range m.agreements {
		if f.Owner != "" && a.Sender != f.Owner {
			continue
		}
		if len(f.Statuses) > 0 && !hasStatus(f.Statuses, a.Status) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
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
	m.listCalls++
	from := (page - 1) * size
	if from >= len(out) {
		return nil, nil
	}
	return out[from:min(from+size, len(out))], nil
}

func hasStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (m *memStore) ListDue(_ context.Context, _ Querier, now time.Time, _ int) ([]Agreement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Agreement
	for _, a := range m.agreements {
		if a.IsDue(now) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) ListDueBetween(_ context.Context, _ Querier, from, to time.Time, _ int) ([]Agreement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Agreement
	for _, a := range m.agreements {
		if a.Status == StatusActive && a.NextPaymentDate.After(from) && !a.NextPaymentDate.After(to) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) UpdateStatus(_ context.Context, _ Querier, id string, from, to Status) (Agreement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agreements[id]
	if !ok || a.Status != from {
		return Agreement{}, ErrConflict
	}
	a.Status = to
	m.agreements[id] = a
	return a, nil
}

func (m *memStore) Advance(_ context.Context, _ Querier, adv Advancement) (Agreement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.advanceErr != nil {
		return Agreement{}, m.advanceErr
	}
	a, ok := m.agreements[adv.AgreementID]
	if !ok || a.CyclesCompleted != adv.ExpectedCycles || a.Status != StatusActive {
		return Agreement{}, ErrConflict
	}
	last := adv.LastPaymentDate
	a.CyclesCompleted = adv.CyclesCompleted
	a.NextPaymentDate = adv.NextPaymentDate
	a.LastPaymentDate = &last
	a.Status = adv.Status
	m.agreements[a.ID] = a
	return a, nil
}

func (m *memStore) InsertExecution(_ context.Context, _ Querier, rec ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.executions {
		if r.TxHash == rec.TxHash || (r.AgreementID == rec.AgreementID && r.Cycle == rec.Cycle) {
			return ErrDuplicateExecution
		}
	}
	m.executions = append(m.executions, rec)
	return nil
}

func (m *memStore) FindExecution(_ context.Context, _ Querier, txHash string) (ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.executions {
		if r.TxHash == txHash {
			return r, nil
		}
	}
	return ExecutionRecord{}, ErrNotFound
}

func (m *memStore) ListExecutions(_ context.Context, _ Querier, agreementID string) ([]ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ExecutionRecord
	for _, r := range m.executions {
		if r.AgreementID == agreementID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) MarkReminded(_ context.Context, _ Querier, agreementID string, dueAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := agreementID + "@" + dueAt.UTC().Format(time.RFC3339Nano)
	if m.reminders[key] {
		return false, nil
	}
	m.reminders[key] = true
	return true, nil
}

func (m *memStore) AppendTimeline(_ context.Context, _ Querier, ev TimelineEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeline = append(m.timeline, ev)
	return nil
}

func (m *memStore) EnqueueOutbox(_ context.Context, _ Querier, msg OutboxMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outbox = append(m.outbox, msg)
	return nil
}

func (m *memStore) topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.outbox))
	for i, msg := range m.outbox {
		out[i] = msg.Topic
	}
	return out
}

type stubLedger struct {
	mu        sync.Mutex
	builds    []ledger.PaymentRequest
	submitted []string
	buildErr  error
	submitErr error
	hash      string
	ledgerSeq int64

	// onSubmit runs before Submit returns.
	onSubmit func()

	tx      ledger.TransactionRecord
	txErr   error
	lookups int
	// pending makes the first lookups report the transaction as not found.
	pending int

	ops    []ledger.OperationRecord
	opsErr error

	validUntil time.Time
}

func (s *stubLedger) BuildPayment(_ context.Context, req ledger.PaymentRequest) (ledger.UnsignedTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.builds = append(s.builds, req)
	if s.buildErr != nil {
		return ledger.UnsignedTx{}, s.buildErr
	}
	return ledger.UnsignedTx{Source: req.Source, EnvelopeXDR: "unsigned:" + req.Memo, ValidUntil: s.validUntil}, nil
}

func (s *stubLedger) Submit(_ context.Context, signedXDR string) (ledger.SubmitResult, error) {
	s.mu.Lock()
	hook := s.onSubmit
	s.submitted = append(s.submitted, signedXDR)
	err := s.submitErr
	res := ledger.SubmitResult{Hash: s.hash, Ledger: s.ledgerSeq}
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return ledger.SubmitResult{}, err
	}
	return res, nil
}

func (s *stubLedger) Transaction(_ context.Context, hash string) (ledger.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if s.lookups <= s.pending {
		return ledger.TransactionRecord{}, ledger.ErrTransactionNotFound
	}
	if s.txErr != nil {
		return ledger.TransactionRecord{}, s.txErr
	}
	rec := s.tx
	rec.Hash = hash
	return rec, nil
}

func (s *stubLedger) TransactionOperations(_ context.Context, hash string) ([]ledger.OperationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opsErr != nil {
		return nil, s.opsErr
	}
	out := make([]ledger.OperationRecord, len(s.ops))
	for i, op := range s.ops {
		op.TransactionHash = hash
		out[i] = op
	}
	return out, nil
}

func (s *stubLedger) calls() (builds, submits int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.builds), len(s.submitted)
}

type stubSigner struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (s *stubSigner) Sign(_ context.Context, tx ledger.UnsignedTx) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return "signed:" + tx.EnvelopeXDR, nil
}

type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
	err  error
}

func newMemLocker() *memLocker {
	return &memLocker{held: map[string]bool{}}
}

func (l *memLocker) Lock(_ context.Context, id string) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	if l.held[id] {
		return nil, ErrLockHeld
	}
	l.held[id] = true
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, id)
		return nil
	}, nil
}

type stubReconciler struct {
	mu       sync.Mutex
	opened   []string
	resolved []string
}

func (r *stubReconciler) Open(_ context.Context, agreementID, txHash string, _ int, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, agreementID+"/"+txHash)
	return nil
}

func (r *stubReconciler) Resolve(_ context.Context, agreementID, txHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = append(r.resolved, agreementID+"/"+txHash)
	return nil
}

type fakePool struct {
	mu  sync.Mutex
	txs []*fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tx := &fakeTx{}
	f.txs = append(f.txs, tx)
	return tx, nil
}

func (f *fakePool) last() *fakeTx {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.txs) == 0 {
		return nil
	}
	return f.txs[len(f.txs)-1]
}

func (f *fakePool) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakePool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakePool) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

type fakeTx struct {
	mu        sync.Mutex
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
