package agreement

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"recurpay/ledger"
)

func TestExecutePayment_DailyFirstCycle(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env := newTestEnv(t, start.Add(6*time.Hour))
	a := env.seed(Agreement{Frequency: FrequencyDaily, StartDate: start})

	exec, err := env.svc.ExecutePayment(context.Background(), Session{Address: env.sender}, a.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	got := env.stored(t, a.ID)
	want := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	if !got.NextPaymentDate.Equal(want) {
		t.Fatalf("next payment = %s, want %s", got.NextPaymentDate, want)
	}
	if got.CyclesCompleted != 1 || got.Status != StatusActive {
		t.Fatalf("unexpected state after execution: %+v", got)
	}
	if got.LastPaymentDate == nil || !got.LastPaymentDate.Equal(env.now) {
		t.Fatalf("last payment date should be the execution time, got %v", got.LastPaymentDate)
	}
	if exec.TxHash != "a1b2c3" || !reflect.DeepEqual(exec.Agreement, got) {
		t.Fatalf("unexpected execution result %+v", exec)
	}

	if len(env.ledger.builds) != 1 {
		t.Fatalf("expected one build, got %d", len(env.ledger.builds))
	}
	req := env.ledger.builds[0]
	if req.Source != env.sender || req.Destination != env.other || req.Amount != "10" || req.Memo != "cycle 1" {
		t.Fatalf("unexpected payment request %+v", req)
	}
	if env.ledger.submitted[0] != "signed:unsigned:cycle 1" {
		t.Fatalf("submitted envelope was not the signed one: %q", env.ledger.submitted[0])
	}

	recs, err := env.svc.Executions(context.Background(), Session{Address: env.sender}, a.ID)
	if err != nil {
		t.Fatalf("executions: %v", err)
	}
	if len(recs) != 1 || recs[0].Cycle != 1 || recs[0].TxHash != "a1b2c3" || recs[0].Ledger != 42 {
		t.Fatalf("unexpected execution records %+v", recs)
	}
	if topics := env.store.topics(); len(topics) != 1 || topics[0] != OutboxTopicPaymentExecuted {
		t.Fatalf("unexpected outbox topics %v", topics)
	}
	if tx := env.pool.last(); tx == nil || !tx.committed {
		t.Fatalf("expected persistence transaction to commit")
	}
	if env.locker.held[a.ID] {
		t.Fatalf("execution lock should be released")
	}
}

func TestExecutePayment_OverdueAdvancesSingleStep(t *testing.T) {
	start := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)
	env := newTestEnv(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC))
	a := env.seed(Agreement{Frequency: FrequencyWeekly, StartDate: start, CyclesCompleted: 4, NextPaymentDate: start.AddDate(0, 0, 28)})

	if _, err := env.svc.ExecutePayment(context.Background(), Session{Address: env.sender}, a.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got := env.stored(t, a.ID)
	if got.CyclesCompleted != 5 {
		t.Fatalf("expected exactly one cycle, got %d", got.CyclesCompleted)
	}
	if want := start.AddDate(0, 0, 35); !got.NextPaymentDate.Equal(want) {
		t.Fatalf("next payment = %s, want %s", got.NextPaymentDate, want)
	}
}

func TestExecutePayment_CompletionBoundary(t *testing.T) {
	env := newTestEnv(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	a := env.seed(Agreement{Frequency: FrequencyMonthly, CyclesTotal: intPtr(3), CyclesCompleted: 2})
	sess := Session{Address: env.sender}

	exec, err := env.svc.ExecutePayment(context.Background(), sess, a.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Agreement.CyclesCompleted != 3 || exec.Agreement.Status != StatusCompleted {
		t.Fatalf("expected completed agreement, got %+v", exec.Agreement)
	}
	if topics := env.store.topics(); topics[len(topics)-1] != OutboxTopicCompleted {
		t.Fatalf("expected completion event, got %v", topics)
	}

	_, err = env.svc.ExecutePayment(context.Background(), sess, a.ID)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state after completion, got %v", err)
	}
	if got := env.stored(t, a.ID); got.CyclesCompleted != 3 {
		t.Fatalf("completed agreement advanced: %+v", got)
	}
}

func TestExecutePayment_PausedIsInvalidState(t *testing.T) {
	env := newTestEnv(t, time.Now().UTC())
	a := env.seed(Agreement{Status: StatusPaused})

	_, err := env.svc.ExecutePayment(context.Background(), Session{Address: env.sender}, a.ID)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if !strings.Contains(err.Error(), "Agreement is paused") {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if builds, _ := env.ledger.calls(); builds != 0 {
		t.Fatalf("ledger must not be called for paused agreements")
	}
	if got := env.stored(t, a.ID); !reflect.DeepEqual(got, a) {
		t.Fatalf("paused agreement mutated: %+v", got)
	}
}

func TestExecutePayment_FailuresLeaveRecordUntouched(t *testing.T) {
	cases := []struct {
		name    string
		setup   func(env *testEnv)
		kind    error
		submits int
	}{
		{
			name:  "build fails",
			setup: func(env *testEnv) { env.ledger.buildErr = errors.New("horizon down") },
			kind:  ErrLedger,
		},
		{
			name:  "signing rejected",
			setup: func(env *testEnv) { env.signer.err = errors.New("user declined") },
			kind:  ErrSigningRejected,
		},
		{
			name:    "submission fails",
			setup:   func(env *testEnv) { env.ledger.submitErr = errors.New("tx_bad_seq") },
			kind:    ErrSubmission,
			submits: 1,
		},
		{
			name:  "lock held",
			setup: func(env *testEnv) { env.locker.held["seeded-1"] = true },
			kind:  ErrInvalidState,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
			a := env.seed(Agreement{CyclesTotal: intPtr(5), CyclesCompleted: 1})
			tc.setup(env)

			_, err := env.svc.ExecutePayment(context.Background(), Session{Address: env.sender}, a.ID)
			if !errors.Is(err, tc.kind) {
				t.Fatalf("expected %v, got %v", tc.kind, err)
			}
			if TxHashOf(err) != "" {
				t.Fatalf("no tx hash expected before funds move, got %q", TxHashOf(err))
			}
			if got := env.stored(t, a.ID); !reflect.DeepEqual(got, a) {
				t.Fatalf("record changed:\n got %+v\nwant %+v", got, a)
			}
			if _, submits := env.ledger.calls(); submits != tc.submits {
				t.Fatalf("expected %d submissions, got %d", tc.submits, submits)
			}
			if len(env.store.executions) != 0 || len(env.store.outbox) != 0 {
				t.Fatalf("failed execution must not write executions or events")
			}
		})
	}
}

func TestExecutePayment_SubmissionIsLedgerFamily(t *testing.T) {
	env := newTestEnv(t, time.Now().UTC())
	a := env.seed(Agreement{})
	env.ledger.submitErr = errors.New("timeout")

	_, err := env.svc.ExecutePayment(context.Background(), Session{Address: env.sender}, a.ID)
	if !errors.Is(err, ErrSubmission) || !errors.Is(err, ErrLedger) {
		t.Fatalf("submission error should match both kinds, got %v", err)
	}
	if Code(err) != "submission_error" {
		t.Fatalf("unexpected code %q", Code(err))
	}
}

func TestExecutePayment_InvalidAsset(t *testing.T) {
	env := newTestEnv(t, time.Now().UTC())
	a := env.seed(Agreement{Asset: ledger.Asset{Code: "USDC"}})

	_, err := env.svc.ExecutePayment(context.Background(), Session{Address: env.sender}, a.ID)
	if !errors.Is(err, ErrInvalidAsset) {
		t.Fatalf("expected invalid asset, got %v", err)
	}
	if builds, _ := env.ledger.calls(); builds != 0 {
		t.Fatalf("ledger must not be called for an invalid asset")
	}
}

func TestExecutePayment_ForeignOwnerIsNotFound(t *testing.T) {
	env := newTestEnv(t, time.Now().UTC())
	a := env.seed(Agreement{})

	_, err := env.svc.ExecutePayment(context.Background(), Session{Address: env.other}, a.ID)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.svc.ExecutePayment(context.Background(), Session{}, a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for empty session, got %v", err)
	}
}

func TestExecutePayment_EarlyManualExecutionAllowed(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env := newTestEnv(t, now)
	a := env.seed(Agreement{NextPaymentDate: now.Add(48 * time.Hour)})

	if _, err := env.svc.ExecutePayment(context.Background(), Session{Address: env.sender}, a.ID); err != nil {
		t.Fatalf("manual early execution should succeed, got %v", err)
	}
}

func TestExecuteDue_RejectsUpcoming(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env := newTestEnv(t, now)
	a := env.seed(Agreement{NextPaymentDate: now.Add(time.Hour)})

	_, err := env.svc.ExecuteDue(context.Background(), a.ID)
	if !errors.Is(err, ErrNotDue) {
		t.Fatalf("expected not due, got %v", err)
	}
	if builds, _ := env.ledger.calls(); builds != 0 {
		t.Fatalf("ledger must not be called for a payment that is not due")
	}

	env.now = now.Add(time.Hour)
	if _, err := env.svc.ExecuteDue(context.Background(), a.ID); err != nil {
		t.Fatalf("due execution: %v", err)
	}
}

func TestExecutePayment_PersistenceFailureCarriesTxHash(t *testing.T) {
	env := newTestEnv(t, time.Now().UTC())
	a := env.seed(Agreement{})
	env.store.advanceErr = errors.New("connection lost")

	_, err := env.svc.ExecutePayment(context.Background(), Session{Address: env.sender}, a.ID)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if TxHashOf(err) != "a1b2c3" {
		t.Fatalf("persistence error must carry the tx hash, got %q", TxHashOf(err))
	}
	if len(env.recon.opened) != 1 || env.recon.opened[0] != a.ID+"/a1b2c3" {
		t.Fatalf("expected reconciliation to be opened, got %v", env.recon.opened)
	}
	if tx := env.pool.last(); tx.committed {
		t.Fatalf("failed persistence must not commit")
	}
}

func TestExecutePayment_ConcurrentAttemptRejected(t *testing.T) {
	env := newTestEnv(t, time.Now().UTC())
	a := env.seed(Agreement{})
	sess := Session{Address: env.sender}

	inSubmit := make(chan struct{})
	release := make(chan struct{})
	env.ledger.onSubmit = func() {
		close(inSubmit)
		<-release
	}

	var (
		wg       sync.WaitGroup
		firstErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = env.svc.ExecutePayment(context.Background(), sess, a.ID)
	}()

	<-inSubmit
	env.ledger.mu.Lock()
	env.ledger.onSubmit = nil
	env.ledger.mu.Unlock()

	_, err := env.svc.ExecutePayment(context.Background(), sess, a.ID)
	if !errors.Is(err, ErrInvalidState) || !strings.Contains(err.Error(), "in progress") {
		t.Fatalf("expected concurrent execution to be rejected, got %v", err)
	}

	close(release)
	wg.Wait()
	if firstErr != nil {
		t.Fatalf("first execution: %v", firstErr)
	}
	if got := env.stored(t, a.ID); got.CyclesCompleted != 1 {
		t.Fatalf("expected exactly one cycle, got %d", got.CyclesCompleted)
	}
	if _, submits := env.ledger.calls(); submits != 1 {
		t.Fatalf("expected one submission, got %d", submits)
	}
}

func TestExecutePayment_ConditionalWriteRejectsStaleRead(t *testing.T) {
	env := newTestEnv(t, time.Now().UTC())
	a := env.seed(Agreement{})

	// Another writer advances the record after submission.
	env.ledger.onSubmit = func() {
		env.store.mu.Lock()
		stale := env.store.agreements[a.ID]
		stale.CyclesCompleted = 1
		env.store.agreements[a.ID] = stale
		env.store.mu.Unlock()
	}

	_, err := env.svc.ExecutePayment(context.Background(), Session{Address: env.sender}, a.ID)
	if !errors.Is(err, ErrPersistence) || !errors.Is(err, ErrConflict) {
		t.Fatalf("expected persistence error from conflicting write, got %v", err)
	}
	if got := env.stored(t, a.ID); got.CyclesCompleted != 1 {
		t.Fatalf("conflicting write must not double advance, got %d", got.CyclesCompleted)
	}
}

func TestReconcile_AppliesLedgerTransaction(t *testing.T) {
	now := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	env := newTestEnv(t, now)
	a := env.seed(Agreement{NextPaymentDate: now})
	sess := Session{Address: env.sender}
	env.ledger.tx = ledger.TransactionRecord{
		Successful:    true,
		SourceAccount: env.sender,
		Ledger:        77,
		Memo:          "cycle 1",
		MemoType:      "text",
		CreatedAt:     now.Add(time.Minute),
	}
	env.ledger.ops = []ledger.OperationRecord{paymentOp(a)}

	exec, err := env.svc.Reconcile(context.Background(), sess, a.ID, "FEED")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if exec.TxHash != "feed" || exec.Agreement.CyclesCompleted != 1 {
		t.Fatalf("unexpected reconcile result %+v", exec)
	}
	if len(env.recon.resolved) != 1 {
		t.Fatalf("expected reconciliation to be resolved")
	}

	again, err := env.svc.Reconcile(context.Background(), sess, a.ID, "feed")
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if again.Agreement.CyclesCompleted != 1 {
		t.Fatalf("reconcile must be idempotent, got %d cycles", again.Agreement.CyclesCompleted)
	}
	if got := env.stored(t, a.ID); got.CyclesCompleted != 1 {
		t.Fatalf("stored cycles advanced twice: %d", got.CyclesCompleted)
	}
}

func TestReconcile_RejectsForeignTransaction(t *testing.T) {
	env := newTestEnv(t, time.Now().UTC())
	a := env.seed(Agreement{})
	sess := Session{Address: env.sender}

	env.ledger.tx = ledger.TransactionRecord{Successful: true, SourceAccount: env.other}
	if _, err := env.svc.Reconcile(context.Background(), sess, a.ID, "beef"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for foreign source, got %v", err)
	}

	env.ledger.tx = ledger.TransactionRecord{Successful: false, SourceAccount: env.sender}
	if _, err := env.svc.Reconcile(context.Background(), sess, a.ID, "beef"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for failed tx, got %v", err)
	}

	env.ledger.tx = ledger.TransactionRecord{Successful: true, SourceAccount: env.sender, Memo: "cycle 9", MemoType: "text"}
	env.ledger.ops = []ledger.OperationRecord{paymentOp(a)}
	if _, err := env.svc.Reconcile(context.Background(), sess, a.ID, "beef"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state for memo of another cycle, got %v", err)
	}

	if _, err := env.svc.Reconcile(context.Background(), sess, a.ID, " "); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for empty hash, got %v", err)
	}
	if got := env.stored(t, a.ID); got.CyclesCompleted != 0 {
		t.Fatalf("rejected reconciliation mutated record: %+v", got)
	}
}

func paymentOp(a Agreement) ledger.OperationRecord {
	return ledger.OperationRecord{Type: "payment", From: a.Sender, To: a.Recipient, Amount: "10.0000000", Asset: ledger.Native()}
}

func TestReconcile_RequiresMatchingPayment(t *testing.T) {
	cases := []struct {
		name  string
		setup func(env *testEnv, a Agreement)
		kind  error
	}{
		{
			name: "no memo",
			setup: func(env *testEnv, a Agreement) {
				env.ledger.tx.MemoType, env.ledger.tx.Memo = "none", ""
			},
			kind: ErrValidation,
		},
		{
			name: "hash memo",
			setup: func(env *testEnv, a Agreement) {
				env.ledger.tx.MemoType = "hash"
			},
			kind: ErrValidation,
		},
		{
			name: "other destination",
			setup: func(env *testEnv, a Agreement) {
				env.ledger.ops[0].To = testAddress(t, 7)
			},
			kind: ErrValidation,
		},
		{
			name: "other sender",
			setup: func(env *testEnv, a Agreement) {
				env.ledger.ops[0].From = testAddress(t, 7)
			},
			kind: ErrValidation,
		},
		{
			name: "smaller amount",
			setup: func(env *testEnv, a Agreement) {
				env.ledger.ops[0].Amount = "9.9999999"
			},
			kind: ErrValidation,
		},
		{
			name: "other asset",
			setup: func(env *testEnv, a Agreement) {
				env.ledger.ops[0].Asset = ledger.Asset{Code: "USDC", Issuer: testAddress(t, 8)}
			},
			kind: ErrValidation,
		},
		{
			name: "not a payment",
			setup: func(env *testEnv, a Agreement) {
				env.ledger.ops[0].Type = "create_account"
			},
			kind: ErrValidation,
		},
		{
			name: "extra operation",
			setup: func(env *testEnv, a Agreement) {
				env.ledger.ops = append(env.ledger.ops, paymentOp(a))
			},
			kind: ErrValidation,
		},
		{
			name: "operations unavailable",
			setup: func(env *testEnv, a Agreement) {
				env.ledger.opsErr = errors.New("horizon down")
			},
			kind: ErrLedger,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			now := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
			env := newTestEnv(t, now)
			a := env.seed(Agreement{NextPaymentDate: now})
			env.ledger.tx = ledger.TransactionRecord{Successful: true, SourceAccount: env.sender, Memo: "cycle 1", MemoType: "text", CreatedAt: now}
			env.ledger.ops = []ledger.OperationRecord{paymentOp(a)}
			tc.setup(env, a)

			_, err := env.svc.Reconcile(context.Background(), Session{Address: env.sender}, a.ID, "beef")
			if !errors.Is(err, tc.kind) {
				t.Fatalf("expected %v, got %v", tc.kind, err)
			}
			if got := env.stored(t, a.ID); !reflect.DeepEqual(got, a) {
				t.Fatalf("rejected reconciliation mutated record: %+v", got)
			}
			if len(env.store.executions) != 0 || len(env.recon.resolved) != 0 {
				t.Fatalf("rejected reconciliation must not record or resolve anything")
			}
		})
	}
}

func TestReconcile_AcceptsSourceLevelPayment(t *testing.T) {
	now := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	env := newTestEnv(t, now)
	a := env.seed(Agreement{NextPaymentDate: now, Amount: "10.5"})
	env.ledger.tx = ledger.TransactionRecord{Successful: true, SourceAccount: env.sender, Memo: "cycle 1", MemoType: "text", CreatedAt: now}
	op := paymentOp(a)
	op.From = ""
	op.Amount = "10.5000000"
	env.ledger.ops = []ledger.OperationRecord{op}

	exec, err := env.svc.Reconcile(context.Background(), Session{Address: env.sender}, a.ID, "beef")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if exec.Agreement.CyclesCompleted != 1 {
		t.Fatalf("expected one cycle, got %d", exec.Agreement.CyclesCompleted)
	}
}

func TestExecutePayment_RecordsPaymentWhenCallerGoesAway(t *testing.T) {
	env := newTestEnv(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	a := env.seed(Agreement{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.ledger.onSubmit = cancel

	exec, err := env.svc.ExecutePayment(ctx, Session{Address: env.sender}, a.ID)
	if err != nil {
		t.Fatalf("a submitted payment must be recorded after cancellation, got %v", err)
	}
	if exec.TxHash != "a1b2c3" || exec.Agreement.CyclesCompleted != 1 {
		t.Fatalf("unexpected execution %+v", exec)
	}
	if got := env.stored(t, a.ID); got.CyclesCompleted != 1 {
		t.Fatalf("expected stored cycle 1, got %d", got.CyclesCompleted)
	}
	if len(env.store.executions) != 1 || !env.pool.last().committed {
		t.Fatalf("execution was not committed")
	}
	if len(env.recon.opened) != 0 {
		t.Fatalf("no reconciliation expected, got %v", env.recon.opened)
	}
}

func TestExecutePayment_UnknownOutcome(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	timeout := fmt.Errorf("%w: horizon returned 504", ledger.ErrOutcomeUnknown)
	hash := ledger.UnsignedTx{}.HashHex()

	t.Run("confirmed on ledger", func(t *testing.T) {
		env := newTestEnv(t, now)
		env.svc.WithSettlement(time.Minute, time.Millisecond, 0)
		a := env.seed(Agreement{})
		env.ledger.submitErr = timeout
		env.ledger.validUntil = now.Add(30 * time.Second)
		env.ledger.pending = 2
		env.ledger.tx = ledger.TransactionRecord{Successful: true, Ledger: 99}

		exec, err := env.svc.ExecutePayment(context.Background(), Session{Address: env.sender}, a.ID)
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		if exec.TxHash != hash || exec.Agreement.CyclesCompleted != 1 {
			t.Fatalf("unexpected execution %+v", exec)
		}
		if env.ledger.lookups != 3 {
			t.Fatalf("expected 3 lookups, got %d", env.ledger.lookups)
		}
		if len(env.store.executions) != 1 || env.store.executions[0].Ledger != 99 {
			t.Fatalf("unexpected executions %+v", env.store.executions)
		}
	})

	t.Run("failed on ledger", func(t *testing.T) {
		env := newTestEnv(t, now)
		a := env.seed(Agreement{})
		env.ledger.submitErr = timeout
		env.ledger.validUntil = now.Add(30 * time.Second)
		env.ledger.tx = ledger.TransactionRecord{Successful: false}

		_, err := env.svc.ExecutePayment(context.Background(), Session{Address: env.sender}, a.ID)
		if !errors.Is(err, ErrSubmission) || TxHashOf(err) != "" {
			t.Fatalf("expected submission error without tx hash, got %v", err)
		}
		if got := env.stored(t, a.ID); !reflect.DeepEqual(got, a) {
			t.Fatalf("record changed: %+v", got)
		}
	})

	t.Run("expired without landing", func(t *testing.T) {
		env := newTestEnv(t, now)
		a := env.seed(Agreement{})
		env.ledger.submitErr = timeout
		env.ledger.validUntil = now.Add(-time.Minute)
		env.ledger.txErr = ledger.ErrTransactionNotFound

		_, err := env.svc.ExecutePayment(context.Background(), Session{Address: env.sender}, a.ID)
		if !errors.Is(err, ErrSubmission) || TxHashOf(err) != "" {
			t.Fatalf("expected submission error without tx hash, got %v", err)
		}
		if len(env.recon.opened) != 0 {
			t.Fatalf("an expired transaction needs no reconciliation, got %v", env.recon.opened)
		}
		if got := env.stored(t, a.ID); !reflect.DeepEqual(got, a) {
			t.Fatalf("record changed: %+v", got)
		}
	})

	t.Run("still unknown", func(t *testing.T) {
		env := newTestEnv(t, now)
		a := env.seed(Agreement{})
		env.ledger.submitErr = timeout
		env.ledger.validUntil = now.Add(-time.Minute)
		env.ledger.txErr = errors.New("horizon unavailable")

		_, err := env.svc.ExecutePayment(context.Background(), Session{Address: env.sender}, a.ID)
		if !errors.Is(err, ErrLedger) || errors.Is(err, ErrSubmission) {
			t.Fatalf("expected a ledger error, got %v", err)
		}
		if Code(err) != "ledger_error" {
			t.Fatalf("unexpected code %q", Code(err))
		}
		if TxHashOf(err) != hash {
			t.Fatalf("unknown outcome must carry the tx hash, got %q", TxHashOf(err))
		}
		if len(env.recon.opened) != 1 || env.recon.opened[0] != a.ID+"/"+hash {
			t.Fatalf("expected reconciliation to be opened, got %v", env.recon.opened)
		}
		if got := env.stored(t, a.ID); !reflect.DeepEqual(got, a) {
			t.Fatalf("record changed: %+v", got)
		}
	})
}
