package actors

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"recurpay/agreement"
	"recurpay/outbox"
)

// Agreement is a seeded agreement an actor may act on.
type Agreement struct {
	ID     string
	Sender string
}

// tolerated reports whether err is an outcome concurrent actors are expected
// to produce against each other or under injected faults.
func tolerated(err error) bool {
	switch agreement.Code(err) {
	case "not_due", "invalid_state", "persistence_error", "ledger_error", "submission_error":
		return true
	}
	return false
}

func pause(ctx context.Context, stop <-chan struct{}, base, jitter int) bool {
	t := time.NewTimer(time.Duration(base+rand.Intn(jitter)) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}

// Executor races the automatic execution path over the shared agreement set.
func Executor(ctx context.Context, svc *agreement.Service, set []Agreement, stop <-chan struct{}) error {
	for {
		a := set[rand.Intn(len(set))]
		if _, err := svc.ExecuteDue(ctx, a.ID); err != nil && !tolerated(err) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("execute due %s: %w", a.ID, err)
		}
		if !pause(ctx, stop, 2, 8) {
			return nil
		}
	}
}

// Payer triggers manual executions as the owning sender, competing with Executor.
func Payer(ctx context.Context, svc *agreement.Service, set []Agreement, stop <-chan struct{}) error {
	for {
		a := set[rand.Intn(len(set))]
		sess := agreement.Session{Address: a.Sender}
		if _, err := svc.ExecutePayment(ctx, sess, a.ID); err != nil && !tolerated(err) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("execute payment %s: %w", a.ID, err)
		}
		if !pause(ctx, stop, 5, 20) {
			return nil
		}
	}
}

// Operator pauses and resumes agreements and occasionally cancels one.
func Operator(ctx context.Context, svc *agreement.Service, set []Agreement, stop <-chan struct{}) error {
	for {
		a := set[rand.Intn(len(set))]
		action := agreement.ActionPause
		switch n := rand.Intn(40); {
		case n == 0:
			action = agreement.ActionCancel
		case n%2 == 0:
			action = agreement.ActionResume
		}
		sess := agreement.Session{Address: a.Sender}
		if _, err := svc.Transition(ctx, sess, a.ID, action); err != nil && !tolerated(err) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%s %s: %w", action, a.ID, err)
		}
		if !pause(ctx, stop, 20, 40) {
			return nil
		}
	}
}

// Reminder runs the due-soon sweep the scheduler would run.
func Reminder(ctx context.Context, svc *agreement.Service, stop <-chan struct{}) error {
	for {
		if _, err := svc.RemindDueSoon(ctx, 100); err != nil && !tolerated(err) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("remind due soon: %w", err)
		}
		if !pause(ctx, stop, 200, 300) {
			return nil
		}
	}
}

// OutboxWorker drains the outbox. Flush errors are expected while backends are
// being terminated; the next claim picks up stale rows.
func OutboxWorker(ctx context.Context, d *outbox.Dispatcher, stop <-chan struct{}) error {
	for {
		_, _ = d.FlushOnce(ctx)
		if !pause(ctx, stop, 50, 100) {
			return nil
		}
	}
}
