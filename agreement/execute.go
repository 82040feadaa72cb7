package agreement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"recurpay/ledger"
)

// ExecutePayment runs one payment cycle for the session owner's agreement.
// Early execution of an upcoming payment is allowed.
func (s *Service) ExecutePayment(ctx context.Context, sess Session, id string) (Execution, error) {
	if sess.Address == "" {
		return Execution{}, newError(ErrNotFound, nil, "agreement not found")
	}
	return s.execute(ctx, id, sess.Address, false)
}

// ExecuteDue runs one payment cycle on behalf of the scheduler. Agreements
// whose payment date has not arrived fail with ErrNotDue.
func (s *Service) ExecuteDue(ctx context.Context, id string) (Execution, error) {
	return s.execute(ctx, id, "", true)
}

func (s *Service) execute(ctx context.Context, id, owner string, requireDue bool) (exec Execution, err error) {
	started := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = Code(err)
		}
		s.metrics.ExecutionFinished(outcome, time.Since(started))
	}()

	a, err := s.load(ctx, id, owner)
	if err != nil {
		return Execution{}, err
	}
	if err := s.checkExecutable(a, requireDue); err != nil {
		return Execution{}, err
	}
	asset, err := ledger.ResolveAsset(a.Asset.Code, a.Asset.Issuer)
	if err != nil {
		return Execution{}, newError(ErrInvalidAsset, err, "invalid asset")
	}
	if s.ledger == nil || s.signer == nil {
		return Execution{}, newError(ErrLedger, nil, "ledger gateway not configured")
	}

	unlock, err := s.acquire(ctx, a.ID)
	if err != nil {
		return Execution{}, err
	}
	defer s.release(ctx, a.ID, unlock)

	// The record may have advanced while the lock was contended.
	if a, err = s.load(ctx, id, owner); err != nil {
		return Execution{}, err
	}
	if err := s.checkExecutable(a, requireDue); err != nil {
		return Execution{}, err
	}

	unsigned, err := s.ledger.BuildPayment(ctx, ledger.PaymentRequest{
		Source:      a.Sender,
		Destination: a.Recipient,
		Amount:      a.Amount,
		Asset:       asset,
		Memo:        cycleMemo(a.CyclesCompleted + 1),
	})
	if err != nil {
		return Execution{}, newError(ErrLedger, err, "build payment transaction")
	}

	signed, err := s.signer.Sign(ctx, unsigned)
	if err != nil {
		return Execution{}, newError(ErrSigningRejected, err, "signature request rejected")
	}

	// From here on the envelope may be on the network, so recording the
	// outcome must not depend on the caller staying around.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.settleTimeout)
	defer cancel()

	res, err := s.ledger.Submit(ctx, signed)
	if err != nil {
		if !errors.Is(err, ledger.ErrOutcomeUnknown) {
			return Execution{}, newError(ErrSubmission, err, "payment submission failed; funds did not move")
		}
		if res, err = s.confirm(sctx, a, unsigned, err); err != nil {
			return Execution{}, err
		}
	}
	txHash := res.Hash
	if txHash == "" {
		txHash = unsigned.HashHex()
	}

	now := s.now().UTC()
	adv := a.Advance(now)
	updated, err := s.persistExecution(sctx, a, adv, ExecutionRecord{
		AgreementID: a.ID,
		TxHash:      txHash,
		Cycle:       adv.CyclesCompleted,
		Amount:      a.Amount,
		Asset:       asset,
		Ledger:      res.Ledger,
		ExecutedAt:  now,
	}, owner)
	if err != nil {
		s.openReconciliation(sctx, a, txHash, err)
		perr := newError(ErrPersistence, err, "payment submitted but agreement was not updated")
		perr.TxHash = txHash
		return Execution{}, perr
	}

	s.logger.Info("payment executed",
		"agreement_id", a.ID,
		"tx_hash", txHash,
		"cycle", adv.CyclesCompleted,
		"status", updated.Status,
		"automatic", requireDue,
	)
	return Execution{Agreement: updated, TxHash: txHash, ExecutedAt: now}, nil
}

// confirm settles a submission Horizon gave no verdict on by looking the
// transaction up until it appears or its time bound has passed.
func (s *Service) confirm(ctx context.Context, a Agreement, tx ledger.UnsignedTx, cause error) (ledger.SubmitResult, error) {
	hash := tx.HashHex()
	deadline := tx.ValidUntil.Add(s.confirmGrace)
	for {
		rec, err := s.ledger.Transaction(ctx, hash)
		switch {
		case err == nil && rec.Successful:
			s.logger.Info("submission confirmed on ledger", "agreement_id", a.ID, "tx_hash", hash, "ledger", rec.Ledger)
			return ledger.SubmitResult{Hash: hash, Ledger: rec.Ledger}, nil
		case err == nil:
			return ledger.SubmitResult{}, newError(ErrSubmission, cause, "payment transaction failed on ledger; funds did not move")
		case errors.Is(err, ledger.ErrTransactionNotFound):
			if !tx.ValidUntil.IsZero() && s.now().After(deadline) {
				return ledger.SubmitResult{}, newError(ErrSubmission, cause, "payment expired before reaching the ledger; funds did not move")
			}
		default:
			s.logger.Warn("confirm submission", "agreement_id", a.ID, "tx_hash", hash, "error", err)
		}

		if tx.ValidUntil.IsZero() || s.now().After(deadline) || !sleepCtx(ctx, s.confirmInterval) {
			s.openReconciliation(ctx, a, hash, cause)
			lerr := newError(ErrLedger, cause, "payment outcome unknown; check the ledger before retrying")
			lerr.TxHash = hash
			return ledger.SubmitResult{}, lerr
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Service) checkExecutable(a Agreement, requireDue bool) error {
	if a.Status != StatusActive {
		return newError(ErrInvalidState, nil, "Agreement is %s", a.Status)
	}
	if requireDue && !a.IsDue(s.now()) {
		return newError(ErrNotDue, nil, "payment is not due until %s", a.NextPaymentDate.Format(time.RFC3339))
	}
	return nil
}

func (s *Service) acquire(ctx context.Context, id string) (func(context.Context) error, error) {
	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			return nil, newError(ErrInvalidState, err, "execution already in progress")
		}
		return nil, newError(ErrPersistence, err, "acquire execution lock")
	}
	return unlock, nil
}

func (s *Service) release(ctx context.Context, id string, unlock func(context.Context) error) {
	if err := unlock(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("release execution lock", "agreement_id", id, "error", err)
	}
}

// persistExecution records the payment and advances the agreement in one
// transaction. The advance is conditional on the cycles count read before
// submission.
func (s *Service) persistExecution(ctx context.Context, a Agreement, adv Advancement, rec ExecutionRecord, actor string) (Agreement, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.store.InsertExecution(ctx, tx, rec); err != nil {
		return Agreement{}, err
	}
	updated, err := s.store.Advance(ctx, tx, adv)
	if err != nil {
		return Agreement{}, err
	}

	payload := map[string]any{
		"agreement_id":      a.ID,
		"sender":            a.Sender,
		"recipient":         a.Recipient,
		"amount":            a.Amount,
		"asset":             rec.Asset.String(),
		"tx_hash":           rec.TxHash,
		"cycle":             adv.CyclesCompleted,
		"next_payment_date": adv.NextPaymentDate,
		"status":            string(adv.Status),
	}
	if err := s.store.AppendTimeline(ctx, tx, TimelineEvent{
		AgreementID: a.ID,
		Type:        TimelinePaymentExecuted,
		Actor:       actor,
		Payload:     payload,
	}); err != nil {
		return Agreement{}, err
	}
	topic := OutboxTopicPaymentExecuted
	if adv.Status == StatusCompleted {
		topic = OutboxTopicCompleted
	}
	if err := s.store.EnqueueOutbox(ctx, tx, OutboxMessage{Topic: topic, Payload: payload}); err != nil {
		return Agreement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("commit: %w", err)
	}
	if adv.Status == StatusCompleted {
		s.metrics.StatusChanged(string(StatusActive), string(StatusCompleted))
	}
	return updated, nil
}

func (s *Service) openReconciliation(ctx context.Context, a Agreement, txHash string, cause error) {
	s.logger.Error("payment submitted but not recorded",
		"agreement_id", a.ID,
		"tx_hash", txHash,
		"expected_cycles", a.CyclesCompleted,
		"error", cause,
	)
	if s.reconciler == nil {
		return
	}
	if err := s.reconciler.Open(context.WithoutCancel(ctx), a.ID, txHash, a.CyclesCompleted, cause.Error()); err != nil {
		s.logger.Error("open reconciliation", "agreement_id", a.ID, "tx_hash", txHash, "error", err)
	}
}

// Reconcile applies a payment that reached the ledger but was not recorded.
// It is idempotent per transaction hash.
func (s *Service) Reconcile(ctx context.Context, sess Session, id, txHash string) (Execution, error) {
	txHash = strings.ToLower(strings.TrimSpace(txHash))
	if txHash == "" {
		return Execution{}, newError(ErrValidation, nil, "transaction hash required")
	}
	if sess.Address == "" {
		return Execution{}, newError(ErrNotFound, nil, "agreement not found")
	}
	a, err := s.load(ctx, id, sess.Address)
	if err != nil {
		return Execution{}, err
	}

	if rec, err := s.store.FindExecution(ctx, s.db, txHash); err == nil {
		if rec.AgreementID != a.ID {
			return Execution{}, newError(ErrValidation, nil, "transaction belongs to another agreement")
		}
		s.resolveReconciliation(ctx, a.ID, txHash)
		return Execution{Agreement: a, TxHash: txHash, ExecutedAt: rec.ExecutedAt}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Execution{}, newError(ErrPersistence, err, "find execution")
	}

	if s.ledger == nil {
		return Execution{}, newError(ErrLedger, nil, "ledger gateway not configured")
	}
	txRec, err := s.ledger.Transaction(ctx, txHash)
	if err != nil {
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			return Execution{}, newError(ErrValidation, err, "transaction not found on ledger")
		}
		return Execution{}, newError(ErrLedger, err, "look up transaction")
	}
	if !txRec.Successful {
		return Execution{}, newError(ErrValidation, nil, "transaction failed on ledger")
	}
	if txRec.SourceAccount != a.Sender {
		return Execution{}, newError(ErrValidation, nil, "transaction was not sent by the agreement sender")
	}
	if txRec.MemoType != "text" {
		return Execution{}, newError(ErrValidation, nil, "transaction carries no cycle memo")
	}
	asset, err := ledger.ResolveAsset(a.Asset.Code, a.Asset.Issuer)
	if err != nil {
		return Execution{}, newError(ErrInvalidAsset, err, "invalid asset")
	}
	ops, err := s.ledger.TransactionOperations(ctx, txHash)
	if err != nil {
		return Execution{}, newError(ErrLedger, err, "look up transaction operations")
	}
	if err := matchPayment(a, asset, txRec, ops); err != nil {
		return Execution{}, err
	}

	unlock, err := s.acquire(ctx, a.ID)
	if err != nil {
		return Execution{}, err
	}
	defer s.release(ctx, a.ID, unlock)

	if a, err = s.load(ctx, id, sess.Address); err != nil {
		return Execution{}, err
	}
	if a.Status != StatusActive {
		return Execution{}, newError(ErrInvalidState, nil, "Agreement is %s", a.Status)
	}
	if txRec.Memo != cycleMemo(a.CyclesCompleted+1) {
		return Execution{}, newError(ErrInvalidState, nil, "transaction memo %q does not match the next cycle", txRec.Memo)
	}

	executedAt := txRec.CreatedAt.UTC()
	if executedAt.IsZero() {
		executedAt = s.now().UTC()
	}
	adv := a.Advance(executedAt)
	updated, err := s.persistExecution(ctx, a, adv, ExecutionRecord{
		AgreementID: a.ID,
		TxHash:      txHash,
		Cycle:       adv.CyclesCompleted,
		Amount:      a.Amount,
		Asset:       asset,
		Ledger:      txRec.Ledger,
		ExecutedAt:  executedAt,
	}, sess.Address)
	switch {
	case errors.Is(err, ErrDuplicateExecution):
		s.resolveReconciliation(ctx, a.ID, txHash)
		return Execution{Agreement: a, TxHash: txHash, ExecutedAt: executedAt}, nil
	case errors.Is(err, ErrConflict):
		return Execution{}, newError(ErrInvalidState, err, "agreement changed concurrently")
	case err != nil:
		perr := newError(ErrPersistence, err, "apply reconciled payment")
		perr.TxHash = txHash
		return Execution{}, perr
	}

	s.resolveReconciliation(ctx, a.ID, txHash)
	s.logger.Info("payment reconciled", "agreement_id", a.ID, "tx_hash", txHash, "cycle", adv.CyclesCompleted)
	return Execution{Agreement: updated, TxHash: txHash, ExecutedAt: executedAt}, nil
}

func (s *Service) resolveReconciliation(ctx context.Context, id, txHash string) {
	if s.reconciler == nil {
		return
	}
	if err := s.reconciler.Resolve(ctx, id, txHash); err != nil {
		s.logger.Warn("resolve reconciliation", "agreement_id", id, "tx_hash", txHash, "error", err)
	}
}

// matchPayment checks that a ledger transaction is exactly one payment of
// the agreement's terms.
func matchPayment(a Agreement, asset ledger.Asset, tx ledger.TransactionRecord, ops []ledger.OperationRecord) error {
	if len(ops) != 1 {
		return newError(ErrValidation, nil, "transaction must contain exactly one payment, found %d operations", len(ops))
	}
	op := ops[0]
	if op.Type != "payment" {
		return newError(ErrValidation, nil, "transaction operation is %s, not a payment", op.Type)
	}
	from := op.From
	if from == "" {
		from = tx.SourceAccount
	}
	if from != a.Sender {
		return newError(ErrValidation, nil, "payment was not sent from the agreement sender")
	}
	if op.To != a.Recipient {
		return newError(ErrValidation, nil, "payment destination does not match the agreement recipient")
	}
	if op.Asset != asset {
		return newError(ErrValidation, nil, "payment asset %s does not match %s", op.Asset, asset)
	}
	want, err := ledger.ParseAmount(a.Amount)
	if err != nil {
		return newError(ErrValidation, err, "agreement amount is invalid")
	}
	if got, err := ledger.ParseAmount(op.Amount); err != nil || got != want {
		return newError(ErrValidation, nil, "payment amount %s does not match %s", op.Amount, a.Amount)
	}
	return nil
}

func cycleMemo(cycle int) string {
	return fmt.Sprintf("cycle %d", cycle)
}
