package agreement

import (
	"context"
	"time"
)

// RemindDueSoon emits one due-soon event per upcoming payment inside
// DueSoonWindow. Payments already reminded are skipped. It returns the number
// of reminders sent.
func (s *Service) RemindDueSoon(ctx context.Context, limit int) (int, error) {
	now := s.now()
	list, err := s.store.ListDueBetween(ctx, s.db, now, now.Add(DueSoonWindow), limit)
	if err != nil {
		return 0, newError(ErrPersistence, err, "list due-soon agreements")
	}

	sent := 0
	for _, a := range list {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		ok, err := s.remind(ctx, a)
		if err != nil {
			s.logger.Warn("payment reminder failed", "agreement_id", a.ID, "error", err)
			continue
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

func (s *Service) remind(ctx context.Context, a Agreement) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	fresh, err := s.store.MarkReminded(ctx, tx, a.ID, a.NextPaymentDate)
	if err != nil || !fresh {
		return false, err
	}

	payload := map[string]any{
		"agreement_id":      a.ID,
		"sender":            a.Sender,
		"recipient":         a.Recipient,
		"amount":            a.Amount,
		"asset":             a.Asset.String(),
		"next_payment_date": a.NextPaymentDate.Format(time.RFC3339),
		"cycle":             a.CyclesCompleted + 1,
	}
	if err := s.store.AppendTimeline(ctx, tx, TimelineEvent{
		AgreementID: a.ID,
		Type:        TimelineReminderSent,
		Payload:     payload,
	}); err != nil {
		return false, err
	}
	if err := s.store.EnqueueOutbox(ctx, tx, OutboxMessage{Topic: OutboxTopicPaymentDueSoon, Payload: payload}); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}
