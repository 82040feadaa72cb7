package agreement

import (
	"context"
	"errors"
)

// Action is an operator requested status change.
type Action string

const (
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionCancel Action = "cancel"
)

var transitions = map[Status]map[Action]Status{
	StatusActive: {
		ActionPause:  StatusPaused,
		ActionCancel: StatusCancelled,
	},
	StatusPaused: {
		ActionResume: StatusActive,
		ActionCancel: StatusCancelled,
	},
}

// NextStatus returns the status action leads to from current, or false when
// the action is not allowed.
func NextStatus(current Status, action Action) (Status, bool) {
	next, ok := transitions[current][action]
	return next, ok
}

// Pause moves an active agreement to paused.
func (s *Service) Pause(ctx context.Context, sess Session, id string) (Agreement, error) {
	return s.Transition(ctx, sess, id, ActionPause)
}

// Resume moves a paused agreement back to active.
func (s *Service) Resume(ctx context.Context, sess Session, id string) (Agreement, error) {
	return s.Transition(ctx, sess, id, ActionResume)
}

// Cancel ends an active or paused agreement.
func (s *Service) Cancel(ctx context.Context, sess Session, id string) (Agreement, error) {
	return s.Transition(ctx, sess, id, ActionCancel)
}

// Transition applies action under a row lock and records the change in the
// timeline and outbox within the same transaction.
func (s *Service) Transition(ctx context.Context, sess Session, id string, action Action) (Agreement, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Agreement{}, newError(ErrPersistence, err, "begin transition")
	}
	defer tx.Rollback(ctx)

	current, err := s.store.Get(ctx, tx, id, true)
	if err != nil {
		return Agreement{}, s.readError(err, id)
	}
	if current.Sender != sess.Address {
		return Agreement{}, newError(ErrNotFound, nil, "agreement not found")
	}

	next, ok := NextStatus(current.Status, action)
	if !ok {
		return Agreement{}, newError(ErrInvalidState, nil, "cannot %s an agreement that is %s", action, current.Status)
	}

	updated, err := s.store.UpdateStatus(ctx, tx, id, current.Status, next)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return Agreement{}, newError(ErrInvalidState, err, "agreement changed concurrently")
		}
		return Agreement{}, newError(ErrPersistence, err, "update status")
	}

	payload := map[string]any{
		"agreement_id":    id,
		"previous_status": string(current.Status),
		"next_status":     string(next),
		"action":          string(action),
	}
	if err := s.store.AppendTimeline(ctx, tx, TimelineEvent{
		AgreementID: id,
		Type:        TimelineStatusChanged,
		Actor:       sess.Address,
		Payload:     payload,
	}); err != nil {
		return Agreement{}, newError(ErrPersistence, err, "append timeline")
	}
	if err := s.store.EnqueueOutbox(ctx, tx, OutboxMessage{
		Topic: OutboxTopicStatusChanged,
		Payload: map[string]any{
			"agreement_id": id,
			"sender":       updated.Sender,
			"previous":     string(current.Status),
			"next":         string(next),
		},
	}); err != nil {
		return Agreement{}, newError(ErrPersistence, err, "enqueue outbox")
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, newError(ErrPersistence, err, "commit transition")
	}

	s.metrics.StatusChanged(string(current.Status), string(next))
	s.logger.Info("agreement status changed",
		"agreement_id", id,
		"from", current.Status,
		"to", next,
	)
	return updated, nil
}

func (s *Service) readError(err error, id string) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return newError(ErrNotFound, nil, "agreement not found")
	case errors.Is(err, ErrCorruptRow):
		return newError(ErrPersistence, err, "read agreement %s", id)
	default:
		return newError(ErrPersistence, err, "read agreement")
	}
}
