package agreement

import (
	"context"
	"strings"

	"recurpay/ledger"
)

// Create validates params and stores a new active agreement owned by the
// session's address.
func (s *Service) Create(ctx context.Context, sess Session, params CreateParams) (Agreement, error) {
	a, err := s.validateCreate(sess, params)
	if err != nil {
		return Agreement{}, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Agreement{}, newError(ErrPersistence, err, "begin create")
	}
	defer tx.Rollback(ctx)

	created, err := s.store.Insert(ctx, tx, a)
	if err != nil {
		return Agreement{}, newError(ErrPersistence, err, "insert agreement")
	}

	payload := map[string]any{
		"agreement_id": created.ID,
		"sender":       created.Sender,
		"recipient":    created.Recipient,
		"amount":       created.Amount,
		"asset":        created.Asset.String(),
		"frequency":    string(created.Frequency),
		"start_date":   created.StartDate,
	}
	if created.CyclesTotal != nil {
		payload["cycles"] = *created.CyclesTotal
	}
	if err := s.store.AppendTimeline(ctx, tx, TimelineEvent{
		AgreementID: created.ID,
		Type:        TimelineCreated,
		Actor:       sess.Address,
		Payload:     payload,
	}); err != nil {
		return Agreement{}, newError(ErrPersistence, err, "append timeline")
	}
	if err := s.store.EnqueueOutbox(ctx, tx, OutboxMessage{Topic: OutboxTopicCreated, Payload: payload}); err != nil {
		return Agreement{}, newError(ErrPersistence, err, "enqueue outbox")
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, newError(ErrPersistence, err, "commit create")
	}

	s.logger.Info("agreement created", "agreement_id", created.ID, "sender", created.Sender, "frequency", created.Frequency)
	return created, nil
}

func (s *Service) validateCreate(sess Session, p CreateParams) (Agreement, error) {
	if err := ledger.ValidateAddress(sess.Address); err != nil {
		return Agreement{}, newError(ErrValidation, err, "invalid sender address")
	}
	recipient := strings.TrimSpace(p.Recipient)
	if err := ledger.ValidateAddress(recipient); err != nil {
		return Agreement{}, newError(ErrValidation, err, "invalid recipient address")
	}
	amount := strings.TrimSpace(p.Amount)
	if _, err := ledger.ParseAmount(amount); err != nil {
		return Agreement{}, newError(ErrValidation, err, "amount must be a positive number with at most 7 decimals")
	}
	if !p.Frequency.Valid() {
		return Agreement{}, newError(ErrValidation, nil, "frequency must be daily, weekly or monthly")
	}
	if p.StartDate.IsZero() {
		return Agreement{}, newError(ErrValidation, nil, "start date required")
	}
	if p.Cycles != nil && *p.Cycles <= 0 {
		return Agreement{}, newError(ErrValidation, nil, "cycles must be a positive integer")
	}
	asset, err := ledger.ResolveAsset(p.AssetCode, p.AssetIssuer)
	if err != nil {
		return Agreement{}, newError(ErrValidation, err, "invalid asset")
	}

	var cycles *int
	if p.Cycles != nil {
		n := *p.Cycles
		cycles = &n
	}
	start := p.StartDate.UTC()
	return Agreement{
		ID:              s.newID(),
		Sender:          sess.Address,
		Recipient:       recipient,
		Asset:           asset,
		Amount:          amount,
		Frequency:       p.Frequency,
		StartDate:       start,
		CyclesTotal:     cycles,
		CyclesCompleted: 0,
		Status:          StatusActive,
		NextPaymentDate: start,
	}, nil
}

// Get returns the agreement if it belongs to the session. Agreements of
// other owners are reported as not found.
func (s *Service) Get(ctx context.Context, sess Session, id string) (Agreement, error) {
	return s.load(ctx, id, sess.Address)
}

// List returns the session owner's agreements, newest first.
func (s *Service) List(ctx context.Context, sess Session, f ListFilter) ([]Agreement, error) {
	f.Owner = sess.Address
	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, newError(ErrValidation, nil, "unknown status %q", st)
		}
	}
	list, err := s.store.List(ctx, s.db, f)
	if err != nil {
		return nil, newError(ErrPersistence, err, "list agreements")
	}
	return list, nil
}

// Schedule classifies the owner's active agreements at the current time.
func (s *Service) Schedule(ctx context.Context, sess Session) (Schedule, error) {
	var (
		all  []Agreement
		seen = make(map[string]bool)
	)
	for page := 1; ; page++ {
		list, err := s.store.List(ctx, s.db, ListFilter{
			Owner:    sess.Address,
			Statuses: []Status{StatusActive},
			Page:     page,
			PageSize: maxPageSize,
		})
		if err != nil {
			return Schedule{}, newError(ErrPersistence, err, "list agreements")
		}
		// Offset pages can shift under concurrent inserts.
		for _, a := range list {
			if !seen[a.ID] {
				seen[a.ID] = true
				all = append(all, a)
			}
		}
		if len(list) < maxPageSize {
			break
		}
	}
	return Classify(all, s.now()), nil
}

// Executions lists the recorded payments of an agreement.
func (s *Service) Executions(ctx context.Context, sess Session, id string) ([]ExecutionRecord, error) {
	if _, err := s.load(ctx, id, sess.Address); err != nil {
		return nil, err
	}
	recs, err := s.store.ListExecutions(ctx, s.db, id)
	if err != nil {
		return nil, newError(ErrPersistence, err, "list executions")
	}
	return recs, nil
}

// DueAgreements lists active agreements of every owner whose payment date
// has arrived, oldest first.
func (s *Service) DueAgreements(ctx context.Context, limit int) ([]Agreement, error) {
	list, err := s.store.ListDue(ctx, s.db, s.now(), limit)
	if err != nil {
		return nil, newError(ErrPersistence, err, "list due agreements")
	}
	return list, nil
}

// load fetches an agreement; a non-empty owner must match the sender.
func (s *Service) load(ctx context.Context, id, owner string) (Agreement, error) {
	if strings.TrimSpace(id) == "" {
		return Agreement{}, newError(ErrNotFound, nil, "agreement not found")
	}
	a, err := s.store.Get(ctx, s.db, id, false)
	if err != nil {
		return Agreement{}, s.readError(err, id)
	}
	if owner != "" && a.Sender != owner {
		return Agreement{}, newError(ErrNotFound, nil, "agreement not found")
	}
	return a, nil
}
