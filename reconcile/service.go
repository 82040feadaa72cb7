package reconcile

import (
	"context"
	"log/slog"
)

// Store is the persistence the service needs.
type Store interface {
	Open(ctx context.Context, agreementID, txHash string, expectedCycles int, reason string) error
	Resolve(ctx context.Context, agreementID, txHash string) error
	List(ctx context.Context, ownerID, agreementID string) ([]Record, error)
	ListOpen(ctx context.Context, limit int) ([]Record, error)
}

// Service tracks payments whose agreement write-back failed. It satisfies
// agreement.Reconciler.
type Service struct {
	repo   Store
	logger *slog.Logger
}

func NewService(repo Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger}
}

func (s *Service) Open(ctx context.Context, agreementID, txHash string, expectedCycles int, reason string) error {
	if err := s.repo.Open(ctx, agreementID, txHash, expectedCycles, reason); err != nil {
		return err
	}
	s.logger.Warn("reconciliation opened", "agreement_id", agreementID, "tx_hash", txHash, "expected_cycles", expectedCycles)
	return nil
}

func (s *Service) Resolve(ctx context.Context, agreementID, txHash string) error {
	return s.repo.Resolve(ctx, agreementID, txHash)
}

func (s *Service) List(ctx context.Context, ownerID, agreementID string) ([]Record, error) {
	return s.repo.List(ctx, ownerID, agreementID)
}

func (s *Service) ListOpen(ctx context.Context, limit int) ([]Record, error) {
	return s.repo.ListOpen(ctx, limit)
}
