package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"recurpay/ledger"
)

const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 200

	expandConcurrency = 8
)

// LedgerReader abstracts the ledger reads the service needs.
type LedgerReader interface {
	LoadAccount(ctx context.Context, address string) (ledger.Account, error)
	AccountTransactions(ctx context.Context, address string, limit int) ([]ledger.TransactionRecord, error)
	TransactionOperations(ctx context.Context, hash string) ([]ledger.OperationRecord, error)
}

// Service exposes balances and payment history of a wallet.
type Service struct {
	ledger LedgerReader
}

// NewService builds a Service using the provided ledger reader.
func NewService(l LedgerReader) *Service {
	return &Service{ledger: l}
}

// Overview returns the balances of address. An account that does not exist
// on the ledger yet reports a single native balance of zero.
func (s *Service) Overview(ctx context.Context, address string) (Overview, error) {
	if err := ledger.ValidateAddress(address); err != nil {
		return Overview{}, err
	}
	acct, err := s.ledger.LoadAccount(ctx, address)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return Overview{
			Address:       address,
			NativeBalance: "0",
			Balances:      []Balance{{Asset: ledger.NativeCode, Amount: "0"}},
		}, nil
	}
	if err != nil {
		return Overview{}, fmt.Errorf("wallet: load account: %w", err)
	}

	native := decimal.Zero
	out := Overview{Address: address, Funded: true, Balances: make([]Balance, 0, len(acct.Balances))}
	for _, b := range acct.Balances {
		out.Balances = append(out.Balances, Balance{Asset: b.Asset.String(), Amount: b.Amount})
		if !b.Asset.IsNative() {
			continue
		}
		amt, err := decimal.NewFromString(b.Amount)
		if err != nil {
			return Overview{}, fmt.Errorf("wallet: native balance %q: %w", b.Amount, err)
		}
		native = native.Add(amt)
	}
	out.NativeBalance = native.String()
	return out, nil
}

// History returns the payments in the latest limit transactions of address,
// newest first.
func (s *Service) History(ctx context.Context, address string, limit int) ([]Transfer, error) {
	if err := ledger.ValidateAddress(address); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	txs, err := s.ledger.AccountTransactions(ctx, address, limit)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return []Transfer{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("wallet: list transactions: %w", err)
	}

	ops := make([][]ledger.OperationRecord, len(txs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(expandConcurrency)
	for i, tx := range txs {
		i, hash := i, tx.Hash
		g.Go(func() error {
			records, err := s.ledger.TransactionOperations(gctx, hash)
			if err != nil {
				return fmt.Errorf("wallet: operations of %s: %w", hash, err)
			}
			ops[i] = records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]Transfer, 0, len(txs))
	for i, tx := range txs {
		for _, op := range ops[i] {
			if op.Type != "payment" {
				continue
			}
			var dir Direction
			switch address {
			case op.From:
				dir = DirectionSent
			case op.To:
				dir = DirectionReceived
			default:
				continue
			}
			asset := ledger.NativeCode
			if !op.Asset.IsNative() {
				asset = op.Asset.Code
			}
			date := op.CreatedAt
			if date.IsZero() {
				date = tx.CreatedAt
			}
			out = append(out, Transfer{
				Direction: dir,
				Amount:    op.Amount,
				Asset:     asset,
				Date:      date,
				From:      op.From,
				To:        op.To,
				Memo:      tx.Memo,
				TxHash:    tx.Hash,
			})
		}
	}
	return out, nil
}
