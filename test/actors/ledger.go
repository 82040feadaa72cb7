package actors

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"recurpay/ledger"
)

var errInjected = errors.New("injected submission failure")

type payment struct {
	req  ledger.PaymentRequest
	hash string
}

// Ledger is an in-process ledger that accepts every signed envelope and
// counts what reached it. FailOneIn > 0 rejects roughly one submission in
// N. LoseOneIn > 0 applies roughly one submission in N but reports its
// outcome as unknown, like a Horizon 504.
type Ledger struct {
	FailOneIn int
	LoseOneIn int

	seq       atomic.Int64
	submitted atomic.Int64
	lost      atomic.Int64

	mu      sync.Mutex
	built   map[string]payment
	applied map[string]ledger.TransactionRecord
	ops     map[string]ledger.OperationRecord
}

func NewLedger(failOneIn, loseOneIn int) *Ledger {
	return &Ledger{
		FailOneIn: failOneIn,
		LoseOneIn: loseOneIn,
		built:     make(map[string]payment),
		applied:   make(map[string]ledger.TransactionRecord),
		ops:       make(map[string]ledger.OperationRecord),
	}
}

func (l *Ledger) BuildPayment(_ context.Context, req ledger.PaymentRequest) (ledger.UnsignedTx, error) {
	n := l.seq.Add(1)
	envelope := fmt.Sprintf("%d|%s|%s|%s|%s", n, req.Source, req.Destination, req.Amount, req.Memo)
	tx := ledger.UnsignedTx{
		Source:      req.Source,
		EnvelopeXDR: envelope,
		Hash:        sha256.Sum256([]byte(envelope)),
	}
	l.mu.Lock()
	l.built[envelope] = payment{req: req, hash: tx.HashHex()}
	l.mu.Unlock()
	return tx, nil
}

func (l *Ledger) Submit(_ context.Context, signedXDR string) (ledger.SubmitResult, error) {
	if l.FailOneIn > 0 && rand.Intn(l.FailOneIn) == 0 {
		return ledger.SubmitResult{}, errInjected
	}
	l.mu.Lock()
	p, ok := l.built[strings.TrimPrefix(signedXDR, "signed:")]
	if !ok {
		l.mu.Unlock()
		return ledger.SubmitResult{}, fmt.Errorf("unknown envelope %q", signedXDR)
	}
	seq := l.submitted.Add(1)
	now := time.Now().UTC()
	l.applied[p.hash] = ledger.TransactionRecord{
		Hash:          p.hash,
		Successful:    true,
		Ledger:        seq,
		SourceAccount: p.req.Source,
		Memo:          p.req.Memo,
		MemoType:      "text",
		CreatedAt:     now,
	}
	l.ops[p.hash] = ledger.OperationRecord{
		ID:              fmt.Sprint(seq),
		Type:            "payment",
		From:            p.req.Source,
		To:              p.req.Destination,
		Amount:          p.req.Amount,
		Asset:           p.req.Asset,
		TransactionHash: p.hash,
		CreatedAt:       now,
	}
	l.mu.Unlock()

	if l.LoseOneIn > 0 && rand.Intn(l.LoseOneIn) == 0 {
		l.lost.Add(1)
		return ledger.SubmitResult{}, fmt.Errorf("%w: injected gateway timeout", ledger.ErrOutcomeUnknown)
	}
	return ledger.SubmitResult{Hash: p.hash, Ledger: seq}, nil
}

func (l *Ledger) Transaction(_ context.Context, hash string) (ledger.TransactionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.applied[hash]
	if !ok {
		return ledger.TransactionRecord{}, ledger.ErrTransactionNotFound
	}
	return rec, nil
}

func (l *Ledger) TransactionOperations(_ context.Context, hash string) ([]ledger.OperationRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	op, ok := l.ops[hash]
	if !ok {
		return nil, ledger.ErrTransactionNotFound
	}
	return []ledger.OperationRecord{op}, nil
}

// Submitted is the number of payments that reached the ledger.
func (l *Ledger) Submitted() int64 { return l.submitted.Load() }

// Lost is the number of applied payments whose outcome was reported unknown.
func (l *Ledger) Lost() int64 { return l.lost.Load() }

// Signer approves every transaction.
type Signer struct{}

func (Signer) Sign(_ context.Context, tx ledger.UnsignedTx) (string, error) {
	return "signed:" + tx.EnvelopeXDR, nil
}

// Publisher counts published outbox messages.
type Publisher struct {
	published atomic.Int64
}

func (p *Publisher) Publish(context.Context, string, []byte) error {
	p.published.Add(1)
	return nil
}

func (p *Publisher) Close() error { return nil }

func (p *Publisher) Published() int64 { return p.published.Load() }
