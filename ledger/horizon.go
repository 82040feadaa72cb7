package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stellar/go/clients/horizonclient"
	hProtocol "github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/protocols/horizon/operations"
	"golang.org/x/time/rate"
)

var (
	// ErrAccountNotFound is returned when Horizon has no record of an account (unfunded).
	ErrAccountNotFound = errors.New("ledger: account not found")
	// ErrTransactionNotFound is returned for unknown transaction hashes.
	ErrTransactionNotFound = errors.New("ledger: transaction not found")
	// ErrOutcomeUnknown is returned by Submit when the envelope may have
	// reached the network but Horizon gave no verdict, e.g. a 504 or a
	// dropped connection. The transaction can still be included until its
	// max time passes.
	ErrOutcomeUnknown = errors.New("ledger: submission outcome unknown")
)

// Balance is one trustline (or the native balance) of an account.
type Balance struct {
	Asset  Asset
	Amount string
}

// Account is the subset of account state the service reads.
type Account struct {
	ID       string
	Sequence int64
	Balances []Balance
}

// TransactionRecord is a confirmed transaction.
type TransactionRecord struct {
	Hash          string
	Successful    bool
	Ledger        int64
	SourceAccount string
	Memo          string
	MemoType      string
	CreatedAt     time.Time
}

// OperationRecord is a confirmed operation; payment fields are empty for
// types other than payment and create_account.
type OperationRecord struct {
	ID              string
	Type            string
	From            string
	To              string
	Amount          string
	Asset           Asset
	TransactionHash string
	CreatedAt       time.Time
}

// SubmitResult is what Horizon reports for an accepted transaction.
type SubmitResult struct {
	Hash   string
	Ledger int64
}

// PaymentRequest is the input to BuildPayment.
type PaymentRequest struct {
	Source      string
	Destination string
	Amount      string
	Asset       Asset
	Memo        string
}

// Client talks to a Horizon server through horizonclient.
type Client struct {
	network    Network
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	timeout    time.Duration
	now        func() time.Time
}

// Option customises a Client.
type Option func(*Client)

// WithBaseURL overrides the network's Horizon URL.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if strings.TrimSpace(u) != "" {
			c.baseURL = strings.TrimSuffix(strings.TrimSpace(u), "/")
		}
	}
}

// WithHTTPClient replaces the default http.Client. Its Timeout bounds every
// Horizon round trip.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit throttles outgoing requests. rps <= 0 disables throttling.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithClock overrides the clock used for transaction time bounds.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient returns a Horizon client for network.
func NewClient(network Network, opts ...Option) *Client {
	c := &Client{
		network:    network,
		baseURL:    strings.TrimSuffix(network.HorizonURL, "/"),
		httpClient: &http.Client{Timeout: 20 * time.Second},
		timeout:    DefaultTimeout,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Network returns the network the client builds transactions for.
func (c *Client) Network() Network {
	return c.network
}

// horizon returns a horizonclient bound to ctx. horizonclient has no
// per-call context, so cancellation rides on the HTTP doer instead.
func (c *Client) horizon(ctx context.Context) (*horizonclient.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("ledger: rate limit: %w", err)
		}
	}
	hc := &horizonclient.Client{
		HorizonURL: c.baseURL,
		HTTP:       contextDoer{ctx: ctx, hc: c.httpClient},
		AppName:    "recurpay",
	}
	if c.httpClient.Timeout > 0 {
		hc.SetHorizonTimeout(c.httpClient.Timeout)
	}
	return hc, nil
}

// LoadAccount fetches an account's sequence number and balances.
func (c *Client) LoadAccount(ctx context.Context, address string) (Account, error) {
	if err := ValidateAddress(address); err != nil {
		return Account{}, err
	}
	hc, err := c.horizon(ctx)
	if err != nil {
		return Account{}, err
	}
	doc, err := hc.AccountDetail(horizonclient.AccountRequest{AccountID: address})
	if err != nil {
		if isNotFound(err) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("ledger: load account: %w", err)
	}
	acct := Account{ID: doc.ID, Sequence: doc.Sequence, Balances: make([]Balance, 0, len(doc.Balances))}
	for _, b := range doc.Balances {
		if b.Type == "liquidity_pool_shares" {
			continue
		}
		acct.Balances = append(acct.Balances, Balance{Asset: docAsset(b.Type, b.Code, b.Issuer), Amount: b.Balance})
	}
	return acct, nil
}

// BuildPayment loads the source account and returns an unsigned single
// payment transaction valid for the client's timeout.
func (c *Client) BuildPayment(ctx context.Context, req PaymentRequest) (UnsignedTx, error) {
	acct, err := c.LoadAccount(ctx, req.Source)
	if err != nil {
		return UnsignedTx{}, fmt.Errorf("ledger: load source account: %w", err)
	}
	return c.network.BuildPayment(PaymentTx{
		Source:          req.Source,
		Destination:     req.Destination,
		Asset:           req.Asset,
		Amount:          req.Amount,
		AccountSequence: acct.Sequence,
		Fee:             BaseFee,
		Memo:            req.Memo,
		ValidUntil:      c.now().Add(c.timeout),
	})
}

// Submit posts a signed envelope and waits for Horizon's verdict. A
// rejection carries Horizon's result codes (see ResultCodes); an error
// matching ErrOutcomeUnknown means the envelope may still be applied.
func (c *Client) Submit(ctx context.Context, signedXDR string) (SubmitResult, error) {
	hc, err := c.horizon(ctx)
	if err != nil {
		return SubmitResult{}, err
	}
	tx, err := hc.SubmitTransactionXDR(signedXDR)
	if err != nil {
		if indeterminate(err) {
			return SubmitResult{}, fmt.Errorf("%w: %w", ErrOutcomeUnknown, err)
		}
		return SubmitResult{}, fmt.Errorf("ledger: submit rejected: %w", err)
	}
	if tx.Hash == "" {
		return SubmitResult{}, fmt.Errorf("%w: submit returned no transaction", ErrOutcomeUnknown)
	}
	return SubmitResult{Hash: tx.Hash, Ledger: int64(tx.Ledger)}, nil
}

// Transaction looks up a transaction by hash.
func (c *Client) Transaction(ctx context.Context, hash string) (TransactionRecord, error) {
	hc, err := c.horizon(ctx)
	if err != nil {
		return TransactionRecord{}, err
	}
	tx, err := hc.TransactionDetail(hash)
	if err != nil {
		if isNotFound(err) {
			return TransactionRecord{}, ErrTransactionNotFound
		}
		return TransactionRecord{}, fmt.Errorf("ledger: transaction %s: %w", hash, err)
	}
	return transactionRecord(tx), nil
}

// AccountTransactions lists the newest transactions touching address.
func (c *Client) AccountTransactions(ctx context.Context, address string, limit int) ([]TransactionRecord, error) {
	if err := ValidateAddress(address); err != nil {
		return nil, err
	}
	hc, err := c.horizon(ctx)
	if err != nil {
		return nil, err
	}
	page, err := hc.Transactions(horizonclient.TransactionRequest{
		ForAccount: address,
		Order:      horizonclient.OrderDesc,
		Limit:      uint(limit),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("ledger: account transactions: %w", err)
	}
	out := make([]TransactionRecord, 0, len(page.Embedded.Records))
	for _, tx := range page.Embedded.Records {
		out = append(out, transactionRecord(tx))
	}
	return out, nil
}

// TransactionOperations lists the operations of a transaction.
func (c *Client) TransactionOperations(ctx context.Context, hash string) ([]OperationRecord, error) {
	hc, err := c.horizon(ctx)
	if err != nil {
		return nil, err
	}
	page, err := hc.Operations(horizonclient.OperationRequest{ForTransaction: hash, Limit: 200})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("ledger: transaction operations: %w", err)
	}
	out := make([]OperationRecord, 0, len(page.Embedded.Records))
	for _, op := range page.Embedded.Records {
		out = append(out, operationRecord(op))
	}
	return out, nil
}

// ResultCodes returns the transaction and operation result codes Horizon
// attached to a rejected submission, if any.
func ResultCodes(err error) (string, []string) {
	var herr *horizonclient.Error
	if !errors.As(err, &herr) {
		return "", nil
	}
	rc, rerr := herr.ResultCodes()
	if rerr != nil || rc == nil {
		return "", nil
	}
	return rc.TransactionCode, rc.OperationCodes
}

// indeterminate reports whether a submission error leaves the outcome
// open. Horizon answers 4xx only for envelopes core refused; 5xx (504
// timeout in particular) and transport failures say nothing either way.
func indeterminate(err error) bool {
	var herr *horizonclient.Error
	if !errors.As(err, &herr) {
		return true
	}
	status := herr.Problem.Status
	if status == 0 && herr.Response != nil {
		status = herr.Response.StatusCode
	}
	return status >= http.StatusInternalServerError || strings.HasSuffix(herr.Problem.Type, "/timeout")
}

func isNotFound(err error) bool {
	if horizonclient.IsNotFoundError(err) {
		return true
	}
	var herr *horizonclient.Error
	if errors.As(err, &herr) {
		if herr.Problem.Status == http.StatusNotFound {
			return true
		}
		return herr.Response != nil && herr.Response.StatusCode == http.StatusNotFound
	}
	return false
}

func transactionRecord(tx hProtocol.Transaction) TransactionRecord {
	return TransactionRecord{
		Hash:          tx.Hash,
		Successful:    tx.Successful,
		Ledger:        int64(tx.Ledger),
		SourceAccount: tx.Account,
		Memo:          tx.Memo,
		MemoType:      tx.MemoType,
		CreatedAt:     tx.LedgerCloseTime,
	}
}

func operationRecord(op operations.Operation) OperationRecord {
	b := op.GetBase()
	rec := OperationRecord{
		ID:              b.ID,
		Type:            b.Type,
		TransactionHash: b.TransactionHash,
		CreatedAt:       b.LedgerCloseTime,
	}
	switch o := op.(type) {
	case operations.Payment:
		rec.From, rec.To, rec.Amount = o.From, o.To, o.Amount
		rec.Asset = docAsset(o.Asset.Type, o.Asset.Code, o.Asset.Issuer)
	case operations.CreateAccount:
		rec.From, rec.To, rec.Amount = o.Funder, o.Account, o.StartingBalance
		rec.Asset = Native()
	}
	return rec
}

func docAsset(assetType, code, issuer string) Asset {
	if assetType == "native" {
		return Native()
	}
	return Asset{Code: code, Issuer: issuer}
}

// contextDoer satisfies horizonclient.HTTP, replacing the request context
// horizonclient derives from context.Background with the caller's.
type contextDoer struct {
	ctx context.Context
	hc  *http.Client
}

func (d contextDoer) Do(req *http.Request) (*http.Response, error) {
	return d.hc.Do(req.WithContext(d.ctx))
}

func (d contextDoer) Get(u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(d.ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return d.hc.Do(req)
}

func (d contextDoer) PostForm(u string, data url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(d.ctx, http.MethodPost, u, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return d.hc.Do(req)
}
