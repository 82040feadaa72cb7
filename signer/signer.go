package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stellar/go/keypair"

	"recurpay/ledger"
)

var (
	// ErrRejected signals the signing party declined to sign.
	ErrRejected = errors.New("signer: signing rejected")
	// ErrUnavailable signals the signing party could not be reached.
	ErrUnavailable = errors.New("signer: signer unavailable")
)

// Keypair signs with a locally held secret seed. It only signs transactions
// whose source account matches its own key.
type Keypair struct {
	kp *keypair.Full
}

// NewKeypair parses an S... secret seed.
func NewKeypair(secret string) (*Keypair, error) {
	kp, err := ledger.ParseSeed(strings.TrimSpace(secret))
	if err != nil {
		return nil, err
	}
	return &Keypair{kp: kp}, nil
}

// Address is the account id the keypair controls.
func (k *Keypair) Address() string {
	return k.kp.Address()
}

// Sign returns the envelope with this key's signature attached.
func (k *Keypair) Sign(_ context.Context, tx ledger.UnsignedTx) (string, error) {
	if tx.Source != k.kp.Address() {
		return "", fmt.Errorf("%w: no key held for %s", ErrRejected, tx.Source)
	}
	if tx.NetworkPassphrase == "" {
		return "", fmt.Errorf("%w: transaction is not bound to a network", ErrRejected)
	}
	signed, err := ledger.SignEnvelope(tx.EnvelopeXDR, tx.NetworkPassphrase, k.kp)
	if err != nil {
		return "", fmt.Errorf("signer: attach signature: %w", err)
	}
	return signed, nil
}

// Remote forwards envelopes to a wallet bridge that prompts the account
// holder and returns the signed envelope.
type Remote struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

// NewRemote builds a wallet bridge client. The timeout bounds how long the
// holder has to approve.
func NewRemote(url, apiKey string, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Remote{
		url:        strings.TrimSuffix(strings.TrimSpace(url), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type signRequest struct {
	Address           string `json:"address"`
	XDR               string `json:"xdr"`
	NetworkPassphrase string `json:"network_passphrase"`
}

type signResponse struct {
	SignedXDR string `json:"signed_xdr"`
	Error     string `json:"error"`
}

// Sign asks the bridge to sign tx on behalf of its source account.
func (r *Remote) Sign(ctx context.Context, tx ledger.UnsignedTx) (string, error) {
	body, err := json.Marshal(signRequest{
		Address:           tx.Source,
		XDR:               tx.EnvelopeXDR,
		NetworkPassphrase: tx.NetworkPassphrase,
	})
	if err != nil {
		return "", fmt.Errorf("signer: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url+"/sign", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("signer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	var out signResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			if resp.StatusCode == http.StatusOK {
				return "", fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
			}
			out = signResponse{}
		}
	}

	switch {
	case resp.StatusCode == http.StatusOK && out.SignedXDR != "":
		return out.SignedXDR, nil
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusConflict, resp.StatusCode == http.StatusUnprocessableEntity:
		msg := out.Error
		if msg == "" {
			msg = "declined by account holder"
		}
		return "", fmt.Errorf("%w: %s", ErrRejected, msg)
	case resp.StatusCode == http.StatusOK:
		return "", fmt.Errorf("%w: bridge returned no envelope", ErrUnavailable)
	default:
		return "", fmt.Errorf("%w: bridge returned status %d", ErrUnavailable, resp.StatusCode)
	}
}
