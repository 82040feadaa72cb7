package ledger

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/txnbuild"
)

const (
	// BaseFee is the per-operation fee in stroops.
	BaseFee = txnbuild.MinBaseFee
	// DefaultTimeout bounds how long a built transaction stays valid.
	DefaultTimeout = 30 * time.Second
)

// PaymentTx describes a single payment operation transaction.
type PaymentTx struct {
	Source      string
	Destination string
	Asset       Asset
	Amount      string
	// AccountSequence is the source account's current sequence; the
	// transaction consumes the next one.
	AccountSequence int64
	Fee             int64
	Memo            string
	ValidUntil      time.Time
}

// UnsignedTx is a transaction envelope with no signatures yet.
type UnsignedTx struct {
	Source            string
	EnvelopeXDR       string
	Hash              [32]byte
	NetworkPassphrase string
	// ValidUntil is the envelope's max time; after it the network rejects
	// the transaction. Zero means unbounded.
	ValidUntil time.Time
}

// HashHex is the transaction hash as reported by Horizon.
func (t UnsignedTx) HashHex() string {
	return hex.EncodeToString(t.Hash[:])
}

// BuildPayment assembles a one-operation payment envelope for the network.
func (n Network) BuildPayment(p PaymentTx) (UnsignedTx, error) {
	if err := ValidateAddress(p.Source); err != nil {
		return UnsignedTx{}, fmt.Errorf("ledger: source: %w", err)
	}
	if err := ValidateAddress(p.Destination); err != nil {
		return UnsignedTx{}, fmt.Errorf("ledger: destination: %w", err)
	}
	stroops, err := ParseAmount(p.Amount)
	if err != nil {
		return UnsignedTx{}, err
	}
	asset, err := txAsset(p.Asset)
	if err != nil {
		return UnsignedTx{}, err
	}
	fee := p.Fee
	if fee <= 0 {
		fee = BaseFee
	}
	bounds := txnbuild.NewInfiniteTimeout()
	if !p.ValidUntil.IsZero() {
		bounds = txnbuild.NewTimebounds(0, p.ValidUntil.Unix())
	}
	var memo txnbuild.Memo
	if p.Memo != "" {
		memo = txnbuild.MemoText(p.Memo)
	}

	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &txnbuild.SimpleAccount{AccountID: p.Source, Sequence: p.AccountSequence},
		IncrementSequenceNum: true,
		Operations: []txnbuild.Operation{&txnbuild.Payment{
			Destination: p.Destination,
			Amount:      FormatAmount(stroops),
			Asset:       asset,
		}},
		BaseFee:       fee,
		Memo:          memo,
		Preconditions: txnbuild.Preconditions{TimeBounds: bounds},
	})
	if err != nil {
		return UnsignedTx{}, fmt.Errorf("ledger: build transaction: %w", err)
	}
	hash, err := tx.Hash(n.Passphrase)
	if err != nil {
		return UnsignedTx{}, fmt.Errorf("ledger: hash transaction: %w", err)
	}
	envelope, err := tx.Base64()
	if err != nil {
		return UnsignedTx{}, fmt.Errorf("ledger: encode envelope: %w", err)
	}
	out := UnsignedTx{
		Source:            p.Source,
		EnvelopeXDR:       envelope,
		Hash:              hash,
		NetworkPassphrase: n.Passphrase,
	}
	if !p.ValidUntil.IsZero() {
		out.ValidUntil = time.Unix(p.ValidUntil.Unix(), 0).UTC()
	}
	return out, nil
}

// SignEnvelope decodes a base64 envelope, adds kp's signature for the
// given network and re-encodes it.
func SignEnvelope(envelopeXDR, passphrase string, kp *keypair.Full) (string, error) {
	tx, err := ParseEnvelope(envelopeXDR)
	if err != nil {
		return "", err
	}
	signed, err := tx.Sign(passphrase, kp)
	if err != nil {
		return "", fmt.Errorf("ledger: sign envelope: %w", err)
	}
	return signed.Base64()
}

// ParseEnvelope decodes a base64 transaction envelope.
func ParseEnvelope(envelopeXDR string) (*txnbuild.Transaction, error) {
	generic, err := txnbuild.TransactionFromXDR(envelopeXDR)
	if err != nil {
		return nil, fmt.Errorf("ledger: decode envelope: %w", err)
	}
	tx, ok := generic.Transaction()
	if !ok {
		return nil, errors.New("ledger: fee bump envelopes are not supported")
	}
	return tx, nil
}

func txAsset(a Asset) (txnbuild.Asset, error) {
	if a.IsNative() {
		return txnbuild.NativeAsset{}, nil
	}
	if err := ValidateAddress(a.Issuer); err != nil {
		return nil, fmt.Errorf("ledger: asset issuer: %w", err)
	}
	return txnbuild.CreditAsset{Code: a.Code, Issuer: a.Issuer}, nil
}
