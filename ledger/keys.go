package ledger

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/strkey"
)

var (
	// ErrInvalidAddress is returned for account ids that fail StrKey decoding.
	ErrInvalidAddress = errors.New("ledger: invalid account address")
	// ErrInvalidSeed is returned for secret seeds that fail StrKey decoding.
	ErrInvalidSeed = errors.New("ledger: invalid secret seed")
)

// EncodeAddress renders an ed25519 public key as a G... account id.
func EncodeAddress(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("ledger: public key must be %d bytes", ed25519.PublicKeySize)
	}
	return strkey.Encode(strkey.VersionByteAccountID, pub)
}

// DecodeAddress parses a G... account id into its public key.
func DecodeAddress(address string) (ed25519.PublicKey, error) {
	raw, err := strkey.Decode(strkey.VersionByteAccountID, address)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, ErrInvalidAddress
	}
	return ed25519.PublicKey(raw), nil
}

// ValidateAddress reports whether address is a well-formed account id.
func ValidateAddress(address string) error {
	if !strkey.IsValidEd25519PublicKey(address) {
		return ErrInvalidAddress
	}
	return nil
}

// ParseSeed parses an S... secret seed into a signing keypair.
func ParseSeed(secret string) (*keypair.Full, error) {
	kp, err := keypair.ParseFull(secret)
	if err != nil {
		return nil, ErrInvalidSeed
	}
	return kp, nil
}
