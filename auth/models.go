package auth

import (
	"fmt"
	"time"
)

// Challenge is a one-time nonce an address must sign to log in.
type Challenge struct {
	Nonce     string
	Address   string
	ExpiresAt time.Time
}

// Message is the exact text the wallet signs.
func (c Challenge) Message() string {
	return ChallengeMessage(c.Address, c.Nonce)
}

// ChallengeMessage builds the signed login text for address and nonce.
func ChallengeMessage(address, nonce string) string {
	return fmt.Sprintf("recurpay login\naddress: %s\nnonce: %s", address, nonce)
}

// LoginRequest carries a signed challenge. Signature is the base64 ed25519
// signature of the challenge message.
type LoginRequest struct {
	Address   string `json:"address"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// LoginResult bundles the session token and the address it was issued for.
type LoginResult struct {
	Token     string
	Address   string
	ExpiresAt time.Time
}
