package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"recurpay/ledger"
)

const (
	DefaultChallengeTTL = 5 * time.Minute
	tokenTTL            = 24 * time.Hour
)

var (
	// ErrInvalidAddress signals a malformed account address.
	ErrInvalidAddress = errors.New("auth: invalid address")
	// ErrInvalidSignature signals the challenge signature does not verify.
	ErrInvalidSignature = errors.New("auth: invalid signature")
	// ErrInvalidToken signals a session token that cannot be trusted.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Service handles wallet authentication.
type Service struct {
	repo         Repository
	jwtSecret    []byte
	challengeTTL time.Duration
	now          func() time.Time
}

// NewService creates a new authentication service.
func NewService(repo Repository, jwtSecret string, challengeTTL time.Duration) *Service {
	if challengeTTL <= 0 {
		challengeTTL = DefaultChallengeTTL
	}
	return &Service{
		repo:         repo,
		jwtSecret:    []byte(jwtSecret),
		challengeTTL: challengeTTL,
		now:          time.Now,
	}
}

// Challenge issues a nonce for address to sign.
func (s *Service) Challenge(ctx context.Context, address string) (Challenge, error) {
	address = strings.TrimSpace(address)
	if err := ledger.ValidateAddress(address); err != nil {
		return Challenge{}, ErrInvalidAddress
	}
	c := Challenge{
		Nonce:     uuid.NewString(),
		Address:   address,
		ExpiresAt: s.now().Add(s.challengeTTL).UTC(),
	}
	if err := s.repo.CreateChallenge(ctx, c); err != nil {
		return Challenge{}, err
	}
	return c, nil
}

// Login verifies the signed challenge and returns a session token whose
// subject is the wallet address.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	address := strings.TrimSpace(req.Address)
	pub, err := ledger.DecodeAddress(address)
	if err != nil {
		return LoginResult{}, ErrInvalidAddress
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(req.Signature))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return LoginResult{}, ErrInvalidSignature
	}

	// The nonce is spent even when the signature fails.
	c, err := s.repo.ConsumeChallenge(ctx, strings.TrimSpace(req.Nonce), address, s.now())
	if err != nil {
		return LoginResult{}, err
	}
	if !ed25519.Verify(pub, []byte(c.Message()), sig) {
		return LoginResult{}, ErrInvalidSignature
	}

	expires := s.now().Add(tokenTTL)
	token, err := s.generateToken(address, expires)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}
	return LoginResult{Token: token, Address: address, ExpiresAt: expires.UTC()}, nil
}

// VerifyToken validates a session token and returns the wallet address.
func (s *Service) VerifyToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	address, err := claims.GetSubject()
	if err != nil || ledger.ValidateAddress(address) != nil {
		return "", fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	return address, nil
}

func (s *Service) generateToken(address string, expires time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub": address,
		"exp": expires.Unix(),
		"iat": s.now().Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

// OperatorGuard checks the operator key protecting internal endpoints
// against a bcrypt hash.
type OperatorGuard struct {
	hash []byte
}

// NewOperatorGuard returns nil when hash is empty, which disables internal
// endpoints.
func NewOperatorGuard(hash string) (*OperatorGuard, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return nil, nil
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("auth: operator key hash: %w", err)
	}
	return &OperatorGuard{hash: []byte(hash)}, nil
}

// Allow reports whether key matches. A nil guard allows nothing.
func (g *OperatorGuard) Allow(key string) bool {
	if g == nil || key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(g.hash, []byte(key)) == nil
}
