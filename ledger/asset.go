package ledger

import (
	"errors"
	"math"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// NativeCode is the asset code used for the network's native asset.
const NativeCode = "XLM"

var (
	// ErrInvalidAsset is returned when a non-native asset lacks a usable code or issuer.
	ErrInvalidAsset = errors.New("ledger: invalid asset")
	// ErrInvalidAmount is returned for amounts that are not positive decimals with at most 7 places.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
)

var assetCodePattern = regexp.MustCompile(`^[A-Za-z0-9]{1,12}$`)

// Asset identifies a ledger asset. The native asset carries no issuer.
type Asset struct {
	Code   string
	Issuer string
}

// Native returns the native asset.
func Native() Asset {
	return Asset{Code: NativeCode}
}

// IsNative reports whether the asset is the network's native asset.
func (a Asset) IsNative() bool {
	return a.Code == "" || a.Code == NativeCode
}

func (a Asset) String() string {
	if a.IsNative() {
		return NativeCode
	}
	return a.Code + ":" + a.Issuer
}

// ResolveAsset turns a user supplied code and issuer into a concrete asset.
// XLM (or an empty code) is native and any issuer is ignored; every other
// code needs a valid issuer account.
func ResolveAsset(code, issuer string) (Asset, error) {
	code = strings.TrimSpace(code)
	issuer = strings.TrimSpace(issuer)
	if code == "" || code == NativeCode {
		return Native(), nil
	}
	if !assetCodePattern.MatchString(code) || issuer == "" {
		return Asset{}, ErrInvalidAsset
	}
	if err := ValidateAddress(issuer); err != nil {
		return Asset{}, ErrInvalidAsset
	}
	return Asset{Code: code, Issuer: issuer}, nil
}

// ParseAmount validates a decimal amount string and returns it in stroops.
func ParseAmount(s string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, ErrInvalidAmount
	}
	if !d.IsPositive() {
		return 0, ErrInvalidAmount
	}
	stroops := d.Shift(7)
	if !stroops.IsInteger() || stroops.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return 0, ErrInvalidAmount
	}
	return stroops.IntPart(), nil
}

// FormatAmount renders stroops with the seven fixed decimals Horizon uses.
func FormatAmount(stroops int64) string {
	return decimal.New(stroops, -7).StringFixed(7)
}
