package agreement

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by Service matches exactly one of these
// with errors.Is, except ErrSubmission which also matches ErrLedger.
var (
	ErrValidation      = errors.New("agreement: validation error")
	ErrNotFound        = errors.New("agreement: not found")
	ErrInvalidState    = errors.New("agreement: invalid state")
	ErrNotDue          = errors.New("agreement: not due")
	ErrInvalidAsset    = errors.New("agreement: invalid asset")
	ErrLedger          = errors.New("agreement: ledger error")
	ErrSubmission      = errors.New("agreement: submission error")
	ErrSigningRejected = errors.New("agreement: signing rejected")
	ErrPersistence     = errors.New("agreement: persistence error")
)

// Store level sentinels.
var (
	// ErrDuplicateExecution signals the ledger tx hash was already recorded.
	ErrDuplicateExecution = errors.New("agreement: duplicate execution")
	// ErrConflict signals a conditional update matched no row.
	ErrConflict = errors.New("agreement: concurrent update")
	// ErrLockHeld signals another execution holds the agreement's lock.
	ErrLockHeld = errors.New("agreement: execution lock held")
	// ErrCorruptRow signals a stored row that does not map to a valid Agreement.
	ErrCorruptRow = errors.New("agreement: corrupt row")
)

// Error is the error type returned by Service operations.
type Error struct {
	Kind    error
	Message string
	// TxHash is set once funds have moved on the ledger.
	TxHash string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.TxHash != "" {
		msg += " (tx " + e.TxHash + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Kind == ErrSubmission {
		errs = append(errs, ErrLedger)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func newError(kind error, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// Code returns a stable snake_case identifier for err's kind, or "internal".
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrNotDue):
		return "not_due"
	case errors.Is(err, ErrInvalidAsset):
		return "invalid_asset"
	case errors.Is(err, ErrSubmission):
		return "submission_error"
	case errors.Is(err, ErrLedger):
		return "ledger_error"
	case errors.Is(err, ErrSigningRejected):
		return "signing_rejected"
	case errors.Is(err, ErrPersistence):
		return "persistence_error"
	default:
		return "internal"
	}
}

// TxHashOf returns the ledger transaction hash carried by err, if any.
func TxHashOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.TxHash
	}
	return ""
}
