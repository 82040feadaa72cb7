package agreement

import (
	"errors"
	"fmt"
	"testing"
)

func TestCode(t *testing.T) {
	cases := map[error]string{
		newError(ErrValidation, nil, "x"):      "validation_error",
		newError(ErrNotFound, nil, "x"):        "not_found",
		newError(ErrInvalidState, nil, "x"):    "invalid_state",
		newError(ErrNotDue, nil, "x"):          "not_due",
		newError(ErrInvalidAsset, nil, "x"):    "invalid_asset",
		newError(ErrLedger, nil, "x"):          "ledger_error",
		newError(ErrSubmission, nil, "x"):      "submission_error",
		newError(ErrSigningRejected, nil, "x"): "signing_rejected",
		newError(ErrPersistence, nil, "x"):     "persistence_error",
		errors.New("boom"):                     "internal",
	}
	for err, want := range cases {
		if got := Code(err); got != want {
			t.Errorf("Code(%v) = %q, want %q", err, got, want)
		}
	}
}

func TestError_WrapsCauseAndHash(t *testing.T) {
	cause := errors.New("deadlock detected")
	e := newError(ErrPersistence, cause, "advance agreement %s", "a1")
	e.TxHash = "abc"
	wrapped := fmt.Errorf("handler: %w", e)

	if !errors.Is(wrapped, ErrPersistence) || !errors.Is(wrapped, cause) {
		t.Fatalf("expected kind and cause to match")
	}
	if errors.Is(wrapped, ErrLedger) {
		t.Fatalf("persistence error must not match ledger kind")
	}
	if TxHashOf(wrapped) != "abc" {
		t.Fatalf("tx hash lost through wrapping")
	}
	if got := e.Error(); got != "advance agreement a1 (tx abc): deadlock detected" {
		t.Fatalf("unexpected message %q", got)
	}
}
