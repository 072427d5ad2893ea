package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesKind(t *testing.T) {
	err := ConcurrencyExceeded("proj_1")
	if !Is(err, KindConcurrency) {
		t.Errorf("Is(err, KindConcurrency) = false, want true")
	}
	if Is(err, KindValidation) {
		t.Errorf("Is(err, KindValidation) = true, want false")
	}
}

func TestIsUnwrapsThroughFmtWrap(t *testing.T) {
	inner := Validation("bad input")
	wrapped := fmt.Errorf("handler failed: %w", inner)

	if !Is(wrapped, KindValidation) {
		t.Errorf("Is(wrapped, KindValidation) = false, want true")
	}
}

func TestIsFalseForPlainError(t *testing.T) {
	if Is(errors.New("boom"), KindFatal) {
		t.Errorf("Is(plain error, KindFatal) = true, want false")
	}
	if Is(nil, KindFatal) {
		t.Errorf("Is(nil, KindFatal) = true, want false")
	}
}

func TestErrorMessageIncludesContext(t *testing.T) {
	err := Conflict("sess_1", "expected status PROVISIONING")
	msg := err.Error()
	if want := "ConflictError: expected status PROVISIONING (session=sess_1)"; msg != want {
		t.Errorf("Error() = %q, want %q", msg, want)
	}
}

func TestTransientUnwrapsCause(t *testing.T) {
	cause := errors.New("throttled")
	err := Transient(cause)
	if !errors.Is(err, cause) {
		t.Errorf("errors.Is(Transient(cause), cause) = false, want true")
	}
}

func TestProvisioningFailedCarriesReason(t *testing.T) {
	err := ProvisioningFailed("sess_2", "container exited")
	if err.Kind() != KindProvFailed {
		t.Errorf("Kind() = %v, want %v", err.Kind(), KindProvFailed)
	}
	if err.Reason != "container exited" {
		t.Errorf("Reason = %q, want %q", err.Reason, "container exited")
	}
}
