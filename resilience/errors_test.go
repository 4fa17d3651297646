package resilience

import (
	"errors"
	"testing"
)

func TestIsKindMatchesWrappedError(t *testing.T) {
	err := New(KindPickFailure, "no bus coordinate", errors.New("boom"))
	if !IsKind(err, KindPickFailure) {
		t.Error("IsKind should match the exact kind the error was constructed with")
	}
	if IsKind(err, KindFatal) {
		t.Error("IsKind should not match a different kind")
	}
}

func TestIsKindFalseForPlainError(t *testing.T) {
	if IsKind(errors.New("plain"), KindPickFailure) {
		t.Error("IsKind must return false for an error that isn't *Error")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := New(KindFatal, "wrapping", cause)
	if !errors.Is(err, cause) {
		t.Error("errors.Is should see through Error.Unwrap to the cause")
	}
}

func TestErrorStringIncludesKindAndMessage(t *testing.T) {
	err := New(KindClaimDenied, "already owned", nil)
	got := err.Error()
	if got != "ClaimDenied: already owned" {
		t.Errorf("Error() = %q, want %q", got, "ClaimDenied: already owned")
	}
}
