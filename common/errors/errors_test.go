package errors

import (
	"errors"
	"testing"
)

func TestNilErrorHasNoCode(t *testing.T) {
	var e *ExitCodeError = NewError(nil, SetupFailedExitCode)
	if e != nil {
		t.Fatalf("expected nil ExitCodeError for nil error, got %v", e)
	}
	if e.GetExitCode() != 0 {
		t.Fatalf("expected 0 exit code on nil receiver, got %d", e.GetExitCode())
	}
}

func TestExitCodeErrorUnwraps(t *testing.T) {
	base := errors.New("driver checksum mismatch")
	e := NewError(base, SetupFailedExitCode)
	if e.GetExitCode() != 102 {
		t.Fatalf("expected 102, got %d", e.GetExitCode())
	}
	if !errors.Is(e, base) {
		t.Fatalf("expected wrapped error to unwrap to base")
	}
	if SetupCancelledExitCode.String() != "cancelled during setup" {
		t.Fatalf("unexpected string %q", SetupCancelledExitCode.String())
	}
}
