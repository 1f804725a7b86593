package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKindAndMessage(t *testing.T) {
	err := New(KindNotFound, "task %s not found", "abc")

	if KindOf(err) != KindNotFound {
		t.Errorf("KindOf() = %s, want NotFound", KindOf(err))
	}
	if MessageOf(err) != "task abc not found" {
		t.Errorf("MessageOf() = %q", MessageOf(err))
	}
}

func TestErrorWithHint(t *testing.T) {
	err := New(KindCapacityExceeded, "busy").WithHint("try later")

	if HintOf(err) != "try later" {
		t.Errorf("HintOf() = %q, want %q", HintOf(err), "try later")
	}
}

func TestKindOfWrapped(t *testing.T) {
	inner := New(KindStorage, "disk broke")
	wrapped := fmt.Errorf("while saving: %w", inner)

	if KindOf(wrapped) != KindStorage {
		t.Errorf("KindOf(wrapped) = %s, want Storage", KindOf(wrapped))
	}
}

func TestKindOfUnclassified(t *testing.T) {
	if KindOf(errors.New("plain")) != KindIO {
		t.Error("unclassified errors should default to IO")
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(KindProviderFailed, cause, "call failed")

	if !errors.Is(err, cause) {
		t.Error("wrapped error should match the cause via errors.Is")
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"nil", nil, false},
		{"explicit transient", NewTransientError(errors.New("x"), ""), true},
		{"explicit permanent", NewPermanentError(errors.New("timeout"), ""), false},
		{"sqlite busy", errors.New("database is locked"), true},
		{"sqlite table lock", errors.New("database table is locked"), true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"deadline", errors.New("context deadline exceeded"), true},
		{"plain", errors.New("no such column"), false},
		{"provider unavailable kind", New(KindProviderUnavailable, "down"), true},
		{"invalid input kind", New(KindInvalidInput, "bad"), false},
		{"not found kind", New(KindNotFound, "missing"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.transient {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.transient)
			}
		})
	}
}
