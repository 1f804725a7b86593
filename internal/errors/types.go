// Package errors defines the error taxonomy surfaced through the tool
// envelope, plus transient/permanent classification and retry helpers.
package errors

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind labels an error with the category reported to tool callers.
type Kind string

const (
	KindInvalidInput        Kind = "InvalidInput"
	KindProviderUnavailable Kind = "ProviderUnavailable"
	KindProviderFailed      Kind = "ProviderFailed"
	KindSessionExpired      Kind = "SessionExpired"
	KindNotFound            Kind = "NotFound"
	KindNotCompleted        Kind = "NotCompleted"
	KindAlreadyTerminal     Kind = "AlreadyTerminal"
	KindCapacityExceeded    Kind = "CapacityExceeded"
	KindStorage             Kind = "Storage"
	KindIO                  Kind = "IO"
)

// Error carries a taxonomy kind alongside the caller-facing message and an
// optional actionable hint.
type Error struct {
	Kind    Kind
	Message string
	Hint    string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithHint attaches an actionable hint for the caller.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// KindOf extracts the taxonomy kind from err, defaulting to KindIO for
// unclassified errors.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindIO
}

// HintOf extracts the hint from err, if any.
func HintOf(err error) string {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Hint
	}
	return ""
}

// MessageOf extracts the caller-facing message from err.
func MessageOf(err error) string {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// TransientError marks an error as retryable regardless of its text.
type TransientError struct {
	Err     error
	Message string
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as explicitly retryable.
func NewTransientError(err error, message string) *TransientError {
	return &TransientError{Err: err, Message: message}
}

// PermanentError marks an error as non-retryable regardless of its text.
type PermanentError struct {
	Err     error
	Message string
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError wraps err as explicitly non-retryable.
func NewPermanentError(err error, message string) *PermanentError {
	return &PermanentError{Err: err, Message: message}
}

// IsTransient reports whether err is worth retrying: explicit transient
// markers, SQLite lock contention, and network-level failures qualify.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}

	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return false
	}

	var classified *Error
	if errors.As(err, &classified) {
		// Taxonomy kinds are caller-facing verdicts, not retry candidates,
		// except for a momentarily unreachable provider.
		return classified.Kind == KindProviderUnavailable
	}

	if isLockContention(err) {
		return true
	}

	if isNetworkError(err) {
		return true
	}

	return isSyscallError(err)
}

// isLockContention matches SQLite busy/locked failures, which clear on retry
// under WAL with short writers.
func isLockContention(err error) bool {
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "database table is locked") ||
		strings.Contains(errStr, "sqlite_busy") ||
		strings.Contains(errStr, "sqlite_locked")
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"timeout",
		"deadline exceeded",
	}
	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

func isSyscallError(err error) bool {
	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}
