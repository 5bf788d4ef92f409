package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind classifies an error for routing decisions. Rejections are not errors:
// they travel as review verdicts and are bounded by repair counters instead.
type Kind int

const (
	// KindTransient - retry-able errors (timeouts, malformed responses, I/O).
	KindTransient Kind = iota
	// KindStructural - violated preconditions that need a repaired draft, not a retry.
	KindStructural
	// KindFatal - durable state that cannot be read or trusted.
	KindFatal
	// KindUnknown - everything else; treated as non-retryable.
	KindUnknown
)

// TransientError represents an error that can be retried.
type TransientError struct {
	Err     error
	Message string
	Hint    string // corrective note threaded into the retried request
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

// StructuralError represents a violated precondition: a patch path escaping
// the workspace, duplicate targets, creating a file that exists, and so on.
type StructuralError struct {
	Err    error
	Path   string
	Reason string
}

func (e *StructuralError) Error() string {
	switch {
	case e.Reason != "" && e.Path != "":
		return fmt.Sprintf("structural error: %s: %s", e.Path, e.Reason)
	case e.Reason != "":
		return fmt.Sprintf("structural error: %s", e.Reason)
	default:
		return fmt.Sprintf("structural error: %v", e.Err)
	}
}

func (e *StructuralError) Unwrap() error {
	return e.Err
}

// Deficiency renders the violation as a reason the next repair draft can act on.
func (e *StructuralError) Deficiency() string {
	if e.Reason == "" && e.Err != nil {
		return e.Err.Error()
	}
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Reason)
	}
	return e.Reason
}

// FatalError represents corrupt or unreadable durable state. Never retried.
type FatalError struct {
	Err     error
	Message string
}

func (e *FatalError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("fatal error: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsTransient checks if an error is retry-able.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Check explicit markers first.
	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}
	var structuralErr *StructuralError
	if errors.As(err, &structuralErr) {
		return false
	}
	var fatalErr *FatalError
	if errors.As(err, &fatalErr) {
		return false
	}

	// A deadline expiring mid-call is worth another attempt; an explicit
	// cancellation is a stop request and must not be retried.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	if isNetworkError(err) {
		return true
	}
	if isSyscallError(err) {
		return true
	}

	return false
}

// IsStructural checks if an error is a violated precondition.
func IsStructural(err error) bool {
	var structuralErr *StructuralError
	return errors.As(err, &structuralErr)
}

// IsFatal checks if an error marks unrecoverable durable state.
func IsFatal(err error) bool {
	var fatalErr *FatalError
	return errors.As(err, &fatalErr)
}

// Classify maps an error onto its Kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case IsFatal(err):
		return KindFatal
	case IsStructural(err):
		return KindStructural
	case IsTransient(err):
		return KindTransient
	default:
		return KindUnknown
	}
}

// HintFor extracts the corrective hint attached to a transient error, if any.
func HintFor(err error) string {
	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return transientErr.Hint
	}
	return ""
}

// Helper functions

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

	// Common network failure modes that surface as plain strings.
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

// Helper constructors

// NewTransientError creates a transient error with an operator-friendly message.
func NewTransientError(err error, message string) *TransientError {
	return &TransientError{
		Err:     err,
		Message: message,
	}
}

// NewTransientWithHint creates a transient error carrying a corrective hint
// for the retried request.
func NewTransientWithHint(err error, message, hint string) *TransientError {
	return &TransientError{
		Err:     err,
		Message: message,
		Hint:    hint,
	}
}

// NewStructuralError creates a structural error for a violated precondition.
func NewStructuralError(path, reason string) *StructuralError {
	return &StructuralError{
		Path:   path,
		Reason: reason,
	}
}

// NewFatalError creates a fatal error for unrecoverable durable state.
func NewFatalError(err error, message string) *FatalError {
	return &FatalError{
		Err:     err,
		Message: message,
	}
}
