// Package kernelerr defines the closed error taxonomy crossing the kernel
// boundary. Every syscall returns either a success value or a *Error from
// this package; there is no untyped escape hatch.
package kernelerr

import (
	"errors"
	"fmt"
)

// Category classifies an error by severity and recovery policy.
type Category string

const (
	// CategoryUser means the caller supplied invalid input; the caller
	// handles it locally.
	CategoryUser Category = "USER_ERROR"
	// CategoryLogic is a recoverable internal fault; retry with backoff.
	CategoryLogic Category = "LOGIC_ERROR"
	// CategoryResource is a quota or availability fault; supervisor
	// intervention required.
	CategoryResource Category = "RESOURCE_ERROR"
	// CategoryIntegrity means tamper or corruption was detected; the
	// offending module must be isolated.
	CategoryIntegrity Category = "INTEGRITY_ERROR"
	// CategorySystem is an unrecoverable kernel fault; full restart.
	CategorySystem Category = "SYSTEM_ERROR"
)

// Core error codes, namespaced by area.
const (
	CodePermissionDenied     = "KEEL/CORE/CAP/PERMISSION_DENIED"
	CodeCapabilityNotFound   = "KEEL/CORE/CAP/NOT_FOUND"
	CodeCapabilityRevoked    = "KEEL/CORE/CAP/REVOKED"
	CodeCapabilityExpired    = "KEEL/CORE/CAP/EXPIRED"
	CodeInvalidToken         = "KEEL/CORE/CAP/INVALID_TOKEN"
	CodeAttenuationViolation = "KEEL/CORE/CAP/ATTENUATION_VIOLATION"
	CodeUsageLimitExceeded   = "KEEL/CORE/CAP/USAGE_LIMIT_EXCEEDED"

	CodeProcessNotFound  = "KEEL/CORE/PROC/NOT_FOUND"
	CodeInvalidState     = "KEEL/CORE/PROC/INVALID_STATE"
	CodeModuleInvalid    = "KEEL/CORE/PROC/MODULE_INVALID"
	CodeChecksumMismatch = "KEEL/CORE/PROC/CHECKSUM_MISMATCH"

	CodeMailboxFull     = "KEEL/CORE/IPC/MAILBOX_FULL"
	CodeReceiveTimeout  = "KEEL/CORE/IPC/RECEIVE_TIMEOUT"
	CodeDeliveryFailed  = "KEEL/CORE/IPC/DELIVERY_FAILED"
	CodeUnknownDest     = "KEEL/CORE/IPC/UNKNOWN_DESTINATION"
	CodeMessageTooLarge = "KEEL/CORE/IPC/MESSAGE_TOO_LARGE"

	CodeRateLimited      = "KEEL/CORE/DISPATCH/RATE_LIMITED"
	CodeUnknownSyscall   = "KEEL/CORE/DISPATCH/UNKNOWN_SYSCALL"
	CodeUnauthorized     = "KEEL/CORE/DISPATCH/UNAUTHORIZED"
	CodeResourceNotFound = "KEEL/CORE/DISPATCH/RESOURCE_NOT_FOUND"

	CodeChainBreak          = "KEEL/CORE/AUDIT/CHAIN_BREAK"
	CodeHashMismatch        = "KEEL/CORE/AUDIT/HASH_MISMATCH"
	CodeSequenceGap         = "KEEL/CORE/AUDIT/SEQUENCE_GAP"
	CodeTimestampRegression = "KEEL/CORE/AUDIT/TIMESTAMP_REGRESSION"
	CodeAttestationInvalid  = "KEEL/CORE/TSA/ATTESTATION_INVALID"
	CodeMonotonicViolation  = "KEEL/CORE/TSA/MONOTONIC_VIOLATION"

	CodeGasExhausted    = "KEEL/CORE/BUDGET/GAS_EXHAUSTED"
	CodeMemoryExhausted = "KEEL/CORE/BUDGET/MEMORY_EXHAUSTED"
	CodeDeadline        = "KEEL/CORE/BUDGET/TIME_EXHAUSTED"

	CodeInternal = "KEEL/CORE/SYS/INTERNAL"
	CodeShutdown = "KEEL/CORE/SYS/SHUTDOWN"
)

// Error is the typed error crossing the kernel boundary.
type Error struct {
	Code     string         `json:"code"`
	Category Category       `json:"category"`
	Message  string         `json:"message"`
	Fields   map[string]any `json:"fields,omitempty"`
	cause    error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.cause }

// New constructs a kernel error.
func New(code string, category Category, format string, args ...any) *Error {
	return &Error{
		Code:     code,
		Category: category,
		Message:  fmt.Sprintf(format, args...),
	}
}

// Wrap constructs a kernel error around an underlying cause.
func Wrap(cause error, code string, category Category, format string, args ...any) *Error {
	e := New(code, category, format, args...)
	e.cause = cause
	return e
}

// WithField attaches a structured field to the error.
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// Retryable reports whether the recovery policy for this category is a
// local retry with backoff.
func (e *Error) Retryable() bool {
	return e.Category == CategoryLogic
}

// CodeOf extracts the kernel error code from err, or "" when err is not a
// kernel error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// CategoryOf extracts the kernel error category from err.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}

// PermissionDenied is the canonical denial returned by the dispatcher when
// the caller's capability is absent or its rights are insufficient.
func PermissionDenied(format string, args ...any) *Error {
	return New(CodePermissionDenied, CategoryUser, format, args...)
}
