// Package apperror provides structured errors for the transaction coordinator.
// Every failure surfaced by the coordinator is an *AppError carrying a stable code,
// so callers can branch with errors.Is against the sentinels below.
package apperror

import (
	"errors"
	"fmt"
)

// Error codes of the transaction taxonomy.
const (
	// Begin failures
	CodeCannotCreateTransaction = "CANNOT_CREATE_TRANSACTION"
	CodeInvalidTimeout          = "INVALID_TIMEOUT"

	// Propagation conflicts
	CodeIllegalTransactionState = "ILLEGAL_TRANSACTION_STATE"
	CodeNestedNotSupported      = "NESTED_TRANSACTION_NOT_SUPPORTED"

	// Completion outcomes
	CodeUnexpectedRollback = "UNEXPECTED_ROLLBACK"
	CodeTimedOut           = "TRANSACTION_TIMED_OUT"
	CodeTransactionSystem  = "TRANSACTION_SYSTEM_ERROR"

	// Registry misuse
	CodeIllegalState = "ILLEGAL_STATE"
)

// AppError is the standard error type of the coordinator.
type AppError struct {
	// Code is a machine-readable error identifier
	Code string `json:"code"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Details contains additional context (transaction name, key, deadline...)
	Details map[string]any `json:"details,omitempty"`

	// Err is the underlying error, usually the native resource failure
	Err error `json:"-"`
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *AppError with the same code.
// This lets errors.Is(err, apperror.ErrUnexpectedRollback) match any instance.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetail adds a key-value pair to error details
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is comparisons. Never return these directly; use the factories.
var (
	ErrCannotCreateTransaction = &AppError{Code: CodeCannotCreateTransaction}
	ErrInvalidTimeout          = &AppError{Code: CodeInvalidTimeout}
	ErrIllegalTransactionState = &AppError{Code: CodeIllegalTransactionState}
	ErrNestedNotSupported      = &AppError{Code: CodeNestedNotSupported}
	ErrUnexpectedRollback      = &AppError{Code: CodeUnexpectedRollback}
	ErrTimedOut                = &AppError{Code: CodeTimedOut}
	ErrTransactionSystem       = &AppError{Code: CodeTransactionSystem}
	ErrIllegalState            = &AppError{Code: CodeIllegalState}
)

func newError(code, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Err: cause}
}

// NewCannotCreateTransaction wraps a native failure raised while opening a resource.
func NewCannotCreateTransaction(cause error) *AppError {
	return newError(CodeCannotCreateTransaction, "could not open resource for transaction", cause)
}

func NewInvalidTimeout(timeout any) *AppError {
	return newError(CodeInvalidTimeout, fmt.Sprintf("invalid transaction timeout %v", timeout), nil).
		WithDetail("timeout", timeout)
}

// NewIllegalTransactionState reports a propagation request that conflicts with the ambient state.
func NewIllegalTransactionState(message string) *AppError {
	return newError(CodeIllegalTransactionState, message, nil)
}

func NewNestedNotSupported(message string) *AppError {
	return newError(CodeNestedNotSupported, message, nil)
}

// NewUnexpectedRollback is returned when a commit turned into a rollback because
// a participant marked the shared transaction rollback-only.
func NewUnexpectedRollback(message string) *AppError {
	return newError(CodeUnexpectedRollback, message, nil)
}

func NewTimedOut(deadline any) *AppError {
	return newError(CodeTimedOut, fmt.Sprintf("transaction timed out: deadline was %v", deadline), nil).
		WithDetail("deadline", deadline)
}

// NewTransactionSystem wraps a failed native commit or rollback.
func NewTransactionSystem(message string, cause error) *AppError {
	return newError(CodeTransactionSystem, message, cause)
}

// NewIllegalState reports registry misuse such as a double bind.
func NewIllegalState(message string) *AppError {
	return newError(CodeIllegalState, message, nil)
}

// CodeOf returns the code of the first AppError in the chain, or "".
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}
