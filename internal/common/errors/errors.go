// Package errors provides the typed error taxonomy of the lifecycle core and its
// mapping onto HTTP responses and Zeebe job failures.
package errors

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	ErrCodeValidation             ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidTransition      ErrorCode = "INVALID_TRANSITION"
	ErrCodeConflict               ErrorCode = "CONFLICT"
	ErrCodePaymentMismatch        ErrorCode = "PAYMENT_MISMATCH"
	ErrCodeRefundIneligible       ErrorCode = "REFUND_INELIGIBLE"
	ErrCodeReconciliationMismatch ErrorCode = "RECONCILIATION_MISMATCH"
	ErrCodeNotFound               ErrorCode = "NOT_FOUND"
	ErrCodeForbidden              ErrorCode = "FORBIDDEN"

	ErrCodeDatabase        ErrorCode = "DATABASE_ERROR"
	ErrCodeExternalService ErrorCode = "EXTERNAL_SERVICE_ERROR"
	ErrCodeInternal        ErrorCode = "INTERNAL_ERROR"
)

// Sentinels for errors.Is matching; StandardError.Is compares codes.
var (
	ErrValidation             = &StandardError{Code: ErrCodeValidation}
	ErrInvalidTransition      = &StandardError{Code: ErrCodeInvalidTransition}
	ErrConflict               = &StandardError{Code: ErrCodeConflict}
	ErrPaymentMismatch        = &StandardError{Code: ErrCodePaymentMismatch}
	ErrRefundIneligible       = &StandardError{Code: ErrCodeRefundIneligible}
	ErrReconciliationMismatch = &StandardError{Code: ErrCodeReconciliationMismatch}
	ErrNotFound               = &StandardError{Code: ErrCodeNotFound}
	ErrForbidden              = &StandardError{Code: ErrCodeForbidden}
	ErrDatabase               = &StandardError{Code: ErrCodeDatabase}
	ErrExternalService        = &StandardError{Code: ErrCodeExternalService}
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	cause     error
}

func (e *StandardError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any StandardError carrying the same code.
func (e *StandardError) Is(target error) bool {
	t, ok := target.(*StandardError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func (e *StandardError) Unwrap() error {
	return e.cause
}

// PublicMessage is the text safe to show to an applicant. Raw processor and
// database details never leave Details.
func (e *StandardError) PublicMessage() string {
	switch e.Code {
	case ErrCodePaymentMismatch:
		return "Payment failed, please retry."
	case ErrCodeConflict:
		return "The application was changed by someone else. Reload and try again."
	case ErrCodeDatabase, ErrCodeExternalService, ErrCodeInternal, ErrCodeReconciliationMismatch:
		return "Something went wrong. Please try again later."
	default:
		return e.Message
	}
}

// WithMetadata returns e after adding key to its metadata.
func (e *StandardError) WithMetadata(key string, value interface{}) *StandardError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// ==========================
// 2. Error Constructors
// ==========================

func NewValidationError(message string) *StandardError {
	return &StandardError{
		Code:      ErrCodeValidation,
		Message:   message,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewValidationErrorf(format string, args ...interface{}) *StandardError {
	return NewValidationError(fmt.Sprintf(format, args...))
}

// NewInvalidTransitionError identifies the current state, the requested state
// or event and the role of the actor that attempted it.
func NewInvalidTransitionError(from, requested, actorRole string) *StandardError {
	return &StandardError{
		Code:      ErrCodeInvalidTransition,
		Message:   fmt.Sprintf("transition from %q to %q is not permitted for %s", from, requested, actorRole),
		Retryable: false,
		Metadata: map[string]interface{}{
			"from":      from,
			"requested": requested,
			"actorRole": actorRole,
		},
		Timestamp: time.Now().UTC(),
	}
}

func NewConflictError(resource, id string) *StandardError {
	return &StandardError{
		Code:      ErrCodeConflict,
		Message:   fmt.Sprintf("%s %s was modified concurrently", resource, id),
		Retryable: true,
		Metadata:  map[string]interface{}{"resource": resource, "id": id},
		Timestamp: time.Now().UTC(),
	}
}

// NewPaymentMismatchError keeps the processor-reported reason verbatim in Details.
func NewPaymentMismatchError(externalReference, reason string) *StandardError {
	return &StandardError{
		Code:      ErrCodePaymentMismatch,
		Message:   "payment does not match the application total",
		Details:   reason,
		Retryable: false,
		Metadata:  map[string]interface{}{"externalReference": externalReference},
		Timestamp: time.Now().UTC(),
	}
}

func NewRefundIneligibleError(reason string, daysRemaining int) *StandardError {
	return &StandardError{
		Code:      ErrCodeRefundIneligible,
		Message:   reason,
		Retryable: false,
		Metadata:  map[string]interface{}{"daysRemaining": daysRemaining},
		Timestamp: time.Now().UTC(),
	}
}

func NewReconciliationMismatchError(refundID, details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeReconciliationMismatch,
		Message:   "local refund state disagrees with the payment processor",
		Details:   details,
		Retryable: false,
		Metadata:  map[string]interface{}{"refundId": refundID},
		Timestamp: time.Now().UTC(),
	}
}

func NewNotFoundError(resource, id string) *StandardError {
	return &StandardError{
		Code:      ErrCodeNotFound,
		Message:   fmt.Sprintf("%s not found", resource),
		Details:   fmt.Sprintf("%s: %s", resource, id),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewForbiddenError(message string) *StandardError {
	return &StandardError{
		Code:      ErrCodeForbidden,
		Message:   message,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewDatabaseError(operation string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeDatabase,
		Message:   "Database operation failed",
		Details:   fmt.Sprintf("operation: %s, error: %v", operation, err),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

func NewExternalServiceError(service string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeExternalService,
		Message:   fmt.Sprintf("External service '%s' error", service),
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// ==========================
// 3. Utility Functions
// ==========================

// AsStandard normalizes any error into a StandardError.
func AsStandard(err error) *StandardError {
	if err == nil {
		return nil
	}
	var std *StandardError
	for e := err; e != nil; {
		if s, ok := e.(*StandardError); ok {
			std = s
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	if std != nil {
		return std
	}
	return &StandardError{
		Code:      ErrCodeInternal,
		Message:   "Unexpected error",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// HTTPStatus maps an error code to the HTTP status returned by the API.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict, ErrCodeInvalidTransition:
		return http.StatusConflict
	case ErrCodePaymentMismatch, ErrCodeRefundIneligible:
		return http.StatusUnprocessableEntity
	case ErrCodeExternalService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// GetRetryCount returns how many times a Zeebe job is retried for the code.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeDatabase, ErrCodeExternalService:
		return 3
	case ErrCodeConflict:
		return 2
	default:
		return 0 // business errors are thrown, not retried
	}
}

// IsRetryableErrorCode reports whether jobs failing with code are retried.
func IsRetryableErrorCode(code ErrorCode) bool {
	return GetRetryCount(code) > 0
}

// GetErrorCategory returns the category of the error code.
func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.Contains(codeStr, "PAYMENT"):
		return "PAYMENT"
	case strings.Contains(codeStr, "REFUND"), strings.Contains(codeStr, "RECONCILIATION"):
		return "REFUND"
	case strings.Contains(codeStr, "TRANSITION"), codeStr == string(ErrCodeConflict):
		return "LIFECYCLE"
	case strings.Contains(codeStr, "DATABASE"), strings.Contains(codeStr, "EXTERNAL"):
		return "INFRASTRUCTURE"
	case strings.Contains(codeStr, "VALIDATION"), codeStr == string(ErrCodeNotFound), codeStr == string(ErrCodeForbidden):
		return "REQUEST"
	default:
		return "OTHER"
	}
}
