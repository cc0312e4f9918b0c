package errors

import (
	"fmt"
	"time"
)

// BPMNError represents an error that can be thrown to the Camunda workflow engine.
type BPMNError struct {
	Code           string                 `json:"code"`
	Message        string                 `json:"message"`
	Details        string                 `json:"details,omitempty"`
	Retryable      bool                   `json:"retryable"`
	Retries        int                    `json:"retries"`
	ErrorVariables map[string]interface{} `json:"errorVariables,omitempty"`
}

func (e *BPMNError) Error() string {
	return fmt.Sprintf("BPMNError[%s]: %s", e.Code, e.Message)
}

// ToErrorVariables returns a map suitable for setting Camunda job fail variables.
func (e *BPMNError) ToErrorVariables() map[string]interface{} {
	vars := map[string]interface{}{
		"errorCode":    e.Code,
		"errorMessage": e.Message,
		"errorDetails": e.Details,
		"retryable":    e.Retryable,
	}
	for k, v := range e.ErrorVariables {
		vars[k] = v
	}
	return vars
}

// BPMNErrorMapping maps internal codes to the error codes caught by boundary
// events in the lifecycle process models.
var BPMNErrorMapping = map[ErrorCode]string{
	ErrCodeValidation:             "LIFECYCLE_VALIDATION_FAILED",
	ErrCodeInvalidTransition:      "LIFECYCLE_INVALID_TRANSITION",
	ErrCodeConflict:               "LIFECYCLE_CONFLICT",
	ErrCodePaymentMismatch:        "PAYMENT_MISMATCH",
	ErrCodeRefundIneligible:       "REFUND_INELIGIBLE",
	ErrCodeReconciliationMismatch: "REFUND_RECONCILIATION_MISMATCH",
	ErrCodeNotFound:               "LIFECYCLE_NOT_FOUND",
	ErrCodeForbidden:              "LIFECYCLE_FORBIDDEN",
	ErrCodeDatabase:               "LIFECYCLE_DATABASE_ERROR",
	ErrCodeExternalService:        "LIFECYCLE_EXTERNAL_SERVICE_ERROR",
}

// ConvertToBPMNError converts a StandardError to a BPMNError.
func ConvertToBPMNError(stdErr *StandardError) *BPMNError {
	bpmnCode, exists := BPMNErrorMapping[stdErr.Code]
	if !exists {
		bpmnCode = string(stdErr.Code)
	}

	// a retryable flag on a business code is ignored; those are always thrown
	retryable := stdErr.Retryable && IsRetryableErrorCode(stdErr.Code)
	retries := 0
	if retryable {
		retries = GetRetryCount(stdErr.Code)
	}

	vars := map[string]interface{}{
		"originalErrorCode": string(stdErr.Code),
		"timestamp":         stdErr.Timestamp.Format(time.RFC3339),
	}
	for k, v := range stdErr.Metadata {
		vars[k] = v
	}

	return &BPMNError{
		Code:           bpmnCode,
		Message:        stdErr.Message,
		Details:        stdErr.Details,
		Retryable:      retryable,
		Retries:        retries,
		ErrorVariables: vars,
	}
}
