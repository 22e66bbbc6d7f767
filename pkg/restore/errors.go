package restore

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a restore error for retry and reporting decisions.
type ErrorClass string

const (
	// ErrorClassNotFound indicates the referenced instance, image, volume, or
	// snapshot does not exist.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassValidation indicates malformed or out-of-range input, such as a
	// selection index outside the candidate list.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassResourceBusy indicates an attachment point is occupied and
	// forced-detach retries were exhausted.
	ErrorClassResourceBusy ErrorClass = "resource_busy"

	// ErrorClassTimeout indicates a polled state transition did not reach its
	// terminal state within the wait budget.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassPermission indicates an authorization failure from the cloud API.
	ErrorClassPermission ErrorClass = "permission"

	// ErrorClassThrottled indicates rate limiting by the cloud API.
	// This is the only retryable class.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassPartialFailure indicates one or more compensating actions
	// failed during rollback unwind.
	ErrorClassPartialFailure ErrorClass = "partial_failure"

	// ErrorClassInternal indicates an unclassified failure.
	ErrorClassInternal ErrorClass = "internal"
)

// RestoreError is a classified error with resource and operation context.
// nolint:revive // RestoreError is intentionally named to distinguish from standard errors
type RestoreError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Resource is the cloud resource ID involved, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *RestoreError) Error() string {
	if e.Resource != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (resource=%s, operation=%s): %s",
			e.Class, e.Message, e.Resource, e.Operation, e.unwrapMessage())
	}
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (resource=%s): %s", e.Class, e.Message, e.Resource, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *RestoreError) Unwrap() error {
	return e.Err
}

func (e *RestoreError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality for errors.Is.
func (e *RestoreError) Is(target error) bool {
	t, ok := target.(*RestoreError)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// WithResource adds resource context to the error.
func (e *RestoreError) WithResource(resourceID string) *RestoreError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to the error.
func (e *RestoreError) WithOperation(operation string) *RestoreError {
	e.Operation = operation
	return e
}

// NewNotFoundError creates a not-found error.
func NewNotFoundError(message string, err error) *RestoreError {
	return &RestoreError{Class: ErrorClassNotFound, Message: message, Err: err}
}

// NewValidationError creates a validation error.
func NewValidationError(message string, err error) *RestoreError {
	return &RestoreError{Class: ErrorClassValidation, Message: message, Err: err}
}

// NewResourceBusyError creates a resource-busy error.
func NewResourceBusyError(message string, err error) *RestoreError {
	return &RestoreError{Class: ErrorClassResourceBusy, Message: message, Err: err}
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(message string, err error) *RestoreError {
	return &RestoreError{Class: ErrorClassTimeout, Message: message, Err: err}
}

// NewPermissionError creates a permission error.
func NewPermissionError(message string, err error) *RestoreError {
	return &RestoreError{Class: ErrorClassPermission, Message: message, Err: err}
}

// NewThrottledError creates a throttled error.
func NewThrottledError(message string, err error) *RestoreError {
	return &RestoreError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewPartialFailureError creates a partial-failure error.
func NewPartialFailureError(message string, err error) *RestoreError {
	return &RestoreError{Class: ErrorClassPartialFailure, Message: message, Err: err}
}

// NewInternalError creates an internal error.
func NewInternalError(message string, err error) *RestoreError {
	return &RestoreError{Class: ErrorClassInternal, Message: message, Err: err}
}

func classIs(err error, class ErrorClass) bool {
	var e *RestoreError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// IsNotFound returns true if the error is classified as not-found.
func IsNotFound(err error) bool { return classIs(err, ErrorClassNotFound) }

// IsValidation returns true if the error is classified as validation.
func IsValidation(err error) bool { return classIs(err, ErrorClassValidation) }

// IsResourceBusy returns true if the error is classified as resource-busy.
func IsResourceBusy(err error) bool { return classIs(err, ErrorClassResourceBusy) }

// IsTimeout returns true if the error is classified as timeout.
func IsTimeout(err error) bool { return classIs(err, ErrorClassTimeout) }

// IsPermission returns true if the error is classified as permission.
func IsPermission(err error) bool { return classIs(err, ErrorClassPermission) }

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool { return classIs(err, ErrorClassThrottled) }

// IsPartialFailure returns true if the error is classified as partial-failure.
func IsPartialFailure(err error) bool { return classIs(err, ErrorClassPartialFailure) }

// IsRetryable returns true if the error can be retried. Only throttling
// responses from the cloud API are retried; everything else propagates
// immediately and triggers rollback of the current plan.
func IsRetryable(err error) bool { return IsThrottled(err) }
