package awsec2

import (
	"errors"
	"strings"

	"github.com/aws/smithy-go"

	"github.com/openrestore/openrestore/pkg/restore"
)

// classify maps an AWS API error onto the restore error taxonomy. Throttling
// responses become retryable; everything else propagates with its class so
// the engines can decide between failing fast and forcing.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return restore.NewInternalError("aws api call failed", err).WithOperation(op)
	}

	code := apiErr.ErrorCode()
	msg := apiErr.ErrorMessage()

	switch {
	case isThrottleCode(code):
		return restore.NewThrottledError(msg, err).WithOperation(op)
	case isPermissionCode(code):
		return restore.NewPermissionError(msg, err).WithOperation(op)
	case isNotFoundCode(code):
		return restore.NewNotFoundError(msg, err).WithOperation(op)
	case isBusyCode(code):
		return restore.NewResourceBusyError(msg, err).WithOperation(op)
	default:
		return restore.NewInternalError(msg, err).WithOperation(op)
	}
}

func isThrottleCode(code string) bool {
	switch code {
	case "Throttling", "ThrottlingException", "RequestLimitExceeded", "TooManyRequestsException", "SlowDown":
		return true
	}
	return false
}

func isPermissionCode(code string) bool {
	switch code {
	case "UnauthorizedOperation", "AccessDenied", "AccessDeniedException", "AuthFailure":
		return true
	}
	return false
}

func isNotFoundCode(code string) bool {
	// EC2 not-found codes share the ".NotFound" suffix, e.g.
	// InvalidInstanceID.NotFound, InvalidAMIID.NotFound,
	// InvalidVolume.NotFound, InvalidSnapshot.NotFound.
	if strings.HasSuffix(code, ".NotFound") {
		return true
	}
	switch code {
	case "InvalidInstanceId", "InvocationDoesNotExist":
		return true
	}
	return false
}

func isBusyCode(code string) bool {
	switch code {
	case "VolumeInUse", "IncorrectState", "IncorrectInstanceState", "DependencyViolation", "ResourceInUse":
		return true
	}
	return false
}
