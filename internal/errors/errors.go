package errors

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
)

var (
	ErrExecutionNotFound    = errors.New("automation execution not found")
	ErrConcurrentExecution  = errors.New("another execution of this document is already in progress")
	ErrRootSnapshotNotFound = errors.New("Root volume snapshot not found in the block device mapping.")
	ErrInvalidParameters    = errors.New("invalid parameters")
	ErrInstanceNotStable    = errors.New("instance did not reach the expected state")
	ErrImageNotFound        = errors.New("image not found")
	ErrInstanceNotFound     = errors.New("instance not found")
	ErrVolumeNotFound       = errors.New("volume not found")
	ErrDocumentStepNotFound = errors.New("document step not found")
	ErrInvalidTemplate      = errors.New("invalid CloudFormation template")
)

// APIErrorDetail returns the provider error code and message carried by err.
// ok is false when err does not wrap a smithy.APIError.
func APIErrorDetail(err error) (code, message string, ok bool) {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return "", "", false
	}
	return apiErr.ErrorCode(), apiErr.ErrorMessage(), true
}

// IsErrorCode reports whether err wraps an API error with the given code.
func IsErrorCode(err error, code string) bool {
	got, _, ok := APIErrorDetail(err)
	return ok && got == code
}

// ConcurrencyCheckError formats SSM failures raised while checking for
// overlapping executions.
func ConcurrencyCheckError(err error) error {
	if code, message, ok := APIErrorDetail(err); ok {
		return fmt.Errorf("An error occurred when checking concurrent executions: %s:%s: %w", code, message, err)
	}
	return err
}

// BaselineVolumeError maps a failure of the baseline volume workflow onto the
// message reported back to the automation execution.
func BaselineVolumeError(err error) error {
	if err == nil {
		return nil
	}

	var invalidParams smithy.InvalidParamsError
	switch {
	case errors.Is(err, ErrInstanceNotStable):
		code, message, ok := APIErrorDetail(err)
		if !ok {
			code, message = "WaiterError", err.Error()
		}
		return fmt.Errorf("[ERROR] An error occurred while waiting for the instance status to stabilize (Running or Terminate) - %s:%s: %w", code, message, err)

	case errors.Is(err, ErrInvalidParameters), errors.As(err, &invalidParams):
		return fmt.Errorf("[ERROR] The parameters provided are incorrect: %w", err)
	}

	if code, message, ok := APIErrorDetail(err); ok {
		return fmt.Errorf("[ERROR] An error occurred when calling the EC2 APIs - %s:%s: %w", code, message, err)
	}

	return fmt.Errorf("[ERROR] Unexpected exception occurred while executing the code - %w", err)
}
