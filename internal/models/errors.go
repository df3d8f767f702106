package models

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable, machine-readable failure token. Callers branch on
// the code and never on the accompanying message.
type ErrorCode string

// Policy denials.
const (
	CodeOutsideWatchedPaths       ErrorCode = "outside_watched_paths"
	CodeInsideProtectedPath       ErrorCode = "inside_protected_path"
	CodeTargetOutsideAllowedRoots ErrorCode = "target_outside_allowed_roots"
	CodeTargetInsideProtectedPath ErrorCode = "target_inside_protected_path"
	CodePolicyDenied              ErrorCode = "policy_denied"
)

// Execution and rollback failures.
const (
	CodeSourceMissing            ErrorCode = "source_missing"
	CodeTargetExistsNoOverwrite  ErrorCode = "target_exists_no_overwrite"
	CodeUnsupportedAction        ErrorCode = "unsupported_action_for_execution"
	CodeDryRunExecutionBlocked   ErrorCode = "dry_run_execution_blocked"
	CodeRollbackFailed           ErrorCode = "rollback_failed"
	CodeExecutionFailed          ErrorCode = "execution_failed"
	CodeExecutionInterrupted     ErrorCode = "execution_interrupted"
	CodeNoEnabledWatchedPaths    ErrorCode = "no_enabled_watched_paths_for_scope"
	CodeRuntimeStopTimeoutPrefix ErrorCode = "runtime_stop_timeout"
)

// Transport and registry failures.
const (
	CodeInvalidRequest     ErrorCode = "invalid_request"
	CodeUnauthorized       ErrorCode = "unauthorized"
	CodeForbidden          ErrorCode = "forbidden"
	CodeNotFound           ErrorCode = "not_found"
	CodeInvalidTransition  ErrorCode = "invalid_transition"
	CodeMissingDeviceID    ErrorCode = "missing_device_id"
	CodeMissingServiceAuth ErrorCode = "missing_service_token"
	CodeNotPaired          ErrorCode = "device_not_paired"
	CodeInternal           ErrorCode = "internal_error"
)

// CodedError carries an ErrorCode through the layers that produce it.
type CodedError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// NewCodedError returns a CodedError with the given code and message.
func NewCodedError(code ErrorCode, message string) *CodedError {
	return &CodedError{Code: code, Message: message}
}

// WrapCoded wraps err with a code.
func WrapCoded(code ErrorCode, err error) *CodedError {
	return &CodedError{Code: code, Message: err.Error(), Err: err}
}

func (e *CodedError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CodedError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a CodedError with the same code.
func (e *CodedError) Is(target error) bool {
	var other *CodedError
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// CodeOf extracts the ErrorCode of err, or "" when err carries none.
func CodeOf(err error) ErrorCode {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}
