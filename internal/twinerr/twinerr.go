// Package twinerr defines the closed error taxonomy TwinOps surfaces at
// every boundary (spec.md §7). Internal packages wrap one of these
// sentinels with errors.Join or fmt.Errorf("...: %w", ...); callers use
// errors.Is against the sentinel, never string matching.
package twinerr

import "errors"

// Code is a stable machine-readable error identifier, suitable for the
// external error envelope {"error": {"code": ..., "message": ...}}.
type Code string

const (
	CodeInvalidJSON        Code = "invalid_json"
	CodeMissingField       Code = "missing_field"
	CodeNotFound           Code = "not_found"
	CodeUnauthorized       Code = "unauthorized"
	CodeForbidden          Code = "forbidden"
	CodeOperationFailed    Code = "operation_failed"
	CodePolicyUnverified   Code = "policy_unverified"
	CodePolicyStale        Code = "policy_stale"
	CodeRoleUnauthorized   Code = "role_unauthorized"
	CodeInterlockTriggered Code = "interlock_triggered"
	CodeSelfApproval       Code = "self_approval"
	CodeApprovalRequired   Code = "approval_required"
	CodeExecutionTimeout   Code = "execution_timeout"
	CodeExecutionFailed    Code = "execution_failed"
	CodeCircuitOpen        Code = "circuit_open"
	CodeTransportFailure   Code = "transport_failure"
	CodeMalformedInput     Code = "malformed_input"
)

var (
	ErrPolicyUnverified   = &TwinError{Code: CodePolicyUnverified, Message: "policy signature could not be verified"}
	ErrPolicyStale        = &TwinError{Code: CodePolicyStale, Message: "policy exceeds maximum age"}
	ErrRoleUnauthorized   = &TwinError{Code: CodeRoleUnauthorized, Message: "no bound role permits this operation"}
	ErrInterlockTriggered = &TwinError{Code: CodeInterlockTriggered, Message: "an interlock denied this operation"}
	ErrSelfApproval       = &TwinError{Code: CodeSelfApproval, Message: "a requester may not approve their own task"}
	ErrApprovalRequired   = &TwinError{Code: CodeApprovalRequired, Message: "operation requires human approval"}
	ErrExecutionTimeout   = &TwinError{Code: CodeExecutionTimeout, Message: "execution deadline exceeded"}
	ErrExecutionFailed    = &TwinError{Code: CodeExecutionFailed, Message: "execution failed"}
	ErrCircuitOpen        = &TwinError{Code: CodeCircuitOpen, Message: "circuit breaker open"}
	ErrTransportFailure   = &TwinError{Code: CodeTransportFailure, Message: "transport failure"}
	ErrMalformedInput     = &TwinError{Code: CodeMalformedInput, Message: "malformed input"}
	ErrNotFound           = &TwinError{Code: CodeNotFound, Message: "not found"}
)

// TwinError is a code-carrying error with optional structured details.
type TwinError struct {
	Code    Code
	Message string
	Details map[string]any
}

func (e *TwinError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Is lets errors.Is(err, twinerr.ErrPolicyStale) match on Code rather than
// pointer identity, so a wrapped or detail-augmented copy still compares equal.
func (e *TwinError) Is(target error) bool {
	var t *TwinError
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// With returns a copy of the sentinel carrying additional structured details.
func (e *TwinError) With(details map[string]any) *TwinError {
	return &TwinError{Code: e.Code, Message: e.Message, Details: details}
}

// Withf returns a copy of the sentinel with a more specific message.
func (e *TwinError) Withf(message string) *TwinError {
	return &TwinError{Code: e.Code, Message: message, Details: e.Details}
}
