// File: api/schemas/errors.go
package schemas

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode is a structured code attached to failed results and error entries.
type ErrorCode string

const (
	// -- Action execution --
	ErrCodeExecutionFailure  ErrorCode = "EXECUTION_FAILURE"
	ErrCodeInvalidParameters ErrorCode = "INVALID_PARAMETERS"
	ErrCodeUnknownAction     ErrorCode = "UNKNOWN_ACTION_TYPE"
	ErrCodeTimeoutError      ErrorCode = "TIMEOUT_ERROR"
	ErrCodeExecutorPanic     ErrorCode = "EXECUTOR_PANIC"
	ErrCodeElementNotFound   ErrorCode = "ELEMENT_NOT_FOUND"
	ErrCodeNavigationError   ErrorCode = "NAVIGATION_ERROR"

	// -- Capability providers --
	ErrCodeProviderStartup ErrorCode = "PROVIDER_STARTUP_FAILURE"
	ErrCodeToolInvocation  ErrorCode = "TOOL_INVOCATION_FAILURE"

	// -- Run phases --
	ErrCodeObservation ErrorCode = "OBSERVATION_FAILURE"
	ErrCodeModel       ErrorCode = "MODEL_FAILURE"
	ErrCodeParse       ErrorCode = "PARSE_ERROR"
	ErrCodePermission  ErrorCode = "PERMISSION_DENIED"
	ErrCodeModelConfig ErrorCode = "MODEL_CONFIG_INVALID"
	ErrCodeAborted     ErrorCode = "ABORTED"
	ErrCodeMaxLoop     ErrorCode = "MAX_ITERATIONS_EXCEEDED"
	ErrCodeInternal    ErrorCode = "INTERNAL_ERROR"

	// -- Sessions --
	ErrCodeSessionBusy     ErrorCode = "SESSION_BUSY"
	ErrCodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
)

// ErrSessionBusy is reported when a run is requested while another is in flight.
var ErrSessionBusy = errors.New("session already has a run in flight")

// PermissionError means the host has not granted the capabilities a run needs.
type PermissionError struct {
	Missing []string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("missing permissions: %s", strings.Join(e.Missing, ", "))
}

// ModelConfigError means the model identity is incomplete; no run starts.
type ModelConfigError struct {
	Missing []string
	Reason  string
}

func (e *ModelConfigError) Error() string {
	if e.Reason != "" {
		return "model configuration invalid: " + e.Reason
	}
	return fmt.Sprintf("model configuration incomplete: missing %s", strings.Join(e.Missing, ", "))
}

// ProviderStartupError means a provider failed to launch, handshake or list tools.
type ProviderStartupError struct {
	Provider string
	Stage    string // "launch", "handshake" or "discovery"
	Err      error
}

func (e *ProviderStartupError) Error() string {
	return fmt.Sprintf("provider %q failed during %s: %v", e.Provider, e.Stage, e.Err)
}

func (e *ProviderStartupError) Unwrap() error { return e.Err }

// ToolInvocationError covers tool-reported errors, malformed results and timeouts.
type ToolInvocationError struct {
	Provider string
	Tool     string
	Timeout  time.Duration // non-zero when the call timed out
	Message  string
	Err      error
}

func (e *ToolInvocationError) Error() string {
	switch {
	case e.Timeout > 0:
		return fmt.Sprintf("tool %s.%s timed out after %s", e.Provider, e.Tool, e.Timeout)
	case e.Err != nil:
		return fmt.Sprintf("tool %s.%s failed: %v", e.Provider, e.Tool, e.Err)
	default:
		return fmt.Sprintf("tool %s.%s failed: %s", e.Provider, e.Tool, e.Message)
	}
}

func (e *ToolInvocationError) Unwrap() error { return e.Err }

// UnsupportedActionError means no actuator is registered for the action type.
type UnsupportedActionError struct {
	ActionType string
	Operator   string
}

func (e *UnsupportedActionError) Error() string {
	if e.Operator != "" {
		return fmt.Sprintf("action type %q is not supported by the %s operator", e.ActionType, e.Operator)
	}
	return fmt.Sprintf("action type %q is not supported", e.ActionType)
}

// SessionNotFoundError is returned for operations on unknown session IDs.
type SessionNotFoundError struct {
	SessionID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session not found: %s", e.SessionID)
}

// AbortedError records that a run ended because it was aborted.
type AbortedError struct {
	SessionID string
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("run aborted for session %s", e.SessionID)
}

// Is lets callers treat an abort like a context cancellation.
func (e *AbortedError) Is(target error) bool { return target == context.Canceled }

// MaxIterationsExceeded records that a run stopped at its iteration cap.
type MaxIterationsExceeded struct {
	Limit int
}

func (e *MaxIterationsExceeded) Error() string {
	return fmt.Sprintf("iteration cap of %d reached", e.Limit)
}

// CodeOf maps an error to its structured code. Unknown errors map to
// ErrCodeExecutionFailure.
func CodeOf(err error) ErrorCode {
	var (
		permErr    *PermissionError
		modelErr   *ModelConfigError
		startErr   *ProviderStartupError
		toolErr    *ToolInvocationError
		unsupErr   *UnsupportedActionError
		abortErr   *AbortedError
		maxLoopErr *MaxIterationsExceeded
		missingErr *SessionNotFoundError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &toolErr):
		if toolErr.Timeout > 0 {
			return ErrCodeTimeoutError
		}
		return ErrCodeToolInvocation
	case errors.As(err, &unsupErr):
		return ErrCodeUnknownAction
	case errors.As(err, &startErr):
		return ErrCodeProviderStartup
	case errors.As(err, &permErr):
		return ErrCodePermission
	case errors.As(err, &modelErr):
		return ErrCodeModelConfig
	case errors.As(err, &abortErr):
		return ErrCodeAborted
	case errors.As(err, &maxLoopErr):
		return ErrCodeMaxLoop
	case errors.As(err, &missingErr):
		return ErrCodeSessionNotFound
	case errors.Is(err, ErrSessionBusy):
		return ErrCodeSessionBusy
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeoutError
	default:
		return ErrCodeExecutionFailure
	}
}
