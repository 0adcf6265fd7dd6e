// Package apperr provides the control plane core's error taxonomy.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one of the error categories named in the error
// handling design: ConfigError, NotFound, NotConnected, Timeout,
// RemoteError, HandshakeError, CloudflareAccessBlocked, PlanParseError,
// ComposeError, InvariantViolation.
type Kind string

const (
	KindConfigError             Kind = "CONFIG_ERROR"
	KindNotFound                Kind = "NOT_FOUND"
	KindNotConnected            Kind = "NOT_CONNECTED"
	KindTimeout                 Kind = "TIMEOUT"
	KindRemoteError             Kind = "REMOTE_ERROR"
	KindHandshakeError          Kind = "HANDSHAKE_ERROR"
	KindCloudflareAccessBlocked Kind = "CLOUDFLARE_ACCESS_BLOCKED"
	KindPlanParseError          Kind = "PLAN_PARSE_ERROR"
	KindComposeError            Kind = "COMPOSE_ERROR"
	KindInvariantViolation      Kind = "INVARIANT_VIOLATION"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Kind       Kind   `json:"kind"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	// RemoteCode carries the Gateway's own error code for RemoteError.
	RemoteCode string `json:"remote_code,omitempty"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// ConfigErr reports a missing or invalid required setting. Propagation
// policy: bubbles to the caller verbatim, no retry.
func ConfigErr(message string) *AppError {
	return &AppError{Kind: KindConfigError, Message: message, HTTPStatus: http.StatusBadRequest}
}

// NotFound reports an unknown deployment, agent, or mission id.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Kind:       KindNotFound,
		Message:    fmt.Sprintf("%s with id %q not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// NotConnected reports that a Gateway Client has no live socket.
func NotConnected(deploymentID string) *AppError {
	return &AppError{
		Kind:       KindNotConnected,
		Message:    fmt.Sprintf("gateway client for deployment %q is not connected", deploymentID),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// Timeout reports an RPC or poll that exceeded its budget.
func Timeout(operation string) *AppError {
	return &AppError{
		Kind:       KindTimeout,
		Message:    fmt.Sprintf("%s exceeded its timeout budget", operation),
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// RemoteErrorf reports that the Gateway responded with ok=false, carrying
// its own code and message.
func RemoteErrorf(code, message string) *AppError {
	return &AppError{
		Kind:       KindRemoteError,
		Message:    message,
		RemoteCode: code,
		HTTPStatus: http.StatusBadGateway,
	}
}

// HandshakeErr reports a failed challenge/connect step.
func HandshakeErr(message string, err error) *AppError {
	return &AppError{Kind: KindHandshakeError, Message: message, HTTPStatus: http.StatusBadGateway, Err: err}
}

// CloudflareAccessBlocked is a specific HandshakeError with a remediation hint.
func CloudflareAccessBlocked(hint string) *AppError {
	return &AppError{
		Kind:       KindCloudflareAccessBlocked,
		Message:    fmt.Sprintf("connect blocked by Cloudflare Access: %s", hint),
		HTTPStatus: http.StatusBadGateway,
	}
}

// PlanParseErr reports planner output that failed to parse; triggers the
// single-subtask fallback in the Orchestrator Pipeline.
func PlanParseErr(message string, err error) *AppError {
	return &AppError{Kind: KindPlanParseError, Message: message, HTTPStatus: http.StatusUnprocessableEntity, Err: err}
}

// ComposeErr reports a compose subprocess failure: non-zero exit code, or
// exit code zero with "error" present in stderr.
func ComposeErr(message string, err error) *AppError {
	return &AppError{Kind: KindComposeError, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// InvariantViolation reports an illegal mission/agent state transition.
// Propagation policy: this is a bug and halts the offending operation.
func InvariantViolation(message string) *AppError {
	return &AppError{Kind: KindInvariantViolation, Message: message, HTTPStatus: http.StatusConflict}
}

// Wrap wraps an existing error with additional context, preserving the
// original Kind and HTTPStatus when err is already an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Kind:       appErr.Kind,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			RemoteCode: appErr.RemoteCode,
			Err:        err,
		}
	}
	return &AppError{Kind: KindInvariantViolation, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error, or 500 if err
// is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
