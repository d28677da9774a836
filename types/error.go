package types

import "fmt"

// ErrorCode represents a unified error code across the orchestrator.
type ErrorCode string

// Pipeline error codes
const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrAnalysisFailed ErrorCode = "ANALYSIS_FAILED"
	ErrNoAgents       ErrorCode = "NO_AGENTS_AVAILABLE"
	ErrSessionTimeout ErrorCode = "SESSION_TIMEOUT"
	ErrInternalError  ErrorCode = "INTERNAL_ERROR"
)

// Agent invocation error codes
const (
	ErrAgentTimeout     ErrorCode = "AGENT_TIMEOUT"
	ErrAgentTransport   ErrorCode = "AGENT_TRANSPORT"
	ErrAgentMalformed   ErrorCode = "AGENT_MALFORMED_OUTPUT"
	ErrAgentUnavailable ErrorCode = "AGENT_UNAVAILABLE"
)

// Observability error codes
const (
	ErrTraceWrite    ErrorCode = "TRACE_WRITE_FAILED"
	ErrTraceNotFound ErrorCode = "TRACE_NOT_FOUND"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	AgentID    string    `json:"agent_id,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithAgentID sets the agent the error originated from.
func (e *Error) WithAgentID(agentID string) *Error {
	e.AgentID = agentID
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// IsUnrecoverable reports whether the pipeline must terminate the session
// instead of degrading to the fallback stage set.
func IsUnrecoverable(err error) bool {
	switch GetErrorCode(err) {
	case ErrAnalysisFailed, ErrNoAgents:
		return true
	}
	return false
}
