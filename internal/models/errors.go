// Package models defines the data types shared across the gateway: the
// closed error taxonomy, upstream configuration/runtime state, and the
// request/response envelopes that flow through the router.
package models

import "fmt"

// ErrorClass is the closed tagged set used everywhere for routing decisions.
// It is a sum type with a fixed case list, not an open polymorphic
// hierarchy: every component that branches on error kind switches over
// this type rather than type-asserting an interface.
type ErrorClass string

const (
	ErrorClassRateLimited    ErrorClass = "rate_limited"
	ErrorClassTimeout        ErrorClass = "timeout"
	ErrorClassConnection     ErrorClass = "connection"
	ErrorClassServerError    ErrorClass = "server_error"
	ErrorClassAuthentication ErrorClass = "authentication"
	ErrorClassAuthorization  ErrorClass = "authorization"
	ErrorClassClientError    ErrorClass = "client_error"
	ErrorClassNotSupported   ErrorClass = "not_supported"
	ErrorClassMalformed      ErrorClass = "malformed"
	ErrorClassUnknown        ErrorClass = "unknown"
	// ErrorClassBreakerOpen tags a candidate skipped by the Router because
	// the breaker rejected it (spec.md §4.6 step 4a); it never reaches the
	// retry strategies since no wire call was made.
	ErrorClassBreakerOpen ErrorClass = "breaker_open"
)

// Retryable reports whether this class is ever eligible for a retry by any
// strategy. Authentication, Authorization and ClientError short-circuit
// regardless of strategy (spec.md §7).
func (c ErrorClass) Retryable() bool {
	switch c {
	case ErrorClassAuthentication, ErrorClassAuthorization, ErrorClassClientError, ErrorClassNotSupported, ErrorClassBreakerOpen:
		return false
	default:
		return true
	}
}

// GatewayErrorCode names the composite, router-level errors that sit
// alongside ErrorClass in the error taxonomy (spec.md §7).
type GatewayErrorCode string

const (
	CodeModelNotSupported       GatewayErrorCode = "model_not_supported"
	CodeOperationNotSupported   GatewayErrorCode = "operation_not_supported"
	CodeAllUpstreamsUnavailable GatewayErrorCode = "all_upstreams_unavailable"
	CodeDeadlineExceeded        GatewayErrorCode = "timeout"
)

// UpstreamError is a single failed attempt's summary, used both for
// AllUpstreamsUnavailable's `details` and for structured logging.
type UpstreamError struct {
	Name  string     `json:"name"`
	Class ErrorClass `json:"error_class"`
	Msg   string     `json:"message"`
}

// GatewayError is the error type returned by the Router. It implements
// `error` as a struct with a fixed tag, never an interface hierarchy.
type GatewayError struct {
	Code       GatewayErrorCode `json:"code"`
	Class      ErrorClass       `json:"error_class,omitempty"`
	Message    string           `json:"message"`
	RetryAfter int              `json:"retry_after_s,omitempty"`
	Details    []UpstreamError  `json:"details,omitempty"`
}

func (e *GatewayError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Code)
}

// NewModelNotSupported builds the error for an unknown model/capability pair.
func NewModelNotSupported(model string) *GatewayError {
	return &GatewayError{
		Code:    CodeModelNotSupported,
		Message: fmt.Sprintf("no upstream advertises model %q for the requested operation", model),
	}
}

// NewOperationNotSupported builds the error for when every tried candidate
// declined the operation (none were upstream faults).
func NewOperationNotSupported(model string) *GatewayError {
	return &GatewayError{
		Code:    CodeOperationNotSupported,
		Message: fmt.Sprintf("no candidate upstream supports the requested operation for model %q", model),
	}
}

// NewAllUpstreamsUnavailable aggregates per-candidate attempt summaries on
// exhaustion.
func NewAllUpstreamsUnavailable(details []UpstreamError) *GatewayError {
	return &GatewayError{
		Code:    CodeAllUpstreamsUnavailable,
		Message: "all candidate upstreams failed or were unavailable",
		Details: details,
	}
}

// NewUpstreamFault wraps a failure of the given class as a GatewayError
// whose Code is the class name. It is used for every error class, both for
// per-upstream call failures and for rejected inbound requests.
func NewUpstreamFault(class ErrorClass, message string) *GatewayError {
	return &GatewayError{
		Code:    GatewayErrorCode(class),
		Class:   class,
		Message: message,
	}
}

// NewDeadlineExceeded builds the error returned when the inbound request's
// deadline is reached mid-attempt or during a retry sleep.
func NewDeadlineExceeded() *GatewayError {
	return &GatewayError{
		Code:    CodeDeadlineExceeded,
		Class:   ErrorClassTimeout,
		Message: "request deadline exceeded",
	}
}
