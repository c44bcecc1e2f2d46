// Package errors defines the structured error taxonomy used across the
// proxy. Every error a stage returns is (or wraps into) an *Error so the
// pipeline orchestrator can map it to an HTTP status and an XML error
// body without each stage knowing about HTTP at all.
package errors

import (
	"encoding/xml"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorType classifies a failure along the lines of spec §7's table.
type ErrorType string

const (
	ErrorTypeValidation         ErrorType = "validation"
	ErrorTypeAuth               ErrorType = "auth"
	ErrorTypeForbidden          ErrorType = "forbidden"
	ErrorTypeNotFound           ErrorType = "not_found"
	ErrorTypeNoRoute            ErrorType = "no_route"
	ErrorTypeRateLimit          ErrorType = "rate_limit"
	ErrorTypeUpstreamUnavailable ErrorType = "upstream_unavailable"
	ErrorTypeUpstreamTimeout    ErrorType = "upstream_timeout"
	ErrorTypeMethodNotAllowed   ErrorType = "method_not_allowed"
	ErrorTypeRangeNotSatisfiable ErrorType = "range_not_satisfiable"
	ErrorTypeInternal           ErrorType = "internal"
)

var statusByType = map[ErrorType]int{
	ErrorTypeValidation:          http.StatusBadRequest,
	ErrorTypeAuth:                http.StatusUnauthorized,
	ErrorTypeForbidden:           http.StatusForbidden,
	ErrorTypeNotFound:            http.StatusNotFound,
	ErrorTypeNoRoute:             http.StatusNotFound,
	ErrorTypeRateLimit:           http.StatusTooManyRequests,
	ErrorTypeUpstreamUnavailable: http.StatusServiceUnavailable,
	ErrorTypeUpstreamTimeout:     http.StatusGatewayTimeout,
	ErrorTypeMethodNotAllowed:    http.StatusMethodNotAllowed,
	ErrorTypeRangeNotSatisfiable: http.StatusRequestedRangeNotSatisfiable,
	ErrorTypeInternal:            http.StatusInternalServerError,
}

// Error is a structured, chainable application error.
type Error struct {
	Type       ErrorType
	Message    string
	StatusCode int
	Details    string
	Cause      error
}

func New(t ErrorType, message string) *Error {
	return &Error{
		Type:       t,
		Message:    message,
		StatusCode: statusFor(t),
	}
}

func Newf(t ErrorType, format string, args ...interface{}) *Error {
	return New(t, fmt.Sprintf(format, args...))
}

func Wrap(cause error, t ErrorType, message string) *Error {
	return &Error{
		Type:       t,
		Message:    message,
		StatusCode: statusFor(t),
		Cause:      cause,
	}
}

func Wrapf(cause error, t ErrorType, format string, args ...interface{}) *Error {
	return Wrap(cause, t, fmt.Sprintf(format, args...))
}

func statusFor(t ErrorType) int {
	if code, ok := statusByType[t]; ok {
		return code
	}
	return http.StatusInternalServerError
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Type, e.Message)
	if e.Details != "" {
		fmt.Fprintf(&b, " (%s)", e.Details)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) WithDetails(details string) *Error {
	e.Details = details
	return e
}

func (e *Error) WithDetailsf(format string, args ...interface{}) *Error {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

// IsType reports whether err is an *Error of the given type.
func IsType(err error, t ErrorType) bool {
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr.Type == t
	}
	return false
}

// GetType returns the ErrorType of err, or ErrorTypeInternal if err is
// not an *Error.
func GetType(err error) ErrorType {
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// GetStatusCode returns the HTTP status for err, defaulting to 500.
func GetStatusCode(err error) int {
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// codeByType maps each ErrorType to the S3-style <Code> token used in
// the XML error body (spec.md §7's taxonomy table).
var codeByType = map[ErrorType]string{
	ErrorTypeValidation:          "BadRequest",
	ErrorTypeAuth:                "Unauthenticated",
	ErrorTypeForbidden:           "Forbidden",
	ErrorTypeNotFound:            "NotFound",
	ErrorTypeNoRoute:             "NoRoute",
	ErrorTypeRateLimit:           "RateLimited",
	ErrorTypeUpstreamUnavailable: "UpstreamUnavailable",
	ErrorTypeUpstreamTimeout:     "UpstreamTimeout",
	ErrorTypeMethodNotAllowed:    "MethodNotAllowed",
	ErrorTypeRangeNotSatisfiable: "InvalidRange",
	ErrorTypeInternal:            "InternalError",
}

// ErrorCode returns the XML <Code> token for err, defaulting to
// "InternalError" for anything not wrapping an *Error.
func ErrorCode(err error) string {
	var appErr *Error
	if stderrors.As(err, &appErr) {
		if code, ok := codeByType[appErr.Type]; ok {
			return code
		}
	}
	return "InternalError"
}

// XMLBody is the S3-compatible error document spec.md §7 mandates:
// <Error><Code>…</Code><Message>…</Message><RequestId>…</RequestId></Error>.
type XMLBody struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	RequestID string   `xml:"RequestId"`
}

// WriteXML writes err to w as the XML error body, setting the status
// code and Content-Type; correlationID becomes RequestId.
func WriteXML(w http.ResponseWriter, err error, correlationID string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(GetStatusCode(err))
	fmt.Fprint(w, xml.Header)
	xml.NewEncoder(w).Encode(XMLBody{
		Code:      ErrorCode(err),
		Message:   SafeErrorMessage(err),
		RequestID: correlationID,
	})
}

// safeMessages are the client-facing text for error types whose
// underlying Message may contain internal detail.
var safeMessages = struct {
	ResourceNotFound       string
	AuthenticationFailed   string
	AccessDenied           string
	OperationTimeout       string
	RateLimitExceeded      string
	UpstreamUnavailable    string
}{
	ResourceNotFound:     "The specified key does not exist.",
	AuthenticationFailed: "Authentication failed.",
	AccessDenied:         "Access Denied.",
	OperationTimeout:     "The request timed out.",
	RateLimitExceeded:    "Request rate limit exceeded.",
	UpstreamUnavailable:  "The origin is temporarily unavailable.",
}

// SafeErrorMessage renders the text that is safe to return to an
// external client — it never leaks Cause or Details for anything but
// validation errors, which are already client-authored.
func SafeErrorMessage(err error) string {
	var appErr *Error
	if !stderrors.As(err, &appErr) {
		return "An unexpected error occurred"
	}
	switch appErr.Type {
	case ErrorTypeValidation:
		return appErr.Message
	case ErrorTypeNotFound, ErrorTypeNoRoute:
		return safeMessages.ResourceNotFound
	case ErrorTypeAuth:
		return safeMessages.AuthenticationFailed
	case ErrorTypeForbidden:
		return safeMessages.AccessDenied
	case ErrorTypeUpstreamTimeout:
		return safeMessages.OperationTimeout
	case ErrorTypeRateLimit:
		return safeMessages.RateLimitExceeded
	case ErrorTypeUpstreamUnavailable:
		return safeMessages.UpstreamUnavailable
	default:
		return "An internal error occurred"
	}
}

// LogFields renders err as logrus-compatible fields for a single log
// call, without pulling in logrus as a dependency of this package.
func LogFields(err error) map[string]interface{} {
	fields := map[string]interface{}{"error": err.Error()}
	var appErr *Error
	if !stderrors.As(err, &appErr) {
		return fields
	}
	fields["error_type"] = string(appErr.Type)
	fields["status_code"] = appErr.StatusCode
	if appErr.Details != "" {
		fields["error_details"] = appErr.Details
	}
	if appErr.Cause != nil {
		fields["underlying_error"] = appErr.Cause.Error()
	}
	return fields
}

// Chain joins non-nil errors into one, in order, separated by " -> ".
// Returns nil if every error is nil, and returns the sole error
// unmodified if exactly one is non-nil.
func Chain(errs ...error) error {
	var present []error
	for _, e := range errs {
		if e != nil {
			present = append(present, e)
		}
	}
	switch len(present) {
	case 0:
		return nil
	case 1:
		return present[0]
	default:
		msgs := make([]string, len(present))
		for i, e := range present {
			msgs[i] = e.Error()
		}
		return fmt.Errorf("%s", strings.Join(msgs, " -> "))
	}
}
