package domain

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind is the category of an engine error.
type ErrorKind string

const (
	// ErrorKindPayloadTooLarge indicates the raw image exceeds the byte limit.
	ErrorKindPayloadTooLarge ErrorKind = "payload_too_large"

	// ErrorKindInvalidImage indicates the raw image could not be decoded.
	ErrorKindInvalidImage ErrorKind = "invalid_image"

	// ErrorKindRetryableTransport indicates a transient provider failure
	// (HTTP 429/5xx, connection reset, attempt timeout).
	ErrorKindRetryableTransport ErrorKind = "retryable_transport"

	// ErrorKindFatalStatus indicates a non-retryable HTTP status from a provider.
	ErrorKindFatalStatus ErrorKind = "fatal_status"

	// ErrorKindResponseFormat indicates the provider answered but no JSON
	// object could be recovered from its free text.
	ErrorKindResponseFormat ErrorKind = "response_format"

	// ErrorKindParse indicates the provider envelope itself was unreadable.
	ErrorKindParse ErrorKind = "parse"

	// ErrorKindRetriesExhausted indicates a retryable failure outlived the attempt budget.
	ErrorKindRetriesExhausted ErrorKind = "retries_exhausted"

	// ErrorKindDeadlineExceeded indicates the overall request deadline elapsed
	// before the provider reached a terminal outcome.
	ErrorKindDeadlineExceeded ErrorKind = "deadline_exceeded"

	// ErrorKindStore indicates a persistence failure.
	ErrorKindStore ErrorKind = "store"

	// ErrorKindNotFound indicates a missing record or provider.
	ErrorKindNotFound ErrorKind = "not_found"

	// ErrorKindConfig indicates invalid configuration.
	ErrorKindConfig ErrorKind = "config"
)

// ErrNotFound is returned by result stores when no live record exists.
var ErrNotFound = errors.New("record not found")

// VisionError is the typed error carried through the engine.
type VisionError struct {
	Kind     ErrorKind `json:"kind"`
	Provider string    `json:"provider,omitempty"`
	Message  string    `json:"message"`

	// StatusCode is the upstream HTTP status, when one was observed.
	StatusCode int `json:"status_code,omitempty"`

	// RetryAfter is the server-supplied wait hint, zero when absent.
	RetryAfter time.Duration `json:"-"`

	Err error `json:"-"`
}

// Error implements the error interface.
func (e *VisionError) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Provider != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Provider, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap returns the wrapped cause.
func (e *VisionError) Unwrap() error { return e.Err }

// Is matches on kind so callers can write errors.Is(err, &VisionError{Kind: ...}).
func (e *VisionError) Is(target error) bool {
	t, ok := target.(*VisionError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Provider == "" || t.Provider == e.Provider)
}

// HTTPStatusCode returns the status the HTTP surface should answer with.
func (e *VisionError) HTTPStatusCode() int {
	switch e.Kind {
	case ErrorKindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrorKindInvalidImage:
		return http.StatusBadRequest
	case ErrorKindNotFound:
		return http.StatusNotFound
	case ErrorKindDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WithProvider tags the error with the provider that produced it.
func (e *VisionError) WithProvider(name string) *VisionError {
	e.Provider = name
	return e
}

// WithStatusCode records the upstream HTTP status.
func (e *VisionError) WithStatusCode(code int) *VisionError {
	e.StatusCode = code
	return e
}

// WithRetryAfter records a server-supplied wait hint.
func (e *VisionError) WithRetryAfter(d time.Duration) *VisionError {
	e.RetryAfter = d
	return e
}

// WithCause wraps an underlying error.
func (e *VisionError) WithCause(err error) *VisionError {
	e.Err = err
	return e
}

// NewError creates a new engine error.
func NewError(kind ErrorKind, message string) *VisionError {
	return &VisionError{Kind: kind, Message: message}
}

// KindOf returns the kind of err, or "" when err is not a VisionError.
func KindOf(err error) ErrorKind {
	var ve *VisionError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return ""
}

// Convenience constructors for the error taxonomy

// ErrPayloadTooLarge reports an image over the byte limit.
func ErrPayloadTooLarge(size, limit int64) *VisionError {
	return NewError(ErrorKindPayloadTooLarge,
		fmt.Sprintf("image too large: %d bytes (limit %d)", size, limit))
}

// ErrInvalidImage reports an undecodable image.
func ErrInvalidImage(err error) *VisionError {
	return NewError(ErrorKindInvalidImage, "decode image").WithCause(err)
}

// ErrRetryableTransport reports a transient transport failure.
func ErrRetryableTransport(message string) *VisionError {
	return NewError(ErrorKindRetryableTransport, message)
}

// ErrFatalStatus reports a non-retryable upstream status.
func ErrFatalStatus(code int, body string) *VisionError {
	return NewError(ErrorKindFatalStatus,
		fmt.Sprintf("upstream status %d: %s", code, body)).WithStatusCode(code)
}

// ErrResponseFormat reports model output without a recoverable JSON object.
func ErrResponseFormat(message string) *VisionError {
	return NewError(ErrorKindResponseFormat, message)
}

// ErrParse reports an unreadable provider envelope.
func ErrParse(err error) *VisionError {
	return NewError(ErrorKindParse, "parse provider response").WithCause(err)
}

// ErrRetriesExhausted reports a retryable failure that outlived the attempt budget.
func ErrRetriesExhausted(attempts int, last error) *VisionError {
	return NewError(ErrorKindRetriesExhausted,
		fmt.Sprintf("gave up after %d attempts", attempts)).WithCause(last)
}

// ErrDeadlineExceeded reports a provider left unfinished by the overall deadline.
func ErrDeadlineExceeded(err error) *VisionError {
	return NewError(ErrorKindDeadlineExceeded, "request deadline exceeded").WithCause(err)
}

// ErrStore reports a persistence failure.
func ErrStore(err error) *VisionError {
	return NewError(ErrorKindStore, "result store").WithCause(err)
}

// ErrConfig reports invalid configuration.
func ErrConfig(message string) *VisionError {
	return NewError(ErrorKindConfig, message)
}
