package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the client.
var (
	// ErrUnsupportedEncoding is returned when a response uses a content
	// encoding the client cannot decode.
	ErrUnsupportedEncoding = errors.New("unsupported content encoding")

	// ErrBodyTooLarge is returned when a response body exceeds Config.MaxBodyBytes.
	ErrBodyTooLarge = errors.New("response body too large")

	// ErrInvalidRequest is returned for requests that cannot be built (bad URL, missing method).
	ErrInvalidRequest = errors.New("invalid request")
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ClassClient represents 4xx client errors other than 429.
	ClassClient ErrorClass = "client"

	// ClassServer represents 5xx server errors.
	ClassServer ErrorClass = "server"

	// ClassRateLimit represents 429 Too Many Requests.
	ClassRateLimit ErrorClass = "rate_limit"

	// ClassNetwork represents connection-level failures and timeouts.
	ClassNetwork ErrorClass = "network"

	// ClassUnexpected represents non-2xx statuses outside 4xx/5xx (e.g. unfollowed redirects).
	ClassUnexpected ErrorClass = "unexpected"
)

// Transient reports whether failures of this class are expected to resolve on retry.
func (c ErrorClass) Transient() bool {
	switch c {
	case ClassServer, ClassRateLimit, ClassNetwork:
		return true
	default:
		return false
	}
}

// ClassifyStatus maps an HTTP status code to an error class.
// It returns "" for 2xx and 304.
func ClassifyStatus(code int) ErrorClass {
	switch {
	case code >= 200 && code < 300, code == http.StatusNotModified:
		return ""
	case code == http.StatusTooManyRequests:
		return ClassRateLimit
	case code >= 400 && code < 500:
		return ClassClient
	case code >= 500 && code < 600:
		return ClassServer
	default:
		return ClassUnexpected
	}
}

// TransportError is a connection-level failure: dial, TLS, reset, timeout,
// or a broken body read. It is always transient.
type TransportError struct {
	Method  string
	URL     string
	Timeout bool
	Err     error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s %s: timeout: %v", e.Method, e.URL, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Class returns ClassNetwork.
func (e *TransportError) Class() ErrorClass {
	return ClassNetwork
}

// HTTPStatusError represents a non-success HTTP status.
type HTTPStatusError struct {
	StatusCode int
	Class      ErrorClass
	Status     string
	// Body holds the leading bytes of the response body for diagnostics.
	Body string
}

const maxErrorBody = 256

// NewHTTPStatusError builds an HTTPStatusError from a response.
func NewHTTPStatusError(resp *Response) *HTTPStatusError {
	body := string(resp.Body)
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody] + "..."
	}
	return &HTTPStatusError{
		StatusCode: resp.StatusCode,
		Class:      ClassifyStatus(resp.StatusCode),
		Status:     http.StatusText(resp.StatusCode),
		Body:       body,
	}
}

// Error implements the error interface.
func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s error (status %d %s): %s", e.Class, e.StatusCode, e.Status, e.Body)
	}
	return fmt.Sprintf("%s error (status %d %s)", e.Class, e.StatusCode, e.Status)
}

// Transient reports whether the status should be retried.
func (e *HTTPStatusError) Transient() bool {
	return e.Class.Transient()
}

// IsTransient reports whether err is a transport error or a transient HTTP status.
// Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var se *HTTPStatusError
	if errors.As(err, &se) {
		return se.Transient()
	}
	return false
}

// ClassOf returns the error class of err, or "" if it is not a client error.
func ClassOf(err error) ErrorClass {
	var te *TransportError
	if errors.As(err, &te) {
		return ClassNetwork
	}
	var se *HTTPStatusError
	if errors.As(err, &se) {
		return se.Class
	}
	return ""
}
