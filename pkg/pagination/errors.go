package pagination

import (
	"errors"
	"fmt"
)

// Common errors returned by the engine.
var (
	// ErrRetriesExhausted is wrapped by FetchError when transient failures
	// outlasted the retry budget.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrPermanent is wrapped by FetchError for failures that are never retried.
	ErrPermanent = errors.New("permanent failure")

	// ErrPageLimitExceeded is returned when pagination wants to continue past MaxPages.
	ErrPageLimitExceeded = errors.New("page limit exceeded")

	// ErrInvalidQuery is returned by Query.Validate.
	ErrInvalidQuery = errors.New("invalid query")
)

// FetchError is the final failure of one page fetch.
// It matches both its Kind (ErrRetriesExhausted or ErrPermanent) and the
// underlying cause with errors.Is / errors.As.
type FetchError struct {
	PageIndex int
	Attempts  int
	Kind      error
	Err       error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	return fmt.Sprintf("page %d: %v after %d attempt(s): %v", e.PageIndex+1, e.Kind, e.Attempts, e.Err)
}

// Unwrap returns the kind sentinel and the cause.
func (e *FetchError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// QueryError terminates a query. PageIndex is 0-based.
type QueryError struct {
	PageIndex int
	Err       error
}

// Error implements the error interface.
func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed at page %d: %v", e.Page(), e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *QueryError) Unwrap() error {
	return e.Err
}

// Page returns the 1-based page number.
func (e *QueryError) Page() int {
	return e.PageIndex + 1
}

// DecodeError is a response body the decoder could not understand.
type DecodeError struct {
	Path    string
	Snippet string
	Err     error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	msg := "decode page"
	if e.Path != "" {
		msg += " at " + e.Path
	}
	msg += ": " + e.Err.Error()
	if e.Snippet != "" {
		msg += fmt.Sprintf(" (body: %q)", e.Snippet)
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *DecodeError) Unwrap() error {
	return e.Err
}
