package commands

import (
	"context"
	"errors"

	"github.com/Sternrassler/api-query/internal/config"
	"github.com/Sternrassler/api-query/pkg/output"
	"github.com/Sternrassler/api-query/pkg/pagination"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitUsage       = 2
	ExitPermanent   = 3
	ExitRetries     = 4
	ExitPageLimit   = 5
	ExitInterrupted = 130
)

// UsageError marks invalid flags or arguments.
type UsageError struct {
	Err error
}

// Error implements the error interface.
func (e *UsageError) Error() string {
	return e.Err.Error()
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *UsageError) Unwrap() error {
	return e.Err
}

func usageError(err error) error {
	if err == nil {
		return nil
	}
	return &UsageError{Err: err}
}

// ExitCode maps the result of a command to the process exit code.
// interrupted reports whether the run was stopped by a signal.
func ExitCode(err error, interrupted bool) int {
	if interrupted || errors.Is(err, context.Canceled) {
		return ExitInterrupted
	}
	if err == nil {
		return ExitOK
	}

	var usage *UsageError
	switch {
	case errors.As(err, &usage),
		errors.Is(err, pagination.ErrInvalidQuery),
		errors.Is(err, config.ErrInvalidConfig),
		errors.Is(err, output.ErrUnknownFormat):
		return ExitUsage
	case errors.Is(err, pagination.ErrPageLimitExceeded):
		return ExitPageLimit
	case errors.Is(err, pagination.ErrRetriesExhausted):
		return ExitRetries
	case errors.Is(err, pagination.ErrPermanent):
		return ExitPermanent
	default:
		return ExitFailure
	}
}
