package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code int
		want ErrorClass
	}{
		{200, ""},
		{204, ""},
		{304, ""},
		{301, ClassUnexpected},
		{400, ClassClient},
		{404, ClassClient},
		{429, ClassRateLimit},
		{500, ClassServer},
		{503, ClassServer},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			if got := ClassifyStatus(tt.code); got != tt.want {
				t.Errorf("ClassifyStatus(%d) = %q, want %q", tt.code, got, tt.want)
			}
		})
	}
}

func TestErrorClass_Transient(t *testing.T) {
	tests := []struct {
		class ErrorClass
		want  bool
	}{
		{ClassServer, true},
		{ClassRateLimit, true},
		{ClassNetwork, true},
		{ClassClient, false},
		{ClassUnexpected, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.class), func(t *testing.T) {
			if got := tt.class.Transient(); got != tt.want {
				t.Errorf("Transient() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHTTPStatusError(t *testing.T) {
	err := NewHTTPStatusError(&Response{StatusCode: 404, Body: []byte(strings.Repeat("x", 1000))})

	if err.Class != ClassClient {
		t.Errorf("Class = %q, want client", err.Class)
	}
	if len(err.Body) != maxErrorBody+3 {
		t.Errorf("Body length = %d, want truncated to %d", len(err.Body), maxErrorBody+3)
	}
	if !strings.Contains(err.Error(), "status 404 Not Found") {
		t.Errorf("Error() = %q", err.Error())
	}
	if err.Transient() {
		t.Error("404 should not be transient")
	}
}

func TestTransportError_Unwrap(t *testing.T) {
	inner := errors.New("connection reset by peer")
	err := fmt.Errorf("page 3: %w", &TransportError{Method: "GET", URL: "http://x", Err: inner})

	if !errors.Is(err, inner) {
		t.Error("errors.Is should reach the wrapped cause")
	}
	if ClassOf(err) != ClassNetwork {
		t.Errorf("ClassOf() = %q, want network", ClassOf(err))
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"transport", &TransportError{Err: errors.New("eof")}, true},
		{"server status", &HTTPStatusError{StatusCode: 502, Class: ClassServer}, true},
		{"rate limited", &HTTPStatusError{StatusCode: 429, Class: ClassRateLimit}, true},
		{"client status", &HTTPStatusError{StatusCode: 400, Class: ClassClient}, false},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient() = %v, want %v", got, tt.want)
			}
		})
	}
}
