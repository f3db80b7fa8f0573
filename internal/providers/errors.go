package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Error is a classified failure from a model API call. It keeps enough
// request context (provider, model, status, request id) for operators to
// chase the failure in the provider's console, and exposes Transient so
// the caller can gate retries on the failure class instead of the text.
type Error struct {
	Provider string
	Model    string

	// Status is the HTTP status code when one was observed, else 0.
	Status int

	// Code is the provider-specific error code, when present.
	Code string

	// RequestID identifies the upstream request, when the API returned one.
	RequestID string

	Cause error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: completion failed", e.Provider)
	if e.Model != "" {
		fmt.Fprintf(&b, " (model %s)", e.Model)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " code %s", e.Code)
	}
	if e.RequestID != "" {
		fmt.Fprintf(&b, " request %s", e.RequestID)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Transient reports whether the same request may succeed if repeated:
// rate limits, request timeouts and server-side failures. Auth errors,
// quota exhaustion indicated by billing codes and invalid requests are
// permanent.
func (e *Error) Transient() bool {
	switch e.Status {
	case http.StatusTooManyRequests,
		http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	if e.Status != 0 {
		return false
	}
	// No status means the request never got an HTTP answer; fall back to
	// inspecting the cause.
	return sniffTransient(e.Cause)
}

// IsTransient reports whether err represents a transport failure worth
// retrying. Classified *Error values answer from their status; everything
// else is matched against known network failure shapes the way raw SDK
// errors surface them.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Transient()
	}
	return sniffTransient(err)
}

// sniffTransient classifies bare errors that carry no status code. The
// Gemini SDK in particular wraps HTTP failures into opaque errors, so the
// string matching mirrors what its messages actually contain.
func sniffTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate limit",
		"too many requests",
		"resource exhausted",
		"429",
		"500", "502", "503", "504",
		"internal server error",
		"bad gateway",
		"service unavailable",
		"gateway timeout",
		"overloaded",
		"timeout",
		"deadline exceeded",
		"connection reset",
		"connection refused",
		"no such host",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
