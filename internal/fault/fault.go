// Package fault provides the structured error type used across component
// boundaries. Every error that leaves a component is classified with one of
// the closed error kinds before crossing.
package fault

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/foremanlabs/foreman/pkg/models"
)

// Error is a classified error. Op names the operation that failed
// ("queue.claim", "engine.llm_call") for log correlation.
type Error struct {
	Kind models.ErrorKind
	Op   string
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Kind))
	if e.Op != "" {
		parts = append(parts, e.Op+":")
	}
	if e.Msg != "" {
		parts = append(parts, e.Msg)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// E builds a classified error. Trailing arguments may be an error cause, a
// message string, or both.
func E(kind models.ErrorKind, op string, args ...any) *Error {
	e := &Error{Kind: kind, Op: op}
	for _, a := range args {
		switch v := a.(type) {
		case error:
			e.Err = v
		case string:
			e.Msg = v
		}
	}
	return e
}

// Errorf builds a classified error with a formatted message.
func Errorf(kind models.ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the error kind, classifying unadorned errors as internal.
// A nil error has no kind.
func KindOf(err error) models.ErrorKind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return models.KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.KindToolTimeout
	}
	return models.KindInternal
}

// Retryable reports whether the error's kind suggests a retry may succeed.
func Retryable(err error) bool {
	return KindOf(err).Retryable()
}

// Classify wraps err with kind unless it already carries one.
func Classify(kind models.ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
