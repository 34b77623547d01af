// internal/common/errors.go
package common

import (
	"context"
	"errors"
	"os/exec"

	"github.com/okinrev/veza-web-app/internal/domain/entities"
)

// ClassifiedError pairs a §7 ErrorKind with the user-visible brief
// message. Internal detail (stack traces, adapter logs) stays in the
// wrapped Cause and is retained in job history but never serialized to a
// subscriber.
type ClassifiedError struct {
	Kind    entities.ErrorKind
	Brief   string
	Cause   error
}

func (e *ClassifiedError) Error() string {
	if e.Cause != nil {
		return string(e.Kind) + ": " + e.Brief + ": " + e.Cause.Error()
	}
	return string(e.Kind) + ": " + e.Brief
}

func (e *ClassifiedError) Unwrap() error { return e.Cause }

// Classify wraps err with kind and a user-safe brief message.
func Classify(kind entities.ErrorKind, brief string, err error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Brief: brief, Cause: err}
}

// ClassifyAdapterErr is the boundary classifier every Analyzer Adapter
// call runs its error through, per the §7 propagation policy: timeouts
// and cancellation are distinguished from generic adapter failure before
// a Stage Runner decides whether to retry.
func ClassifyAdapterErr(err error, fallbackKind entities.ErrorKind, brief string) *ClassifiedError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Classify(entities.ErrTimeout, brief, err)
	case errors.Is(err, context.Canceled):
		return Classify(entities.ErrCancelled, brief, err)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Classify(fallbackKind, brief, err)
	}
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified
	}
	return Classify(fallbackKind, brief, err)
}

// AsClassified extracts the ErrorKind/brief from err if it (or something
// it wraps) is a *ClassifiedError, defaulting to analyzer_failure.
func AsClassified(err error) (entities.ErrorKind, string) {
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Kind, classified.Brief
	}
	return entities.ErrAnalyzerFailure, "unclassified failure"
}
