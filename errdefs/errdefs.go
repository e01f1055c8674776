// Package errdefs defines the error taxonomy shared across the module.
//
// Configuration errors and data-contract errors are fatal and propagate to
// the caller; external-service errors are absorbed at the reporting boundary.
package errdefs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error for propagation policy decisions.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfig marks invalid or inconsistent run configuration, detected
	// eagerly at construction time.
	KindConfig
	// KindData marks a violated data contract: out-of-range categorical
	// codes, short windows, state/batch shape mismatches.
	KindData
	// KindExternal marks a failing collaborator such as a metrics sink.
	KindExternal
)

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// Config returns a new configuration error.
func Config(format string, args ...interface{}) error {
	return &kindError{kind: KindConfig, err: fmt.Errorf(format, args...)}
}

// Data returns a new data-contract error.
func Data(format string, args ...interface{}) error {
	return &kindError{kind: KindData, err: fmt.Errorf(format, args...)}
}

// External wraps err as an external-service error.
func External(err error, msg string) error {
	return &kindError{kind: KindExternal, err: errors.Wrap(err, msg)}
}

// ExternalIf wraps err as an external-service error, passing nil through.
func ExternalIf(err error, msg string) error {
	if err == nil {
		return nil
	}
	return External(err, msg)
}

// WrapData wraps err as a data-contract error with additional context.
func WrapData(err error, msg string) error {
	return &kindError{kind: KindData, err: errors.Wrap(err, msg)}
}

// KindOf reports the kind of err, unwrapping as needed.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindUnknown
}

// IsConfig reports whether err is a configuration error.
func IsConfig(err error) bool { return KindOf(err) == KindConfig }

// IsData reports whether err is a data-contract error.
func IsData(err error) bool { return KindOf(err) == KindData }

// IsExternal reports whether err is an external-service error.
func IsExternal(err error) bool { return KindOf(err) == KindExternal }
