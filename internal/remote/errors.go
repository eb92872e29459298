package remote

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by a Store matches exactly one of these
// through errors.Is.
var (
	// ErrTransient covers network failures and timeouts. The batch is retried
	// on the next sync cycle.
	ErrTransient = errors.New("transient remote error")

	// ErrAuthentication aborts the sync cycle and is not retried until the
	// credentials change or the circuit breaker cools down.
	ErrAuthentication = errors.New("remote authentication failed")

	// ErrSerialization is fatal only to the offending document
	ErrSerialization = errors.New("document serialization failed")

	// ErrNotFound is returned by Get for a missing document
	ErrNotFound = errors.New("document not found")

	// ErrConflict is returned when a create-only write hits an existing document
	ErrConflict = errors.New("document already exists")
)

// Error records the operation and path that failed
type Error struct {
	Kind error
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += fmt.Sprintf(" (%s)", e.Path)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}
