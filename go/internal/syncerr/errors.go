package syncerr

import (
	"errors"
	"fmt"
)

// ErrConfiguration is returned when a component is built without required
// identity or credentials, e.g. a coordinator with no room or client key.
var ErrConfiguration = errors.New("configuration error")

// ErrInvariantViolation is returned when derived state cannot name a valid presenter.
var ErrInvariantViolation = errors.New("presence invariant violated")

// SyncError wraps a transient presence or store failure. Callers keep their
// previous derived state and wait for the next snapshot.
type SyncError struct {
	Op  string
	Err error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s: %v", e.Op, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a SyncError for op. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &SyncError{Op: op, Err: err}
}

// IsTransient reports whether err carries a SyncError.
func IsTransient(err error) bool {
	var se *SyncError
	return errors.As(err, &se)
}
