package collab

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient marks a failure worth retrying: timeouts, connection
	// refused from a dependency that is not ready yet.
	ErrTransient = errors.New("transient failure")

	// ErrFatal marks a permanent rejection: missing credential, permanent
	// refusal from a collaborator. Not retried.
	ErrFatal = errors.New("fatal failure")
)

// Transient wraps err so IsTransient reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Fatal wraps err so IsFatal reports true for it.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// IsTransient reports whether err should be retried. Errors carrying neither
// marker default to transient, matching how external calls usually fail.
func IsTransient(err error) bool {
	return err != nil && !IsFatal(err)
}

// IsFatal reports whether err is a permanent failure.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}
