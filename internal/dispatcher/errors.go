package dispatcher

import (
	"errors"
	"fmt"
)

// Dispatcher errors
var (
	// ErrStoreFailure wraps email store errors. It aborts the current tick.
	ErrStoreFailure = errors.New("email store failure")
	// ErrAlreadyRunning is returned by Run when a loop is already active.
	ErrAlreadyRunning = errors.New("dispatcher is already running")
)

func storeFailure(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreFailure, op, err)
}
