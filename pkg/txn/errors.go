package txn

import (
	"errors"
	"fmt"
)

// Transaction errors
var (
	// ErrConflict is returned by Commit when an optimistic transaction read
	// or wrote a record that another transaction changed since. Retry.
	ErrConflict = errors.New("transaction conflict")

	// ErrDeadlock is returned to the transaction chosen as the deadlock
	// victim. The transaction is aborted with its locks released. Retry.
	ErrDeadlock = errors.New("deadlock detected")

	// ErrLockTimeout is returned when a lock could not be acquired within
	// the configured wait limit. The transaction is rolled back. Retry.
	ErrLockTimeout = errors.New("lock wait timeout")

	// ErrReadOnly is returned by Commit when a snapshot transaction staged
	// writes. Nothing is applied.
	ErrReadOnly = errors.New("transaction is read-only")

	ErrTxNotActive       = errors.New("transaction is not active")
	ErrTxTimeout         = errors.New("transaction timed out")
	ErrSavepointNotFound = errors.New("savepoint not found")
)

// IsRetryable reports whether err is a concurrency failure after which
// running the same transaction again may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrDeadlock) || errors.Is(err, ErrLockTimeout)
}

func conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}
