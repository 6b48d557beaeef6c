package graph

import (
	"github.com/orneryd/embergraph/pkg/cypher"
	"github.com/orneryd/embergraph/pkg/index"
	"github.com/orneryd/embergraph/pkg/storage"
	"github.com/orneryd/embergraph/pkg/txn"
)

// Errors returned by Store operations. Match them with errors.Is.
var (
	ErrNotFound   = storage.ErrNotFound
	ErrValidation = storage.ErrValidation
	ErrClosed     = storage.ErrClosed

	// ErrConflict, ErrDeadlock and ErrLockTimeout are retryable.
	ErrConflict    = txn.ErrConflict
	ErrDeadlock    = txn.ErrDeadlock
	ErrLockTimeout = txn.ErrLockTimeout

	ErrReadOnly          = txn.ErrReadOnly
	ErrTxNotActive       = txn.ErrTxNotActive
	ErrTxTimeout         = txn.ErrTxTimeout
	ErrSavepointNotFound = txn.ErrSavepointNotFound

	ErrSchemaMismatch      = index.ErrSchemaMismatch
	ErrConstraintViolation = index.ErrConstraintViolation

	ErrSyntax = cypher.ErrSyntax
)

// IsRetryable reports whether running the failed transaction again may
// succeed.
func IsRetryable(err error) bool {
	return txn.IsRetryable(err)
}
