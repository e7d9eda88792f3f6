// Package storage decides where cache databases live on disk.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrInvalidFunction = errors.New("function name is empty")
	ErrOutsideRoot     = errors.New("path is outside the cache root")
)

// FileExt is the extension of cache database files.
const FileExt = ".sqlite"

// Resolver maps a function identity and an argument bucket to the database
// file holding their cache. Implementations must return the same path for
// the same inputs.
type Resolver interface {
	// Path returns the database path for function and bucket, creating
	// parent directories as needed.
	Path(function, bucket string) (string, error)
}

// Lister enumerates existing cache databases. Used by maintenance tooling.
type Lister interface {
	List(ctx context.Context) ([]string, error)
}
