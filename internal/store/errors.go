package store

import (
	"errors"
	"fmt"

	"github.com/geultto/sheetsync/internal/schema"
)

// ErrIOFailure is matched by every *IOError via errors.Is. Local write
// failures are fatal to the write that caused them and must be surfaced to
// the caller; nothing is enqueued for upload.
var ErrIOFailure = errors.New("local store I/O failure")

// IOError describes a failed filesystem operation on a table file.
type IOError struct {
	Op    string
	Table schema.Table
	Path  string
	Err   error
}

func (e *IOError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("failed to %s %s (%s): %v", e.Op, e.Table, e.Path, e.Err)
	}
	return fmt.Sprintf("failed to %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrIOFailure) true for any IOError.
func (e *IOError) Is(target error) bool {
	return target == ErrIOFailure
}

// IsIOFailure reports whether err is a local store I/O failure.
func IsIOFailure(err error) bool {
	return errors.Is(err, ErrIOFailure)
}
