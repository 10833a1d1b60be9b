package store

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyNotFound is returned by Get and Remove when the key has no live value.
	ErrKeyNotFound = errors.New("key not found")

	// ErrCorruptRecord is returned when a record's framing or checksum does not hold.
	ErrCorruptRecord = errors.New("corrupt record")

	// ErrSegmentMissing means the index points into a segment that is not on disk.
	ErrSegmentMissing = errors.New("segment missing")

	// ErrIO wraps every filesystem failure.
	ErrIO = errors.New("i/o error")

	ErrClosed            = errors.New("store is closed")
	ErrCompactionRunning = errors.New("compaction already running")
	ErrKeyTooLarge       = errors.New("key exceeds maximum size")
	ErrValueTooLarge     = errors.New("value exceeds maximum size")

	errTruncated = fmt.Errorf("%w: truncated record", ErrCorruptRecord)
)

func ioError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}
