package backend

import "errors"

var (
	// ErrMiss is the normal "absent or expired" outcome of a read.
	// It is not a failure; callers distinguish it with errors.Is.
	ErrMiss = errors.New("cache: miss")

	// ErrCapacityExceeded reports a single value too large to ever fit
	// within the backend's configured capacity. The write is rejected
	// whole; resident entries are never evicted to make room for a value
	// that cannot fit.
	ErrCapacityExceeded = errors.New("cache: value exceeds backend capacity")

	// ErrStorageUnavailable reports that the disk tier cannot reach its
	// underlying store. The failing operation is surfaced to its caller;
	// there is no silent fallback to another tier and no internal retry
	// of I/O.
	ErrStorageUnavailable = errors.New("cache: storage unavailable")

	// ErrNotNumeric is returned by Increment when the stored value is not
	// a base-10 integer.
	ErrNotNumeric = errors.New("cache: value is not an integer")
)
