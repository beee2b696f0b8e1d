// Package vmierr defines the error taxonomy shared across the translation
// pipeline, as plain sentinel errors in the errors.New/fmt.Errorf style the
// rest of this codebase uses.
package vmierr

import "errors"

var (
	// ErrOutOfMemoryRange is reported per-operation when a virtual or
	// physical address falls outside an address space the MMU or memory
	// map knows how to translate.
	ErrOutOfMemoryRange = errors.New("address out of memory range")

	// ErrVirtualTranslate is reported per-operation when a page table walk
	// fails: the entry isn't present, or a loop was detected.
	ErrVirtualTranslate = errors.New("virtual address translation failed")

	// ErrPartialData is returned at the batch/caller level when a read or
	// write call partially succeeded; it carries the successful portion
	// alongside it (see PartialError below).
	ErrPartialData = errors.New("partial data")

	// ErrUninitialized is returned at cache/pipeline build time when a
	// required configuration option (page_size) was never set.
	ErrUninitialized = errors.New("uninitialized: page_size must be set")

	// ErrCanceled names a batch canceled by a success/failure callback
	// returning false. The iterators in this module signal cancellation
	// only through those callbacks and do not return this error.
	ErrCanceled = errors.New("batch canceled by callback")
)

// PartialError wraps ErrPartialData with the number of bytes that did
// succeed, so callers can decide whether a partial result is usable.
type PartialError struct {
	SucceededBytes int
	FailedBytes    int
}

func (e *PartialError) Error() string {
	return ErrPartialData.Error()
}

func (e *PartialError) Unwrap() error {
	return ErrPartialData
}

// IsPartial reports whether err is (or wraps) a PartialError.
func IsPartial(err error) (*PartialError, bool) {
	var pe *PartialError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
