package memutils

import "github.com/pkg/errors"

var (
	// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
	PowerOfTwoError error = errors.New("number must be a power of two")
	// ErrInvalidConfiguration marks errors produced while validating allocator options. An allocator
	// is never returned alongside an error carrying this mark.
	ErrInvalidConfiguration error = errors.New("invalid allocator configuration")
	// ErrOutOfMemory marks the value an allocator panics with when backing memory cannot be obtained
	ErrOutOfMemory error = errors.New("out of memory")
	// ErrCorruption marks errors reporting a damaged guard region
	ErrCorruption error = errors.New("heap corruption detected")
	// ErrLocked is the value an allocator panics with when it is asked to allocate while locked
	ErrLocked error = errors.New("allocation from a locked allocator")
	// ErrReleased is the value an allocator panics with when it is used after Destroy
	ErrReleased error = errors.New("allocator used after Destroy")
)
