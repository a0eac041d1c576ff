package arena

import (
	"fmt"
	"math"
	"unsafe"
)

// NewObject places a zeroed T in memory owned by a and returns a pointer to it. The object lives until a is
// reset or destroyed; nothing needs to be done to release it. Objects that need cleanup should
// implement Finalizer and be registered with RegisterFinalizer.
//
// The garbage collector does not look inside arena memory, so T must not hold the only reference to
// anything allocated on the Go heap. Pointers to other objects in the same allocator are fine.
func NewObject[T any](a *Allocator) *T {
	var zero T
	ptr := a.allocate(int(unsafe.Sizeof(zero)), objectAlignment[T](a))

	obj := (*T)(ptr)
	*obj = zero
	return obj
}

// NewSlice places n zeroed elements of type T in memory owned by a. The same restrictions as NewObject apply.
func NewSlice[T any](a *Allocator, n int) []T {
	if n < 0 {
		panic(fmt.Sprintf("attempted to allocate a slice with a negative length: %d", n))
	}

	var zero T
	elemSize := int(unsafe.Sizeof(zero))
	if elemSize > 0 && n > math.MaxInt/elemSize {
		panic(fmt.Sprintf("a slice of %d elements of %d bytes is too large to allocate", n, elemSize))
	}

	ptr := a.allocate(n*elemSize, objectAlignment[T](a))

	s := unsafe.Slice((*T)(ptr), n)
	for i := range s {
		s[i] = zero
	}
	return s
}

// String copies s into memory owned by a
func String(a *Allocator, s string) string {
	if len(s) == 0 {
		return ""
	}

	b := a.Allocate(len(s))
	copy(b, s)
	return unsafe.String(unsafe.SliceData(b), len(b))
}

func objectAlignment[T any](a *Allocator) uint {
	var zero T
	alignment := uint(unsafe.Alignof(zero))
	if alignment < a.alignment {
		alignment = a.alignment
	}
	return alignment
}
