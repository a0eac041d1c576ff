package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

const (
	// GuardMargin is the number of sentinel bytes placed on each side of a guarded allocation
	GuardMargin int = 16

	// GuardBeginValue fills the region immediately before a guarded allocation
	GuardBeginValue byte = 0xfb
	// GuardEndValue fills the region immediately after a guarded allocation
	GuardEndValue byte = 0xfe
	// UserDataFill is written across the caller-visible bytes of a guarded allocation so that reads of
	// uninitialized memory are easy to spot
	UserDataFill byte = 0xcd
)

// GuardSide identifies which of the two guard regions around an allocation was damaged
type GuardSide uint8

const (
	GuardBefore GuardSide = iota
	GuardAfter
)

var guardSideMapping = map[GuardSide]string{
	GuardBefore: "before",
	GuardAfter:  "after",
}

func (s GuardSide) String() string {
	return guardSideMapping[s]
}

// GuardedSize returns the number of bytes a guarded allocation of size bytes occupies, not counting
// alignment padding. When guards is false, it returns size.
func GuardedSize(size int, guards bool) int {
	if !guards {
		return size
	}
	return size + 2*GuardMargin
}

// WriteGuards fills the guard regions surrounding the size bytes at dataOffset within buf, and fills
// the data itself with UserDataFill. buf must have GuardMargin bytes available on both sides.
func WriteGuards(buf []byte, dataOffset, size int) {
	fill(buf[dataOffset-GuardMargin:dataOffset], GuardBeginValue)
	fill(buf[dataOffset:dataOffset+size], UserDataFill)
	fill(buf[dataOffset+size:dataOffset+size+GuardMargin], GuardEndValue)
}

// ValidateGuards verifies the guard regions written by WriteGuards. It returns nil if both regions are
// intact, and otherwise an error marked with ErrCorruption that names the damaged side and the first
// damaged offset within buf.
func ValidateGuards(buf []byte, dataOffset, size int) error {
	if at := firstMismatch(buf[dataOffset-GuardMargin:dataOffset], GuardBeginValue); at >= 0 {
		return corruptionError(GuardBefore, size, dataOffset, dataOffset-GuardMargin+at)
	}
	if at := firstMismatch(buf[dataOffset+size:dataOffset+size+GuardMargin], GuardEndValue); at >= 0 {
		return corruptionError(GuardAfter, size, dataOffset, dataOffset+size+at)
	}
	return nil
}

func corruptionError(side GuardSide, size, dataOffset, damagedOffset int) error {
	err := cerrors.Newf("damage %s %d byte allocation at offset %d (first damaged byte at offset %d)",
		side, size, dataOffset, damagedOffset)
	return cerrors.Mark(err, ErrCorruption)
}

func fill(region []byte, value byte) {
	for i := range region {
		region[i] = value
	}
}

func firstMismatch(region []byte, value byte) int {
	for i, b := range region {
		if b != value {
			return i
		}
	}
	return -1
}
