package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

// CheckPow2 returns an error wrapping PowerOfTwoError if number is not a power of two. Zero and
// negative values are not powers of two.
func CheckPow2[T constraints.Integer](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the next multiple of alignment, which must be a power of two
func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// AlignUpPtr rounds an address up to the next multiple of alignment, which must be a power of two
func AlignUpPtr(address uintptr, alignment uint) uintptr {
	mask := uintptr(alignment) - 1
	return (address + mask) &^ mask
}

// IsAligned reports whether address is a multiple of alignment
func IsAligned(address uintptr, alignment uint) bool {
	return address&(uintptr(alignment)-1) == 0
}

// PaddingFor returns the number of bytes that must be skipped from address so that the result is
// a multiple of alignment
func PaddingFor(address uintptr, alignment uint) int {
	return int(AlignUpPtr(address, alignment) - address)
}
