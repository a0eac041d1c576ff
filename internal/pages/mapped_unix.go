//go:build unix

package pages

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/poolalloc/memutils"
	"golang.org/x/sys/unix"
)

// MappedSupported reports whether MappedSource can be used on this platform
const MappedSupported = true

// MappedSource obtains regions directly from the operating system with anonymous private mappings.
// Released regions are unmapped immediately instead of waiting for the garbage collector, and the
// collector never scans them.
type MappedSource struct{}

var _ Source = MappedSource{}

// NewMappedSource returns a MappedSource
func NewMappedSource() (Source, error) {
	return MappedSource{}, nil
}

func (MappedSource) Acquire(size int) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}

	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "cannot map %d bytes", size), memutils.ErrOutOfMemory)
	}

	return buf, nil
}

func (MappedSource) Release(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	return errors.Wrapf(unix.Munmap(buf), "cannot unmap %d bytes", len(buf))
}
