//go:build !unix

package pages

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/poolalloc/memutils"
)

// MappedSupported reports whether MappedSource can be used on this platform
const MappedSupported = false

// NewMappedSource returns an error on platforms without anonymous mappings
func NewMappedSource() (Source, error) {
	return nil, errors.Mark(errors.New("mapped pages are only supported on unix platforms"), memutils.ErrInvalidConfiguration)
}
