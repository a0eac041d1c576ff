package pages

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/poolalloc/memutils"
)

// LimitedSource wraps another Source and refuses to hand out more than Limit bytes at a time
type LimitedSource struct {
	source Source
	limit  int
	used   int
}

var _ Source = &LimitedSource{}

// NewLimitedSource creates a LimitedSource. A limit of 0 or less means no limit.
func NewLimitedSource(source Source, limit int) *LimitedSource {
	return &LimitedSource{
		source: source,
		limit:  limit,
	}
}

// Used returns the number of bytes currently acquired through this source
func (s *LimitedSource) Used() int { return s.used }

// Limit returns the configured limit, or 0 if there is none
func (s *LimitedSource) Limit() int {
	if s.limit <= 0 {
		return 0
	}
	return s.limit
}

func (s *LimitedSource) Acquire(size int) ([]byte, error) {
	if s.limit > 0 && s.used+size > s.limit {
		return nil, errors.Mark(
			errors.Newf("acquiring %d bytes would exceed the limit of %d bytes (%d in use)", size, s.limit, s.used),
			memutils.ErrOutOfMemory,
		)
	}

	buf, err := s.source.Acquire(size)
	if err != nil {
		return nil, err
	}

	s.used += size
	return buf, nil
}

// Release hands buf back to the wrapped source. The bytes stop counting against the limit even if the
// wrapped source reports an error, since the caller never uses buf again either way.
func (s *LimitedSource) Release(buf []byte) error {
	s.used -= len(buf)
	return s.source.Release(buf)
}
