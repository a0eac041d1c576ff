package memutils

import "math"

// Statistics is a cheap summary of the memory an allocator owns and hands out
type Statistics struct {
	PageCount      int
	OversizedCount int
	PageBytes      int
	OversizedBytes int

	// AllocationCount is the number of Allocate calls since the allocator was created or last reset
	AllocationCount int
	// AllocationBytes is the sum of the sizes requested by those calls, not counting padding or guards
	AllocationBytes int
}

func (s *Statistics) Clear() {
	s.PageCount = 0
	s.OversizedCount = 0
	s.PageBytes = 0
	s.OversizedBytes = 0
	s.AllocationCount = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.PageCount += other.PageCount
	s.OversizedCount += other.OversizedCount
	s.PageBytes += other.PageBytes
	s.OversizedBytes += other.OversizedBytes
	s.AllocationCount += other.AllocationCount
	s.AllocationBytes += other.AllocationBytes
}

// TotalBytes is the amount of backing memory the allocator owns
func (s *Statistics) TotalBytes() int {
	return s.PageBytes + s.OversizedBytes
}

type DetailedStatistics struct {
	Statistics
	// UnusedBytes is the space left behind the cursor of every page
	UnusedBytes        int
	AllocationSizeMin  int
	AllocationSizeMax  int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.UnusedBytes = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.UnusedRangeSizeMin = math.MaxInt
	s.UnusedRangeSizeMax = 0
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedBytes += size

	if size < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = size
	}

	if size > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = size
	}
}

// AddDetailedStatistics sums other into s, widening the size ranges to cover both
func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.UnusedBytes += other.UnusedBytes

	if other.UnusedRangeSizeMin < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = other.UnusedRangeSizeMin
	}

	if other.UnusedRangeSizeMax > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = other.UnusedRangeSizeMax
	}

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}
