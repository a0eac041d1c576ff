package metadata

import (
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/poolalloc/memutils"
)

// BumpBlockMetadata is a BlockMetadata implementation that represents a simple bump-pointer arena.
// Allocations are always placed after the previous one and are only released all at once via Clear.
//
// Guarded metadata keeps a record of every allocation so that guard regions can be scanned later. Unguarded
// metadata only keeps the cursor and a few counters, which makes allocation a handful of integer operations.
type BumpBlockMetadata struct {
	BlockMetadataBase

	offset          int
	allocationCount int
	allocationBytes int
	allocationMin   int
	allocationMax   int

	// Only populated when the block is guarded
	suballocations []Suballocation
}

var _ BlockMetadata = &BumpBlockMetadata{}

// NewBumpBlockMetadata creates a new BumpBlockMetadata. When guarded is true, allocations are bracketed
// by guard regions and recorded individually.
func NewBumpBlockMetadata(guarded bool) *BumpBlockMetadata {
	return &BumpBlockMetadata{
		BlockMetadataBase: NewBlockMetadata(guarded),
		allocationMin:     math.MaxInt,
	}
}

// Offset returns the position of the allocation cursor
func (m *BumpBlockMetadata) Offset() int { return m.offset }

// SumFreeSize returns the number of bytes after the cursor
func (m *BumpBlockMetadata) SumFreeSize() int {
	return m.size - m.offset
}

// IsEmpty will return true if nothing has been allocated since the last Clear
func (m *BumpBlockMetadata) IsEmpty() bool {
	return m.allocationCount == 0
}

// AllocationCount returns the number of allocations committed since the last Clear
func (m *BumpBlockMetadata) AllocationCount() int {
	return m.allocationCount
}

// Tracked reports whether individual allocations are recorded
func (m *BumpBlockMetadata) Tracked() bool {
	return m.guardMargin > 0
}

// Init prepares this structure for allocations and sizes the block in bytes based on the parameter size.
func (m *BumpBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)
	m.Clear()
}

// Clear instantly releases all allocations and rewinds the cursor
func (m *BumpBlockMetadata) Clear() {
	m.offset = 0
	m.allocationCount = 0
	m.allocationBytes = 0
	m.allocationMin = math.MaxInt
	m.allocationMax = 0
	m.suballocations = m.suballocations[:0]
}

// Validate performs internal consistency checks on the metadata.
func (m *BumpBlockMetadata) Validate() error {
	if m.offset < 0 || m.offset > m.size {
		return errors.Errorf("the cursor is at offset %d, which is outside the block of size %d", m.offset, m.size)
	}

	if m.allocationBytes > m.offset {
		return errors.Errorf("the metadata reports %d allocated bytes, but the cursor is only at offset %d", m.allocationBytes, m.offset)
	}

	if !m.Tracked() {
		return nil
	}

	if len(m.suballocations) != m.allocationCount {
		return errors.Errorf("the metadata reports %d allocations, but %d are recorded", m.allocationCount, len(m.suballocations))
	}

	var offset, sumUsedSize int
	for suballocIndex, suballoc := range m.suballocations {
		if suballoc.Offset-m.guardMargin < offset {
			return errors.Errorf("suballoc at index %d has offset %d- this collides with previous suballocations, expected offset of at least %d", suballocIndex, suballoc.Offset, offset+m.guardMargin)
		}

		sumUsedSize += suballoc.Size
		offset = suballoc.End() + m.guardMargin
	}

	if offset > m.offset {
		return errors.Errorf("the last recorded allocation ends at offset %d, past the cursor at offset %d", offset, m.offset)
	}

	if sumUsedSize != m.allocationBytes {
		return errors.Errorf("the recorded allocations add up to %d bytes, but the metadata reports %d", sumUsedSize, m.allocationBytes)
	}

	return nil
}

// VisitAllRegions will call the provided callback once for each allocation and free region in the block.
// In a guarded block, padding and guard regions between allocations are reported as free regions.
func (m *BumpBlockMetadata) VisitAllRegions(handleBlock func(offset int, size int, userData any, free bool) error) error {
	lastOffset := 0

	if m.Tracked() {
		for _, suballoc := range m.suballocations {
			if lastOffset < suballoc.Offset {
				err := handleBlock(lastOffset, suballoc.Offset-lastOffset, nil, true)
				if err != nil {
					return err
				}
			}

			err := handleBlock(suballoc.Offset, suballoc.Size, suballoc.UserData, false)
			if err != nil {
				return err
			}

			lastOffset = suballoc.End()
		}
	} else if m.offset > 0 {
		err := handleBlock(0, m.offset, nil, false)
		if err != nil {
			return err
		}

		lastOffset = m.offset
	}

	if lastOffset < m.size {
		return handleBlock(lastOffset, m.size-lastOffset, nil, true)
	}

	return nil
}

// AddDetailedStatistics sums this block's allocation statistics into the provided memutils.DetailedStatistics object.
func (m *BumpBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.AllocationCount += m.allocationCount
	stats.AllocationBytes += m.allocationBytes

	if m.allocationMin < stats.AllocationSizeMin {
		stats.AllocationSizeMin = m.allocationMin
	}

	if m.allocationMax > stats.AllocationSizeMax {
		stats.AllocationSizeMax = m.allocationMax
	}

	if free := m.SumFreeSize(); free > 0 {
		stats.AddUnusedRange(free)
	}
}

// AddStatistics sums this block's allocation statistics into the provided memutils.Statistics object.
func (m *BumpBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.AllocationCount += m.allocationCount
	stats.AllocationBytes += m.allocationBytes
}

// BlockJsonData populates a json object with information about this block
func (m *BumpBlockMetadata) BlockJsonData(json *jwriter.ObjectState) {
	m.WriteBlockJson(json, m.SumFreeSize(), m.allocationCount, m.allocationBytes)
	json.Name("Cursor").Int(m.offset)
}

// CheckCorruption verifies the guard regions around every recorded allocation. blockData must be the
// memory this metadata was initialized for.
func (m *BumpBlockMetadata) CheckCorruption(blockData []byte) error {
	if !m.Tracked() {
		return nil
	}

	if len(blockData) < m.size {
		return errors.Errorf("block data is %d bytes, but the metadata manages %d", len(blockData), m.size)
	}

	for _, suballoc := range m.suballocations {
		err := memutils.ValidateGuards(blockData, suballoc.Offset, suballoc.Size)
		if err != nil {
			return err
		}
	}

	return nil
}

// CreateAllocationRequest works out where an allocation of allocSize bytes aligned to allocAlignment would
// be placed behind the cursor. base is the address of the first byte of the block.
func (m *BumpBlockMetadata) CreateAllocationRequest(allocSize int, allocAlignment uint, base uintptr) (bool, AllocationRequest, error) {
	if allocSize < 0 {
		return false, AllocationRequest{}, errors.Errorf("invalid allocation size %d", allocSize)
	}

	start := m.offset + m.guardMargin
	padding := memutils.PaddingFor(base+uintptr(start), allocAlignment)
	dataOffset := start + padding
	end := dataOffset + allocSize + m.guardMargin

	// end can only be smaller than dataOffset on overflow
	if end > m.size || end < dataOffset {
		return false, AllocationRequest{}, nil
	}

	return true, AllocationRequest{
		Item: Suballocation{
			Offset: dataOffset,
			Size:   allocSize,
		},
		End:     end,
		Padding: padding,
	}, nil
}

// Alloc commits an AllocationRequest, advancing the cursor past it.
func (m *BumpBlockMetadata) Alloc(request AllocationRequest, userData any) error {
	if request.Item.Offset-m.guardMargin < m.offset {
		return errors.Errorf("the request begins at offset %d, but the cursor has already moved to offset %d", request.Item.Offset-m.guardMargin, m.offset)
	}

	if request.End > m.size {
		return errors.Errorf("the request ends at offset %d, past the end of the block at %d", request.End, m.size)
	}

	size := request.Item.Size
	m.offset = request.End
	m.allocationCount++
	m.allocationBytes += size

	if size < m.allocationMin {
		m.allocationMin = size
	}

	if size > m.allocationMax {
		m.allocationMax = size
	}

	if m.Tracked() {
		request.Item.UserData = userData
		m.suballocations = append(m.suballocations, request.Item)
	}

	return nil
}
