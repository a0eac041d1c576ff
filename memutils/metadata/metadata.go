package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/poolalloc/memutils"
)

// BlockMetadata represents a single contiguous region of memory (a page or an oversized block) that
// allocations are carved from. Regions are never freed individually: Clear releases all of them at once.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. It informs the implementation of the size
	// in bytes of the block of memory it will be managing.
	Init(size int)
	// Size retrieves the size in bytes that the block was initialized with
	Size() int
	// Offset returns the position of the allocation cursor. Every byte before it has been handed out,
	// consumed by alignment padding, or consumed by guard regions.
	Offset() int

	// Validate performs internal consistency checks on the metadata. When the implementation is
	// functioning correctly, it should not be possible for this method to return an error.
	Validate() error
	// AllocationCount returns the number of allocations committed since the last Clear
	AllocationCount() int
	// SumFreeSize returns the number of bytes after the cursor
	SumFreeSize() int
	// IsEmpty will return true if nothing has been allocated since the last Clear
	IsEmpty() bool

	// VisitAllRegions will call the provided callback once for each allocation and free region in
	// the block. Blocks that do not track individual allocations report everything before the cursor
	// as one used region. This is intended for diagnostics.
	VisitAllRegions(handleBlock func(offset int, size int, userData any, free bool) error) error

	// AddDetailedStatistics sums this block's allocation statistics into the provided
	// memutils.DetailedStatistics object. Block counts are left to the caller.
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this block's allocation statistics into the provided memutils.Statistics
	// object. Block counts are left to the caller.
	AddStatistics(stats *memutils.Statistics)

	// Clear instantly releases all allocations and rewinds the cursor
	Clear()
	// BlockJsonData populates a json object with information about this block
	BlockJsonData(json *jwriter.ObjectState)

	// CheckCorruption accepts the memory this block manages and returns nil if the guard regions of
	// every tracked allocation are intact. Blocks that do not track allocations always return nil.
	CheckCorruption(blockData []byte) error

	// CreateAllocationRequest works out where an allocation of allocSize bytes aligned to
	// allocAlignment would be placed. base is the address of the first byte of the block, which is
	// needed because alignment is a property of the final address rather than of the offset.
	// It returns false if the allocation does not fit behind the cursor.
	CreateAllocationRequest(allocSize int, allocAlignment uint, base uintptr) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest, advancing the cursor past it. The implementation must
	// return an error if the request no longer fits.
	Alloc(request AllocationRequest, userData any) error
}

// BlockMetadataBase is a simple struct that provides a few shared utilities for BlockMetadata
// implementations.
type BlockMetadataBase struct {
	size        int
	guardMargin int
}

// NewBlockMetadata creates a new BlockMetadataBase. When guarded is true, every allocation is
// bracketed by memutils.GuardMargin bytes on each side.
func NewBlockMetadata(guarded bool) BlockMetadataBase {
	base := BlockMetadataBase{}
	if guarded {
		base.guardMargin = memutils.GuardMargin
	}
	return base
}

// Init prepares this structure for allocations and sizes the block in bytes based on the parameter size.
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the block in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

// GuardMargin returns the number of guard bytes placed on each side of an allocation in this block
func (m *BlockMetadataBase) GuardMargin() int { return m.guardMargin }

// WriteBlockJson populates a json object with the fields every block reports
func (m *BlockMetadataBase) WriteBlockJson(json *jwriter.ObjectState, unusedBytes, allocationCount, allocationBytes int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("AllocationBytes").Int(allocationBytes)
	json.Name("Guarded").Bool(m.guardMargin > 0)
}
