package arena

import (
	"context"
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/poolalloc/internal/pages"
	"github.com/vkngwrapper/poolalloc/internal/utils"
	"github.com/vkngwrapper/poolalloc/memutils"
)

// Allocator is a pool allocator: it hands out memory by bumping a cursor through fixed-size pages and
// never frees individual allocations. Everything is released at once by Reset or Destroy.
//
// Requests that cannot fit in an empty page are served from oversized blocks that are tracked
// separately, so a large request does not retire the current page.
//
// Unless it was created with CreateSynchronized, an Allocator must only be used by one goroutine at a
// time. Separate allocators share nothing and can be used concurrently.
type Allocator struct {
	logger      *slog.Logger
	createFlags CreateFlags
	alignment   uint
	guarded     bool
	source      *pages.LimitedSource
	mutex       utils.OptionalMutex

	pages      pageList
	oversized  oversizedList
	guardIndex *swiss.Map[uintptr, guardRecord]
	finalizers []Finalizer

	locked   bool
	released bool
}

var _ memutils.Validatable = &Allocator{}

// guardRecord locates a guarded allocation by the address of its first byte
type guardRecord struct {
	block  *memoryBlock
	offset int
	size   int
}

// Finalizer is implemented by objects placed in arena memory that need to run cleanup code. Objects
// registered with RegisterFinalizer are finalized when the allocator is reset or destroyed. Finalize
// must not call back into the allocator.
type Finalizer interface {
	Finalize()
}

func (a *Allocator) PageSize() int      { return a.pages.PageSize() }
func (a *Allocator) Alignment() uint    { return a.alignment }
func (a *Allocator) Guarded() bool      { return a.guarded }
func (a *Allocator) Flags() CreateFlags { return a.createFlags }

// FreePageCount returns the number of pages kept for reuse after a Reset
func (a *Allocator) FreePageCount() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.pages.FreeCount()
}

// BackingBytes returns the number of bytes of backing memory currently owned, including free pages
func (a *Allocator) BackingBytes() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.source.Used()
}

func (a *Allocator) checkUsable() {
	if a.released {
		panic(errors.WithStack(memutils.ErrReleased))
	}
}

// Allocate returns size bytes of memory aligned to the allocator's alignment. The returned slice has a
// capacity of exactly size. Allocating 0 bytes returns an empty slice that is not nil.
//
// The memory is not zeroed. In guarded allocators it is filled with memutils.UserDataFill.
//
// Allocate panics if the allocator is locked or destroyed, or with an error marked memutils.ErrOutOfMemory
// if backing memory cannot be obtained.
func (a *Allocator) Allocate(size int) []byte {
	if size < 0 {
		panic(fmt.Sprintf("attempted to allocate a negative number of bytes: %d", size))
	}

	return unsafe.Slice((*byte)(a.allocate(size, a.alignment)), size)
}

// AllocatePointer is like Allocate but returns the address of the first byte
func (a *Allocator) AllocatePointer(size int) unsafe.Pointer {
	if size < 0 {
		panic(fmt.Sprintf("attempted to allocate a negative number of bytes: %d", size))
	}

	return a.allocate(size, a.alignment)
}

func (a *Allocator) allocate(size int, alignment uint) unsafe.Pointer {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.checkUsable()
	if a.locked {
		panic(errors.WithStack(memutils.ErrLocked))
	}
	memutils.DebugCheckPow2(alignment, "alignment")

	// An unguarded empty allocation still takes a byte so that its address stays inside the block
	reserved := size
	if reserved == 0 && !a.guarded {
		reserved = 1
	}

	block, request, err := a.pages.Allocate(reserved, alignment)
	if err == nil && block == nil {
		block, request, err = a.oversized.Allocate(reserved, alignment)
	}
	if err != nil {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "[OUT OF MEMORY] allocation failed",
			slog.Int("size", size),
			slog.Int("backingBytes", a.source.Used()),
			slog.Int("heapSizeLimit", a.source.Limit()),
			slog.Any("error", err),
		)
		panic(err)
	}

	request.Item.Size = size
	ptr := block.Commit(request, nil)

	if a.guarded {
		memutils.WriteGuards(block.data, request.Item.Offset, size)
		a.guardIndex.Put(uintptr(ptr), guardRecord{
			block:  block,
			offset: request.Item.Offset,
			size:   size,
		})
	}

	return ptr
}

// RegisterFinalizer arranges for f.Finalize to be called at the start of the next Reset or Destroy.
// Finalizers run in the reverse of the order they were registered in.
func (a *Allocator) RegisterFinalizer(f Finalizer) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.checkUsable()
	a.finalizers = append(a.finalizers, f)
}

func (a *Allocator) runFinalizers() {
	for i := len(a.finalizers) - 1; i >= 0; i-- {
		f := a.finalizers[i]
		a.finalizers[i] = nil
		f.Finalize()
	}
	a.finalizers = a.finalizers[:0]
}

// Lock forbids allocation until Unlock is called. Allocating from a locked allocator panics with
// memutils.ErrLocked. Locking an allocator that is already locked panics.
func (a *Allocator) Lock() {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.locked {
		panic("attempted to lock an allocator that is already locked")
	}
	a.locked = true
}

// Unlock allows allocation again after Lock. Unlocking an allocator that is not locked panics.
func (a *Allocator) Unlock() {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if !a.locked {
		panic("attempted to unlock an allocator that is not locked")
	}
	a.locked = false
}

// Locked reports whether Lock has been called without a matching Unlock
func (a *Allocator) Locked() bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.locked
}

// Reset releases every allocation at once. Registered finalizers are run first, then guard regions are
// checked. Pages are kept for reuse and oversized blocks are returned to the system. The allocator can
// be used again immediately.
//
// A corruption error (marked memutils.ErrCorruption) is returned if any guard region was damaged. The
// reset is carried out regardless.
func (a *Allocator) Reset() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.checkUsable()
	a.runFinalizers()

	err := a.checkCorruption()
	stats := a.statistics()

	a.pages.Reset()
	err = errors.CombineErrors(err, a.oversized.Release())

	if a.guarded {
		a.guardIndex = swiss.NewMap[uintptr, guardRecord](uint32(max(a.guardIndex.Count(), 64)))
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Allocator::Reset",
		slog.Int("allocations", stats.AllocationCount),
		slog.Int("allocationBytes", stats.AllocationBytes),
		slog.Int("freePages", a.pages.FreeCount()),
	)

	_, createErr := a.pages.CreatePage()
	if createErr != nil {
		panic(createErr)
	}

	memutils.DebugValidate(memutils.ValidateFunc(a.validate))

	return err
}

// Trim returns the pages kept for reuse by Reset to the system
func (a *Allocator) Trim() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.checkUsable()
	return a.pages.Trim()
}

// Destroy releases every allocation and all backing memory. Registered finalizers are run first,
// then guard regions are checked. The allocator must not be used afterward, except that calling
// Destroy again does nothing.
//
// A corruption error (marked memutils.ErrCorruption) is returned if any guard region was damaged. The
// memory is released regardless.
func (a *Allocator) Destroy() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.released {
		return nil
	}

	a.runFinalizers()

	err := a.checkCorruption()
	stats := a.statistics()

	err = errors.CombineErrors(err, a.oversized.Release())
	err = errors.CombineErrors(err, a.pages.Destroy())

	a.guardIndex = nil
	a.released = true

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Allocator::Destroy",
		slog.Int("allocations", stats.AllocationCount),
		slog.Int("allocationBytes", stats.AllocationBytes),
	)

	return err
}

// CheckCorruption checks the guard regions of every live allocation. It returns an error marked
// memutils.ErrCorruption for the first damaged region found. Allocators without guard regions have
// nothing to check and always return nil.
func (a *Allocator) CheckCorruption() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.checkUsable()
	return a.checkCorruption()
}

func (a *Allocator) checkCorruption() error {
	if !a.guarded {
		return nil
	}

	err := a.pages.CheckCorruption()
	if err != nil {
		return err
	}

	return a.oversized.CheckCorruption()
}

// CheckAllocation checks the guard regions of a single allocation. b must be a slice returned by
// Allocate since the last Reset, or a reslice of one that starts at the same byte.
func (a *Allocator) CheckAllocation(b []byte) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.checkUsable()
	if !a.guarded {
		return errors.Mark(errors.New("guard regions are not enabled for this allocator"), memutils.ErrInvalidConfiguration)
	}

	record, ok := a.guardIndex.Get(uintptr(unsafe.Pointer(unsafe.SliceData(b))))
	if !ok {
		return errors.Newf("%d byte slice does not begin a live allocation from this allocator", len(b))
	}

	err := memutils.ValidateGuards(record.block.data, record.offset, record.size)
	if err != nil {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "[CORRUPTION] damaged guard region",
			slog.Int("size", record.size),
			slog.Any("error", err),
		)
		return err
	}
	return nil
}

// Validate performs internal consistency checks on the allocator's bookkeeping
func (a *Allocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.validate()
}

func (a *Allocator) validate() error {
	if a.released {
		return nil
	}

	err := a.pages.Validate()
	if err != nil {
		return err
	}

	err = a.oversized.Validate()
	if err != nil {
		return err
	}

	if a.pages.Current() == nil {
		return errors.New("the allocator has no current page")
	}

	if a.guarded {
		count := 0
		for _, page := range a.pages.pages {
			count += page.metadata.AllocationCount()
		}
		for block := a.oversized.head; block != nil; block = block.next {
			count += block.metadata.AllocationCount()
		}

		if a.guardIndex.Count() != count {
			return errors.Newf("the guard index holds %d allocations, but the blocks hold %d", a.guardIndex.Count(), count)
		}
	}

	return nil
}

// Statistics returns a summary of the allocator's current state
func (a *Allocator) Statistics() memutils.Statistics {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.statistics()
}

func (a *Allocator) statistics() memutils.Statistics {
	var stats memutils.Statistics
	a.pages.AddStatistics(&stats)
	a.oversized.AddStatistics(&stats)
	return stats
}

// CalculateStatistics populates stats with detailed information about the allocator's pages and
// oversized blocks. Any existing contents of stats are cleared.
func (a *Allocator) CalculateStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.calculateStatistics(stats)
}

func (a *Allocator) calculateStatistics(stats *memutils.DetailedStatistics) {
	stats.Clear()
	a.pages.AddDetailedStatistics(stats)
	a.oversized.AddDetailedStatistics(stats)
}

// BuildStatsString returns a json document describing the allocator. When detailedMap is true, every
// page and oversized block is listed, with the individual allocations of guarded allocators.
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var stats memutils.DetailedStatistics
	a.calculateStatistics(&stats)

	writer := jwriter.NewWriter()
	objState := writer.Object()

	objState.Name("PageSize").Int(a.pages.PageSize())
	objState.Name("Alignment").Int(int(a.alignment))
	objState.Name("Flags").String(a.createFlags.String())
	objState.Name("Guarded").Bool(a.guarded)
	objState.Name("Locked").Bool(a.locked)
	objState.Name("FreePages").Int(a.pages.FreeCount())
	objState.Name("BackingBytes").Int(a.source.Used())

	total := objState.Name("Total").Object()
	total.Name("PageCount").Int(stats.PageCount)
	total.Name("PageBytes").Int(stats.PageBytes)
	total.Name("OversizedCount").Int(stats.OversizedCount)
	total.Name("OversizedBytes").Int(stats.OversizedBytes)
	total.Name("AllocationCount").Int(stats.AllocationCount)
	total.Name("AllocationBytes").Int(stats.AllocationBytes)
	total.Name("UnusedBytes").Int(stats.UnusedBytes)
	if stats.AllocationCount > 0 {
		total.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		total.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	total.End()

	if detailedMap {
		a.pages.PrintDetailedMap(objState.Name("Pages"))
		a.oversized.BuildStatsString(objState.Name("Oversized"))
	}

	objState.End()

	return string(writer.Bytes())
}
