package arena

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/poolalloc/memutils"
)

func readyAllocator(t *testing.T, options CreateOptions) *Allocator {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	allocator, err := New(logger, options)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, allocator.Destroy())
	})

	return allocator
}

func skipIfGuardedByDefault(t *testing.T) {
	if memutils.GuardBlocksDefault {
		t.Skip("exact layout differs when guard blocks are forced on")
	}
}

func recoverError(t *testing.T, f func()) (err error) {
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a panic")

		var ok bool
		err, ok = r.(error)
		require.True(t, ok, "expected to panic with an error, but got %v", r)
	}()

	f()
	return nil
}

func addressOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

func fill(b []byte, value byte) {
	for i := range b {
		b[i] = value
	}
}

func requireFilled(t *testing.T, b []byte, value byte) {
	for i, actual := range b {
		if actual != value {
			require.Failf(t, "unexpected byte", "byte %d of %d byte allocation is %#x, expected %#x", i, len(b), actual, value)
		}
	}
}

func TestAllocateDefaults(t *testing.T) {
	skipIfGuardedByDefault(t)
	allocator := readyAllocator(t, CreateOptions{})

	require.Equal(t, DefaultPageSize, allocator.PageSize())
	require.Equal(t, DefaultAlignment, allocator.Alignment())
	require.False(t, allocator.Guarded())

	require.Equal(t, memutils.Statistics{
		PageCount: 1,
		PageBytes: DefaultPageSize,
	}, allocator.Statistics())

	first := allocator.Allocate(100)
	require.Len(t, first, 100)
	require.Equal(t, 100, cap(first))

	second := allocator.Allocate(10)
	require.Equal(t, addressOf(first)+104, addressOf(second))

	require.Equal(t, memutils.Statistics{
		PageCount:       1,
		PageBytes:       DefaultPageSize,
		AllocationCount: 2,
		AllocationBytes: 110,
	}, allocator.Statistics())
}

func TestAllocateZeroBytes(t *testing.T) {
	for _, flags := range []CreateFlags{0, CreateGuardBlocks} {
		t.Run(flags.String(), func(t *testing.T) {
			allocator := readyAllocator(t, CreateOptions{Flags: flags})

			first := allocator.Allocate(0)
			require.NotNil(t, first)
			require.Len(t, first, 0)
			require.Equal(t, 0, cap(first))

			second := allocator.Allocate(0)
			require.NotNil(t, second)
			require.NotEqual(t, addressOf(first), addressOf(second))

			require.NotNil(t, allocator.AllocatePointer(0))
			require.NoError(t, allocator.CheckCorruption())
		})
	}
}

func TestAllocateNegative(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{})

	require.Panics(t, func() {
		allocator.Allocate(-1)
	})
	require.Panics(t, func() {
		allocator.AllocatePointer(-1)
	})
}

func TestAllocateAlignment(t *testing.T) {
	for _, flags := range []CreateFlags{0, CreateGuardBlocks} {
		for _, alignment := range []uint{2, 4, 8, 16, 32, 64, 128} {
			t.Run(fmt.Sprintf("%s/%d", flags, alignment), func(t *testing.T) {
				allocator := readyAllocator(t, CreateOptions{Flags: flags, Alignment: alignment})

				for size := 1; size <= 4096; size++ {
					b := allocator.Allocate(size)
					require.Len(t, b, size)
					require.True(t, memutils.IsAligned(addressOf(b), alignment), "%d byte allocation at %#x is not aligned to %d", size, addressOf(b), alignment)
				}

				require.NoError(t, allocator.CheckCorruption())
				require.NoError(t, allocator.Validate())
			})
		}
	}
}

func TestAllocateLargeAlignment(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{Alignment: MaxAlignment})

	for size := 1; size <= 2*DefaultPageSize; size *= 3 {
		b := allocator.Allocate(size)
		require.True(t, memutils.IsAligned(addressOf(b), MaxAlignment))
	}
	require.NoError(t, allocator.Validate())
}

func TestAllocationsDoNotOverlap(t *testing.T) {
	for _, flags := range []CreateFlags{0, CreateGuardBlocks} {
		t.Run(flags.String(), func(t *testing.T) {
			allocator := readyAllocator(t, CreateOptions{Flags: flags, Alignment: 16})
			random := rand.New(rand.NewSource(1))

			var allocations [][]byte
			for i := 0; i < 2000; i++ {
				b := allocator.Allocate(random.Intn(3*DefaultPageSize) + 1)
				fill(b, byte(i))
				allocations = append(allocations, b)
			}

			for i, b := range allocations {
				requireFilled(t, b, byte(i))
			}

			require.NoError(t, allocator.CheckCorruption())
			require.NoError(t, allocator.Validate())
		})
	}
}

func TestOversizedAllocationKeepsCurrentPage(t *testing.T) {
	skipIfGuardedByDefault(t)
	allocator := readyAllocator(t, CreateOptions{})

	first := allocator.Allocate(100)
	fill(first, 0xaa)

	large := allocator.Allocate(20000)
	require.Len(t, large, 20000)
	require.True(t, memutils.IsAligned(addressOf(large), DefaultAlignment))
	fill(large, 0xbb)

	second := allocator.Allocate(100)
	require.Equal(t, addressOf(first)+104, addressOf(second))

	requireFilled(t, first, 0xaa)
	requireFilled(t, large, 0xbb)

	require.Equal(t, memutils.Statistics{
		PageCount:       1,
		PageBytes:       DefaultPageSize,
		OversizedCount:  1,
		OversizedBytes:  20000 + int(DefaultAlignment) - 1,
		AllocationCount: 3,
		AllocationBytes: 20200,
	}, allocator.Statistics())
}

func TestOversizedThreshold(t *testing.T) {
	skipIfGuardedByDefault(t)
	allocator := readyAllocator(t, CreateOptions{})

	// The largest request that fits in a fresh page wherever the page lands
	largest := DefaultPageSize - int(DefaultAlignment) + 1
	allocator.Allocate(1)
	allocator.Allocate(largest)

	stats := allocator.Statistics()
	require.Equal(t, 2, stats.PageCount)
	require.Equal(t, 0, stats.OversizedCount)

	allocator.Allocate(largest + 1)

	stats = allocator.Statistics()
	require.Equal(t, 2, stats.PageCount)
	require.Equal(t, 1, stats.OversizedCount)
}

func TestCrossAllocatorIsolation(t *testing.T) {
	first := readyAllocator(t, CreateOptions{})

	sentinelBlock := first.Allocate(1024)
	binary.LittleEndian.PutUint32(sentinelBlock, 0xbaadbeef)

	second, err := New(nil, CreateOptions{})
	require.NoError(t, err)
	second.Allocate(1024)
	second.Allocate(10 * 1024)
	require.NoError(t, second.Destroy())

	require.Equal(t, uint32(0xbaadbeef), binary.LittleEndian.Uint32(sentinelBlock))

	random := rand.New(rand.NewSource(0xbaadbeef))
	var allocations [][]byte
	for i := 0; i < 1000; i++ {
		b := first.Allocate(random.Intn(4096) + 1)
		fill(b, 0x5a)
		allocations = append(allocations, b)

		require.Equal(t, uint32(0xbaadbeef), binary.LittleEndian.Uint32(sentinelBlock))
	}

	for _, b := range allocations {
		requireFilled(t, b, 0x5a)
	}
}

func TestGuardOverrun(t *testing.T) {
	allocator, err := New(nil, CreateOptions{Flags: CreateGuardBlocks})
	require.NoError(t, err)

	b := allocator.Allocate(10)
	requireFilled(t, b, memutils.UserDataFill)
	fill(b, 0x11)

	require.NoError(t, allocator.CheckCorruption())
	require.NoError(t, allocator.CheckAllocation(b))

	overrun := unsafe.Slice(unsafe.SliceData(b), len(b)+1)
	overrun[len(b)] = 0x11

	err = allocator.CheckAllocation(b)
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.ErrCorruption))
	require.Contains(t, err.Error(), "after 10 byte allocation")

	err = allocator.CheckCorruption()
	require.True(t, errors.Is(err, memutils.ErrCorruption))

	err = allocator.Destroy()
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.ErrCorruption))
}

func TestGuardUnderrun(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{Flags: CreateGuardBlocks})

	allocator.Allocate(32)
	b := allocator.Allocate(32)
	allocator.Allocate(32)

	*(*byte)(unsafe.Add(unsafe.Pointer(unsafe.SliceData(b)), -1)) = 0

	err := allocator.CheckAllocation(b)
	require.True(t, errors.Is(err, memutils.ErrCorruption))
	require.Contains(t, err.Error(), "before 32 byte allocation")

	err = allocator.Reset()
	require.True(t, errors.Is(err, memutils.ErrCorruption))

	// Reset still went through, and the damaged page is clean for its next use
	require.NoError(t, allocator.CheckCorruption())
	require.Equal(t, 0, allocator.Statistics().AllocationCount)
}

func TestGuardOversizedOverrun(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{Flags: CreateGuardBlocks})

	b := allocator.Allocate(3 * DefaultPageSize)
	require.Equal(t, 1, allocator.Statistics().OversizedCount)
	require.NoError(t, allocator.CheckCorruption())

	overrun := unsafe.Slice(unsafe.SliceData(b), len(b)+1)
	overrun[len(b)] = 0

	err := allocator.CheckCorruption()
	require.True(t, errors.Is(err, memutils.ErrCorruption))
	require.Contains(t, err.Error(), "oversized block")

	err = allocator.Reset()
	require.True(t, errors.Is(err, memutils.ErrCorruption))
	require.Equal(t, 0, allocator.Statistics().OversizedCount)
}

func TestGuardCleanRelease(t *testing.T) {
	allocator, err := New(nil, CreateOptions{Flags: CreateGuardBlocks})
	require.NoError(t, err)

	for size := 0; size < 5000; size += 7 {
		fill(allocator.Allocate(size), 0x22)
	}

	require.NoError(t, allocator.Validate())
	require.NoError(t, allocator.Reset())

	for size := 0; size < 5000; size += 7 {
		fill(allocator.Allocate(size), 0x22)
	}
	require.NoError(t, allocator.Destroy())
}

func TestCheckAllocationUnknownSlice(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{Flags: CreateGuardBlocks})

	b := allocator.Allocate(64)
	require.Error(t, allocator.CheckAllocation(b[1:]))
	require.Error(t, allocator.CheckAllocation(make([]byte, 64)))

	unguarded := readyAllocator(t, CreateOptions{})
	if !unguarded.Guarded() {
		err := unguarded.CheckAllocation(unguarded.Allocate(64))
		require.True(t, errors.Is(err, memutils.ErrInvalidConfiguration))
	}
}

func TestReleaseEmpty(t *testing.T) {
	allocator, err := New(nil, CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, allocator.Reset())
	require.NoError(t, allocator.Reset())
	require.NoError(t, allocator.Trim())
	require.NoError(t, allocator.Destroy())
	require.NoError(t, allocator.Destroy())
}

func TestResetReusesPages(t *testing.T) {
	skipIfGuardedByDefault(t)
	allocator := readyAllocator(t, CreateOptions{})

	for i := 0; i < 3; i++ {
		allocator.Allocate(DefaultPageSize / 2)
		allocator.Allocate(DefaultPageSize / 2)
	}
	allocator.Allocate(4 * DefaultPageSize)

	stats := allocator.Statistics()
	require.Equal(t, 3, stats.PageCount)
	require.Equal(t, 1, stats.OversizedCount)
	require.Equal(t, stats.TotalBytes(), allocator.BackingBytes())

	require.NoError(t, allocator.Reset())

	require.Equal(t, memutils.Statistics{
		PageCount: 1,
		PageBytes: DefaultPageSize,
	}, allocator.Statistics())
	require.Equal(t, 2, allocator.FreePageCount())
	require.Equal(t, 3*DefaultPageSize, allocator.BackingBytes())

	// Taking a second page comes out of the free list
	for i := 0; i < 3; i++ {
		allocator.Allocate(DefaultPageSize / 2)
	}
	require.Equal(t, 2, allocator.Statistics().PageCount)
	require.Equal(t, 1, allocator.FreePageCount())
	require.Equal(t, 3*DefaultPageSize, allocator.BackingBytes())

	require.NoError(t, allocator.Trim())
	require.Equal(t, 0, allocator.FreePageCount())
	require.Equal(t, 2*DefaultPageSize, allocator.BackingBytes())
	require.NoError(t, allocator.Validate())
}

func TestUseAfterDestroy(t *testing.T) {
	allocator, err := New(nil, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, allocator.Destroy())

	err = recoverError(t, func() {
		allocator.Allocate(1)
	})
	require.True(t, errors.Is(err, memutils.ErrReleased))

	err = recoverError(t, func() {
		_ = allocator.Reset()
	})
	require.True(t, errors.Is(err, memutils.ErrReleased))

	require.Equal(t, memutils.Statistics{}, allocator.Statistics())
}

func TestLock(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{})

	allocator.Lock()
	require.True(t, allocator.Locked())
	require.Panics(t, allocator.Lock)

	err := recoverError(t, func() {
		allocator.Allocate(1)
	})
	require.True(t, errors.Is(err, memutils.ErrLocked))

	allocator.Unlock()
	require.False(t, allocator.Locked())
	require.Len(t, allocator.Allocate(1), 1)

	require.Panics(t, allocator.Unlock)
}

type finalizeRecorder struct {
	id    int
	order *[]int
}

func (r *finalizeRecorder) Finalize() {
	*r.order = append(*r.order, r.id)
}

func TestFinalizers(t *testing.T) {
	allocator, err := New(nil, CreateOptions{})
	require.NoError(t, err)

	var order []int
	for i := 0; i < 3; i++ {
		allocator.RegisterFinalizer(&finalizeRecorder{id: i, order: &order})
	}

	require.NoError(t, allocator.Reset())
	require.Equal(t, []int{2, 1, 0}, order)

	// Finalizers only run once
	require.NoError(t, allocator.Reset())
	require.Equal(t, []int{2, 1, 0}, order)

	allocator.RegisterFinalizer(&finalizeRecorder{id: 3, order: &order})
	require.NoError(t, allocator.Destroy())
	require.Equal(t, []int{2, 1, 0, 3}, order)
}

func TestBuildStatsString(t *testing.T) {
	skipIfGuardedByDefault(t)
	allocator := readyAllocator(t, CreateOptions{})

	allocator.Allocate(100)
	allocator.Allocate(20000)

	require.JSONEq(t, `{
		"PageSize": 8192,
		"Alignment": 8,
		"Flags": "None",
		"Guarded": false,
		"Locked": false,
		"FreePages": 0,
		"BackingBytes": 28199,
		"Total": {
			"PageCount": 1,
			"PageBytes": 8192,
			"OversizedCount": 1,
			"OversizedBytes": 20007,
			"AllocationCount": 2,
			"AllocationBytes": 20100,
			"UnusedBytes": 8099,
			"AllocationSizeMin": 100,
			"AllocationSizeMax": 20000
		}
	}`, allocator.BuildStatsString(false))

	detailed := allocator.BuildStatsString(true)
	require.True(t, json.Valid([]byte(detailed)), detailed)
	require.Contains(t, detailed, `"Pages":[{"Id":0,`)
	require.Contains(t, detailed, `"Oversized":[{"Id":0,`)
	require.Contains(t, detailed, `"Cursor":20000`)
}

func TestBuildStatsStringGuarded(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{Flags: CreateGuardBlocks})

	allocator.Allocate(10)
	allocator.Allocate(3 * DefaultPageSize)
	detailed := allocator.BuildStatsString(true)
	require.True(t, json.Valid([]byte(detailed)), detailed)
	require.Contains(t, detailed, `"Guarded":true`)
	require.Contains(t, detailed, `"Regions":[`)
	require.Contains(t, detailed, `"Type":"ALLOCATION"`)
	require.Contains(t, detailed, `"Size":10`)
}

func TestCalculateStatistics(t *testing.T) {
	skipIfGuardedByDefault(t)
	allocator := readyAllocator(t, CreateOptions{})

	allocator.Allocate(10)
	allocator.Allocate(30)
	allocator.Allocate(3 * DefaultPageSize)

	var stats memutils.DetailedStatistics
	allocator.CalculateStatistics(&stats)

	require.Equal(t, 3, stats.AllocationCount)
	require.Equal(t, 10+30+3*DefaultPageSize, stats.AllocationBytes)
	require.Equal(t, 10, stats.AllocationSizeMin)
	require.Equal(t, 3*DefaultPageSize, stats.AllocationSizeMax)
	require.Equal(t, 1, stats.PageCount)
	require.Equal(t, 1, stats.OversizedCount)
	require.Equal(t, DefaultPageSize-46, stats.UnusedRangeSizeMax)
}
