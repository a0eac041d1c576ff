package arena

import (
	"context"
	"log/slog"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/poolalloc/internal/pages"
	"github.com/vkngwrapper/poolalloc/memutils"
	"github.com/vkngwrapper/poolalloc/memutils/metadata"
)

// memoryBlock is one contiguous region of backing memory: either a page or an oversized block.
// Oversized blocks are linked into the allocator's oversizedList through next/prev.
type memoryBlock struct {
	id        int
	data      []byte
	oversized bool
	logger    *slog.Logger

	metadata *metadata.BumpBlockMetadata

	next *memoryBlock
	prev *memoryBlock
}

func (b *memoryBlock) Init(logger *slog.Logger, data []byte, id int, oversized bool, guarded bool) {
	if b.data != nil {
		panic("attempting to initialize a memory block that is already in use")
	}

	b.id = id
	b.data = data
	b.oversized = oversized
	b.logger = logger

	if b.metadata == nil || b.metadata.Tracked() != guarded {
		b.metadata = metadata.NewBumpBlockMetadata(guarded)
	}
	b.metadata.Init(len(data))
}

func (b *memoryBlock) Destroy(source pages.Source) error {
	if b.data == nil {
		panic("attempting to destroy a memory block, but it did not have any backing memory")
	}

	err := source.Release(b.data)

	b.data = nil
	b.next = nil
	b.prev = nil
	b.metadata.Clear()
	return err
}

func (b *memoryBlock) Size() int {
	return len(b.data)
}

func (b *memoryBlock) base() unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(b.data))
}

// CreateAllocationRequest finds room for size bytes behind this block's cursor, aligned by address
func (b *memoryBlock) CreateAllocationRequest(size int, alignment uint) (bool, metadata.AllocationRequest) {
	success, request, err := b.metadata.CreateAllocationRequest(size, alignment, uintptr(b.base()))
	if err != nil {
		panic(err)
	}
	return success, request
}

// Commit advances the cursor past request and returns the address of the allocation's first byte
func (b *memoryBlock) Commit(request metadata.AllocationRequest, userData any) unsafe.Pointer {
	err := b.metadata.Alloc(request, userData)
	if err != nil {
		panic(err)
	}
	memutils.DebugValidate(b.metadata)

	return unsafe.Add(b.base(), request.Item.Offset)
}

func (b *memoryBlock) Validate() error {
	if b.data == nil {
		return errors.New("no valid memory for this memory block")
	}
	if b.metadata.Size() != len(b.data) {
		return errors.Errorf("this memory block's metadata has size %d, but the block is %d bytes", b.metadata.Size(), len(b.data))
	}

	return b.metadata.Validate()
}

func (b *memoryBlock) CheckCorruption() error {
	err := b.metadata.CheckCorruption(b.data)
	if err != nil {
		kind := "page"
		if b.oversized {
			kind = "oversized block"
		}

		b.logger.LogAttrs(context.Background(), slog.LevelError, "[CORRUPTION] damaged guard region",
			slog.String("kind", kind),
			slog.Int("id", b.id),
			slog.Any("error", err),
		)

		return errors.Wrapf(err, "%s %d", kind, b.id)
	}

	return nil
}

func (b *memoryBlock) PrintDetailedMap(json *jwriter.ObjectState) {
	json.Name("Id").Int(b.id)
	b.metadata.BlockJsonData(json)

	if !b.metadata.Tracked() {
		return
	}

	regions := json.Name("Regions").Array()
	defer regions.End()

	err := b.metadata.VisitAllRegions(func(offset int, size int, userData any, free bool) error {
		region := regions.Object()
		region.Name("Offset").Int(offset)
		region.Name("Size").Int(size)
		if free {
			region.Name("Type").String("FREE")
		} else {
			region.Name("Type").String("ALLOCATION")
		}
		region.End()
		return nil
	})
	if err != nil {
		panic(err)
	}
}
