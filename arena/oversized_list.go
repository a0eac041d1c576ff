package arena

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/poolalloc/internal/pages"
	"github.com/vkngwrapper/poolalloc/memutils"
	"github.com/vkngwrapper/poolalloc/memutils/metadata"
)

// oversizedList owns the blocks created for allocations that would not fit in an empty page.
// Each block holds exactly one allocation and is released as a unit.
type oversizedList struct {
	logger  *slog.Logger
	source  pages.Source
	guarded bool

	count       int
	head        *memoryBlock
	tail        *memoryBlock
	nextBlockId int
}

func (l *oversizedList) Init(logger *slog.Logger, source pages.Source, guarded bool) {
	l.logger = logger
	l.source = source
	l.guarded = guarded
}

// BlockSize returns the number of bytes an oversized block needs to serve size bytes at the given
// alignment, wherever the block's memory lands
func (l *oversizedList) BlockSize(size int, alignment uint) (int, bool) {
	overhead := memutils.GuardedSize(0, l.guarded) + int(alignment) - 1
	if size > math.MaxInt-overhead {
		return 0, false
	}
	return size + overhead, true
}

// Allocate creates a new oversized block and returns it alongside a request for its one allocation
func (l *oversizedList) Allocate(size int, alignment uint) (*memoryBlock, metadata.AllocationRequest, error) {
	blockSize, ok := l.BlockSize(size, alignment)
	if !ok {
		return nil, metadata.AllocationRequest{}, errors.Mark(errors.Newf("an allocation of %d bytes is too large to be served", size), memutils.ErrOutOfMemory)
	}

	data, err := l.source.Acquire(blockSize)
	if err != nil {
		return nil, metadata.AllocationRequest{}, errors.Mark(errors.Wrapf(err, "failed to acquire an oversized block of %d bytes", blockSize), memutils.ErrOutOfMemory)
	}

	block := blockPool.Get().(*memoryBlock)
	block.Init(l.logger, data, l.nextBlockId, true, l.guarded)
	l.nextBlockId++

	success, request := block.CreateAllocationRequest(size, alignment)
	if !success {
		panic(fmt.Sprintf("allocation of %d bytes aligned to %d did not fit in its own oversized block of %d bytes", size, alignment, blockSize))
	}

	l.push(block)

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "created oversized block",
		slog.Int("id", block.id),
		slog.Int("size", blockSize),
		slog.Int("requested", size),
	)

	return block, request, nil
}

func (l *oversizedList) push(block *memoryBlock) {
	if l.count == 0 {
		l.head = block
		l.tail = block
		l.count = 1
		return
	}

	block.prev = l.tail
	l.tail.next = block
	l.tail = block
	l.count++
}

// Release returns every oversized block to the source
func (l *oversizedList) Release() error {
	var err error

	for block := l.head; block != nil; {
		next := block.next
		err = errors.CombineErrors(err, block.Destroy(l.source))
		blockPool.Put(block)
		block = next
	}

	l.head = nil
	l.tail = nil
	l.count = 0
	return err
}

func (l *oversizedList) Validate() error {
	declaredCount := l.count
	actualCount := 0

	var prev *memoryBlock
	for block := l.head; block != nil; block = block.next {
		actualCount++

		if block.prev != prev {
			return errors.Newf("oversized block %d is not linked to the block before it", block.id)
		}
		if !block.oversized {
			return errors.Newf("block %d is in the oversized list, but is a page", block.id)
		}

		err := block.Validate()
		if err != nil {
			return errors.Wrapf(err, "oversized block %d", block.id)
		}

		prev = block
	}

	if prev != l.tail {
		return errors.New("the tail of the oversized list is not the last block in the list")
	}

	if declaredCount != actualCount {
		return errors.Newf("the listed number of oversized blocks in the list (%d) does not match the actual number of blocks (%d)", declaredCount, actualCount)
	}

	return nil
}

func (l *oversizedList) AddStatistics(stats *memutils.Statistics) {
	for block := l.head; block != nil; block = block.next {
		blockStats := memutils.Statistics{
			OversizedCount: 1,
			OversizedBytes: block.Size(),
		}
		block.metadata.AddStatistics(&blockStats)
		stats.AddStatistics(&blockStats)
	}
}

func (l *oversizedList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for block := l.head; block != nil; block = block.next {
		var blockStats memutils.DetailedStatistics
		blockStats.Clear()
		blockStats.OversizedCount = 1
		blockStats.OversizedBytes = block.Size()

		block.metadata.AddDetailedStatistics(&blockStats)
		stats.AddDetailedStatistics(&blockStats)
	}
}

func (l *oversizedList) CheckCorruption() error {
	for block := l.head; block != nil; block = block.next {
		err := block.CheckCorruption()
		if err != nil {
			return err
		}
	}
	return nil
}

func (l *oversizedList) BuildStatsString(writer *jwriter.Writer) {
	arr := writer.Array()
	defer arr.End()

	for block := l.head; block != nil; block = block.next {
		obj := arr.Object()
		block.PrintDetailedMap(&obj)
		obj.End()
	}
}
