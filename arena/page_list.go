package arena

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/poolalloc/internal/pages"
	"github.com/vkngwrapper/poolalloc/memutils"
	"github.com/vkngwrapper/poolalloc/memutils/metadata"
)

var blockPool = sync.Pool{
	New: func() any {
		return &memoryBlock{}
	},
}

// pageList owns every page of one allocator. The last page in pages is the current page; the pages
// before it have been retired and are only kept until the next Reset. Pages released by Reset are kept
// on the free list and handed out again before any new memory is acquired.
type pageList struct {
	logger   *slog.Logger
	source   pages.Source
	pageSize int
	guarded  bool

	pages       []*memoryBlock
	free        []*memoryBlock
	nextBlockId int
}

func (l *pageList) PageSize() int  { return l.pageSize }
func (l *pageList) FreeCount() int { return len(l.free) }

func (l *pageList) Init(logger *slog.Logger, source pages.Source, pageSize int, guarded bool) {
	l.logger = logger
	l.source = source
	l.pageSize = pageSize
	l.guarded = guarded
}

func (l *pageList) Current() *memoryBlock {
	if len(l.pages) == 0 {
		return nil
	}
	return l.pages[len(l.pages)-1]
}

// FitsFreshPage reports whether an allocation of size bytes is guaranteed to fit in an empty page,
// whatever the address of the page turns out to be
func (l *pageList) FitsFreshPage(size int, alignment uint) bool {
	overhead := memutils.GuardedSize(0, l.guarded) + int(alignment) - 1
	return size <= l.pageSize-overhead
}

// Allocate finds room for size bytes in the current page, moving on to a new page if necessary.
// It returns a nil block if the allocation cannot be served from a page at all.
func (l *pageList) Allocate(size int, alignment uint) (*memoryBlock, metadata.AllocationRequest, error) {
	if current := l.Current(); current != nil {
		success, request := current.CreateAllocationRequest(size, alignment)
		if success {
			return current, request, nil
		}
	}

	if !l.FitsFreshPage(size, alignment) {
		return nil, metadata.AllocationRequest{}, nil
	}

	page, err := l.CreatePage()
	if err != nil {
		return nil, metadata.AllocationRequest{}, err
	}

	success, request := page.CreateAllocationRequest(size, alignment)
	if !success {
		panic(fmt.Sprintf("allocation of %d bytes aligned to %d did not fit in fresh page %d of size %d", size, alignment, page.id, page.Size()))
	}

	return page, request, nil
}

// CreatePage makes a new page current, reusing a page from the free list when there is one
func (l *pageList) CreatePage() (*memoryBlock, error) {
	if len(l.free) > 0 {
		page := l.free[len(l.free)-1]
		l.free[len(l.free)-1] = nil
		l.free = l.free[:len(l.free)-1]

		page.metadata.Clear()
		l.pages = append(l.pages, page)
		return page, nil
	}

	data, err := l.source.Acquire(l.pageSize)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to acquire a page of %d bytes", l.pageSize), memutils.ErrOutOfMemory)
	}

	page := blockPool.Get().(*memoryBlock)
	page.Init(l.logger, data, l.nextBlockId, false, l.guarded)
	l.nextBlockId++

	l.pages = append(l.pages, page)

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "created page",
		slog.Int("id", page.id),
		slog.Int("size", l.pageSize),
		slog.Int("count", len(l.pages)),
	)

	return page, nil
}

// Reset moves every page onto the free list. Guard regions are not checked here.
func (l *pageList) Reset() {
	for i, page := range l.pages {
		page.metadata.Clear()
		l.free = append(l.free, page)
		l.pages[i] = nil
	}
	l.pages = l.pages[:0]
}

// Trim releases the pages on the free list back to the source
func (l *pageList) Trim() error {
	var err error
	for i, page := range l.free {
		err = errors.CombineErrors(err, page.Destroy(l.source))
		blockPool.Put(page)
		l.free[i] = nil
	}
	l.free = l.free[:0]
	return err
}

func (l *pageList) Destroy() error {
	l.Reset()
	err := l.Trim()
	l.pages = nil
	l.free = nil
	return err
}

func (l *pageList) AddStatistics(stats *memutils.Statistics) {
	for _, page := range l.pages {
		pageStats := memutils.Statistics{
			PageCount: 1,
			PageBytes: page.Size(),
		}
		page.metadata.AddStatistics(&pageStats)
		stats.AddStatistics(&pageStats)
	}
}

func (l *pageList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for _, page := range l.pages {
		var pageStats memutils.DetailedStatistics
		pageStats.Clear()
		pageStats.PageCount = 1
		pageStats.PageBytes = page.Size()

		page.metadata.AddDetailedStatistics(&pageStats)
		stats.AddDetailedStatistics(&pageStats)
	}
}

func (l *pageList) CheckCorruption() error {
	for _, page := range l.pages {
		err := page.CheckCorruption()
		if err != nil {
			return err
		}
	}
	return nil
}

func (l *pageList) Validate() error {
	for pageIndex, page := range l.pages {
		if page == nil {
			return errors.Newf("page at index %d is nil", pageIndex)
		}

		if page.Size() != l.pageSize {
			return errors.Newf("page %d is %d bytes, but the page size is %d", page.id, page.Size(), l.pageSize)
		}

		err := page.Validate()
		if err != nil {
			return errors.Wrapf(err, "page %d", page.id)
		}
	}

	for _, page := range l.free {
		if !page.metadata.IsEmpty() {
			return errors.Newf("page %d is on the free list, but still has allocations", page.id)
		}
	}

	return nil
}

func (l *pageList) PrintDetailedMap(writer *jwriter.Writer) {
	arr := writer.Array()
	defer arr.End()

	for _, page := range l.pages {
		obj := arr.Object()
		page.PrintDetailedMap(&obj)
		obj.End()
	}
}
