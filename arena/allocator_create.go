package arena

import (
	"context"
	"io"
	"log/slog"
	"math/bits"
	"strings"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/poolalloc/internal/pages"
	"github.com/vkngwrapper/poolalloc/internal/utils"
	"github.com/vkngwrapper/poolalloc/memutils"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var allocatorCreateFlagsMapping = map[CreateFlags]string{}

func (f CreateFlags) Register(str string) {
	allocatorCreateFlagsMapping[f] = str
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for remaining := uint32(f); remaining != 0; {
		bit := CreateFlags(1 << bits.TrailingZeros32(remaining))
		remaining &^= uint32(bit)

		name, ok := allocatorCreateFlagsMapping[bit]
		if !ok {
			name = "UnknownCreateFlag"
		}
		names = append(names, name)
	}

	return strings.Join(names, "|")
}

const (
	// CreateGuardBlocks brackets every allocation with guard regions filled with a known byte pattern.
	// The regions are checked by CheckCorruption, CheckAllocation, Reset, and Destroy. Allocation is
	// noticeably slower and every allocation costs an additional 2*memutils.GuardMargin bytes, so this
	// is meant for tests and debug builds. Building with the debug_mem_utils tag turns it on for
	// every allocator.
	CreateGuardBlocks CreateFlags = 1 << iota
	// CreateSynchronized protects the allocator with a mutex so that it can be shared between
	// goroutines. By default, an allocator must only be used by one goroutine at a time.
	CreateSynchronized
	// CreateMappedPages obtains pages and oversized blocks with anonymous memory mappings instead of
	// the Go heap. This is only supported on unix platforms.
	CreateMappedPages
)

func init() {
	CreateGuardBlocks.Register("CreateGuardBlocks")
	CreateSynchronized.Register("CreateSynchronized")
	CreateMappedPages.Register("CreateMappedPages")
}

const (
	// DefaultPageSize is the page size used when CreateOptions.PageSize is left at 0
	DefaultPageSize int = 8 * 1024
	// MinPageSize is the smallest page size an allocator will use. Smaller requests are raised to it.
	MinPageSize int = 4 * 1024
	// DefaultAlignment is the alignment used when CreateOptions.Alignment is left at 0. It is the
	// natural alignment of a machine word.
	DefaultAlignment uint = uint(unsafe.Sizeof(uintptr(0)))
	// MaxAlignment is the largest alignment an allocator can be configured with
	MaxAlignment uint = 4096
)

// CreateOptions contains optional settings when creating an allocator. It is valid to leave all the
// fields blank.
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// PageSize is the capacity of each page in bytes. It is rounded up to a multiple of DefaultAlignment.
	// Requests that cannot fit in an empty page are served from dedicated oversized blocks.
	PageSize int
	// Alignment is the alignment of every address returned by Allocate. It must be a power of two
	// no greater than MaxAlignment.
	Alignment uint
	// HeapSizeLimit is the maximum number of bytes of backing memory the allocator may own at once,
	// counting pages kept for reuse. 0 means no limit. Going past the limit is treated the same way
	// as the operating system running out of memory.
	HeapSizeLimit int
	// PageSource overrides where backing memory comes from. It is mostly useful in tests.
	PageSource pages.Source
}

// New creates a new Allocator and its first page.
//
// logger - Receives debug output about page lifetime and error output about corruption. It may be nil.
//
// options - Optional parameters: it is valid to leave all the fields blank
//
// An error is returned if the options are invalid (marked with memutils.ErrInvalidConfiguration) or if
// the first page could not be obtained (marked with memutils.ErrOutOfMemory). No allocator is returned
// alongside an error.
func New(logger *slog.Logger, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	pageSize := options.PageSize
	if pageSize == 0 {
		pageSize = DefaultPageSize
	} else if pageSize < 0 {
		return nil, errors.Mark(errors.Newf("page size must not be negative, but was %d", pageSize), memutils.ErrInvalidConfiguration)
	} else if pageSize < MinPageSize {
		pageSize = MinPageSize
	}
	pageSize = memutils.AlignUp(pageSize, DefaultAlignment)

	alignment := options.Alignment
	if alignment == 0 {
		alignment = DefaultAlignment
	}
	err := memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return nil, errors.Mark(err, memutils.ErrInvalidConfiguration)
	}
	if alignment > MaxAlignment {
		return nil, errors.Mark(errors.Newf("alignment is %d, but may be at most %d", alignment, MaxAlignment), memutils.ErrInvalidConfiguration)
	}

	if options.HeapSizeLimit < 0 {
		return nil, errors.Mark(errors.Newf("heap size limit must not be negative, but was %d", options.HeapSizeLimit), memutils.ErrInvalidConfiguration)
	}

	source := options.PageSource
	if source == nil {
		if options.Flags&CreateMappedPages != 0 {
			source, err = pages.NewMappedSource()
			if err != nil {
				return nil, err
			}
		} else {
			source = pages.HeapSource{}
		}
	}
	limited := pages.NewLimitedSource(source, options.HeapSizeLimit)

	guarded := options.Flags&CreateGuardBlocks != 0 || memutils.GuardBlocksDefault

	allocator := &Allocator{
		logger:      logger,
		createFlags: options.Flags,
		alignment:   alignment,
		guarded:     guarded,
		source:      limited,
		mutex: utils.OptionalMutex{
			UseMutex: options.Flags&CreateSynchronized != 0,
		},
	}

	if guarded {
		allocator.guardIndex = swiss.NewMap[uintptr, guardRecord](64)
	}

	allocator.pages.Init(logger, limited, pageSize, guarded)
	allocator.oversized.Init(logger, limited, guarded)

	_, err = allocator.pages.CreatePage()
	if err != nil {
		return nil, err
	}

	logger.LogAttrs(context.Background(), slog.LevelDebug, "Allocator::New",
		slog.Int("PageSize", pageSize),
		slog.Int("Alignment", int(alignment)),
		slog.String("Flags", options.Flags.String()),
		slog.Bool("Guarded", guarded),
	)

	return allocator, nil
}

// MustNew is like New but panics if the allocator cannot be created
func MustNew(logger *slog.Logger, options CreateOptions) *Allocator {
	allocator, err := New(logger, options)
	if err != nil {
		panic(err)
	}
	return allocator
}
