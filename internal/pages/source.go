// Package pages provides the backing memory that allocators carve pages and oversized blocks from.
package pages

//go:generate mockgen -source source.go -destination mocks/source.go -package mocks

// Source hands out and takes back contiguous regions of raw memory. A Source is used by exactly one
// allocator; it does not need to be safe for concurrent use.
type Source interface {
	// Acquire returns a region of exactly size bytes. The contents are unspecified.
	Acquire(size int) ([]byte, error)
	// Release returns a region obtained from Acquire. The region must not be used afterwards.
	Release(buf []byte) error
}
