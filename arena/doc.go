// Package arena is a pool allocator for short-lived, bulk-freed data such as the syntax trees and
// symbol tables of a single compilation.
//
// An Allocator serves requests by bumping a cursor through pages of a fixed size. Requests that do
// not fit in an empty page get their own oversized block. There is no way to free a single
// allocation: everything is released at once with Reset, which keeps pages around for the next
// round of work, or Destroy, which gives all memory back.
//
//	allocator := arena.MustNew(logger, arena.CreateOptions{})
//	defer allocator.Destroy()
//
//	node := arena.NewObject[Node](allocator)
//	name := arena.String(allocator, "main")
//
// Allocators created with CreateGuardBlocks surround each allocation with guard regions and report
// damage to them from CheckCorruption, Reset, and Destroy. Building with the debug_mem_utils tag
// enables guard regions everywhere.
package arena
