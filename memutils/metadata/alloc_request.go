package metadata

// AllocationRequest is a type returned from BlockMetadata.CreateAllocationRequest which indicates where
// the metadata intends to place a new allocation. The consumer may prepare the memory (for instance by
// writing guard regions) and then commit the allocation with BlockMetadata.Alloc
type AllocationRequest struct {
	// Item is a Suballocation object describing the caller-visible bytes of the allocation
	Item Suballocation
	// End is the offset the cursor will move to once the request is committed. It includes
	// the trailing guard region, if any.
	End int
	// Padding is the number of bytes skipped between the old cursor and the leading guard region
	// (or the data, when unguarded) to satisfy alignment
	Padding int
}
