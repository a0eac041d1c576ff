package metadata

// Suballocation describes the caller-visible bytes of one allocation within a block
type Suballocation struct {
	Offset   int
	Size     int
	UserData any
}

// End returns the offset one past the last caller-visible byte
func (s Suballocation) End() int {
	return s.Offset + s.Size
}
