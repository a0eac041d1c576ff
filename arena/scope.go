package arena

import (
	"context"
	"fmt"
)

type allocatorContextKey struct{}

// WithAllocator returns a copy of ctx that carries a as the ambient allocator
func WithAllocator(ctx context.Context, a *Allocator) context.Context {
	return context.WithValue(ctx, allocatorContextKey{}, a)
}

// FromContext returns the ambient allocator carried by ctx, if there is one
func FromContext(ctx context.Context) (*Allocator, bool) {
	a, ok := ctx.Value(allocatorContextKey{}).(*Allocator)
	return a, ok && a != nil
}

// MustFromContext is like FromContext but panics if ctx does not carry an allocator
func MustFromContext(ctx context.Context) *Allocator {
	a, ok := FromContext(ctx)
	if !ok {
		panic("no allocator is attached to this context")
	}
	return a
}

// Scope is a stack of ambient allocators for code that cannot thread a context through. Allocators are
// pushed when a phase of work begins and popped, in reverse order, when it ends. A Scope belongs to one
// goroutine; the zero value is an empty stack.
type Scope struct {
	stack []*Allocator
}

// Push makes a the current allocator. The returned function restores the previous one and must be
// called exactly once, after every later Push has been popped.
func (s *Scope) Push(a *Allocator) (pop func()) {
	if a == nil {
		panic("attempted to push a nil allocator")
	}

	s.stack = append(s.stack, a)
	depth := len(s.stack)
	popped := false

	return func() {
		if popped {
			panic("allocator scope was popped twice")
		}
		if len(s.stack) != depth || s.stack[depth-1] != a {
			panic(fmt.Sprintf("allocator scope popped out of order: expected depth %d, but the scope is at depth %d", depth, len(s.stack)))
		}

		popped = true
		s.stack[depth-1] = nil
		s.stack = s.stack[:depth-1]
	}
}

// Current returns the most recently pushed allocator, or nil if the scope is empty
func (s *Scope) Current() *Allocator {
	if len(s.stack) == 0 {
		return nil
	}
	return s.stack[len(s.stack)-1]
}

// Depth returns the number of allocators on the stack
func (s *Scope) Depth() int {
	return len(s.stack)
}
