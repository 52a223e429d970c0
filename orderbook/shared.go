package orderbook

import "sync"

// Shared owns the one Book of the process. All access goes through scoped callbacks,
// so a reader observes the book either before or after a write, never in between.
type Shared struct {
	mu   sync.RWMutex
	book *Book
}

// NewShared wraps an empty book.
func NewShared() *Shared {
	return &Shared{book: New()}
}

// WithRead runs fn while holding shared access. fn must not retain the book.
func (s *Shared) WithRead(fn func(*Book)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.book)
}

// WithWrite runs fn while holding exclusive access.
func (s *Shared) WithWrite(fn func(*Book)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.book)
}

// Top is a convenience read of the current quote.
func (s *Shared) Top() Quote {
	var q Quote
	s.WithRead(func(b *Book) { q = b.Top() })
	return q
}

// Dump is a convenience read of the full book.
func (s *Shared) Dump() Depth {
	var d Depth
	s.WithRead(func(b *Book) { d = b.Dump() })
	return d
}
