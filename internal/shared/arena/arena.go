// Package arena implements a generational slot map.
//
// Values are addressed by a Key made of a slot index and a generation.
// Removing a value bumps the slot's generation, so any Key still held by
// another component resolves to "gone" instead of to whatever reuses the
// slot. This is how hook registrations hold weak references to sandboxes.
package arena

import (
	"fmt"
	"sync"
)

// Key addresses one value in an Arena. The zero Key is never issued.
type Key struct {
	index uint32
	gen   uint32
}

// IsZero reports whether k is the zero Key
func (k Key) IsZero() bool { return k.gen == 0 }

// Pack encodes k as a single integer token
func (k Key) Pack() uint64 { return uint64(k.gen)<<32 | uint64(k.index) }

// Unpack reverses Pack
func Unpack(v uint64) Key { return Key{index: uint32(v), gen: uint32(v >> 32)} }

func (k Key) String() string { return fmt.Sprintf("%d#%d", k.index, k.gen) }

type slot[T any] struct {
	value    T
	gen      uint32
	occupied bool
}

// Arena stores values of type T. Safe for concurrent use.
type Arena[T any] struct {
	mu    sync.RWMutex
	slots []slot[T]
	free  []uint32
	count int
}

// New creates an empty arena
func New[T any]() *Arena[T] {
	return &Arena[T]{}
}

// Insert stores v and returns its key
func (a *Arena[T]) Insert(v T) Key {
	a.mu.Lock()
	defer a.mu.Unlock()

	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, slot[T]{})
		idx = uint32(len(a.slots) - 1)
	}

	s := &a.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.value = v
	s.occupied = true
	a.count++

	return Key{index: idx, gen: s.gen}
}

// Get returns the value for k if it is still live
func (a *Arena[T]) Get(k Key) (T, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var zero T
	if int(k.index) >= len(a.slots) {
		return zero, false
	}
	s := a.slots[k.index]
	if !s.occupied || s.gen != k.gen {
		return zero, false
	}
	return s.value, true
}

// Contains reports whether k is live
func (a *Arena[T]) Contains(k Key) bool {
	_, ok := a.Get(k)
	return ok
}

// Remove deletes the value for k and invalidates every copy of k
func (a *Arena[T]) Remove(k Key) (T, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var zero T
	if int(k.index) >= len(a.slots) {
		return zero, false
	}
	s := &a.slots[k.index]
	if !s.occupied || s.gen != k.gen {
		return zero, false
	}

	v := s.value
	s.value = zero
	s.occupied = false
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	a.free = append(a.free, k.index)
	a.count--

	return v, true
}

// Len returns the number of live values
func (a *Arena[T]) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.count
}
