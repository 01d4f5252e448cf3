package memory

import (
	"fmt"
	"sync"
)

// PageSize is the protection granularity of a Buffer
const PageSize = 0x1000

// Buffer is an in-memory Space with page-granular protection
type Buffer struct {
	mu   sync.RWMutex
	base uintptr
	data []byte
	prot []Prot
}

// NewBuffer creates a zero-filled buffer of size bytes mapped at base
func NewBuffer(base uintptr, size int, prot Prot) *Buffer {
	return NewBufferFrom(base, make([]byte, size), prot)
}

// NewBufferFrom creates a buffer holding a copy of data mapped at base
func NewBufferFrom(base uintptr, data []byte, prot Prot) *Buffer {
	pages := (len(data) + PageSize - 1) / PageSize
	if pages == 0 {
		pages = 1
	}
	b := &Buffer{
		base: base,
		data: append([]byte(nil), data...),
		prot: make([]Prot, pages),
	}
	for i := range b.prot {
		b.prot[i] = prot
	}
	return b
}

// Base returns the first mapped address
func (b *Buffer) Base() uintptr { return b.base }

// Size returns the mapped length in bytes
func (b *Buffer) Size() int { return len(b.data) }

// Region returns the whole buffer as one region, ignoring per-page protection
func (b *Buffer) Region() Region {
	return Region{Addr: b.base, Size: uintptr(len(b.data)), Prot: ProtRWX}
}

func (b *Buffer) offset(addr uintptr, n int) (int, error) {
	if n < 0 {
		return 0, fmt.Errorf("negative length %d", n)
	}
	if addr < b.base || addr-b.base > uintptr(len(b.data)) || uintptr(len(b.data))-(addr-b.base) < uintptr(n) {
		return 0, fmt.Errorf("%#x+%d: %w", addr, n, ErrUnmapped)
	}
	if n == 0 && addr-b.base == uintptr(len(b.data)) {
		return 0, fmt.Errorf("%#x: %w", addr, ErrUnmapped)
	}
	return int(addr - b.base), nil
}

// Query implements Space
func (b *Buffer) Query(addr uintptr) (Region, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	off, err := b.offset(addr, 0)
	if err != nil {
		return Region{}, err
	}

	page := off / PageSize
	p := b.prot[page]
	lo, hi := page, page
	for lo > 0 && b.prot[lo-1] == p {
		lo--
	}
	for hi+1 < len(b.prot) && b.prot[hi+1] == p {
		hi++
	}

	start := lo * PageSize
	end := min((hi+1)*PageSize, len(b.data))
	return Region{
		Addr: b.base + uintptr(start),
		Size: uintptr(end - start),
		Prot: p,
		Path: "[buffer]",
	}, nil
}

// Read implements Space
func (b *Buffer) Read(addr uintptr, n int) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	off, err := b.offset(addr, n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b.data[off:off+n])
	return out, nil
}

// Write implements Space
func (b *Buffer) Write(addr uintptr, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	off, err := b.offset(addr, len(data))
	if err != nil {
		return err
	}
	copy(b.data[off:], data)
	return nil
}

// Protect implements Space
func (b *Buffer) Protect(addr uintptr, n int, prot Prot) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	off, err := b.offset(addr, n)
	if err != nil {
		return err
	}
	last := off
	if n > 0 {
		last = off + n - 1
	}
	for page := off / PageSize; page <= last/PageSize; page++ {
		b.prot[page] = prot
	}
	return nil
}
