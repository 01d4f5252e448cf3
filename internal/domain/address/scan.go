package address

import (
	"fmt"

	"github.com/GriffinCanCode/hookhost/internal/shared/errs"
)

// skipTable is a Horspool bad-character table that stays correct in the
// presence of wildcards: no shift may jump past the last wildcard position
// of the pattern prefix, since a wildcard matches whatever byte lands there.
func (p Pattern) skipTable() [256]int {
	m := len(p.bytes)

	lastWild := -1
	for i := 0; i < m-1; i++ {
		if p.wildcard[i] {
			lastWild = i
		}
	}
	def := m - 1 - lastWild
	if lastWild < 0 {
		def = m
	}

	var table [256]int
	for i := range table {
		table[i] = def
	}
	for i := 0; i < m-1; i++ {
		if p.wildcard[i] {
			continue
		}
		if shift := m - 1 - i; shift < table[p.bytes[i]] {
			table[p.bytes[i]] = shift
		}
	}
	return table
}

// search calls yield with each non-overlapping match offset until yield
// returns false.
func (p Pattern) search(data []byte, yield func(off int) bool) {
	m, n := len(p.bytes), len(data)
	if m == 0 || m > n {
		return
	}

	table := p.skipTable()
	for i := 0; i <= n-m; {
		if p.matchAt(data, i) {
			if !yield(i) {
				return
			}
			i += m
			continue
		}
		i += table[data[i+m-1]]
	}
}

// IndexAll returns every non-overlapping match offset in data
func (p Pattern) IndexAll(data []byte) []int {
	var offsets []int
	p.search(data, func(off int) bool {
		offsets = append(offsets, off)
		return true
	})
	return offsets
}

// Index returns the first match offset in data, or -1
func (p Pattern) Index(data []byte) int {
	found := -1
	p.search(data, func(off int) bool {
		found = off
		return false
	})
	return found
}

// ScanFirst returns base plus the offset of the first match
func ScanFirst(data []byte, base uintptr, p Pattern) (uintptr, error) {
	off := p.Index(data)
	if off < 0 {
		return 0, fmt.Errorf("pattern %s: %w", p, errs.ErrNotFound)
	}
	return base + uintptr(off), nil
}

// ScanAll returns base plus every non-overlapping match offset. Zero
// matches is ErrNotFound, never an empty success.
func ScanAll(data []byte, base uintptr, p Pattern) ([]uintptr, error) {
	offsets := p.IndexAll(data)
	if len(offsets) == 0 {
		return nil, fmt.Errorf("pattern %s: %w", p, errs.ErrNotFound)
	}
	addrs := make([]uintptr, len(offsets))
	for i, off := range offsets {
		addrs[i] = base + uintptr(off)
	}
	return addrs, nil
}

// ScanUnique returns the single match, failing with ErrMultipleMatches when
// the signature is ambiguous.
func ScanUnique(data []byte, base uintptr, p Pattern) (uintptr, error) {
	var hits []int
	p.search(data, func(off int) bool {
		hits = append(hits, off)
		return len(hits) < 2
	})
	switch len(hits) {
	case 0:
		return 0, fmt.Errorf("pattern %s: %w", p, errs.ErrNotFound)
	case 1:
		return base + uintptr(hits[0]), nil
	default:
		return 0, fmt.Errorf("pattern %s: %w", p, errs.ErrMultipleMatches)
	}
}
