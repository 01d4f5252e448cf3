// Package memory models the address space hookhost reads, writes and patches.
//
// A Space is the raw backing store: the live process on linux, or an
// in-memory Buffer used for emulation and tests. Everything that touches
// memory on behalf of scripts or extensions goes through an Accessor, which
// enforces the reserved-range rule and the region permission checks before
// any byte is read or written. Patcher and View are built on the Accessor.
package memory

import (
	"fmt"
	"strings"

	"github.com/GriffinCanCode/hookhost/internal/shared/errs"
)

// Prot is a set of page protection flags
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec

	ProtNone Prot = 0
	ProtRW        = ProtRead | ProtWrite
	ProtRX        = ProtRead | ProtExec
	ProtRWX       = ProtRead | ProtWrite | ProtExec
)

// Has reports whether p includes every flag in q
func (p Prot) Has(q Prot) bool { return p&q == q }

func (p Prot) String() string {
	var b strings.Builder
	for _, f := range []struct {
		flag Prot
		c    byte
	}{{ProtRead, 'r'}, {ProtWrite, 'w'}, {ProtExec, 'x'}} {
		if p.Has(f.flag) {
			b.WriteByte(f.c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// Region is a contiguous mapped range with uniform protection
type Region struct {
	Addr uintptr
	Size uintptr
	Prot Prot
	Path string
}

// End returns the first address past the region
func (r Region) End() uintptr { return r.Addr + r.Size }

// Contains reports whether addr lies inside the region
func (r Region) Contains(addr uintptr) bool {
	return addr >= r.Addr && addr < r.End()
}

func (r Region) String() string {
	return fmt.Sprintf("%#x-%#x %s %s", r.Addr, r.End(), r.Prot, r.Path)
}

// ErrUnmapped reports an address outside every mapped region
var ErrUnmapped = fmt.Errorf("address not mapped: %w", errs.ErrPermissionDenied)

// Space is a raw address space. Implementations perform no permission
// checks; callers wanting checked access use an Accessor.
type Space interface {
	// Query returns the region containing addr, or ErrUnmapped
	Query(addr uintptr) (Region, error)

	// Read copies n bytes starting at addr
	Read(addr uintptr, n int) ([]byte, error)

	// Write copies data to addr
	Write(addr uintptr, data []byte) error

	// Protect changes the protection of the pages covering [addr, addr+n)
	Protect(addr uintptr, n int, prot Prot) error
}
