package memory

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/GriffinCanCode/hookhost/internal/shared/errs"
)

// NOP is the x86 single-byte no-op used by Fill callers
const NOP = 0x90

// Patch is an active in-place modification with its backup
type Patch struct {
	Addr     uintptr
	Original []byte
	Applied  []byte
}

// Size returns the patched length
func (p Patch) Size() int { return len(p.Applied) }

func (p Patch) overlaps(addr uintptr, n int) bool {
	return addr < p.Addr+uintptr(p.Size()) && p.Addr < addr+uintptr(n)
}

// Patcher applies and restores in-place memory patches. Active patches
// never overlap. Read-only pages are made writable for the duration of
// the write and then returned to their original protection.
type Patcher struct {
	mu      sync.Mutex
	acc     *Accessor
	patches map[uintptr]*Patch
}

// NewPatcher creates a patcher writing through acc
func NewPatcher(acc *Accessor) *Patcher {
	return &Patcher{
		acc:     acc,
		patches: make(map[uintptr]*Patch),
	}
}

// Apply overwrites memory at addr with data, keeping a backup
func (p *Patcher) Apply(addr uintptr, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty patch", errs.ErrInvalidArgument)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, existing := range p.patches {
		if existing.overlaps(addr, len(data)) {
			return fmt.Errorf("%w: patch at %#x overlaps %#x+%d",
				errs.ErrAlreadyExists, addr, existing.Addr, existing.Size())
		}
	}

	original, err := p.acc.Read(addr, len(data))
	if err != nil {
		return fmt.Errorf("patch %#x: %w", addr, err)
	}
	if err := p.writeForced(addr, data); err != nil {
		return fmt.Errorf("patch %#x: %w", addr, err)
	}

	p.patches[addr] = &Patch{
		Addr:     addr,
		Original: original,
		Applied:  append([]byte(nil), data...),
	}
	return nil
}

// Fill patches n bytes at addr with b
func (p *Patcher) Fill(addr uintptr, b byte, n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: fill length %d", errs.ErrInvalidArgument, n)
	}
	return p.Apply(addr, bytes.Repeat([]byte{b}, n))
}

// Restore writes back the original bytes of the patch starting at addr.
// It reports false if no patch starts there.
func (p *Patcher) Restore(addr uintptr) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	patch, ok := p.patches[addr]
	if !ok {
		return false, nil
	}
	if err := p.writeForced(addr, patch.Original); err != nil {
		return true, fmt.Errorf("restore %#x: %w", addr, err)
	}
	delete(p.patches, addr)
	return true, nil
}

// RestoreAll restores every active patch
func (p *Patcher) RestoreAll() error {
	var errList []error
	for _, patch := range p.Active() {
		if _, err := p.Restore(patch.Addr); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// Active returns the active patches ordered by address
func (p *Patcher) Active() []Patch {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Patch, 0, len(p.patches))
	for _, patch := range p.patches {
		out = append(out, *patch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Len returns the number of active patches
func (p *Patcher) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.patches)
}

// writeForced writes data region by region, lifting write protection where needed.
// Caller holds p.mu.
func (p *Patcher) writeForced(addr uintptr, data []byte) error {
	space := p.acc.Space()
	end := addr + uintptr(len(data))

	for cur := addr; cur < end; {
		r, err := space.Query(cur)
		if err != nil {
			return fmt.Errorf("%w: %#x is not mapped", errs.ErrPermissionDenied, cur)
		}
		segEnd := min(r.End(), end)
		seg := data[cur-addr : segEnd-addr]

		if r.Prot.Has(ProtWrite) {
			if err := space.Write(cur, seg); err != nil {
				return errs.Native(fmt.Sprintf("write %#x", cur), err)
			}
		} else {
			if err := space.Protect(cur, len(seg), r.Prot|ProtWrite); err != nil {
				return err
			}
			werr := space.Write(cur, seg)
			if err := space.Protect(cur, len(seg), r.Prot); err != nil {
				return err
			}
			if werr != nil {
				return errs.Native(fmt.Sprintf("write %#x", cur), werr)
			}
		}
		cur = segEnd
	}
	return nil
}
