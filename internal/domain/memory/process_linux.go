//go:build linux

package memory

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	"github.com/GriffinCanCode/hookhost/internal/shared/errs"
)

// Process is the Space of the current process. Region permissions come
// from /proc/self/maps and are re-read on every query so that protection
// changes made by patches are observed.
type Process struct {
	proc     procfs.Proc
	pageSize uintptr
}

// Self opens the current process
func Self() (*Process, error) {
	p, err := procfs.Self()
	if err != nil {
		return nil, errs.Native("open /proc/self", err)
	}
	return &Process{proc: p, pageSize: uintptr(os.Getpagesize())}, nil
}

// Regions returns every mapping of the process
func (p *Process) Regions() ([]Region, error) {
	maps, err := p.proc.ProcMaps()
	if err != nil {
		return nil, errs.Native("read proc maps", err)
	}

	regions := make([]Region, 0, len(maps))
	for _, m := range maps {
		var prot Prot
		if m.Perms != nil {
			if m.Perms.Read {
				prot |= ProtRead
			}
			if m.Perms.Write {
				prot |= ProtWrite
			}
			if m.Perms.Execute {
				prot |= ProtExec
			}
		}
		regions = append(regions, Region{
			Addr: m.StartAddr,
			Size: m.EndAddr - m.StartAddr,
			Prot: prot,
			Path: m.Pathname,
		})
	}
	return regions, nil
}

// MainModule returns the span covering every mapping of the executable
func (p *Process) MainModule() (Region, error) {
	exe, err := p.proc.Executable()
	if err != nil {
		return Region{}, errs.Native("resolve executable", err)
	}
	regions, err := p.Regions()
	if err != nil {
		return Region{}, err
	}

	var span Region
	for _, r := range regions {
		if r.Path != exe {
			continue
		}
		if span.Size == 0 {
			span = Region{Addr: r.Addr, Size: r.Size, Prot: r.Prot, Path: exe}
			continue
		}
		if r.Addr < span.Addr {
			span.Size += span.Addr - r.Addr
			span.Addr = r.Addr
		}
		if r.End() > span.End() {
			span.Size = r.End() - span.Addr
		}
		span.Prot |= r.Prot
	}
	if span.Size == 0 {
		return Region{}, fmt.Errorf("main module %s: %w", exe, errs.ErrNotFound)
	}
	return span, nil
}

// Query implements Space
func (p *Process) Query(addr uintptr) (Region, error) {
	regions, err := p.Regions()
	if err != nil {
		return Region{}, err
	}
	for _, r := range regions {
		if r.Contains(addr) {
			return r, nil
		}
	}
	return Region{}, fmt.Errorf("%#x: %w", addr, ErrUnmapped)
}

func view(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

// Read implements Space. The range must already be known to be readable.
func (p *Process) Read(addr uintptr, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative length %d", n)
	}
	out := make([]byte, n)
	copy(out, view(addr, n))
	return out, nil
}

// Write implements Space. The range must already be known to be writable.
func (p *Process) Write(addr uintptr, data []byte) error {
	copy(view(addr, len(data)), data)
	return nil
}

// Protect implements Space
func (p *Process) Protect(addr uintptr, n int, prot Prot) error {
	start := addr &^ (p.pageSize - 1)
	end := (addr + uintptr(n) + p.pageSize - 1) &^ (p.pageSize - 1)

	var flags int
	if prot.Has(ProtRead) {
		flags |= unix.PROT_READ
	}
	if prot.Has(ProtWrite) {
		flags |= unix.PROT_WRITE
	}
	if prot.Has(ProtExec) {
		flags |= unix.PROT_EXEC
	}

	if err := unix.Mprotect(view(start, int(end-start)), flags); err != nil {
		return errs.Native(fmt.Sprintf("mprotect %#x-%#x", start, end), err)
	}
	return nil
}
