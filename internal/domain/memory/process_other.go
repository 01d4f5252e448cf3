//go:build !linux

package memory

import (
	"errors"
	"runtime"

	"github.com/GriffinCanCode/hookhost/internal/shared/errs"
)

var errUnsupported = errs.Native("process memory", errors.New("unsupported on "+runtime.GOOS))

// Process is unavailable on this platform
type Process struct{}

// Self always fails on this platform
func Self() (*Process, error) { return nil, errUnsupported }

func (p *Process) Regions() ([]Region, error)                   { return nil, errUnsupported }
func (p *Process) MainModule() (Region, error)                  { return Region{}, errUnsupported }
func (p *Process) Query(addr uintptr) (Region, error)           { return Region{}, errUnsupported }
func (p *Process) Read(addr uintptr, n int) ([]byte, error)     { return nil, errUnsupported }
func (p *Process) Write(addr uintptr, data []byte) error        { return errUnsupported }
func (p *Process) Protect(addr uintptr, n int, prot Prot) error { return errUnsupported }
