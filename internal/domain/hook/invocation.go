package hook

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/GriffinCanCode/hookhost/internal/shared/errs"
)

// ErrReleased reports use of an Invocation after its callback returned
var ErrReleased = errors.New("invocation context released")

// MaxArgs bounds the positional argument index a callback may write
const MaxArgs = 16

// Invocation is the view a callback gets of the intercepted call. It is
// released when the callback returns; every method fails afterwards.
type Invocation struct {
	ic       InvocationContext
	cut      PointCut
	handle   Handle
	scratch  map[string]any
	released atomic.Bool
}

func newInvocation(ic InvocationContext, cut PointCut, h Handle, scratch map[string]any) *Invocation {
	return &Invocation{ic: ic, cut: cut, handle: h, scratch: scratch}
}

func (v *Invocation) release() { v.released.Store(true) }

func (v *Invocation) usable() error {
	if v.released.Load() {
		return ErrReleased
	}
	return nil
}

func (v *Invocation) wrongCut(op string) error {
	return fmt.Errorf("%w: %s is not allowed in %s callbacks", errs.ErrInvalidArgument, op, v.cut)
}

// PointCut returns the firing event
func (v *Invocation) PointCut() PointCut { return v.cut }

// Handle returns the registration being invoked
func (v *Invocation) Handle() Handle { return v.handle }

// Address returns the intercepted address
func (v *Invocation) Address() uintptr { return v.ic.Address() }

// ThreadID returns the native thread id
func (v *Invocation) ThreadID() uint64 { return v.ic.ThreadID() }

// Arg reads a positional argument
func (v *Invocation) Arg(n int) (uintptr, error) {
	if err := v.usable(); err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: argument index %d", errs.ErrInvalidArgument, n)
	}
	if v.cut == PointHit {
		return 0, v.wrongCut("reading arguments")
	}
	return v.ic.Arg(n), nil
}

// SetArg replaces a positional argument. Only entry callbacks may do this.
func (v *Invocation) SetArg(n int, value uintptr) error {
	if err := v.usable(); err != nil {
		return err
	}
	if n < 0 || n >= MaxArgs {
		return fmt.Errorf("%w: argument index %d", errs.ErrInvalidArgument, n)
	}
	if v.cut != PointEnter {
		return v.wrongCut("modifying arguments")
	}
	v.ic.SetArg(n, value)
	return nil
}

// ReturnValue reads the return value. Only exit callbacks may do this.
func (v *Invocation) ReturnValue() (uintptr, error) {
	if err := v.usable(); err != nil {
		return 0, err
	}
	if v.cut != PointLeave {
		return 0, v.wrongCut("reading the return value")
	}
	return v.ic.ReturnValue(), nil
}

// SetReturnValue replaces the return value. Only exit callbacks may do this.
func (v *Invocation) SetReturnValue(value uintptr) error {
	if err := v.usable(); err != nil {
		return err
	}
	if v.cut != PointLeave {
		return v.wrongCut("modifying the return value")
	}
	v.ic.SetReturnValue(value)
	return nil
}

// Register reads a CPU register
func (v *Invocation) Register(name string) (uint64, error) {
	if err := v.usable(); err != nil {
		return 0, err
	}
	return v.ic.CPU().Register(name)
}

// SetRegister writes a CPU register
func (v *Invocation) SetRegister(name string, value uint64) error {
	if err := v.usable(); err != nil {
		return err
	}
	return v.ic.CPU().SetRegister(name, value)
}

// Registers lists the register names of the CPU context
func (v *Invocation) Registers() ([]string, error) {
	if err := v.usable(); err != nil {
		return nil, err
	}
	return v.ic.CPU().Registers(), nil
}

// Load reads thread-scoped scratch stored by this registration during the
// matching entry callback.
func (v *Invocation) Load(key string) (any, bool) {
	if v.usable() != nil || v.scratch == nil {
		return nil, false
	}
	val, ok := v.scratch[key]
	return val, ok
}

// Store writes thread-scoped scratch visible to the matching exit callback
func (v *Invocation) Store(key string, value any) error {
	if err := v.usable(); err != nil {
		return err
	}
	if v.scratch == nil {
		return v.wrongCut("scratch storage")
	}
	v.scratch[key] = value
	return nil
}

// Delete removes a scratch key
func (v *Invocation) Delete(key string) {
	if v.usable() == nil && v.scratch != nil {
		delete(v.scratch, key)
	}
}

// ScratchKeys lists the scratch keys currently set
func (v *Invocation) ScratchKeys() []string {
	if v.usable() != nil || v.scratch == nil {
		return nil
	}
	keys := make([]string, 0, len(v.scratch))
	for k := range v.scratch {
		keys = append(keys, k)
	}
	return keys
}
