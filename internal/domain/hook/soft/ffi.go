package soft

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/GriffinCanCode/hookhost/internal/domain/ffi"
	"github.com/GriffinCanCode/hookhost/internal/domain/memory"
	"github.com/GriffinCanCode/hookhost/internal/shared/errs"
	"github.com/GriffinCanCode/hookhost/internal/shared/types"
)

// arena is a bump allocator for string arguments. It wraps around when
// full, so strings are only valid for the duration of the call.
type arena struct {
	mu   sync.Mutex
	buf  *memory.Buffer
	next uintptr
}

func (a *arena) alloc(s string) (uintptr, error) {
	data := append([]byte(s), 0)

	a.mu.Lock()
	defer a.mu.Unlock()

	end := a.buf.Base() + uintptr(a.buf.Size())
	if uintptr(len(data)) > uintptr(a.buf.Size()) {
		return 0, fmt.Errorf("%w: string of %d bytes exceeds arena", errs.ErrInvalidArgument, len(data))
	}
	if a.next+uintptr(len(data)) > end {
		a.next = a.buf.Base()
	}
	addr := a.next
	if err := a.buf.Write(addr, data); err != nil {
		return 0, err
	}
	a.next += (uintptr(len(data)) + 7) &^ 7
	return addr, nil
}

func (a *arena) read(addr uintptr) (string, error) {
	base := a.buf.Base()
	if addr < base || addr >= base+uintptr(a.buf.Size()) {
		return "", fmt.Errorf("%w: %#x is outside the string arena", errs.ErrInvalidArgument, addr)
	}
	data, err := a.buf.Read(addr, int(base+uintptr(a.buf.Size())-addr))
	if err != nil {
		return "", err
	}
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	return string(data), nil
}

// CallNative implements ffi.Caller by marshalling typed values into
// machine words and calling the soft function at fn.
func (e *Engine) CallNative(ctx context.Context, fn uintptr, args []ffi.Value, ret types.Kind) (ffi.Value, error) {
	if err := ffi.Validate(args, ret); err != nil {
		return ffi.Value{}, err
	}

	words := make([]uintptr, len(args))
	for i, a := range args {
		switch {
		case a.Kind == types.KindString:
			if e.strings == nil {
				return ffi.Value{}, fmt.Errorf("%w: string arguments need a string arena", errs.ErrInvalidArgument)
			}
			addr, err := e.strings.alloc(a.Str)
			if err != nil {
				return ffi.Value{}, err
			}
			words[i] = addr
		case a.Kind == types.KindF32:
			words[i] = uintptr(math.Float32bits(float32(a.Float64())))
		case a.Kind == types.KindF64:
			words[i] = uintptr(a.Bits)
		default:
			words[i] = uintptr(a.Uint64())
		}
	}

	result, err := e.Call(ctx, fn, words...)
	if err != nil {
		return ffi.Value{}, err
	}

	switch ret {
	case "", types.KindVoid:
		return ffi.Value{Kind: types.KindVoid}, nil
	case types.KindString:
		if result == 0 {
			return ffi.String(""), nil
		}
		if e.strings == nil {
			return ffi.Value{}, fmt.Errorf("%w: string results need a string arena", errs.ErrInvalidArgument)
		}
		s, err := e.strings.read(result)
		if err != nil {
			return ffi.Value{}, err
		}
		return ffi.String(s), nil
	}
	return ffi.FromBits(ret, uint64(result)), nil
}

// ReadString reads a NUL-terminated string from the string arena
func (e *Engine) ReadString(addr uintptr) (string, error) {
	if e.strings == nil {
		return "", fmt.Errorf("%w: no string arena", errs.ErrInvalidArgument)
	}
	return e.strings.read(addr)
}
