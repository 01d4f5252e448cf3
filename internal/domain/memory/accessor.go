package memory

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/GriffinCanCode/hookhost/internal/shared/errs"
	"github.com/GriffinCanCode/hookhost/internal/shared/types"
)

const (
	// ReservedLimit is the highest address of the low reserved range
	ReservedLimit = 0x10000

	maxStringLen = 4096
)

// IsReserved reports whether addr falls in the null page area or above
// the canonical user-space range. Such addresses are never dereferenced.
func IsReserved(addr uintptr) bool {
	return addr <= ReservedLimit || uint64(addr) > math.MaxInt64
}

// Accessor performs permission-checked memory access over a Space
type Accessor struct {
	space Space
}

// NewAccessor creates an accessor over space
func NewAccessor(space Space) *Accessor {
	return &Accessor{space: space}
}

// Space returns the underlying raw space
func (a *Accessor) Space() Space { return a.space }

// Check verifies that every byte of [addr, addr+n) is mapped with need
func (a *Accessor) Check(addr uintptr, n int, need Prot) error {
	if n < 0 {
		return fmt.Errorf("%w: negative length %d", errs.ErrInvalidArgument, n)
	}
	if IsReserved(addr) {
		return fmt.Errorf("%w: reserved address %#x", errs.ErrPermissionDenied, addr)
	}
	end := addr + uintptr(n)
	if end < addr {
		return fmt.Errorf("%w: range %#x+%d overflows", errs.ErrPermissionDenied, addr, n)
	}

	cur := addr
	for {
		r, err := a.space.Query(cur)
		if err != nil {
			return fmt.Errorf("%w: %#x is not mapped", errs.ErrPermissionDenied, cur)
		}
		if !r.Prot.Has(need) {
			return fmt.Errorf("%w: region %#x-%#x is %s, need %s",
				errs.ErrPermissionDenied, r.Addr, r.End(), r.Prot, need)
		}
		if r.End() >= end || r.Size == 0 {
			return nil
		}
		cur = r.End()
	}
}

// CheckExecutable verifies that addr lies in executable memory
func (a *Accessor) CheckExecutable(addr uintptr) error {
	return a.Check(addr, 1, ProtExec)
}

// Read returns n bytes from addr after a read permission check
func (a *Accessor) Read(addr uintptr, n int) ([]byte, error) {
	if err := a.Check(addr, n, ProtRead); err != nil {
		return nil, err
	}
	data, err := a.space.Read(addr, n)
	if err != nil {
		return nil, errs.Native(fmt.Sprintf("read %#x", addr), err)
	}
	return data, nil
}

// Write stores data at addr after a write permission check
func (a *Accessor) Write(addr uintptr, data []byte) error {
	if err := a.Check(addr, len(data), ProtWrite); err != nil {
		return err
	}
	if err := a.space.Write(addr, data); err != nil {
		return errs.Native(fmt.Sprintf("write %#x", addr), err)
	}
	return nil
}

// ReadPointer reads a pointer-sized little-endian value
func (a *Accessor) ReadPointer(addr uintptr) (uintptr, error) {
	b, err := a.Read(addr, 8)
	if err != nil {
		return 0, err
	}
	return uintptr(binary.LittleEndian.Uint64(b)), nil
}

// WritePointer stores a pointer-sized little-endian value
func (a *Accessor) WritePointer(addr, value uintptr) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(value))
	return a.Write(addr, b[:])
}

// ReadCString reads a NUL-terminated string of at most max bytes
func (a *Accessor) ReadCString(addr uintptr, max int) (string, error) {
	if max <= 0 {
		max = maxStringLen
	}
	if err := a.Check(addr, 1, ProtRead); err != nil {
		return "", err
	}

	out := make([]byte, 0, 64)
	cur := addr
	for len(out) < max {
		r, err := a.space.Query(cur)
		if err != nil || !r.Prot.Has(ProtRead) {
			break
		}
		n := min(int(r.End()-cur), max-len(out))
		chunk, err := a.space.Read(cur, n)
		if err != nil {
			return "", errs.Native(fmt.Sprintf("read %#x", cur), err)
		}
		for i, c := range chunk {
			if c == 0 {
				return string(append(out, chunk[:i]...)), nil
			}
		}
		out = append(out, chunk...)
		cur += uintptr(n)
	}
	return string(out), nil
}

// ReadValue reads a typed scalar. Integers come back as int64 or uint64,
// floats as float64, pointers as uintptr, strings via the stored pointer.
func (a *Accessor) ReadValue(addr uintptr, kind types.Kind) (any, error) {
	if kind == types.KindString {
		ptr, err := a.ReadPointer(addr)
		if err != nil {
			return nil, err
		}
		if ptr == 0 {
			return "", nil
		}
		return a.ReadCString(ptr, maxStringLen)
	}

	size := kind.Size()
	if size == 0 {
		return nil, fmt.Errorf("%w: cannot read %s", errs.ErrInvalidArgument, kind)
	}
	b, err := a.Read(addr, size)
	if err != nil {
		return nil, err
	}
	return decode(b, kind), nil
}

// WriteValue stores a typed scalar
func (a *Accessor) WriteValue(addr uintptr, kind types.Kind, v any) error {
	if kind == types.KindString || kind.Size() == 0 {
		return fmt.Errorf("%w: cannot write %s in place", errs.ErrInvalidArgument, kind)
	}
	b, err := encode(kind, v)
	if err != nil {
		return err
	}
	return a.Write(addr, b)
}

// OffsetPointer walks a pointer chain: add each offset, then dereference,
// except after the last offset where the address itself is returned.
func (a *Accessor) OffsetPointer(base uintptr, offsets ...int64) (uintptr, error) {
	addr := base
	for i, off := range offsets {
		addr = uintptr(int64(addr) + off)
		if i == len(offsets)-1 {
			break
		}
		next, err := a.ReadPointer(addr)
		if err != nil {
			return 0, fmt.Errorf("pointer chain level %d: %w", i, err)
		}
		addr = next
	}
	return addr, nil
}

// DerefChain walks a pointer chain the way memory scanners present it:
// dereference, then add the offset, for every level.
func (a *Accessor) DerefChain(base uintptr, offsets ...int64) (uintptr, error) {
	if base == 0 {
		return 0, fmt.Errorf("%w: null base", errs.ErrInvalidArgument)
	}
	addr := base
	for i, off := range offsets {
		next, err := a.ReadPointer(addr)
		if err != nil {
			return 0, fmt.Errorf("pointer chain level %d: %w", i, err)
		}
		addr = uintptr(int64(next) + off)
	}
	return addr, nil
}

func decode(b []byte, kind types.Kind) any {
	le := binary.LittleEndian
	switch kind {
	case types.KindBool:
		return b[0] != 0
	case types.KindI8:
		return int64(int8(b[0]))
	case types.KindU8:
		return uint64(b[0])
	case types.KindI16:
		return int64(int16(le.Uint16(b)))
	case types.KindU16:
		return uint64(le.Uint16(b))
	case types.KindI32:
		return int64(int32(le.Uint32(b)))
	case types.KindU32:
		return uint64(le.Uint32(b))
	case types.KindI64:
		return int64(le.Uint64(b))
	case types.KindU64:
		return le.Uint64(b)
	case types.KindF32:
		return float64(math.Float32frombits(le.Uint32(b)))
	case types.KindF64:
		return math.Float64frombits(le.Uint64(b))
	case types.KindPointer:
		return uintptr(le.Uint64(b))
	}
	return nil
}

func encode(kind types.Kind, v any) ([]byte, error) {
	b := make([]byte, kind.Size())
	le := binary.LittleEndian

	if kind.IsFloat() {
		f, err := ToFloat(v)
		if err != nil {
			return nil, err
		}
		if kind == types.KindF32 {
			le.PutUint32(b, math.Float32bits(float32(f)))
		} else {
			le.PutUint64(b, math.Float64bits(f))
		}
		return b, nil
	}

	if kind == types.KindBool {
		if t, ok := v.(bool); ok {
			if t {
				b[0] = 1
			}
			return b, nil
		}
	}

	u, err := ToUint(v)
	if err != nil {
		return nil, err
	}
	switch len(b) {
	case 1:
		b[0] = byte(u)
	case 2:
		le.PutUint16(b, uint16(u))
	case 4:
		le.PutUint32(b, uint32(u))
	case 8:
		le.PutUint64(b, u)
	}
	return b, nil
}

// ToUint converts a Go numeric value into its two's complement bit pattern
func ToUint(v any) (uint64, error) {
	switch n := v.(type) {
	case int:
		return uint64(n), nil
	case int8:
		return uint64(n), nil
	case int16:
		return uint64(n), nil
	case int32:
		return uint64(n), nil
	case int64:
		return uint64(n), nil
	case uint:
		return uint64(n), nil
	case uint8:
		return uint64(n), nil
	case uint16:
		return uint64(n), nil
	case uint32:
		return uint64(n), nil
	case uint64:
		return n, nil
	case uintptr:
		return uint64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%w: %v is not an integer", errs.ErrInvalidArgument, n)
		}
		if n < 0 {
			return uint64(int64(n)), nil
		}
		return uint64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("%w: cannot convert %T to integer", errs.ErrInvalidArgument, v)
}

// ToFloat converts a Go numeric value to float64
func ToFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("%w: cannot convert %T to float", errs.ErrInvalidArgument, v)
}
