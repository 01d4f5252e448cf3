// Package ffi describes foreign native calls made on behalf of scripts.
//
// Call signatures are never discovered: the caller supplies the target
// pointer, a typed argument list and an optional return kind. The script
// binding is only installed when the extension named ExtensionName is
// present, so scripts can feature-test it instead of failing at load.
package ffi

import (
	"context"
	"fmt"
	"math"

	"github.com/GriffinCanCode/hookhost/internal/shared/errs"
	"github.com/GriffinCanCode/hookhost/internal/shared/types"
)

const (
	// ExtensionName is the extension whose presence enables foreign calls
	ExtensionName = "ffi"

	// RawFunction is the function-table entry the ffi extension contributes
	// for integer-only calls from other extensions
	RawFunction = "ffi.call_raw"
)

// Value is one typed argument or return value. Integers and pointers are
// stored as their bit pattern, floats as float64 bits.
type Value struct {
	Kind types.Kind
	Bits uint64
	Str  string
}

// Int builds a signed integer value of the given kind
func Int(kind types.Kind, v int64) Value { return Value{Kind: kind, Bits: uint64(v)} }

// Uint builds an unsigned integer value of the given kind
func Uint(kind types.Kind, v uint64) Value { return Value{Kind: kind, Bits: v} }

// Float builds a floating point value of the given kind
func Float(kind types.Kind, v float64) Value {
	return Value{Kind: kind, Bits: math.Float64bits(v)}
}

// Pointer builds a pointer value
func Pointer(p uintptr) Value { return Value{Kind: types.KindPointer, Bits: uint64(p)} }

// String builds a string value passed as a NUL-terminated pointer
func String(s string) Value { return Value{Kind: types.KindString, Str: s} }

// Bool builds a boolean value
func Bool(b bool) Value {
	if b {
		return Value{Kind: types.KindBool, Bits: 1}
	}
	return Value{Kind: types.KindBool}
}

// Int64 returns the value sign-extended from its kind width
func (v Value) Int64() int64 {
	switch v.Kind {
	case types.KindI8:
		return int64(int8(v.Bits))
	case types.KindI16:
		return int64(int16(v.Bits))
	case types.KindI32:
		return int64(int32(v.Bits))
	}
	return int64(v.Bits)
}

// Uint64 returns the value truncated to its kind width
func (v Value) Uint64() uint64 {
	switch v.Kind.Size() {
	case 1:
		return v.Bits & 0xFF
	case 2:
		return v.Bits & 0xFFFF
	case 4:
		return v.Bits & 0xFFFFFFFF
	}
	return v.Bits
}

// Float64 returns a float value
func (v Value) Float64() float64 { return math.Float64frombits(v.Bits) }

// Export converts the value to the natural Go type of its kind
func (v Value) Export() any {
	switch {
	case v.Kind == types.KindVoid:
		return nil
	case v.Kind == types.KindBool:
		return v.Bits != 0
	case v.Kind == types.KindString:
		return v.Str
	case v.Kind == types.KindPointer:
		return uintptr(v.Bits)
	case v.Kind.IsFloat():
		return v.Float64()
	case v.Kind.IsSigned():
		return v.Int64()
	}
	return v.Uint64()
}

// FromBits decodes a raw machine word returned by a call into kind
func FromBits(kind types.Kind, bits uint64) Value {
	v := Value{Kind: kind, Bits: bits}
	switch kind {
	case types.KindF32:
		v.Bits = math.Float64bits(float64(math.Float32frombits(uint32(bits))))
	case types.KindI8, types.KindI16, types.KindI32, types.KindU8, types.KindU16, types.KindU32:
		v.Bits = v.Uint64()
	case types.KindBool:
		v.Bits = bits & 0xFF
	}
	return v
}

// Caller performs foreign calls. ctx must reach any hook listener fired
// by the call; see hook.Engine.
type Caller interface {
	CallNative(ctx context.Context, fn uintptr, args []Value, ret types.Kind) (Value, error)
}

// Validate checks an argument list before it is marshalled
func Validate(args []Value, ret types.Kind) error {
	for i, a := range args {
		if a.Kind == types.KindVoid || a.Kind.Size() == 0 {
			return fmt.Errorf("%w: argument %d has kind %q", errs.ErrInvalidArgument, i, a.Kind)
		}
	}
	if ret != "" && ret != types.KindVoid && ret.Size() == 0 {
		return fmt.Errorf("%w: return kind %q", errs.ErrInvalidArgument, ret)
	}
	return nil
}
