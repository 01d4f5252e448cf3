package ffi

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/hookhost/internal/domain/extension"
	"github.com/GriffinCanCode/hookhost/internal/shared/errs"
	"github.com/GriffinCanCode/hookhost/internal/shared/types"
)

func TestValueConversions(t *testing.T) {
	assert.Equal(t, int64(-1), Int(types.KindI8, -1).Int64())
	assert.Equal(t, uint64(0xFF), Int(types.KindI8, -1).Uint64())
	assert.Equal(t, int64(-2), Int(types.KindI32, -2).Export())
	assert.Equal(t, uint64(7), Uint(types.KindU16, 7).Export())
	assert.Equal(t, 2.5, Float(types.KindF64, 2.5).Export())
	assert.Equal(t, uintptr(0x1000), Pointer(0x1000).Export())
	assert.Equal(t, "hi", String("hi").Export())
	assert.Equal(t, true, Bool(true).Export())
	assert.Nil(t, Value{Kind: types.KindVoid}.Export())
}

func TestFromBits(t *testing.T) {
	f32 := uint64(math.Float32bits(1.25))
	assert.Equal(t, 1.25, FromBits(types.KindF32, f32).Float64())

	assert.Equal(t, int64(-1), FromBits(types.KindI32, 0xFFFFFFFF).Int64())
	assert.Equal(t, uint64(0x34), FromBits(types.KindU8, 0x1234).Uint64())
	assert.Equal(t, false, FromBits(types.KindBool, 0x100).Export())
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate([]Value{Int(types.KindI32, 1), String("x")}, types.KindVoid))
	assert.NoError(t, Validate(nil, ""))
	assert.ErrorIs(t, Validate([]Value{{Kind: types.KindVoid}}, ""), errs.ErrInvalidArgument)
	assert.ErrorIs(t, Validate(nil, types.Kind("bogus")), errs.ErrInvalidArgument)
}

type recordingCaller struct {
	fn   uintptr
	args []Value
}

func (r *recordingCaller) CallNative(_ context.Context, fn uintptr, args []Value, ret types.Kind) (Value, error) {
	r.fn, r.args = fn, args
	var sum uint64
	for _, a := range args {
		sum += a.Uint64()
	}
	return FromBits(ret, sum), nil
}

func TestInstallContributesRawCall(t *testing.T) {
	ctx := context.Background()
	reg := extension.NewRegistry(nil, nil, nil)
	caller := &recordingCaller{}
	require.NoError(t, Install(ctx, reg, caller))
	assert.True(t, reg.HasExtension(ExtensionName))

	fn, err := reg.GetFunction(RawFunction)
	require.NoError(t, err)

	out, err := fn.Call(ctx, 0x401000, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint64{5}, out)
	assert.Equal(t, uintptr(0x401000), caller.fn)
	assert.Len(t, caller.args, 2)

	_, err = fn.Call(ctx)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestInstallWithoutCallerFails(t *testing.T) {
	reg := extension.NewRegistry(nil, nil, nil)
	assert.Error(t, Install(context.Background(), reg, nil))
	assert.False(t, reg.HasExtension(ExtensionName))
}
