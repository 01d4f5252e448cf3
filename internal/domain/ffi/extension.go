package ffi

import (
	"context"
	"fmt"

	"github.com/GriffinCanCode/hookhost/internal/domain/extension"
	"github.com/GriffinCanCode/hookhost/internal/shared/errs"
	"github.com/GriffinCanCode/hookhost/internal/shared/types"
)

// Entry returns the built-in extension that enables foreign calls. It
// contributes RawFunction: args[0] is the target, the rest are passed as
// 64-bit integers and the integer result is returned.
func Entry(caller Caller) extension.EntryFunc {
	return func(_ context.Context, api *extension.API) int32 {
		if caller == nil {
			api.Log(extension.LogWarn, "no native caller available")
			return 1
		}
		api.AddFunction(RawFunction, extension.FunctionFunc(func(ctx context.Context, args ...uint64) ([]uint64, error) {
			if len(args) == 0 || args[0] == 0 {
				return nil, fmt.Errorf("%w: %s needs a target", errs.ErrInvalidArgument, RawFunction)
			}
			values := make([]Value, len(args)-1)
			for i, a := range args[1:] {
				values[i] = Uint(types.KindU64, a)
			}
			ret, err := caller.CallNative(ctx, uintptr(args[0]), values, types.KindU64)
			if err != nil {
				return nil, err
			}
			return []uint64{ret.Bits}, nil
		}))
		return 0
	}
}

// Install registers the built-in extension under ExtensionName
func Install(ctx context.Context, reg *extension.Registry, caller Caller) error {
	return reg.Install(ctx, ExtensionName, Entry(caller))
}
