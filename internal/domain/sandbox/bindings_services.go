package sandbox

import (
	"fmt"
	"math"

	"github.com/dop251/goja"

	"github.com/GriffinCanCode/hookhost/internal/domain/ffi"
	"github.com/GriffinCanCode/hookhost/internal/domain/memory"
	"github.com/GriffinCanCode/hookhost/internal/shared/errs"
	"github.com/GriffinCanCode/hookhost/internal/shared/types"
)

// ============================================================================
// SharedState
// ============================================================================

func (b *binder) bindShared() {
	shared := b.m.shared
	obj := b.vm.NewObject()

	b.set(obj, "get", func(call goja.FunctionCall) goja.Value {
		v, ok, err := shared.Get(b.stringArg(call, 0))
		b.check(err)
		if !ok {
			return goja.Undefined()
		}
		return b.vm.ToValue(v)
	})
	b.set(obj, "set", func(call goja.FunctionCall) goja.Value {
		b.check(shared.Set(b.stringArg(call, 0), call.Argument(1).Export()))
		return goja.Undefined()
	})
	b.set(obj, "delete", func(call goja.FunctionCall) goja.Value {
		return b.vm.ToValue(shared.Delete(b.stringArg(call, 0)))
	})
	b.set(obj, "keys", func(goja.FunctionCall) goja.Value {
		return b.vm.ToValue(shared.Keys())
	})

	b.global("SharedState", obj)
}

// ============================================================================
// Singleton
// ============================================================================

func (b *binder) bindSingletons() {
	reg := b.m.deps.Singletons
	if reg == nil {
		return
	}
	obj := b.vm.NewObject()

	b.set(obj, "get", func(call goja.FunctionCall) goja.Value {
		a, err := reg.Get(b.stringArg(call, 0))
		if err != nil {
			return goja.Null()
		}
		return b.addr(a)
	})
	b.set(obj, "list", func(goja.FunctionCall) goja.Value {
		entries := reg.List()
		out := make([]any, len(entries))
		for i, e := range entries {
			out[i] = map[string]any{"name": e.Name, "address": int64(e.Address)}
		}
		return b.vm.ToValue(out)
	})
	b.set(obj, "discover", func(call goja.FunctionCall) goja.Value {
		a, err := reg.Discover(b.record(call))
		b.check(err)
		return b.addr(a)
	})

	b.global("Singleton", obj)
}

// ============================================================================
// Extensions
// ============================================================================

func (b *binder) bindExtensions() {
	reg := b.m.deps.Extensions
	if reg == nil {
		return
	}
	obj := b.vm.NewObject()

	b.set(obj, "has", func(call goja.FunctionCall) goja.Value {
		return b.vm.ToValue(reg.HasExtension(b.stringArg(call, 0)))
	})
	b.set(obj, "list", func(goja.FunctionCall) goja.Value {
		var names []string
		for _, info := range reg.Extensions() {
			if info.Loaded {
				names = append(names, info.Name)
			}
		}
		return b.vm.ToValue(names)
	})
	b.set(obj, "functions", func(goja.FunctionCall) goja.Value {
		return b.vm.ToValue(reg.Functions())
	})
	b.set(obj, "call", func(call goja.FunctionCall) goja.Value {
		fn, err := reg.GetFunction(b.stringArg(call, 0))
		b.check(err)
		args := make([]uint64, 0, len(call.Arguments)-1)
		for _, a := range call.Arguments[1:] {
			n, err := memory.ToUint(a.Export())
			b.check(err)
			args = append(args, n)
		}
		out, err := fn.Call(b.sb.callCtx(), args...)
		b.check(err)
		if len(out) == 0 {
			return goja.Undefined()
		}
		return b.value(out[0])
	})

	b.global("Extensions", obj)
}

// ============================================================================
// callNative
// ============================================================================

// bindNative installs callNative only when the ffi extension is loaded and
// a caller is configured. Scripts feature-test with typeof callNative.
func (b *binder) bindNative() {
	caller := b.m.deps.Caller
	reg := b.m.deps.Extensions
	if caller == nil || reg == nil || !reg.HasExtension(ffi.ExtensionName) {
		b.sb.logger.Debug("Foreign calls unavailable")
		return
	}

	b.global("callNative", func(call goja.FunctionCall) goja.Value {
		fn := b.addrArg(call, 0)
		if acc := b.m.deps.Accessor; acc != nil {
			b.check(acc.CheckExecutable(fn))
		}

		var args []ffi.Value
		if v := call.Argument(1); !missing(v) {
			raw, ok := v.Export().([]any)
			if !ok {
				b.invalid("callNative arguments must be an array")
			}
			for i, a := range raw {
				args = append(args, b.ffiValue(i, a))
			}
		}

		ret := types.KindVoid
		if v := call.Argument(2); !missing(v) {
			ret = b.kindArg(call, 2)
		}
		b.check(ffi.Validate(args, ret))

		out, err := caller.CallNative(b.sb.callCtx(), fn, args, ret)
		b.check(err)
		if ret == types.KindVoid {
			return goja.Undefined()
		}
		return b.value(out.Export())
	})
}

// ffiValue converts one callNative argument: a number, string, boolean or
// a {type, value} object
func (b *binder) ffiValue(i int, a any) ffi.Value {
	switch v := a.(type) {
	case int64:
		return ffi.Int(types.KindI64, v)
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			return ffi.Int(types.KindI64, int64(v))
		}
		return ffi.Float(types.KindF64, v)
	case string:
		return ffi.String(v)
	case bool:
		return ffi.Bool(v)
	case map[string]any:
		kindName, _ := v["type"].(string)
		kind, err := types.ParseKind(kindName)
		b.check(err)
		switch {
		case kind == types.KindString:
			s, ok := v["value"].(string)
			if !ok {
				b.invalid("argument %d: string value expected", i)
			}
			return ffi.String(s)
		case kind.IsFloat():
			f, err := memory.ToFloat(v["value"])
			b.check(err)
			return ffi.Float(kind, f)
		default:
			n, err := memory.ToUint(v["value"])
			b.check(err)
			return ffi.Uint(kind, n)
		}
	}
	b.throw(fmt.Errorf("%w: argument %d has unsupported type %T", errs.ErrInvalidArgument, i, a))
	return ffi.Value{}
}
