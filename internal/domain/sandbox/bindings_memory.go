package sandbox

import (
	"errors"
	"fmt"

	"github.com/dop251/goja"

	"github.com/GriffinCanCode/hookhost/internal/domain/address"
	"github.com/GriffinCanCode/hookhost/internal/domain/memory"
	"github.com/GriffinCanCode/hookhost/internal/shared/errs"
	"github.com/GriffinCanCode/hookhost/internal/shared/types"
)

// ============================================================================
// AddressRepository
// ============================================================================

func (b *binder) bindAddresses() {
	r := b.m.deps.Resolver
	if r == nil {
		return
	}
	repo := b.vm.NewObject()

	rng := r.Range()
	b.set(repo, "base", b.addr(rng.Addr))
	b.set(repo, "size", int64(rng.Size))

	b.set(repo, "get", func(call goja.FunctionCall) goja.Value {
		a, err := r.Resolve(b.stringArg(call, 0))
		b.check(err)
		return b.addr(a)
	})
	b.set(repo, "tryGet", func(call goja.FunctionCall) goja.Value {
		if a, ok := r.TryResolve(b.stringArg(call, 0)); ok {
			return b.addr(a)
		}
		return goja.Null()
	})
	b.set(repo, "setRecord", func(call goja.FunctionCall) goja.Value {
		b.check(r.Register(b.record(call)))
		return goja.Undefined()
	})
	b.set(repo, "getOrInsert", func(call goja.FunctionCall) goja.Value {
		a, err := r.ResolveOrRegister(b.record(call))
		b.check(err)
		return b.addr(a)
	})
	b.set(repo, "invalidate", func(call goja.FunctionCall) goja.Value {
		return b.vm.ToValue(r.Invalidate(b.stringArg(call, 0)))
	})
	b.set(repo, "scan", func(call goja.FunctionCall) goja.Value {
		a, err := r.Scan(b.addrArg(call, 0), int(b.intArg(call, 1, 0)), b.stringArg(call, 2), b.intArg(call, 3, 0))
		if errors.Is(err, errs.ErrNotFound) {
			return goja.Null()
		}
		b.check(err)
		return b.addr(a)
	})
	b.set(repo, "scanAll", func(call goja.FunctionCall) goja.Value {
		matches, err := r.ScanAll(b.addrArg(call, 0), int(b.intArg(call, 1, 0)), b.stringArg(call, 2))
		if errors.Is(err, errs.ErrNotFound) {
			return goja.Null()
		}
		b.check(err)
		out := make([]any, len(matches))
		for i, a := range matches {
			out[i] = int64(a)
		}
		return b.vm.ToValue(out)
	})

	b.global("AddressRepository", repo)
}

func (b *binder) record(call goja.FunctionCall) address.Record {
	return address.Record{
		Name:    b.stringArg(call, 0),
		Pattern: b.stringArg(call, 1),
		Offset:  b.intArg(call, 2, 0),
	}
}

// ============================================================================
// Memory
// ============================================================================

var typedAccessors = []struct {
	suffix string
	kind   types.Kind
}{
	{"U8", types.KindU8},
	{"I8", types.KindI8},
	{"U16", types.KindU16},
	{"I16", types.KindI16},
	{"U32", types.KindU32},
	{"I32", types.KindI32},
	{"U64", types.KindU64},
	{"I64", types.KindI64},
	{"Float", types.KindF32},
	{"Double", types.KindF64},
	{"Pointer", types.KindPointer},
	{"Bool", types.KindBool},
}

func (b *binder) bindMemory() {
	acc := b.m.deps.Accessor
	if acc == nil {
		return
	}
	mem := b.vm.NewObject()

	b.set(mem, "read", func(call goja.FunctionCall) goja.Value {
		data, err := acc.Read(b.addrArg(call, 0), int(b.intArg(call, 1, 0)))
		b.check(err)
		return b.vm.ToValue(b.vm.NewArrayBuffer(data))
	})
	b.set(mem, "write", func(call goja.FunctionCall) goja.Value {
		b.check(acc.Write(b.addrArg(call, 0), b.bytesArg(call, 1)))
		return goja.Undefined()
	})

	for _, ta := range typedAccessors {
		kind := ta.kind
		b.set(mem, "read"+ta.suffix, func(call goja.FunctionCall) goja.Value {
			v, err := acc.ReadValue(b.addrArg(call, 0), kind)
			b.check(err)
			return b.value(v)
		})
		b.set(mem, "write"+ta.suffix, func(call goja.FunctionCall) goja.Value {
			b.check(acc.WriteValue(b.addrArg(call, 0), kind, call.Argument(1).Export()))
			return goja.Undefined()
		})
	}

	b.set(mem, "readCString", func(call goja.FunctionCall) goja.Value {
		s, err := acc.ReadCString(b.addrArg(call, 0), int(b.intArg(call, 1, 0)))
		b.check(err)
		return b.vm.ToValue(s)
	})
	b.set(mem, "readValue", func(call goja.FunctionCall) goja.Value {
		kind := b.kindArg(call, 1)
		v, err := acc.ReadValue(b.addrArg(call, 0), kind)
		b.check(err)
		return b.value(v)
	})
	b.set(mem, "writeValue", func(call goja.FunctionCall) goja.Value {
		kind := b.kindArg(call, 1)
		b.check(acc.WriteValue(b.addrArg(call, 0), kind, call.Argument(2).Export()))
		return goja.Undefined()
	})

	protCheck := func(need memory.Prot) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			err := acc.Check(b.addrArg(call, 0), int(b.intArg(call, 1, 1)), need)
			return b.vm.ToValue(err == nil)
		}
	}
	b.set(mem, "isReadable", protCheck(memory.ProtRead))
	b.set(mem, "isWritable", protCheck(memory.ProtWrite))
	b.set(mem, "isExecutable", protCheck(memory.ProtExec))

	b.set(mem, "offsetPtr", func(call goja.FunctionCall) goja.Value {
		a, err := acc.OffsetPointer(b.addrArg(call, 0), b.offsets(call, 1)...)
		b.check(err)
		return b.addr(a)
	})
	b.set(mem, "derefChain", func(call goja.FunctionCall) goja.Value {
		a, err := acc.DerefChain(b.addrArg(call, 0), b.offsets(call, 1)...)
		b.check(err)
		return b.addr(a)
	})

	b.bindPatches(mem)
	b.bindViews(mem)

	b.global("Memory", mem)
}

func (b *binder) bindPatches(mem *goja.Object) {
	p := b.m.deps.Patcher
	if p == nil {
		return
	}
	track := func(addr uintptr, err error) {
		b.check(err)
		b.sb.addPatch(addr)
		b.m.deps.Metrics.SetPatchesActive(p.Len())
	}

	b.set(mem, "patch", func(call goja.FunctionCall) goja.Value {
		addr := b.addrArg(call, 0)
		track(addr, p.Apply(addr, b.bytesArg(call, 1)))
		return goja.Undefined()
	})
	b.set(mem, "patchNop", func(call goja.FunctionCall) goja.Value {
		addr := b.addrArg(call, 0)
		track(addr, p.Fill(addr, memory.NOP, int(b.intArg(call, 1, 0))))
		return goja.Undefined()
	})
	b.set(mem, "restorePatch", func(call goja.FunctionCall) goja.Value {
		addr := b.addrArg(call, 0)
		if !b.sb.dropPatch(addr) {
			return b.vm.ToValue(false)
		}
		ok, err := p.Restore(addr)
		b.m.deps.Metrics.SetPatchesActive(p.Len())
		b.check(err)
		return b.vm.ToValue(ok)
	})
}

func (b *binder) bindViews(mem *goja.Object) {
	acc, schemas := b.m.deps.Accessor, b.m.deps.Schemas

	b.set(mem, "defineSchema", func(call goja.FunctionCall) goja.Value {
		name := b.stringArg(call, 0)
		var fields []memory.Field
		arr, ok := call.Argument(1).Export().([]any)
		if !ok {
			b.invalid("defineSchema needs an array of fields")
		}
		for i, raw := range arr {
			obj, ok := raw.(map[string]any)
			if !ok {
				b.invalid("field %d must be an object", i)
			}
			fname, _ := obj["name"].(string)
			kindName, _ := obj["kind"].(string)
			kind, err := types.ParseKind(kindName)
			b.check(err)
			off, err := memory.ToUint(obj["offset"])
			b.check(err)
			fields = append(fields, memory.Field{Name: fname, Offset: int64(off), Kind: kind})
		}
		schema, err := memory.NewSchema(name, fields...)
		b.check(err)
		schemas.Define(schema)
		return goja.Undefined()
	})

	b.set(mem, "view", func(call goja.FunctionCall) goja.Value {
		addr := b.addrArg(call, 0)
		schema, err := schemas.Get(b.stringArg(call, 1))
		b.check(err)
		view := memory.NewView(acc, addr, schema)

		obj := b.vm.NewObject()
		b.set(obj, "address", b.addr(addr))
		b.set(obj, "schema", schema.Name)
		b.set(obj, "get", func(call goja.FunctionCall) goja.Value {
			v, err := view.Get(b.stringArg(call, 0))
			b.check(err)
			return b.value(v)
		})
		b.set(obj, "set", func(call goja.FunctionCall) goja.Value {
			b.check(view.Set(b.stringArg(call, 0), call.Argument(1).Export()))
			return goja.Undefined()
		})
		b.set(obj, "snapshot", func(goja.FunctionCall) goja.Value {
			values, _ := view.Snapshot()
			out := make(map[string]any, len(values))
			for k, v := range values {
				out[k] = b.value(v)
			}
			return b.vm.ToValue(out)
		})
		return obj
	})
}

func (b *binder) kindArg(call goja.FunctionCall, i int) types.Kind {
	kind, err := types.ParseKind(b.stringArg(call, i))
	b.check(err)
	return kind
}

func (b *binder) offsets(call goja.FunctionCall, from int) []int64 {
	var out []int64
	for i := from; i < len(call.Arguments); i++ {
		out = append(out, call.Arguments[i].ToInteger())
	}
	return out
}

// bytesArg accepts an ArrayBuffer, a typed array or an array of numbers
func (b *binder) bytesArg(call goja.FunctionCall, i int) []byte {
	v := call.Argument(i)
	if missing(v) {
		b.invalid("argument %d must be bytes", i)
	}
	switch data := v.Export().(type) {
	case goja.ArrayBuffer:
		return data.Bytes()
	case []byte:
		return data
	case []any:
		out := make([]byte, len(data))
		for j, e := range data {
			n, err := memory.ToUint(e)
			if err != nil || n > 0xFF {
				b.throw(fmt.Errorf("%w: byte %d is %v", errs.ErrInvalidArgument, j, e))
			}
			out[j] = byte(n)
		}
		return out
	}
	b.invalid("argument %d must be bytes", i)
	return nil
}
