package sandbox

import (
	"context"

	"github.com/dop251/goja"

	"github.com/GriffinCanCode/hookhost/internal/domain/hook"
)

func (b *binder) bindInterceptor() {
	d := b.m.deps.Dispatcher
	if d == nil {
		return
	}
	ic := b.vm.NewObject()
	owner := ref{m: b.m, key: b.sb.key, name: b.sb.name}

	b.set(ic, "attach", func(call goja.FunctionCall) goja.Value {
		addr := b.hookTarget(call)
		opts := call.Argument(1)
		if missing(opts) {
			b.invalid("attach needs an object with onEnter and/or onLeave")
		}
		obj := opts.ToObject(b.vm)

		var cbs hook.Callbacks
		if fn, ok := goja.AssertFunction(obj.Get("onEnter")); ok {
			cbs.OnEnter = b.callback(fn)
		}
		if fn, ok := goja.AssertFunction(obj.Get("onLeave")); ok {
			cbs.OnLeave = b.callback(fn)
		}

		h, err := d.Attach(addr, owner, cbs)
		b.check(err)
		b.sb.addHook(h)
		return b.vm.ToValue(h.String())
	})

	b.set(ic, "attachInstruction", func(call goja.FunctionCall) goja.Value {
		addr := b.hookTarget(call)
		h, err := d.AttachProbe(addr, owner, b.callback(b.funcArg(call, 1)))
		b.check(err)
		b.sb.addHook(h)
		return b.vm.ToValue(h.String())
	})

	b.set(ic, "detach", func(call goja.FunctionCall) goja.Value {
		h, err := hook.ParseHandle(b.stringArg(call, 0))
		b.check(err)
		// Handles of other sandboxes are not ours to release.
		if !b.sb.ownsHook(h) {
			return b.vm.ToValue(false)
		}
		b.sb.dropHook(h)
		return b.vm.ToValue(d.Detach(h))
	})

	b.set(ic, "handles", func(goja.FunctionCall) goja.Value {
		hooks := b.sb.Hooks()
		out := make([]any, len(hooks))
		for i, h := range hooks {
			out[i] = h.String()
		}
		return b.vm.ToValue(out)
	})

	b.global("Interceptor", ic)
}

// hookTarget reads the address argument and checks that it is code
func (b *binder) hookTarget(call goja.FunctionCall) uintptr {
	addr := b.addrArg(call, 0)
	if acc := b.m.deps.Accessor; acc != nil {
		b.check(acc.CheckExecutable(addr))
	}
	return addr
}

// callback adapts a script function to a hook callback. The dispatcher
// runs it through the sandbox's weak owner, so the execution lock is held.
func (b *binder) callback(fn goja.Callable) hook.Callback {
	return func(_ context.Context, inv *hook.Invocation) error {
		_, err := fn(goja.Undefined(), b.invocation(inv))
		if err != nil {
			b.m.deps.Metrics.RecordScriptError("callback")
			b.m.deps.LastError.Record(b.sb.name, err)
		}
		return err
	}
}

// invocation builds the script view of one hook event. Every method fails
// once the event is over.
func (b *binder) invocation(inv *hook.Invocation) *goja.Object {
	o := b.vm.NewObject()

	b.set(o, "address", b.addr(inv.Address()))
	b.set(o, "threadId", int64(inv.ThreadID()))
	b.set(o, "handle", inv.Handle().String())
	b.set(o, "cut", inv.PointCut().String())

	b.set(o, "arg", func(call goja.FunctionCall) goja.Value {
		v, err := inv.Arg(int(b.intArg(call, 0, 0)))
		b.check(err)
		return b.addr(v)
	})
	b.set(o, "setArg", func(call goja.FunctionCall) goja.Value {
		b.check(inv.SetArg(int(b.intArg(call, 0, 0)), uintptr(b.intArg(call, 1, 0))))
		return goja.Undefined()
	})
	b.set(o, "retval", func(goja.FunctionCall) goja.Value {
		v, err := inv.ReturnValue()
		b.check(err)
		return b.addr(v)
	})
	b.set(o, "setRetval", func(call goja.FunctionCall) goja.Value {
		b.check(inv.SetReturnValue(uintptr(b.intArg(call, 0, 0))))
		return goja.Undefined()
	})
	b.set(o, "reg", func(call goja.FunctionCall) goja.Value {
		v, err := inv.Register(b.stringArg(call, 0))
		b.check(err)
		return b.value(v)
	})
	b.set(o, "setReg", func(call goja.FunctionCall) goja.Value {
		b.check(inv.SetRegister(b.stringArg(call, 0), uint64(b.intArg(call, 1, 0))))
		return goja.Undefined()
	})
	b.set(o, "registers", func(goja.FunctionCall) goja.Value {
		names, err := inv.Registers()
		b.check(err)
		return b.vm.ToValue(names)
	})
	b.set(o, "get", func(call goja.FunctionCall) goja.Value {
		v, ok := inv.Load(b.stringArg(call, 0))
		if !ok {
			return goja.Undefined()
		}
		return b.vm.ToValue(v)
	})
	b.set(o, "set", func(call goja.FunctionCall) goja.Value {
		b.check(inv.Store(b.stringArg(call, 0), call.Argument(1).Export()))
		return goja.Undefined()
	})
	b.set(o, "delete", func(call goja.FunctionCall) goja.Value {
		inv.Delete(b.stringArg(call, 0))
		return goja.Undefined()
	})
	return o
}
