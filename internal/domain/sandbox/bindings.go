package sandbox

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/hookhost/internal/shared/errs"
)

// binder installs the script surface of one sandbox
type binder struct {
	m    *Manager
	sb   *Sandbox
	vm   *goja.Runtime
	errs []error
}

func (m *Manager) installBindings(sb *Sandbox) error {
	b := &binder{m: m, sb: sb, vm: sb.vm}

	for _, name := range []string{"require", "process", "module", "exports"} {
		b.global(name, goja.Undefined())
	}

	b.bindCore()
	b.bindLogging()
	b.bindAddresses()
	b.bindMemory()
	b.bindInterceptor()
	b.bindShared()
	b.bindSingletons()
	b.bindExtensions()
	b.bindNative()

	return errors.Join(b.errs...)
}

// ============================================================================
// Helpers
// ============================================================================

func (b *binder) global(name string, v any) {
	if err := b.vm.Set(name, v); err != nil {
		b.errs = append(b.errs, fmt.Errorf("global %s: %w", name, err))
	}
}

func (b *binder) set(obj *goja.Object, name string, v any) {
	if err := obj.Set(name, v); err != nil {
		b.errs = append(b.errs, fmt.Errorf("property %s: %w", name, err))
	}
}

// throw raises err as a script exception
func (b *binder) throw(err error) {
	panic(b.vm.NewGoError(err))
}

func (b *binder) check(err error) {
	if err != nil {
		b.throw(err)
	}
}

func (b *binder) invalid(format string, args ...any) {
	b.throw(fmt.Errorf("%w: %s", errs.ErrInvalidArgument, fmt.Sprintf(format, args...)))
}

func missing(v goja.Value) bool {
	return v == nil || goja.IsUndefined(v) || goja.IsNull(v)
}

func (b *binder) addrArg(call goja.FunctionCall, i int) uintptr {
	v := call.Argument(i)
	if missing(v) {
		b.invalid("argument %d must be an address", i)
	}
	n := v.ToInteger()
	if n < 0 {
		b.invalid("argument %d is a negative address", i)
	}
	return uintptr(n)
}

func (b *binder) intArg(call goja.FunctionCall, i int, def int64) int64 {
	v := call.Argument(i)
	if missing(v) {
		return def
	}
	return v.ToInteger()
}

func (b *binder) stringArg(call goja.FunctionCall, i int) string {
	v := call.Argument(i)
	if missing(v) {
		b.invalid("argument %d must be a string", i)
	}
	return v.String()
}

func (b *binder) funcArg(call goja.FunctionCall, i int) goja.Callable {
	fn, ok := goja.AssertFunction(call.Argument(i))
	if !ok {
		b.invalid("argument %d must be a function", i)
	}
	return fn
}

// value converts a Go value into a script value, keeping addresses numeric
func (b *binder) value(v any) goja.Value {
	switch n := v.(type) {
	case nil:
		return goja.Null()
	case uintptr:
		return b.vm.ToValue(int64(n))
	case uint64:
		if n <= 1<<63-1 {
			return b.vm.ToValue(int64(n))
		}
		return b.vm.ToValue(float64(n))
	}
	return b.vm.ToValue(v)
}

func (b *binder) addr(a uintptr) goja.Value { return b.vm.ToValue(int64(a)) }

// format renders script values for logging
func format(args []goja.Value) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = formatValue(a)
	}
	return strings.Join(parts, " ")
}

func formatValue(v goja.Value) string {
	if missing(v) {
		if v == nil {
			return "undefined"
		}
		return v.String()
	}
	if _, isFn := goja.AssertFunction(v); !isFn {
		if _, isObj := v.(*goja.Object); isObj {
			if s, err := sonic.MarshalString(v.Export()); err == nil {
				return s
			}
		}
	}
	return v.String()
}

// ============================================================================
// core
// ============================================================================

func (b *binder) bindCore() {
	core := b.vm.NewObject()
	sb := b.sb

	b.set(core, "name", sb.name)
	b.set(core, "id", sb.id.String())
	b.set(core, "version", b.m.cfg.Version)
	b.set(core, "virtual", sb.virtual)

	b.set(core, "on", func(call goja.FunctionCall) goja.Value {
		event := b.stringArg(call, 0)
		sb.handlers[event] = append(sb.handlers[event], b.funcArg(call, 1))
		return goja.Undefined()
	})
	b.set(core, "onDestroy", func(call goja.FunctionCall) goja.Value {
		sb.finalizer = b.funcArg(call, 0)
		return goja.Undefined()
	})
	b.set(core, "sandboxes", func(goja.FunctionCall) goja.Value {
		list := b.m.snapshot()
		out := make([]any, 0, len(list))
		for _, other := range list {
			info := other.Info()
			out = append(out, map[string]any{
				"id":      info.ID,
				"name":    info.Name,
				"virtual": info.Virtual,
				"state":   info.State,
				"hooks":   info.Hooks,
				"patches": info.Patches,
			})
		}
		return b.vm.ToValue(out)
	})
	b.set(core, "lastError", func(goja.FunctionCall) goja.Value {
		entry, ok := b.m.deps.LastError.Get()
		if !ok {
			return goja.Null()
		}
		return b.vm.ToValue(map[string]any{
			"source":  entry.Source,
			"message": entry.Message,
			"at":      entry.At.UnixMilli(),
		})
	})
	b.set(core, "requireVersion", func(call goja.FunctionCall) goja.Value {
		want := b.stringArg(call, 0)
		if compareVersions(b.m.cfg.Version, want) < 0 {
			b.throw(fmt.Errorf("%w: script requires version %s, host is %s",
				errs.ErrInvalidArgument, want, b.m.cfg.Version))
		}
		return goja.Undefined()
	})

	b.global("core", core)
}

// compareVersions compares dotted numeric versions; missing parts count as 0
func compareVersions(a, c string) int {
	pa := strings.Split(strings.TrimPrefix(a, "v"), ".")
	pc := strings.Split(strings.TrimPrefix(c, "v"), ".")
	for i := 0; i < max(len(pa), len(pc)); i++ {
		var x, y int
		if i < len(pa) {
			x, _ = strconv.Atoi(pa[i])
		}
		if i < len(pc) {
			y, _ = strconv.Atoi(pc[i])
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}

// ============================================================================
// log, print, console
// ============================================================================

func (b *binder) logFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		msg := format(call.Arguments)
		logger := b.sb.logger
		switch level {
		case "trace":
			logger.Debug(msg, zap.Bool("trace", true))
		case "debug":
			logger.Debug(msg)
		case "warn":
			logger.Warn(msg)
		case "error":
			logger.Error(msg)
		default:
			logger.Info(msg)
		}
		return goja.Undefined()
	}
}

func (b *binder) bindLogging() {
	log := b.vm.NewObject()
	for _, level := range []string{"trace", "debug", "info", "warn", "error"} {
		b.set(log, level, b.logFunc(level))
	}
	b.global("log", log)

	console := b.vm.NewObject()
	b.set(console, "log", b.logFunc("info"))
	b.set(console, "info", b.logFunc("info"))
	b.set(console, "debug", b.logFunc("debug"))
	b.set(console, "warn", b.logFunc("warn"))
	b.set(console, "error", b.logFunc("error"))
	b.global("console", console)

	b.global("print", b.logFunc("info"))
}
