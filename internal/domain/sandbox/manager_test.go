package sandbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/hookhost/internal/domain/extension"
	"github.com/GriffinCanCode/hookhost/internal/shared/errs"
)

func TestCreateVirtual(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sb, err := f.m.CreateVirtual(ctx, "console", `var greeting = "hi " + core.name;`)
	require.NoError(t, err)

	assert.Equal(t, "virtual:console", sb.Name())
	assert.True(t, sb.Virtual())
	assert.Equal(t, StateActive, sb.State())
	assert.Equal(t, "hi virtual:console", eval(t, sb, "greeting"))
	assert.Len(t, sb.Info().Hash, 64)

	got, err := f.m.Get(sb.ID())
	require.NoError(t, err)
	assert.Same(t, sb, got)
}

func TestHooksReleasedOnDestroy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sb, err := f.m.CreateVirtual(ctx, "hooks", f.script(`
		Interceptor.attach(ADD, {
			onEnter: function (c) { c.set("a", c.arg(0)); },
			onLeave: function (c) { c.setRetval(c.retval() + c.get("a") * 100); }
		});
		Interceptor.attach(ADD, { onEnter: function (c) { c.setArg(1, 10); } });
	`))
	require.NoError(t, err)

	assert.Len(t, sb.Hooks(), 2)
	assert.Equal(t, 1, f.engine.Listeners())
	assert.Equal(t, uintptr(2+10+200), f.call(t, 2, 3))

	require.NoError(t, f.m.Remove(ctx, sb.ID()))
	assert.Equal(t, StateGone, sb.State())
	assert.Zero(t, f.dispatcher.RegistrationCount())
	assert.Zero(t, f.engine.Listeners())
	assert.Equal(t, uintptr(5), f.call(t, 2, 3))

	_, err = f.m.Get(sb.ID())
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.ErrorIs(t, f.m.Remove(ctx, sb.ID()), errs.ErrNotFound)
}

func TestDestroyOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	type observed struct{ regs, patches int }
	var atNotify []observed
	require.NoError(t, f.extensions.Install(ctx, "observer", func(_ context.Context, api *extension.API) int32 {
		api.OnSandboxDestroyed(func(context.Context, uint64) {
			atNotify = append(atNotify, observed{f.dispatcher.RegistrationCount(), f.patcher.Len()})
		})
		return 0
	}))

	sb, err := f.m.CreateVirtual(ctx, "teardown", f.script(`
		Interceptor.attach(ADD, { onEnter: function () {} });
		Memory.patch(DATA + 0x10, [1, 2, 3]);
		Memory.patchNop(DATA + 0x40, 4);
		core.onDestroy(function () {
			SharedState.set("final", {
				hooks: Interceptor.handles().length,
				byte: Memory.readU8(DATA + 0x10)
			});
		});
	`))
	require.NoError(t, err)
	assert.Len(t, sb.Patches(), 2)

	require.NoError(t, f.m.Remove(ctx, sb.ID()))

	// finalizer saw hooks and patches still in place
	assert.Equal(t, map[string]any{"hooks": float64(1), "byte": float64(1)}, f.shared(t, "final"))
	// the extension was told last
	assert.Equal(t, []observed{{0, 0}}, atNotify)

	restored, err := f.data.Read(dataBase, 0x50)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 0x50), restored)
}

func TestReloadAllPreservesVirtual(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.writeScript(t, "camera", `Interceptor.attach(ADD, { onEnter: function () {} });`)
	stats, err := f.m.LoadDir(ctx)
	require.NoError(t, err)
	assert.Equal(t, LoadStats{Total: 1, Loaded: 1}, stats)

	virt, err := f.m.CreateVirtual(ctx, "repl", `var counter = 41; core.on("tick", function () { counter++; });`)
	require.NoError(t, err)
	require.NoError(t, f.m.Shared().Set("session", "old"))

	before := f.m.Find("camera")
	require.Len(t, before, 1)

	stats, err = f.m.ReloadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Loaded)

	after := f.m.Find("camera")
	require.Len(t, after, 1)
	assert.NotEqual(t, before[0].ID(), after[0].ID())
	assert.Equal(t, StateGone, before[0].State())
	assert.Equal(t, 1, f.dispatcher.RegistrationCount())

	got, err := f.m.Get(virt.ID())
	require.NoError(t, err)
	assert.Same(t, virt, got)
	f.m.Invoke(ctx, "tick")
	assert.EqualValues(t, 42, eval(t, virt, "counter"))

	assert.Zero(t, f.m.Shared().Len())

	names := make([]string, 0)
	for _, sb := range f.m.Sandboxes() {
		names = append(names, sb.Name())
	}
	assert.Equal(t, []string{"virtual:repl", "camera"}, names)
}

func TestFailingScriptStaysRegistered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.writeScript(t, "a_broken", `
		Interceptor.attach(ADD, { onEnter: function () {} });
		throw new Error("half way");
	`)
	f.writeScript(t, "b_fine", `var ok = true;`)

	stats, err := f.m.LoadDir(ctx)
	require.NoError(t, err)
	assert.Equal(t, LoadStats{Total: 2, Loaded: 1, Failed: 1}, stats)

	broken := f.m.Find("a_broken")
	require.Len(t, broken, 1)
	assert.Len(t, broken[0].Hooks(), 1)

	entry, ok := f.lastErr.Get()
	require.True(t, ok)
	assert.Equal(t, "a_broken", entry.Source)
	assert.Contains(t, entry.Message, "half way")

	_, err = f.m.ReloadAll(ctx)
	require.NoError(t, err)
	// the reloaded copy attached again, the old registration is gone
	assert.Equal(t, 1, f.dispatcher.RegistrationCount())
}

func TestInvokeIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.m.CreateVirtual(ctx, "one", `core.on("frame", function () { SharedState.set("one", true); });`)
	require.NoError(t, err)
	bad, err := f.m.CreateVirtual(ctx, "two", `core.on("frame", function () { throw new Error("boom"); });`)
	require.NoError(t, err)
	_, err = f.m.CreateVirtual(ctx, "three", `function frame() { SharedState.set("three", true); }`)
	require.NoError(t, err)
	_, err = f.m.CreateVirtual(ctx, "four", `var idle = true;`)
	require.NoError(t, err)

	res := f.m.Invoke(ctx, "frame")
	assert.Equal(t, 3, res.Called)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[bad.ID().String()], "boom")

	assert.Equal(t, true, f.shared(t, "one"))
	assert.Equal(t, true, f.shared(t, "three"))
}

func TestGoPanicInHandlerIsContained(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.extensions.Install(ctx, "crashy", func(_ context.Context, api *extension.API) int32 {
		api.AddFunction("crashy.index", extension.FunctionFunc(func(_ context.Context, args ...uint64) ([]uint64, error) {
			return []uint64{args[5]}, nil
		}))
		return 0
	}))

	native, err := f.m.CreateVirtual(ctx, "a_native", `core.on("tick", function () { callNative(ADD, [1], "i64"); });`)
	require.NoError(t, err)
	ext, err := f.m.CreateVirtual(ctx, "b_ext", `core.on("tick", function () { Extensions.call("crashy.index"); });`)
	require.NoError(t, err)
	_, err = f.m.CreateVirtual(ctx, "c_counter", `var n = 0; core.on("tick", function () { n++; SharedState.set("n", n); });`)
	require.NoError(t, err)

	res := f.m.Invoke(ctx, "tick")
	assert.Equal(t, 3, res.Called)
	require.Len(t, res.Errors, 2)
	assert.Contains(t, res.Errors[native.ID().String()], "native failure")
	assert.Contains(t, res.Errors[ext.ID().String()], "panicked")
	assert.Equal(t, float64(1), f.shared(t, "n"))

	// the panicking sandboxes keep working
	assert.Equal(t, int64(2), eval(t, ext, `1 + 1`))
	assert.Equal(t, 3, f.m.Invoke(ctx, "tick").Called)
	assert.Equal(t, float64(2), f.shared(t, "n"))
}

func TestGoPanicDuringLoadIsContained(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.extensions.Install(ctx, "crashy", func(_ context.Context, api *extension.API) int32 {
		api.AddFunction("crashy.nil", extension.FunctionFunc(func(context.Context, ...uint64) ([]uint64, error) {
			var m map[string]int
			m["x"] = 1
			return nil, nil
		}))
		return 0
	}))

	sb, err := f.m.CreateVirtual(ctx, "loader", `Extensions.call("crashy.nil");`)
	require.Error(t, err)
	require.NotNil(t, sb)
	assert.Contains(t, err.Error(), "panicked")
	assert.Len(t, f.m.Find(sb.Name()), 1)

	f.writeScript(t, "a_crash", `callNative(ADD, [1], "i64");`)
	f.writeScript(t, "b_fine", `var ok = true;`)
	stats, err := f.m.LoadDir(ctx)
	require.NoError(t, err)
	assert.Equal(t, LoadStats{Total: 2, Loaded: 1, Failed: 1}, stats)
	assert.Len(t, f.m.Find("b_fine"), 1)
}

func TestEnterRecoversPanics(t *testing.T) {
	f := newFixture(t)
	sb := virtual(t, f, "direct")

	alive, err := sb.Enter(context.Background(), func(context.Context) error {
		panic("boom")
	})
	assert.True(t, alive)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Len(t, f.logs.FilterMessage("Sandbox call panicked").All(), 1)

	// the execution lock was released
	assert.Equal(t, int64(3), eval(t, sb, `1 + 2`))
}

func TestDisableAndEnable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.writeScript(t, "aim", `var x = 1;`)
	f.writeScript(t, "esp", `var y = 2;`)
	require.NoError(t, f.settings.SetDisabled("esp", true))

	stats, err := f.m.LoadDir(ctx)
	require.NoError(t, err)
	assert.Equal(t, LoadStats{Total: 2, Loaded: 1, Disabled: 1}, stats)
	assert.Empty(t, f.m.Find("esp"))

	require.NoError(t, f.m.Enable(ctx, "esp"))
	assert.Len(t, f.m.Find("esp"), 1)
	assert.False(t, f.settings.IsDisabled("esp"))

	require.NoError(t, f.m.Disable(ctx, "aim"))
	assert.Empty(t, f.m.Find("aim"))
	assert.True(t, f.settings.IsDisabled("aim"))

	_, err = f.m.ReloadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, f.m.Find("aim"))
	assert.Len(t, f.m.Find("esp"), 1)

	assert.ErrorIs(t, f.m.Enable(ctx, "../outside"), errs.ErrInvalidArgument)
}

func TestWeakOwnerAfterRemoval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sb, err := f.m.CreateVirtual(ctx, "weak", `var x = 1;`)
	require.NoError(t, err)
	owner := ref{m: f.m, key: sb.key, name: sb.name}

	ran := false
	alive, err := owner.Enter(ctx, func(context.Context) error { ran = true; return nil })
	require.NoError(t, err)
	assert.True(t, alive)
	assert.True(t, ran)

	require.NoError(t, f.m.Remove(ctx, sb.ID()))

	ran = false
	alive, err = owner.Enter(ctx, func(context.Context) error { ran = true; return nil })
	assert.NoError(t, err)
	assert.False(t, alive)
	assert.False(t, ran)
}

func TestReentrantCallIntoOwnHook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.m.CreateVirtual(ctx, "reentrant", f.script(`
		var seen = -1;
		Interceptor.attach(ADD, { onEnter: function () { seen = core.sandboxes().length; } });
		var r = callNative(ADD, [{ type: "i64", value: 2 }, 3], "i64");
		SharedState.set("result", { r: r, seen: seen });
	`))
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"r": float64(5), "seen": float64(1)}, f.shared(t, "result"))
}

func TestConcurrentCallbacksAreSerialized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sb, err := f.m.CreateVirtual(ctx, "counter", f.script(`
		var count = 0;
		Interceptor.attach(ADD, {
			onEnter: function (c) { c.set("n", count); },
			onLeave: function (c) { count = c.get("n") + 1; }
		});
	`))
	require.NoError(t, err)

	const workers, calls = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < calls; i++ {
				_, _ = f.engine.Call(ctx, f.add, 1, 1)
			}
		}()
	}
	wg.Wait()

	// enter and leave of different threads interleave, so only the bound holds
	n := eval(t, sb, "count")
	assert.LessOrEqual(t, n, int64(workers*calls))
	assert.Greater(t, n, int64(0))
}

func TestLoadTimeout(t *testing.T) {
	f := newFixture(t, withTimeout(50*time.Millisecond))
	ctx := context.Background()

	sb, err := f.m.CreateVirtual(ctx, "spin", `for (;;) {}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
	require.NotNil(t, sb)

	// the runtime is usable again once the interrupt is cleared
	assert.EqualValues(t, 2, eval(t, sb, "1 + 1"))
}

func TestSyntaxErrorKeepsSandbox(t *testing.T) {
	f := newFixture(t)

	sb, err := f.m.CreateVirtual(context.Background(), "syntax", `function (`)
	require.Error(t, err)
	require.NotNil(t, sb)
	assert.Equal(t, 1, f.m.Len())
	assert.Equal(t, StateActive, sb.State())
}

func TestCloseDestroysEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.writeScript(t, "file", `Interceptor.attach(ADD, { onEnter: function () {} });`)
	_, err := f.m.LoadDir(ctx)
	require.NoError(t, err)
	_, err = f.m.CreateVirtual(ctx, "virt", f.script(`Interceptor.attach(ADD, { onLeave: function () {} });`))
	require.NoError(t, err)

	require.NoError(t, f.m.Close(ctx))
	assert.Zero(t, f.m.Len())
	assert.Zero(t, f.dispatcher.RegistrationCount())
	assert.Zero(t, f.engine.Listeners())
}
