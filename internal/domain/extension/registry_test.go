package extension

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/hookhost/internal/domain/address"
	"github.com/GriffinCanCode/hookhost/internal/shared/errs"
)

type fakeResolver struct {
	records []address.Record
	addr    uintptr
}

func (f *fakeResolver) ResolveOrRegister(rec address.Record) (uintptr, error) {
	f.records = append(f.records, rec)
	if f.addr == 0 {
		return 0, errs.ErrNotFound
	}
	return f.addr, nil
}

type fakeSingletons map[string]uintptr

func (f fakeSingletons) Get(name string) (uintptr, error) {
	if addr, ok := f[name]; ok {
		return addr, nil
	}
	return 0, errs.ErrNotFound
}

type closeRecorder struct {
	name   string
	closed *[]string
}

func (c closeRecorder) Close(context.Context) error {
	*c.closed = append(*c.closed, c.name)
	return nil
}

// fakeLoader runs a per-name entry in place of a real module
type fakeLoader struct {
	entries map[string]EntryFunc
	closed  []string
}

func (f *fakeLoader) Ext() string { return ".ext" }

func (f *fakeLoader) Load(ctx context.Context, name, _ string, api *API) (Module, int32, error) {
	entry, ok := f.entries[name]
	if !ok {
		return nil, 0, errors.New("corrupt module")
	}
	return closeRecorder{name: name, closed: &f.closed}, entry(ctx, api), nil
}

func constant(v uint64) Function {
	return FunctionFunc(func(context.Context, ...uint64) ([]uint64, error) {
		return []uint64{v}, nil
	})
}

func TestInstallCommitsContributions(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(nil, nil, nil)

	err := reg.Install(ctx, "math", func(_ context.Context, api *API) int32 {
		assert.Equal(t, uint32(ABIVersion), api.Version)
		api.AddFunction("math.answer", constant(42))
		return 0
	})
	require.NoError(t, err)

	assert.True(t, reg.HasExtension("math"))
	fn, err := reg.GetFunction("math.answer")
	require.NoError(t, err)
	out, err := fn.Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{42}, out)

	infos := reg.Extensions()
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Loaded)
	assert.Equal(t, []string{"math.answer"}, infos[0].Functions)
	assert.NotEmpty(t, infos[0].ID)
}

func TestFailedEntryContributesNothing(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(nil, nil, nil)

	var notified bool
	err := reg.Install(ctx, "broken", func(_ context.Context, api *API) int32 {
		api.AddFunction("broken.fn", constant(1))
		api.OnSandboxCreated(func(context.Context, uint64) { notified = true })
		return 3
	})
	require.Error(t, err)

	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, int32(3), initErr.Code)
	assert.ErrorIs(t, err, errs.ErrNativeFailure)

	assert.False(t, reg.HasExtension("broken"))
	_, err = reg.GetFunction("broken.fn")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.Empty(t, reg.Functions())
	assert.Contains(t, reg.Failed(), "broken")

	reg.NotifyCreated(ctx, 7)
	assert.False(t, notified)
}

func TestPanickingEntryIsRecordedAsFailure(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(nil, nil, nil)

	err := reg.Install(ctx, "crashy", func(_ context.Context, api *API) int32 {
		api.AddFunction("crashy.fn", constant(1))
		panic("unresolved import")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrNativeFailure)
	assert.Contains(t, err.Error(), "crashy panicked")

	assert.False(t, reg.HasExtension("crashy"))
	_, err = reg.GetFunction("crashy.fn")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.Contains(t, reg.Failed(), "crashy")

	require.NoError(t, reg.Install(ctx, "math", func(_ context.Context, api *API) int32 {
		api.AddFunction("math.answer", constant(42))
		return 0
	}))
	assert.True(t, reg.HasExtension("math"))
}

func TestSharedFunctionNamespace(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(nil, nil, nil)

	require.NoError(t, reg.Install(ctx, "a", func(_ context.Context, api *API) int32 {
		api.AddFunction("shared.seven", constant(7))
		return 0
	}))

	var got []uint64
	require.NoError(t, reg.Install(ctx, "b", func(ctx context.Context, api *API) int32 {
		fn, ok := api.GetFunction("shared.seven")
		if !ok {
			return 1
		}
		got, _ = fn.Call(ctx)
		api.AddFunction("b.local", constant(1))
		if _, ok := api.GetFunction("b.local"); !ok {
			return 2
		}
		return 0
	}))

	assert.Equal(t, []uint64{7}, got)
	assert.Equal(t, []string{"b.local", "shared.seven"}, reg.Functions())
}

func TestCapabilitiesReachHostServices(t *testing.T) {
	ctx := context.Background()
	resolver := &fakeResolver{addr: 0x401000}
	reg := NewRegistry(resolver, fakeSingletons{"World": 0x7000}, nil)

	require.NoError(t, reg.Install(ctx, "probe", func(_ context.Context, api *API) int32 {
		addr, err := api.GetOrResolveAddress("Tick", "55 8B EC", 4)
		if err != nil || addr != 0x401000 {
			return 1
		}
		if w, ok := api.GetSingleton("World"); !ok || w != 0x7000 {
			return 2
		}
		if _, ok := api.GetSingleton("Missing"); ok {
			return 3
		}
		api.Log(LogInfo, "ready")
		return 0
	}))

	require.Len(t, resolver.records, 1)
	assert.Equal(t, address.Record{Name: "Tick", Pattern: "55 8B EC", Offset: 4}, resolver.records[0])
}

func TestLifecycleNotifications(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(nil, nil, nil)

	var events []string
	require.NoError(t, reg.Install(ctx, "watcher", func(_ context.Context, api *API) int32 {
		api.OnSandboxCreated(func(_ context.Context, state uint64) {
			panic("boom")
		})
		api.OnSandboxCreated(func(_ context.Context, state uint64) {
			events = append(events, "created")
			assert.Equal(t, uint64(99), state)
		})
		api.OnSandboxDestroyed(func(_ context.Context, state uint64) {
			events = append(events, "destroyed")
		})
		return 0
	}))

	reg.NotifyCreated(ctx, 99)
	reg.NotifyDestroyed(ctx, 99)
	assert.Equal(t, []string{"created", "destroyed"}, events)
}

func TestLoadDirContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	for _, name := range []string{"alpha.ext", "beta.ext", "corrupt.ext", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	loader := &fakeLoader{entries: map[string]EntryFunc{
		"alpha": func(_ context.Context, api *API) int32 {
			api.AddFunction("alpha.fn", constant(1))
			return 0
		},
		"beta": func(_ context.Context, api *API) int32 {
			api.AddFunction("beta.fn", constant(2))
			return 3
		},
	}}

	reg := NewRegistry(nil, nil, nil)
	stats, err := reg.LoadDir(ctx, dir, loader)
	require.NoError(t, err)
	assert.Equal(t, LoadStats{Total: 3, Loaded: 1}, stats)

	assert.True(t, reg.HasExtension("alpha"))
	assert.False(t, reg.HasExtension("beta"))
	assert.Equal(t, []string{"alpha.fn"}, reg.Functions())
	assert.Len(t, reg.Failed(), 2)
	// sha256("x")
	assert.Equal(t, "2d711642b726b04401627ca9fbac32f5c8530fb1903cc4db02258717921a4881", reg.Extensions()[0].Hash)
	// beta was instantiated, so its module is released again
	assert.Equal(t, []string{"beta"}, loader.closed)

	// a second scan skips what already loaded
	stats, err = reg.LoadDir(ctx, dir, loader)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)

	require.NoError(t, reg.Close(ctx))
	assert.Equal(t, []string{"beta", "beta", "alpha"}, loader.closed)
	assert.False(t, reg.HasExtension("alpha"))
}

func TestLoadDirMissing(t *testing.T) {
	reg := NewRegistry(nil, nil, nil)
	stats, err := reg.LoadDir(context.Background(), filepath.Join(t.TempDir(), "nope"), &fakeLoader{})
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestCloseReverseOrder(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	for _, name := range []string{"a.ext", "b.ext", "c.ext"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	ok := func(context.Context, *API) int32 { return 0 }
	loader := &fakeLoader{entries: map[string]EntryFunc{"a": ok, "b": ok, "c": ok}}

	reg := NewRegistry(nil, nil, nil)
	_, err := reg.LoadDir(ctx, dir, loader)
	require.NoError(t, err)

	require.NoError(t, reg.Close(ctx))
	assert.Equal(t, []string{"c", "b", "a"}, loader.closed)
}
