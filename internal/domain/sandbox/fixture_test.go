package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/GriffinCanCode/hookhost/internal/domain/address"
	"github.com/GriffinCanCode/hookhost/internal/domain/extension"
	"github.com/GriffinCanCode/hookhost/internal/domain/ffi"
	"github.com/GriffinCanCode/hookhost/internal/domain/hook"
	"github.com/GriffinCanCode/hookhost/internal/domain/hook/soft"
	"github.com/GriffinCanCode/hookhost/internal/domain/memory"
	"github.com/GriffinCanCode/hookhost/internal/domain/singleton"
	"github.com/GriffinCanCode/hookhost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/hookhost/internal/shared/errs"
)

const (
	codeBase = 0x7ff600000000
	dataBase = 0x7ff610000000
	strBase  = 0x7ff620000000
)

type memSettings struct {
	mu       sync.Mutex
	disabled map[string]bool
}

func (s *memSettings) IsDisabled(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disabled[name]
}

func (s *memSettings) SetDisabled(name string, disabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled[name] = disabled
	return nil
}

type fixture struct {
	m          *Manager
	engine     *soft.Engine
	dispatcher *hook.Dispatcher
	extensions *extension.Registry
	singletons *singleton.Registry
	patcher    *memory.Patcher
	data       *memory.Buffer
	settings   *memSettings
	lastErr    *errs.LastError
	logs       *observer.ObservedLogs
	dir        string
	add        uintptr
}

type option func(*Config)

func withTimeout(d time.Duration) option { return func(c *Config) { c.LoadTimeout = d } }

func newFixture(t *testing.T, opts ...option) *fixture {
	t.Helper()
	ctx := context.Background()

	code := memory.NewBuffer(codeBase, memory.PageSize, memory.ProtRX)
	data := memory.NewBuffer(dataBase, 2*memory.PageSize, memory.ProtRW)
	strs := memory.NewBuffer(strBase, memory.PageSize, memory.ProtRW)
	acc := memory.NewAccessor(memory.NewComposite(code, data, strs))

	engine := soft.New(code).WithStringArena(strs)
	add := engine.MustDefine("add", []byte{0x48, 0x8D, 0x04, 0x11, 0xC3}, func(_ context.Context, args []uintptr) uintptr {
		return args[0] + args[1]
	})

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())

	resolver := address.NewResolver(acc, code.Region(), logger).WithMetrics(metrics)
	singletons := singleton.NewRegistry(resolver, acc, logger)
	dispatcher := hook.NewDispatcher(engine, logger).WithMetrics(metrics)
	extensions := extension.NewRegistry(resolver, singletons, logger).WithMetrics(metrics)
	require.NoError(t, ffi.Install(ctx, extensions, engine))

	cfg := Config{ScriptDir: t.TempDir(), LoadTimeout: 2 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}

	f := &fixture{
		engine:     engine,
		dispatcher: dispatcher,
		extensions: extensions,
		singletons: singletons,
		patcher:    memory.NewPatcher(acc),
		data:       data,
		settings:   &memSettings{disabled: make(map[string]bool)},
		lastErr:    &errs.LastError{},
		logs:       logs,
		dir:        cfg.ScriptDir,
		add:        add,
	}
	f.m = NewManager(cfg, Deps{
		Accessor:   acc,
		Patcher:    f.patcher,
		Resolver:   resolver,
		Dispatcher: dispatcher,
		Extensions: extensions,
		Singletons: singletons,
		Caller:     engine,
		Settings:   f.settings,
		LastError:  f.lastErr,
		Metrics:    metrics,
		Logger:     logger,
	})
	t.Cleanup(func() { _ = f.m.Close(context.Background()) })
	return f
}

// script substitutes the fixture addresses into src
func (f *fixture) script(src string) string {
	return fmt.Sprintf("var ADD = %d, DATA = %d;\n%s", f.add, dataBase, src)
}

func (f *fixture) writeScript(t *testing.T, name, src string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, name+".js"), []byte(f.script(src)), 0o644))
}

func (f *fixture) call(t *testing.T, args ...uintptr) uintptr {
	t.Helper()
	r, err := f.engine.Call(context.Background(), f.add, args...)
	require.NoError(t, err)
	return r
}

func (f *fixture) shared(t *testing.T, key string) any {
	t.Helper()
	v, ok, err := f.m.Shared().Get(key)
	require.NoError(t, err)
	require.True(t, ok, "shared key %s not set", key)
	return v
}

// eval runs src inside sb and exports the result
func eval(t *testing.T, sb *Sandbox, src string) any {
	t.Helper()
	out, err := try(t, sb, src)
	require.NoError(t, err)
	return out
}

// try is eval without the error assertion
func try(t *testing.T, sb *Sandbox, src string) (any, error) {
	t.Helper()
	var out any
	alive, err := sb.Enter(context.Background(), func(context.Context) error {
		v, err := sb.vm.RunString(src)
		if err == nil {
			out = v.Export()
		}
		return err
	})
	require.True(t, alive)
	return out, err
}
