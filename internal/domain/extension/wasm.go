package extension

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/hookhost/internal/shared/errs"
)

// HostModule is the import module name wasm extensions link against
const HostModule = "hookhost_v1"

const wasmMIME = "application/wasm"

// WasmLoader loads .wasm extension modules into a shared wazero runtime
type WasmLoader struct {
	runtime  wazero.Runtime
	mu       sync.Mutex
	bindings map[string]*binding
	logger   *zap.Logger
}

// binding ties a guest instance to the capability table of its entry call
type binding struct {
	api     *API
	lock    *moduleLock
	mu      sync.Mutex
	handles []Function
}

// NewWasmLoader creates a runtime with WASI and the host module installed
func NewWasmLoader(ctx context.Context, logger *zap.Logger) (*WasmLoader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &WasmLoader{
		runtime:  wazero.NewRuntime(ctx),
		bindings: make(map[string]*binding),
		logger:   logger.Named("wasm"),
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, l.runtime); err != nil {
		_ = l.runtime.Close(ctx)
		return nil, errs.Native("instantiate wasi", err)
	}
	if err := l.instantiateHost(ctx); err != nil {
		_ = l.runtime.Close(ctx)
		return nil, errs.Native("instantiate host module", err)
	}
	return l, nil
}

// Ext implements Loader
func (l *WasmLoader) Ext() string { return ".wasm" }

// Load implements Loader
func (l *WasmLoader) Load(ctx context.Context, name, path string, capabilities *API) (Module, int32, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if !mt.Is(wasmMIME) {
		return nil, 0, fmt.Errorf("%s is %s, not a wasm module: %w", path, mt.String(), errs.ErrInvalidArgument)
	}

	bin, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read %s: %w", path, err)
	}

	compiled, err := l.runtime.CompileModule(ctx, bin)
	if err != nil {
		return nil, 0, errs.Native("compile "+name, err)
	}
	if _, ok := compiled.ExportedFunctions()[EntrySymbol]; !ok {
		_ = compiled.Close(ctx)
		return nil, 0, fmt.Errorf("%s does not export %s: %w", name, EntrySymbol, errs.ErrNotFound)
	}

	instance := name + "-" + uuid.NewString()
	b := &binding{api: capabilities, lock: &moduleLock{name: instance}}
	l.mu.Lock()
	l.bindings[instance] = b
	l.mu.Unlock()

	cfg := wazero.NewModuleConfig().
		WithName(instance).
		WithStartFunctions("_initialize").
		WithStdout(os.Stderr).
		WithStderr(os.Stderr)

	mod, err := l.runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		l.unbind(instance)
		_ = compiled.Close(ctx)
		return nil, 0, errs.Native("instantiate "+name, err)
	}
	wm := &wasmModule{loader: l, instance: instance, mod: mod, compiled: compiled}

	callCtx, unlock := b.lock.acquire(ctx)
	results, err := mod.ExportedFunction(EntrySymbol).Call(callCtx, ABIVersion)
	unlock()
	if err != nil {
		return wm, 0, errs.Native(EntrySymbol, err)
	}
	if len(results) == 0 {
		return wm, 0, fmt.Errorf("%s returned no status: %w", EntrySymbol, errs.ErrNativeFailure)
	}

	l.logger.Debug("Module instantiated",
		zap.String("extension", name),
		zap.String("instance", instance))
	return wm, int32(uint32(results[0])), nil
}

// Close shuts the runtime down, closing every module still instantiated
func (l *WasmLoader) Close(ctx context.Context) error {
	l.mu.Lock()
	l.bindings = make(map[string]*binding)
	l.mu.Unlock()
	return l.runtime.Close(ctx)
}

func (l *WasmLoader) binding(instance string) *binding {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bindings[instance]
}

func (l *WasmLoader) unbind(instance string) {
	l.mu.Lock()
	delete(l.bindings, instance)
	l.mu.Unlock()
}

type wasmModule struct {
	loader   *WasmLoader
	instance string
	mod      api.Module
	compiled wazero.CompiledModule
}

func (m *wasmModule) Close(ctx context.Context) error {
	m.loader.unbind(m.instance)
	return errors.Join(m.mod.Close(ctx), m.compiled.Close(ctx))
}

// ============================================================================
// Guest calls
// ============================================================================

type moduleKey string

// moduleLock serializes calls into one guest instance. A call made while
// the same instance is already on the stack re-enters without locking.
type moduleLock struct {
	name string
	mu   sync.Mutex
}

func (ml *moduleLock) acquire(ctx context.Context) (context.Context, func()) {
	if ctx.Value(moduleKey(ml.name)) != nil {
		return ctx, func() {}
	}
	ml.mu.Lock()
	return context.WithValue(ctx, moduleKey(ml.name), true), ml.mu.Unlock
}

// guestFunction calls an export of a guest instance
type guestFunction struct {
	mod    api.Module
	export string
	lock   *moduleLock
}

func (g *guestFunction) Call(ctx context.Context, args ...uint64) ([]uint64, error) {
	if g.mod.IsClosed() {
		return nil, fmt.Errorf("%s.%s: module closed: %w", g.mod.Name(), g.export, errs.ErrNativeFailure)
	}
	ctx, unlock := g.lock.acquire(ctx)
	defer unlock()

	fn := g.mod.ExportedFunction(g.export)
	if fn == nil {
		return nil, fmt.Errorf("%s.%s: %w", g.mod.Name(), g.export, errs.ErrNotFound)
	}
	results, err := fn.Call(ctx, args...)
	if err != nil {
		return nil, errs.Native(g.export, err)
	}
	return results, nil
}

// ============================================================================
// Host module
// ============================================================================

const (
	statusOK    uint32 = 0
	statusError uint32 = 1
)

func readString(m api.Module, ptr, length uint32) (string, bool) {
	mem := m.Memory()
	if mem == nil {
		return "", false
	}
	buf, ok := mem.Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(buf), true
}

func (l *WasmLoader) instantiateHost(ctx context.Context) error {
	_, err := l.runtime.NewHostModuleBuilder(HostModule).
		NewFunctionBuilder().WithFunc(l.hostAddFunction).Export("add_function").
		NewFunctionBuilder().WithFunc(l.hostGetFunction).Export("get_function").
		NewFunctionBuilder().WithFunc(l.hostCallFunction).Export("call_function").
		NewFunctionBuilder().WithFunc(l.hostGetSingleton).Export("get_singleton").
		NewFunctionBuilder().WithFunc(l.hostResolveAddress).Export("get_or_resolve_address").
		NewFunctionBuilder().WithFunc(l.hostLog).Export("log").
		NewFunctionBuilder().WithFunc(l.hostOnCreated).Export("on_sandbox_created").
		NewFunctionBuilder().WithFunc(l.hostOnDestroyed).Export("on_sandbox_destroyed").
		Instantiate(ctx)
	return err
}

// add_function(name_ptr, name_len, export_ptr, export_len) -> status
func (l *WasmLoader) hostAddFunction(_ context.Context, m api.Module, namePtr, nameLen, exportPtr, exportLen uint32) uint32 {
	b := l.binding(m.Name())
	if b == nil {
		return statusError
	}
	name, ok1 := readString(m, namePtr, nameLen)
	export, ok2 := readString(m, exportPtr, exportLen)
	if !ok1 || !ok2 || name == "" {
		return statusError
	}
	if m.ExportedFunction(export) == nil {
		l.logger.Warn("add_function names a missing export",
			zap.String("instance", m.Name()),
			zap.String("export", export))
		return statusError
	}
	b.api.AddFunction(name, &guestFunction{mod: m, export: export, lock: b.lock})
	return statusOK
}

// get_function(name_ptr, name_len) -> handle, 0 when missing
func (l *WasmLoader) hostGetFunction(_ context.Context, m api.Module, namePtr, nameLen uint32) uint32 {
	b := l.binding(m.Name())
	if b == nil {
		return 0
	}
	name, ok := readString(m, namePtr, nameLen)
	if !ok {
		return 0
	}
	fn, found := b.api.GetFunction(name)
	if !found {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handles = append(b.handles, fn)
	return uint32(len(b.handles))
}

// call_function(handle, args_ptr, nargs, ret_ptr) -> status
func (l *WasmLoader) hostCallFunction(ctx context.Context, m api.Module, handle, argsPtr, nargs, retPtr uint32) uint32 {
	b := l.binding(m.Name())
	if b == nil {
		return statusError
	}
	b.mu.Lock()
	if handle == 0 || int(handle) > len(b.handles) {
		b.mu.Unlock()
		return statusError
	}
	fn := b.handles[handle-1]
	b.mu.Unlock()

	mem := m.Memory()
	if mem == nil {
		return statusError
	}
	args := make([]uint64, nargs)
	for i := range args {
		v, ok := mem.ReadUint64Le(argsPtr + uint32(i)*8)
		if !ok {
			return statusError
		}
		args[i] = v
	}

	results, err := fn.Call(ctx, args...)
	if err != nil {
		l.logger.Debug("call_function failed", zap.String("instance", m.Name()), zap.Error(err))
		return statusError
	}
	var ret uint64
	if len(results) > 0 {
		ret = results[0]
	}
	if retPtr != 0 && !mem.WriteUint64Le(retPtr, ret) {
		return statusError
	}
	return statusOK
}

// get_singleton(name_ptr, name_len) -> address, 0 when missing
func (l *WasmLoader) hostGetSingleton(_ context.Context, m api.Module, namePtr, nameLen uint32) uint64 {
	b := l.binding(m.Name())
	if b == nil {
		return 0
	}
	name, ok := readString(m, namePtr, nameLen)
	if !ok {
		return 0
	}
	addr, found := b.api.GetSingleton(name)
	if !found {
		return 0
	}
	return uint64(addr)
}

// get_or_resolve_address(name_ptr, name_len, pattern_ptr, pattern_len, offset) -> address, 0 on failure
func (l *WasmLoader) hostResolveAddress(_ context.Context, m api.Module, namePtr, nameLen, patPtr, patLen uint32, offset int64) uint64 {
	b := l.binding(m.Name())
	if b == nil {
		return 0
	}
	name, ok1 := readString(m, namePtr, nameLen)
	pattern, ok2 := readString(m, patPtr, patLen)
	if !ok1 || !ok2 {
		return 0
	}
	addr, err := b.api.GetOrResolveAddress(name, pattern, offset)
	if err != nil {
		b.api.Log(LogWarn, fmt.Sprintf("resolve %s failed: %v", name, err))
		return 0
	}
	return uint64(addr)
}

// log(level, msg_ptr, msg_len)
func (l *WasmLoader) hostLog(_ context.Context, m api.Module, level, msgPtr, msgLen uint32) {
	b := l.binding(m.Name())
	if b == nil {
		return
	}
	msg, ok := readString(m, msgPtr, msgLen)
	if !ok {
		return
	}
	b.api.Log(LogLevel(level), msg)
}

// on_sandbox_created(export_ptr, export_len) -> status
func (l *WasmLoader) hostOnCreated(_ context.Context, m api.Module, exportPtr, exportLen uint32) uint32 {
	return l.lifecycle(m, exportPtr, exportLen, true)
}

// on_sandbox_destroyed(export_ptr, export_len) -> status
func (l *WasmLoader) hostOnDestroyed(_ context.Context, m api.Module, exportPtr, exportLen uint32) uint32 {
	return l.lifecycle(m, exportPtr, exportLen, false)
}

func (l *WasmLoader) lifecycle(m api.Module, exportPtr, exportLen uint32, created bool) uint32 {
	b := l.binding(m.Name())
	if b == nil {
		return statusError
	}
	export, ok := readString(m, exportPtr, exportLen)
	if !ok || m.ExportedFunction(export) == nil {
		return statusError
	}

	guest := &guestFunction{mod: m, export: export, lock: b.lock}
	cb := func(ctx context.Context, state uint64) {
		if _, err := guest.Call(ctx, state); err != nil {
			l.logger.Warn("Lifecycle callback failed",
				zap.String("instance", m.Name()),
				zap.String("export", export),
				zap.Error(err))
		}
	}
	if created {
		b.api.OnSandboxCreated(cb)
	} else {
		b.api.OnSandboxDestroyed(cb)
	}
	return statusOK
}
