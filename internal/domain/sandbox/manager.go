package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/hookhost/internal/domain/address"
	"github.com/GriffinCanCode/hookhost/internal/domain/extension"
	"github.com/GriffinCanCode/hookhost/internal/domain/ffi"
	"github.com/GriffinCanCode/hookhost/internal/domain/hook"
	"github.com/GriffinCanCode/hookhost/internal/domain/memory"
	"github.com/GriffinCanCode/hookhost/internal/domain/singleton"
	"github.com/GriffinCanCode/hookhost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/hookhost/internal/shared/arena"
	"github.com/GriffinCanCode/hookhost/internal/shared/errs"
	"github.com/GriffinCanCode/hookhost/internal/shared/id"
	"github.com/GriffinCanCode/hookhost/internal/shared/paths"
	"github.com/GriffinCanCode/hookhost/internal/shared/utils"
)

// Config controls script discovery and execution
type Config struct {
	ScriptDir        string
	ScriptExt        string
	LoadTimeout      time.Duration
	MaxCallStackSize int
	Version          string
}

// DefaultConfig returns the defaults used when a field is left empty
func DefaultConfig() Config {
	return Config{
		ScriptExt:        ".js",
		LoadTimeout:      5 * time.Second,
		MaxCallStackSize: 1024,
		Version:          "1.0.0",
	}
}

// Settings persists which scripts are disabled
type Settings interface {
	IsDisabled(name string) bool
	SetDisabled(name string, disabled bool) error
}

// Deps are the services sandboxes are bound to
type Deps struct {
	Accessor   *memory.Accessor
	Patcher    *memory.Patcher
	Schemas    *memory.SchemaSet
	Resolver   *address.Resolver
	Dispatcher *hook.Dispatcher
	Extensions *extension.Registry
	Singletons *singleton.Registry
	Caller     ffi.Caller
	Settings   Settings
	LastError  *errs.LastError
	Metrics    *monitoring.Metrics
	Logger     *zap.Logger
}

// LoadStats summarizes a script directory scan
type LoadStats struct {
	Total    int `json:"total"`
	Loaded   int `json:"loaded"`
	Failed   int `json:"failed"`
	Disabled int `json:"disabled"`
}

// InvokeResult summarizes an event broadcast
type InvokeResult struct {
	Event  string            `json:"event"`
	Called int               `json:"called"`
	Errors map[string]string `json:"errors,omitempty"`
}

// Manager creates, reloads and destroys sandboxes.
//
// mu guards order and the id index only; it is never held while a script
// runs. Sandboxes themselves live in an arena so hook registrations can
// hold weak references to them.
type Manager struct {
	mu        sync.RWMutex
	sandboxes *arena.Arena[*Sandbox]
	order     []arena.Key
	byID      map[id.SandboxID]arena.Key
	shared    *SharedState
	cfg       Config
	deps      Deps
	hasher    *utils.Hasher
	logger    *zap.Logger
}

// NewManager creates a manager
func NewManager(cfg Config, deps Deps) *Manager {
	def := DefaultConfig()
	if cfg.ScriptExt == "" {
		cfg.ScriptExt = def.ScriptExt
	}
	if cfg.MaxCallStackSize <= 0 {
		cfg.MaxCallStackSize = def.MaxCallStackSize
	}
	if cfg.Version == "" {
		cfg.Version = def.Version
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.LastError == nil {
		deps.LastError = &errs.LastError{}
	}
	if deps.Schemas == nil {
		deps.Schemas = memory.NewSchemaSet()
	}

	return &Manager{
		sandboxes: arena.New[*Sandbox](),
		byID:      make(map[id.SandboxID]arena.Key),
		shared:    NewSharedState(),
		cfg:       cfg,
		deps:      deps,
		hasher:    utils.DefaultHasher(),
		logger:    deps.Logger.Named("sandboxes"),
	}
}

// Shared returns the cross-sandbox key/value store
func (m *Manager) Shared() *SharedState { return m.shared }

// LastError returns the retained last-error slot
func (m *Manager) LastError() *errs.LastError { return m.deps.LastError }

// ============================================================================
// Creation
// ============================================================================

// Create makes a file-backed sandbox from source. The sandbox stays
// registered when its script fails; the script error is returned with it.
func (m *Manager) Create(ctx context.Context, name, path, source string) (*Sandbox, error) {
	return m.create(ctx, name, path, source, false)
}

// CreateVirtual makes a sandbox that is not backed by a file and survives
// ReloadAll
func (m *Manager) CreateVirtual(ctx context.Context, name, source string) (*Sandbox, error) {
	return m.create(ctx, VirtualPrefix+name, "", source, true)
}

func (m *Manager) create(ctx context.Context, name, path, source string, virtual bool) (*Sandbox, error) {
	sb := &Sandbox{
		id:        id.NewSandboxID(),
		name:      name,
		path:      path,
		virtual:   virtual,
		hash:      m.hasher.HashString(source),
		createdAt: time.Now(),
		handlers:  make(map[string][]goja.Callable),
	}
	sb.logger = m.deps.Logger.Named("script").With(
		zap.String("sandbox", name),
		zap.String("sandbox_id", sb.id.String()))

	sb.vm = goja.New()
	sb.vm.SetMaxCallStackSize(m.cfg.MaxCallStackSize)

	// Bindings capture the arena key. The sandbox stays unlisted, and its
	// weak references dead, until it turns active.
	sb.key = m.sandboxes.Insert(sb)
	if err := m.installBindings(sb); err != nil {
		m.sandboxes.Remove(sb.key)
		m.deps.Metrics.RecordScriptError("bind")
		return nil, fmt.Errorf("failed to install bindings for %s: %w", name, err)
	}
	sb.state.Store(int32(StateActive))

	m.mu.Lock()
	m.order = append(m.order, sb.key)
	m.byID[sb.id] = sb.key
	m.mu.Unlock()

	m.deps.Metrics.IncSandboxesCreated()
	m.deps.Metrics.SetSandboxesActive(m.sandboxes.Len())
	if m.deps.Extensions != nil {
		m.deps.Extensions.NotifyCreated(ctx, sb.Token())
	}

	if err := m.run(ctx, sb, source); err != nil {
		m.deps.Metrics.RecordScriptError("load")
		m.deps.LastError.Record(name, err)
		sb.logger.Error("Script failed", zap.Error(err))
		return sb, err
	}

	m.logger.Info("Sandbox created",
		zap.String("name", name),
		zap.String("id", sb.id.String()),
		zap.Bool("virtual", virtual))
	return sb, nil
}

// run executes source inside sb under the load watchdog
func (m *Manager) run(ctx context.Context, sb *Sandbox, source string) error {
	_, err := sb.Enter(ctx, func(ctx context.Context) error {
		var timeout <-chan time.Time
		if m.cfg.LoadTimeout > 0 {
			timer := time.NewTimer(m.cfg.LoadTimeout)
			defer timer.Stop()
			timeout = timer.C
		}

		done, stopped := make(chan struct{}), make(chan struct{})
		go func() {
			defer close(stopped)
			select {
			case <-timeout:
				sb.vm.Interrupt("script load timeout exceeded")
			case <-ctx.Done():
				sb.vm.Interrupt("context cancelled")
			case <-done:
			}
		}()
		defer func() {
			close(done)
			<-stopped
			sb.vm.ClearInterrupt()
		}()

		_, err := sb.vm.RunScript(sb.name, source)
		return err
	})
	return err
}

// LoadFile reads a script file and creates a sandbox named after it
func (m *Manager) LoadFile(ctx context.Context, path string) (*Sandbox, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		m.deps.LastError.Record(path, err)
		return nil, fmt.Errorf("failed to read script %s: %w", path, err)
	}
	return m.Create(ctx, m.scriptName(path), path, string(source))
}

func (m *Manager) scriptName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), m.cfg.ScriptExt)
}

// LoadDir creates a sandbox for every enabled script in the script
// directory, in sorted order. Failures are recorded and the scan continues.
func (m *Manager) LoadDir(ctx context.Context) (LoadStats, error) {
	var stats LoadStats
	if m.cfg.ScriptDir == "" {
		return stats, nil
	}

	matches, err := doublestar.Glob(os.DirFS(m.cfg.ScriptDir), "*"+m.cfg.ScriptExt, doublestar.WithFilesOnly())
	if err != nil {
		return stats, fmt.Errorf("failed to scan %s: %w", m.cfg.ScriptDir, err)
	}
	sort.Strings(matches)

	for _, file := range matches {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Total++
		name := m.scriptName(file)
		if m.isDisabled(name) {
			stats.Disabled++
			m.logger.Debug("Skipping disabled script", zap.String("name", name))
			continue
		}
		if _, err := m.LoadFile(ctx, filepath.Join(m.cfg.ScriptDir, file)); err != nil {
			stats.Failed++
			continue
		}
		stats.Loaded++
	}

	m.logger.Info("Scripts loaded",
		zap.String("dir", m.cfg.ScriptDir),
		zap.Int("total", stats.Total),
		zap.Int("loaded", stats.Loaded),
		zap.Int("failed", stats.Failed),
		zap.Int("disabled", stats.Disabled))
	return stats, nil
}

func (m *Manager) isDisabled(name string) bool {
	return m.deps.Settings != nil && m.deps.Settings.IsDisabled(name)
}

// ============================================================================
// Lookup
// ============================================================================

// Get returns a live sandbox by id
func (m *Manager) Get(sid id.SandboxID) (*Sandbox, error) {
	m.mu.RLock()
	key, ok := m.byID[sid]
	m.mu.RUnlock()
	if ok {
		if sb, live := m.sandboxes.Get(key); live {
			return sb, nil
		}
	}
	return nil, fmt.Errorf("sandbox %s: %w", sid, errs.ErrNotFound)
}

// Find returns the live sandboxes with the given name
func (m *Manager) Find(name string) []*Sandbox {
	var out []*Sandbox
	for _, sb := range m.snapshot() {
		if sb.name == name {
			out = append(out, sb)
		}
	}
	return out
}

// Sandboxes returns every live sandbox in registration order
func (m *Manager) Sandboxes() []*Sandbox { return m.snapshot() }

func (m *Manager) snapshot() []*Sandbox {
	m.mu.RLock()
	keys := slices.Clone(m.order)
	m.mu.RUnlock()

	out := make([]*Sandbox, 0, len(keys))
	for _, k := range keys {
		if sb, ok := m.sandboxes.Get(k); ok {
			out = append(out, sb)
		}
	}
	return out
}

// Len returns the number of live sandboxes
func (m *Manager) Len() int { return m.sandboxes.Len() }

// ============================================================================
// Destruction
// ============================================================================

// Remove destroys one sandbox
func (m *Manager) Remove(ctx context.Context, sid id.SandboxID) error {
	sb, err := m.Get(sid)
	if err != nil {
		return err
	}
	return m.destroy(ctx, sb)
}

// destroy runs the teardown sequence: finalizer, hook release, patch
// restore, extension notification. Only the first caller proceeds.
func (m *Manager) destroy(ctx context.Context, sb *Sandbox) error {
	if !sb.state.CompareAndSwap(int32(StateActive), int32(StateDestroying)) {
		return nil
	}

	var errList []error

	// The finalizer runs under the execution lock, which also waits out any
	// callback still running in this sandbox.
	_, err := sb.enter(ctx, func(context.Context) error {
		if sb.finalizer == nil {
			return nil
		}
		_, err := sb.finalizer(goja.Undefined())
		return err
	}, StateDestroying)
	if err != nil {
		m.deps.Metrics.RecordScriptError("finalizer")
		m.deps.LastError.Record(sb.name, err)
		sb.logger.Error("Finalizer failed", zap.Error(err))
		errList = append(errList, fmt.Errorf("finalizer: %w", err))
	}

	hooks, patches := sb.takeResources()
	if m.deps.Dispatcher != nil {
		m.deps.Dispatcher.DetachAll(hooks)
	}
	if m.deps.Patcher != nil {
		for i := len(patches) - 1; i >= 0; i-- {
			if _, err := m.deps.Patcher.Restore(patches[i]); err != nil {
				errList = append(errList, err)
			}
		}
		m.deps.Metrics.SetPatchesActive(m.deps.Patcher.Len())
	}
	if m.deps.Extensions != nil {
		m.deps.Extensions.NotifyDestroyed(ctx, sb.Token())
	}

	_, _ = sb.enter(ctx, func(context.Context) error {
		sb.state.Store(int32(StateGone))
		sb.handlers = nil
		sb.finalizer = nil
		return nil
	}, StateDestroying)

	m.mu.Lock()
	m.order = slices.DeleteFunc(m.order, func(k arena.Key) bool { return k == sb.key })
	delete(m.byID, sb.id)
	m.mu.Unlock()
	m.sandboxes.Remove(sb.key)

	m.deps.Metrics.SetSandboxesActive(m.sandboxes.Len())
	m.logger.Info("Sandbox destroyed",
		zap.String("name", sb.name),
		zap.String("id", sb.id.String()),
		zap.Int("hooks", len(hooks)),
		zap.Int("patches", len(patches)))
	return errors.Join(errList...)
}

// ReloadAll destroys every file-backed sandbox in registration order,
// clears the shared store and loads the script directory again. Virtual
// sandboxes are left untouched.
func (m *Manager) ReloadAll(ctx context.Context) (LoadStats, error) {
	for _, sb := range m.snapshot() {
		if sb.virtual {
			continue
		}
		if err := m.destroy(ctx, sb); err != nil {
			m.logger.Warn("Sandbox teardown reported errors", zap.String("name", sb.name), zap.Error(err))
		}
	}
	m.shared.Clear()
	return m.LoadDir(ctx)
}

// Close destroys every sandbox, virtual ones included, newest first
func (m *Manager) Close(ctx context.Context) error {
	all := m.snapshot()
	var errList []error
	for i := len(all) - 1; i >= 0; i-- {
		if err := m.destroy(ctx, all[i]); err != nil {
			errList = append(errList, fmt.Errorf("%s: %w", all[i].name, err))
		}
	}
	m.shared.Clear()
	return errors.Join(errList...)
}

// ============================================================================
// Events
// ============================================================================

// Invoke calls the handlers registered for event in every active sandbox.
// Handlers come from core.on(event, fn); a sandbox without one falls back
// to a global function of that name. Failures are isolated per sandbox.
func (m *Manager) Invoke(ctx context.Context, event string) InvokeResult {
	res := InvokeResult{Event: event}

	for _, sb := range m.snapshot() {
		called := false
		alive, err := sb.Enter(ctx, func(context.Context) error {
			handlers := sb.handlers[event]
			if len(handlers) == 0 {
				if fn, ok := goja.AssertFunction(sb.vm.Get(event)); ok {
					handlers = []goja.Callable{fn}
				}
			}
			var errList []error
			for _, fn := range handlers {
				called = true
				if _, err := fn(goja.Undefined()); err != nil {
					errList = append(errList, err)
				}
			}
			return errors.Join(errList...)
		})
		if !alive {
			continue
		}
		if called {
			res.Called++
		}
		if err != nil {
			if res.Errors == nil {
				res.Errors = make(map[string]string)
			}
			res.Errors[sb.id.String()] = err.Error()
			m.deps.Metrics.RecordScriptError("event")
			m.deps.LastError.Record(sb.name, err)
			sb.logger.Error("Event handler failed", zap.String("event", event), zap.Error(err))
		}
	}
	return res
}

// ============================================================================
// Enable / disable
// ============================================================================

// Disable persists name as disabled and destroys its file-backed sandboxes
func (m *Manager) Disable(ctx context.Context, name string) error {
	if m.deps.Settings == nil {
		return fmt.Errorf("no settings store: %w", errs.ErrNotFound)
	}
	if err := m.deps.Settings.SetDisabled(name, true); err != nil {
		return err
	}
	var errList []error
	for _, sb := range m.Find(name) {
		if !sb.virtual {
			errList = append(errList, m.destroy(ctx, sb))
		}
	}
	return errors.Join(errList...)
}

// Enable persists name as enabled and loads its script if it is not running
func (m *Manager) Enable(ctx context.Context, name string) error {
	if m.deps.Settings == nil {
		return fmt.Errorf("no settings store: %w", errs.ErrNotFound)
	}
	path := filepath.Join(m.cfg.ScriptDir, name+m.cfg.ScriptExt)
	if m.cfg.ScriptDir != "" && !paths.Within(m.cfg.ScriptDir, path) {
		return fmt.Errorf("%w: script %q is outside the script directory", errs.ErrInvalidArgument, name)
	}
	if err := m.deps.Settings.SetDisabled(name, false); err != nil {
		return err
	}
	if len(m.Find(name)) > 0 || m.cfg.ScriptDir == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	_, err := m.LoadFile(ctx, path)
	return err
}
