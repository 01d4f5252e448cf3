package extension

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/hookhost/internal/domain/address"
	"github.com/GriffinCanCode/hookhost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/hookhost/internal/shared/errs"
	"github.com/GriffinCanCode/hookhost/internal/shared/id"
	"github.com/GriffinCanCode/hookhost/internal/shared/types"
	"github.com/GriffinCanCode/hookhost/internal/shared/utils"
)

// AddressResolver is the part of the address resolver extensions may use
type AddressResolver interface {
	ResolveOrRegister(rec address.Record) (uintptr, error)
}

// SingletonSource looks up named singleton objects
type SingletonSource interface {
	Get(name string) (uintptr, error)
}

// Record is a successfully loaded extension
type Record struct {
	ID        id.ExtensionID
	Name      string
	Path      string
	Hash      string
	Module    Module
	LoadedAt  time.Time
	Functions []string
}

type failure struct {
	path string
	err  error
}

type lifecycleHook struct {
	ext string
	fn  LifecycleFunc
}

// staging collects the contributions of one entry call
type staging struct {
	functions map[string]Function
	order     []string
	created   []LifecycleFunc
	destroyed []LifecycleFunc
}

// LoadStats summarizes a directory scan
type LoadStats struct {
	Total  int `json:"total"`
	Loaded int `json:"loaded"`
}

// Registry tracks loaded extensions and the shared function table
type Registry struct {
	mu         sync.RWMutex
	functions  map[string]Function
	providers  map[string]string
	records    map[string]*Record
	order      []string
	failed     map[string]failure
	created    []lifecycleHook
	destroyed  []lifecycleHook
	resolver   AddressResolver
	singletons SingletonSource
	logger     *zap.Logger
	metrics    *monitoring.Metrics
}

// NewRegistry creates an empty registry
func NewRegistry(resolver AddressResolver, singletons SingletonSource, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		functions:  make(map[string]Function),
		providers:  make(map[string]string),
		records:    make(map[string]*Record),
		failed:     make(map[string]failure),
		resolver:   resolver,
		singletons: singletons,
		logger:     logger.Named("extensions"),
	}
}

// WithMetrics sets the metrics collector
func (r *Registry) WithMetrics(metrics *monitoring.Metrics) *Registry {
	r.metrics = metrics
	return r
}

// ============================================================================
// Function table
// ============================================================================

// AddFunction registers a host-provided function
func (r *Registry) AddFunction(name string, fn Function) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addFunctionLocked("host", name, fn)
}

func (r *Registry) addFunctionLocked(provider, name string, fn Function) {
	if prev, ok := r.providers[name]; ok && prev != provider {
		r.logger.Warn("Function replaced by another provider",
			zap.String("function", name),
			zap.String("previous", prev),
			zap.String("provider", provider))
	}
	r.functions[name] = fn
	r.providers[name] = provider
}

// GetFunction looks up a function by name
func (r *Registry) GetFunction(name string) (Function, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.functions[name]
	if !ok {
		return nil, fmt.Errorf("function %s: %w", name, errs.ErrNotFound)
	}
	return fn, nil
}

// Functions returns every function name in sorted order
func (r *Registry) Functions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.functions))
	for name := range r.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasExtension reports whether an extension by that name loaded successfully
func (r *Registry) HasExtension(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[name]
	return ok
}

// Extensions lists loaded extensions in load order, then failed ones by name
func (r *Registry) Extensions() []types.ExtensionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.ExtensionInfo, 0, len(r.order)+len(r.failed))
	for _, name := range r.order {
		rec := r.records[name]
		out = append(out, types.ExtensionInfo{
			ID:        rec.ID.String(),
			Name:      rec.Name,
			Path:      rec.Path,
			Hash:      rec.Hash,
			Loaded:    true,
			Functions: append([]string(nil), rec.Functions...),
			LoadedAt:  rec.LoadedAt,
		})
	}

	failedNames := make([]string, 0, len(r.failed))
	for name := range r.failed {
		failedNames = append(failedNames, name)
	}
	sort.Strings(failedNames)
	for _, name := range failedNames {
		f := r.failed[name]
		out = append(out, types.ExtensionInfo{
			Name:  name,
			Path:  f.path,
			Error: f.err.Error(),
		})
	}
	return out
}

// Failed returns the load error of every failed extension
func (r *Registry) Failed() map[string]error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]error, len(r.failed))
	for name, f := range r.failed {
		out[name] = f.err
	}
	return out
}

// ============================================================================
// Loading
// ============================================================================

// Install runs an in-process extension entry point
func (r *Registry) Install(ctx context.Context, name string, entry EntryFunc) error {
	return r.load(ctx, name, "", func(api *API) (mod Module, code int32, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = errs.Native("entry", fmt.Errorf("%s panicked: %v", name, p))
			}
		}()
		return nopModule{}, entry(ctx, api), nil
	})
}

// LoadDir loads every module in dir handled by loader. The scan is not
// recursive and continues past failing modules.
func (r *Registry) LoadDir(ctx context.Context, dir string, loader Loader) (LoadStats, error) {
	var stats LoadStats

	matches, err := doublestar.Glob(os.DirFS(dir), "*"+loader.Ext(), doublestar.WithFilesOnly())
	if err != nil {
		return stats, fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	if len(matches) == 0 {
		if _, statErr := os.Stat(dir); errors.Is(statErr, fs.ErrNotExist) {
			r.logger.Debug("Extension directory does not exist", zap.String("dir", dir))
		}
		return stats, nil
	}
	sort.Strings(matches)

	for _, file := range matches {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		name := strings.TrimSuffix(file, loader.Ext())
		if r.HasExtension(name) {
			continue
		}
		path := filepath.Join(dir, file)

		stats.Total++
		err := r.load(ctx, name, path, func(api *API) (Module, int32, error) {
			return loader.Load(ctx, name, path, api)
		})
		if err == nil {
			stats.Loaded++
		}
	}

	r.logger.Info("Extensions loaded",
		zap.String("dir", dir),
		zap.Int("total", stats.Total),
		zap.Int("loaded", stats.Loaded))
	return stats, nil
}

func (r *Registry) load(ctx context.Context, name, path string, run func(api *API) (Module, int32, error)) error {
	timer := monitoring.NewTimer(r.metrics, "extension", "load")
	defer timer.Stop()

	st := &staging{functions: make(map[string]Function)}
	mod, code, err := run(r.api(name, st))
	if err == nil && code != 0 {
		err = &InitError{Code: code}
	}
	if err != nil {
		if mod != nil {
			if cerr := mod.Close(ctx); cerr != nil {
				r.logger.Warn("Failed to unload extension", zap.String("extension", name), zap.Error(cerr))
			}
		}
		r.fail(name, path, err)
		return err
	}

	rec := &Record{
		ID:        id.NewExtensionID(),
		Name:      name,
		Path:      path,
		Hash:      r.fingerprint(path),
		Module:    mod,
		LoadedAt:  time.Now(),
		Functions: st.order,
	}

	r.mu.Lock()
	for _, fname := range st.order {
		r.addFunctionLocked(name, fname, r.guard(fname, st.functions[fname]))
	}
	for _, fn := range st.created {
		r.created = append(r.created, lifecycleHook{ext: name, fn: fn})
	}
	for _, fn := range st.destroyed {
		r.destroyed = append(r.destroyed, lifecycleHook{ext: name, fn: fn})
	}
	r.records[name] = rec
	r.order = append(r.order, name)
	delete(r.failed, name)
	r.mu.Unlock()

	r.metrics.RecordExtensionLoad("loaded")
	r.logger.Info("Extension loaded",
		zap.String("extension", name),
		zap.String("id", rec.ID.String()),
		zap.Strings("functions", rec.Functions))
	return nil
}

// fingerprint hashes the module file; in-process extensions have none
func (r *Registry) fingerprint(path string) string {
	if path == "" {
		return ""
	}
	hash, err := utils.DefaultHasher().HashFile(path)
	if err != nil {
		r.logger.Debug("Failed to hash extension", zap.String("path", path), zap.Error(err))
		return ""
	}
	return hash
}

func (r *Registry) fail(name, path string, err error) {
	r.mu.Lock()
	r.failed[name] = failure{path: path, err: err}
	r.mu.Unlock()

	r.metrics.RecordExtensionLoad("failed")
	r.logger.Error("Extension failed to load",
		zap.String("extension", name),
		zap.String("path", path),
		zap.Error(err))
}

// api builds the capability table for one entry call
func (r *Registry) api(ext string, st *staging) *API {
	logger := r.logger.With(zap.String("extension", ext))

	return &API{
		Version: ABIVersion,
		AddFunction: func(name string, fn Function) {
			if _, dup := st.functions[name]; !dup {
				st.order = append(st.order, name)
			}
			st.functions[name] = fn
		},
		GetFunction: func(name string) (Function, bool) {
			if fn, ok := st.functions[name]; ok {
				return fn, true
			}
			fn, err := r.GetFunction(name)
			return fn, err == nil
		},
		GetSingleton: func(name string) (uintptr, bool) {
			if r.singletons == nil {
				return 0, false
			}
			addr, err := r.singletons.Get(name)
			return addr, err == nil
		},
		GetOrResolveAddress: func(name, pattern string, offset int64) (uintptr, error) {
			if r.resolver == nil {
				return 0, fmt.Errorf("address %s: %w", name, errs.ErrNotFound)
			}
			return r.resolver.ResolveOrRegister(address.Record{Name: name, Pattern: pattern, Offset: offset})
		},
		Log: func(level LogLevel, msg string) {
			switch level {
			case LogTrace:
				logger.Debug(msg, zap.Bool("trace", true))
			case LogDebug:
				logger.Debug(msg)
			case LogInfo:
				logger.Info(msg)
			case LogWarn:
				logger.Warn(msg)
			default:
				logger.Error(msg)
			}
		},
		OnSandboxCreated: func(cb LifecycleFunc) {
			st.created = append(st.created, cb)
		},
		OnSandboxDestroyed: func(cb LifecycleFunc) {
			st.destroyed = append(st.destroyed, cb)
		},
	}
}

// ============================================================================
// Sandbox lifecycle
// ============================================================================

// NotifyCreated tells every extension that a sandbox state now exists
func (r *Registry) NotifyCreated(ctx context.Context, state uint64) {
	r.notify(ctx, "created", r.lifecycle(true), state)
}

// NotifyDestroyed tells every extension that a sandbox state is gone
func (r *Registry) NotifyDestroyed(ctx context.Context, state uint64) {
	r.notify(ctx, "destroyed", r.lifecycle(false), state)
}

func (r *Registry) lifecycle(created bool) []lifecycleHook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if created {
		return append([]lifecycleHook(nil), r.created...)
	}
	return append([]lifecycleHook(nil), r.destroyed...)
}

func (r *Registry) notify(ctx context.Context, event string, hooks []lifecycleHook, state uint64) {
	for _, h := range hooks {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("Extension lifecycle callback panicked",
						zap.String("extension", h.ext),
						zap.String("event", event),
						zap.Any("panic", p))
				}
			}()
			h.fn(ctx, state)
		}()
	}
}

// Close unloads every extension in reverse load order
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	order := r.order
	records := r.records
	r.order = nil
	r.records = make(map[string]*Record)
	r.functions = make(map[string]Function)
	r.providers = make(map[string]string)
	r.created = nil
	r.destroyed = nil
	r.mu.Unlock()

	var errList []error
	for i := len(order) - 1; i >= 0; i-- {
		rec := records[order[i]]
		if err := rec.Module.Close(ctx); err != nil {
			errList = append(errList, fmt.Errorf("unload %s: %w", rec.Name, err))
		}
	}
	return errors.Join(errList...)
}
