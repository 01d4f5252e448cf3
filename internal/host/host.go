package host

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/hookhost/internal/config"
	"github.com/GriffinCanCode/hookhost/internal/domain/address"
	"github.com/GriffinCanCode/hookhost/internal/domain/extension"
	"github.com/GriffinCanCode/hookhost/internal/domain/ffi"
	"github.com/GriffinCanCode/hookhost/internal/domain/hook"
	"github.com/GriffinCanCode/hookhost/internal/domain/memory"
	"github.com/GriffinCanCode/hookhost/internal/domain/sandbox"
	"github.com/GriffinCanCode/hookhost/internal/domain/singleton"
	"github.com/GriffinCanCode/hookhost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/hookhost/internal/logging"
	"github.com/GriffinCanCode/hookhost/internal/shared/errs"
	"github.com/GriffinCanCode/hookhost/internal/shared/paths"
	"github.com/GriffinCanCode/hookhost/internal/shared/types"
)

// Version is reported to scripts as core.version
const Version = "1.0.0"

// Options supplies what configuration cannot
type Options struct {
	Config *config.Config
	Logger *logging.Logger

	// Registry receives every collector. A fresh registry is used when nil.
	Registry *prometheus.Registry

	// Engine and Caller are the native backends for process mode. Emulated
	// mode ignores them and uses the software engine.
	Engine hook.Engine
	Caller ffi.Caller
}

// Host holds every service for one attach
type Host struct {
	cfg      *config.Config
	layout   paths.Layout
	logger   *logging.Logger
	stream   *logging.Stream
	registry *prometheus.Registry
	metrics  *monitoring.Metrics

	space      memory.Space
	accessor   *memory.Accessor
	patcher    *memory.Patcher
	schemas    *memory.SchemaSet
	image      *Image
	resolver   *address.Resolver
	dispatcher *hook.Dispatcher
	singletons *singleton.Registry
	extensions *extension.Registry
	wasm       *extension.WasmLoader
	sandboxes  *sandbox.Manager
	settings   *config.Settings
	lastErr    *errs.LastError
	caller     ffi.Caller

	closeOnce sync.Once
	closeErr  error
}

// New constructs every service. Nothing is loaded until Start.
func New(ctx context.Context, opts Options) (*Host, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.LoadOrDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	layout := cfg.Layout()

	settings, err := config.OpenSettings(layout.Resolve(cfg.Paths.Settings))
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger, err = logging.New(logging.Config{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}
	if level := settings.LogLevel(); level != "" {
		if err := logger.SetLevel(level); err != nil {
			logger.Warn("Ignoring persisted log level", zap.String("level", level), zap.Error(err))
		}
	}

	stream := logging.NewStream(logger.Enabler())
	logger = logger.Tee(stream)

	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	metrics := monitoring.NewMetrics(registry)

	h := &Host{
		cfg:      cfg,
		layout:   layout,
		logger:   logger,
		stream:   stream,
		registry: registry,
		metrics:  metrics,
		schemas:  memory.NewSchemaSet(),
		settings: settings,
		lastErr:  &errs.LastError{},
	}

	module, engine, err := h.attachMemory(opts)
	if err != nil {
		return nil, err
	}
	log := logger.Logger

	h.accessor = memory.NewAccessor(h.space)
	h.patcher = memory.NewPatcher(h.accessor)
	h.resolver = address.NewResolver(h.accessor, module, log).WithMetrics(metrics)
	if engine != nil {
		h.dispatcher = hook.NewDispatcher(engine, log).WithMetrics(metrics)
	} else {
		log.Warn("No hook engine available, interception disabled")
	}
	h.singletons = singleton.NewRegistry(h.resolver, h.accessor, log)
	h.extensions = extension.NewRegistry(h.resolver, h.singletons, log).WithMetrics(metrics)

	if h.caller != nil {
		if err := ffi.Install(ctx, h.extensions, h.caller); err != nil {
			log.Warn("Foreign-call bridge unavailable", zap.Error(err))
		}
	}
	if cfg.Extensions.Enabled {
		h.wasm, err = extension.NewWasmLoader(ctx, log)
		if err != nil {
			return nil, err
		}
	}

	h.sandboxes = sandbox.NewManager(sandbox.Config{
		ScriptDir:        layout.Resolve(cfg.Paths.Scripts),
		ScriptExt:        cfg.Sandbox.ScriptExt,
		LoadTimeout:      cfg.Sandbox.LoadTimeout,
		MaxCallStackSize: cfg.Sandbox.MaxCallStack,
		Version:          Version,
	}, sandbox.Deps{
		Accessor:   h.accessor,
		Patcher:    h.patcher,
		Schemas:    h.schemas,
		Resolver:   h.resolver,
		Dispatcher: h.dispatcher,
		Extensions: h.extensions,
		Singletons: h.singletons,
		Caller:     h.caller,
		Settings:   settings,
		LastError:  h.lastErr,
		Metrics:    metrics,
		Logger:     log,
	})

	log.Info("Host attached",
		zap.String("mode", cfg.Memory.Mode),
		zap.Stringer("module", module),
		zap.String("root", layout.Root))
	return h, nil
}

// attachMemory selects the address space, the resolver range and the
// hook engine for the configured mode
func (h *Host) attachMemory(opts Options) (memory.Region, hook.Engine, error) {
	if h.cfg.Memory.Mode == config.MemoryEmulated {
		img := NewImage()
		h.space = img.Space()
		h.image = img
		h.caller = img.Engine
		return img.Code.Region(), img.Engine, nil
	}

	proc, err := memory.Self()
	if err != nil {
		return memory.Region{}, nil, err
	}
	module, err := proc.MainModule()
	if err != nil {
		return memory.Region{}, nil, err
	}
	h.space = proc
	h.caller = opts.Caller
	return module, opts.Engine, nil
}

// Start loads address records, extensions and scripts, in that order.
// Individual failures are logged and recorded; only a broken records file
// or an unreadable directory fails Start.
func (h *Host) Start(ctx context.Context) error {
	if err := h.loadRecords(); err != nil {
		return err
	}
	if err := paths.Ensure(h.layout.Resolve(h.cfg.Paths.Scripts)); err != nil {
		return err
	}

	if h.wasm != nil {
		dir := h.layout.Resolve(h.cfg.Paths.Extensions)
		if _, err := h.extensions.LoadDir(ctx, dir, h.wasm); err != nil {
			return err
		}
	}

	stats, err := h.sandboxes.LoadDir(ctx)
	if err != nil {
		return err
	}
	h.logger.Info("Host started",
		zap.Int("scripts", stats.Loaded),
		zap.Int("script_failures", stats.Failed),
		zap.Int("extensions", len(h.extensions.Extensions())))
	return nil
}

func (h *Host) loadRecords() error {
	path := h.layout.Resolve(h.cfg.Paths.Records)
	if path == "" {
		return nil
	}
	recs, err := address.LoadRecords(path)
	if errors.Is(err, fs.ErrNotExist) {
		h.logger.Debug("No address records file", zap.String("path", path))
		return nil
	}
	if err != nil {
		return err
	}
	if err := h.resolver.RegisterAll(recs); err != nil {
		return fmt.Errorf("failed to register records from %s: %w", path, err)
	}
	h.logger.Info("Address records loaded", zap.String("path", path), zap.Int("count", len(recs)))
	return nil
}

// Close tears everything down in reverse construction order. It is safe
// to call more than once.
func (h *Host) Close(ctx context.Context) error {
	h.closeOnce.Do(func() {
		var errList []error
		errList = append(errList, h.sandboxes.Close(ctx))
		errList = append(errList, h.extensions.Close(ctx))
		if h.wasm != nil {
			errList = append(errList, h.wasm.Close(ctx))
		}
		if h.dispatcher != nil {
			errList = append(errList, h.dispatcher.Close())
		}
		if h.patcher.Len() > 0 {
			errList = append(errList, h.patcher.RestoreAll())
		}
		h.closeErr = errors.Join(errList...)

		h.logger.Info("Host detached", zap.Error(h.closeErr))
		_ = h.logger.Sync()
	})
	return h.closeErr
}

// ============================================================================
// Accessors
// ============================================================================

func (h *Host) Config() *config.Config          { return h.cfg }
func (h *Host) Logger() *logging.Logger         { return h.logger }
func (h *Host) Stream() *logging.Stream         { return h.stream }
func (h *Host) Metrics() *monitoring.Metrics    { return h.metrics }
func (h *Host) Gatherer() prometheus.Gatherer   { return h.registry }
func (h *Host) Accessor() *memory.Accessor      { return h.accessor }
func (h *Host) Patcher() *memory.Patcher        { return h.patcher }
func (h *Host) Resolver() *address.Resolver     { return h.resolver }
func (h *Host) Dispatcher() *hook.Dispatcher    { return h.dispatcher }
func (h *Host) Singletons() *singleton.Registry { return h.singletons }
func (h *Host) Extensions() *extension.Registry { return h.extensions }
func (h *Host) Sandboxes() *sandbox.Manager     { return h.sandboxes }
func (h *Host) Settings() *config.Settings      { return h.settings }
func (h *Host) LastError() *errs.LastError      { return h.lastErr }

// Image returns the emulated image, nil in process mode
func (h *Host) Image() *Image { return h.image }

// SetLogLevel applies level and persists it
func (h *Host) SetLogLevel(level string) error {
	if err := h.logger.SetLevel(level); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err)
	}
	return h.settings.SetLogLevel(level)
}

// Stats summarizes runtime state
func (h *Host) Stats() types.Stats {
	var s types.Stats
	for _, sb := range h.sandboxes.Sandboxes() {
		s.Sandboxes++
		if sb.Virtual() {
			s.VirtualSandboxes++
		}
	}
	if h.dispatcher != nil {
		s.InterceptionPoints = h.dispatcher.PointCount()
		s.Registrations = h.dispatcher.RegistrationCount()
	}
	for _, ext := range h.extensions.Extensions() {
		if ext.Loaded {
			s.Extensions++
		} else {
			s.FailedExtensions++
		}
	}
	s.Functions = len(h.extensions.Functions())
	s.CachedAddresses = h.resolver.CachedCount()
	s.Patches = h.patcher.Len()
	return s
}
