package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and
// records nothing, so services can be built without instrumentation.
type Metrics struct {
	// HTTP metrics (control API)
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Resolver metrics
	ResolverLookups *prometheus.CounterVec

	// Dispatcher metrics
	InterceptionPoints prometheus.Gauge
	HookRegistrations  prometheus.Gauge
	HookEvents         *prometheus.CounterVec
	CallbackFailures   *prometheus.CounterVec
	DeadOwnerSkips     prometheus.Counter

	// Sandbox metrics
	SandboxesActive  prometheus.Gauge
	SandboxesCreated prometheus.Counter
	ScriptErrors     *prometheus.CounterVec

	// Extension metrics
	ExtensionLoads *prometheus.CounterVec

	// Memory metrics
	PatchesActive prometheus.Gauge

	// Operation timings
	OperationDuration *prometheus.HistogramVec

	startTime time.Time
	snapshot  Snapshot
	mu        sync.RWMutex
}

// Snapshot holds current values for the JSON API
type Snapshot struct {
	HookEvents       int64   `json:"hook_events"`
	CallbackFailures int64   `json:"callback_failures"`
	ScriptErrors     int64   `json:"script_errors"`
	TotalRequests    int64   `json:"total_requests"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
}

// NewMetrics registers every collector with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookhost_http_requests_total",
				Help: "Total number of control API requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hookhost_http_request_duration_seconds",
				Help:    "Control API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		ResolverLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookhost_resolver_lookups_total",
				Help: "Address resolutions by result (hit, scan, miss, error)",
			},
			[]string{"result"},
		),

		InterceptionPoints: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "hookhost_interception_points",
				Help: "Physical addresses with an installed native listener",
			},
		),
		HookRegistrations: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "hookhost_hook_registrations",
				Help: "Live logical hook registrations",
			},
		),
		HookEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookhost_hook_events_total",
				Help: "Native hook events dispatched by point cut",
			},
			[]string{"cut"},
		),
		CallbackFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookhost_callback_failures_total",
				Help: "Hook callbacks that returned an error or panicked",
			},
			[]string{"kind"},
		),
		DeadOwnerSkips: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "hookhost_dead_owner_skips_total",
				Help: "Registrations skipped because their sandbox was gone",
			},
		),

		SandboxesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "hookhost_sandboxes_active",
				Help: "Number of registered sandboxes",
			},
		),
		SandboxesCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "hookhost_sandboxes_created_total",
				Help: "Total number of sandboxes created",
			},
		),
		ScriptErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookhost_script_errors_total",
				Help: "Script errors by phase (load, invoke, finalize)",
			},
			[]string{"phase"},
		),

		ExtensionLoads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookhost_extension_loads_total",
				Help: "Extension load attempts by result",
			},
			[]string{"result"},
		),

		PatchesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "hookhost_patches_active",
				Help: "Active in-place memory patches",
			},
		),

		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hookhost_operation_duration_seconds",
				Help:    "Duration of startup and lifecycle operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"component", "op"},
		),
	}
}

// RecordHTTPRequest records a control API request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalRequests++
	m.mu.Unlock()
}

// RecordResolve records an address resolution result
func (m *Metrics) RecordResolve(result string) {
	if m == nil {
		return
	}
	m.ResolverLookups.WithLabelValues(result).Inc()
}

// SetHookState publishes dispatcher table sizes
func (m *Metrics) SetHookState(points, registrations int) {
	if m == nil {
		return
	}
	m.InterceptionPoints.Set(float64(points))
	m.HookRegistrations.Set(float64(registrations))
}

// RecordHookEvent records one dispatched native event
func (m *Metrics) RecordHookEvent(cut string) {
	if m == nil {
		return
	}
	m.HookEvents.WithLabelValues(cut).Inc()

	m.mu.Lock()
	m.snapshot.HookEvents++
	m.mu.Unlock()
}

// RecordCallbackFailure records a failed or panicking callback
func (m *Metrics) RecordCallbackFailure(kind string) {
	if m == nil {
		return
	}
	m.CallbackFailures.WithLabelValues(kind).Inc()

	m.mu.Lock()
	m.snapshot.CallbackFailures++
	m.mu.Unlock()
}

// IncDeadOwnerSkips records a registration skipped for a gone sandbox
func (m *Metrics) IncDeadOwnerSkips() {
	if m == nil {
		return
	}
	m.DeadOwnerSkips.Inc()
}

// SetSandboxesActive sets the number of registered sandboxes
func (m *Metrics) SetSandboxesActive(count int) {
	if m == nil {
		return
	}
	m.SandboxesActive.Set(float64(count))
}

// IncSandboxesCreated increments the created sandboxes counter
func (m *Metrics) IncSandboxesCreated() {
	if m == nil {
		return
	}
	m.SandboxesCreated.Inc()
}

// RecordScriptError records a script error in the given phase
func (m *Metrics) RecordScriptError(phase string) {
	if m == nil {
		return
	}
	m.ScriptErrors.WithLabelValues(phase).Inc()

	m.mu.Lock()
	m.snapshot.ScriptErrors++
	m.mu.Unlock()
}

// RecordExtensionLoad records an extension load result
func (m *Metrics) RecordExtensionLoad(result string) {
	if m == nil {
		return
	}
	m.ExtensionLoads.WithLabelValues(result).Inc()
}

// SetPatchesActive sets the number of active patches
func (m *Metrics) SetPatchesActive(count int) {
	if m == nil {
		return
	}
	m.PatchesActive.Set(float64(count))
}

// GetSnapshot returns current values for the JSON API
func (m *Metrics) GetSnapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.snapshot
	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	return s
}
