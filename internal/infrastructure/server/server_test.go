package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/hookhost/internal/config"
	"github.com/GriffinCanCode/hookhost/internal/host"
	"github.com/GriffinCanCode/hookhost/internal/logging"
	"github.com/GriffinCanCode/hookhost/internal/shared/types"
)

const hookScript = `
Interceptor.attach(AddressRepository.get("update"), {
	onEnter: function (c) { SharedState.set("frame", c.arg(0)); }
});
core.on("ping", function () { SharedState.set("pong", true); });
`

type fixture struct {
	host   *host.Host
	server *Server
}

func newFixture(t *testing.T, mutate ...func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.Root = t.TempDir()
	cfg.Memory.Mode = config.MemoryEmulated
	cfg.Logging.Development = true
	for _, m := range mutate {
		m(cfg)
	}

	layout := cfg.Layout()
	write(t, layout.RecordsFile(), "records:\n  - name: update\n    pattern: \""+host.UpdatePattern+"\"\n")
	write(t, filepath.Join(layout.ScriptsDir(), "frames.js"), hookScript)

	h, err := host.New(context.Background(), host.Options{Config: cfg, Logger: logging.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	require.NoError(t, h.Start(context.Background()))

	return &fixture{host: h, server: NewServer(h)}
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealthAndStats(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "GET", "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	health := decode[map[string]any](t, w)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, config.MemoryEmulated, health["memory"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = f.do(t, "GET", "/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[types.Stats](t, w)
	assert.Equal(t, 1, stats.Sandboxes)
	assert.Equal(t, 1, stats.Registrations)
}

func TestSandboxLifecycle(t *testing.T) {
	f := newFixture(t)

	list := decode[struct {
		Sandboxes []types.SandboxInfo `json:"sandboxes"`
		Count     int                 `json:"count"`
	}](t, f.do(t, "GET", "/sandboxes", ""))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "frames", list.Sandboxes[0].Name)
	assert.Equal(t, 1, list.Sandboxes[0].Hooks)

	w := f.do(t, "POST", "/sandboxes/virtual", `{"name":"console","source":"var x = 1;"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	info := decode[types.SandboxInfo](t, w)
	assert.Equal(t, "virtual:console", info.Name)
	assert.True(t, info.Virtual)

	w = f.do(t, "POST", "/sandboxes/virtual", `{"name":"bad","source":"throw new Error('boom')"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "boom")

	w = f.do(t, "POST", "/sandboxes/reload", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3, f.host.Stats().Sandboxes, "virtual sandboxes survive reload")

	w = f.do(t, "DELETE", "/sandboxes/"+info.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, "DELETE", "/sandboxes/"+info.ID, "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, "DELETE", "/sandboxes/nope", "").Code)
}

func TestInvoke(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/sandboxes/invoke/ping", "")
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[map[string]any](t, w)
	assert.EqualValues(t, 1, res["called"])

	v, ok, err := f.host.Sandboxes().Shared().Get("pong")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, true, v)

	assert.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/sandboxes/invoke/not-an-event!", "").Code)
}

func TestEnableDisableScripts(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/scripts/frames/disable", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, f.host.Stats().Sandboxes)
	assert.Zero(t, f.host.Stats().Registrations, "hooks released with the sandbox")
	assert.True(t, f.host.Settings().IsDisabled("frames"))

	w = f.do(t, "POST", "/scripts/frames/enable", "")
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[map[string]any](t, w)
	assert.EqualValues(t, 1, res["running"])

	assert.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/scripts/bad$name/enable", "").Code)
}

func TestInspection(t *testing.T) {
	f := newFixture(t)

	hooks := decode[struct {
		Hooks []types.HookInfo `json:"hooks"`
	}](t, f.do(t, "GET", "/hooks", ""))
	require.Len(t, hooks.Hooks, 1)
	assert.Equal(t, "frames", hooks.Hooks[0].Owner)

	addrs := decode[struct {
		Addresses []types.AddressInfo `json:"addresses"`
	}](t, f.do(t, "GET", "/addresses", ""))
	require.Len(t, addrs.Addresses, 1)
	assert.Equal(t, "update", addrs.Addresses[0].Name)
	assert.True(t, addrs.Addresses[0].Resolved)

	exts := decode[struct {
		Extensions []types.ExtensionInfo `json:"extensions"`
		Functions  []string              `json:"functions"`
	}](t, f.do(t, "GET", "/extensions", ""))
	assert.Contains(t, exts.Functions, "ffi.call_raw")
}

func TestLastError(t *testing.T) {
	f := newFixture(t)

	assert.JSONEq(t, `{"error":null}`, f.do(t, "GET", "/last-error", "").Body.String())

	f.do(t, "POST", "/sandboxes/virtual", `{"name":"bad","source":"throw new Error('boom')"}`)
	body := decode[map[string]map[string]any](t, f.do(t, "GET", "/last-error", ""))
	assert.Equal(t, "virtual:bad", body["error"]["source"])

	assert.Equal(t, http.StatusNoContent, f.do(t, "DELETE", "/last-error", "").Code)
	_, ok := f.host.LastError().Get()
	assert.False(t, ok)
}

func TestSetLogLevel(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "PUT", "/log-level", `{"level":"debug"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"level":"debug"}`, w.Body.String())
	assert.Equal(t, "debug", f.host.Settings().LogLevel())

	assert.Equal(t, http.StatusBadRequest, f.do(t, "PUT", "/log-level", `{"level":"loud"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, "PUT", "/log-level", `{}`).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, "GET", "/health", "")

	w := f.do(t, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "hookhost_sandboxes_active")
	assert.Contains(t, w.Body.String(), `hookhost_http_requests_total{method="GET",path="/health",status="200"}`)
}

func TestRateLimitApplies(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.RateLimit.RequestsPerSecond = 1
		c.RateLimit.Burst = 1
	})

	assert.Equal(t, http.StatusOK, f.do(t, "GET", "/stats", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, f.do(t, "GET", "/stats", "").Code)
}

func TestServeAndShutdown(t *testing.T) {
	f := newFixture(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.server.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(ShutdownTimeout + time.Second):
		t.Fatal("server did not stop")
	}
}
