package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	api "github.com/GriffinCanCode/hookhost/internal/api/http"
	"github.com/GriffinCanCode/hookhost/internal/api/middleware"
	"github.com/GriffinCanCode/hookhost/internal/api/ws"
	"github.com/GriffinCanCode/hookhost/internal/host"
	"github.com/GriffinCanCode/hookhost/internal/infrastructure/monitoring"
)

// ShutdownTimeout bounds graceful shutdown of in-flight requests
const ShutdownTimeout = 5 * time.Second

// Server wraps the control API router
type Server struct {
	router *gin.Engine
	host   *host.Host
	logger *zap.Logger
	addr   string
}

// NewServer builds the router for h
func NewServer(h *host.Host) *Server {
	cfg := h.Config()
	logger := h.Logger().Named("server")

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.Trace(logger))
	router.Use(monitoring.Middleware(h.Metrics()))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		rl := middleware.DefaultRateLimitConfig()
		rl.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
		rl.Burst = cfg.RateLimit.Burst
		router.Use(middleware.RateLimit(rl))
	}

	handlers := api.NewHandlers(h)
	console := ws.NewHandler(h)

	router.GET("/health", handlers.Health)
	router.GET("/stats", handlers.Stats)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.Gatherer(), promhttp.HandlerOpts{})))

	// Sandboxes
	router.GET("/sandboxes", handlers.ListSandboxes)
	router.POST("/sandboxes/virtual", handlers.CreateVirtual)
	router.POST("/sandboxes/reload", handlers.Reload)
	router.POST("/sandboxes/invoke/:event", handlers.Invoke)
	router.DELETE("/sandboxes/:id", handlers.RemoveSandbox)

	// Scripts
	router.POST("/scripts/:name/enable", handlers.EnableScript)
	router.POST("/scripts/:name/disable", handlers.DisableScript)

	// Inspection
	router.GET("/hooks", handlers.ListHooks)
	router.GET("/addresses", handlers.ListAddresses)
	router.GET("/extensions", handlers.ListExtensions)
	router.GET("/last-error", handlers.LastError)
	router.DELETE("/last-error", handlers.ClearLastError)
	router.PUT("/log-level", handlers.SetLogLevel)

	// Live console
	router.GET("/console", console.HandleConnection)

	return &Server{
		router: router,
		host:   h,
		logger: logger,
		addr:   cfg.Server.Addr,
	}
}

// Handler exposes the router
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on the configured address until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then drains
// in-flight requests
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Control API listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("Control API stopped")
	return nil
}
