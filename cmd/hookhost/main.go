package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/hookhost/internal/config"
	"github.com/GriffinCanCode/hookhost/internal/host"
	"github.com/GriffinCanCode/hookhost/internal/infrastructure/server"
)

func main() {
	root := flag.String("root", "", "Host root directory (overrides HOOKHOST_PATHS_ROOT)")
	mode := flag.String("memory", "", "Memory mode: process or emulated (overrides HOOKHOST_MEMORY_MODE)")
	tick := flag.Duration("tick", 16*time.Millisecond, "Frame interval for the emulated image")
	flag.Parse()

	if err := run(*root, *mode, *tick); err != nil {
		fmt.Fprintln(os.Stderr, "hookhost:", err)
		os.Exit(1)
	}
}

func run(root, mode string, tick time.Duration) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if root != "" {
		cfg.Paths.Root = root
	}
	if mode != "" {
		cfg.Memory.Mode = mode
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := host.New(ctx, host.Options{Config: cfg})
	if err != nil {
		return err
	}
	logger := h.Logger()
	logger.Info("Starting hookhost",
		zap.String("version", host.Version),
		zap.String("root", cfg.Paths.Root),
		zap.String("memory", cfg.Memory.Mode))

	if err := h.Start(ctx); err != nil {
		_ = h.Close(context.Background())
		return err
	}

	errCh := make(chan error, 2)
	if cfg.Server.Enabled {
		srv := server.NewServer(h)
		go func() { errCh <- srv.Run(ctx) }()
	}
	if img := h.Image(); img != nil {
		go func() { errCh <- img.Run(ctx, tick) }()
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down gracefully")
	case err = <-errCh:
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil {
			logger.Error("Component failed", zap.Error(err))
		}
		stop()
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if cerr := h.Close(closeCtx); cerr != nil {
		logger.Warn("Teardown reported errors", zap.Error(cerr))
	}
	return err
}
