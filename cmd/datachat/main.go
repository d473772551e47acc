package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nstogner/datachat/pkg/app"
	"github.com/nstogner/datachat/pkg/config"
	"github.com/nstogner/datachat/pkg/logging"
	"github.com/nstogner/datachat/pkg/render"
	"github.com/nstogner/datachat/pkg/server"
)

func main() {
	// Config.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	// Setup logger.
	slog.SetDefault(logging.New(os.Stderr, logging.ParseLevel(cfg.LogLevel)))
	slog.Info("Configuration loaded", "config", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}

	// Background loops: sandbox reconciliation and idle session sweeping.
	go a.Run(ctx)

	page, err := render.NewHTML()
	if err != nil {
		slog.Error("Failed to load templates", "error", err)
		os.Exit(1)
	}
	srv := server.New(a.Runner, a.Provider, page, a.Sink.Dir())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.Addr)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
		}
	case <-ctx.Done():
		slog.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown failed", "error", err)
	}
	a.Close(shutdownCtx)
}
