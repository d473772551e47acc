// Package app wires the configured provider, sandbox, artifact sink and
// runner together for the datachat front ends.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nstogner/datachat/pkg/artifact"
	"github.com/nstogner/datachat/pkg/config"
	"github.com/nstogner/datachat/pkg/format"
	"github.com/nstogner/datachat/pkg/model"
	"github.com/nstogner/datachat/pkg/model/gemini"
	"github.com/nstogner/datachat/pkg/model/tgi"
	"github.com/nstogner/datachat/pkg/runner"
	"github.com/nstogner/datachat/pkg/sandbox/docker"
	"github.com/nstogner/datachat/pkg/session"
)

// App holds the long-lived components.
type App struct {
	Config    config.Config
	Provider  model.Provider
	Sandboxes *docker.Manager
	Sink      *artifact.Sink
	Runner    *runner.Runner
}

// New builds the components described by cfg.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	provider, err := NewProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}

	sink, err := artifact.NewSink(cfg.OutputDir)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Provider: provider, Sink: sink}

	var init *runner.Initializer
	if cfg.Tool == runner.ToolSandbox {
		a.Sandboxes, err = docker.New(cfg.SandboxImage)
		if err != nil {
			return nil, fmt.Errorf("initializing sandbox manager: %w", err)
		}
		init = runner.NewInitializer(provider, a.Sandboxes, sink, initConfig(cfg))
	} else {
		init = runner.NewInitializer(provider, nil, sink, initConfig(cfg))
	}

	a.Runner = runner.New(session.NewManager(), runner.NewCache(init.Initialize), format.New(sink.Dir()), cfg.SessionIdle)
	return a, nil
}

func initConfig(cfg config.Config) runner.InitConfig {
	return runner.InitConfig{
		Model:         cfg.Model,
		Tool:          cfg.Tool,
		MaxIterations: cfg.MaxIterations,
	}
}

// NewProvider returns the configured model provider.
func NewProvider(ctx context.Context, cfg config.Config) (model.Provider, error) {
	switch cfg.Provider {
	case "gemini":
		p, err := gemini.New(ctx, cfg.GeminiAPIKey)
		if err != nil {
			return nil, fmt.Errorf("initializing Gemini provider: %w", err)
		}
		return p, nil
	case "tgi":
		return tgi.New(cfg.TGIURL), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// Run starts the background loops (sandbox reconciliation and idle session
// sweeping). Blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) {
	if a.Sandboxes != nil {
		go func() {
			if err := a.Sandboxes.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Sandbox manager stopped", "error", err)
			}
		}()
	}
	if err := a.Runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Session sweeper stopped", "error", err)
	}
}

// Close ends every session and releases the sandbox manager.
func (a *App) Close(ctx context.Context) {
	a.Runner.Close(ctx)
	if a.Sandboxes != nil {
		if err := a.Sandboxes.Close(); err != nil {
			slog.Warn("Failed to close sandbox manager", "error", err)
		}
	}
}
