package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nstogner/datachat/pkg/agent"
	"github.com/nstogner/datachat/pkg/artifact"
	"github.com/nstogner/datachat/pkg/dataset"
	"github.com/nstogner/datachat/pkg/domain"
	"github.com/nstogner/datachat/pkg/model"
	"github.com/nstogner/datachat/pkg/sandbox"
	"github.com/nstogner/datachat/pkg/session"
	"github.com/nstogner/datachat/pkg/sqlquery"
	"github.com/nstogner/datachat/pkg/tools"
)

// Tool modes.
const (
	ToolSandbox = "sandbox"
	ToolSQL     = "sql"
)

// UploadName is the file name the dataset gets inside the sandbox.
const UploadName = "user_data.csv"

const instructions = "Your role is to act as a data analyst for non-technical people. " +
	"Answer questions about the user's data in plain language and use your tool to inspect " +
	"and compute over the data instead of guessing."

// Resources are the collaborators built for one dataset.
type Resources struct {
	DatasetID string
	Agent     *agent.Agent

	closers []func(ctx context.Context) error
	once    sync.Once
	err     error

	// run serializes agent runs so saved artifacts are attributed correctly.
	run sync.Mutex

	mu    sync.Mutex
	saved []string
}

// Close releases the sandbox (or database). Only the first call has effect.
func (r *Resources) Close(ctx context.Context) error {
	r.once.Do(func() {
		var errs []error
		for _, c := range r.closers {
			errs = append(errs, c(ctx))
		}
		r.err = errors.Join(errs...)
	})
	return r.err
}

func (r *Resources) recordArtifact(local string) {
	r.mu.Lock()
	r.saved = append(r.saved, local)
	r.mu.Unlock()
}

// drainArtifacts returns and forgets the artifacts saved since the last call.
func (r *Resources) drainArtifacts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.saved
	r.saved = nil
	return out
}

// InitConfig configures an Initializer.
type InitConfig struct {
	// Model is the provider model ID.
	Model string
	// Tool is ToolSandbox or ToolSQL.
	Tool string
	// MaxIterations caps the agent loop.
	MaxIterations int
}

// Initializer builds the sandbox (or SQL database) and agent for a dataset.
type Initializer struct {
	provider  model.Provider
	sandboxes sandbox.Manager
	sink      *artifact.Sink
	cfg       InitConfig
}

// NewInitializer creates an initializer. sandboxes may be nil in ToolSQL mode.
func NewInitializer(provider model.Provider, sandboxes sandbox.Manager, sink *artifact.Sink, cfg InitConfig) *Initializer {
	if cfg.Tool == "" {
		cfg.Tool = ToolSandbox
	}
	return &Initializer{provider: provider, sandboxes: sandboxes, sink: sink, cfg: cfg}
}

// Initialize opens a sandbox wired to the session, uploads the dataset and
// builds an agent whose only tool runs code in that sandbox. Errors are
// returned as-is.
func (i *Initializer) Initialize(ctx context.Context, st *session.State, d *dataset.Dataset) (*Resources, error) {
	res := &Resources{DatasetID: d.ID()}

	var tool tools.Tool
	switch i.cfg.Tool {
	case ToolSandbox:
		h, err := i.openSandbox(ctx, st, res, d)
		if err != nil {
			return nil, err
		}
		tool = sandbox.NewAnalysisTool(h)
	case ToolSQL:
		db, err := sqlquery.Load(ctx, d)
		if err != nil {
			return nil, err
		}
		res.closers = append(res.closers, func(context.Context) error { return db.Close() })
		tool = sqlquery.NewTool(db, d.Description())
	default:
		return nil, fmt.Errorf("unknown tool mode %q", i.cfg.Tool)
	}

	res.Agent = agent.New(i.provider, tools.NewRegistry(tool), agent.Config{
		Model:               i.cfg.Model,
		Instructions:        instructions,
		Temperature:         0,
		HandleParsingErrors: true,
		MaxIterations:       i.cfg.MaxIterations,
		Observer:            st.Publish,
	})
	return res, nil
}

func (i *Initializer) openSandbox(ctx context.Context, st *session.State, res *Resources, d *dataset.Dataset) (sandbox.Handle, error) {
	if i.sandboxes == nil {
		return nil, errors.New("no sandbox manager configured")
	}

	sessionID := st.ID()
	h, err := i.sandboxes.Open(ctx, sandbox.Callbacks{
		OnStdout: func(line string) {
			slog.Info("Sandbox stdout", "sessionID", sessionID, "line", line)
			st.Publish(domain.Event{Type: domain.EventStdout, Content: line})
		},
		OnStderr: func(line string) {
			slog.Info("Sandbox stderr", "sessionID", sessionID, "line", line)
			st.Publish(domain.Event{Type: domain.EventStderr, Content: line})
		},
		OnArtifact: func(ctx context.Context, a sandbox.Artifact) error {
			local, err := i.sink.Save(ctx, a)
			if err != nil {
				return err
			}
			res.recordArtifact(local)
			st.Publish(domain.Event{Type: domain.EventArtifact, Content: local})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opening sandbox: %w", err)
	}
	res.closers = append(res.closers, h.Close)

	remote, err := h.Upload(ctx, UploadName, d.CSV(), d.Description())
	if err != nil {
		if cerr := h.Close(context.WithoutCancel(ctx)); cerr != nil {
			slog.Warn("Failed to close sandbox after upload failure", "sessionID", sessionID, "error", cerr)
		}
		return nil, fmt.Errorf("uploading dataset: %w", err)
	}
	slog.Info("Uploaded dataset", "sessionID", sessionID, "remotePath", remote)
	return h, nil
}
