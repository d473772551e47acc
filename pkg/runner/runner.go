package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nstogner/datachat/pkg/dataset"
	"github.com/nstogner/datachat/pkg/domain"
	"github.com/nstogner/datachat/pkg/format"
	"github.com/nstogner/datachat/pkg/session"
)

var (
	// ErrBlankQuery is returned for empty or whitespace-only queries.
	ErrBlankQuery = errors.New("please enter a query")
	// ErrNoDataset is returned when a query arrives before an upload.
	ErrNoDataset = errors.New("please upload a file")
)

// SweepInterval is how often idle sessions are checked.
const SweepInterval = time.Minute

// Runner coordinates uploads, queries and resets for sessions.
type Runner struct {
	sessions  *session.Manager
	cache     *Cache
	formatter *format.Formatter
	idle      time.Duration

	// prepare holds one mutex per session ID. It orders dataset changes
	// against the dataset reads of queries.
	prepare sync.Map
}

// New creates a runner. Sessions idle for longer than idle are ended by Run;
// zero disables the sweep.
func New(sessions *session.Manager, cache *Cache, formatter *format.Formatter, idle time.Duration) *Runner {
	return &Runner{
		sessions:  sessions,
		cache:     cache,
		formatter: formatter,
		idle:      idle,
	}
}

// Sessions returns the session manager.
func (r *Runner) Sessions() *session.Manager { return r.sessions }

// Upload parses a CSV upload and prepares the session's sandbox and agent
// for it. Uploading the same content again reuses the existing resources.
func (r *Runner) Upload(ctx context.Context, st *session.State, name string, data io.Reader) (*dataset.Dataset, error) {
	if st.Ended() {
		return nil, session.ErrNotFound
	}
	st.Touch()
	d, err := dataset.Parse(name, data)
	if err != nil {
		return nil, err
	}

	mu := r.lock(st.ID())
	mu.Lock()
	defer mu.Unlock()
	if _, err := r.resources(ctx, st, d); err != nil {
		return nil, err
	}
	st.SetDataset(d)
	slog.Info("File uploaded", "sessionID", st.ID(), "name", name, "datasetID", d.ID(), "rows", len(d.Rows))
	st.Publish(domain.Event{Type: domain.EventUpload, Content: d.Description()})
	return d, nil
}

// Submit answers a query with the session's agent and appends the answer.
func (r *Runner) Submit(ctx context.Context, st *session.State, query string) (*domain.Answer, error) {
	if st.Ended() {
		return nil, session.ErrNotFound
	}
	st.Touch()
	if strings.TrimSpace(query) == "" {
		return nil, ErrBlankQuery
	}
	res, err := r.current(ctx, st)
	if err != nil {
		return nil, err
	}

	res.run.Lock()
	defer res.run.Unlock()

	res.drainArtifacts()
	slog.Info("Running query", "sessionID", st.ID(), "query", query)
	raw, err := res.Agent.Run(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("running agent: %w", err)
	}

	segs, err := r.formatter.Format(raw)
	if err != nil {
		return nil, err
	}
	segs = format.AppendArtifacts(segs, res.drainArtifacts())

	ans := domain.Answer{
		ID:        uuid.New().String(),
		Query:     query,
		Segments:  segs,
		CreatedAt: time.Now().UTC(),
	}
	st.AppendAnswer(ans)
	st.Publish(domain.Event{Type: domain.EventAnswer, Answer: &ans})
	return &ans, nil
}

// current returns the resources for the session's dataset. The dataset is
// read under the session's prepare lock so a concurrent upload is never
// undone by a rebuild for the dataset it replaced.
func (r *Runner) current(ctx context.Context, st *session.State) (*Resources, error) {
	mu := r.lock(st.ID())
	mu.Lock()
	defer mu.Unlock()
	d := st.Dataset()
	if d == nil {
		if st.Ended() {
			return nil, session.ErrNotFound
		}
		return nil, ErrNoDataset
	}
	return r.resources(ctx, st, d)
}

// resources returns the cached resources for d. Resources built for a
// session that ended meanwhile are closed and session.ErrNotFound returned.
func (r *Runner) resources(ctx context.Context, st *session.State, d *dataset.Dataset) (*Resources, error) {
	res, err := r.cache.Get(ctx, st, d)
	if err != nil {
		return nil, fmt.Errorf("initializing: %w", err)
	}
	if st.Ended() {
		if err := r.cache.Invalidate(context.WithoutCancel(ctx), st.ID()); err != nil {
			slog.Warn("Failed to close resources of ended session", "sessionID", st.ID(), "error", err)
		}
		return nil, session.ErrNotFound
	}
	return res, nil
}

func (r *Runner) lock(sessionID string) *sync.Mutex {
	v, _ := r.prepare.LoadOrStore(sessionID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Reset closes the session's sandbox, clears its answers and dataset and
// bumps the uploader key. The state is reset even if closing fails.
func (r *Runner) Reset(ctx context.Context, st *session.State) error {
	slog.Info("Session reset initiated", "sessionID", st.ID())
	st.Touch()
	mu := r.lock(st.ID())
	mu.Lock()
	defer mu.Unlock()
	err := r.cache.Invalidate(ctx, st.ID())
	st.Reset()
	st.Publish(domain.Event{Type: domain.EventReset})
	if err != nil {
		return fmt.Errorf("closing sandbox: %w", err)
	}
	return nil
}

// End tears down a session. The session's state is marked ended, so later
// uploads and queries on it fail with session.ErrNotFound.
func (r *Runner) End(ctx context.Context, sessionID string) error {
	err := r.sessions.Delete(sessionID)
	if cerr := r.cache.Invalidate(ctx, sessionID); cerr != nil {
		slog.Warn("Failed to close session resources", "sessionID", sessionID, "error", cerr)
	}
	r.prepare.Delete(sessionID)
	return err
}

// Close tears down every session.
func (r *Runner) Close(ctx context.Context) {
	for _, id := range r.sessions.IDs() {
		if err := r.End(ctx, id); err != nil {
			slog.Warn("Failed to end session", "sessionID", id, "error", err)
		}
	}
}

// Run ends idle sessions until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if r.idle <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Runner) sweep(ctx context.Context) {
	for _, id := range r.sessions.Idle(time.Now().Add(-r.idle)) {
		slog.Info("Ending idle session", "sessionID", id)
		if err := r.End(ctx, id); err != nil {
			slog.Warn("Failed to end idle session", "sessionID", id, "error", err)
		}
	}
}
