package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nstogner/datachat/pkg/artifact"
	"github.com/nstogner/datachat/pkg/dataset"
	"github.com/nstogner/datachat/pkg/domain"
	"github.com/nstogner/datachat/pkg/format"
	"github.com/nstogner/datachat/pkg/model"
	"github.com/nstogner/datachat/pkg/sandbox"
	"github.com/nstogner/datachat/pkg/session"
	"github.com/nstogner/datachat/pkg/sqlquery"
)

const peopleCSV = "name,age,city\nann,31,Oslo\nbob,42,Rome\ncid,25,Lima\ndee,37,Kyiv\neve,29,Nice\n"

// MockProvider replies with scripted messages in order.
type MockProvider struct {
	mu       sync.Mutex
	Replies  []model.Message
	Requests []model.Request
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) List(ctx context.Context) ([]domain.Model, error) {
	return []domain.Model{{ID: "mock-model", Provider: "mock"}}, nil
}

func (m *MockProvider) Stream(ctx context.Context, req model.Request) (model.ModelStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	if len(m.Replies) == 0 {
		return nil, errors.New("no more replies")
	}
	msg := m.Replies[0]
	m.Replies = m.Replies[1:]
	return &MockStream{Msg: msg}, nil
}

func (m *MockProvider) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

type MockStream struct {
	Msg model.Message
}

func (s *MockStream) FullMessage() (model.Message, error) { return s.Msg, nil }

func (s *MockStream) Close() error { return nil }

func textReply(s string) model.Message {
	return model.Message{
		Role:    domain.RoleAssistant,
		Content: []model.Content{{Type: domain.ContentTypeText, Text: s}},
	}
}

func callReply(name string, input map[string]any) model.Message {
	return model.Message{
		Role: domain.RoleAssistant,
		Content: []model.Content{{
			Type:     domain.ContentTypeToolCall,
			ToolCall: &domain.ToolCall{ID: "call-1", Name: name, Input: input},
		}},
	}
}

// fakeManager hands out fakeHandles that emit one chart per run.
type fakeManager struct {
	mu      sync.Mutex
	handles []*fakeHandle

	// When gate is set, Open signals entered and waits for gate to close.
	gate    chan struct{}
	entered chan struct{}

	uploadErr error
	closeErr  error
}

func (m *fakeManager) Open(ctx context.Context, cb sandbox.Callbacks) (sandbox.Handle, error) {
	m.mu.Lock()
	gate, entered := m.gate, m.entered
	m.gate, m.entered = nil, nil
	m.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		<-gate
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	h := &fakeHandle{cb: cb, uploadErr: m.uploadErr, closeErr: m.closeErr}
	m.handles = append(m.handles, h)
	return h, nil
}

func (m *fakeManager) handle(i int) *fakeHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[i]
}

func (m *fakeManager) Close() error { return nil }

func (m *fakeManager) opened() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

type fakeHandle struct {
	cb        sandbox.Callbacks
	uploads   []sandbox.File
	code      []string
	closes    int
	closedMu  sync.Mutex
	uploadErr error
	closeErr  error
}

func (h *fakeHandle) ID() string { return "fake" }

func (h *fakeHandle) Upload(ctx context.Context, name string, data []byte, description string) (string, error) {
	if h.uploadErr != nil {
		return "", h.uploadErr
	}
	f := sandbox.File{Name: name, RemotePath: "/home/user/" + name, Description: description}
	h.uploads = append(h.uploads, f)
	return f.RemotePath, nil
}

func (h *fakeHandle) Files() []sandbox.File { return h.uploads }

func (h *fakeHandle) Run(ctx context.Context, code string) (*sandbox.Result, error) {
	h.code = append(h.code, code)
	h.cb.OnStdout("ok")
	a := sandbox.NewArtifact("/home/user/artifacts/chart.png", func(context.Context) ([]byte, error) {
		return []byte("png"), nil
	})
	if err := h.cb.OnArtifact(ctx, a); err != nil {
		return nil, err
	}
	return &sandbox.Result{Stdout: "ok\n", Artifacts: []sandbox.Artifact{a}}, nil
}

func (h *fakeHandle) Close(ctx context.Context) error {
	h.closedMu.Lock()
	h.closes++
	h.closedMu.Unlock()
	return h.closeErr
}

func (h *fakeHandle) closeCount() int {
	h.closedMu.Lock()
	defer h.closedMu.Unlock()
	return h.closes
}

type fixture struct {
	runner    *Runner
	provider  *MockProvider
	sandboxes *fakeManager
	outDir    string
	state     *session.State
}

func setup(t *testing.T, tool string, replies ...model.Message) *fixture {
	t.Helper()
	return setupIn(t, filepath.Join(t.TempDir(), "outputs"), tool, replies...)
}

func setupIn(t *testing.T, outDir, tool string, replies ...model.Message) *fixture {
	t.Helper()
	sink, err := artifact.NewSink(outDir)
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	p := &MockProvider{Replies: replies}
	sb := &fakeManager{}
	init := NewInitializer(p, sb, sink, InitConfig{Model: "mock-model", Tool: tool})
	sessions := session.NewManager()
	r := New(sessions, NewCache(init.Initialize), format.New(outDir), 0)
	return &fixture{runner: r, provider: p, sandboxes: sb, outDir: outDir, state: sessions.New()}
}

func TestDescribeScenario(t *testing.T) {
	f := setup(t, ToolSandbox, textReply("The data has 3 columns and 5 rows."))
	ctx := context.Background()

	d, err := f.runner.Upload(ctx, f.state, "people.csv", strings.NewReader(peopleCSV))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if len(d.Columns) != 3 || len(d.Rows) != 5 {
		t.Fatalf("dataset = %d cols, %d rows", len(d.Columns), len(d.Rows))
	}

	h := f.sandboxes.handles[0]
	if len(h.uploads) != 1 || h.uploads[0].Name != UploadName ||
		h.uploads[0].Description != "Data columns consist of name, age, city." {
		t.Errorf("uploads = %+v", h.uploads)
	}

	ans, err := f.runner.Submit(ctx, f.state, "describe the data")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(ans.Segments) == 0 || ans.Segments[0].Type != domain.SegmentText {
		t.Errorf("segments = %+v", ans.Segments)
	}
	if got := f.state.Answers(); len(got) != 1 || got[0].ID != ans.ID {
		t.Errorf("answers = %+v", got)
	}

	req := f.provider.Requests[0]
	if *req.Temperature != 0 || !strings.Contains(req.Instructions, "data analyst for non-technical people") {
		t.Errorf("request = %+v", req)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != sandbox.ToolNameDataAnalysis {
		t.Errorf("tools = %+v", req.Tools)
	}
}

func TestSubmitBlankQuery(t *testing.T) {
	f := setup(t, ToolSandbox, textReply("unused"))
	ctx := context.Background()
	if _, err := f.runner.Upload(ctx, f.state, "p.csv", strings.NewReader(peopleCSV)); err != nil {
		t.Fatal(err)
	}

	for _, q := range []string{"", "   ", "\n\t"} {
		if _, err := f.runner.Submit(ctx, f.state, q); !errors.Is(err, ErrBlankQuery) {
			t.Errorf("Submit(%q) err = %v, want ErrBlankQuery", q, err)
		}
	}
	if f.provider.calls() != 0 {
		t.Error("agent must not be called for blank queries")
	}
	if len(f.state.Answers()) != 0 {
		t.Error("answers must not change")
	}
}

func TestSubmitWithoutDataset(t *testing.T) {
	f := setup(t, ToolSandbox)
	if _, err := f.runner.Submit(context.Background(), f.state, "hi"); !errors.Is(err, ErrNoDataset) {
		t.Errorf("err = %v, want ErrNoDataset", err)
	}
}

func TestSubmitOrderAndReset(t *testing.T) {
	f := setup(t, ToolSandbox, textReply("one"), textReply("two"), textReply("three"))
	ctx := context.Background()
	if _, err := f.runner.Upload(ctx, f.state, "p.csv", strings.NewReader(peopleCSV)); err != nil {
		t.Fatal(err)
	}
	for _, q := range []string{"q1", "q2", "q3"} {
		if _, err := f.runner.Submit(ctx, f.state, q); err != nil {
			t.Fatalf("Submit(%s): %v", q, err)
		}
	}
	got := f.state.Answers()
	if len(got) != 3 || got[0].Query != "q1" || got[1].Query != "q2" || got[2].Query != "q3" {
		t.Fatalf("answers = %+v", got)
	}

	key := f.state.UploaderKey()
	if err := f.runner.Reset(ctx, f.state); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if len(f.state.Answers()) != 0 || f.state.UploaderKey() != key+1 {
		t.Errorf("after reset: answers=%d key=%d", len(f.state.Answers()), f.state.UploaderKey())
	}

	// A second reset has no handle to close.
	if err := f.runner.Reset(ctx, f.state); err != nil {
		t.Fatalf("second Reset: %v", err)
	}
	if closes := f.sandboxes.handles[0].closes; closes != 1 {
		t.Errorf("handle closed %d times, want 1", closes)
	}
	if _, err := f.runner.Submit(ctx, f.state, "q4"); !errors.Is(err, ErrNoDataset) {
		t.Errorf("Submit after reset err = %v, want ErrNoDataset", err)
	}
}

func TestUploadMemoized(t *testing.T) {
	f := setup(t, ToolSandbox)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := f.runner.Upload(ctx, f.state, "p.csv", strings.NewReader(peopleCSV)); err != nil {
			t.Fatal(err)
		}
	}
	if n := f.sandboxes.opened(); n != 1 {
		t.Fatalf("opened %d sandboxes for identical uploads, want 1", n)
	}

	if _, err := f.runner.Upload(ctx, f.state, "p.csv", strings.NewReader(peopleCSV+"fay,50,Bern\n")); err != nil {
		t.Fatal(err)
	}
	if n := f.sandboxes.opened(); n != 2 {
		t.Fatalf("opened %d sandboxes, want 2", n)
	}
	if closes := f.sandboxes.handles[0].closes; closes != 1 {
		t.Errorf("superseded handle closed %d times, want 1", closes)
	}

	// Reset forces a rebuild even for the same content.
	if err := f.runner.Reset(ctx, f.state); err != nil {
		t.Fatal(err)
	}
	if _, err := f.runner.Upload(ctx, f.state, "p.csv", strings.NewReader(peopleCSV)); err != nil {
		t.Fatal(err)
	}
	if n := f.sandboxes.opened(); n != 3 {
		t.Errorf("opened %d sandboxes after reset, want 3", n)
	}
}

func TestSubmitChart(t *testing.T) {
	f := setup(t, ToolSandbox,
		callReply(sandbox.ToolNameDataAnalysis, map[string]any{"python_code": "plot()"}),
		textReply("Here is the chart:\n![Ages](sandbox:/home/user/artifacts/chart.png)"),
	)
	ctx := context.Background()
	if _, err := f.runner.Upload(ctx, f.state, "p.csv", strings.NewReader(peopleCSV)); err != nil {
		t.Fatal(err)
	}
	events, unsubscribe := f.state.Subscribe()
	defer unsubscribe()

	ans, err := f.runner.Submit(ctx, f.state, "plot ages")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	want := []domain.Segment{
		{Type: domain.SegmentText, Output: "Here is the chart:"},
		{Type: domain.SegmentImage, Output: filepath.Join(f.outDir, "chart.png")},
	}
	if len(ans.Segments) != 2 || ans.Segments[0] != want[0] || ans.Segments[1] != want[1] {
		t.Errorf("segments = %+v, want %+v", ans.Segments, want)
	}
	if data, err := os.ReadFile(filepath.Join(f.outDir, "chart.png")); err != nil || string(data) != "png" {
		t.Errorf("saved chart = %q, %v", data, err)
	}

	seen := map[domain.EventType]bool{}
	for len(events) > 0 {
		ev := <-events
		seen[ev.Type] = true
	}
	for _, typ := range []domain.EventType{domain.EventToolCall, domain.EventStdout, domain.EventArtifact, domain.EventToolResult, domain.EventAnswer} {
		if !seen[typ] {
			t.Errorf("missing %s event", typ)
		}
	}
}

func TestSubmitUnreferencedArtifact(t *testing.T) {
	f := setup(t, ToolSandbox,
		callReply(sandbox.ToolNameDataAnalysis, map[string]any{"python_code": "plot()"}),
		textReply("I made a chart of ages."),
	)
	ctx := context.Background()
	if _, err := f.runner.Upload(ctx, f.state, "p.csv", strings.NewReader(peopleCSV)); err != nil {
		t.Fatal(err)
	}
	ans, err := f.runner.Submit(ctx, f.state, "plot ages")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(ans.Segments) != 2 || ans.Segments[1].Type != domain.SegmentImage {
		t.Errorf("segments = %+v", ans.Segments)
	}
}

func TestSubmitMalformedAnswer(t *testing.T) {
	f := setup(t, ToolSandbox, textReply("The chart is in the sandbox."))
	ctx := context.Background()
	if _, err := f.runner.Upload(ctx, f.state, "p.csv", strings.NewReader(peopleCSV)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.runner.Submit(ctx, f.state, "plot"); !errors.Is(err, format.ErrMalformedAnswer) {
		t.Errorf("err = %v, want ErrMalformedAnswer", err)
	}
	if len(f.state.Answers()) != 0 {
		t.Error("malformed answers must not be stored")
	}
}

func TestSQLMode(t *testing.T) {
	f := setup(t, ToolSQL,
		callReply(sqlquery.ToolNameSQL, map[string]any{"query": "SELECT AVG(age) AS avg_age FROM data"}),
		textReply("The average age is 32.8."),
	)
	ctx := context.Background()
	if _, err := f.runner.Upload(ctx, f.state, "p.csv", strings.NewReader(peopleCSV)); err != nil {
		t.Fatal(err)
	}
	if f.sandboxes.opened() != 0 {
		t.Error("sql mode must not open a sandbox")
	}
	if _, err := f.runner.Submit(ctx, f.state, "average age?"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	msgs := f.provider.Requests[1].Messages
	res := msgs[len(msgs)-1].Content[0].ToolResult
	if res == nil || res.IsError || !strings.Contains(res.Content, "32.8") {
		t.Errorf("tool result = %+v", res)
	}
}

func TestCacheCollapsesConcurrentInit(t *testing.T) {
	var builds atomic.Int32
	release := make(chan struct{})
	c := NewCache(func(ctx context.Context, st *session.State, d *dataset.Dataset) (*Resources, error) {
		builds.Add(1)
		<-release
		return &Resources{DatasetID: d.ID()}, nil
	})

	st := session.NewState("s1")
	d, err := dataset.Parse("p.csv", strings.NewReader(peopleCSV))
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make([]*Resources, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.Get(context.Background(), st, d)
			if err != nil {
				t.Error(err)
			}
			results[i] = res
		}(i)
	}
	close(release)
	wg.Wait()

	if n := builds.Load(); n != 1 {
		t.Errorf("built %d times, want 1", n)
	}
	for _, res := range results {
		if res != results[0] {
			t.Error("all callers should share the same resources")
		}
	}
}

func TestEnd(t *testing.T) {
	f := setup(t, ToolSandbox)
	ctx := context.Background()
	if _, err := f.runner.Upload(ctx, f.state, "p.csv", strings.NewReader(peopleCSV)); err != nil {
		t.Fatal(err)
	}
	if err := f.runner.End(ctx, f.state.ID()); err != nil {
		t.Fatalf("End: %v", err)
	}
	if f.sandboxes.handles[0].closes != 1 {
		t.Error("End should close the sandbox")
	}
	if _, err := f.runner.Sessions().Get(f.state.ID()); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Get after End err = %v", err)
	}
}

func TestSubmitChartUncleanOutputDir(t *testing.T) {
	dir := t.TempDir() + "/./outputs/"
	f := setupIn(t, dir, ToolSandbox,
		callReply(sandbox.ToolNameDataAnalysis, map[string]any{"python_code": "plot()"}),
		textReply("Here you go.\n![c](sandbox:/home/user/artifacts/chart.png)"),
	)
	ctx := context.Background()
	if _, err := f.runner.Upload(ctx, f.state, "p.csv", strings.NewReader(peopleCSV)); err != nil {
		t.Fatal(err)
	}
	ans, err := f.runner.Submit(ctx, f.state, "plot ages")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(ans.Segments) != 2 {
		t.Fatalf("got %d segments, want 2: %+v", len(ans.Segments), ans.Segments)
	}
	if want := filepath.Join(dir, "chart.png"); ans.Segments[1].Output != want {
		t.Errorf("image = %q, want %q", ans.Segments[1].Output, want)
	}
}

func TestEndedSessionRejectsWork(t *testing.T) {
	f := setup(t, ToolSandbox, textReply("unused"))
	ctx := context.Background()
	if _, err := f.runner.Upload(ctx, f.state, "p.csv", strings.NewReader(peopleCSV)); err != nil {
		t.Fatal(err)
	}
	if err := f.runner.End(ctx, f.state.ID()); err != nil {
		t.Fatalf("End: %v", err)
	}

	if _, err := f.runner.Submit(ctx, f.state, "hi"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Submit after End err = %v, want ErrNotFound", err)
	}
	if _, err := f.runner.Upload(ctx, f.state, "p.csv", strings.NewReader(peopleCSV)); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Upload after End err = %v, want ErrNotFound", err)
	}
	if n := f.sandboxes.opened(); n != 1 {
		t.Errorf("opened %d sandboxes, want 1", n)
	}
	if f.provider.calls() != 0 {
		t.Error("agent must not run for an ended session")
	}
}

func TestSubmitDuringUploadUsesNewDataset(t *testing.T) {
	f := setup(t, ToolSandbox, textReply("answer"))
	ctx := context.Background()
	if _, err := f.runner.Upload(ctx, f.state, "p.csv", strings.NewReader(peopleCSV)); err != nil {
		t.Fatal(err)
	}

	gate := make(chan struct{})
	entered := make(chan struct{})
	f.sandboxes.mu.Lock()
	f.sandboxes.gate, f.sandboxes.entered = gate, entered
	f.sandboxes.mu.Unlock()

	newCSV := peopleCSV + "fay,50,Bern\n"
	uploadErr := make(chan error, 1)
	go func() {
		_, err := f.runner.Upload(ctx, f.state, "p.csv", strings.NewReader(newCSV))
		uploadErr <- err
	}()
	<-entered

	submitErr := make(chan error, 1)
	go func() {
		_, err := f.runner.Submit(ctx, f.state, "how many rows?")
		submitErr <- err
	}()
	select {
	case err := <-submitErr:
		t.Fatalf("Submit finished before the upload did: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(gate)

	if err := <-uploadErr; err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := <-submitErr; err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if n := f.sandboxes.opened(); n != 2 {
		t.Errorf("opened %d sandboxes, want 2", n)
	}
	if closes := f.sandboxes.handle(1).closeCount(); closes != 0 {
		t.Errorf("new sandbox closed %d times, want 0", closes)
	}
	res, ok := f.runner.cache.Current(f.state.ID())
	if !ok || res.DatasetID != f.state.Dataset().ID() {
		t.Errorf("cached resources do not match the current dataset")
	}
}

func TestUploadFailureClosesSandbox(t *testing.T) {
	f := setup(t, ToolSandbox)
	boom := errors.New("disk full")
	f.sandboxes.uploadErr = boom
	f.sandboxes.closeErr = errors.New("already gone")

	_, err := f.runner.Upload(context.Background(), f.state, "p.csv", strings.NewReader(peopleCSV))
	if !errors.Is(err, boom) {
		t.Fatalf("Upload err = %v, want %v", err, boom)
	}
	if closes := f.sandboxes.handle(0).closeCount(); closes != 1 {
		t.Errorf("sandbox closed %d times, want 1", closes)
	}
	if f.state.Uploaded() {
		t.Error("failed upload must not mark the session uploaded")
	}
}
