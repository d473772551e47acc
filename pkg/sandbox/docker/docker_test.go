package docker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/nstogner/datachat/pkg/sandbox"
)

func TestTarRoundTrip(t *testing.T) {
	r, err := tarFile("user_data.csv", []byte("a,b\n1,2\n"))
	if err != nil {
		t.Fatalf("tarFile: %v", err)
	}
	got, err := untarFirst(r)
	if err != nil {
		t.Fatalf("untarFirst: %v", err)
	}
	if string(got) != "a,b\n1,2\n" {
		t.Errorf("untarFirst = %q", got)
	}
}

func TestUntarFirstEmpty(t *testing.T) {
	r, err := tarFile("x", nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := untarFirst(r)
	if err != nil {
		t.Fatalf("untarFirst: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty file, got %q", got)
	}

	if _, err := untarFirst(strings.NewReader("")); err == nil {
		t.Error("expected error for empty archive")
	}
}

func TestEachLine(t *testing.T) {
	var lines []string
	eachLine("one\ntwo\n", func(s string) { lines = append(lines, s) })
	if !reflect.DeepEqual(lines, []string{"one", "two"}) {
		t.Errorf("lines = %v", lines)
	}

	eachLine("", func(s string) { t.Errorf("unexpected line %q", s) })
	eachLine("ignored", nil)
}

func TestHandleRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tools:run_ipython_cell" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req runCellRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !req.SplitOutput {
			http.Error(w, "split_output not set", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(runCellResponse{
			Stdout:    "mean 3.5\n",
			Stderr:    "warning\n",
			Artifacts: []string{"/home/user/artifacts/chart.png"},
		})
	}))
	defer srv.Close()

	var stdout, stderr, artifacts []string
	h := &Handle{
		id:         "test",
		baseURL:    srv.URL,
		httpClient: srv.Client(),
		callbacks: sandbox.Callbacks{
			OnStdout: func(l string) { stdout = append(stdout, l) },
			OnStderr: func(l string) { stderr = append(stderr, l) },
			OnArtifact: func(_ context.Context, a sandbox.Artifact) error {
				artifacts = append(artifacts, a.Name())
				return nil
			},
		},
	}

	res, err := h.Run(context.Background(), "print(df.mean())")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stdout != "mean 3.5\n" {
		t.Errorf("Stdout = %q", res.Stdout)
	}
	if len(res.Artifacts) != 1 || res.Artifacts[0].Name() != "/home/user/artifacts/chart.png" {
		t.Errorf("Artifacts = %v", res.Artifacts)
	}
	if !reflect.DeepEqual(stdout, []string{"mean 3.5"}) {
		t.Errorf("stdout callbacks = %v", stdout)
	}
	if !reflect.DeepEqual(stderr, []string{"warning"}) {
		t.Errorf("stderr callbacks = %v", stderr)
	}
	if !reflect.DeepEqual(artifacts, []string{"/home/user/artifacts/chart.png"}) {
		t.Errorf("artifact callbacks = %v", artifacts)
	}
}

func TestHandleRunArtifactError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(runCellResponse{Artifacts: []string{"/home/user/artifacts/a.png"}})
	}))
	defer srv.Close()

	boom := errors.New("disk full")
	h := &Handle{
		baseURL:    srv.URL,
		httpClient: srv.Client(),
		callbacks: sandbox.Callbacks{
			OnArtifact: func(context.Context, sandbox.Artifact) error { return boom },
		},
	}
	if _, err := h.Run(context.Background(), "x"); !errors.Is(err, boom) {
		t.Errorf("Run error = %v, want %v", err, boom)
	}
}

func TestHandleRunServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "kernel died", http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := &Handle{baseURL: srv.URL, httpClient: srv.Client()}
	_, err := h.Run(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "kernel died") {
		t.Errorf("Run error = %v", err)
	}
}

func TestHandleClosed(t *testing.T) {
	h := &Handle{closed: true}
	if _, err := h.Run(context.Background(), "x"); !errors.Is(err, sandbox.ErrClosed) {
		t.Errorf("Run error = %v, want ErrClosed", err)
	}
	if _, err := h.Upload(context.Background(), "a.csv", nil, ""); !errors.Is(err, sandbox.ErrClosed) {
		t.Errorf("Upload error = %v, want ErrClosed", err)
	}
	if err := h.Close(context.Background()); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
