package server

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/nstogner/datachat/pkg/dataset"
	"github.com/nstogner/datachat/pkg/format"
	"github.com/nstogner/datachat/pkg/model"
	"github.com/nstogner/datachat/pkg/render"
	"github.com/nstogner/datachat/pkg/runner"
	"github.com/nstogner/datachat/pkg/session"
	"github.com/nstogner/datachat/web"
)

// SessionCookie holds the browser's session ID.
const SessionCookie = "datachat_session"

// MaxUploadSize bounds uploaded files.
const MaxUploadSize = 32 << 20

// Server serves the HTML UI and the JSON API.
type Server struct {
	runner    *runner.Runner
	provider  model.Provider
	page      *render.HTML
	outputDir string
	srv       *http.Server
}

// New creates a new Server. outputDir is where artifact images are read from.
func New(r *runner.Runner, provider model.Provider, page *render.HTML, outputDir string) *Server {
	return &Server{
		runner:    r,
		provider:  provider,
		page:      page,
		outputDir: outputDir,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Page routes
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("POST /query", s.handleQuery)
	mux.HandleFunc("POST /reset", s.handleReset)
	mux.HandleFunc("GET /outputs/{name}", s.handleOutput)

	// Sessions
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/dataset", s.handleAPIUpload)
	mux.HandleFunc("POST /api/sessions/{id}/query", s.handleAPIQuery)
	mux.HandleFunc("POST /api/sessions/{id}/reset", s.handleAPIReset)

	// Models
	mux.HandleFunc("GET /api/models", s.handleListModels)

	// WebSocket
	mux.HandleFunc("GET /api/sessions/{id}/events", s.handleEventsWebSocket)

	// Static assets
	static, err := fs.Sub(web.FS, "static")
	if err != nil {
		panic(err)
	}
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(static))))

	return s.corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting web server", "addr", addr)
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var parseErr *csv.ParseError
	switch {
	case errors.Is(err, runner.ErrBlankQuery),
		errors.Is(err, runner.ErrNoDataset),
		errors.Is(err, dataset.ErrEmpty),
		errors.As(err, &parseErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, format.ErrMalformedAnswer):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		slog.Error("API Error", "error", err)
	} else {
		slog.Warn("API request rejected", "error", err)
	}
	s.jsonResponse(w, status, map[string]string{"error": err.Error()})
}
