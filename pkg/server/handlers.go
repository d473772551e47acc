package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/nstogner/datachat/pkg/domain"
	"github.com/nstogner/datachat/pkg/render"
	"github.com/nstogner/datachat/pkg/session"
)

// --- Page ---

// pageSession returns the session named by the cookie, creating one if the
// cookie is missing or stale.
func (s *Server) pageSession(w http.ResponseWriter, r *http.Request) *session.State {
	if c, err := r.Cookie(SessionCookie); err == nil {
		if st, err := s.runner.Sessions().Get(c.Value); err == nil {
			return st
		}
	}
	st := s.runner.Sessions().New()
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    st.ID(),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	slog.Info("Session started", "sessionID", st.ID())
	return st
}

func (s *Server) renderPage(w http.ResponseWriter, st *session.State, status int, n render.Notice) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := s.page.Render(w, st, n); err != nil {
		slog.Error("Failed to render page", "sessionID", st.ID(), "error", err)
	}
}

// noticeFor turns an error into a warning (validation) or error message.
func noticeFor(err error, n render.Notice) render.Notice {
	switch statusFor(err) {
	case http.StatusUnprocessableEntity:
		n.Warning = err.Error()
	case http.StatusBadGateway:
		n.Error = "The model returned a malformed answer. Please try again."
	default:
		n.Error = err.Error()
	}
	return n
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	st := s.pageSession(w, r)
	st.Touch()
	s.renderPage(w, st, http.StatusOK, render.Notice{})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	st := s.pageSession(w, r)
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	file, hdr, err := r.FormFile("file")
	if err != nil {
		s.renderPage(w, st, http.StatusUnprocessableEntity, render.Notice{Warning: "Please upload a file."})
		return
	}
	defer file.Close()

	if _, err := s.runner.Upload(r.Context(), st, hdr.Filename, file); err != nil {
		s.renderPage(w, st, statusFor(err), noticeFor(err, render.Notice{}))
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	st := s.pageSession(w, r)
	query := r.FormValue("query")
	if _, err := s.runner.Submit(r.Context(), st, query); err != nil {
		s.renderPage(w, st, statusFor(err), noticeFor(err, render.Notice{Query: query}))
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	st := s.pageSession(w, r)
	if err := s.runner.Reset(r.Context(), st); err != nil {
		slog.Error("Reset failed", "sessionID", st.ID(), "error", err)
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, filepath.Join(s.outputDir, name))
}

// --- Sessions ---

type datasetView struct {
	Name    string     `json:"name"`
	ID      string     `json:"id"`
	Columns []string   `json:"columns"`
	Preview [][]string `json:"preview"`
}

type sessionView struct {
	ID          string          `json:"id"`
	UploaderKey int             `json:"uploader_key"`
	Uploaded    bool            `json:"uploaded"`
	Dataset     *datasetView    `json:"dataset,omitempty"`
	Answers     []domain.Answer `json:"answers"`
}

func viewOf(st *session.State) sessionView {
	v := sessionView{
		ID:          st.ID(),
		UploaderKey: st.UploaderKey(),
		Uploaded:    st.Uploaded(),
		Answers:     st.Answers(),
	}
	if d := st.Dataset(); d != nil {
		v.Dataset = &datasetView{Name: d.Name, ID: d.ID(), Columns: d.Columns, Preview: d.Preview(render.PreviewRows)}
	}
	return v
}

func (s *Server) apiSession(w http.ResponseWriter, r *http.Request) (*session.State, bool) {
	st, err := s.runner.Sessions().Get(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return nil, false
	}
	st.Touch()
	return st, true
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	st := s.runner.Sessions().New()
	slog.Info("Session started", "sessionID", st.ID())
	s.jsonResponse(w, http.StatusCreated, viewOf(st))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	st, ok := s.apiSession(w, r)
	if !ok {
		return
	}
	s.jsonResponse(w, http.StatusOK, viewOf(st))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.runner.End(r.Context(), r.PathValue("id")); err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAPIUpload accepts either a multipart form with a "file" field or a
// raw CSV body (named by the "name" query parameter).
func (s *Server) handleAPIUpload(w http.ResponseWriter, r *http.Request) {
	st, ok := s.apiSession(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)

	var (
		name string
		body io.Reader
	)
	if file, hdr, err := r.FormFile("file"); err == nil {
		defer file.Close()
		name, body = hdr.Filename, file
	} else if errors.Is(err, http.ErrNotMultipart) {
		name, body = r.URL.Query().Get("name"), r.Body
		if name == "" {
			name = "upload.csv"
		}
	} else {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}

	if _, err := s.runner.Upload(r.Context(), st, name, body); err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, viewOf(st))
}

func (s *Server) handleAPIQuery(w http.ResponseWriter, r *http.Request) {
	st, ok := s.apiSession(w, r)
	if !ok {
		return
	}
	var req struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	ans, err := s.runner.Submit(r.Context(), st, req.Query)
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, ans)
}

func (s *Server) handleAPIReset(w http.ResponseWriter, r *http.Request) {
	st, ok := s.apiSession(w, r)
	if !ok {
		return
	}
	if err := s.runner.Reset(r.Context(), st); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, viewOf(st))
}

// --- Models ---

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.provider.List(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, models)
}
