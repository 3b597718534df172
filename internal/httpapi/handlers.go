package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/johnswift/contentbridge/internal/files"
	"github.com/johnswift/contentbridge/internal/jobs"
	"github.com/johnswift/contentbridge/internal/migrate"
	"github.com/johnswift/contentbridge/internal/process"
)

const maxParamsBytes = 1 << 20

// SubmitResponse is returned for accepted exports and imports.
type SubmitResponse struct {
	ProcessID string `json:"processId"`
	StatusURL string `json:"statusUrl"`
}

// StatusResponse is the poll view of a process.
type StatusResponse struct {
	ProcessID       string          `json:"processId"`
	Kind            string          `json:"kind"`
	Status          jobs.State      `json:"status"`
	Progress        float64         `json:"progress"`
	CompletionTime  *time.Time      `json:"completionTime,omitempty"`
	Message         string          `json:"message,omitempty"`
	CancelRequested bool            `json:"cancelRequested,omitempty"`
	DownloadURL     string          `json:"downloadUrl,omitempty"`
	ResultsURL      string          `json:"resultsUrl,omitempty"`
	Result          *migrate.Result `json:"result,omitempty"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func statusURL(id string) string { return "/api/v1/processes/" + id }

func newStatusResponse(st jobs.Status) StatusResponse {
	resp := StatusResponse{
		ProcessID:       st.ProcessID,
		Kind:            st.Kind,
		Status:          st.State,
		Progress:        st.Progress,
		CompletionTime:  st.CompletionTime,
		Message:         st.Message,
		CancelRequested: st.CancelRequested,
		Result:          st.Result,
	}
	if st.State != jobs.StateSucceeded {
		return resp
	}
	switch {
	case st.DownloadURL != "":
		resp.DownloadURL = st.DownloadURL
	case st.ArtifactPath != "":
		resp.DownloadURL = statusURL(st.ProcessID) + "/download"
	default:
		resp.ResultsURL = statusURL(st.ProcessID) + "/results"
	}
	return resp
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, errorResponse{Error: err.Error()})
}

// errorCode maps domain errors onto HTTP status codes.
func errorCode(err error) int {
	var merr *migrate.Error
	switch {
	case errors.Is(err, jobs.ErrProcessNotFound),
		errors.Is(err, files.ErrFileNotFound),
		errors.Is(err, process.ErrNoArtifact):
		return http.StatusNotFound
	case errors.Is(err, files.ErrFileExpired):
		return http.StatusGone
	case errors.Is(err, files.ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrProcessFinished):
		return http.StatusConflict
	case errors.Is(err, jobs.ErrTrackerClosed), errors.Is(err, files.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &merr):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// decodeParams overlays a JSON document on the configured defaults. An empty
// document keeps the defaults.
func (s *Server) decodeParams(r io.Reader) (migrate.Parameters, error) {
	params := s.launcher.Defaults()
	err := json.NewDecoder(io.LimitReader(r, maxParamsBytes)).Decode(&params)
	if err != nil && !errors.Is(err, io.EOF) {
		return migrate.Parameters{}, fmt.Errorf("decode parameters: %w", err)
	}
	return params, nil
}

func (s *Server) accepted(w http.ResponseWriter, id string) {
	w.Header().Set("Location", statusURL(id))
	s.writeJSON(w, http.StatusAccepted, SubmitResponse{ProcessID: id, StatusURL: statusURL(id)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleSubmitExport(w http.ResponseWriter, r *http.Request) {
	params, err := s.decodeParams(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.launcher.StartExport(params)
	if err != nil {
		s.writeError(w, submitErrorCode(err), err)
		return
	}
	s.accepted(w, id)
}

func submitErrorCode(err error) int {
	if code := errorCode(err); code != http.StatusInternalServerError {
		return code
	}
	if errors.Is(err, migrate.ErrInvalidParameters) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) handleSubmitImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("parse upload: %w", err))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	src, _, err := r.FormFile("package")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("missing package file: %w", err))
		return
	}
	defer src.Close()

	params, err := s.decodeParams(strings.NewReader(r.FormValue("parameters")))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	path, err := s.launcher.StageImport(src)
	if err != nil {
		s.writeError(w, errorCode(err), err)
		return
	}

	id, err := s.launcher.StartImport(params, path)
	if err != nil {
		s.launcher.DiscardImportFile(path)
		s.writeError(w, submitErrorCode(err), err)
		return
	}
	s.accepted(w, id)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.launcher.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, errorCode(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, newStatusResponse(st))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.launcher.Cancel(r.Context(), id); err != nil {
		s.writeError(w, errorCode(err), err)
		return
	}
	st, err := s.launcher.Status(r.Context(), id)
	if err != nil {
		s.writeError(w, errorCode(err), err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, newStatusResponse(st))
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	mf, err := s.launcher.Artifact(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, errorCode(err), err)
		return
	}
	f, err := os.Open(mf.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.writeError(w, http.StatusNotFound, files.ErrFileNotFound)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(mf.Path)))
	http.ServeContent(w, r, filepath.Base(mf.Path), mf.CreatedAt, f)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	st, err := s.launcher.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, errorCode(err), err)
		return
	}
	if !st.State.Terminal() {
		s.writeError(w, http.StatusConflict, fmt.Errorf("process %s is %s", st.ProcessID, st.State))
		return
	}
	if st.Result == nil {
		s.writeJSON(w, http.StatusOK, migrate.NewResult())
		return
	}
	s.writeJSON(w, http.StatusOK, st.Result)
}
