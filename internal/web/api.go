package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/julienschmidt/httprouter"

	"github.com/codefionn/flowsync/internal/analyzer"
	"github.com/codefionn/flowsync/internal/consts"
	"github.com/codefionn/flowsync/internal/media"
	"github.com/codefionn/flowsync/internal/store"
)

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string, details interface{}) {
	writeJSON(w, status, map[string]apiError{
		"error": {Code: code, Message: message, Details: details},
	})
}

// fail maps collaborator errors to HTTP responses. Upstream failures are
// reported as 502 with what the upstream said.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		providerErr *analyzer.ProviderError
		exitErr     *media.ExitError
		abortedErr  *media.AbortedError
	)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.As(err, &providerErr):
		writeError(w, http.StatusBadGateway, "analyzer_failed", providerErr.Err.Error(), map[string]interface{}{
			"provider":   providerErr.Provider,
			"statusCode": providerErr.StatusCode,
		})
	case errors.As(err, &exitErr):
		writeError(w, http.StatusBadGateway, "media_failed", exitErr.Error(), map[string]interface{}{
			"exitCode": exitErr.Code,
			"stderr":   exitErr.Stderr,
		})
	case errors.As(err, &abortedErr):
		writeError(w, http.StatusBadGateway, "media_failed", abortedErr.Error(), map[string]interface{}{
			"reason": abortedErr.Reason(),
		})
	case errors.Is(err, analyzer.ErrInvalidSchema):
		writeError(w, http.StatusBadRequest, "invalid_schema", err.Error(), nil)
	case errors.Is(err, media.ErrOutsideWorkDir), errors.Is(err, media.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
	default:
		s.log.Error("%s %s: %v", r.Method, r.URL.Path, err)
		writeError(w, http.StatusInternalServerError, "internal", "internal server error", nil)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, consts.MaxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error(), nil)
		return false
	}
	return true
}

func idParam(w http.ResponseWriter, ps httprouter.Params, name string) (int64, bool) {
	id, err := strconv.ParseInt(ps.ByName(name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_id", fmt.Sprintf("%s must be a positive integer", name), nil)
		return 0, false
	}
	return id, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	status, code := "ok", http.StatusOK
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		s.log.Warn("health: store ping failed: %v", err)
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":      status,
		"connections": s.hub.ClientCount(),
		"engine":      s.deps.Engine.Stats(),
	})
}

// Collaboration sessions

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	sessions, err := s.deps.Engine.Sessions(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSessionSnapshot(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := idParam(w, ps, "workflowId")
	if !ok {
		return
	}
	snap, found, err := s.deps.Engine.Snapshot(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("no active session for workflow %d", id), nil)
		return
	}

	body, err := json.Marshal(snap)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	etag := fmt.Sprintf(`"%016x"`, xxhash.Sum64(body))
	w.Header().Set("ETag", etag)
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == etag || candidate == "*" {
			return true
		}
	}
	return false
}

// Workflows

type workflowInput struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Graph       json.RawMessage `json:"graph"`
}

func (in workflowInput) validate(w http.ResponseWriter) bool {
	if strings.TrimSpace(in.Name) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "name is required", nil)
		return false
	}
	return true
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	workflows, err := s.deps.Store.ListWorkflows(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, workflows)
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var in workflowInput
	if !decodeBody(w, r, &in) || !in.validate(w) {
		return
	}
	wf := &store.Workflow{Name: in.Name, Description: in.Description, Graph: in.Graph}
	if err := s.deps.Store.CreateWorkflow(r.Context(), wf); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := idParam(w, ps, "id")
	if !ok {
		return
	}
	wf, err := s.deps.Store.GetWorkflow(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := idParam(w, ps, "id")
	if !ok {
		return
	}
	var in workflowInput
	if !decodeBody(w, r, &in) || !in.validate(w) {
		return
	}
	wf := &store.Workflow{ID: id, Name: in.Name, Description: in.Description, Graph: in.Graph}
	if err := s.deps.Store.UpdateWorkflow(r.Context(), wf); err != nil {
		s.fail(w, r, err)
		return
	}
	updated, err := s.deps.Store.GetWorkflow(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := idParam(w, ps, "id")
	if !ok {
		return
	}
	if err := s.deps.Store.DeleteWorkflow(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWorkflowHistory(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := idParam(w, ps, "id")
	if !ok {
		return
	}
	history, err := s.deps.Store.SessionHistory(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// Gallery

type galleryInput struct {
	WorkflowID *int64 `json:"workflowId"`
	Title      string `json:"title"`
	MediaURI   string `json:"mediaUri"`
	MIMEType   string `json:"mimeType"`
}

func (s *Server) handleListGallery(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var workflowID int64
	if v := r.URL.Query().Get("workflowId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_id", "workflowId must be a positive integer", nil)
			return
		}
		workflowID = id
	}
	items, err := s.deps.Store.ListGalleryItems(r.Context(), workflowID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleCreateGalleryItem(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var in galleryInput
	if !decodeBody(w, r, &in) {
		return
	}
	if strings.TrimSpace(in.MediaURI) == "" || strings.TrimSpace(in.MIMEType) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "mediaUri and mimeType are required", nil)
		return
	}
	item := &store.GalleryItem{WorkflowID: in.WorkflowID, Title: in.Title, MediaURI: in.MediaURI, MIMEType: in.MIMEType}
	if err := s.deps.Store.CreateGalleryItem(r.Context(), item); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleDeleteGalleryItem(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := idParam(w, ps, "id")
	if !ok {
		return
	}
	if err := s.deps.Store.DeleteGalleryItem(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type analyzeInput struct {
	Prompt string          `json:"prompt"`
	Schema json.RawMessage `json:"schema"`
}

func (s *Server) handleAnalyzeGalleryItem(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.deps.Analyzer == nil {
		writeError(w, http.StatusServiceUnavailable, "analyzer_disabled", "no content analyzer configured", nil)
		return
	}
	id, ok := idParam(w, ps, "id")
	if !ok {
		return
	}
	var in analyzeInput
	if !decodeBody(w, r, &in) {
		return
	}
	if len(in.Schema) > 0 {
		if _, err := analyzer.CompileSchema(in.Schema); err != nil {
			s.fail(w, r, err)
			return
		}
	}

	item, err := s.deps.Store.GetGalleryItem(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	result, err := s.deps.Analyzer.Analyze(r.Context(), analyzer.Request{
		MediaURI: item.MediaURI,
		MIMEType: item.MIMEType,
		Prompt:   in.Prompt,
		Schema:   in.Schema,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.deps.Store.SetGalleryAnalysis(r.Context(), id, result); err != nil {
		s.fail(w, r, err)
		return
	}

	updated, err := s.deps.Store.GetGalleryItem(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info("Analyzed gallery item %d with %s/%s", id, s.deps.Analyzer.Provider(), s.deps.Analyzer.Model())
	writeJSON(w, http.StatusOK, updated)
}

// Media

func (s *Server) handleMediaTransform(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.deps.Media == nil {
		writeError(w, http.StatusServiceUnavailable, "media_disabled", "media runner not configured", nil)
		return
	}
	var req media.TransformRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.deps.Media.Transform(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleMediaProbe(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.deps.Media == nil {
		writeError(w, http.StatusServiceUnavailable, "media_disabled", "media runner not configured", nil)
		return
	}
	path := r.URL.Query().Get("path")
	if strings.TrimSpace(path) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "path is required", nil)
		return
	}
	res, err := s.deps.Media.Probe(r.Context(), path)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
