package web

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dontdude/coderun/internal/domain"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleLanguages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{
		"languages": s.executor.Languages(),
	})
}

type compileRequest struct {
	Code  string `json:"code"`
	Stdin string `json:"stdin"`
}

// handleCompile runs a submission to completion with no interactive input.
func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	var req compileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}
	if !s.sessions.acquire() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Server is shutting down"})
		return
	}
	defer s.sessions.release()

	// A dropped client does not abort the session; teardown must still run.
	ctx := context.WithoutCancel(r.Context())
	res := s.executor.Run(ctx, domain.ExecutionRequest{
		Language: chi.URLParam(r, "language"),
		Source:   req.Code,
		Input:    []byte(req.Stdin),
	})

	if res.Failed() {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": res.Error})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"output": res.Output})
}

type submitRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
	Stdin    string `json:"stdin"`
}

// handleSubmit enqueues a job for the worker fleet.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}
	if req.Code == "" || req.Language == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Code and Language are required"})
		return
	}
	if !slices.Contains(s.executor.Languages(), req.Language) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Unsupported language: " + req.Language})
		return
	}

	job := domain.Job{
		ID:       uuid.NewString(),
		Code:     req.Code,
		Language: req.Language,
		Stdin:    req.Stdin,
	}

	s.logger.Info("received submission", zap.String("job_id", job.ID), zap.String("language", job.Language))
	if err := s.queue.Publish(r.Context(), job); err != nil {
		s.logger.Error("failed to publish job", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": "queued",
	})
}
