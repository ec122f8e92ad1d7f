// Package server exposes the searcher over a small JSON HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/bdougie/framesearch/internal/models"
	"github.com/bdougie/framesearch/internal/predicate"
	"github.com/bdougie/framesearch/internal/search"
)

const maxBodyBytes = 1 << 20

// Searcher is the part of search.Searcher the HTTP layer needs.
type Searcher interface {
	Search(ctx context.Context, q search.Query) ([]search.Result, error)
	Available() bool
	Modalities() []string
}

// Server serves search requests over HTTP.
type Server struct {
	searcher Searcher
	logger   *slog.Logger
}

// New creates a Server; a nil logger uses slog.Default.
func New(searcher Searcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{searcher: searcher, logger: logger}
}

// Handler returns the routes for POST /search and GET /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /search", s.handleSearch)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// searchRequest is the wire form of a query. Audio is accepted as an alias
// for Transcript.
type searchRequest struct {
	Description string                    `json:"description"`
	Objects     []models.ObjectConstraint `json:"objects"`
	Transcript  string                    `json:"transcript"`
	Audio       string                    `json:"audio"`
}

type searchResponse struct {
	Count   int             `json:"count"`
	Results []search.Result `json:"results"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req searchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	q := search.Query{
		Description: req.Description,
		Objects:     req.Objects,
		Transcript:  req.Transcript,
	}
	if q.Transcript == "" {
		q.Transcript = req.Audio
	}

	results, err := s.searcher.Search(r.Context(), q)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("search failed", "error", err)
		} else {
			s.logger.Warn("search rejected", "status", status, "error", err)
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}

	s.logger.Debug("search served", "results", len(results), "elapsed", time.Since(start))
	writeJSON(w, http.StatusOK, searchResponse{Count: len(results), Results: results})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !s.searcher.Available() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"modalities": s.searcher.Modalities(),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, search.ErrEmptyQuery),
		errors.Is(err, predicate.ErrInvalidConstraint),
		errors.Is(err, predicate.ErrNoConstraints):
		return http.StatusBadRequest
	case errors.Is(err, search.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
