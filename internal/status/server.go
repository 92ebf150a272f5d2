// Package status serves liveness and progress endpoints during a
// migration run.
//
// The server is deliberately small: an operator watching a long batch
// job needs "is it alive" and "how far along", nothing more. It binds
// only for the duration of a pass and shares the process with the
// engine, so a hung engine shows up as a stalled /progress rather
// than a dead /healthz.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// ProgressSource reports run counters. *migrate.Engine satisfies it.
type ProgressSource interface {
	Progress() (seen, copied, failed, skipped int64)
}

// Server serves GET /healthz and GET /progress over HTTP.
type Server struct {
	source ProgressSource
	srv    *http.Server
}

// New creates a status server bound to addr (e.g., ":8080").
func New(addr string, source ProgressSource) *Server {
	s := &Server{source: source}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/progress", s.handleProgress)
	return r
}

// Start listens and serves until Shutdown is called. An orderly
// shutdown returns nil.
func (s *Server) Start() error {
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server, waiting for in-flight requests up to the
// context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// progressBody is the /progress response payload. Field names line up
// with the summary record so dashboards can reuse parsing.
type progressBody struct {
	ObjectsSeen int64 `json:"objects_seen"`
	Copied      int64 `json:"copied"`
	Failed      int64 `json:"failed"`
	Skipped     int64 `json:"skipped"`
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	seen, copied, failed, skipped := s.source.Progress()
	writeJSON(w, progressBody{
		ObjectsSeen: seen,
		Copied:      copied,
		Failed:      failed,
		Skipped:     skipped,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
