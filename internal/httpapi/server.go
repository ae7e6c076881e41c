// Package httpapi is the thin HTTP/JSON surface over the engine:
// route dispatch, request decoding, and response enveloping. It holds
// no storage logic of its own — every handler's job is to translate
// between JSON and calls on iEngine.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"tsdb/pkg/engine"
	"tsdb/pkg/tsmodel"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const defaultShutdownTimeout = 5 * time.Second

// iEngine is the subset of *engine.Engine the HTTP layer calls
// through, kept as an interface so handlers can be tested against a
// hand-rolled fake instead of a real LSM engine.
type iEngine interface {
	Insert(p tsmodel.Point) error
	InsertBatch(points []tsmodel.Point) (ok, failed int)
	Update(series string, ts int64, value float64) error
	DeletePoint(series string, ts int64) error
	DeleteSeries(series string) error
	Query(series string, tLo, tHi int64, limit int) []tsmodel.Point
	ListSeries() []string
	SeriesInfo(series string) (tsmodel.SeriesInfo, bool)
	Compact(force bool) error
}

// Server wires an engine handle to a chi router and an *http.Server.
type Server struct {
	engine iEngine
	stats  func() engine.Stats
	log    *slog.Logger
	now    func() int64

	addr       string
	httpServer *http.Server
}

// New builds a Server listening on addr ("" defaults to :6364).
func New(eng iEngine, stats func() engine.Stats, log *slog.Logger, addr string) *Server {
	if log == nil {
		log = slog.Default()
	}
	if addr == "" {
		addr = ":6364"
	}
	return &Server{
		engine: eng,
		stats:  stats,
		log:    log,
		now:    func() int64 { return time.Now().Unix() },
		addr:   addr,
	}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/datapoints", s.handleInsert)
		r.Post("/datapoints/batch", s.handleInsertBatch)
		r.Get("/series", s.handleListSeries)
		r.Get("/series/{key}", s.handleSeriesInfo)
		r.Delete("/series/{key}", s.handleDeleteSeries)
		r.Get("/series/{key}/datapoints", s.handleQuery)
		r.Put("/series/{key}/datapoints/{ts}", s.handleUpdatePoint)
		r.Delete("/series/{key}/datapoints/{ts}", s.handleDeletePoint)
		r.Post("/admin/compact", s.handleCompact)
	})

	return r
}

// Start begins serving HTTP in the background, returning immediately.
func (s *Server) Start() {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("http server error", "error", err)
		}
	}()
	s.log.Info("http server started", "addr", s.addr)
}

// Stop gracefully shuts the HTTP server down, waiting for in-flight
// requests to finish or the shutdown timeout to elapse.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		s.log.Warn("failed to encode response", "error", err)
	}
}

// writeRaw encodes body directly, bypassing the success/message/data
// envelope — used only by /health, whose documented shape is flat.
func (s *Server) writeRaw(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn("failed to encode response", "error", err)
	}
}

func (s *Server) ok(w http.ResponseWriter, message string, data any) {
	s.writeJSON(w, http.StatusOK, newEnvelope(true, message, data, s.now))
}

func (s *Server) fail(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, newEnvelope(false, message, nil, s.now))
}
