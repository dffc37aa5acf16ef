// Package server exposes the HTTP and WebSocket surface of the TingWu
// transcription service.
//
// # Endpoints
//
//   - POST /v1/transcribe — blocking transcription of one upload
//   - POST /v1/transcribe/async — queued transcription, returns a task id
//   - GET /v1/tasks/{id} — task state or result; DELETE cancels
//   - GET /v1/transcribe/{id}/srt — SRT rendering of a completed task
//   - GET /v1/realtime — WebSocket streaming session
//   - POST /v1/hotwords/reload — re-read the hotword sources
//   - GET /v1/backend — backend identity and capabilities
//   - GET /healthz, /readyz — probes
//   - GET /metrics — Prometheus scrape surface
//
// Audio arrives as a WAV container (mono 16-bit, any rate, resampled to
// 16 kHz) or as raw 16 kHz PCM16. Option overrides are checked against an
// allow-list and unknown fields are rejected, never dropped.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skygazer42/TingWu/internal/engine"
	"github.com/skygazer42/TingWu/internal/hotword"
	"github.com/skygazer42/TingWu/internal/observe"
	"github.com/skygazer42/TingWu/internal/speaker"
	"github.com/skygazer42/TingWu/internal/task"
)

const (
	defaultListenAddr = ":8000"

	// defaultMaxBody caps uploaded audio. 256 MiB holds over two hours of
	// 16 kHz PCM16.
	defaultMaxBody = 256 << 20

	readHeaderTimeout = 10 * time.Second
)

// Config wires the server to the rest of the service.
type Config struct {
	// ListenAddr is the main listener address. Default ":8000".
	ListenAddr string

	// MetricsAddr optionally moves /metrics and the probes onto their own
	// listener. Empty serves them on the main listener.
	MetricsAddr string

	// Engine runs the transcription pipeline. Required.
	Engine *engine.Engine

	// Tasks backs the async endpoints. Required.
	Tasks *task.Manager

	// Store is the hotword vocabulary behind POST /v1/hotwords/reload.
	// Optional; without it the endpoint reports that no sources exist.
	Store *hotword.Store

	// Metrics instruments the request middleware. Nil falls back to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// SpeakerOrder and DiarizerURL feed the strategy field of
	// GET /v1/backend. They mirror the orchestrator configuration.
	SpeakerOrder []speaker.Path
	DiarizerURL  string

	// AllowedRoles restricts which polish roles requests may select.
	// Empty admits every role.
	AllowedRoles []string

	// Checkers are evaluated by GET /readyz.
	Checkers []Checker

	// Version is reported by the probes and GET /v1/backend.
	Version string

	// MaxBodyBytes caps upload size. Default 256 MiB.
	MaxBodyBytes int64

	// Log is the handler logger. Nil uses [slog.Default].
	Log *slog.Logger
}

// Server serves the service API. Create with [New], run with [Server.Run]
// and stop with [Server.Shutdown].
type Server struct {
	cfg Config
	log *slog.Logger

	httpSrv    *http.Server
	metricsSrv *http.Server

	ready atomic.Bool

	mu      sync.Mutex
	conns   map[*websocket.Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

// taskKindTranscribe is the task manager kind for queued transcriptions.
const taskKindTranscribe = "transcribe"

// New validates cfg, registers the async task handler and builds the
// listeners. Nothing is bound until [Server.Run].
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	if cfg.Tasks == nil {
		return nil, errors.New("server: task manager is required")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	s := &Server{
		cfg:   cfg,
		log:   cfg.Log,
		conns: make(map[*websocket.Conn]struct{}),
	}
	s.cfg.Tasks.RegisterHandler(taskKindTranscribe, s.runTranscribeJob)

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	if cfg.MetricsAddr != "" {
		s.metricsSrv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           s.metricsRoutes(),
			ReadHeaderTimeout: readHeaderTimeout,
		}
	}
	return s, nil
}

// routes builds the main mux behind the observability middleware.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/transcribe", s.handleTranscribe)
	mux.HandleFunc("POST /v1/transcribe/async", s.handleTranscribeAsync)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleTaskGet)
	mux.HandleFunc("DELETE /v1/tasks/{id}", s.handleTaskCancel)
	mux.HandleFunc("GET /v1/transcribe/{id}/srt", s.handleTaskSRT)
	mux.HandleFunc("GET /v1/realtime", s.handleRealtime)
	mux.HandleFunc("POST /v1/hotwords/reload", s.handleHotwordReload)
	mux.HandleFunc("GET /v1/backend", s.handleBackendInfo)
	s.registerProbes(mux)
	if s.cfg.MetricsAddr == "" {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	return observe.Middleware(s.cfg.Metrics)(mux)
}

// metricsRoutes builds the dedicated metrics mux. The probes are mounted
// here too so orchestrators can target one port.
func (s *Server) metricsRoutes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	s.registerProbes(mux)
	return mux
}

// Handler returns the main request handler, for tests that serve it
// through [net/http/httptest].
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Run binds the listeners and serves until ctx is cancelled, then returns
// nil; call [Server.Shutdown] to drain. A listener failure ends Run early
// with the error.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 2)

	go func() {
		s.log.Info("http server listening", slog.String("addr", s.cfg.ListenAddr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("server: listen %s: %w", s.cfg.ListenAddr, err)
		}
	}()
	if s.metricsSrv != nil {
		go func() {
			s.log.Info("metrics server listening", slog.String("addr", s.cfg.MetricsAddr))
			if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("server: listen %s: %w", s.cfg.MetricsAddr, err)
			}
		}()
	}

	s.ready.Store(true)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		return err
	}
}

// SetReady overrides the readiness gate. [Server.Run] flips it on and
// [Server.Shutdown] off; warmup code can hold it down until the backend
// finished loading.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Shutdown drains the server: the readiness probe starts failing, the
// listeners stop accepting and finish in-flight requests, and open
// realtime sessions are closed. The ctx deadline bounds the whole drain.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server: shutdown listener: %w", err))
	}
	if s.metricsSrv != nil {
		if err := s.metricsSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server: shutdown metrics listener: %w", err))
		}
	}

	// Hijacked WebSocket connections are invisible to http.Server.Shutdown
	// and drain separately.
	s.closeSessions()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("server: realtime sessions still draining: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}

// ─── Realtime session tracking ────────────────────────────────────────────────

// trackConn registers an accepted realtime connection. It reports false
// when the server is already draining; the caller must then refuse the
// session.
func (s *Server) trackConn(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

// untrackConn removes a connection registered with trackConn.
func (s *Server) untrackConn(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

// closeSessions marks the server draining and closes every open realtime
// connection, which unblocks their handler loops. Close handshakes run
// concurrently; each can wait a full handshake timeout on a deaf peer.
func (s *Server) closeSessions() {
	s.mu.Lock()
	s.closing = true
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		go func() {
			_ = c.Close(websocket.StatusGoingAway, "server shutting down")
		}()
	}
}

// ─── Response helpers ─────────────────────────────────────────────────────────

// errorBody is the JSON error envelope used by every endpoint.
type errorBody struct {
	Error string `json:"error"`
}

// writeJSON encodes v with the given status code. On encoding failure it
// falls back to a plain error response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encode response"}`, http.StatusInternalServerError)
	}
}

// writeError sends the error envelope with the given status code.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// requestError is a client-facing 4xx failure raised during request
// parsing.
type requestError struct {
	status int
	msg    string
}

func (e *requestError) Error() string { return e.msg }

// badRequest builds a 400 requestError.
func badRequest(format string, args ...any) *requestError {
	return &requestError{status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

// respondError maps err onto the wire: requestErrors keep their status,
// anything else is a 500.
func respondError(w http.ResponseWriter, err error) {
	var re *requestError
	if errors.As(err, &re) {
		writeError(w, re.status, re.msg)
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
