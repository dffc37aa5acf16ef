package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds one readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the
// dependency can serve and an error describing the failure otherwise; it
// must respect context cancellation.
type Checker struct {
	// Name labels the check in the probe response, e.g. "backend" or
	// "diarizer".
	Name string

	// Check probes the dependency.
	Check func(ctx context.Context) error
}

// probeResult is the JSON body of the probe endpoints.
type probeResult struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// registerProbes mounts the liveness and readiness handlers on mux.
func (s *Server) registerProbes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
}

// handleHealthz is the liveness probe. A process that can serve HTTP is
// alive, so it always answers 200.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, probeResult{Status: "ok", Version: s.cfg.Version})
}

// handleReadyz is the readiness probe. It answers 503 until [Server.Run]
// has bound the listeners, and again once [Server.Shutdown] starts, so
// load balancers drain before connections drop. In between, the
// configured checkers run in parallel and all must pass.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, probeResult{Status: "unavailable"})
		return
	}

	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(s.cfg.Checkers))
		g      errgroup.Group
	)
	for _, c := range s.cfg.Checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
			} else {
				checks[c.Name] = "ok"
			}
			return err
		})
	}
	err := g.Wait()

	res := probeResult{Status: "ok", Version: s.cfg.Version, Checks: checks}
	status := http.StatusOK
	if err != nil {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}
