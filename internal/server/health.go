package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/54b3r/ragpipe-go/internal/logging"
)

// checkTimeout bounds each dependency check so /api/ready answers quickly
// when a dependency is slow rather than unreachable.
const checkTimeout = 5 * time.Second

// Pinger is implemented by any dependency that can report its own
// reachability. Implementations must be safe for concurrent use.
type Pinger interface {
	// Ping returns nil when the dependency is reachable.
	Ping(ctx context.Context) error
	// Name is the label used in readiness responses, e.g. "sqlite".
	Name() string
}

// Role says what a failing dependency means for readiness.
type Role string

const (
	// RoleCritical dependencies back every request: the metadata store and
	// the vector index. Losing one makes the server unready.
	RoleCritical Role = "critical"
	// RoleDegradable dependencies only speed requests up, like the query
	// cache. Losing one leaves the server ready but degraded.
	RoleDegradable Role = "degradable"
)

// Check is a dependency registered with the readiness endpoint.
type Check struct {
	// Pinger checks the dependency.
	Pinger Pinger
	// Role decides how a failure affects readiness.
	Role Role
}

// Critical registers p as a dependency the server cannot serve without.
func Critical(p Pinger) Check { return Check{Pinger: p, Role: RoleCritical} }

// Degradable registers p as a dependency the server can serve without.
func Degradable(p Pinger) Check { return Check{Pinger: p, Role: RoleDegradable} }

// Readiness states reported by GET /api/ready.
const (
	statusReady       = "ready"
	statusDegraded    = "degraded"
	statusUnavailable = "unavailable"
)

// readyCheck is the result of one dependency check.
type readyCheck struct {
	// Name is the dependency label.
	Name string `json:"name"`
	// Role is "critical" or "degradable".
	Role Role `json:"role"`
	// OK is true when the dependency answered.
	OK bool `json:"ok"`
	// LatencyMS is how long the check took.
	LatencyMS int64 `json:"latency_ms"`
	// Error is the failure reason. Empty on success.
	Error string `json:"error,omitempty"`
}

// readyResponse is the JSON body returned by GET /api/ready.
type readyResponse struct {
	// Status is "ready", "degraded" or "unavailable".
	Status string `json:"status"`
	// Ready is false only when a critical dependency failed.
	Ready bool `json:"ready"`
	// Checks holds one entry per registered dependency, in registration order.
	Checks []readyCheck `json:"checks"`
}

// handleReady handles GET /api/ready. Every dependency is checked
// concurrently under its own timeout. A failing critical dependency answers
// 503; a failing degradable one still answers 200 with status "degraded".
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := s.readiness(r.Context())

	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// readiness runs every check and folds the results into a readyResponse.
func (s *Server) readiness(ctx context.Context) readyResponse {
	log := logging.FromContext(ctx)
	results := make([]readyCheck, len(s.checks))

	var g errgroup.Group
	for i, c := range s.checks {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			start := time.Now()
			err := c.Pinger.Ping(checkCtx)
			res := readyCheck{
				Name:      c.Pinger.Name(),
				Role:      c.Role,
				OK:        err == nil,
				LatencyMS: time.Since(start).Milliseconds(),
			}
			up := 1.0
			if err != nil {
				res.Error = err.Error()
				up = 0
				log.Warn("readiness check failed",
					slog.String("dependency", res.Name),
					slog.String("role", string(c.Role)),
					slog.Any("error", err),
				)
			}
			s.metrics.dependencyUp.WithLabelValues(res.Name).Set(up)
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	resp := readyResponse{Status: statusReady, Ready: true, Checks: results}
	for _, c := range results {
		switch {
		case c.OK:
		case c.Role == RoleCritical:
			resp.Status, resp.Ready = statusUnavailable, false
		case resp.Ready:
			resp.Status = statusDegraded
		}
	}
	return resp
}

// handleHealth handles GET /api/health for liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
