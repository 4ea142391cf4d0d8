package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// fakePinger is a test double for the Pinger interface.
type fakePinger struct {
	// name is returned by Name().
	name string
	// err is returned by Ping(); nil means healthy.
	err error
	// delay is slept before answering, honouring ctx.
	delay time.Duration
	// inflight counts concurrent Ping calls across a group of pingers.
	inflight *atomic.Int32
	// peak records the highest inflight value observed.
	peak *atomic.Int32
}

func (f *fakePinger) Name() string { return f.name }

func (f *fakePinger) Ping(ctx context.Context) error {
	if f.inflight != nil {
		n := f.inflight.Add(1)
		defer f.inflight.Add(-1)
		for {
			p := f.peak.Load()
			if n <= p || f.peak.CompareAndSwap(p, n) {
				break
			}
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

// ready runs GET /api/ready against a server with the given checks.
func ready(t *testing.T, checks ...Check) (*testServer, *httptest.ResponseRecorder, readyResponse) {
	t.Helper()
	ts := newTestServerWithConfig(t, &Config{Checks: checks})
	w := ts.do(t, http.MethodGet, "/api/ready", nil)
	return ts, w, decodeBody[readyResponse](t, w)
}

func TestHandleHealth_OK(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body := decodeBody[map[string]string](t, w); body["status"] != "ok" {
		t.Errorf("status = %q", body["status"])
	}
}

func TestReady_NoChecks(t *testing.T) {
	t.Parallel()

	_, w, resp := ready(t)
	if w.Code != http.StatusOK || !resp.Ready || resp.Status != statusReady {
		t.Fatalf("expected 200 ready, got %d %+v", w.Code, resp)
	}
	if resp.Checks == nil || len(resp.Checks) != 0 {
		t.Errorf("expected an empty checks array, got %v", resp.Checks)
	}
}

func TestReady_AllHealthy(t *testing.T) {
	t.Parallel()

	_, w, resp := ready(t,
		Critical(&fakePinger{name: "sqlite"}),
		Critical(&fakePinger{name: "vector-index"}),
		Degradable(&fakePinger{name: "redis"}),
	)
	if w.Code != http.StatusOK || resp.Status != statusReady {
		t.Fatalf("expected 200 ready, got %d %+v", w.Code, resp)
	}
	names := []string{"sqlite", "vector-index", "redis"}
	for i, c := range resp.Checks {
		if c.Name != names[i] || !c.OK || c.Error != "" {
			t.Errorf("check %d: %+v, want healthy %s in registration order", i, c, names[i])
		}
	}
	if resp.Checks[2].Role != RoleDegradable || resp.Checks[0].Role != RoleCritical {
		t.Errorf("roles not reported: %+v", resp.Checks)
	}
}

func TestReady_CacheDownIsDegraded(t *testing.T) {
	t.Parallel()

	ts, w, resp := ready(t,
		Critical(&fakePinger{name: "sqlite"}),
		Critical(&fakePinger{name: "vector-index"}),
		Degradable(&fakePinger{name: "redis", err: errors.New("connection refused")}),
	)
	if w.Code != http.StatusOK {
		t.Fatalf("a down cache must not fail readiness, got %d", w.Code)
	}
	if !resp.Ready || resp.Status != statusDegraded {
		t.Errorf("expected ready and degraded, got %+v", resp)
	}
	if resp.Checks[2].OK || resp.Checks[2].Error == "" {
		t.Errorf("redis check should report the failure: %+v", resp.Checks[2])
	}
	if m := findMetric(t, ts, "ragpipe_ready_dependency_up", map[string]string{"dependency": "redis"}); m == nil || m.GetGauge().GetValue() != 0 {
		t.Errorf("dependency_up{redis} should be 0, got %v", m)
	}
	if m := findMetric(t, ts, "ragpipe_ready_dependency_up", map[string]string{"dependency": "sqlite"}); m == nil || m.GetGauge().GetValue() != 1 {
		t.Errorf("dependency_up{sqlite} should be 1, got %v", m)
	}
}

func TestReady_CriticalDownIsUnavailable(t *testing.T) {
	t.Parallel()

	for _, down := range []string{"sqlite", "vector-index"} {
		t.Run(down, func(t *testing.T) {
			t.Parallel()
			checks := []Check{
				Critical(&fakePinger{name: "sqlite"}),
				Critical(&fakePinger{name: "vector-index"}),
				Degradable(&fakePinger{name: "redis", err: errors.New("timeout")}),
			}
			for i := range checks {
				if checks[i].Pinger.Name() == down {
					checks[i].Pinger = &fakePinger{name: down, err: errors.New("unreachable")}
				}
			}

			_, w, resp := ready(t, checks...)
			if w.Code != http.StatusServiceUnavailable {
				t.Fatalf("expected 503, got %d", w.Code)
			}
			if resp.Ready || resp.Status != statusUnavailable {
				t.Errorf("expected unavailable, got %+v", resp)
			}
		})
	}
}

func TestReady_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()

	var inflight, peak atomic.Int32
	slow := func(name string) *fakePinger {
		return &fakePinger{name: name, delay: 50 * time.Millisecond, inflight: &inflight, peak: &peak}
	}
	_, w, resp := ready(t, Critical(slow("sqlite")), Critical(slow("vector-index")), Degradable(slow("redis")))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if peak.Load() < 2 {
		t.Errorf("checks ran one at a time (peak concurrency %d)", peak.Load())
	}
	for _, c := range resp.Checks {
		if c.LatencyMS < 40 {
			t.Errorf("%s latency = %dms, want about 50ms", c.Name, c.LatencyMS)
		}
	}
}

func TestReady_IsPublicWhenAuthEnabled(t *testing.T) {
	t.Parallel()
	ts := newTestServerWithConfig(t, &Config{
		APIKey: "secret",
		Checks: []Check{Critical(&fakePinger{name: "sqlite"})},
	})

	if w := ts.do(t, http.MethodGet, "/api/ready", nil); w.Code != http.StatusOK {
		t.Errorf("expected 200 without a token, got %d", w.Code)
	}
}

func TestFuncPinger(t *testing.T) {
	t.Parallel()

	down := errors.New("dial tcp: connection refused")
	p := NewFuncPinger("redis", func(context.Context) error { return down })
	if p.Name() != "redis" {
		t.Errorf("Name: expected redis, got %q", p.Name())
	}
	if err := p.Ping(context.Background()); !errors.Is(err, down) {
		t.Errorf("Ping: expected the wrapped error, got %v", err)
	}
}
