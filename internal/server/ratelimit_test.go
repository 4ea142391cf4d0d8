package server

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// newTestLimiter builds a rateLimiter over a fixed clock. The eviction
// goroutine is stopped when the test ends.
func newTestLimiter(t *testing.T, ingest, query RateLimit) (*rateLimiter, *prometheus.CounterVec, *time.Time) {
	t.Helper()
	rejected := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "rejected"}, []string{"class"})
	rl, stop := newRateLimiter(map[routeClass]RateLimit{classIngest: ingest, classQuery: query}, rejected)
	t.Cleanup(stop)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	return rl, rejected, &now
}

func TestRateLimiter_ClassesHaveSeparateBudgets(t *testing.T) {
	t.Parallel()
	rl, rejected, _ := newTestLimiter(t, RateLimit{PerSecond: 1, Burst: 1}, RateLimit{PerSecond: 1, Burst: 3})

	if _, ok := rl.take(classIngest, "ip:10.0.0.1"); !ok {
		t.Fatal("first ingest should pass")
	}
	if _, ok := rl.take(classIngest, "ip:10.0.0.1"); ok {
		t.Fatal("second ingest should exceed a burst of 1")
	}
	for i := range 3 {
		if _, ok := rl.take(classQuery, "ip:10.0.0.1"); !ok {
			t.Fatalf("query %d should pass: an exhausted ingest budget must not drain queries", i)
		}
	}
	if _, ok := rl.take(classQuery, "ip:10.0.0.1"); ok {
		t.Error("fourth query should exceed a burst of 3")
	}
	if got := testutil.ToFloat64(rejected.WithLabelValues("ingest")); got != 0 {
		t.Errorf("take alone must not count rejections, got %v", got)
	}
}

func TestRateLimiter_RefillsOverTime(t *testing.T) {
	t.Parallel()
	rl, _, now := newTestLimiter(t, RateLimit{PerSecond: 0.5, Burst: 1}, RateLimit{PerSecond: 1, Burst: 1})

	rl.take(classIngest, "kb:hr")
	wait, ok := rl.take(classIngest, "kb:hr")
	if ok {
		t.Fatal("expected the bucket to be empty")
	}
	if wait != 2*time.Second {
		t.Errorf("wait = %v, want 2s at 0.5 req/s", wait)
	}

	*now = now.Add(2 * time.Second)
	if _, ok := rl.take(classIngest, "kb:hr"); !ok {
		t.Error("a token should be available after the refill interval")
	}
}

func TestRateLimiter_EvictsIdleBuckets(t *testing.T) {
	t.Parallel()
	rl, _, now := newTestLimiter(t, RateLimit{PerSecond: 1, Burst: 1}, RateLimit{PerSecond: 1, Burst: 1})

	rl.take(classIngest, "ip:10.0.0.1")
	*now = now.Add(idleBucketTTL - time.Second)
	rl.take(classQuery, "ip:10.0.0.2")

	*now = now.Add(2 * time.Second)
	if n := rl.evict(); n != 1 {
		t.Errorf("evicted %d buckets, want 1", n)
	}
	if _, ok := rl.buckets[bucketKey{class: classQuery, caller: "ip:10.0.0.2"}]; !ok {
		t.Error("recently used bucket was evicted")
	}
}

func TestRateLimit_QueryRejectionIsJSONWithRetryAfter(t *testing.T) {
	t.Parallel()
	ts := newTestServerWithConfig(t, &Config{QueryLimit: RateLimit{PerSecond: 0.001, Burst: 1}})

	if w := ts.do(t, http.MethodPost, "/api/query", map[string]any{"query": "q"}); w.Code != http.StatusOK {
		t.Fatalf("first query: expected 200, got %d", w.Code)
	}
	w := ts.do(t, http.MethodPost, "/api/query", map[string]any{"query": "q"})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second query: expected 429, got %d", w.Code)
	}
	if got := decodeBody[errorResponse](t, w); got.Code != "rate_limited" {
		t.Errorf("code = %q", got.Code)
	}
	secs, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || secs < 1 {
		t.Errorf("Retry-After = %q, want a positive number of seconds", w.Header().Get("Retry-After"))
	}

	if w := ts.do(t, http.MethodPost, "/api/documents", map[string]any{"text": "still allowed"}); w.Code != http.StatusOK {
		t.Errorf("ingest should use its own budget, got %d", w.Code)
	}
	if m := findMetric(t, ts, "ragpipe_api_rate_limited_total", map[string]string{"class": "query"}); m == nil || m.GetCounter().GetValue() != 1 {
		t.Errorf("expected one query rejection in ragpipe_api_rate_limited_total, got %v", m)
	}
}

func TestRateLimit_ScopedKeySharesBudgetAcrossAddresses(t *testing.T) {
	t.Parallel()
	ts := newTestServerWithConfig(t, &Config{
		KnowledgeBaseKeys: map[string]string{"hr-secret": "hr"},
		APIKey:            "admin-secret",
		IngestLimit:       RateLimit{PerSecond: 0.001, Burst: 1},
	})

	send := func(token, addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/documents", jsonBody(t, map[string]any{"text": "doc"}))
		req.RemoteAddr = addr
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		ts.Handler().ServeHTTP(w, req)
		return w.Code
	}

	if code := send("hr-secret", "10.0.0.1:1000"); code != http.StatusOK {
		t.Fatalf("first hr ingest: expected 200, got %d", code)
	}
	if code := send("hr-secret", "10.0.0.2:2000"); code != http.StatusTooManyRequests {
		t.Errorf("hr key from a second address: expected 429, got %d", code)
	}
	if code := send("admin-secret", "10.0.0.3:3000"); code != http.StatusOK {
		t.Errorf("admin from its own address: expected 200, got %d", code)
	}
	if code := send("admin-secret", "10.0.0.4:4000"); code != http.StatusOK {
		t.Errorf("unscoped callers are metered per address: expected 200, got %d", code)
	}
}

func TestRateLimit_UnauthenticatedRequestsDoNotSpendBudget(t *testing.T) {
	t.Parallel()
	ts := newTestServerWithConfig(t, &Config{
		APIKey:     "admin-secret",
		QueryLimit: RateLimit{PerSecond: 0.001, Burst: 1},
	})

	for range 3 {
		if w := ts.doAs(t, "wrong", http.MethodPost, "/api/query", map[string]any{"query": "q"}); w.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", w.Code)
		}
	}
	if w := ts.doAs(t, "admin-secret", http.MethodPost, "/api/query", map[string]any{"query": "q"}); w.Code != http.StatusOK {
		t.Errorf("rejected credentials drained the budget: got %d", w.Code)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	t.Parallel()

	cases := map[time.Duration]int{
		0:                       1,
		300 * time.Millisecond:  1,
		1500 * time.Millisecond: 2,
		17 * time.Minute:        1020,
	}
	for in, want := range cases {
		if got := retryAfterSeconds(in); got != want {
			t.Errorf("retryAfterSeconds(%v) = %d, want %d", in, got, want)
		}
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	cases := []struct {
		remoteAddr string
		wantIP     string
	}{
		{"127.0.0.1:54321", "127.0.0.1"},
		{"10.0.0.1:80", "10.0.0.1"},
		{"::1:8080", "::1"},
		{"noport", "noport"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tc.remoteAddr
		if got := clientIP(req); got != tc.wantIP {
			t.Errorf("remoteAddr=%q: expected %q, got %q", tc.remoteAddr, tc.wantIP, got)
		}
	}
}
