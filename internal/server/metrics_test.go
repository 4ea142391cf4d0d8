package server

import (
	"net/http"
	"strings"
	"testing"

	dto "github.com/prometheus/client_model/go"
)

// findMetric returns the metric family named name with a label pair
// matching every key/value in labels.
func findMetric(t *testing.T, ts *testServer, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	mfs, err := ts.reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			got := make(map[string]string)
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue next
				}
			}
			return m
		}
	}
	return nil
}

func Test_Metrics_EndpointReturns200(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Errorf("want 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("want text/plain content-type, got %q", ct)
	}
}

func Test_Metrics_QueryCounterIncremented(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	ts.do(t, http.MethodPost, "/api/query", map[string]any{"query": "hello"})

	m := findMetric(t, ts, "ragpipe_api_query_requests_total", map[string]string{"outcome": "ok"})
	if m == nil {
		t.Fatal(`ragpipe_api_query_requests_total{outcome="ok"} not found`)
	}
	if v := m.GetCounter().GetValue(); v != 1 {
		t.Errorf("want counter=1, got %v", v)
	}
}

func Test_Metrics_IngestOutcome(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	ts.do(t, http.MethodPost, "/api/documents", map[string]any{"id": "a", "text": "alpha"})

	if findMetric(t, ts, "ragpipe_api_ingest_requests_total", map[string]string{"outcome": "indexed"}) == nil {
		t.Error(`ragpipe_api_ingest_requests_total{outcome="indexed"} not found`)
	}
}

func Test_Metrics_HTTPHandlerLabelIsPattern(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	ts.do(t, http.MethodGet, "/api/documents/some-id", nil)

	m := findMetric(t, ts, "ragpipe_http_requests_total", map[string]string{
		"handler": "GET /api/documents/{id}",
		"code":    "404",
	})
	if m == nil {
		t.Fatal("expected http counter labelled with the route pattern")
	}
}
