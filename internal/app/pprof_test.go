package app

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dmhsqBase/monitor/internal/config"
	"github.com/dmhsqBase/monitor/internal/pipeline"
)

// TestDebugMux_ServesRuntimeMetrics verifies pipeline metrics are exposed on the metrics path.
// Params: t test context.
// Returns: none.
func TestDebugMux_ServesRuntimeMetrics(t *testing.T) {
	registry := newRuntimeRegistry()
	if _, err := pipeline.NewMetrics(registry, func() int { return 7 }); err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	mux := newDebugMux(config.PprofConfig{MetricsPath: "/metrics"}, registry)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "monitor_queue_length 7") {
		t.Fatalf("queue gauge missing from scrape:\n%s", body)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Fatal("go runtime collector missing from scrape")
	}
}

func TestDebugMux_WithoutGatherer(t *testing.T) {
	mux := newDebugMux(config.PprofConfig{MetricsPath: "/metrics"}, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want=404", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("pprof index status=%d", rec.Code)
	}
}

func TestNewRuntimeRegistry_Independent(t *testing.T) {
	first := newRuntimeRegistry()
	second := newRuntimeRegistry()
	for _, reg := range []prometheus.Registerer{first, second} {
		if _, err := pipeline.NewMetrics(reg, nil); err != nil {
			t.Fatalf("registries must not share collectors: %v", err)
		}
	}
}
