package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestInit_DisabledIsNoop(t *testing.T) {
	enabled.Store(false)
	rewriteTotal = nil
	Init(nil, false)
	if Enabled() {
		t.Fatalf("expected Enabled() false")
	}
	// must not panic when nothing is registered
	ObserveRewrite("fetch_data", "ok", time.Millisecond)
	IncStatusTransition("saved")
}

func TestMetrics_RegisteredAndScraped(t *testing.T) {
	reg := prometheus.NewRegistry()
	Init(reg, true)
	t.Cleanup(func() { enabled.Store(false) })

	if !Enabled() {
		t.Fatalf("expected Enabled() true")
	}

	ObserveRewrite("fetch_data", "ok", 5*time.Millisecond)
	ObserveHTTP(http.MethodGet, "/healthz", 200, time.Millisecond)
	ObserveLoaderChunk("wfs", "ok")
	ObserveLoaderDone("wfs", "ok", time.Second)
	IncLoaderRetry("wfs")
	IncStatusTransition("saved")
	IncValidateCache("hit")
	SetDaemonQueueDepth(3)
	IncDaemonWorkerSpawn("ok")
	IncSubprocessError("raster2pgsql")
	ObserveCacheOp("set", nil, 0.001)
	AddCacheHits(2)
	AddCacheMisses(1)

	srv := httptest.NewServer(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d want 200", resp.StatusCode)
	}

	body := new(strings.Builder)
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		body.Write(buf[:n])
		if err != nil {
			break
		}
	}
	out := body.String()
	for _, want := range []string{
		"md_rewrite_total", "md_http_requests_total", "md_loader_chunk_total",
		"md_loader_duration_seconds", "md_loader_retry_total", "md_status_transitions_total",
		"md_validate_cache_total", "md_daemon_queue_depth", "md_daemon_worker_spawns_total",
		"md_subprocess_errors_total", "md_cache_op_duration_seconds", "md_cache_hits_total",
		"md_cache_misses_total",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing metric %q in scrape:\n%s", want, out)
		}
	}
}
