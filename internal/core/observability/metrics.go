// Package observability registers and exposes the mediator's Prometheus
// metrics, following the same Init/Enabled/package-level-collector shape
// the original cache middleware used.
package observability

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var enabled atomic.Bool

// Init registers the mediator's collectors against r. Passing a nil
// Registerer with isEnabled=false leaves every Observe*/Inc* call a no-op.
// Loader worker subprocesses never call Init, so metrics stay disabled
// there and every call is a no-op (they don't expose their own /metrics
// endpoint).
func Init(r prometheus.Registerer, isEnabled bool) {
	enabled.Store(isEnabled)
	if !isEnabled || r == nil {
		return
	}
	initCollectors(r)
}

func Enabled() bool { return enabled.Load() }

var (
	rewriteTotal           *prometheus.CounterVec
	rewriteDurationSeconds *prometheus.HistogramVec

	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	loaderChunkTotal        *prometheus.CounterVec
	loaderDurationSeconds   *prometheus.HistogramVec
	loaderRetryTotal        *prometheus.CounterVec
	statusTransitionsTotal  *prometheus.CounterVec
	validateCacheTotal      *prometheus.CounterVec
	daemonQueueDepth        prometheus.Gauge
	daemonWorkerSpawnsTotal *prometheus.CounterVec
	subprocessErrorsTotal   *prometheus.CounterVec

	cacheOpDuration *prometheus.HistogramVec
	cacheHitsTotal  prometheus.Counter
	cacheMissTotal  prometheus.Counter
)

func initCollectors(r prometheus.Registerer) {
	rewriteTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "md_rewrite_total", Help: "Statements rewritten, by classified kind and outcome."},
		[]string{"kind", "outcome"},
	)
	rewriteDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "md_rewrite_duration_seconds", Help: "Time to classify, rewrite and render a statement.", Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12)},
		[]string{"kind"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "md_http_requests_total", Help: "Daemon control-plane HTTP requests."},
		[]string{"method", "route", "status"},
	)
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "md_http_request_duration_seconds", Help: "Daemon control-plane HTTP request duration.", Buckets: prometheus.ExponentialBuckets(0.001, 2, 12)},
		[]string{"method", "route", "status"},
	)

	loaderChunkTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "md_loader_chunk_total", Help: "Loader chunk fetch/append attempts by loader and outcome."},
		[]string{"loader", "outcome"},
	)
	loaderDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "md_loader_duration_seconds", Help: "Total wall time of a loader invocation.", Buckets: prometheus.ExponentialBuckets(0.1, 2, 16)},
		[]string{"loader", "outcome"},
	)
	loaderRetryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "md_loader_retry_total", Help: "Retry attempts consumed by loader chunk fetches."},
		[]string{"loader"},
	)
	statusTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "md_status_transitions_total", Help: "Data-status transitions by target state."},
		[]string{"to"},
	)
	validateCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "md_validate_cache_total", Help: "Loader-registry validate() cache lookups by outcome."},
		[]string{"outcome"},
	)
	daemonQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "md_daemon_queue_depth", Help: "Load requests currently queued or in flight in the daemon."},
	)
	daemonWorkerSpawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "md_daemon_worker_spawns_total", Help: "Isolated loader worker processes spawned by the daemon, by exit outcome."},
		[]string{"outcome"},
	)
	subprocessErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "md_subprocess_errors_total", Help: "External subprocess (raster2pgsql/psql/ogr2ogr) failures by program."},
		[]string{"program"},
	)

	cacheOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "md_cache_op_duration_seconds", Help: "Redis loadercache operation duration by op and outcome.", Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12)},
		[]string{"op", "outcome"},
	)
	cacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "md_cache_hits_total", Help: "Loadercache key lookups that found a value."},
	)
	cacheMissTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "md_cache_misses_total", Help: "Loadercache key lookups that found nothing."},
	)

	r.MustRegister(
		rewriteTotal, rewriteDurationSeconds,
		httpRequestsTotal, httpRequestDurationSeconds,
		loaderChunkTotal, loaderDurationSeconds, loaderRetryTotal,
		statusTransitionsTotal, validateCacheTotal,
		daemonQueueDepth, daemonWorkerSpawnsTotal, subprocessErrorsTotal,
		cacheOpDuration, cacheHitsTotal, cacheMissTotal,
	)
}

// ObserveCacheOp records the latency and outcome of a single loadercache
// Redis round trip (ping/get/set/del).
func ObserveCacheOp(op string, err error, seconds float64) {
	if !enabled.Load() || cacheOpDuration == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	cacheOpDuration.WithLabelValues(op, outcome).Observe(seconds)
}

func AddCacheHits(n int) {
	if !enabled.Load() || cacheHitsTotal == nil {
		return
	}
	cacheHitsTotal.Add(float64(n))
}

func AddCacheMisses(n int) {
	if !enabled.Load() || cacheMissTotal == nil {
		return
	}
	cacheMissTotal.Add(float64(n))
}

func ObserveRewrite(kind, outcome string, d time.Duration) {
	if !enabled.Load() || rewriteTotal == nil {
		return
	}
	rewriteTotal.WithLabelValues(kind, outcome).Inc()
	rewriteDurationSeconds.WithLabelValues(kind).Observe(d.Seconds())
}

func ObserveHTTP(method, route string, status int, d time.Duration) {
	if !enabled.Load() || httpRequestsTotal == nil {
		return
	}
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(d.Seconds())
}

func ObserveLoaderChunk(loader, outcome string) {
	if !enabled.Load() || loaderChunkTotal == nil {
		return
	}
	loaderChunkTotal.WithLabelValues(loader, outcome).Inc()
}

func ObserveLoaderDone(loader, outcome string, d time.Duration) {
	if !enabled.Load() || loaderDurationSeconds == nil {
		return
	}
	loaderDurationSeconds.WithLabelValues(loader, outcome).Observe(d.Seconds())
}

func IncLoaderRetry(loader string) {
	if !enabled.Load() || loaderRetryTotal == nil {
		return
	}
	loaderRetryTotal.WithLabelValues(loader).Inc()
}

func IncStatusTransition(to string) {
	if !enabled.Load() || statusTransitionsTotal == nil {
		return
	}
	statusTransitionsTotal.WithLabelValues(to).Inc()
}

func IncValidateCache(outcome string) {
	if !enabled.Load() || validateCacheTotal == nil {
		return
	}
	validateCacheTotal.WithLabelValues(outcome).Inc()
}

func SetDaemonQueueDepth(n int) {
	if !enabled.Load() || daemonQueueDepth == nil {
		return
	}
	daemonQueueDepth.Set(float64(n))
}

func IncDaemonWorkerSpawn(outcome string) {
	if !enabled.Load() || daemonWorkerSpawnsTotal == nil {
		return
	}
	daemonWorkerSpawnsTotal.WithLabelValues(outcome).Inc()
}

func IncSubprocessError(program string) {
	if !enabled.Load() || subprocessErrorsTotal == nil {
		return
	}
	subprocessErrorsTotal.WithLabelValues(program).Inc()
}
