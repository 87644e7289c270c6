package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-assets/internal/version"
)

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec

	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter

	profilingActive prometheus.Gauge

	// signing and cache metrics
	signTotal     *prometheus.CounterVec
	signDuration  *prometheus.HistogramVec
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
	cacheEvicted  *prometheus.CounterVec
	cacheEntries  prometheus.Gauge
	resolveKeys   prometheus.Histogram
	resolveErrors prometheus.Counter

	// archive metrics
	archiveImportedFiles prometheus.Counter
	archiveImportErrors  prometheus.Counter
	archiveImportBytes   prometheus.Counter
	archiveExportsTotal  prometheus.Counter
	archiveImportDur     prometheus.Histogram

	uploadTasksTotal *prometheus.CounterVec
}

// New returns a fresh registry + standard collectors + HTTP metrics
// safe labels only (method, route, code) to avoid path/cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 52428800},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times rate limiter capacity reached",
		}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		signTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "objstore_sign_requests_total",
			Help: "Total presign requests by intent (get/put) and outcome (ok/error)",
		}, []string{"intent", "outcome"}),
		signDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "objstore_sign_duration_seconds",
			Help:    "Presign latency by intent",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"intent"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "urlcache_hits_total",
			Help: "Total cache lookups answered with an unexpired URL",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "urlcache_misses_total",
			Help: "Total cache lookups that required a fresh signature",
		}),
		cacheEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "urlcache_evicted_total",
			Help: "Total entries removed from the cache by reason (expired/capacity)",
		}, []string{"reason"}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "urlcache_entries",
			Help: "Current number of cached URLs",
		}),
		resolveKeys: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "resolve_batch_keys",
			Help:    "Distinct keys per batch resolve request",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
		}),
		resolveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "resolve_key_errors_total",
			Help: "Total keys that failed to resolve inside a batch",
		}),
		archiveImportedFiles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archive_imported_files_total",
			Help: "Total files successfully imported from uploaded archives",
		}),
		archiveImportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archive_import_entry_errors_total",
			Help: "Total archive entries rejected or failed during import",
		}),
		archiveImportBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archive_imported_bytes_total",
			Help: "Total uncompressed bytes imported from archives",
		}),
		archiveExportsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archive_exports_total",
			Help: "Total repository archive exports served",
		}),
		archiveImportDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "archive_import_duration_seconds",
			Help:    "Time to validate and import an uploaded archive",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		uploadTasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upload_tasks_total",
			Help: "Total upload tasks by terminal status (success/error)",
		}, []string{"status"}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.profilingActive,
		m.signTotal,
		m.signDuration,
		m.cacheHits,
		m.cacheMisses,
		m.cacheEvicted,
		m.cacheEntries,
		m.resolveKeys,
		m.resolveErrors,
		m.archiveImportedFiles,
		m.archiveImportErrors,
		m.archiveImportBytes,
		m.archiveExportsTotal,
		m.archiveImportDur,
		m.uploadTasksTotal,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

func (m *ServerMetrics) IncSign(intent, outcome string) {
	m.signTotal.WithLabelValues(intent, outcome).Inc()
}

func (m *ServerMetrics) ObserveSignDuration(intent string, seconds float64) {
	m.signDuration.WithLabelValues(intent).Observe(seconds)
}

func (m *ServerMetrics) IncCacheHit()  { m.cacheHits.Inc() }
func (m *ServerMetrics) IncCacheMiss() { m.cacheMisses.Inc() }

func (m *ServerMetrics) AddCacheEvicted(reason string, n int) {
	m.cacheEvicted.WithLabelValues(reason).Add(float64(n))
}

func (m *ServerMetrics) SetCacheEntries(n int) {
	m.cacheEntries.Set(float64(n))
}

func (m *ServerMetrics) ObserveResolveBatch(keys int) {
	m.resolveKeys.Observe(float64(keys))
}

func (m *ServerMetrics) AddResolveErrors(n int) {
	m.resolveErrors.Add(float64(n))
}

func (m *ServerMetrics) AddArchiveImported(files int, bytes int64) {
	m.archiveImportedFiles.Add(float64(files))
	m.archiveImportBytes.Add(float64(bytes))
}

func (m *ServerMetrics) AddArchiveImportErrors(n int) {
	m.archiveImportErrors.Add(float64(n))
}

func (m *ServerMetrics) IncArchiveExport() {
	m.archiveExportsTotal.Inc()
}

func (m *ServerMetrics) ObserveArchiveImportDuration(seconds float64) {
	m.archiveImportDur.Observe(seconds)
}

func (m *ServerMetrics) IncUploadTask(status string) {
	m.uploadTasksTotal.WithLabelValues(status).Inc()
}
