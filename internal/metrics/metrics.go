package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-api/internal/version"
)

// ServerMetrics owns a private registry so tests and multiple servers in one
// process never collide on the global default registry.
type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	// rate limiter
	ratelimitDecisions   *prometheus.CounterVec
	ratelimitFirstDenied *prometheus.CounterVec
	ratelimitCapacity    prometheus.Counter
	ratelimitEntries     prometheus.Gauge
	ratelimitEvicted     prometheus.Counter
	ratelimitSweepDur    prometheus.Histogram
	policySource         *prometheus.GaugeVec

	// endpoints behind the limiter
	contactSubmissions *prometheus.CounterVec
	backendErrors      *prometheus.CounterVec
}

// New returns a fresh registry with Go/process collectors and the server
// metrics registered. Labels are bounded (method, route pattern, status,
// purpose) so client input can never grow series.
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
			Buckets: []float64{64, 256, 1024, 4096, 16384, 65536, 262144, 1048576},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered handler panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		ratelimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_decisions_total",
			Help: "Rate limit decisions by purpose and result (allowed|denied)",
		}, []string{"purpose", "result"}),
		ratelimitFirstDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_first_denied_total",
			Help: "Windows that reached their limit, counted once per client window",
		}, []string{"purpose"}),
		ratelimitCapacity: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_capacity_reached_total",
			Help: "Times the limiter refused new clients because it was at max entries",
		}),
		ratelimitEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratelimit_entries",
			Help: "Tracked rate limit windows after the last sweep",
		}),
		ratelimitEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_sweep_evicted_total",
			Help: "Expired rate limit windows removed by the sweeper",
		}),
		ratelimitSweepDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ratelimit_sweep_duration_seconds",
			Help:    "Time the sweeper held the limiter lock",
			Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
		}),
		policySource: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ratelimit_policy_source_info",
			Help: "Where rate limit policies were loaded from (label carries value, gauge is always 1)",
		}, []string{"source"}),
		contactSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "contact_submissions_total",
			Help: "Contact form submissions by result (stored|invalid|too_large|duplicate|sink_error)",
		}, []string{"result"}),
		backendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backend_proxy_errors_total",
			Help: "Upstream failures when proxying write requests, by purpose",
		}, []string{"purpose"}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.profilingActive,
		m.ratelimitDecisions,
		m.ratelimitFirstDenied,
		m.ratelimitCapacity,
		m.ratelimitEntries,
		m.ratelimitEvicted,
		m.ratelimitSweepDur,
		m.policySource,
		m.contactSubmissions,
		m.backendErrors,
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
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
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

func (m *ServerMetrics) SetProfilingActive(active bool) {
	m.profilingActive.Set(boolGauge(active))
}

// ObserveRateLimitDecision matches ratelimit.Guard.OnDecision.
func (m *ServerMetrics) ObserveRateLimitDecision(purpose string, allowed bool) {
	result := "denied"
	if allowed {
		result = "allowed"
	}
	m.ratelimitDecisions.WithLabelValues(purpose, result).Inc()
}

func (m *ServerMetrics) IncRateLimitFirstDenied(purpose string) {
	m.ratelimitFirstDenied.WithLabelValues(purpose).Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacity.Inc()
}

// ObserveSweep matches the limiter's sweep hook.
func (m *ServerMetrics) ObserveSweep(evicted, remaining int, took time.Duration) {
	m.ratelimitEvicted.Add(float64(evicted))
	m.ratelimitEntries.Set(float64(remaining))
	m.ratelimitSweepDur.Observe(took.Seconds())
}

func (m *ServerMetrics) SetPolicySource(source string) {
	m.policySource.Reset()
	m.policySource.WithLabelValues(source).Set(1)
}

func (m *ServerMetrics) IncContactSubmission(result string) {
	m.contactSubmissions.WithLabelValues(result).Inc()
}

func (m *ServerMetrics) IncBackendError(purpose string) {
	m.backendErrors.WithLabelValues(purpose).Inc()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
