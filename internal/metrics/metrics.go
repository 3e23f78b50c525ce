package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-confirmd/internal/version"
)

// failure reasons used as label values on confirmation_failures_total
const (
	ReasonRateLimited  = "rate_limited"
	ReasonInvalidEmail = "invalid_email"
	ReasonConfig       = "config"
	ReasonProvider     = "provider"
	ReasonOther        = "other"
)

// Metrics owns a private registry for the admission limiter and confirmation dispatch path.
// Labels are fixed sets only, never keys or addresses.
type Metrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge
	httpPanicTotal  prometheus.Counter

	ratelimitAdmittedTotal prometheus.Counter
	ratelimitDeniedTotal   prometheus.Counter
	ratelimitEvictedTotal  prometheus.Counter

	confirmationsSentTotal     prometheus.Counter
	confirmationFailuresTotal  *prometheus.CounterVec
	providerRequestDuration    prometheus.Histogram
	intakeMalformedLinesTotal  prometheus.Counter
	lastConfirmationSentTstamp prometheus.Gauge
}

// New returns a fresh registry with Go/process collectors and the dispatch metrics
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ops_http_panic_total",
			Help: "Total number of recovered panics on the ops listener",
		}),
		ratelimitAdmittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_admitted_total",
			Help: "Total calls admitted by the sliding-window limiter",
		}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_denied_total",
			Help: "Total calls rejected by the sliding-window limiter",
		}),
		ratelimitEvictedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_evicted_total",
			Help: "Total key records evicted because the limiter was at capacity",
		}),
		confirmationsSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "confirmations_sent_total",
			Help: "Total confirmation emails accepted by the provider",
		}),
		confirmationFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "confirmation_failures_total",
			Help: "Total confirmation requests that did not result in a sent email, by reason",
		}, []string{"reason"}),
		providerRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "provider_request_duration_seconds",
			Help:    "Latency of email provider calls, including failures",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		intakeMalformedLinesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intake_malformed_lines_total",
			Help: "Total intake lines that could not be decoded",
		}),
		lastConfirmationSentTstamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "confirmation_last_sent_timestamp_seconds",
			Help: "Unix timestamp of the last confirmation accepted by the provider",
		}),
	}
	reg.MustRegister(
		m.buildInfo,
		m.profilingActive,
		m.httpPanicTotal,
		m.ratelimitAdmittedTotal,
		m.ratelimitDeniedTotal,
		m.ratelimitEvictedTotal,
		m.confirmationsSentTotal,
		m.confirmationFailuresTotal,
		m.providerRequestDuration,
		m.intakeMalformedLinesTotal,
		m.lastConfirmationSentTstamp,
	)

	// pre-create reason series so dashboards see zeros instead of gaps
	for _, r := range []string{ReasonRateLimited, ReasonInvalidEmail, ReasonConfig, ReasonProvider, ReasonOther} {
		m.confirmationFailuresTotal.WithLabelValues(r)
	}

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *Metrics) Handler() http.Handler {
	return m.handler
}

// TrackKeys registers a gauge that reads the limiter's tracked key count at scrape time
func (m *Metrics) TrackKeys(count func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "ratelimit_tracked_keys",
		Help: "Number of keys currently holding a sliding-window record",
	}, func() float64 { return float64(count()) }))
}

// set once at startup.
func (m *Metrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
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

func (m *Metrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

func (m *Metrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *Metrics) IncRateLimitAdmitted() {
	m.ratelimitAdmittedTotal.Inc()
}

func (m *Metrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *Metrics) IncRateLimitEvicted() {
	m.ratelimitEvictedTotal.Inc()
}

func (m *Metrics) IncConfirmationSent(at time.Time) {
	m.confirmationsSentTotal.Inc()
	m.lastConfirmationSentTstamp.Set(float64(at.Unix()))
}

func (m *Metrics) IncConfirmationFailure(reason string) {
	m.confirmationFailuresTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveProviderDuration(d time.Duration) {
	m.providerRequestDuration.Observe(d.Seconds())
}

func (m *Metrics) IncIntakeMalformed() {
	m.intakeMalformedLinesTotal.Inc()
}
