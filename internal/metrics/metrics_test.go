package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/keithlinneman/linnemanlabs-confirmd/internal/version"
)

// helpers

// gatherMetric collects metrics from the registry and finds one by name.
func gatherMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

// counterValue returns the value of the first metric in a counter family.
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	f := gatherMetric(t, reg, name)
	if f == nil {
		t.Fatalf("metric %q not found", name)
	}
	if len(f.GetMetric()) == 0 {
		t.Fatalf("metric %q has no samples", name)
	}
	return f.GetMetric()[0].GetCounter().GetValue()
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	f := gatherMetric(t, reg, name)
	if f == nil {
		t.Fatalf("metric %q not found", name)
	}
	return f.GetMetric()[0].GetGauge().GetValue()
}

// reasonValue returns confirmation_failures_total for one reason label.
func reasonValue(t *testing.T, reg *prometheus.Registry, reason string) float64 {
	t.Helper()
	f := gatherMetric(t, reg, "confirmation_failures_total")
	if f == nil {
		t.Fatal("confirmation_failures_total not found")
	}
	for _, m := range f.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "reason" && lp.GetValue() == reason {
				return m.GetCounter().GetValue()
			}
		}
	}
	t.Fatalf("reason %q series not found", reason)
	return 0
}

func scrape(t *testing.T, m *Metrics) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec
}

// New / Handler

func TestNew_ScrapeContainsSeries(t *testing.T) {
	m := New()

	rec := scrape(t, m)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := rec.Body.String()
	for _, name := range []string{
		"go_goroutines",
		"profiling_active",
		"ops_http_panic_total",
		"ratelimit_admitted_total",
		"ratelimit_denied_total",
		"ratelimit_evicted_total",
		"confirmations_sent_total",
		"confirmation_failures_total",
		"intake_malformed_lines_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metric %q not found in /metrics output", name)
		}
	}
}

func TestHandler_ContentType(t *testing.T) {
	ct := scrape(t, New()).Header().Get("Content-Type")
	if !strings.Contains(ct, "text/plain") && !strings.Contains(ct, "openmetrics") {
		t.Fatalf("Content-Type = %q, want text/plain or openmetrics", ct)
	}
}

func TestNew_IsolatedRegistries(t *testing.T) {
	m1 := New()
	m2 := New()

	m1.IncRateLimitDenied()
	m1.IncRateLimitDenied()

	if v := counterValue(t, m1.reg, "ratelimit_denied_total"); v != 2 {
		t.Fatalf("m1 denied = %v, want 2", v)
	}
	if v := counterValue(t, m2.reg, "ratelimit_denied_total"); v != 0 {
		t.Fatalf("m2 denied = %v, want 0", v)
	}
}

func TestNew_FailureReasonsPrecreated(t *testing.T) {
	m := New()
	for _, r := range []string{ReasonRateLimited, ReasonInvalidEmail, ReasonConfig, ReasonProvider, ReasonOther} {
		if v := reasonValue(t, m.reg, r); v != 0 {
			t.Errorf("reason %q = %v, want 0", r, v)
		}
	}
}

// limiter series

func TestRateLimitCounters(t *testing.T) {
	m := New()

	m.IncRateLimitAdmitted()
	m.IncRateLimitAdmitted()
	m.IncRateLimitAdmitted()
	m.IncRateLimitDenied()
	m.IncRateLimitEvicted()

	if v := counterValue(t, m.reg, "ratelimit_admitted_total"); v != 3 {
		t.Errorf("admitted = %v, want 3", v)
	}
	if v := counterValue(t, m.reg, "ratelimit_denied_total"); v != 1 {
		t.Errorf("denied = %v, want 1", v)
	}
	if v := counterValue(t, m.reg, "ratelimit_evicted_total"); v != 1 {
		t.Errorf("evicted = %v, want 1", v)
	}
}

func TestTrackKeys_ReadsAtScrape(t *testing.T) {
	m := New()
	n := 0
	m.TrackKeys(func() int { return n })

	if v := gaugeValue(t, m.reg, "ratelimit_tracked_keys"); v != 0 {
		t.Fatalf("tracked keys = %v, want 0", v)
	}
	n = 42
	if v := gaugeValue(t, m.reg, "ratelimit_tracked_keys"); v != 42 {
		t.Fatalf("tracked keys = %v, want 42", v)
	}
}

// dispatch series

func TestIncConfirmationSent(t *testing.T) {
	m := New()
	at := time.Unix(1700000000, 0)

	m.IncConfirmationSent(at)

	if v := counterValue(t, m.reg, "confirmations_sent_total"); v != 1 {
		t.Fatalf("sent = %v, want 1", v)
	}
	if v := gaugeValue(t, m.reg, "confirmation_last_sent_timestamp_seconds"); v != 1700000000 {
		t.Fatalf("last sent = %v, want 1700000000", v)
	}
}

func TestIncConfirmationFailure_ByReason(t *testing.T) {
	m := New()

	m.IncConfirmationFailure(ReasonProvider)
	m.IncConfirmationFailure(ReasonProvider)
	m.IncConfirmationFailure(ReasonRateLimited)

	if v := reasonValue(t, m.reg, ReasonProvider); v != 2 {
		t.Errorf("provider = %v, want 2", v)
	}
	if v := reasonValue(t, m.reg, ReasonRateLimited); v != 1 {
		t.Errorf("rate_limited = %v, want 1", v)
	}
	if v := reasonValue(t, m.reg, ReasonConfig); v != 0 {
		t.Errorf("config = %v, want 0", v)
	}
}

func TestObserveProviderDuration(t *testing.T) {
	m := New()

	m.ObserveProviderDuration(120 * time.Millisecond)
	m.ObserveProviderDuration(3 * time.Second)

	f := gatherMetric(t, m.reg, "provider_request_duration_seconds")
	if f == nil {
		t.Fatal("provider_request_duration_seconds not found")
	}
	h := f.GetMetric()[0].GetHistogram()
	if h.GetSampleCount() != 2 {
		t.Fatalf("sample count = %d, want 2", h.GetSampleCount())
	}
	if sum := h.GetSampleSum(); sum < 3.11 || sum > 3.13 {
		t.Fatalf("sample sum = %v, want ~3.12", sum)
	}
}

func TestIncIntakeMalformed(t *testing.T) {
	m := New()
	m.IncIntakeMalformed()
	if v := counterValue(t, m.reg, "intake_malformed_lines_total"); v != 1 {
		t.Fatalf("malformed = %v, want 1", v)
	}
}

// ops / process series

func TestIncHttpPanic(t *testing.T) {
	m := New()
	m.IncHttpPanic()
	if v := counterValue(t, m.reg, "ops_http_panic_total"); v != 1 {
		t.Fatalf("panics = %v, want 1", v)
	}
}

func TestSetProfilingActive(t *testing.T) {
	m := New()

	m.SetProfilingActive(true)
	if v := gaugeValue(t, m.reg, "profiling_active"); v != 1 {
		t.Fatalf("profiling_active = %v, want 1", v)
	}
	m.SetProfilingActive(false)
	if v := gaugeValue(t, m.reg, "profiling_active"); v != 0 {
		t.Fatalf("profiling_active = %v, want 0", v)
	}
}

func TestSetBuildInfoFromVersion(t *testing.T) {
	m := New()
	dirty := true

	m.SetBuildInfoFromVersion("confirmd", "dispatch", version.Info{
		Version:   "1.2.3",
		Commit:    "abc123",
		BuildId:   "build-42",
		GoVersion: "go1.24.0",
		VCSDirty:  &dirty,
	})

	f := gatherMetric(t, m.reg, "build_info")
	if f == nil {
		t.Fatal("build_info not found")
	}
	metric := f.GetMetric()[0]
	if metric.GetGauge().GetValue() != 1 {
		t.Fatalf("build_info value = %v, want 1", metric.GetGauge().GetValue())
	}

	labels := make(map[string]string)
	for _, lp := range metric.GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	for k, want := range map[string]string{
		"app":        "confirmd",
		"component":  "dispatch",
		"version":    "1.2.3",
		"commit":     "abc123",
		"build_id":   "build-42",
		"go_version": "go1.24.0",
		"vcs_dirty":  "true",
	} {
		if got := labels[k]; got != want {
			t.Errorf("build_info label %q = %q, want %q", k, got, want)
		}
	}
}

func TestSetBuildInfoFromVersion_NilVCSDirty(t *testing.T) {
	m := New()
	m.SetBuildInfoFromVersion("app", "comp", version.Info{Version: "dev"})

	f := gatherMetric(t, m.reg, "build_info")
	if f == nil {
		t.Fatal("build_info not found")
	}
	for _, lp := range f.GetMetric()[0].GetLabel() {
		if lp.GetName() == "vcs_dirty" && lp.GetValue() != "unknown" {
			t.Fatalf("vcs_dirty = %q, want unknown", lp.GetValue())
		}
	}
}
