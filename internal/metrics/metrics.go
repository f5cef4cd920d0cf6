package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics of the engine
type Metrics struct {
	// Pipeline counters
	MessagesCraftedTotal *prometheus.CounterVec
	CraftFailedTotal     *prometheus.CounterVec
	MessagesSentTotal    *prometheus.CounterVec
	SendFailedTotal      *prometheus.CounterVec
	SendDeferredTotal    *prometheus.CounterVec
	ContactsSkippedTotal *prometheus.CounterVec
	StaleRetriesTotal    prometheus.Counter

	// Rate limiting
	RateLimitDeferralsTotal *prometheus.CounterVec

	// Provider calls
	ProviderOutcomesTotal  *prometheus.CounterVec
	ProviderLatencySeconds *prometheus.HistogramVec

	// Engine gauges
	UnitsInFlight      prometheus.Gauge
	SchedulerReady     prometheus.Gauge
	SchedulerDeferred  prometheus.Gauge
	SchedulerCampaigns prometheus.Gauge
	CampaignsByStatus  *prometheus.GaugeVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesCraftedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_messages_crafted_total",
				Help: "Total number of messages crafted",
			},
			[]string{"tenant"},
		),
		CraftFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_craft_failed_total",
				Help: "Total number of contacts whose crafting failed permanently",
			},
			[]string{"tenant"},
		),
		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_messages_sent_total",
				Help: "Total number of delivered messages",
			},
			[]string{"tenant"},
		),
		SendFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_send_failed_total",
				Help: "Total number of contacts whose delivery failed permanently",
			},
			[]string{"tenant"},
		),
		SendDeferredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_send_deferred_total",
				Help: "Total number of deliveries deferred for retry",
			},
			[]string{"tenant"},
		),
		ContactsSkippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_contacts_skipped_total",
				Help: "Total number of contacts skipped",
			},
			[]string{"reason"},
		),
		StaleRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "outreach_stale_state_retries_total",
				Help: "Total number of retried compare-and-set conflicts",
			},
		),
		RateLimitDeferralsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_ratelimit_deferrals_total",
				Help: "Total number of sends deferred by the tenant rate limiter",
			},
			[]string{"reason"},
		),
		ProviderOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_provider_outcomes_total",
				Help: "Total number of provider calls by outcome",
			},
			[]string{"provider", "outcome"},
		),
		ProviderLatencySeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "outreach_provider_latency_seconds",
				Help:    "Provider call duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),

		UnitsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_units_in_flight",
				Help: "Number of work units being processed",
			},
		),
		SchedulerReady: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_scheduler_ready",
				Help: "Number of units eligible to run",
			},
		),
		SchedulerDeferred: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_scheduler_deferred",
				Help: "Number of units waiting for their backoff",
			},
		),
		SchedulerCampaigns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_scheduler_campaigns",
				Help: "Number of campaigns being scheduled",
			},
		),
		CampaignsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "outreach_campaigns",
				Help: "Number of campaigns by status",
			},
			[]string{"status"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "outreach_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_uptime_seconds",
				Help: "Engine uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_storage_used_bytes",
				Help: "BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.MessagesCraftedTotal,
		m.CraftFailedTotal,
		m.MessagesSentTotal,
		m.SendFailedTotal,
		m.SendDeferredTotal,
		m.ContactsSkippedTotal,
		m.StaleRetriesTotal,
		m.RateLimitDeferralsTotal,
		m.ProviderOutcomesTotal,
		m.ProviderLatencySeconds,
		m.UnitsInFlight,
		m.SchedulerReady,
		m.SchedulerDeferred,
		m.SchedulerCampaigns,
		m.CampaignsByStatus,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveDelivery records one provider call
func (m *Metrics) ObserveDelivery(provider, outcome string, d time.Duration) {
	m.ProviderOutcomesTotal.WithLabelValues(provider, outcome).Inc()
	m.ProviderLatencySeconds.WithLabelValues(provider).Observe(d.Seconds())
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncCrafted increments the crafted message counter
func IncCrafted(tenant string) {
	if m := Global(); m != nil {
		m.MessagesCraftedTotal.WithLabelValues(tenant).Inc()
	}
}

// IncCraftFailed increments the craft failure counter
func IncCraftFailed(tenant string) {
	if m := Global(); m != nil {
		m.CraftFailedTotal.WithLabelValues(tenant).Inc()
	}
}

// IncSent increments the delivered message counter
func IncSent(tenant string) {
	if m := Global(); m != nil {
		m.MessagesSentTotal.WithLabelValues(tenant).Inc()
	}
}

// IncSendFailed increments the delivery failure counter
func IncSendFailed(tenant string) {
	if m := Global(); m != nil {
		m.SendFailedTotal.WithLabelValues(tenant).Inc()
	}
}

// IncSendDeferred increments the deferred delivery counter
func IncSendDeferred(tenant string) {
	if m := Global(); m != nil {
		m.SendDeferredTotal.WithLabelValues(tenant).Inc()
	}
}

// AddSkipped adds n skipped contacts
func AddSkipped(reason string, n int) {
	if m := Global(); m != nil && n > 0 {
		m.ContactsSkippedTotal.WithLabelValues(reason).Add(float64(n))
	}
}

// IncStaleRetries increments the stale state retry counter
func IncStaleRetries() {
	if m := Global(); m != nil {
		m.StaleRetriesTotal.Inc()
	}
}

// IncRateLimitDeferral increments the rate limit deferral counter
func IncRateLimitDeferral(reason string) {
	if m := Global(); m != nil {
		m.RateLimitDeferralsTotal.WithLabelValues(reason).Inc()
	}
}

// IncInFlight increments the in-flight units gauge
func IncInFlight() {
	if m := Global(); m != nil {
		m.UnitsInFlight.Inc()
	}
}

// DecInFlight decrements the in-flight units gauge
func DecInFlight() {
	if m := Global(); m != nil {
		m.UnitsInFlight.Dec()
	}
}
