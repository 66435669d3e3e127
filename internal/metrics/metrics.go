// Package metrics registers every operator-visible counter/gauge/histogram
// the daemon exposes, both as the Prometheus exposition at
// /metrics/prometheus and as the plain JSON snapshot at /metrics.
package metrics

import (
	"math"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every named metric spec.md calls for plus the few the
// expanded ambient stack needs (self CPU/RSS, HTTP latency).
type Metrics struct {
	EventsTotal          *prometheus.CounterVec
	EventsDroppedTotal   *prometheus.CounterVec
	DecodeErrorsTotal    prometheus.Counter
	ProbesAttached       prometheus.Gauge
	ProbesSkipped        prometheus.Gauge

	LineageGapsTotal         prometheus.Counter
	PidReuseTotal            prometheus.Counter
	StoreInvariantViolations prometheus.Counter

	AlertsEmittedTotal        prometheus.Counter
	EnrichmentsDiscardedTotal prometheus.Counter

	HubSubscribers   prometheus.Gauge
	HubDropsTotal    prometheus.Counter
	HubDisconnects   *prometheus.CounterVec
	HubPublishToEnqueue prometheus.Histogram

	OfflineDeniedTotal prometheus.Counter

	SelfCPUSeconds prometheus.Gauge
	SelfRSSBytes   prometheus.Gauge

	WindowTrimTotal     prometheus.Counter
	SamplingHalvedTotal prometheus.Counter
	SamplingIntervalMs  prometheus.Gauge

	HTTPRequestDuration *prometheus.HistogramVec

	// Registry is a dedicated registry rather than the global default, so
	// a test (or a second daemon instance in-process) can build its own
	// Metrics without colliding on duplicate collector registration.
	Registry *prometheus.Registry

	// shadow mirrors the scalar counters in plain atomics so /metrics (the
	// JSON operator view) doesn't have to walk prometheus's internal
	// collector state to answer "what is this counter's value right now".
	shadow shadowCounters
}

type shadowCounters struct {
	mu                        sync.Mutex
	eventsTotal               map[string]uint64
	eventsDroppedTotal        map[string]uint64
	decodeErrorsTotal         atomic.Uint64
	probesAttached            atomic.Int64
	probesSkipped             atomic.Int64
	lineageGapsTotal          atomic.Uint64
	pidReuseTotal             atomic.Uint64
	storeInvariantViolations  atomic.Uint64
	alertsEmittedTotal        atomic.Uint64
	enrichmentsDiscardedTotal atomic.Uint64
	hubSubscribers            atomic.Int64
	hubDropsTotal             atomic.Uint64
	offlineDeniedTotal        atomic.Uint64
	selfCPUSeconds            atomic.Uint64 // bits of a float64
	selfRSSBytes              atomic.Uint64
	windowTrimTotal           atomic.Uint64
	samplingHalvedTotal       atomic.Uint64
	samplingIntervalMs        atomic.Uint64
}

// New builds a Metrics with its own Registry, registering every collector
// against it.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	fac := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		shadow: shadowCounters{
			eventsTotal:        make(map[string]uint64),
			eventsDroppedTotal: make(map[string]uint64),
		},
		EventsTotal: fac.NewCounterVec(prometheus.CounterOpts{
			Name: "linnixd_events_total",
			Help: "Decoded kernel events delivered from the ring drainer, by kind.",
		}, []string{"kind"}),

		EventsDroppedTotal: fac.NewCounterVec(prometheus.CounterOpts{
			Name: "linnixd_events_dropped_total",
			Help: "Decoded events dropped because the drainer's output channel was full, by reason.",
		}, []string{"reason"}),

		DecodeErrorsTotal: fac.NewCounter(prometheus.CounterOpts{
			Name: "linnixd_decode_errors_total",
			Help: "Kernel records that failed Event decode.",
		}),

		ProbesAttached: fac.NewGauge(prometheus.GaugeOpts{
			Name: "linnixd_probes_attached",
			Help: "Number of eBPF probes currently attached.",
		}),
		ProbesSkipped: fac.NewGauge(prometheus.GaugeOpts{
			Name: "linnixd_probes_skipped",
			Help: "Number of optional probes that failed to attach and were skipped.",
		}),

		LineageGapsTotal: fac.NewCounter(prometheus.CounterOpts{
			Name: "linnixd_lineage_gaps_total",
			Help: "Ancestor chain walks that hit a missing link before the root.",
		}),
		PidReuseTotal: fac.NewCounter(prometheus.CounterOpts{
			Name: "linnixd_pid_reuse_total",
			Help: "FORK events observed for a pid with an existing, unreplaced record.",
		}),
		StoreInvariantViolations: fac.NewCounter(prometheus.CounterOpts{
			Name: "linnixd_store_invariant_violations_total",
			Help: "Process Store repairs for out-of-order or orphaned events.",
		}),

		AlertsEmittedTotal: fac.NewCounter(prometheus.CounterOpts{
			Name: "linnixd_alerts_emitted_total",
			Help: "Alerts published by the rule engine.",
		}),
		EnrichmentsDiscardedTotal: fac.NewCounter(prometheus.CounterOpts{
			Name: "linnixd_enrichments_discarded_total",
			Help: "Reasoner enrichments that arrived after their alert left the ring.",
		}),

		HubSubscribers: fac.NewGauge(prometheus.GaugeOpts{
			Name: "linnixd_hub_subscribers",
			Help: "Currently connected stream subscribers.",
		}),
		HubDropsTotal: fac.NewCounter(prometheus.CounterOpts{
			Name: "linnixd_hub_drops_total",
			Help: "Queued items dropped from a lagging subscriber.",
		}),
		HubDisconnects: fac.NewCounterVec(prometheus.CounterOpts{
			Name: "linnixd_hub_disconnects_total",
			Help: "Subscriber disconnects, by reason.",
		}, []string{"reason"}),
		HubPublishToEnqueue: fac.NewHistogram(prometheus.HistogramOpts{
			Name:    "linnixd_hub_publish_to_enqueue_seconds",
			Help:    "Latency from bus publish to a subscriber queue enqueue.",
			Buckets: prometheus.DefBuckets,
		}),

		OfflineDeniedTotal: fac.NewCounter(prometheus.CounterOpts{
			Name: "linnixd_offline_denied_total",
			Help: "Egress calls (reasoner, notifiers) denied by the offline guard.",
		}),

		SelfCPUSeconds: fac.NewGauge(prometheus.GaugeOpts{
			Name: "linnixd_self_cpu_seconds_total",
			Help: "The daemon's own cumulative CPU time.",
		}),
		SelfRSSBytes: fac.NewGauge(prometheus.GaugeOpts{
			Name: "linnixd_self_rss_bytes",
			Help: "The daemon's own resident set size.",
		}),

		WindowTrimTotal: fac.NewCounter(prometheus.CounterOpts{
			Name: "linnixd_window_trim_total",
			Help: "Times the window's entry cap was reduced to relieve the RSS soft cap.",
		}),
		SamplingHalvedTotal: fac.NewCounter(prometheus.CounterOpts{
			Name: "linnixd_sampling_halved_total",
			Help: "Times the housekeeping sampling interval was doubled to relieve the CPU soft cap.",
		}),
		SamplingIntervalMs: fac.NewGauge(prometheus.GaugeOpts{
			Name: "linnixd_sampling_interval_ms",
			Help: "Current housekeeping tick interval, widened under sustained CPU soft-cap breach.",
		}),

		HTTPRequestDuration: fac.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "linnixd_http_request_duration_seconds",
			Help:    "HTTP handler latency by route and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
}

// IncEvents records one decoded event of the given kind.
func (m *Metrics) IncEvents(kind string) {
	m.EventsTotal.WithLabelValues(kind).Inc()
	m.shadow.mu.Lock()
	m.shadow.eventsTotal[kind]++
	m.shadow.mu.Unlock()
}

// IncEventsDropped records one decoded event dropped before delivery, by reason.
func (m *Metrics) IncEventsDropped(reason string) {
	m.EventsDroppedTotal.WithLabelValues(reason).Inc()
	m.shadow.mu.Lock()
	m.shadow.eventsDroppedTotal[reason]++
	m.shadow.mu.Unlock()
}

func (m *Metrics) IncDecodeErrors() {
	m.DecodeErrorsTotal.Inc()
	m.shadow.decodeErrorsTotal.Add(1)
}

// SetProbeCounts updates the attached/skipped probe gauges.
func (m *Metrics) SetProbeCounts(attached, skipped int) {
	m.ProbesAttached.Set(float64(attached))
	m.ProbesSkipped.Set(float64(skipped))
	m.shadow.probesAttached.Store(int64(attached))
	m.shadow.probesSkipped.Store(int64(skipped))
}

func (m *Metrics) IncLineageGaps() {
	m.LineageGapsTotal.Inc()
	m.shadow.lineageGapsTotal.Add(1)
}

func (m *Metrics) IncPidReuse() {
	m.PidReuseTotal.Inc()
	m.shadow.pidReuseTotal.Add(1)
}

func (m *Metrics) IncStoreInvariantViolations() {
	m.StoreInvariantViolations.Inc()
	m.shadow.storeInvariantViolations.Add(1)
}

func (m *Metrics) IncAlertsEmitted() {
	m.AlertsEmittedTotal.Inc()
	m.shadow.alertsEmittedTotal.Add(1)
}

func (m *Metrics) IncEnrichmentsDiscarded() {
	m.EnrichmentsDiscardedTotal.Inc()
	m.shadow.enrichmentsDiscardedTotal.Add(1)
}

func (m *Metrics) SetHubSubscribers(n int) {
	m.HubSubscribers.Set(float64(n))
	m.shadow.hubSubscribers.Store(int64(n))
}

func (m *Metrics) IncHubDrops(n int) {
	m.HubDropsTotal.Add(float64(n))
	m.shadow.hubDropsTotal.Add(uint64(n))
}

func (m *Metrics) IncHubDisconnect(reason string) {
	m.HubDisconnects.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveHubPublishToEnqueue(seconds float64) {
	m.HubPublishToEnqueue.Observe(seconds)
}

func (m *Metrics) IncOfflineDenied() {
	m.OfflineDeniedTotal.Inc()
	m.shadow.offlineDeniedTotal.Add(1)
}

// SetSelfResourceUsage records the daemon's own cumulative CPU seconds and
// current RSS, sourced from runtime.ReadMemStats and /proc/self/stat by the
// caller (no pack library measures a process's own footprint).
func (m *Metrics) SetSelfResourceUsage(cpuSeconds float64, rssBytes uint64) {
	m.SelfCPUSeconds.Set(cpuSeconds)
	m.SelfRSSBytes.Set(float64(rssBytes))
	m.shadow.selfCPUSeconds.Store(math.Float64bits(cpuSeconds))
	m.shadow.selfRSSBytes.Store(rssBytes)
}

// IncWindowTrim records one RSS soft-cap window reduction.
func (m *Metrics) IncWindowTrim() {
	m.WindowTrimTotal.Inc()
	m.shadow.windowTrimTotal.Add(1)
}

// IncSamplingHalved records one CPU soft-cap sampling-interval doubling.
func (m *Metrics) IncSamplingHalved() {
	m.SamplingHalvedTotal.Inc()
	m.shadow.samplingHalvedTotal.Add(1)
}

// SetSamplingIntervalMs records the housekeeping loop's current interval.
func (m *Metrics) SetSamplingIntervalMs(ms uint32) {
	m.SamplingIntervalMs.Set(float64(ms))
	m.shadow.samplingIntervalMs.Store(uint64(ms))
}

func (m *Metrics) ObserveHTTPRequest(route string, status int, seconds float64) {
	m.HTTPRequestDuration.WithLabelValues(route, strconv.Itoa(status)).Observe(seconds)
}

// Snapshot returns the plain JSON operator view.
func (m *Metrics) Snapshot() JSONSnapshot {
	m.shadow.mu.Lock()
	events := make(map[string]float64, len(m.shadow.eventsTotal))
	for k, v := range m.shadow.eventsTotal {
		events[k] = float64(v)
	}
	dropped := make(map[string]float64, len(m.shadow.eventsDroppedTotal))
	for k, v := range m.shadow.eventsDroppedTotal {
		dropped[k] = float64(v)
	}
	m.shadow.mu.Unlock()

	return JSONSnapshot{
		EventsTotal:               events,
		EventsDroppedTotal:        dropped,
		DecodeErrorsTotal:         float64(m.shadow.decodeErrorsTotal.Load()),
		ProbesAttached:            float64(m.shadow.probesAttached.Load()),
		ProbesSkipped:             float64(m.shadow.probesSkipped.Load()),
		LineageGapsTotal:          float64(m.shadow.lineageGapsTotal.Load()),
		PidReuseTotal:             float64(m.shadow.pidReuseTotal.Load()),
		StoreInvariantViolations:  float64(m.shadow.storeInvariantViolations.Load()),
		AlertsEmittedTotal:        float64(m.shadow.alertsEmittedTotal.Load()),
		EnrichmentsDiscardedTotal: float64(m.shadow.enrichmentsDiscardedTotal.Load()),
		HubSubscribers:            float64(m.shadow.hubSubscribers.Load()),
		HubDropsTotal:             float64(m.shadow.hubDropsTotal.Load()),
		OfflineDeniedTotal:        float64(m.shadow.offlineDeniedTotal.Load()),
		SelfCPUSeconds:            math.Float64frombits(m.shadow.selfCPUSeconds.Load()),
		SelfRSSBytes:              float64(m.shadow.selfRSSBytes.Load()),
		WindowTrimTotal:           float64(m.shadow.windowTrimTotal.Load()),
		SamplingHalvedTotal:       float64(m.shadow.samplingHalvedTotal.Load()),
		SamplingIntervalMs:        float64(m.shadow.samplingIntervalMs.Load()),
	}
}

// JSONSnapshot is the flat shape served at /metrics for operators who don't
// want to scrape the Prometheus exposition.
type JSONSnapshot struct {
	EventsTotal               map[string]float64 `json:"events_total"`
	EventsDroppedTotal        map[string]float64 `json:"events_dropped_total"`
	DecodeErrorsTotal         float64            `json:"decode_errors_total"`
	ProbesAttached            float64            `json:"probes_attached"`
	ProbesSkipped             float64            `json:"probes_skipped"`
	LineageGapsTotal          float64            `json:"lineage_gaps_total"`
	PidReuseTotal             float64            `json:"pid_reuse_total"`
	StoreInvariantViolations  float64            `json:"store_invariant_violations_total"`
	AlertsEmittedTotal        float64            `json:"alerts_emitted_total"`
	EnrichmentsDiscardedTotal float64            `json:"enrichments_discarded_total"`
	HubSubscribers            float64            `json:"subscribers"`
	HubDropsTotal             float64            `json:"hub_drops_total"`
	OfflineDeniedTotal        float64            `json:"offline_denied_total"`
	SelfCPUSeconds            float64            `json:"self_cpu_seconds_total"`
	SelfRSSBytes              float64            `json:"self_rss_bytes"`
	WindowTrimTotal           float64            `json:"window_trim_total"`
	SamplingHalvedTotal       float64            `json:"sampling_halved_total"`
	SamplingIntervalMs        float64            `json:"sampling_interval_ms"`
}
