package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the relay's Prometheus metrics: upstream event flow,
// change detection output, debounce behavior, fan-out delivery, cache
// efficiency, and the HTTP surface.
type Metrics struct {
	// PresenceEvents counts raw upstream events.
	// Labels: kind (presence|member)
	PresenceEvents *prometheus.CounterVec

	// ChangesDetected counts detected changes by change key.
	// Labels: key (status|username|avatar|displayName|customStatus|activities|all|activity|activityType)
	ChangesDetected *prometheus.CounterVec

	// DebounceScheduled counts Schedule calls; DebounceFired counts
	// emissions. The difference is the number of coalesced bursts.
	DebounceScheduled prometheus.Counter
	DebounceFired     prometheus.Counter

	// NotificationsDelivered counts events pushed to subscribers.
	// Labels: event (userUpdate|activityUpdate|error)
	NotificationsDelivered *prometheus.CounterVec

	// NotificationsSuppressed counts fan-outs dropped by policy.
	// Labels: reason (optout|no_subscribers|fetch_error)
	NotificationsSuppressed *prometheus.CounterVec

	// CacheHits / CacheMisses / CacheEvictions track the snapshot cache.
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter

	// ActiveSubscriptions gauges current subscriptions by kind.
	// Labels: kind (user|activity)
	ActiveSubscriptions *prometheus.GaugeVec

	// ConnectedClients gauges registered subscriber connections. Sampled
	// periodically rather than maintained per connect/disconnect.
	ConnectedClients prometheus.Gauge

	// TrackedMembers gauges the guild members held in gateway state.
	TrackedMembers prometheus.Gauge

	// UpstreamResolves counts member resolutions by outcome.
	// Labels: outcome (hit|fetched|not_found|error)
	UpstreamResolves *prometheus.CounterVec

	// HTTPRequestCounter and HTTPRequestDuration cover the REST surface.
	// Labels: method, path, status_code
	HTTPRequestCounter  *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all relay metrics with the default
// Prometheus registry. Call once at startup; the /metrics endpoint serves
// the registry via promhttp.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the metrics with an explicit registerer. Tests
// use it with a fresh registry to avoid duplicate registration.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PresenceEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beacon_upstream_events_total",
				Help: "Total upstream gateway events by kind",
			},
			[]string{"kind"},
		),

		ChangesDetected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beacon_changes_detected_total",
				Help: "Total detected changes by change key",
			},
			[]string{"key"},
		),

		DebounceScheduled: factory.NewCounter(prometheus.CounterOpts{
			Name: "beacon_debounce_scheduled_total",
			Help: "Total debounce scheduling calls",
		}),

		DebounceFired: factory.NewCounter(prometheus.CounterOpts{
			Name: "beacon_debounce_fired_total",
			Help: "Total debounce windows that elapsed and emitted",
		}),

		NotificationsDelivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beacon_notifications_delivered_total",
				Help: "Total events delivered to subscribers by event name",
			},
			[]string{"event"},
		),

		NotificationsSuppressed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beacon_notifications_suppressed_total",
				Help: "Total fan-out cycles dropped by policy or failure",
			},
			[]string{"reason"},
		),

		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "beacon_snapshot_cache_hits_total",
			Help: "Total snapshot cache hits",
		}),

		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "beacon_snapshot_cache_misses_total",
			Help: "Total snapshot cache misses",
		}),

		CacheEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "beacon_snapshot_cache_evictions_total",
			Help: "Total snapshot cache entries evicted by TTL sweep",
		}),

		ActiveSubscriptions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "beacon_active_subscriptions",
				Help: "Current subscriptions by kind",
			},
			[]string{"kind"},
		),

		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "beacon_connected_clients",
			Help: "Registered subscriber connections",
		}),

		TrackedMembers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "beacon_tracked_members",
			Help: "Guild members held in gateway state",
		}),

		UpstreamResolves: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beacon_upstream_resolves_total",
				Help: "Total member resolutions against the upstream by outcome",
			},
			[]string{"outcome"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beacon_http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "beacon_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// RecordChange increments the detected-change counter for a key.
func (m *Metrics) RecordChange(key string) {
	m.ChangesDetected.WithLabelValues(key).Inc()
}

// RecordDelivery increments the delivered-notification counter.
func (m *Metrics) RecordDelivery(event string) {
	m.NotificationsDelivered.WithLabelValues(event).Inc()
}

// RecordSuppressed increments the suppressed-notification counter.
func (m *Metrics) RecordSuppressed(reason string) {
	m.NotificationsSuppressed.WithLabelValues(reason).Inc()
}

// RecordHTTPRequest records one REST request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
