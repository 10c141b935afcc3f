// Package metrics holds the Prometheus collectors shared by the session
// manager, the request client, and the gateway. A nil *Metrics is valid and
// records nothing, so library callers that don't care about metrics can pass
// nil.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mieapi"

// Cache lookup outcomes.
const (
	CacheHit     = "hit"
	CacheMiss    = "miss"
	CacheExpired = "expired"
	CacheError   = "error"
)

// Result labels.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Metrics holds all collectors. Pass to components that record metrics.
type Metrics struct {
	AuthTotal       *prometheus.CounterVec
	AuthDuration    *prometheus.HistogramVec
	CacheLookups    *prometheus.CounterVec
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RetriesTotal    prometheus.Counter
	GatewayRequests *prometheus.CounterVec
}

// New creates and registers all collectors with the given registry.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		AuthTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_total",
				Help:      "Authentication handshakes performed against the backend",
			},
			[]string{"strategy", "result"},
		),
		AuthDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "auth_duration_seconds",
				Help:      "Authentication handshake duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"strategy"},
		),
		CacheLookups: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_cache_lookups_total",
				Help:      "Session cache lookups by outcome",
			},
			[]string{"outcome"}, // hit/miss/expired/error
		),
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Backend API calls by method and result",
			},
			[]string{"method", "result"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Backend API call duration in seconds, retries included",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		RetriesTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Calls retried after a forced session refresh",
			},
		),
		GatewayRequests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_requests_total",
				Help:      "Inbound gateway requests by route and status code",
			},
			[]string{"route", "code"},
		),
	}
}

// ObserveAuth records one authentication handshake.
func (m *Metrics) ObserveAuth(strategy string, d time.Duration, err error) {
	if m == nil {
		return
	}

	m.AuthTotal.WithLabelValues(strategy, result(err)).Inc()
	m.AuthDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

// ObserveCache records one session cache lookup.
func (m *Metrics) ObserveCache(outcome string) {
	if m == nil {
		return
	}

	m.CacheLookups.WithLabelValues(outcome).Inc()
}

// ObserveRequest records one logical API call.
func (m *Metrics) ObserveRequest(method string, d time.Duration, err error) {
	if m == nil {
		return
	}

	m.RequestsTotal.WithLabelValues(method, result(err)).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// IncRetry records a forced-refresh retry.
func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}

	m.RetriesTotal.Inc()
}

// ObserveGateway records one inbound gateway request.
func (m *Metrics) ObserveGateway(route string, code int) {
	if m == nil {
		return
	}

	m.GatewayRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

func result(err error) string {
	if err != nil {
		return ResultError
	}

	return ResultOK
}
