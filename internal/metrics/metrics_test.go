package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetrics_NoPanic(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveAuth("password", time.Second, nil)
		m.ObserveCache(CacheHit)
		m.ObserveRequest("GET", time.Second, errors.New("boom"))
		m.IncRetry()
		m.ObserveGateway("/healthz", 200)
	})
}

func TestObserve_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveAuth("password", 10*time.Millisecond, nil)
	m.ObserveAuth("password", 10*time.Millisecond, errors.New("rejected"))
	m.ObserveCache(CacheHit)
	m.ObserveCache(CacheHit)
	m.ObserveCache(CacheExpired)
	m.ObserveRequest("GET", time.Millisecond, nil)
	m.IncRetry()
	m.ObserveGateway("/api/{endpoint...}", 502)

	assert.InDelta(t, 1, testutil.ToFloat64(m.AuthTotal.WithLabelValues("password", ResultOK)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.AuthTotal.WithLabelValues("password", ResultError)), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.CacheLookups.WithLabelValues(CacheHit)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.CacheLookups.WithLabelValues(CacheExpired)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", ResultOK)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.RetriesTotal), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.GatewayRequests.WithLabelValues("/api/{endpoint...}", "502")), 0)
}

func TestNew_RegistersOnRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.IncRetry()

	families, err := reg.Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, families)
}
