package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSemaphoreMetrics_Registered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSemaphoreMetrics(reg)

	m.PoolAllocated()
	m.PoolAllocated()
	m.PoolFreed()
	m.ThresholdPrepared()
	m.Invariant("double_prepare")
	m.AllocFailed("sea_page")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PoolsLive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ThresholdsPrepared))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InvariantViolations.WithLabelValues("double_prepare")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AllocFailures.WithLabelValues("sea_page")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "semasea_pools_live")
	assert.Contains(t, names, "semasea_invariant_violations_total")
}

func TestSemaphoreMetrics_NilSafe(t *testing.T) {
	var m *SemaphoreMetrics
	assert.NotPanics(t, func() {
		m.PoolAllocated()
		m.PoolFreed()
		m.HwSemaphoreCreated()
		m.HwSemaphoreDestroyed()
		m.SemaphoreCreated()
		m.SemaphoreFreed()
		m.ThresholdPrepared()
		m.FastForwarded()
		m.Invariant("x")
		m.AllocFailed("y")
	})
}
