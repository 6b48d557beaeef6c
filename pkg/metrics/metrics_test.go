package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersArePerStore(t *testing.T) {
	a, b := New(), New()

	a.CacheHit("node")
	a.CacheHit("node")
	a.CacheMiss("node")
	b.CacheHit("node")

	assert.Equal(t, 2.0, testutil.ToFloat64(a.cacheHits.WithLabelValues("node")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.cacheMisses.WithLabelValues("node")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.cacheHits.WithLabelValues("node")))
}

func TestRegistryGathers(t *testing.T) {
	m := New()
	m.TxBegun()
	m.TxFinished("committed")
	m.LockWaited(3 * time.Millisecond)
	m.QueryDuration("pattern", time.Millisecond)
	m.IndexFallback("User")

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["embergraph_txn_begun_total"])
	assert.True(t, names["embergraph_txn_finished_total"])
	assert.True(t, names["embergraph_txn_lock_wait_seconds"])
	assert.True(t, names["embergraph_query_duration_seconds"])
	assert.True(t, names["embergraph_index_scan_fallbacks_total"])
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CacheHit("node")
		m.TxFinished("deadlock")
		m.CommitDuration(time.Second)
		_, _ = m.Registry().Gather()
	})
}
