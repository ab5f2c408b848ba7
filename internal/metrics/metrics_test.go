package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorders(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveIdentify("ok", 20*time.Millisecond)
	m.ObserveIdentify("error", time.Millisecond)
	m.IncrementContactsCreated("secondary")
	m.IncrementClustersMerged()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.IdentifyRequests.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IdentifyRequests.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ContactsCreated.WithLabelValues("secondary")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClustersMerged))
	assert.Equal(t, 1, testutil.CollectAndCount(m.IdentifyDuration))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveIdentify("ok", time.Second)
		m.IncrementContactsCreated("primary")
		m.IncrementClustersMerged()
	})
}
