package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	IdentifyRequests *prometheus.CounterVec
	IdentifyDuration prometheus.Histogram
	ContactsCreated  *prometheus.CounterVec
	ClustersMerged   prometheus.Counter
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		IdentifyRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_identify_requests_total",
			Help: "Identify calls by outcome",
		}, []string{"outcome"}),
		IdentifyDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "identity_identify_duration_seconds",
			Help:    "Time spent reconciling one identify call",
			Buckets: prometheus.DefBuckets,
		}),
		ContactsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_contacts_created_total",
			Help: "Contacts created by link precedence",
		}, []string{"precedence"}),
		ClustersMerged: factory.NewCounter(prometheus.CounterOpts{
			Name: "identity_clusters_merged_total",
			Help: "Primaries demoted into an older cluster",
		}),
	}
}

// ObserveIdentify records one finished identify call. A nil receiver is a no-op.
func (m *Metrics) ObserveIdentify(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.IdentifyRequests.WithLabelValues(outcome).Inc()
	m.IdentifyDuration.Observe(elapsed.Seconds())
}

// IncrementContactsCreated counts one inserted contact.
func (m *Metrics) IncrementContactsCreated(precedence string) {
	if m == nil {
		return
	}
	m.ContactsCreated.WithLabelValues(precedence).Inc()
}

// IncrementClustersMerged counts one demoted primary.
func (m *Metrics) IncrementClustersMerged() {
	if m == nil {
		return
	}
	m.ClustersMerged.Inc()
}
