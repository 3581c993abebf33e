// Package metrics exposes Prometheus counters for staging and approval.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	StagedRecords   prometheus.Counter
	IgnoredOrders   *prometheus.CounterVec
	Approvals       *prometheus.CounterVec
	CardCollisions  prometheus.Counter
	OrphanCustomers prometheus.Counter
}

// New registers every collector on reg. Pass prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		StagedRecords: f.NewCounter(prometheus.CounterOpts{
			Name: "membership_staged_records_total",
			Help: "Staging records created from order events",
		}),
		IgnoredOrders: f.NewCounterVec(prometheus.CounterOpts{
			Name: "membership_ingest_skipped_total",
			Help: "Order deliveries that staged nothing, by reason",
		}, []string{"reason"}), // reason: "duplicate", "no_membership_items", "ping"
		Approvals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "membership_approvals_total",
			Help: "Review outcomes by result",
		}, []string{"outcome"}), // outcome: "renewed", "upserted", "rejected", or an error kind
		CardCollisions: f.NewCounter(prometheus.CounterOpts{
			Name: "membership_card_number_collisions_total",
			Help: "Generated card numbers that were already taken",
		}),
		OrphanCustomers: f.NewCounter(prometheus.CounterOpts{
			Name: "membership_orphaned_customers_total",
			Help: "Customers created whose card attach failed",
		}),
	}
}

func (m *Metrics) IncStaged(n int) {
	if m != nil {
		m.StagedRecords.Add(float64(n))
	}
}

func (m *Metrics) IncSkipped(reason string) {
	if m != nil {
		m.IgnoredOrders.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) IncOutcome(outcome string) {
	if m != nil {
		m.Approvals.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncCardCollision() {
	if m != nil {
		m.CardCollisions.Inc()
	}
}

func (m *Metrics) IncOrphanedCustomer() {
	if m != nil {
		m.OrphanCustomers.Inc()
	}
}
