package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the allocation engine.
type Metrics struct {
	// Allocation outcomes by scheme and result code ("ok" on success)
	AllocationOutcome *prometheus.CounterVec

	// Claim attempts lost to a concurrent writer
	ClaimConflicts *prometheus.CounterVec

	AllocateLatency *prometheus.HistogramVec

	// Audit emissions that failed after the transition was committed
	AuditFailures *prometheus.CounterVec

	// Findings from the last verification or health run
	Findings *prometheus.GaugeVec

	// Unclaimed rows remaining per site, refreshed by the health runner
	Unclaimed *prometheus.GaugeVec
}

// New registers the allocation metrics on reg. A nil registerer falls back to
// the default Prometheus registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		AllocationOutcome: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trialrand_allocations_total",
			Help: "Total allocation attempts by scheme and outcome",
		}, []string{"scheme", "outcome"}),

		ClaimConflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trialrand_claim_conflicts_total",
			Help: "Claims lost to a concurrent allocation and retried",
		}, []string{"scheme"}),

		AllocateLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trialrand_allocate_duration_seconds",
			Help:    "Duration of allocate calls including retries",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"scheme"}),

		AuditFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trialrand_audit_failures_total",
			Help: "Audit events that could not be emitted after a committed transition",
		}, []string{"action"}),

		Findings: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trialrand_findings",
			Help: "Findings reported by the most recent check run",
		}, []string{"scheme", "check"}),

		Unclaimed: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trialrand_unclaimed_rows",
			Help: "Unclaimed list rows per scheme and site",
		}, []string{"scheme", "site"}),
	}
}

// IncrementOutcome records an allocation outcome.
func (m *Metrics) IncrementOutcome(scheme, outcome string) {
	if m != nil {
		m.AllocationOutcome.WithLabelValues(scheme, outcome).Inc()
	}
}

// IncrementClaimConflict records a lost claim race.
func (m *Metrics) IncrementClaimConflict(scheme string) {
	if m != nil {
		m.ClaimConflicts.WithLabelValues(scheme).Inc()
	}
}

// ObserveAllocateLatency records the total allocate duration.
func (m *Metrics) ObserveAllocateLatency(scheme string, d time.Duration) {
	if m != nil {
		m.AllocateLatency.WithLabelValues(scheme).Observe(d.Seconds())
	}
}

// IncrementAuditFailure records a failed audit emission.
func (m *Metrics) IncrementAuditFailure(action string) {
	if m != nil {
		m.AuditFailures.WithLabelValues(action).Inc()
	}
}

// SetFindings records the number of findings for a scheme and check.
func (m *Metrics) SetFindings(scheme, check string, n int) {
	if m != nil {
		m.Findings.WithLabelValues(scheme, check).Set(float64(n))
	}
}

// SetUnclaimed records the remaining unclaimed rows at a site.
func (m *Metrics) SetUnclaimed(scheme, site string, n int) {
	if m != nil {
		m.Unclaimed.WithLabelValues(scheme, site).Set(float64(n))
	}
}
