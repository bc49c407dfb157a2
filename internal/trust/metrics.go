package trust

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the trust engine.
type Metrics struct {
	TransactionsPosted  *prometheus.CounterVec
	TransactionsDecided *prometheus.CounterVec
	InsufficientFunds   prometheus.Counter
	Reconciliations     *prometheus.CounterVec
}

// NewMetrics creates and registers all trust-engine metrics on the default
// registry.
func NewMetrics() *Metrics {
	return &Metrics{
		TransactionsPosted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trust_transactions_posted_total",
			Help: "Trust transactions posted, by type and initial status",
		}, []string{"type", "status"}),
		TransactionsDecided: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trust_transactions_decided_total",
			Help: "Approval-workflow decisions, by outcome",
		}, []string{"decision"}),
		InsufficientFunds: promauto.NewCounter(prometheus.CounterOpts{
			Name: "trust_insufficient_funds_total",
			Help: "Withdrawal attempts rejected for insufficient ledger funds",
		}),
		Reconciliations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trust_reconciliations_total",
			Help: "Reconciliation runs, by outcome",
		}, []string{"reconciled"}),
	}
}

func (m *Metrics) posted(t TransactionType, s TransactionStatus) {
	if m == nil {
		return
	}
	m.TransactionsPosted.WithLabelValues(string(t), string(s)).Inc()
}

func (m *Metrics) decided(decision string) {
	if m == nil {
		return
	}
	m.TransactionsDecided.WithLabelValues(decision).Inc()
}

func (m *Metrics) insufficientFunds() {
	if m == nil {
		return
	}
	m.InsufficientFunds.Inc()
}

func (m *Metrics) reconciled(ok bool) {
	if m == nil {
		return
	}
	m.Reconciliations.WithLabelValues(strconv.FormatBool(ok)).Inc()
}
