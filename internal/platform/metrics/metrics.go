package metrics

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "open_settle"

// Metrics is nil-safe: every method is a no-op on a nil receiver.
type Metrics struct {
	transitionsTotal    *prometheus.CounterVec
	giftsTotal          *prometheus.CounterVec
	compensationsTotal  *prometheus.CounterVec
	ledgerCallsTotal    *prometheus.CounterVec
	ledgerCallSeconds   *prometheus.HistogramVec
	reconcileRunsTotal  *prometheus.CounterVec
	reconcileResolved   *prometheus.CounterVec
	reconcileLastRun    prometheus.Gauge
	payoutsByStatus     *prometheus.GaugeVec
	payoutsNeedReview   prometheus.Gauge
	transfersUnresolved prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		transitionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "payout",
				Name:      "transitions_total",
				Help:      "Payout request actions partitioned by action and result.",
			},
			[]string{"action", "result"},
		),
		giftsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gift",
				Name:      "transfers_total",
				Help:      "Peer-to-peer gift transfers partitioned by result.",
			},
			[]string{"result"},
		),
		compensationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "payout",
				Name:      "compensations_total",
				Help:      "Compensating actions applied after a failed fund movement.",
			},
			[]string{"kind"},
		),
		ledgerCallsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "calls_total",
				Help:      "External ledger calls partitioned by operation and outcome.",
			},
			[]string{"op", "outcome"},
		),
		ledgerCallSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "call_duration_seconds",
				Help:      "External ledger call latency.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"op"},
		),
		reconcileRunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "runs_total",
				Help:      "Reconciliation runs partitioned by result.",
			},
			[]string{"result"},
		),
		reconcileResolved: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "transfers_total",
				Help:      "Unconfirmed transfers handled by reconciliation, by outcome.",
			},
			[]string{"outcome"},
		),
		reconcileLastRun: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "last_run_unix",
				Help:      "Unix time of the most recent reconciliation run.",
			},
		),
		payoutsByStatus: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "payout",
				Name:      "requests",
				Help:      "Current count of payout requests by status.",
			},
			[]string{"status"},
		),
		payoutsNeedReview: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "payout",
				Name:      "requests_needing_review",
				Help:      "Current count of payout requests flagged for manual review.",
			},
		),
		transfersUnresolved: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "transfer",
				Name:      "unconfirmed",
				Help:      "Current count of transfer records with an indeterminate ledger outcome.",
			},
		),
	}
}

func (m *Metrics) ObserveTransition(action string, err error) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(action, resultLabel(err)).Inc()
}

func (m *Metrics) ObserveGift(err error) {
	if m == nil {
		return
	}
	m.giftsTotal.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) ObserveCompensation(kind string) {
	if m == nil {
		return
	}
	m.compensationsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveLedgerCall(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ledgerCallsTotal.WithLabelValues(op, outcome).Inc()
	m.ledgerCallSeconds.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) ObserveReconcileRun(resolved map[string]int, err error) {
	if m == nil {
		return
	}
	m.reconcileLastRun.Set(float64(time.Now().UTC().Unix()))
	if err != nil {
		m.reconcileRunsTotal.WithLabelValues("error").Inc()
	} else {
		m.reconcileRunsTotal.WithLabelValues("success").Inc()
	}
	for outcome, n := range resolved {
		if n > 0 {
			m.reconcileResolved.WithLabelValues(outcome).Add(float64(n))
		}
	}
}

// RefreshPayoutCounts samples the payout and transfer tables.
func (m *Metrics) RefreshPayoutCounts(ctx context.Context, db *sql.DB) {
	if m == nil || db == nil {
		return
	}
	const q = `
SELECT
  COUNT(*) FILTER (WHERE status = 'open') AS open,
  COUNT(*) FILTER (WHERE status = 'pending_approval') AS pending,
  COUNT(*) FILTER (WHERE status = 'rejected') AS rejected,
  COUNT(*) FILTER (WHERE status = 'transferred') AS transferred,
  COUNT(*) FILTER (WHERE status = 'cancelled') AS cancelled,
  COUNT(*) FILTER (WHERE review_reason <> '') AS review
FROM payout_requests
`
	var open, pending, rejected, transferred, cancelled, review int64
	if err := db.QueryRowContext(ctx, q).Scan(&open, &pending, &rejected, &transferred, &cancelled, &review); err != nil {
		return
	}
	m.payoutsByStatus.WithLabelValues("open").Set(float64(open))
	m.payoutsByStatus.WithLabelValues("pending_approval").Set(float64(pending))
	m.payoutsByStatus.WithLabelValues("rejected").Set(float64(rejected))
	m.payoutsByStatus.WithLabelValues("transferred").Set(float64(transferred))
	m.payoutsByStatus.WithLabelValues("cancelled").Set(float64(cancelled))
	m.payoutsNeedReview.Set(float64(review))

	var unconfirmed int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transfer_records WHERE status = 'unconfirmed'`).Scan(&unconfirmed); err != nil {
		return
	}
	m.transfersUnresolved.Set(float64(unconfirmed))
}

func (m *Metrics) SetNeedsReview(n int) {
	if m == nil {
		return
	}
	m.payoutsNeedReview.Set(float64(n))
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}
