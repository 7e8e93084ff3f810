package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCountersAndNilSafety(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveTransition("approve", nil)
	m.ObserveTransition("approve", errors.New("boom"))
	m.ObserveLedgerCall("transfer", "indeterminate", 2*time.Second)
	m.ObserveReconcileRun(map[string]int{"succeeded": 2, "failed": 0}, nil)
	m.SetNeedsReview(3)

	if got := testutil.ToFloat64(m.transitionsTotal.WithLabelValues("approve", "ok")); got != 1 {
		t.Fatalf("expected one ok approve, got=%v", got)
	}
	if got := testutil.ToFloat64(m.transitionsTotal.WithLabelValues("approve", "error")); got != 1 {
		t.Fatalf("expected one failed approve, got=%v", got)
	}
	if got := testutil.ToFloat64(m.ledgerCallsTotal.WithLabelValues("transfer", "indeterminate")); got != 1 {
		t.Fatalf("expected one indeterminate transfer, got=%v", got)
	}
	if got := testutil.ToFloat64(m.reconcileResolved.WithLabelValues("succeeded")); got != 2 {
		t.Fatalf("expected 2 reconciled, got=%v", got)
	}
	if got := testutil.ToFloat64(m.payoutsNeedReview); got != 3 {
		t.Fatalf("expected review gauge 3, got=%v", got)
	}

	var nilMetrics *Metrics
	nilMetrics.ObserveTransition("approve", nil)
	nilMetrics.ObserveGift(nil)
	nilMetrics.ObserveCompensation("escrow")
	nilMetrics.ObserveLedgerCall("transfer", "succeeded", time.Millisecond)
	nilMetrics.ObserveReconcileRun(nil, nil)
	nilMetrics.SetNeedsReview(1)
}
