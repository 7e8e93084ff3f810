package settlement

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-settle-go/internal/ledger"
)

type ReconcilerConfig struct {
	// Grace is the minimum age of an unconfirmed record before it is looked
	// up. It must exceed the ledger call timeout.
	Grace time.Duration
	// ReviewAfter is the age past which an unresolvable record flags its
	// payout request for manual review.
	ReviewAfter time.Duration
	Batch       int
}

type ReconcileReport struct {
	Examined  int
	Succeeded int
	Failed    int
	Pending   int
	Flagged   int
	Errors    int
}

func (r ReconcileReport) counts() map[string]int {
	return map[string]int{
		"succeeded": r.Succeeded,
		"failed":    r.Failed,
		"pending":   r.Pending,
		"flagged":   r.Flagged,
		"error":     r.Errors,
	}
}

// Reconciler settles indeterminate ledger outcomes by receipt lookup. It
// never resubmits a transfer.
type Reconciler struct {
	engine *Engine
	cfg    ReconcilerConfig
	logger *zap.Logger

	runMu sync.Mutex
	// cursor is the last record examined. Each run resumes after it so rows
	// that stay unresolved cannot hide newer ones.
	cursor *TransferCursor
}

func NewReconciler(e *Engine, cfg ReconcilerConfig) *Reconciler {
	if cfg.Grace <= 0 {
		cfg.Grace = 30 * time.Second
	}
	if cfg.ReviewAfter <= cfg.Grace {
		cfg.ReviewAfter = cfg.Grace * 60
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	return &Reconciler{engine: e, cfg: cfg, logger: e.logger.Named("reconcile")}
}

// RunOnce processes the next batch of unconfirmed records, wrapping to the
// oldest after a short page. Runs are serialized.
func (r *Reconciler) RunOnce(ctx context.Context) (rep ReconcileReport, err error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	defer func() { r.engine.obs.ObserveReconcileRun(rep.counts(), err) }()

	now := r.engine.now()
	recs, err := r.engine.store.ListTransfers(ctx, TransferFilter{
		Status:        TransferUnconfirmed,
		CreatedBefore: now.Add(-r.cfg.Grace),
		After:         r.cursor,
		Limit:         r.cfg.Batch,
	})
	if err != nil {
		return rep, err
	}

	for _, rec := range recs {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		rep.Examined++
		r.reconcileOne(ctx, rec, now, &rep)
		r.cursor = &TransferCursor{CreatedAt: rec.CreatedAt, ID: rec.ID}
	}
	if len(recs) < r.cfg.Batch {
		r.cursor = nil
	}

	if review, err := r.engine.store.ListPayouts(ctx, PayoutFilter{NeedsReview: true}); err == nil {
		r.engine.obs.SetNeedsReview(len(review))
	}
	if rep.Examined > 0 {
		r.logger.Info("reconcile run finished",
			zap.Int("examined", rep.Examined),
			zap.Int("succeeded", rep.Succeeded),
			zap.Int("failed", rep.Failed),
			zap.Int("pending", rep.Pending),
			zap.Int("flagged", rep.Flagged),
			zap.Int("errors", rep.Errors),
		)
	}
	return rep, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, rec TransferRecord, now time.Time, rep *ReconcileReport) {
	log := r.logger.With(zap.String("transfer_id", rec.ID), zap.String("tx_id", rec.ExternalTxID))
	stale := now.Sub(rec.CreatedAt) >= r.cfg.ReviewAfter

	if rec.ExternalTxID == "" {
		rep.Pending++
		if stale {
			r.flag(ctx, rec, "ledger transaction id unknown", rep)
		}
		return
	}

	receipt, err := r.engine.ledger.GetReceipt(ctx, rec.ExternalTxID)
	switch {
	case errors.Is(err, ledger.ErrReceiptNotFound):
		rep.Pending++
		if stale {
			r.flag(ctx, rec, "ledger has no receipt for transaction", rep)
		}
		return
	case err != nil:
		rep.Errors++
		log.Warn("receipt lookup failed", zap.Error(err))
		return
	}

	var status TransferStatus
	switch receipt.Status {
	case ledger.ReceiptConfirmed:
		status = TransferSucceeded
	case ledger.ReceiptFailed:
		status = TransferFailed
	default:
		rep.Pending++
		if stale {
			r.flag(ctx, rec, "ledger transaction still pending", rep)
		}
		return
	}

	if err := r.engine.resolveRecord(ctx, systemCaller, rec, status, &receipt, receipt.Detail); err != nil {
		if errors.Is(err, ErrTransferFinal) || errors.Is(err, ErrStaleState) {
			// Resolved concurrently by the saga that created it.
			return
		}
		rep.Errors++
		log.Error("apply reconciliation failed", zap.Error(err))
		return
	}
	if status == TransferSucceeded {
		rep.Succeeded++
	} else {
		rep.Failed++
	}
}

func (r *Reconciler) flag(ctx context.Context, rec TransferRecord, reason string, rep *ReconcileReport) {
	if rec.PayoutRequestID == "" {
		r.logger.Warn("gift transfer unresolved; needs manual review",
			zap.String("transfer_id", rec.ID),
			zap.String("reason", reason),
		)
		return
	}
	flagged, err := r.engine.flagReview(ctx, rec.PayoutRequestID, reason)
	if err != nil {
		rep.Errors++
		r.logger.Error("flag review failed", zap.String("request_id", rec.PayoutRequestID), zap.Error(err))
		return
	}
	if flagged {
		rep.Flagged++
	}
}

// Start runs RunOnce every interval until ctx is done.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
					r.logger.Error("reconcile run failed", zap.Error(err))
				}
			}
		}
	}()
}
