package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Observer receives per-call outcomes. *metrics.Metrics satisfies it.
type Observer interface {
	ObserveLedgerCall(op, outcome string, d time.Duration)
}

// Guarded bounds every call to the inner client with a deadline, turns an
// expired transfer into OutcomeIndeterminate, and reports outcomes.
type Guarded struct {
	inner    Client
	timeout  time.Duration
	observer Observer
	logger   *zap.Logger
}

func NewGuarded(inner Client, timeout time.Duration, observer Observer, logger *zap.Logger) *Guarded {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guarded{inner: inner, timeout: timeout, observer: observer, logger: logger.Named("ledger")}
}

func (g *Guarded) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

func (g *Guarded) observe(op, outcome string, start time.Time) {
	if g.observer != nil {
		g.observer.ObserveLedgerCall(op, outcome, time.Since(start))
	}
}

func errOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsTimeout(err):
		return "timeout"
	default:
		return "error"
	}
}

func (g *Guarded) GetBalance(ctx context.Context, account AccountID) (int64, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()
	start := time.Now()
	bal, err := g.inner.GetBalance(ctx, account)
	g.observe("get_balance", errOutcome(err), start)
	return bal, err
}

func (g *Guarded) Transfer(ctx context.Context, req TransferRequest) Submission {
	ctx, cancel := g.bound(ctx)
	defer cancel()
	start := time.Now()
	sub := g.inner.Transfer(ctx, req)
	if sub.Outcome == OutcomeFailed && IsTimeout(sub.Err) && sub.TxID != "" {
		// A deadline after dispatch cannot prove the transfer did not land.
		sub.Outcome = OutcomeIndeterminate
	}
	if sub.Outcome == 0 {
		sub.Outcome = OutcomeIndeterminate
	}
	g.observe("transfer", sub.Outcome.String(), start)
	if sub.Outcome != OutcomeSucceeded {
		g.logger.Warn("ledger transfer not confirmed",
			zap.String("reference", req.Reference),
			zap.String("tx_id", sub.TxID),
			zap.Stringer("outcome", sub.Outcome),
			zap.Error(sub.Err),
		)
	}
	return sub
}

func (g *Guarded) GetReceipt(ctx context.Context, txID string) (Receipt, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()
	start := time.Now()
	r, err := g.inner.GetReceipt(ctx, txID)
	g.observe("get_receipt", errOutcome(err), start)
	return r, err
}
