package settlement

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-settle-go/internal/ledger"
	"github.com/wizardbeardstudio/open-settle-go/internal/platform/audit"
)

// systemCaller attributes reconciler-driven changes on the audit chain.
var systemCaller = Caller{UserID: "system:reconciler", Role: RoleAdmin}

// ResolveTransfer settles an unconfirmed transfer from out-of-band evidence.
// It is the manual counterpart of reconciliation and is restricted to admins.
func (e *Engine) ResolveTransfer(ctx context.Context, c Caller, transferID string, status TransferStatus, note string) (err error) {
	defer func() { e.obs.ObserveTransition("resolve_transfer", err) }()

	if err := e.gate.Authenticate(ctx, c, "resolve_transfer", transferID); err != nil {
		return err
	}
	if c.Role != RoleAdmin {
		e.gate.deny(ctx, c, "resolve_transfer", transferID, "admin role required")
		return ErrForbidden
	}
	if status != TransferSucceeded && status != TransferFailed {
		return fmt.Errorf("%w: resolution must be succeeded or failed", ErrInvalidTransition)
	}
	rec, err := e.store.GetTransfer(ctx, transferID)
	if err != nil {
		return err
	}
	if rec.Status != TransferUnconfirmed {
		return ErrTransferFinal
	}
	return e.resolveRecord(ctx, c, rec, status, nil, note)
}

// resolveRecord finalizes an unconfirmed record and applies the payout
// consequence the original saga could not: confirm or compensate an
// escrow, or finalize or release a refund claim.
func (e *Engine) resolveRecord(ctx context.Context, actor Caller, rec TransferRecord, status TransferStatus, receipt *ledger.Receipt, reason string) error {
	now := e.now()
	rec.Status = status
	rec.Receipt = receipt
	rec.ResolvedAt = &now
	if status == TransferFailed {
		rec.FailureReason = reason
	}
	log := e.logger.With(
		zap.String("transfer_id", rec.ID),
		zap.String("kind", string(rec.Kind)),
		zap.String("status", string(status)),
		zap.String("request_id", rec.PayoutRequestID),
	)

	if rec.Kind == KindGift || rec.PayoutRequestID == "" {
		if err := e.store.RecordTransfer(ctx, rec); err != nil {
			return err
		}
		e.gate.Record(ctx, actor, objectTransfer, "resolve", rec.ID, nil, rec, audit.ResultSuccess, reason)
		log.Info("transfer resolved")
		if status == TransferSucceeded && rec.Kind == KindGift {
			e.notify(ctx, rec)
		}
		return nil
	}

	p, err := e.store.GetPayout(ctx, rec.PayoutRequestID)
	if err != nil {
		return fmt.Errorf("load payout for transfer %s: %w", rec.ID, err)
	}

	next := p
	next.ReviewReason = ""
	eventType := ""
	switch rec.Kind {
	case KindEscrow:
		if p.EscrowState != EscrowPending || p.EscrowTransferID != rec.ID {
			return e.store.RecordTransfer(ctx, rec)
		}
		if status == TransferSucceeded {
			next.EscrowState = EscrowConfirmed
			eventType = EventCreated
		} else {
			next.Status = StatusCancelled
			next.EscrowState = EscrowFailed
			eventType = EventEscrowCompensated
		}
	case KindRefund:
		if p.PendingAction == PendingNone || p.RefundTransferID != rec.ID {
			return e.store.RecordTransfer(ctx, rec)
		}
		next.PendingAction = PendingNone
		if status == TransferSucceeded {
			a := p.PendingAction.action()
			next.Status = a.target()
			eventType = a.event()
		}
	default:
		return fmt.Errorf("unknown transfer kind %q", rec.Kind)
	}

	out, err := e.apply(ctx, p, next, &rec)
	if err != nil {
		return err
	}
	if rec.Kind == KindEscrow && status == TransferFailed {
		log.Warn("escrow compensated to cancelled after reconciliation")
		e.obs.ObserveCompensation(string(KindEscrow))
	} else {
		log.Info("transfer resolved")
	}
	e.gate.Record(ctx, actor, objectPayout, "resolve_"+string(rec.Kind), p.ID, p, out, audit.ResultSuccess, reason)
	if eventType != "" {
		e.publish(ctx, eventType, out, actor, reason)
	}
	return nil
}

// flagReview marks a request whose fund movement cannot be settled
// automatically. It never changes status.
func (e *Engine) flagReview(ctx context.Context, requestID, reason string) (bool, error) {
	p, err := e.store.GetPayout(ctx, requestID)
	if err != nil {
		return false, err
	}
	if p.NeedsReview() || p.Status.Terminal() {
		return false, nil
	}
	next := p
	next.ReviewReason = reason
	out, err := e.apply(ctx, p, next, nil)
	if errors.Is(err, ErrStaleState) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	e.logger.Warn("payout request needs manual review",
		zap.String("request_id", p.ID),
		zap.String("reason", reason),
	)
	e.gate.Record(ctx, systemCaller, objectPayout, "flag_review", p.ID, p, out, audit.ResultSuccess, reason)
	e.publish(ctx, EventNeedsReview, out, systemCaller, reason)
	return true, nil
}
