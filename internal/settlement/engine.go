package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-settle-go/internal/ledger"
	"github.com/wizardbeardstudio/open-settle-go/internal/platform/audit"
)

// Engine runs the payout request state machine. Every fund movement is a
// saga: local intent first, then the ledger call, then a commit or a
// compensation decided by the ledger's three-way outcome.
type Engine struct {
	*core
}

func NewEngine(cfg Config) (*Engine, error) {
	c, err := newCore(cfg, "engine")
	if err != nil {
		return nil, err
	}
	return &Engine{core: c}, nil
}

// CreatePayoutRequest escrows amount from the caller's wallet into the
// treasury. On ErrLedgerTimeout the returned request is valid and awaits
// reconciliation.
func (e *Engine) CreatePayoutRequest(ctx context.Context, c Caller, amount int64) (p PayoutRequest, err error) {
	defer func() { e.obs.ObserveTransition(string(ActionCreate), err) }()

	if err := e.gate.Permit(ctx, c, ActionCreate, ""); err != nil {
		return PayoutRequest{}, err
	}
	if amount <= 0 {
		return PayoutRequest{}, ErrInvalidAmount
	}
	w, err := e.wallet(ctx, c.UserID, ErrWalletNotConfigured)
	if err != nil {
		return PayoutRequest{}, err
	}
	if err := e.checkBalance(ctx, w, amount); err != nil {
		return PayoutRequest{}, err
	}

	now := e.now()
	p = PayoutRequest{
		ID:               uuid.NewString(),
		UserID:           c.UserID,
		Amount:           amount,
		Status:           StatusOpen,
		EscrowState:      EscrowPending,
		EscrowTransferID: uuid.NewString(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	intent := TransferRecord{
		ID:              p.EscrowTransferID,
		Kind:            KindEscrow,
		FromUserID:      c.UserID,
		ToUserID:        e.treasury.UserID,
		Amount:          amount,
		Status:          TransferUnconfirmed,
		PayoutRequestID: p.ID,
		Reference:       p.EscrowTransferID,
		CreatedAt:       now,
	}
	if err := e.store.InsertPayout(ctx, p, intent); err != nil {
		return PayoutRequest{}, err
	}

	sub := e.ledger.Transfer(ctx, ledger.TransferRequest{
		Reference:      intent.Reference,
		From:           w.ExternalAccountID,
		FromCredential: w.Credential,
		To:             e.treasury.Account,
		Amount:         amount,
		Memo:           "payout escrow " + p.ID,
	})
	// Bookkeeping after the ledger call outlives the caller's context.
	pctx := context.WithoutCancel(ctx)
	log := e.logger.With(
		zap.String("request_id", p.ID),
		zap.String("transfer_id", intent.ID),
		zap.String("reference", intent.Reference),
		zap.String("tx_id", sub.TxID),
	)

	switch sub.Outcome {
	case ledger.OutcomeSucceeded:
		rec := resolved(intent, TransferSucceeded, sub, e.now())
		next := p
		next.EscrowState = EscrowConfirmed
		out, err := e.apply(pctx, p, next, &rec)
		if err != nil {
			log.Error("escrow succeeded but commit failed; left for reconciliation", zap.Error(err))
			e.keepTxID(pctx, intent, sub.TxID)
			return p, fmt.Errorf("commit escrow: %w", err)
		}
		e.gate.Record(pctx, c, objectPayout, string(ActionCreate), out.ID, nil, out, audit.ResultSuccess, "")
		e.publish(pctx, EventCreated, out, c, "")
		return out, nil

	case ledger.OutcomeFailed:
		rec := resolved(intent, TransferFailed, sub, e.now())
		next := p
		next.Status = StatusCancelled
		next.EscrowState = EscrowFailed
		out, aerr := e.apply(pctx, p, next, &rec)
		if aerr != nil {
			log.Error("escrow compensation failed", zap.Error(aerr))
			return PayoutRequest{}, fmt.Errorf("compensate escrow: %w", aerr)
		}
		log.Warn("escrow transfer failed; request compensated to cancelled", zap.Error(sub.Err))
		e.obs.ObserveCompensation(string(KindEscrow))
		e.gate.Record(pctx, c, objectPayout, "escrow_compensated", out.ID, p, out, audit.ResultError, errString(sub.Err))
		e.publish(pctx, EventEscrowCompensated, out, c, errString(sub.Err))
		return PayoutRequest{}, ledgerFailure(sub.Err)

	default:
		e.keepTxID(pctx, intent, sub.TxID)
		log.Warn("escrow outcome indeterminate; awaiting reconciliation", zap.Error(sub.Err))
		e.gate.Record(pctx, c, objectPayout, string(ActionCreate), p.ID, nil, p, audit.ResultError, "ledger outcome indeterminate")
		return p, ErrLedgerTimeout
	}
}

// keepTxID stores the ledger tx id on an unconfirmed record so the
// reconciler can look up its receipt.
func (e *Engine) keepTxID(ctx context.Context, rec TransferRecord, txID string) {
	if txID == "" {
		return
	}
	rec.ExternalTxID = txID
	if err := e.store.RecordTransfer(ctx, rec); err != nil {
		e.logger.Error("record ledger tx id failed",
			zap.String("transfer_id", rec.ID),
			zap.String("tx_id", txID),
			zap.Error(err),
		)
	}
}

func (e *Engine) ApprovePayoutRequest(ctx context.Context, c Caller, requestID string) error {
	return e.advance(ctx, c, requestID, ActionApprove)
}

func (e *Engine) CompletePayoutRequest(ctx context.Context, c Caller, requestID string) error {
	return e.advance(ctx, c, requestID, ActionComplete)
}

func (e *Engine) RejectPayoutRequest(ctx context.Context, c Caller, requestID string) error {
	return e.refund(ctx, c, requestID, ActionReject)
}

func (e *Engine) CancelPayoutRequest(ctx context.Context, c Caller, requestID string) error {
	return e.refund(ctx, c, requestID, ActionCancel)
}

// advance applies a transition that moves no funds.
func (e *Engine) advance(ctx context.Context, c Caller, id string, a Action) (err error) {
	defer func() { e.obs.ObserveTransition(string(a), err) }()

	if err := e.gate.Permit(ctx, c, a, id); err != nil {
		return err
	}
	p, err := e.store.GetPayout(ctx, id)
	if err != nil {
		return err
	}
	if err := checkTransition(p, a); err != nil {
		return err
	}
	next := p
	next.Status = a.target()
	out, err := e.apply(ctx, p, next, nil)
	if errors.Is(err, ErrStaleState) {
		return e.reclassify(ctx, id, a)
	}
	if err != nil {
		return err
	}
	e.gate.Record(ctx, c, objectPayout, string(a), id, p, out, audit.ResultSuccess, "")
	e.publish(ctx, a.event(), out, c, "")
	return nil
}

// refund returns the escrow to the owner and finalizes the request. The
// claim written before the ledger call keeps concurrent actions out.
func (e *Engine) refund(ctx context.Context, c Caller, id string, a Action) (err error) {
	defer func() { e.obs.ObserveTransition(string(a), err) }()

	if err := e.gate.Permit(ctx, c, a, id); err != nil {
		return err
	}
	p, err := e.store.GetPayout(ctx, id)
	if err != nil {
		return err
	}
	if a == ActionCancel {
		if err := e.gate.PermitOwner(ctx, c, a, p); err != nil {
			return err
		}
	}
	if err := checkTransition(p, a); err != nil {
		return err
	}
	w, err := e.wallet(ctx, p.UserID, ErrWalletNotConfigured)
	if err != nil {
		return err
	}

	intent := TransferRecord{
		ID:              uuid.NewString(),
		Kind:            KindRefund,
		FromUserID:      e.treasury.UserID,
		ToUserID:        p.UserID,
		Amount:          p.Amount,
		Status:          TransferUnconfirmed,
		PayoutRequestID: p.ID,
		CreatedAt:       e.now(),
	}
	intent.Reference = intent.ID
	claim := p
	claim.PendingAction = a.pending()
	claim.RefundTransferID = intent.ID
	claimed, err := e.apply(ctx, p, claim, &intent)
	if errors.Is(err, ErrStaleState) {
		return e.reclassify(ctx, id, a)
	}
	if err != nil {
		return err
	}

	sub := e.ledger.Transfer(ctx, ledger.TransferRequest{
		Reference:      intent.Reference,
		From:           e.treasury.Account,
		FromCredential: e.treasury.Credential,
		To:             w.ExternalAccountID,
		Amount:         p.Amount,
		Memo:           fmt.Sprintf("payout %s %s refund", p.ID, a),
	})
	pctx := context.WithoutCancel(ctx)
	log := e.logger.With(
		zap.String("request_id", p.ID),
		zap.String("action", string(a)),
		zap.String("transfer_id", intent.ID),
		zap.String("tx_id", sub.TxID),
	)

	switch sub.Outcome {
	case ledger.OutcomeSucceeded:
		rec := resolved(intent, TransferSucceeded, sub, e.now())
		next := claimed
		next.Status = a.target()
		next.PendingAction = PendingNone
		out, err := e.apply(pctx, claimed, next, &rec)
		if err != nil {
			log.Error("refund succeeded but commit failed; left for reconciliation", zap.Error(err))
			e.keepTxID(pctx, intent, sub.TxID)
			return fmt.Errorf("commit refund: %w", err)
		}
		e.gate.Record(pctx, c, objectPayout, string(a), id, p, out, audit.ResultSuccess, "")
		e.publish(pctx, a.event(), out, c, "")
		return nil

	case ledger.OutcomeFailed:
		rec := resolved(intent, TransferFailed, sub, e.now())
		next := claimed
		next.PendingAction = PendingNone
		if _, err := e.apply(pctx, claimed, next, &rec); err != nil {
			log.Error("refund failed and releasing claim failed", zap.Error(err))
			return fmt.Errorf("release refund claim: %w", err)
		}
		log.Warn("refund transfer failed; request unchanged", zap.Error(sub.Err))
		e.obs.ObserveCompensation(string(KindRefund))
		e.gate.Record(pctx, c, objectPayout, string(a), id, p, next, audit.ResultError, errString(sub.Err))
		return ledgerFailure(sub.Err)

	default:
		e.keepTxID(pctx, intent, sub.TxID)
		log.Warn("refund outcome indeterminate; claim held for reconciliation", zap.Error(sub.Err))
		e.gate.Record(pctx, c, objectPayout, string(a), id, p, claimed, audit.ResultError, "ledger outcome indeterminate")
		return ErrLedgerTimeout
	}
}

// reclassify explains a lost optimistic update in terms of the state that
// won the race.
func (e *Engine) reclassify(ctx context.Context, id string, a Action) error {
	p, err := e.store.GetPayout(ctx, id)
	if err != nil {
		return err
	}
	if err := checkTransition(p, a); err != nil {
		return err
	}
	return ErrStaleState
}

func (e *Engine) GetPayoutRequest(ctx context.Context, c Caller, id string) (PayoutRequest, error) {
	if err := e.gate.Authenticate(ctx, c, "read", id); err != nil {
		return PayoutRequest{}, err
	}
	p, err := e.store.GetPayout(ctx, id)
	if err != nil {
		return PayoutRequest{}, err
	}
	if err := e.gate.PermitRead(c, p); err != nil {
		return PayoutRequest{}, err
	}
	return p, nil
}

// ListPayoutRequests returns every request for staff and only the caller's
// own for users.
func (e *Engine) ListPayoutRequests(ctx context.Context, c Caller, f PayoutFilter) ([]PayoutRequest, error) {
	if err := e.gate.Authenticate(ctx, c, "list", ""); err != nil {
		return nil, err
	}
	if !c.Role.Staff() {
		f.UserID = c.UserID
	}
	return e.store.ListPayouts(ctx, f)
}

func (e *Engine) ListTransfers(ctx context.Context, c Caller, f TransferFilter) ([]TransferRecord, error) {
	if err := e.gate.Authenticate(ctx, c, "list_transfers", ""); err != nil {
		return nil, err
	}
	if !c.Role.Staff() {
		f.UserID = c.UserID
	}
	return e.store.ListTransfers(ctx, f)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
