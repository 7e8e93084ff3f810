package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-settle-go/internal/ledger"
	"github.com/wizardbeardstudio/open-settle-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-settle-go/internal/platform/clock"
)

type Config struct {
	Store    Store
	Ledger   ledger.Client
	Treasury Treasury
	Audit    audit.Store
	Clock    clock.Clock
	Logger   *zap.Logger
	Observer Observer
	Notifier GiftNotifier
	Events   EventPublisher
	// NotifyTimeout bounds each notification and event publish.
	NotifyTimeout time.Duration
}

// core holds the collaborators shared by the engine, the transfer service
// and the reconciler.
type core struct {
	store         Store
	ledger        ledger.Client
	treasury      Treasury
	gate          *Gate
	clock         clock.Clock
	logger        *zap.Logger
	obs           Observer
	notifier      GiftNotifier
	events        EventPublisher
	notifyTimeout time.Duration
}

func newCore(cfg Config, name string) (*core, error) {
	if cfg.Store == nil {
		return nil, errors.New("settlement: store is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("settlement: ledger client is required")
	}
	if cfg.Treasury.UserID == "" || cfg.Treasury.Account == "" {
		return nil, errors.New("settlement: treasury user and account are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 2 * time.Second
	}
	return &core{
		store:         cfg.Store,
		ledger:        cfg.Ledger,
		treasury:      cfg.Treasury,
		gate:          NewGate(cfg.Audit, cfg.Clock, cfg.Logger),
		clock:         cfg.Clock,
		logger:        cfg.Logger.Named(name),
		obs:           cfg.Observer,
		notifier:      cfg.Notifier,
		events:        cfg.Events,
		notifyTimeout: cfg.NotifyTimeout,
	}, nil
}

func (c *core) now() time.Time {
	return c.clock.Now().UTC()
}

func (c *core) wallet(ctx context.Context, userID string, missing error) (WalletAccount, error) {
	w, err := c.store.GetWallet(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return WalletAccount{}, missing
	}
	if err != nil {
		return WalletAccount{}, fmt.Errorf("load wallet: %w", err)
	}
	return w, nil
}

// checkBalance is advisory: the ledger remains the authority and may still
// reject the transfer.
func (c *core) checkBalance(ctx context.Context, w WalletAccount, amount int64) error {
	bal, err := c.ledger.GetBalance(ctx, w.ExternalAccountID)
	if err != nil {
		return fmt.Errorf("%w: balance check: %v", ErrLedgerTransferFailed, err)
	}
	if bal < amount {
		return ErrInsufficientFunds
	}
	return nil
}

func ledgerFailure(err error) error {
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		return fmt.Errorf("%w: rejected by ledger", ErrInsufficientFunds)
	}
	return fmt.Errorf("%w: %v", ErrLedgerTransferFailed, err)
}

// resolved copies rec with the ledger's verdict applied.
func resolved(rec TransferRecord, status TransferStatus, sub ledger.Submission, at time.Time) TransferRecord {
	rec.Status = status
	if sub.TxID != "" {
		rec.ExternalTxID = sub.TxID
	}
	if status == TransferSucceeded {
		r := sub.Receipt
		rec.Receipt = &r
	}
	if status == TransferFailed && sub.Err != nil {
		rec.FailureReason = sub.Err.Error()
	}
	rec.ResolvedAt = &at
	return rec
}

func (c *core) apply(ctx context.Context, cur, next PayoutRequest, rec *TransferRecord) (PayoutRequest, error) {
	return c.store.ApplyTransition(ctx, Transition{
		ID:     cur.ID,
		Guard:  guardOf(cur),
		Next:   next,
		Record: rec,
		At:     c.now(),
	})
}

func (c *core) publish(ctx context.Context, eventType string, p PayoutRequest, actor Caller, reason string) {
	if c.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.notifyTimeout)
	defer cancel()
	ev := PayoutEvent{
		Type:       eventType,
		RequestID:  p.ID,
		UserID:     p.UserID,
		Amount:     p.Amount,
		Status:     p.Status,
		ActorID:    actor.UserID,
		Reason:     reason,
		OccurredAt: c.now(),
	}
	if err := c.events.PublishPayoutEvent(ctx, ev); err != nil {
		c.logger.Warn("publish payout event failed",
			zap.String("event", eventType),
			zap.String("request_id", p.ID),
			zap.Error(err),
		)
	}
}

// notify is best effort and bounded by its own timeout.
func (c *core) notify(ctx context.Context, rec TransferRecord) {
	if c.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.notifyTimeout)
	defer cancel()
	if err := c.notifier.NotifyGift(ctx, rec); err != nil {
		c.logger.Warn("gift notification failed",
			zap.String("transfer_id", rec.ID),
			zap.String("to_user_id", rec.ToUserID),
			zap.Error(err),
		)
	}
}
