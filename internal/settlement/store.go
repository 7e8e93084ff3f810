package settlement

import (
	"context"
	"time"
)

// Guard is the state a transition expects to find. A store applies the
// transition only if all three fields still match.
type Guard struct {
	Status        Status
	PendingAction PendingAction
	EscrowState   EscrowState
}

func guardOf(p PayoutRequest) Guard {
	return Guard{Status: p.Status, PendingAction: p.PendingAction, EscrowState: p.EscrowState}
}

// Transition moves one payout request from Guard to Next and, in the same
// store transaction, writes Record when set. Next.Amount is ignored.
type Transition struct {
	ID     string
	Guard  Guard
	Next   PayoutRequest
	Record *TransferRecord
	At     time.Time
}

type PayoutFilter struct {
	UserID        string
	Statuses      []Status
	EscrowState   EscrowState
	NeedsReview   bool
	UpdatedBefore time.Time
	Limit         int
}

type TransferFilter struct {
	// UserID matches either side of the transfer.
	UserID          string
	Status          TransferStatus
	PayoutRequestID string
	CreatedBefore   time.Time
	// After skips records at or before the cursor in (CreatedAt, ID) order.
	After *TransferCursor
	Limit int
}

type TransferCursor struct {
	CreatedAt time.Time
	ID        string
}

// Follows reports whether rec sorts strictly after the cursor.
func (c TransferCursor) Follows(rec TransferRecord) bool {
	if rec.CreatedAt.Equal(c.CreatedAt) {
		return rec.ID > c.ID
	}
	return rec.CreatedAt.After(c.CreatedAt)
}

type PayoutStore interface {
	// InsertPayout creates p together with the intent record of its escrow
	// transfer. It returns ErrDuplicateOpenRequest if the user already has
	// an active request.
	InsertPayout(ctx context.Context, p PayoutRequest, escrow TransferRecord) error
	GetPayout(ctx context.Context, id string) (PayoutRequest, error)
	ListPayouts(ctx context.Context, f PayoutFilter) ([]PayoutRequest, error)
	// ApplyTransition returns ErrStaleState when the guard no longer holds
	// and ErrTransferFinal when Record would overwrite a resolved record.
	ApplyTransition(ctx context.Context, t Transition) (PayoutRequest, error)
}

type TransferStore interface {
	// RecordTransfer inserts rec, or updates an existing unconfirmed record
	// with the same id. Resolved records are immutable: rewriting one with a
	// different status returns ErrTransferFinal.
	RecordTransfer(ctx context.Context, rec TransferRecord) error
	GetTransfer(ctx context.Context, id string) (TransferRecord, error)
	ListTransfers(ctx context.Context, f TransferFilter) ([]TransferRecord, error)
}

type WalletStore interface {
	GetWallet(ctx context.Context, userID string) (WalletAccount, error)
	// PutWallet registers a wallet once; it returns ErrWalletExists after.
	PutWallet(ctx context.Context, w WalletAccount) error
}

type Store interface {
	PayoutStore
	TransferStore
	WalletStore
}

// GiftNotifier pushes a completed gift to the recipient's real-time channel.
type GiftNotifier interface {
	NotifyGift(ctx context.Context, rec TransferRecord) error
}

// EventPublisher emits payout lifecycle events to downstream consumers.
type EventPublisher interface {
	PublishPayoutEvent(ctx context.Context, ev PayoutEvent) error
}

// Observer receives engine outcomes. *metrics.Metrics satisfies it.
type Observer interface {
	ObserveTransition(action string, err error)
	ObserveGift(err error)
	ObserveCompensation(kind string)
	ObserveReconcileRun(resolved map[string]int, err error)
	SetNeedsReview(n int)
}

type nopObserver struct{}

func (nopObserver) ObserveTransition(string, error)           {}
func (nopObserver) ObserveGift(error)                         {}
func (nopObserver) ObserveCompensation(string)                {}
func (nopObserver) ObserveReconcileRun(map[string]int, error) {}
func (nopObserver) SetNeedsReview(int)                        {}
