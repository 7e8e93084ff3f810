package settlement

import (
	"time"

	"github.com/wizardbeardstudio/open-settle-go/internal/ledger"
)

// Status is the externally visible state of a payout request.
type Status string

const (
	StatusOpen            Status = "open"
	StatusPendingApproval Status = "pending_approval"
	StatusRejected        Status = "rejected"
	StatusTransferred     Status = "transferred"
	StatusCancelled       Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusTransferred || s == StatusCancelled
}

// Active statuses occupy the single per-user slot.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusPendingApproval
}

func ParseStatus(v string) (Status, bool) {
	switch s := Status(v); s {
	case StatusOpen, StatusPendingApproval, StatusRejected, StatusTransferred, StatusCancelled:
		return s, true
	}
	return "", false
}

// EscrowState tracks the user→treasury movement that backs a request.
type EscrowState string

const (
	EscrowPending   EscrowState = "pending"
	EscrowConfirmed EscrowState = "confirmed"
	EscrowFailed    EscrowState = "failed"
)

// PendingAction marks a refund saga in flight. While set, the request
// accepts no other transition.
type PendingAction string

const (
	PendingNone   PendingAction = ""
	PendingReject PendingAction = "reject"
	PendingCancel PendingAction = "cancel"
)

type PayoutRequest struct {
	ID               string        `json:"id"`
	UserID           string        `json:"user_id"`
	Amount           int64         `json:"amount"`
	Status           Status        `json:"status"`
	EscrowState      EscrowState   `json:"escrow_state"`
	PendingAction    PendingAction `json:"pending_action,omitempty"`
	EscrowTransferID string        `json:"escrow_transfer_id,omitempty"`
	RefundTransferID string        `json:"refund_transfer_id,omitempty"`
	ReviewReason     string        `json:"review_reason,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

func (p PayoutRequest) NeedsReview() bool { return p.ReviewReason != "" }

type TransferKind string

const (
	KindGift   TransferKind = "gift"
	KindEscrow TransferKind = "escrow"
	KindRefund TransferKind = "refund"
)

type TransferStatus string

const (
	TransferSucceeded   TransferStatus = "succeeded"
	TransferFailed      TransferStatus = "failed"
	TransferUnconfirmed TransferStatus = "unconfirmed"
)

// TransferRecord is the local audit row of one fund movement. Succeeded and
// failed records are immutable; an unconfirmed record is resolved once.
type TransferRecord struct {
	ID              string          `json:"id"`
	Kind            TransferKind    `json:"kind"`
	FromUserID      string          `json:"from_user_id"`
	ToUserID        string          `json:"to_user_id"`
	Amount          int64           `json:"amount"`
	Status          TransferStatus  `json:"status"`
	ExternalTxID    string          `json:"external_tx_id,omitempty"`
	Receipt         *ledger.Receipt `json:"receipt,omitempty"`
	PayoutRequestID string          `json:"payout_request_id,omitempty"`
	Reference       string          `json:"reference"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
}

// WalletAccount binds a platform user to a ledger account. The credential is
// read-only to the engine and never leaves the process.
type WalletAccount struct {
	UserID            string            `json:"user_id"`
	ExternalAccountID ledger.AccountID  `json:"external_account_id"`
	Credential        ledger.Credential `json:"-"`
	CreatedAt         time.Time         `json:"created_at"`
}

// Treasury is the platform account that holds escrowed funds.
type Treasury struct {
	UserID     string
	Account    ledger.AccountID
	Credential ledger.Credential
}

type Role string

const (
	RoleUser    Role = "user"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

func ParseRole(v string) (Role, bool) {
	switch r := Role(v); r {
	case RoleUser, RoleManager, RoleAdmin:
		return r, true
	}
	return "", false
}

func (r Role) Staff() bool { return r == RoleManager || r == RoleAdmin }

// Caller is the authenticated principal, resolved upstream and passed
// explicitly into every operation.
type Caller struct {
	UserID string
	Role   Role
}

// PayoutEvent is published after each committed lifecycle change.
type PayoutEvent struct {
	Type       string    `json:"type"`
	RequestID  string    `json:"request_id"`
	UserID     string    `json:"user_id"`
	Amount     int64     `json:"amount"`
	Status     Status    `json:"status"`
	ActorID    string    `json:"actor_id"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

const (
	EventCreated           = "payout.created"
	EventApproved          = "payout.approved"
	EventRejected          = "payout.rejected"
	EventCompleted         = "payout.completed"
	EventCancelled         = "payout.cancelled"
	EventEscrowCompensated = "payout.escrow_compensated"
	EventNeedsReview       = "payout.needs_review"
)
