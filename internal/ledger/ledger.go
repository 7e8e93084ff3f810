// Package ledger defines the contract the settlement engine holds with the
// external token ledger. The ledger is remote, asynchronous and not
// transactional with the local store, so every submission reports one of
// three outcomes instead of a plain error.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrReceiptNotFound   = errors.New("ledger: receipt not found")
	ErrUnknownAccount    = errors.New("ledger: unknown account")
	ErrBadCredential     = errors.New("ledger: credential does not control account")
	ErrRejected          = errors.New("ledger: transfer rejected")
	ErrInvalidRequest    = errors.New("ledger: invalid transfer request")
)

type AccountID string

type Outcome int

const (
	// OutcomeSucceeded means the ledger confirmed the transfer.
	OutcomeSucceeded Outcome = iota + 1
	// OutcomeFailed means the transfer definitely did not and will not apply.
	OutcomeFailed
	// OutcomeIndeterminate means the request may or may not have applied.
	// Only GetReceipt can settle it; the transfer must not be resubmitted.
	OutcomeIndeterminate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeIndeterminate:
		return "indeterminate"
	default:
		return "unknown"
	}
}

type TransferRequest struct {
	// Reference is the caller's idempotency key and memo for the transfer.
	Reference      string
	From           AccountID
	FromCredential Credential
	To             AccountID
	Amount         int64
	Memo           string
}

func (r TransferRequest) Validate() error {
	if r.Reference == "" || r.From == "" || r.To == "" || r.Amount <= 0 {
		return ErrInvalidRequest
	}
	if r.FromCredential.IsZero() {
		return ErrBadCredential
	}
	return nil
}

type ReceiptStatus string

const (
	ReceiptConfirmed ReceiptStatus = "confirmed"
	ReceiptFailed    ReceiptStatus = "failed"
	ReceiptPending   ReceiptStatus = "pending"
)

type Receipt struct {
	TxID       string        `json:"tx_id"`
	Reference  string        `json:"reference,omitempty"`
	From       AccountID     `json:"from,omitempty"`
	To         AccountID     `json:"to,omitempty"`
	Amount     int64         `json:"amount,omitempty"`
	Status     ReceiptStatus `json:"status"`
	Detail     string        `json:"detail,omitempty"`
	ObservedAt time.Time     `json:"observed_at"`
}

// Submission is the result of a Transfer. TxID is set whenever the request
// left the client, including for indeterminate outcomes, so the caller can
// look up the receipt later.
type Submission struct {
	Outcome Outcome
	TxID    string
	Receipt Receipt
	Err     error
}

func Succeeded(r Receipt) Submission {
	return Submission{Outcome: OutcomeSucceeded, TxID: r.TxID, Receipt: r}
}

func Failed(txID string, err error) Submission {
	return Submission{Outcome: OutcomeFailed, TxID: txID, Err: err}
}

func Indeterminate(txID string, err error) Submission {
	return Submission{Outcome: OutcomeIndeterminate, TxID: txID, Err: err}
}

type Client interface {
	GetBalance(ctx context.Context, account AccountID) (int64, error)
	Transfer(ctx context.Context, req TransferRequest) Submission
	GetReceipt(ctx context.Context, txID string) (Receipt, error)
}

// IsTimeout reports whether err stems from an expired or cancelled call.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
