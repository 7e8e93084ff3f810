package memledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/wizardbeardstudio/open-settle-go/internal/ledger"
	"github.com/wizardbeardstudio/open-settle-go/internal/platform/clock"
)

func newFunded(t *testing.T) *Ledger {
	t.Helper()
	l := New(clock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)))
	l.OpenAccount("alice", []byte("alice-key"))
	l.OpenAccount("bob", []byte("bob-key"))
	l.Mint("alice", 500)
	return l
}

func transfer(ref string, from, to ledger.AccountID, key string, amount int64) ledger.TransferRequest {
	return ledger.TransferRequest{
		Reference:      ref,
		From:           from,
		FromCredential: ledger.NewCredential([]byte(key)),
		To:             to,
		Amount:         amount,
	}
}

func TestTransferMovesFundsAndIsIdempotentByReference(t *testing.T) {
	l := newFunded(t)
	ctx := context.Background()

	sub := l.Transfer(ctx, transfer("r1", "alice", "bob", "alice-key", 200))
	if sub.Outcome != ledger.OutcomeSucceeded || sub.TxID != TxID("r1") {
		t.Fatalf("unexpected submission: %+v", sub)
	}
	replay := l.Transfer(ctx, transfer("r1", "alice", "bob", "alice-key", 200))
	if replay.Outcome != ledger.OutcomeSucceeded || replay.TxID != sub.TxID {
		t.Fatalf("expected idempotent replay, got=%+v", replay)
	}
	if l.Balance("alice") != 300 || l.Balance("bob") != 200 {
		t.Fatalf("unexpected balances alice=%d bob=%d", l.Balance("alice"), l.Balance("bob"))
	}
	r, err := l.GetReceipt(ctx, sub.TxID)
	if err != nil || r.Status != ledger.ReceiptConfirmed {
		t.Fatalf("expected confirmed receipt, got=%+v err=%v", r, err)
	}
}

func TestTransferRejections(t *testing.T) {
	cases := []struct {
		name string
		req  ledger.TransferRequest
		want error
	}{
		{name: "insufficient funds", req: transfer("r-nsf", "alice", "bob", "alice-key", 501), want: ledger.ErrInsufficientFunds},
		{name: "wrong credential", req: transfer("r-cred", "alice", "bob", "bob-key", 1), want: ledger.ErrBadCredential},
		{name: "unknown destination", req: transfer("r-dst", "alice", "carol", "alice-key", 1), want: ledger.ErrUnknownAccount},
		{name: "zero amount", req: transfer("r-zero", "alice", "bob", "alice-key", 0), want: ledger.ErrInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := newFunded(t)
			sub := l.Transfer(context.Background(), tc.req)
			if sub.Outcome != ledger.OutcomeFailed || !errors.Is(sub.Err, tc.want) {
				t.Fatalf("expected failed with %v, got=%+v", tc.want, sub)
			}
			if l.Balance("alice") != 500 || l.Balance("bob") != 0 {
				t.Fatalf("rejected transfer moved funds")
			}
		})
	}
}

func TestInjectedTimeouts(t *testing.T) {
	ctx := context.Background()

	l := newFunded(t)
	l.InjectFault(FaultTimeoutBeforeApply)
	sub := l.Transfer(ctx, transfer("r-before", "alice", "bob", "alice-key", 100))
	if sub.Outcome != ledger.OutcomeIndeterminate {
		t.Fatalf("expected indeterminate, got=%+v", sub)
	}
	if _, err := l.GetReceipt(ctx, sub.TxID); !errors.Is(err, ledger.ErrReceiptNotFound) {
		t.Fatalf("expected no receipt for unapplied transfer, got=%v", err)
	}
	if l.Balance("alice") != 500 {
		t.Fatalf("unapplied transfer moved funds")
	}

	l.InjectFault(FaultTimeoutAfterApply)
	sub = l.Transfer(ctx, transfer("r-after", "alice", "bob", "alice-key", 100))
	if sub.Outcome != ledger.OutcomeIndeterminate {
		t.Fatalf("expected indeterminate, got=%+v", sub)
	}
	r, err := l.GetReceipt(ctx, sub.TxID)
	if err != nil || r.Status != ledger.ReceiptConfirmed {
		t.Fatalf("expected confirmed receipt for applied transfer, got=%+v err=%v", r, err)
	}
	if l.Balance("alice") != 400 || l.Balance("bob") != 100 {
		t.Fatalf("applied transfer not reflected in balances")
	}

	l.InjectFault(FaultTimeoutRejected)
	sub = l.Transfer(ctx, transfer("r-rej", "alice", "bob", "alice-key", 100))
	r, err = l.GetReceipt(ctx, sub.TxID)
	if sub.Outcome != ledger.OutcomeIndeterminate || err != nil || r.Status != ledger.ReceiptFailed {
		t.Fatalf("expected indeterminate with failed receipt, got=%+v receipt=%+v err=%v", sub, r, err)
	}
}

func TestRandomizedTransfersConserveSupply(t *testing.T) {
	l := New(clock.RealClock{})
	ids := []ledger.AccountID{"a", "b", "c", "d"}
	for _, id := range ids {
		l.OpenAccount(id, []byte(id))
		l.Mint(id, 1000)
	}
	rng := rand.New(rand.NewSource(42))
	ctx := context.Background()
	for i := 0; i < 500; i++ {
		from := ids[rng.Intn(len(ids))]
		to := ids[rng.Intn(len(ids))]
		if from == to {
			continue
		}
		if rng.Intn(10) == 0 {
			l.InjectFault(Fault(1 + rng.Intn(4)))
		}
		_ = l.Transfer(ctx, transfer(fmt.Sprintf("rand-%d", i), from, to, string(from), int64(rng.Intn(400)+1)))
	}
	if total := l.TotalSupply(); total != 0 {
		t.Fatalf("expected balanced ledger, total=%d", total)
	}
	var held int64
	for _, id := range ids {
		if b := l.Balance(id); b < 0 {
			t.Fatalf("negative balance on %s: %d", id, b)
		} else {
			held += b
		}
	}
	if held != 4000 {
		t.Fatalf("expected 4000 tokens held, got=%d", held)
	}
}
