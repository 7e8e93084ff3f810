// Package memledger is an in-process double-entry token ledger. It backs
// development runs and tests, and can inject the failure modes of a remote
// ledger: rejections and timeouts on either side of the apply point.
package memledger

import (
	"bytes"
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/wizardbeardstudio/open-settle-go/internal/ledger"
	"github.com/wizardbeardstudio/open-settle-go/internal/platform/clock"
)

// IssuanceAccount is the contra account credited when tokens are minted.
const IssuanceAccount ledger.AccountID = "__issuance"

type Fault int

const (
	FaultNone Fault = iota
	// FaultReject rejects the transfer without applying it.
	FaultReject
	// FaultTimeoutBeforeApply times out without the transfer landing.
	FaultTimeoutBeforeApply
	// FaultTimeoutAfterApply applies the transfer but times out the reply.
	FaultTimeoutAfterApply
	// FaultTimeoutRejected records a rejection but times out the reply.
	FaultTimeoutRejected
)

type account struct {
	id      ledger.AccountID
	secret  []byte
	balance int64
}

type posting struct {
	account   ledger.AccountID
	direction string
	amount    int64
	createdAt time.Time
}

type Ledger struct {
	Clock clock.Clock

	mu          sync.Mutex
	accounts    map[ledger.AccountID]*account
	receipts    map[string]ledger.Receipt
	postings    map[string][]posting
	byReference map[string]string
	faults      []Fault
	nextMintID  int64
	calls       int
}

func New(clk clock.Clock) *Ledger {
	return &Ledger{
		Clock:       clk,
		accounts:    make(map[ledger.AccountID]*account),
		receipts:    make(map[string]ledger.Receipt),
		postings:    make(map[string][]posting),
		byReference: make(map[string]string),
	}
}

func (l *Ledger) now() time.Time {
	if l.Clock == nil {
		return time.Now().UTC()
	}
	return l.Clock.Now().UTC()
}

// OpenAccount registers an account controlled by secret. Re-opening an
// existing account replaces its secret and keeps its balance.
func (l *Ledger) OpenAccount(id ledger.AccountID, secret []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := make([]byte, len(secret))
	copy(cp, secret)
	if acct, ok := l.accounts[id]; ok {
		acct.secret = cp
		return
	}
	l.accounts[id] = &account{id: id, secret: cp}
}

// Mint credits amount to id against the issuance account.
func (l *Ledger) Mint(id ledger.AccountID, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct := l.getOrCreate(id)
	issuance := l.getOrCreate(IssuanceAccount)
	l.nextMintID++
	txID := "mint-" + strconv.FormatInt(l.nextMintID, 10)
	now := l.now()
	l.postings[txID] = []posting{
		{account: issuance.id, direction: "debit", amount: amount, createdAt: now},
		{account: acct.id, direction: "credit", amount: amount, createdAt: now},
	}
	issuance.balance -= amount
	acct.balance += amount
}

// InjectFault queues faults consumed one per Transfer call, in order.
func (l *Ledger) InjectFault(faults ...Fault) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults = append(l.faults, faults...)
}

// Balance reads a balance without a context, for assertions.
func (l *Ledger) Balance(id ledger.AccountID) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if acct, ok := l.accounts[id]; ok {
		return acct.balance
	}
	return 0
}

// TransferCalls counts Transfer invocations, including rejected ones.
func (l *Ledger) TransferCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func (l *Ledger) getOrCreate(id ledger.AccountID) *account {
	if acct, ok := l.accounts[id]; ok {
		return acct
	}
	acct := &account{id: id}
	l.accounts[id] = acct
	return acct
}

func (l *Ledger) nextFault() Fault {
	if len(l.faults) == 0 {
		return FaultNone
	}
	f := l.faults[0]
	l.faults = l.faults[1:]
	return f
}

// TxID derives the transaction id from the reference, so the caller knows it
// before the reply arrives.
func TxID(reference string) string {
	return "mem-" + reference
}

func isBalanced(postings []posting) bool {
	var total int64
	for _, p := range postings {
		switch p.direction {
		case "credit":
			total += p.amount
		case "debit":
			total -= p.amount
		default:
			return false
		}
	}
	return total == 0
}

func (l *Ledger) GetBalance(ctx context.Context, id ledger.AccountID) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[id]
	if !ok {
		return 0, ledger.ErrUnknownAccount
	}
	return acct.balance, nil
}

func (l *Ledger) Transfer(ctx context.Context, req ledger.TransferRequest) ledger.Submission {
	if err := req.Validate(); err != nil {
		return ledger.Failed("", err)
	}
	if err := ctx.Err(); err != nil {
		return ledger.Failed("", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	txID := TxID(req.Reference)

	if prev, ok := l.byReference[req.Reference]; ok {
		r := l.receipts[prev]
		if r.Status == ledger.ReceiptConfirmed {
			return ledger.Succeeded(r)
		}
		return ledger.Failed(prev, ledger.ErrRejected)
	}

	switch l.nextFault() {
	case FaultReject:
		l.recordFailure(txID, req, "injected rejection")
		return ledger.Failed(txID, ledger.ErrRejected)
	case FaultTimeoutBeforeApply:
		return ledger.Indeterminate(txID, context.DeadlineExceeded)
	case FaultTimeoutAfterApply:
		_, _ = l.apply(txID, req)
		return ledger.Indeterminate(txID, context.DeadlineExceeded)
	case FaultTimeoutRejected:
		l.recordFailure(txID, req, "injected rejection")
		return ledger.Indeterminate(txID, context.DeadlineExceeded)
	}

	r, err := l.apply(txID, req)
	if err != nil {
		return ledger.Failed(txID, err)
	}
	return ledger.Succeeded(r)
}

func (l *Ledger) recordFailure(txID string, req ledger.TransferRequest, detail string) {
	l.receipts[txID] = ledger.Receipt{
		TxID:       txID,
		Reference:  req.Reference,
		From:       req.From,
		To:         req.To,
		Amount:     req.Amount,
		Status:     ledger.ReceiptFailed,
		Detail:     detail,
		ObservedAt: l.now(),
	}
	l.byReference[req.Reference] = txID
}

func (l *Ledger) apply(txID string, req ledger.TransferRequest) (ledger.Receipt, error) {
	from, ok := l.accounts[req.From]
	if !ok {
		l.recordFailure(txID, req, "unknown source account")
		return ledger.Receipt{}, ledger.ErrUnknownAccount
	}
	if !bytes.Equal(from.secret, req.FromCredential.Reveal()) {
		l.recordFailure(txID, req, "credential mismatch")
		return ledger.Receipt{}, ledger.ErrBadCredential
	}
	to, ok := l.accounts[req.To]
	if !ok {
		l.recordFailure(txID, req, "unknown destination account")
		return ledger.Receipt{}, ledger.ErrUnknownAccount
	}
	if from.balance < req.Amount {
		l.recordFailure(txID, req, "insufficient funds")
		return ledger.Receipt{}, ledger.ErrInsufficientFunds
	}

	now := l.now()
	postings := []posting{
		{account: from.id, direction: "debit", amount: req.Amount, createdAt: now},
		{account: to.id, direction: "credit", amount: req.Amount, createdAt: now},
	}
	if !isBalanced(postings) {
		l.recordFailure(txID, req, "unbalanced postings")
		return ledger.Receipt{}, ledger.ErrRejected
	}
	l.postings[txID] = postings
	from.balance -= req.Amount
	to.balance += req.Amount

	r := ledger.Receipt{
		TxID:       txID,
		Reference:  req.Reference,
		From:       req.From,
		To:         req.To,
		Amount:     req.Amount,
		Status:     ledger.ReceiptConfirmed,
		Detail:     req.Memo,
		ObservedAt: now,
	}
	l.receipts[txID] = r
	l.byReference[req.Reference] = txID
	return r, nil
}

func (l *Ledger) GetReceipt(ctx context.Context, txID string) (ledger.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Receipt{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.receipts[txID]
	if !ok {
		return ledger.Receipt{}, ledger.ErrReceiptNotFound
	}
	return r, nil
}

// TotalSupply sums all balances, issuance included. It is zero in a
// consistent ledger.
func (l *Ledger) TotalSupply() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total int64
	for _, a := range l.accounts {
		total += a.balance
	}
	return total
}
