package settlement_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/wizardbeardstudio/open-settle-go/internal/ledger"
	"github.com/wizardbeardstudio/open-settle-go/internal/ledger/memledger"
	"github.com/wizardbeardstudio/open-settle-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-settle-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-settle-go/internal/settlement"
	"github.com/wizardbeardstudio/open-settle-go/internal/store/memstore"
)

const treasuryAccount ledger.AccountID = "acct-treasury"

var (
	alice   = settlement.Caller{UserID: "alice", Role: settlement.RoleUser}
	bob     = settlement.Caller{UserID: "bob", Role: settlement.RoleUser}
	manager = settlement.Caller{UserID: "mgr-1", Role: settlement.RoleManager}
	admin   = settlement.Caller{UserID: "admin-1", Role: settlement.RoleAdmin}
)

type recordingEvents struct {
	mu     sync.Mutex
	events []settlement.PayoutEvent
}

func (r *recordingEvents) PublishPayoutEvent(_ context.Context, ev settlement.PayoutEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingEvents) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type recordingNotifier struct {
	mu    sync.Mutex
	gifts []settlement.TransferRecord
}

func (r *recordingNotifier) NotifyGift(_ context.Context, rec settlement.TransferRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gifts = append(r.gifts, rec)
	return nil
}

type harness struct {
	t         *testing.T
	ctx       context.Context
	clock     *clock.Manual
	store     *memstore.Store
	ledger    *memledger.Ledger
	audit     *audit.InMemoryStore
	events    *recordingEvents
	notifier  *recordingNotifier
	engine    *settlement.Engine
	transfers *settlement.TransferService
	recon     *settlement.Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		ctx:      context.Background(),
		clock:    clock.NewManual(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)),
		store:    memstore.New(),
		audit:    audit.NewInMemoryStore(),
		events:   &recordingEvents{},
		notifier: &recordingNotifier{},
	}
	h.ledger = memledger.New(h.clock)
	h.ledger.OpenAccount(treasuryAccount, []byte("treasury-secret"))

	cfg := settlement.Config{
		Store:  h.store,
		Ledger: h.ledger,
		Treasury: settlement.Treasury{
			UserID:     "treasury",
			Account:    treasuryAccount,
			Credential: ledger.NewCredential([]byte("treasury-secret")),
		},
		Audit:    h.audit,
		Clock:    h.clock,
		Notifier: h.notifier,
		Events:   h.events,
	}
	var err error
	if h.engine, err = settlement.NewEngine(cfg); err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if h.transfers, err = settlement.NewTransferService(cfg); err != nil {
		t.Fatalf("new transfer service: %v", err)
	}
	h.recon = settlement.NewReconciler(h.engine, settlement.ReconcilerConfig{
		Grace:       30 * time.Second,
		ReviewAfter: 10 * time.Minute,
	})
	return h
}

// fund registers a wallet for userID and mints amount into it.
func (h *harness) fund(userID string, amount int64) ledger.AccountID {
	h.t.Helper()
	acct := ledger.AccountID("acct-" + userID)
	secret := []byte(userID + "-secret")
	h.ledger.OpenAccount(acct, secret)
	if amount > 0 {
		h.ledger.Mint(acct, amount)
	}
	err := h.store.PutWallet(h.ctx, settlement.WalletAccount{
		UserID:            userID,
		ExternalAccountID: acct,
		Credential:        ledger.NewCredential(secret),
		CreatedAt:         h.clock.Now(),
	})
	if err != nil {
		h.t.Fatalf("put wallet %s: %v", userID, err)
	}
	return acct
}

func (h *harness) payout(id string) settlement.PayoutRequest {
	h.t.Helper()
	p, err := h.store.GetPayout(h.ctx, id)
	if err != nil {
		h.t.Fatalf("get payout %s: %v", id, err)
	}
	return p
}

func (h *harness) transfer(id string) settlement.TransferRecord {
	h.t.Helper()
	rec, err := h.store.GetTransfer(h.ctx, id)
	if err != nil {
		h.t.Fatalf("get transfer %s: %v", id, err)
	}
	return rec
}

// open creates a confirmed payout request for c.
func (h *harness) open(c settlement.Caller, amount int64) settlement.PayoutRequest {
	h.t.Helper()
	p, err := h.engine.CreatePayoutRequest(h.ctx, c, amount)
	if err != nil {
		h.t.Fatalf("create payout: %v", err)
	}
	return p
}

func (h *harness) balance(acct ledger.AccountID) int64 {
	return h.ledger.Balance(acct)
}

func (h *harness) assertAuditIntact() {
	h.t.Helper()
	if idx := audit.Verify(h.audit.Events()); idx != -1 {
		h.t.Fatalf("audit chain broken at index %d", idx)
	}
}
