package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wizardbeardstudio/open-settle-go/internal/ledger/memledger"
	"github.com/wizardbeardstudio/open-settle-go/internal/settlement"
)

func TestHTTPPayoutLifecycle(t *testing.T) {
	s := newStack(t)
	acct := s.fund("alice", 10_000)
	alice := s.token("alice", "user")
	mgr := s.token("mgr-1", "manager")

	rec := s.do(http.MethodPost, "/v1/payouts", alice, CreatePayoutRequest{Amount: 2_550})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rec.Code, rec.Body.String())
	}
	created := decode[PayoutResponse](t, rec)
	if created.Payout == nil || created.Payout.Status != settlement.StatusOpen {
		t.Fatalf("unexpected create response: %+v", created)
	}
	if created.Payout.AmountDisplay != "25.50" {
		t.Fatalf("expected display amount 25.50, got %s", created.Payout.AmountDisplay)
	}
	id := created.Payout.ID

	rec = s.do(http.MethodPost, "/v1/payouts", alice, CreatePayoutRequest{Amount: 10})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for second open request, got %d", rec.Code)
	}

	rec = s.do(http.MethodPost, "/v1/admin/payouts/"+id+"/approve", alice, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for user approve, got %d", rec.Code)
	}
	rec = s.do(http.MethodPost, "/v1/admin/payouts/"+id+"/approve", mgr, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 approve, got %d body=%s", rec.Code, rec.Body.String())
	}
	if got := decode[PayoutResponse](t, rec); got.Payout.Status != settlement.StatusPendingApproval {
		t.Fatalf("expected pending_approval, got %s", got.Payout.Status)
	}

	rec = s.do(http.MethodPost, "/v1/admin/payouts/"+id+"/reject", mgr, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 reject, got %d body=%s", rec.Code, rec.Body.String())
	}
	if s.ledger.Balance(acct) != 10_000 {
		t.Fatalf("expected refund, got %d", s.ledger.Balance(acct))
	}

	rec = s.do(http.MethodGet, "/v1/payouts/"+id, alice, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 get, got %d", rec.Code)
	}
	if got := decode[PayoutResponse](t, rec); got.Payout.Status != settlement.StatusRejected {
		t.Fatalf("expected rejected, got %s", got.Payout.Status)
	}
}

func TestHTTPPendingLedgerOutcomeIsAccepted(t *testing.T) {
	s := newStack(t)
	s.fund("alice", 1_000)
	s.ledger.InjectFault(memledger.FaultTimeoutAfterApply)

	rec := s.do(http.MethodPost, "/v1/payouts", s.token("alice", "user"), CreatePayoutRequest{Amount: 100})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%s", rec.Code, rec.Body.String())
	}
	got := decode[PayoutResponse](t, rec)
	if !got.Pending || got.Payout.EscrowState != settlement.EscrowPending {
		t.Fatalf("expected pending escrow, got %+v", got)
	}
}

func TestHTTPRequiresToken(t *testing.T) {
	s := newStack(t)
	if rec := s.do(http.MethodGet, "/v1/payouts", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := s.do(http.MethodGet, "/v1/payouts", "not-a-jwt", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", rec.Code)
	}
	if rec := s.do(http.MethodGet, "/v1/payouts", s.token("alice", "superuser"), nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with unknown role, got %d", rec.Code)
	}
	if rec := s.do(http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected open health endpoint, got %d", rec.Code)
	}
	if rec := s.do(http.MethodGet, "/metrics", "", nil); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "open_settle") {
		t.Fatalf("expected metrics exposition, got %d", rec.Code)
	}
}

func TestHTTPValidation(t *testing.T) {
	s := newStack(t)
	s.fund("alice", 1_000)
	alice := s.token("alice", "user")

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"negative amount", http.MethodPost, "/v1/payouts", CreatePayoutRequest{Amount: -1}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/v1/payouts", map[string]any{"amount": 5, "currency": "USD"}, http.StatusBadRequest},
		{"bad id", http.MethodGet, "/v1/payouts/not-a-uuid", nil, http.StatusBadRequest},
		{"missing id", http.MethodGet, "/v1/payouts/2b1b3c4e-0f8f-4d8e-9d2a-0c1c1c1c1c1c", nil, http.StatusNotFound},
		{"bad status filter", http.MethodGet, "/v1/payouts?status=paid", nil, http.StatusBadRequest},
		{"gift to self", http.MethodPost, "/v1/transfers", GiftRequest{ToUserID: "alice", Amount: 5}, http.StatusBadRequest},
		{"gift without recipient wallet", http.MethodPost, "/v1/transfers", GiftRequest{ToUserID: "carol", Amount: 5}, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(tc.method, tc.path, alice, tc.body)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d body=%s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHTTPGiftAndTransferListing(t *testing.T) {
	s := newStack(t)
	s.fund("alice", 1_000)
	bobAcct := s.fund("bob", 0)

	rec := s.do(http.MethodPost, "/v1/transfers", s.token("alice", "user"), GiftRequest{ToUserID: "bob", Amount: 125})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rec.Code, rec.Body.String())
	}
	if s.ledger.Balance(bobAcct) != 125 {
		t.Fatalf("expected bob credited, got %d", s.ledger.Balance(bobAcct))
	}

	rec = s.do(http.MethodGet, "/v1/transfers", s.token("bob", "user"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	list := decode[TransferListResponse](t, rec)
	if len(list.Transfers) != 1 || list.Transfers[0].AmountDisplay != "1.25" {
		t.Fatalf("unexpected transfers: %+v", list)
	}
}

func TestHTTPAdminPathsRequireTrustedNetwork(t *testing.T) {
	s := newStack(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/admin/payouts", nil)
	req.RemoteAddr = "203.0.113.8:45000"
	req.Header.Set("Authorization", "Bearer "+s.token("mgr-1", "manager"))
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 from untrusted network, got %d", rec.Code)
	}
	if rec := s.do(http.MethodGet, "/v1/admin/payouts", s.token("mgr-1", "manager"), nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from trusted network, got %d", rec.Code)
	}
}
