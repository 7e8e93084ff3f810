package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wizardbeardstudio/open-settle-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-settle-go/internal/platform/clock"
)

type failingAuditStore struct{}

func (failingAuditStore) Append(context.Context, audit.Event) (audit.Event, error) {
	return audit.Event{}, errors.New("audit down")
}

func guardRequest(h http.Handler, path, remote, xff string) int {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = remote
	if xff != "" {
		req.Header.Set("X-Forwarded-For", xff)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

func TestRemoteAccessGuardAllowsAndDenies(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	store := audit.NewInMemoryStore()
	g, err := NewRemoteAccessGuard(clk, store, nil, []string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	h := g.Wrap(okHandler)

	if code := guardRequest(h, "/v1/admin/payouts", "10.1.2.3:5000", ""); code != http.StatusOK {
		t.Fatalf("expected trusted source allowed, got %d", code)
	}
	if code := guardRequest(h, "/v1/admin/payouts", "203.0.113.5:5000", ""); code != http.StatusForbidden {
		t.Fatalf("expected untrusted source denied, got %d", code)
	}
	if code := guardRequest(h, "/v1/payouts", "203.0.113.5:5000", ""); code != http.StatusOK {
		t.Fatalf("expected unguarded path allowed, got %d", code)
	}

	acts := g.Activities()
	if len(acts) != 2 {
		t.Fatalf("expected 2 guarded activities, got %d", len(acts))
	}
	if !acts[0].Allowed || acts[1].Allowed {
		t.Fatalf("unexpected activity results: %+v", acts)
	}
	events := store.ByObject("remote_access", "GET /v1/admin/payouts")
	if len(events) != 2 || events[1].Result != audit.ResultDenied {
		t.Fatalf("expected allow and deny audit events, got %+v", events)
	}
	if idx := audit.Verify(store.Events()); idx != -1 {
		t.Fatalf("audit chain broken at %d", idx)
	}
}

func TestRemoteAccessGuardForwardedFor(t *testing.T) {
	g, err := NewRemoteAccessGuard(nil, nil, nil, []string{"10.0.0.0/8"}, WithForwardedFor())
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	h := g.Wrap(okHandler)
	if code := guardRequest(h, "/v1/admin/payouts", "203.0.113.5:5000", "10.9.9.9, 203.0.113.5"); code != http.StatusOK {
		t.Fatalf("expected forwarded trusted source allowed, got %d", code)
	}

	plain, err := NewRemoteAccessGuard(nil, nil, nil, []string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	if code := guardRequest(plain.Wrap(okHandler), "/v1/admin/payouts", "203.0.113.5:5000", "10.9.9.9"); code != http.StatusForbidden {
		t.Fatalf("expected forwarded header ignored without proxy trust, got %d", code)
	}
}

func TestRemoteAccessGuardFailClosed(t *testing.T) {
	open, err := NewRemoteAccessGuard(nil, failingAuditStore{}, nil, nil)
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	if code := guardRequest(open.Wrap(okHandler), "/v1/admin/payouts", "127.0.0.1:5000", ""); code != http.StatusOK {
		t.Fatalf("expected fail-open guard to pass, got %d", code)
	}

	closed, err := NewRemoteAccessGuard(nil, failingAuditStore{}, nil, nil, WithFailClosed())
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	if code := guardRequest(closed.Wrap(okHandler), "/v1/admin/payouts", "127.0.0.1:5000", ""); code != http.StatusServiceUnavailable {
		t.Fatalf("expected fail-closed guard to refuse, got %d", code)
	}
}

func TestRemoteAccessGuardRejectsBadCIDR(t *testing.T) {
	if _, err := NewRemoteAccessGuard(nil, nil, nil, []string{"10.0.0.0/33"}); err == nil {
		t.Fatal("expected invalid cidr error")
	}
}

func TestRemoteAccessGuardCustomPrefixes(t *testing.T) {
	g, err := NewRemoteAccessGuard(nil, nil, nil, nil, WithAdminPrefixes("/internal/"))
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	h := g.Wrap(okHandler)
	if code := guardRequest(h, "/internal/debug", "203.0.113.5:5000", ""); code != http.StatusForbidden {
		t.Fatalf("expected custom prefix guarded, got %d", code)
	}
	if code := guardRequest(h, "/v1/admin/payouts", "203.0.113.5:5000", ""); code != http.StatusOK {
		t.Fatalf("expected default prefix replaced, got %d", code)
	}
}
