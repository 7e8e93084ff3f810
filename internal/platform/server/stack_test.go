package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wizardbeardstudio/open-settle-go/internal/ledger"
	"github.com/wizardbeardstudio/open-settle-go/internal/ledger/memledger"
	"github.com/wizardbeardstudio/open-settle-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-settle-go/internal/platform/auth"
	"github.com/wizardbeardstudio/open-settle-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-settle-go/internal/platform/metrics"
	"github.com/wizardbeardstudio/open-settle-go/internal/settlement"
	"github.com/wizardbeardstudio/open-settle-go/internal/store/memstore"
)

const testSecret = "server-test-secret"

type stack struct {
	t        *testing.T
	ledger   *memledger.Ledger
	store    *memstore.Store
	audit    *audit.InMemoryStore
	api      *API
	guard    *RemoteAccessGuard
	signer   *auth.JWTSigner
	verifier *auth.JWTVerifier
	handler  http.Handler
}

func newStack(t *testing.T) *stack {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	s := &stack{
		t:      t,
		ledger: memledger.New(clk),
		store:  memstore.New(),
		audit:  audit.NewInMemoryStore(),
	}
	s.ledger.OpenAccount("acct-treasury", []byte("t"))

	reg := prometheus.NewRegistry()
	cfg := settlement.Config{
		Store:  s.store,
		Ledger: s.ledger,
		Treasury: settlement.Treasury{
			UserID: "treasury", Account: "acct-treasury", Credential: ledger.NewCredential([]byte("t")),
		},
		Audit:    s.audit,
		Clock:    clk,
		Observer: metrics.New(reg),
	}
	engine, err := settlement.NewEngine(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	transfers, err := settlement.NewTransferService(cfg)
	if err != nil {
		t.Fatalf("new transfer service: %v", err)
	}
	s.api = NewAPI(engine, transfers, 2, nil)

	keyset, err := auth.ParseHMACKeyset(testSecret, "", "")
	if err != nil {
		t.Fatalf("keyset: %v", err)
	}
	s.signer = auth.NewJWTSignerWithKeyset(keyset)
	s.verifier = auth.NewJWTVerifierWithKeyset(keyset)

	s.guard, err = NewRemoteAccessGuard(clk, s.audit, nil, []string{"127.0.0.1/32"})
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	s.handler, err = NewHTTPHandler(HTTPOptions{
		Service:  s.api,
		Verifier: s.verifier,
		Guard:    s.guard,
		System:   SystemHandler{Version: "test", StartedAt: clk.Now(), Clock: clk},
		Gatherer: reg,
	})
	if err != nil {
		t.Fatalf("http handler: %v", err)
	}
	return s
}

func (s *stack) fund(userID string, amount int64) ledger.AccountID {
	s.t.Helper()
	acct := ledger.AccountID("acct-" + userID)
	s.ledger.OpenAccount(acct, []byte(userID))
	if amount > 0 {
		s.ledger.Mint(acct, amount)
	}
	if err := s.store.PutWallet(testContext(s.t), settlement.WalletAccount{
		UserID: userID, ExternalAccountID: acct, Credential: ledger.NewCredential([]byte(userID)),
	}); err != nil {
		s.t.Fatalf("put wallet: %v", err)
	}
	return acct
}

func (s *stack) token(id, role string) string {
	s.t.Helper()
	tok, _, err := s.signer.SignPrincipal(auth.Principal{ID: id, Role: role}, time.Now(), time.Hour)
	if err != nil {
		s.t.Fatalf("sign token: %v", err)
	}
	return tok
}

func (s *stack) do(method, path, token string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			s.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "127.0.0.1:40000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}
