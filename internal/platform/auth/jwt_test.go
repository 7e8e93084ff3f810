package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func TestParsePrincipal(t *testing.T) {
	verifier := NewJWTVerifier("test-secret")

	claims := jwt.MapClaims{
		"sub":  "user-1",
		"role": "user",
		"exp":  time.Now().Add(time.Hour).Unix(),
		"iat":  time.Now().Add(-time.Minute).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	p, err := verifier.ParsePrincipal(signed)
	if err != nil {
		t.Fatalf("parse principal: %v", err)
	}
	if p.ID != "user-1" || p.Role != "user" {
		t.Fatalf("unexpected principal: %+v", p)
	}
}

func TestParsePrincipalRejectsMissingRole(t *testing.T) {
	verifier := NewJWTVerifier("test-secret")
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, err := verifier.ParsePrincipal(signed); err != ErrMissingClaims {
		t.Fatalf("expected ErrMissingClaims, got=%v", err)
	}
}

func TestParsePrincipalRejectsExpiredAndForeignKey(t *testing.T) {
	keyset, err := ParseHMACKeyset("right-secret", "", "")
	if err != nil {
		t.Fatalf("parse keyset: %v", err)
	}
	signer := NewJWTSignerWithKeyset(keyset)
	verifier := NewJWTVerifier("wrong-secret")

	tok, _, err := signer.SignPrincipal(Principal{ID: "admin-1", Role: "admin"}, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifier.ParsePrincipal(tok); err == nil {
		t.Fatalf("expected foreign key token to be rejected")
	}

	expired, _, err := signer.SignPrincipal(Principal{ID: "admin-1", Role: "admin"}, time.Now().Add(-2*time.Hour), time.Hour)
	if err != nil {
		t.Fatalf("sign expired: %v", err)
	}
	if _, err := NewJWTVerifierWithKeyset(keyset).ParsePrincipal(expired); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestParsePrincipalWithKeyRotation(t *testing.T) {
	keyset, err := ParseHMACKeyset("", "old:old-secret,new:new-secret", "new")
	if err != nil {
		t.Fatalf("parse keyset: %v", err)
	}
	signerOld := NewJWTSignerWithKeyset(HMACKeyset{ActiveKID: "old", Keys: keyset.Keys})
	signerNew := NewJWTSignerWithKeyset(HMACKeyset{ActiveKID: "new", Keys: keyset.Keys})
	verifier := NewJWTVerifierWithKeyset(keyset)

	now := time.Now().UTC()
	oldToken, _, err := signerOld.SignPrincipal(Principal{ID: "user-1", Role: "user"}, now, time.Hour)
	if err != nil {
		t.Fatalf("sign old token: %v", err)
	}
	newToken, _, err := signerNew.SignPrincipal(Principal{ID: "manager-2", Role: "manager"}, now, time.Hour)
	if err != nil {
		t.Fatalf("sign new token: %v", err)
	}

	oldP, err := verifier.ParsePrincipal(oldToken)
	if err != nil {
		t.Fatalf("verify old token: %v", err)
	}
	newP, err := verifier.ParsePrincipal(newToken)
	if err != nil {
		t.Fatalf("verify new token: %v", err)
	}
	if oldP.ID != "user-1" || newP.Role != "manager" {
		t.Fatalf("unexpected principals after rotation: old=%+v new=%+v", oldP, newP)
	}
}

func TestParseHMACKeysetRejectsMalformedSpec(t *testing.T) {
	cases := []struct {
		name   string
		spec   string
		active string
	}{
		{name: "missing separator", spec: "k1secret"},
		{name: "empty secret", spec: "k1:"},
		{name: "unknown active", spec: "k1:s1", active: "k2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseHMACKeyset("", tc.spec, tc.active); err == nil {
				t.Fatalf("expected error for spec %q", tc.spec)
			}
		})
	}
}

func TestHTTPJWTMiddleware(t *testing.T) {
	keyset, _ := ParseHMACKeyset("mw-secret", "", "")
	signer := NewJWTSignerWithKeyset(keyset)
	verifier := NewJWTVerifierWithKeyset(keyset)
	tok, _, err := signer.SignPrincipal(Principal{ID: "user-9", Role: "user"}, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	var seen Principal
	h := HTTPJWTMiddlewareWithSkips(verifier, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}), []string{"/healthz"})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected skip path to pass, got=%d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/payouts", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got=%d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/payouts", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || seen.ID != "user-9" {
		t.Fatalf("expected authenticated pass-through, got=%d principal=%+v", rec.Code, seen)
	}
}

func TestUnaryJWTInterceptor(t *testing.T) {
	keyset, _ := ParseHMACKeyset("grpc-secret", "", "")
	signer := NewJWTSignerWithKeyset(keyset)
	interceptor := UnaryJWTInterceptor(NewJWTVerifierWithKeyset(keyset), []string{"/grpc.health.v1.Health/Check"})
	handler := func(ctx context.Context, _ any) (any, error) {
		p, _ := PrincipalFromContext(ctx)
		return p, nil
	}

	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/settle.v1.Settlement/Transfer"}, handler)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated, got=%v", err)
	}

	if _, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}, handler); err != nil {
		t.Fatalf("expected allowlisted method to pass: %v", err)
	}

	tok, _, _ := signer.SignPrincipal(Principal{ID: "admin-1", Role: "admin"}, time.Now(), time.Hour)
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+tok))
	out, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/settle.v1.Settlement/Transfer"}, handler)
	if err != nil {
		t.Fatalf("expected authenticated call: %v", err)
	}
	if p := out.(Principal); p.ID != "admin-1" || p.Role != "admin" {
		t.Fatalf("unexpected principal: %+v", p)
	}
}

type fakeServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s fakeServerStream) Context() context.Context { return s.ctx }

func TestStreamJWTInterceptor(t *testing.T) {
	keyset, _ := ParseHMACKeyset("grpc-secret", "", "")
	signer := NewJWTSignerWithKeyset(keyset)
	interceptor := StreamJWTInterceptor(NewJWTVerifierWithKeyset(keyset), []string{"/grpc.health.v1.Health/Watch"})
	var seen Principal
	handler := func(_ any, ss grpc.ServerStream) error {
		seen, _ = PrincipalFromContext(ss.Context())
		return nil
	}
	info := &grpc.StreamServerInfo{FullMethod: "/settle.v1.Settlement/Events"}

	err := interceptor(nil, fakeServerStream{ctx: context.Background()}, info, handler)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated, got=%v", err)
	}
	if err := interceptor(nil, fakeServerStream{ctx: context.Background()}, &grpc.StreamServerInfo{FullMethod: "/grpc.health.v1.Health/Watch"}, handler); err != nil {
		t.Fatalf("expected allowlisted stream to pass: %v", err)
	}

	tok, _, _ := signer.SignPrincipal(Principal{ID: "mgr-2", Role: "manager"}, time.Now(), time.Hour)
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+tok))
	if err := interceptor(nil, fakeServerStream{ctx: ctx}, info, handler); err != nil {
		t.Fatalf("expected authenticated stream: %v", err)
	}
	if seen.ID != "mgr-2" || seen.Role != "manager" {
		t.Fatalf("unexpected principal: %+v", seen)
	}
}
