package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const principalContextKey contextKey = "principal"

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrMissingClaims  = errors.New("missing principal claims")
	ErrUnknownKeyID   = errors.New("unknown key id")
	ErrMissingBearer  = errors.New("missing bearer token")
	ErrNoSigningKeyID = errors.New("keyset has no active signing key")
)

// Principal is the authenticated caller as asserted by the token issuer.
type Principal struct {
	ID   string
	Role string
}

type HMACKeyset struct {
	ActiveKID string
	Keys      map[string][]byte
}

// ParseHMACKeyset builds a keyset from either a single secret or a
// "kid:secret,kid:secret" spec. The spec wins when both are set.
func ParseHMACKeyset(secret, spec, activeKID string) (HMACKeyset, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		secret = strings.TrimSpace(secret)
		if secret == "" {
			return HMACKeyset{}, errors.New("jwt secret is empty")
		}
		return HMACKeyset{ActiveKID: "default", Keys: map[string][]byte{"default": []byte(secret)}}, nil
	}

	keys := make(map[string][]byte)
	first := ""
	for _, part := range strings.Split(spec, ",") {
		kid, value, ok := strings.Cut(strings.TrimSpace(part), ":")
		kid = strings.TrimSpace(kid)
		value = strings.TrimSpace(value)
		if !ok || kid == "" || value == "" {
			return HMACKeyset{}, fmt.Errorf("malformed keyset entry %q", part)
		}
		if first == "" {
			first = kid
		}
		keys[kid] = []byte(value)
	}
	active := strings.TrimSpace(activeKID)
	if active == "" {
		active = first
	}
	if _, ok := keys[active]; !ok {
		return HMACKeyset{}, fmt.Errorf("active kid %q not found in keyset", active)
	}
	return HMACKeyset{ActiveKID: active, Keys: keys}, nil
}

type JWTVerifier struct {
	keyset HMACKeyset
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{keyset: HMACKeyset{ActiveKID: "default", Keys: map[string][]byte{"default": []byte(secret)}}}
}

func NewJWTVerifierWithKeyset(keyset HMACKeyset) *JWTVerifier {
	return &JWTVerifier{keyset: keyset}
}

func (v *JWTVerifier) keyFor(token *jwt.Token) (any, error) {
	if token.Method != jwt.SigningMethodHS256 {
		return nil, errors.New("unexpected signing method")
	}
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		kid = v.keyset.ActiveKID
	}
	key, ok := v.keyset.Keys[kid]
	if !ok {
		return nil, ErrUnknownKeyID
	}
	return key, nil
}

func (v *JWTVerifier) ParsePrincipal(tokenString string) (Principal, error) {
	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, v.keyFor,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(5*time.Second),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !tok.Valid {
		return Principal{}, ErrInvalidToken
	}

	sub, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	if sub == "" || role == "" {
		return Principal{}, ErrMissingClaims
	}
	return Principal{ID: sub, Role: role}, nil
}

type JWTSigner struct {
	keyset HMACKeyset
}

func NewJWTSignerWithKeyset(keyset HMACKeyset) *JWTSigner {
	return &JWTSigner{keyset: keyset}
}

// SignPrincipal issues a token for p valid for ttl from now. It returns the
// token and its expiry.
func (s *JWTSigner) SignPrincipal(p Principal, now time.Time, ttl time.Duration) (string, time.Time, error) {
	key, ok := s.keyset.Keys[s.keyset.ActiveKID]
	if !ok {
		return "", time.Time{}, ErrNoSigningKeyID
	}
	exp := now.Add(ttl)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  p.ID,
		"role": p.Role,
		"iat":  now.Unix(),
		"exp":  exp.Unix(),
	})
	tok.Header["kid"] = s.keyset.ActiveKID
	signed, err := tok.SignedString(key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v, ok := ctx.Value(principalContextKey).(Principal)
	return v, ok
}

func bearerToken(h string) (string, error) {
	if !strings.HasPrefix(h, "Bearer ") {
		return "", ErrMissingBearer
	}
	tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	if tok == "" {
		return "", ErrMissingBearer
	}
	return tok, nil
}

func HTTPJWTMiddleware(verifier *JWTVerifier, next http.Handler) http.Handler {
	return HTTPJWTMiddlewareWithSkips(verifier, next, nil)
}

func HTTPJWTMiddlewareWithSkips(verifier *JWTVerifier, next http.Handler, skipPaths []string) http.Handler {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := skip[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}
		tok, err := bearerToken(r.Header.Get("Authorization"))
		if err != nil {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		p, err := verifier.ParsePrincipal(tok)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}
