package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-settle-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-settle-go/internal/platform/clock"
)

const (
	DefaultAdminPrefix = "/v1/admin/"
	maxActivities      = 1024
)

type RemoteAccessActivity struct {
	Timestamp time.Time
	SourceIP  string
	Path      string
	Method    string
	Allowed   bool
	Reason    string
}

// RemoteAccessGuard limits staff endpoints to trusted networks and audits
// every attempt on them.
type RemoteAccessGuard struct {
	clock  clock.Clock
	audit  audit.Store
	logger *zap.Logger

	trusted    []*net.IPNet
	prefixes   []string
	trustProxy bool
	failClosed bool

	mu   sync.Mutex
	logs []RemoteAccessActivity
}

type GuardOption func(*RemoteAccessGuard)

// WithAdminPrefixes replaces the guarded path prefixes.
func WithAdminPrefixes(prefixes ...string) GuardOption {
	return func(g *RemoteAccessGuard) { g.prefixes = prefixes }
}

// WithForwardedFor trusts the first X-Forwarded-For hop as the source. Only
// enable it behind a proxy that overwrites the header.
func WithForwardedFor() GuardOption {
	return func(g *RemoteAccessGuard) { g.trustProxy = true }
}

// WithFailClosed denies guarded requests whose audit append fails.
func WithFailClosed() GuardOption {
	return func(g *RemoteAccessGuard) { g.failClosed = true }
}

func NewRemoteAccessGuard(clk clock.Clock, store audit.Store, logger *zap.Logger, cidrs []string, opts ...GuardOption) (*RemoteAccessGuard, error) {
	trusted := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted cidr %q: %w", c, err)
		}
		trusted = append(trusted, ipnet)
	}
	if len(trusted) == 0 {
		for _, c := range []string{"127.0.0.1/32", "::1/128"} {
			_, ipnet, _ := net.ParseCIDR(c)
			trusted = append(trusted, ipnet)
		}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &RemoteAccessGuard{
		clock:    clk,
		audit:    store,
		logger:   logger.Named("remote_access"),
		trusted:  trusted,
		prefixes: []string{DefaultAdminPrefix},
	}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

func (g *RemoteAccessGuard) guarded(path string) bool {
	for _, p := range g.prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func (g *RemoteAccessGuard) sourceIP(r *http.Request) string {
	if g.trustProxy {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

func (g *RemoteAccessGuard) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range g.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (g *RemoteAccessGuard) record(ctx context.Context, r *http.Request, ip string, allowed bool, reason string) error {
	now := g.clock.Now().UTC()
	g.mu.Lock()
	g.logs = append(g.logs, RemoteAccessActivity{
		Timestamp: now,
		SourceIP:  ip,
		Path:      r.URL.Path,
		Method:    r.Method,
		Allowed:   allowed,
		Reason:    reason,
	})
	if len(g.logs) > maxActivities {
		g.logs = g.logs[len(g.logs)-maxActivities:]
	}
	g.mu.Unlock()

	if g.audit == nil {
		return nil
	}
	result, action := audit.ResultSuccess, "allowed"
	if !allowed {
		result, action = audit.ResultDenied, "denied"
	}
	_, err := g.audit.Append(ctx, audit.Event{
		AuditID:    uuid.NewString(),
		OccurredAt: now,
		RecordedAt: now,
		ActorID:    ip,
		ActorRole:  "remote",
		ObjectType: "remote_access",
		ObjectID:   r.Method + " " + r.URL.Path,
		Action:     action,
		Result:     result,
		Reason:     reason,
	})
	return err
}

// Activities returns the most recent guarded attempts, oldest first.
func (g *RemoteAccessGuard) Activities() []RemoteAccessActivity {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]RemoteAccessActivity, len(g.logs))
	copy(out, g.logs)
	return out
}

func (g *RemoteAccessGuard) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.guarded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ip := g.sourceIP(r)
		if !g.isTrusted(ip) {
			const reason = "source ip outside trusted network"
			if err := g.record(r.Context(), r, ip, false, reason); err != nil {
				g.logger.Error("audit remote access denial failed", zap.String("source_ip", ip), zap.Error(err))
			}
			g.logger.Warn("remote access denied", zap.String("source_ip", ip), zap.String("path", r.URL.Path))
			http.Error(w, "remote access denied", http.StatusForbidden)
			return
		}

		if err := g.record(r.Context(), r, ip, true, ""); err != nil {
			g.logger.Error("audit remote access failed", zap.String("source_ip", ip), zap.Error(err))
			if g.failClosed {
				http.Error(w, "remote access audit unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
