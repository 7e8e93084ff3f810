package settlement

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-settle-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-settle-go/internal/platform/clock"
)

const (
	objectPayout   = "payout_request"
	objectTransfer = "transfer"
)

// Gate decides whether a caller may perform an action and records every
// decision and state change on the audit chain.
type Gate struct {
	audit  audit.Store
	clock  clock.Clock
	logger *zap.Logger
}

func NewGate(store audit.Store, clk clock.Clock, logger *zap.Logger) *Gate {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{audit: store, clock: clk, logger: logger.Named("gate")}
}

// Authenticate requires a caller with an id and a known role.
func (g *Gate) Authenticate(ctx context.Context, c Caller, action Action, objectID string) error {
	if c.UserID == "" {
		g.deny(ctx, c, action, objectID, "missing caller identity")
		return ErrUnauthorized
	}
	if _, ok := ParseRole(string(c.Role)); !ok {
		g.deny(ctx, c, action, objectID, "unknown role")
		return ErrUnauthorized
	}
	return nil
}

// Permit runs the role checks that do not depend on the request's state.
func (g *Gate) Permit(ctx context.Context, c Caller, action Action, objectID string) error {
	if err := g.Authenticate(ctx, c, action, objectID); err != nil {
		return err
	}
	if action.staffOnly() && !c.Role.Staff() {
		g.deny(ctx, c, action, objectID, "staff role required")
		return ErrForbidden
	}
	return nil
}

// PermitOwner requires c to own p.
func (g *Gate) PermitOwner(ctx context.Context, c Caller, action Action, p PayoutRequest) error {
	if c.UserID != p.UserID {
		g.deny(ctx, c, action, p.ID, "caller does not own request")
		return ErrForbidden
	}
	return nil
}

// PermitRead allows owners and staff to read a request.
func (g *Gate) PermitRead(c Caller, p PayoutRequest) error {
	if c.Role.Staff() || c.UserID == p.UserID {
		return nil
	}
	return ErrForbidden
}

func (g *Gate) deny(ctx context.Context, c Caller, action Action, objectID, reason string) {
	g.Record(ctx, c, objectPayout, string(action), objectID, nil, nil, audit.ResultDenied, reason)
}

// Record appends an audit event. Audit failures are logged; they never undo
// a ledger movement that already happened.
func (g *Gate) Record(ctx context.Context, c Caller, objectType, action, objectID string, before, after any, result audit.Result, reason string) {
	if g.audit == nil {
		return
	}
	now := g.clock.Now()
	actorID, role := c.UserID, string(c.Role)
	if actorID == "" {
		actorID, role = "anonymous", "none"
	}
	_, err := g.audit.Append(ctx, audit.Event{
		AuditID:    uuid.NewString(),
		OccurredAt: now,
		RecordedAt: now,
		ActorID:    actorID,
		ActorRole:  role,
		ObjectType: objectType,
		ObjectID:   objectID,
		Action:     action,
		Before:     snapshot(before),
		After:      snapshot(after),
		Result:     result,
		Reason:     reason,
	})
	if err != nil {
		g.logger.Error("audit append failed",
			zap.String("action", action),
			zap.String("object_id", objectID),
			zap.Error(err),
		)
	}
}

func snapshot(v any) []byte {
	if v == nil {
		return []byte(`{}`)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{}`)
	}
	return b
}
