package server

import (
	"context"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-settle-go/internal/platform/auth"
	"github.com/wizardbeardstudio/open-settle-go/internal/settlement"
)

type CreatePayoutRequest struct {
	Amount int64 `json:"amount" validate:"gt=0"`
}

type PayoutActionRequest struct {
	ID string `json:"id" validate:"required,uuid"`
}

type GetPayoutRequest struct {
	ID string `json:"id" validate:"required,uuid"`
}

type ListPayoutsRequest struct {
	UserID      string   `json:"user_id,omitempty" validate:"omitempty,max=128"`
	Statuses    []string `json:"statuses,omitempty" validate:"omitempty,dive,oneof=open pending_approval rejected transferred cancelled"`
	NeedsReview bool     `json:"needs_review,omitempty"`
	Limit       int      `json:"limit,omitempty" validate:"gte=0,lte=5000"`
}

type GiftRequest struct {
	ToUserID string `json:"to_user_id" validate:"required,max=128"`
	Amount   int64  `json:"amount" validate:"gt=0"`
}

type ListTransfersRequest struct {
	UserID          string `json:"user_id,omitempty" validate:"omitempty,max=128"`
	Status          string `json:"status,omitempty" validate:"omitempty,oneof=succeeded failed unconfirmed"`
	PayoutRequestID string `json:"payout_request_id,omitempty" validate:"omitempty,uuid"`
	Limit           int    `json:"limit,omitempty" validate:"gte=0,lte=5000"`
}

type ResolveTransferRequest struct {
	ID     string `json:"id" validate:"required,uuid"`
	Status string `json:"status" validate:"required,oneof=succeeded failed"`
	Note   string `json:"note,omitempty" validate:"max=512"`
}

type PayoutView struct {
	settlement.PayoutRequest
	AmountDisplay string `json:"amount_display"`
}

type TransferView struct {
	settlement.TransferRecord
	AmountDisplay string `json:"amount_display"`
}

// PayoutResponse carries the request after a call. Pending is set when
// the ledger outcome is unknown and reconciliation will settle it.
type PayoutResponse struct {
	Payout  *PayoutView `json:"payout,omitempty"`
	Pending bool        `json:"pending,omitempty"`
	Message string      `json:"message,omitempty"`
}

type PayoutListResponse struct {
	Payouts []PayoutView `json:"payouts"`
}

type TransferResponse struct {
	Transfer *TransferView `json:"transfer,omitempty"`
	Pending  bool          `json:"pending,omitempty"`
	Message  string        `json:"message,omitempty"`
}

type TransferListResponse struct {
	Transfers []TransferView `json:"transfers"`
}

type Empty struct{}

// SettlementService is the transport-neutral surface served over HTTP and
// gRPC. The caller is always taken from the authenticated context.
type SettlementService interface {
	CreatePayout(ctx context.Context, req *CreatePayoutRequest) (*PayoutResponse, error)
	GetPayout(ctx context.Context, req *GetPayoutRequest) (*PayoutResponse, error)
	ListPayouts(ctx context.Context, req *ListPayoutsRequest) (*PayoutListResponse, error)
	ApprovePayout(ctx context.Context, req *PayoutActionRequest) (*PayoutResponse, error)
	RejectPayout(ctx context.Context, req *PayoutActionRequest) (*PayoutResponse, error)
	CompletePayout(ctx context.Context, req *PayoutActionRequest) (*PayoutResponse, error)
	CancelPayout(ctx context.Context, req *PayoutActionRequest) (*PayoutResponse, error)
	SendGift(ctx context.Context, req *GiftRequest) (*TransferResponse, error)
	ListTransfers(ctx context.Context, req *ListTransfersRequest) (*TransferListResponse, error)
	ResolveTransfer(ctx context.Context, req *ResolveTransferRequest) (*Empty, error)
}

var errInvalidRequest = errors.New("invalid request")

type API struct {
	engine     *settlement.Engine
	transfers  *settlement.TransferService
	validate   *validator.Validate
	minorUnits int32
	logger     *zap.Logger
}

func NewAPI(engine *settlement.Engine, transfers *settlement.TransferService, minorUnits int32, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		engine:     engine,
		transfers:  transfers,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		minorUnits: minorUnits,
		logger:     logger.Named("api"),
	}
}

// callerFrom maps the token principal to an engine caller. An absent or
// malformed principal yields a caller the engine rejects.
func callerFrom(ctx context.Context) settlement.Caller {
	p, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return settlement.Caller{}
	}
	return settlement.Caller{
		UserID: strings.TrimSpace(p.ID),
		Role:   settlement.Role(strings.ToLower(strings.TrimSpace(p.Role))),
	}
}

func (a *API) check(req any) error {
	if err := a.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &requestError{field: fe.Field(), tag: fe.Tag()}
		}
		return errInvalidRequest
	}
	return nil
}

type requestError struct {
	field, tag string
}

func (e *requestError) Error() string {
	return "invalid request: field " + e.field + " failed " + e.tag
}

func (e *requestError) Unwrap() error { return errInvalidRequest }

func (a *API) display(amount int64) string {
	return decimal.New(amount, -a.minorUnits).StringFixed(a.minorUnits)
}

func (a *API) payoutView(p settlement.PayoutRequest) *PayoutView {
	return &PayoutView{PayoutRequest: p, AmountDisplay: a.display(p.Amount)}
}

func (a *API) transferView(rec settlement.TransferRecord) *TransferView {
	return &TransferView{TransferRecord: rec, AmountDisplay: a.display(rec.Amount)}
}

func (a *API) CreatePayout(ctx context.Context, req *CreatePayoutRequest) (*PayoutResponse, error) {
	if err := a.check(req); err != nil {
		return nil, err
	}
	p, err := a.engine.CreatePayoutRequest(ctx, callerFrom(ctx), req.Amount)
	if errors.Is(err, settlement.ErrLedgerTimeout) && p.ID != "" {
		return &PayoutResponse{Payout: a.payoutView(p), Pending: true, Message: err.Error()}, nil
	}
	if err != nil {
		return nil, err
	}
	return &PayoutResponse{Payout: a.payoutView(p)}, nil
}

func (a *API) GetPayout(ctx context.Context, req *GetPayoutRequest) (*PayoutResponse, error) {
	if err := a.check(req); err != nil {
		return nil, err
	}
	p, err := a.engine.GetPayoutRequest(ctx, callerFrom(ctx), req.ID)
	if err != nil {
		return nil, err
	}
	return &PayoutResponse{Payout: a.payoutView(p)}, nil
}

func (a *API) ListPayouts(ctx context.Context, req *ListPayoutsRequest) (*PayoutListResponse, error) {
	if err := a.check(req); err != nil {
		return nil, err
	}
	f := settlement.PayoutFilter{UserID: req.UserID, NeedsReview: req.NeedsReview, Limit: req.Limit}
	for _, s := range req.Statuses {
		st, _ := settlement.ParseStatus(s)
		f.Statuses = append(f.Statuses, st)
	}
	list, err := a.engine.ListPayoutRequests(ctx, callerFrom(ctx), f)
	if err != nil {
		return nil, err
	}
	out := &PayoutListResponse{Payouts: make([]PayoutView, 0, len(list))}
	for _, p := range list {
		out.Payouts = append(out.Payouts, *a.payoutView(p))
	}
	return out, nil
}

func (a *API) ApprovePayout(ctx context.Context, req *PayoutActionRequest) (*PayoutResponse, error) {
	return a.act(ctx, req, a.engine.ApprovePayoutRequest)
}

func (a *API) RejectPayout(ctx context.Context, req *PayoutActionRequest) (*PayoutResponse, error) {
	return a.act(ctx, req, a.engine.RejectPayoutRequest)
}

func (a *API) CompletePayout(ctx context.Context, req *PayoutActionRequest) (*PayoutResponse, error) {
	return a.act(ctx, req, a.engine.CompletePayoutRequest)
}

func (a *API) CancelPayout(ctx context.Context, req *PayoutActionRequest) (*PayoutResponse, error) {
	return a.act(ctx, req, a.engine.CancelPayoutRequest)
}

func (a *API) act(ctx context.Context, req *PayoutActionRequest, fn func(context.Context, settlement.Caller, string) error) (*PayoutResponse, error) {
	if err := a.check(req); err != nil {
		return nil, err
	}
	c := callerFrom(ctx)
	err := fn(ctx, c, req.ID)
	pending := errors.Is(err, settlement.ErrLedgerTimeout)
	if err != nil && !pending {
		return nil, err
	}
	resp := &PayoutResponse{Pending: pending}
	if pending {
		resp.Message = err.Error()
	}
	p, gerr := a.engine.GetPayoutRequest(ctx, c, req.ID)
	if gerr != nil {
		a.logger.Warn("reload payout after action failed", zap.String("request_id", req.ID), zap.Error(gerr))
		return resp, nil
	}
	resp.Payout = a.payoutView(p)
	return resp, nil
}

func (a *API) SendGift(ctx context.Context, req *GiftRequest) (*TransferResponse, error) {
	if err := a.check(req); err != nil {
		return nil, err
	}
	c := callerFrom(ctx)
	if _, ok := settlement.ParseRole(string(c.Role)); !ok {
		return nil, settlement.ErrUnauthorized
	}
	rec, err := a.transfers.Transfer(ctx, c.UserID, strings.TrimSpace(req.ToUserID), req.Amount)
	if errors.Is(err, settlement.ErrLedgerTimeout) {
		return &TransferResponse{Transfer: a.transferView(rec), Pending: true, Message: err.Error()}, nil
	}
	if err != nil {
		return nil, err
	}
	return &TransferResponse{Transfer: a.transferView(rec)}, nil
}

func (a *API) ListTransfers(ctx context.Context, req *ListTransfersRequest) (*TransferListResponse, error) {
	if err := a.check(req); err != nil {
		return nil, err
	}
	list, err := a.engine.ListTransfers(ctx, callerFrom(ctx), settlement.TransferFilter{
		UserID:          req.UserID,
		Status:          settlement.TransferStatus(req.Status),
		PayoutRequestID: req.PayoutRequestID,
		Limit:           req.Limit,
	})
	if err != nil {
		return nil, err
	}
	out := &TransferListResponse{Transfers: make([]TransferView, 0, len(list))}
	for _, rec := range list {
		out.Transfers = append(out.Transfers, *a.transferView(rec))
	}
	return out, nil
}

func (a *API) ResolveTransfer(ctx context.Context, req *ResolveTransferRequest) (*Empty, error) {
	if err := a.check(req); err != nil {
		return nil, err
	}
	err := a.engine.ResolveTransfer(ctx, callerFrom(ctx), req.ID, settlement.TransferStatus(req.Status), req.Note)
	if err != nil {
		return nil, err
	}
	return &Empty{}, nil
}
