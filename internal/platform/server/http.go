package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-settle-go/internal/platform/auth"
)

const maxBodyBytes = 1 << 20

type HTTPOptions struct {
	Service  SettlementService
	Verifier *auth.JWTVerifier
	Guard    *RemoteAccessGuard
	System   SystemHandler
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

type httpHandler struct {
	svc    SettlementService
	logger *zap.Logger
}

// NewHTTPHandler mounts the JSON API on a gateway mux behind JWT auth and
// the remote access guard, next to the unauthenticated system endpoints.
func NewHTTPHandler(opts HTTPOptions) (http.Handler, error) {
	if opts.Service == nil || opts.Verifier == nil {
		return nil, errors.New("http handler requires a service and a jwt verifier")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &httpHandler{svc: opts.Service, logger: logger.Named("http")}

	gw := runtime.NewServeMux()
	routes := []struct {
		method, pattern string
		fn              runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/payouts", h.createPayout},
		{http.MethodGet, "/v1/payouts", h.listPayouts},
		{http.MethodGet, "/v1/payouts/{id}", h.getPayout},
		{http.MethodPost, "/v1/payouts/{id}/cancel", h.action(opts.Service.CancelPayout)},
		{http.MethodGet, "/v1/admin/payouts", h.listPayouts},
		{http.MethodPost, "/v1/admin/payouts/{id}/approve", h.action(opts.Service.ApprovePayout)},
		{http.MethodPost, "/v1/admin/payouts/{id}/reject", h.action(opts.Service.RejectPayout)},
		{http.MethodPost, "/v1/admin/payouts/{id}/complete", h.action(opts.Service.CompletePayout)},
		{http.MethodPost, "/v1/transfers", h.sendGift},
		{http.MethodGet, "/v1/transfers", h.listTransfers},
		{http.MethodGet, "/v1/admin/transfers", h.listTransfers},
		{http.MethodPost, "/v1/admin/transfers/{id}/resolve", h.resolveTransfer},
	}
	for _, rt := range routes {
		if err := gw.HandlePath(rt.method, rt.pattern, rt.fn); err != nil {
			return nil, err
		}
	}

	var api http.Handler = auth.HTTPJWTMiddleware(opts.Verifier, gw)
	if opts.Guard != nil {
		api = opts.Guard.Wrap(api)
	}

	mux := http.NewServeMux()
	opts.System.Register(mux)
	if opts.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", api)
	return mux, nil
}

func (h *httpHandler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("write response failed", zap.Error(err))
	}
}

func (h *httpHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := httpStatus(err)
	if code == http.StatusAccepted {
		code = http.StatusGatewayTimeout
	}
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	h.writeJSON(w, code, map[string]string{
		"error": publicMessage(err),
		"class": className(classOf(err)),
	})
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return &requestError{field: "body", tag: "json"}
	}
	return nil
}

func (h *httpHandler) createPayout(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req CreatePayoutRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	resp, err := h.svc.CreatePayout(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	code := http.StatusCreated
	if resp.Pending {
		code = http.StatusAccepted
	}
	h.writeJSON(w, code, resp)
}

func (h *httpHandler) getPayout(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := h.svc.GetPayout(r.Context(), &GetPayoutRequest{ID: params["id"]})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *httpHandler) listPayouts(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	q := r.URL.Query()
	req := ListPayoutsRequest{
		UserID:      q.Get("user_id"),
		Statuses:    splitQuery(q["status"]),
		NeedsReview: q.Get("needs_review") == "true",
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, r, &requestError{field: "limit", tag: "number"})
			return
		}
		req.Limit = n
	}
	resp, err := h.svc.ListPayouts(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *httpHandler) action(fn func(context.Context, *PayoutActionRequest) (*PayoutResponse, error)) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		resp, err := fn(r.Context(), &PayoutActionRequest{ID: params["id"]})
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		code := http.StatusOK
		if resp.Pending {
			code = http.StatusAccepted
		}
		h.writeJSON(w, code, resp)
	}
}

func (h *httpHandler) sendGift(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req GiftRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	resp, err := h.svc.SendGift(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	code := http.StatusCreated
	if resp.Pending {
		code = http.StatusAccepted
	}
	h.writeJSON(w, code, resp)
}

func (h *httpHandler) listTransfers(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	q := r.URL.Query()
	req := ListTransfersRequest{
		UserID:          q.Get("user_id"),
		Status:          q.Get("status"),
		PayoutRequestID: q.Get("payout_request_id"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, r, &requestError{field: "limit", tag: "number"})
			return
		}
		req.Limit = n
	}
	resp, err := h.svc.ListTransfers(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *httpHandler) resolveTransfer(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req ResolveTransferRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	req.ID = params["id"]
	if _, err := h.svc.ResolveTransfer(r.Context(), &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func splitQuery(vals []string) []string {
	var out []string
	for _, v := range vals {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
