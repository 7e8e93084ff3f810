package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthv1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/wizardbeardstudio/open-settle-go/internal/platform/auth"
)

const (
	ServiceName = "settle.v1.Settlement"
	// CodecName is the content-subtype clients select with
	// grpc.CallContentSubtype.
	CodecName = "json"
)

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

func unary[Req, Resp any](method string, call func(SettlementService, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			svc := srv.(SettlementService)
			handler := func(ctx context.Context, req any) (any, error) {
				resp, err := call(svc, ctx, req.(*Req))
				if err != nil {
					return nil, toStatus(err)
				}
				return resp, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var settlementServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SettlementService)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreatePayout", SettlementService.CreatePayout),
		unary("GetPayout", SettlementService.GetPayout),
		unary("ListPayouts", SettlementService.ListPayouts),
		unary("ApprovePayout", SettlementService.ApprovePayout),
		unary("RejectPayout", SettlementService.RejectPayout),
		unary("CompletePayout", SettlementService.CompletePayout),
		unary("CancelPayout", SettlementService.CancelPayout),
		unary("SendGift", SettlementService.SendGift),
		unary("ListTransfers", SettlementService.ListTransfers),
		unary("ResolveTransfer", SettlementService.ResolveTransfer),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "settle/v1/settlement",
}

// RegisterSettlementService exposes svc on s under ServiceName.
func RegisterSettlementService(s grpc.ServiceRegistrar, svc SettlementService) {
	s.RegisterService(&settlementServiceDesc, svc)
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("elapsed", time.Since(start)),
		}
		if err != nil && serverFault(code) {
			logger.Error("rpc failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("rpc", fields...)
		}
		return resp, err
	}
}

func serverFault(code codes.Code) bool {
	switch code {
	case codes.Internal, codes.Unknown, codes.DataLoss, codes.Unavailable:
		return true
	}
	return false
}

// NewGRPCServer builds a server with health, JWT auth on every settlement
// method, and TLS when tlsCfg is set.
func NewGRPCServer(svc SettlementService, verifier *auth.JWTVerifier, tlsCfg *tls.Config, logger *zap.Logger) (*grpc.Server, *health.Server) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			loggingInterceptor(logger.Named("grpc")),
			auth.UnaryJWTInterceptor(verifier, []string{healthv1.Health_Check_FullMethodName}),
		),
		grpc.ChainStreamInterceptor(
			auth.StreamJWTInterceptor(verifier, []string{healthv1.Health_Watch_FullMethodName}),
		),
	}
	if tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}
	s := grpc.NewServer(opts...)
	hs := health.NewServer()
	hs.SetServingStatus("", healthv1.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthv1.HealthCheckResponse_SERVING)
	healthv1.RegisterHealthServer(s, hs)
	RegisterSettlementService(s, svc)
	return s, hs
}
