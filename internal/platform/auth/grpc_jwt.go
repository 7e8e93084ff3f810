package auth

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type methodSet map[string]struct{}

func newMethodSet(methods []string) methodSet {
	s := make(methodSet, len(methods))
	for _, m := range methods {
		s[m] = struct{}{}
	}
	return s
}

func (s methodSet) has(m string) bool {
	_, ok := s[m]
	return ok
}

// principalFromMetadata verifies the bearer token in the "authorization"
// metadata and returns ctx carrying the principal.
func principalFromMetadata(ctx context.Context, verifier *JWTVerifier) (context.Context, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return nil, status.Error(codes.Unauthenticated, ErrMissingBearer.Error())
	}
	token, err := bearerToken(vals[0])
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	p, err := verifier.ParsePrincipal(token)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}
	return WithPrincipal(ctx, p), nil
}

// UnaryJWTInterceptor authenticates every unary call except the listed full
// method names.
func UnaryJWTInterceptor(verifier *JWTVerifier, allowUnauthenticatedMethods []string) grpc.UnaryServerInterceptor {
	open := newMethodSet(allowUnauthenticatedMethods)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if open.has(info.FullMethod) {
			return handler(ctx, req)
		}
		ctx, err := principalFromMetadata(ctx, verifier)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

type principalStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s principalStream) Context() context.Context { return s.ctx }

// StreamJWTInterceptor is the streaming counterpart of UnaryJWTInterceptor.
func StreamJWTInterceptor(verifier *JWTVerifier, allowUnauthenticatedMethods []string) grpc.StreamServerInterceptor {
	open := newMethodSet(allowUnauthenticatedMethods)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if open.has(info.FullMethod) {
			return handler(srv, ss)
		}
		ctx, err := principalFromMetadata(ss.Context(), verifier)
		if err != nil {
			return err
		}
		return handler(srv, principalStream{ServerStream: ss, ctx: ctx})
	}
}
