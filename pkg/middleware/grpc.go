package middleware

import (
	"context"
	"errors"

	"github.com/boogy/m2m-auth/pkg/handler"
	"github.com/boogy/m2m-auth/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// UnaryServerInterceptor verifies the "authorization" metadata of unary calls
func (a *Authenticator) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		if a.skip(info.FullMethod) {
			return next(ctx, req)
		}

		ctx, err := a.authenticateRPC(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return next(ctx, req)
	}
}

// StreamServerInterceptor verifies the "authorization" metadata of streams
func (a *Authenticator) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, next grpc.StreamHandler) error {
		if a.skip(info.FullMethod) {
			return next(srv, ss)
		}

		ctx, err := a.authenticateRPC(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return next(srv, &claimsStream{ServerStream: ss, ctx: ctx})
	}
}

func (a *Authenticator) authenticateRPC(ctx context.Context, method string) (context.Context, error) {
	authorization, err := authorizationFromMetadata(ctx)
	if err != nil {
		return ctx, grpcError(err)
	}

	claims, err := a.authenticate(ctx, authorization, method)
	if err != nil {
		return ctx, grpcError(err)
	}
	return WithClaims(ctx, claims), nil
}

// authorizationFromMetadata reads the single "authorization" entry; gRPC lowercases keys
func authorizationFromMetadata(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ErrMissingToken
	}

	values := md.Get("authorization")
	switch len(values) {
	case 0:
		return "", ErrMissingToken
	case 1:
		return values[0], nil
	default:
		return "", ErrMultipleTokens
	}
}

func grpcError(err error) error {
	switch {
	case errors.Is(err, ErrMissingToken), errors.Is(err, handler.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, "unauthenticated")
	case errors.Is(err, ErrMultipleTokens), errors.Is(err, handler.ErrInvalidAuthScheme),
		errors.Is(err, handler.ErrEmptyToken), errors.Is(err, handler.ErrTokenTooLarge):
		return status.Error(codes.InvalidArgument, "invalid authorization metadata")
	case errors.Is(err, handler.ErrVerifierUnavailable):
		return status.Error(codes.Unavailable, "token verification is temporarily unavailable")
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

type claimsStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *claimsStream) Context() context.Context {
	return s.ctx
}

// ClaimsFromStream is ClaimsFromContext for stream handlers
func ClaimsFromStream(ss grpc.ServerStream) (*types.Claims, bool) {
	return ClaimsFromContext(ss.Context())
}
