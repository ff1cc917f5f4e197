package grpcserver

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	pb "github.com/and161185/presence/internal/api/presencev1"
	"github.com/and161185/presence/internal/auth"
)

func bearerTokenFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("no metadata")
	}
	for _, v := range md.Get("authorization") {
		if t, ok := auth.BearerFromHeader(v); ok {
			return t, nil
		}
	}
	return "", errors.New("no bearer token")
}

// AuthUnary verifies the bearer JWT on every presence.v1 method and stores the
// caller identity in context. Other services (health, reflection) pass through.
func AuthUnary(v *auth.Verifier) grpc.UnaryServerInterceptor {
	prefix := "/" + pb.ServiceName + "/"
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		if !strings.HasPrefix(info.FullMethod, prefix) {
			return next(ctx, req)
		}
		tok, err := bearerTokenFromMD(ctx)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "no auth")
		}
		who, err := v.Verify(tok)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		noteCaller(ctx, who)
		return next(auth.WithIdentity(ctx, who), req)
	}
}

// requireRole returns the caller when it holds role.
func requireRole(ctx context.Context, role auth.Role) (auth.Identity, error) {
	who, ok := auth.IdentityFromCtx(ctx)
	if !ok {
		return auth.Identity{}, status.Error(codes.Unauthenticated, "no auth")
	}
	if who.Role != role {
		return auth.Identity{}, status.Errorf(codes.PermissionDenied, "%s role required", role)
	}
	return who, nil
}
