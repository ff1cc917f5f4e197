package grpcserver

import (
	"context"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/and161185/presence/internal/auth"
)

// callNote collects what inner layers learn about a call for the access log line.
type callNote struct {
	who     auth.Identity
	authed  bool
	outcome string
}

type callNoteKey struct{}

func noteFrom(ctx context.Context) *callNote {
	n, _ := ctx.Value(callNoteKey{}).(*callNote)
	return n
}

// noteCaller records the authenticated caller when the call is being logged.
func noteCaller(ctx context.Context, who auth.Identity) {
	if n := noteFrom(ctx); n != nil {
		n.who, n.authed = who, true
	}
}

// noteOutcome records a submission's terminal outcome when the call is being logged.
func noteOutcome(ctx context.Context, outcome string) {
	if n := noteFrom(ctx); n != nil {
		n.outcome = outcome
	}
}

// LoggingUnary logs one line per call: method, status, latency, peer, and, once auth
// and the handler have run, the caller and the submission outcome. Payloads are never logged.
func LoggingUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		note := &callNote{}
		resp, err := next(context.WithValue(ctx, callNoteKey{}, note), req)

		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("dur", time.Since(start)),
			zap.String("peer", remoteIP(ctx)),
		}
		if note.authed {
			fields = append(fields, zap.String("role", string(note.who.Role)), zap.String("user_id", note.who.UserID.String()))
		}
		if note.outcome != "" {
			fields = append(fields, zap.String("outcome", note.outcome))
		}
		if status.Code(err) == codes.Internal || status.Code(err) == codes.Unavailable {
			log.Warn("grpc", fields...)
		} else {
			log.Info("grpc", fields...)
		}
		return resp, err
	}
}

// RecoverUnary turns a handler panic into codes.Internal.
func RecoverUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic",
					zap.Any("reason", r),
					zap.ByteString("stack", debug.Stack()),
					zap.String("method", info.FullMethod),
				)
				err = status.Error(codes.Internal, "internal")
			}
		}()
		return next(ctx, req)
	}
}
