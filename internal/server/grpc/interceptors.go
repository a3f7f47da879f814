package grpcserver

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// LoggingUnary returns a unary server interceptor for structured logging.
// Server-side failures log at error level, everything else at info. Placed
// before AuthUnary it still logs the caller that AuthUnary resolved.
func LoggingUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		ctx, caller := reserveCaller(ctx)
		resp, err := next(ctx, req)
		code := status.Code(err)

		var remote string
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			remote = p.Addr.String()
		}

		lvl := zapcore.InfoLevel
		switch code {
		case codes.Internal, codes.Unknown, codes.DataLoss:
			lvl = zapcore.ErrorLevel
		}
		// metadata only, payloads carry credentials
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("dur", time.Since(start)),
			zap.String("peer", remote),
		}
		if caller.UserID != uuid.Nil {
			fields = append(fields, zap.String("user_id", caller.UserID.String()))
		}
		if lvl == zapcore.ErrorLevel {
			fields = append(fields, zap.Error(err))
		}
		log.Log(lvl, "grpc", fields...)
		return resp, err
	}
}

// RecoverUnary returns a unary server interceptor that recovers from panics.
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
