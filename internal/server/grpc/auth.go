package grpcserver

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/and161185/banksync/internal/api"
	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// userIDFromCtx returns the user placed by AuthUnary or, failing that,
// verifies the "authorization: Bearer <JWT>" metadata (HS256, sub is a UUID).
func (s *Server) userIDFromCtx(ctx context.Context) (uuid.UUID, error) {
	if c, ok := CallerFrom(ctx); ok {
		return c.UserID, nil
	}
	c, err := verifyBearer(ctx, s.signKey)
	return c.UserID, err
}

func verifyBearer(ctx context.Context, signKey []byte) (Caller, error) {
	tok, err := bearerTokenFromMD(ctx)
	if err != nil {
		return Caller{}, err
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return signKey, nil
	})
	if err != nil || !parsed.Valid {
		return Caller{}, errors.New("invalid token")
	}

	v := jwt.NewValidator(jwt.WithLeeway(30 * time.Second))
	if err := v.Validate(&claims); err != nil {
		return Caller{}, errors.New("token expired or not valid yet")
	}

	id, err := uuid.FromString(claims.Subject)
	if err != nil || id == uuid.Nil {
		return Caller{}, errors.New("bad subject")
	}
	c := Caller{UserID: id}
	if claims.ExpiresAt != nil {
		c.ExpiresAt = claims.ExpiresAt.Time
	}
	return c, nil
}

func bearerTokenFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("no metadata")
	}
	for _, v := range md.Get("authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			t := strings.TrimSpace(v[7:])
			if t != "" {
				return t, nil
			}
		}
	}
	return "", errors.New("no bearer token")
}

// AuthUnary verifies the bearer token once per BankSync call and records the
// caller in the context. Other services (health) pass through untouched.
func AuthUnary(signKey []byte) grpc.UnaryServerInterceptor {
	prefix := "/" + api.ServiceName + "/"
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		if !strings.HasPrefix(info.FullMethod, prefix) {
			return next(ctx, req)
		}
		c, err := verifyBearer(ctx, signKey)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "no auth")
		}
		return next(WithCaller(ctx, c), req)
	}
}
