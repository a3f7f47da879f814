package grpcserver

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Caller is the authenticated principal of one call.
type Caller struct {
	UserID    uuid.UUID
	ExpiresAt time.Time
}

type callerKey struct{}

// reserveCaller installs an empty caller that AuthUnary, running later in the
// chain, fills in. The returned pointer is read once the handler returns.
func reserveCaller(ctx context.Context) (context.Context, *Caller) {
	c := new(Caller)
	return context.WithValue(ctx, callerKey{}, c), c
}

// WithCaller records c, filling a reserved caller when there is one.
func WithCaller(ctx context.Context, c Caller) context.Context {
	if slot, ok := ctx.Value(callerKey{}).(*Caller); ok && slot.UserID == uuid.Nil {
		*slot = c
		return ctx
	}
	return context.WithValue(ctx, callerKey{}, &c)
}

// CallerFrom returns the authenticated caller of ctx.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(*Caller)
	if !ok || c.UserID == uuid.Nil {
		return Caller{}, false
	}
	return *c, true
}
