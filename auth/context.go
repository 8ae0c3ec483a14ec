package auth

import (
	"context"

	"github.com/isdmx/codejail/sandbox"
)

type hostKey struct{}

// WithHost returns a copy of ctx carrying id.
func WithHost(ctx context.Context, id sandbox.HostIdentity) context.Context {
	return context.WithValue(ctx, hostKey{}, id)
}

// HostFromContext returns the identity stored by WithHost.
func HostFromContext(ctx context.Context) (sandbox.HostIdentity, bool) {
	id, ok := ctx.Value(hostKey{}).(sandbox.HostIdentity)
	return id, ok && id.ID != ""
}
