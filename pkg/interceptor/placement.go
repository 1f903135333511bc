package interceptor

import (
	"context"

	"github.com/hyp3rd/hypergrid/pkg/distribution"
	"github.com/hyp3rd/hypergrid/pkg/invocation"
	"github.com/hyp3rd/hypergrid/pkg/persistence"
)

// placement answers ownership questions. A nil manager means a standalone node that
// owns every key as primary.
type placement struct {
	dm *distribution.Manager
}

func (p placement) clustered() bool { return p.dm != nil }

func (p placement) owns(key string) bool { return p.dm == nil || p.dm.IsOwner(key) }

func (p placement) primary(key string) bool { return p.dm == nil || p.dm.IsPrimary(key) }

// storeMode restricts shared stores to the primary owner.
func (p placement) storeMode(key string) persistence.Mode {
	if p.primary(key) {
		return persistence.All
	}

	return persistence.PrivateOnly
}

func (p placement) ownedKeys(keys []string) []string {
	out := make([]string, 0, len(keys))

	for _, k := range keys {
		if p.owns(k) {
			out = append(out, k)
		}
	}

	return out
}

func (p placement) primaryKeys(keys []string) []string {
	out := make([]string, 0, len(keys))

	for _, k := range keys {
		if p.primary(k) {
			out = append(out, k)
		}
	}

	return out
}

// goContext returns the Go context of an invocation, never nil.
func goContext(ctx *invocation.Context) context.Context {
	if c := ctx.Context(); c != nil {
		return c
	}

	return context.Background()
}

// shadow returns the shadow of key, creating an absent one when the key was never
// wrapped.
func shadow(ctx *invocation.Context, key string) *invocation.Entry {
	if e, ok := ctx.Lookup(key); ok {
		return e
	}

	e := invocation.NewEntry(key, nil, false)
	ctx.PutEntry(e)

	return e
}
