// Package invocation holds the per-call state carried through the interceptor chain:
// the invocation context, its context-local entry shadows and, for transactional
// calls, the transaction those shadows belong to.
package invocation

import (
	"context"
	"slices"
	"sync"
)

// scope holds shadows and lock bookkeeping. A non-transactional context owns its
// scope; a transactional context shares the transaction's scope across calls.
type scope struct {
	mu      sync.Mutex
	entries map[string]*Entry
	order   []string
	locked  []string
}

func newScope() *scope { return &scope{entries: make(map[string]*Entry)} }

// Context is the per-invocation state.
type Context struct {
	goctx  context.Context //nolint:containedctx // carried for I/O issued by interceptors
	origin string          // "" = local
	tx     *Transaction
	scope  *scope
}

// NewLocal creates a context for a non-transactional call issued on this node.
func NewLocal(ctx context.Context) *Context {
	return &Context{goctx: ctx, scope: newScope()}
}

// NewRemote creates a context for a non-transactional command received from origin.
func NewRemote(ctx context.Context, origin string) *Context {
	return &Context{goctx: ctx, origin: origin, scope: newScope()}
}

// NewTx creates a context for a call inside a local transaction.
func NewTx(ctx context.Context, tx *Transaction) *Context {
	return &Context{goctx: ctx, tx: tx, scope: tx.scope}
}

// NewRemoteTx creates a context for a transaction command received from origin.
func NewRemoteTx(ctx context.Context, origin string, tx *Transaction) *Context {
	return &Context{goctx: ctx, origin: origin, tx: tx, scope: tx.scope}
}

// Context returns the Go context for I/O.
func (c *Context) Context() context.Context { return c.goctx }

// IsOriginLocal reports whether the call started on this node.
func (c *Context) IsOriginLocal() bool { return c.origin == "" }

// Origin returns the id of the node that sent the command, or "" when local.
func (c *Context) Origin() string { return c.origin }

// IsInTx reports whether the call belongs to a transaction.
func (c *Context) IsInTx() bool { return c.tx != nil }

// Tx returns the transaction, nil when not transactional.
func (c *Context) Tx() *Transaction { return c.tx }

// LockOwner returns the identity locks are acquired under: the global transaction
// for transactional calls, the context itself otherwise.
func (c *Context) LockOwner() any {
	if c.tx != nil {
		return c.tx.gtx
	}

	return c
}

// Lookup returns the shadow for key.
func (c *Context) Lookup(key string) (*Entry, bool) {
	c.scope.mu.Lock()
	defer c.scope.mu.Unlock()

	e, ok := c.scope.entries[key]

	return e, ok
}

// PutEntry installs a shadow, replacing any previous one for the same key.
func (c *Context) PutEntry(e *Entry) {
	c.scope.mu.Lock()
	defer c.scope.mu.Unlock()

	if _, ok := c.scope.entries[e.Key]; !ok {
		c.scope.order = append(c.scope.order, e.Key)
	}

	c.scope.entries[e.Key] = e
}

// RemoveEntry drops the shadow for key.
func (c *Context) RemoveEntry(key string) {
	c.scope.mu.Lock()
	defer c.scope.mu.Unlock()

	if _, ok := c.scope.entries[key]; !ok {
		return
	}

	delete(c.scope.entries, key)
	c.scope.order = slices.DeleteFunc(c.scope.order, func(k string) bool { return k == key })
}

// Entries returns the shadows in wrapping order.
func (c *Context) Entries() []*Entry {
	c.scope.mu.Lock()
	defer c.scope.mu.Unlock()

	out := make([]*Entry, 0, len(c.scope.order))
	for _, k := range c.scope.order {
		out = append(out, c.scope.entries[k])
	}

	return out
}

// ClearEntries drops every shadow.
func (c *Context) ClearEntries() {
	c.scope.mu.Lock()
	defer c.scope.mu.Unlock()

	c.scope.entries = make(map[string]*Entry)
	c.scope.order = nil
}

// HasLock reports whether the context holds the lock on key.
func (c *Context) HasLock(key string) bool {
	c.scope.mu.Lock()
	defer c.scope.mu.Unlock()

	return slices.Contains(c.scope.locked, key)
}

// AddLockedKey records a lock acquisition.
func (c *Context) AddLockedKey(key string) {
	c.scope.mu.Lock()
	defer c.scope.mu.Unlock()

	if !slices.Contains(c.scope.locked, key) {
		c.scope.locked = append(c.scope.locked, key)
	}
}

// TakeLockedKeys returns the held keys in acquisition order and forgets them.
func (c *Context) TakeLockedKeys() []string {
	c.scope.mu.Lock()
	defer c.scope.mu.Unlock()

	keys := c.scope.locked
	c.scope.locked = nil

	return keys
}

// LockedKeys returns a copy of the held keys in acquisition order.
func (c *Context) LockedKeys() []string {
	c.scope.mu.Lock()
	defer c.scope.mu.Unlock()

	return slices.Clone(c.scope.locked)
}
