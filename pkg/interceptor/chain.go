package interceptor

import (
	"context"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/commands"
	"github.com/hyp3rd/hypergrid/pkg/invocation"
	"github.com/hyp3rd/hypergrid/pkg/stage"
)

// snapshot is an immutable chain layout.
type snapshot struct {
	list     []Visitor
	terminal Visitor
}

// Chain is an ordered list of interceptors followed by a fixed terminal one.
// Invocations read an immutable snapshot; mutations build a new snapshot under a
// single mutex and swap it in, so in-flight invocations keep the layout they
// started with.
type Chain struct {
	mu      sync.Mutex
	current atomic.Pointer[snapshot]
}

// NewChain builds a chain ending in terminal (usually the Call interceptor).
// Duplicate interceptor types are rejected.
func NewChain(terminal Visitor, interceptors ...Visitor) (*Chain, error) {
	c := &Chain{}
	c.current.Store(&snapshot{terminal: terminal})

	for _, i := range interceptors {
		err := c.Insert(-1, i)
		if err != nil {
			return nil, err
		}
	}

	return c, nil
}

func typeOf(i any) reflect.Type { return reflect.TypeOf(i) }

func indexOf(list []Visitor, t reflect.Type) int {
	return slices.IndexFunc(list, func(v Visitor) bool { return typeOf(v) == t })
}

// mutate applies fn to a copy of the current list and publishes the result.
func (c *Chain) mutate(fn func(list []Visitor) ([]Visitor, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.current.Load()

	list, err := fn(slices.Clone(cur.list))
	if err != nil {
		return err
	}

	c.current.Store(&snapshot{list: list, terminal: cur.terminal})

	return nil
}

func duplicate(list []Visitor, i Visitor) error {
	if i == nil {
		return ewrap.Wrap(sentinel.ErrChainConfiguration, "nil interceptor")
	}

	if indexOf(list, typeOf(i)) >= 0 {
		return ewrap.Wrapf(sentinel.ErrChainConfiguration, "%s already present", typeOf(i))
	}

	return nil
}

func missing(t reflect.Type) error {
	return ewrap.Wrapf(sentinel.ErrChainConfiguration, "%s not present", t)
}

// Insert places i at pos; a negative or out-of-range pos appends.
func (c *Chain) Insert(pos int, i Visitor) error {
	return c.mutate(func(list []Visitor) ([]Visitor, error) {
		err := duplicate(list, i)
		if err != nil {
			return nil, err
		}

		if pos < 0 || pos > len(list) {
			pos = len(list)
		}

		return slices.Insert(list, pos, i), nil
	})
}

// InsertAfter places i right after the interceptor of type after.
func (c *Chain) InsertAfter(i Visitor, after reflect.Type) error {
	return c.mutate(func(list []Visitor) ([]Visitor, error) {
		err := duplicate(list, i)
		if err != nil {
			return nil, err
		}

		idx := indexOf(list, after)
		if idx < 0 {
			return nil, missing(after)
		}

		return slices.Insert(list, idx+1, i), nil
	})
}

// InsertBefore places i right before the interceptor of type before.
func (c *Chain) InsertBefore(i Visitor, before reflect.Type) error {
	return c.mutate(func(list []Visitor) ([]Visitor, error) {
		err := duplicate(list, i)
		if err != nil {
			return nil, err
		}

		idx := indexOf(list, before)
		if idx < 0 {
			return nil, missing(before)
		}

		return slices.Insert(list, idx, i), nil
	})
}

// Replace swaps the interceptor of type existing for i.
func (c *Chain) Replace(i Visitor, existing reflect.Type) error {
	return c.mutate(func(list []Visitor) ([]Visitor, error) {
		idx := indexOf(list, existing)
		if idx < 0 {
			return nil, missing(existing)
		}

		if typeOf(i) != existing {
			err := duplicate(list, i)
			if err != nil {
				return nil, err
			}
		}

		list[idx] = i

		return list, nil
	})
}

// Remove drops the interceptor of type t.
func (c *Chain) Remove(t reflect.Type) error {
	return c.mutate(func(list []Visitor) ([]Visitor, error) {
		idx := indexOf(list, t)
		if idx < 0 {
			return nil, missing(t)
		}

		return slices.Delete(list, idx, idx+1), nil
	})
}

// RemoveIfPresent drops the interceptor of type t and reports whether it was there.
func (c *Chain) RemoveIfPresent(t reflect.Type) bool {
	return c.Remove(t) == nil
}

// Contains reports whether an interceptor of type t is present.
func (c *Chain) Contains(t reflect.Type) bool {
	return indexOf(c.current.Load().list, t) >= 0
}

// Find returns the interceptor of type t.
func (c *Chain) Find(t reflect.Type) (Visitor, bool) {
	list := c.current.Load().list

	idx := indexOf(list, t)
	if idx < 0 {
		return nil, false
	}

	return list[idx], true
}

// Interceptors returns the current layout, terminal excluded.
func (c *Chain) Interceptors() []Visitor { return slices.Clone(c.current.Load().list) }

// InvokeAsync runs cmd from the first interceptor and returns its stage.
func (c *Chain) InvokeAsync(ctx *invocation.Context, cmd commands.Command) *stage.Stage {
	return Next{snap: c.current.Load()}.Invoke(ctx, cmd)
}

// Invoke runs cmd and waits for the outcome, honoring the invocation's context.
func (c *Chain) Invoke(ctx *invocation.Context, cmd commands.Command) (any, error) {
	goctx := ctx.Context()
	if goctx == nil {
		goctx = context.Background()
	}

	return c.InvokeAsync(ctx, cmd).Get(goctx)
}

// TypeOf returns the chain identity of an interceptor value, for use with the
// type-based mutations.
func TypeOf(i Visitor) reflect.Type { return typeOf(i) }
