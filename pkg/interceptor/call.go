package interceptor

import (
	"time"

	"github.com/hyp3rd/hypergrid/pkg/commands"
	"github.com/hyp3rd/hypergrid/pkg/container"
	"github.com/hyp3rd/hypergrid/pkg/entry"
	"github.com/hyp3rd/hypergrid/pkg/invocation"
	"github.com/hyp3rd/hypergrid/pkg/stage"
)

// Call is the terminal interceptor: it performs each command against the context
// shadows. Nothing is published here; publication is the job of EntryWrapping.
type Call struct {
	Base

	container container.Container
	clock     func() time.Time
}

// NewCall builds the terminal interceptor.
func NewCall(c container.Container, clock func() time.Time) *Call {
	if clock == nil {
		clock = time.Now
	}

	return &Call{container: c, clock: clock}
}

// entry returns the shadow of key, seeding it from the container when the chain
// wrapped nothing.
func (c *Call) entry(ctx *invocation.Context, key string) *invocation.Entry {
	if e, ok := ctx.Lookup(key); ok {
		return e
	}

	ie, _ := c.container.Get(key)
	e := invocation.NewEntry(key, ie, false)
	ctx.PutEntry(e)

	return e
}

func (*Call) metadata(cmd commands.WriteCommand, key string, md entry.Metadata) entry.Metadata {
	if v, ok := cmd.VersionFor(key); ok {
		md.Version = v
	}

	md.L1 = false

	return md
}

func (c *Call) VisitGet(ctx *invocation.Context, cmd *commands.GetCommand, _ Next) *stage.Stage {
	e := c.entry(ctx, cmd.Key())

	if !ctx.IsOriginLocal() {
		if ie := e.Snapshot(c.clock()); ie != nil {
			return stage.Completed(ie)
		}

		return stage.Completed(nil)
	}

	if !e.Exists() {
		return stage.Completed(nil)
	}

	return stage.Completed(e.Value)
}

func (c *Call) VisitGetAll(ctx *invocation.Context, cmd *commands.GetAllCommand, _ Next) *stage.Stage {
	out := make(map[string]any, len(cmd.Keys))

	for _, k := range cmd.Keys {
		if e := c.entry(ctx, k); e.Exists() {
			out[k] = e.Value
		}
	}

	return stage.Completed(out)
}

func (c *Call) VisitPut(ctx *invocation.Context, cmd *commands.PutCommand, _ Next) *stage.Stage {
	e := c.entry(ctx, cmd.Key())

	var prev any
	if e.Exists() {
		prev = e.Value
	}

	if cmd.IfAbsent && e.Exists() {
		cmd.Fail()

		return stage.Completed(prev)
	}

	e.Metadata = c.metadata(cmd, cmd.Key(), cmd.Metadata)
	e.SetValue(cmd.Value)

	if cmd.Flags().Has(commands.ForceReturnValue) {
		return stage.Completed(prev)
	}

	return stage.Completed(nil)
}

func (c *Call) VisitRemove(ctx *invocation.Context, cmd *commands.RemoveCommand, _ Next) *stage.Stage {
	e := c.entry(ctx, cmd.Key())

	if !e.Exists() {
		cmd.Fail()

		if cmd.Conditional {
			return stage.Completed(false)
		}

		return stage.Completed(nil)
	}

	prev := e.Value

	if cmd.Conditional {
		if !commands.ValuesEqual(prev, cmd.OldValue) {
			cmd.Fail()

			return stage.Completed(false)
		}

		e.SetRemoved()

		return stage.Completed(true)
	}

	e.SetRemoved()

	return stage.Completed(prev)
}

func (c *Call) VisitReplace(ctx *invocation.Context, cmd *commands.ReplaceCommand, _ Next) *stage.Stage {
	e := c.entry(ctx, cmd.Key())

	if !e.Exists() {
		cmd.Fail()

		if cmd.Conditional {
			return stage.Completed(false)
		}

		return stage.Completed(nil)
	}

	prev := e.Value

	if cmd.Conditional && !commands.ValuesEqual(prev, cmd.OldValue) {
		cmd.Fail()

		return stage.Completed(false)
	}

	e.Metadata = c.metadata(cmd, cmd.Key(), cmd.Metadata)
	e.SetValue(cmd.NewValue)

	if cmd.Conditional {
		return stage.Completed(true)
	}

	return stage.Completed(prev)
}

func (c *Call) VisitPutAll(ctx *invocation.Context, cmd *commands.PutAllCommand, _ Next) *stage.Stage {
	for _, k := range cmd.AffectedKeys() {
		e := c.entry(ctx, k)
		e.Metadata = c.metadata(cmd, k, cmd.Metadata)
		e.SetValue(cmd.Entries[k])
	}

	return stage.Completed(nil)
}

func (c *Call) VisitClear(ctx *invocation.Context, _ *commands.ClearCommand, _ Next) *stage.Stage {
	c.container.Clear()
	ctx.ClearEntries()

	return stage.Completed(nil)
}

func (c *Call) VisitEvict(ctx *invocation.Context, cmd *commands.EvictCommand, _ Next) *stage.Stage {
	e := c.entry(ctx, cmd.Key())
	if !e.Exists() {
		cmd.Fail()

		return stage.Completed(nil)
	}

	e.SetEvicted()

	return stage.Completed(nil)
}

func (c *Call) VisitInvalidateL1(ctx *invocation.Context, cmd *commands.InvalidateL1Command, _ Next) *stage.Stage {
	for _, k := range cmd.Keys {
		if ie, ok := c.container.Peek(k); ok && ie.Metadata.L1 {
			c.container.Remove(k)
		}

		if e, ok := ctx.Lookup(k); ok && e.IsL1() {
			ctx.RemoveEntry(k)
		}
	}

	return stage.Completed(nil)
}

func (*Call) VisitPrepare(*invocation.Context, *commands.PrepareCommand, Next) *stage.Stage {
	return stage.Completed(nil)
}

func (*Call) VisitCommit(*invocation.Context, *commands.CommitCommand, Next) *stage.Stage {
	return stage.Completed(nil)
}

func (*Call) VisitRollback(*invocation.Context, *commands.RollbackCommand, Next) *stage.Stage {
	return stage.Completed(nil)
}
