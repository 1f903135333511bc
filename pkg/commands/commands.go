// Package commands defines the command variants flowing through the interceptor chain.
//
// Each variant carries the attributes the pipeline reads: key(s), value(s), a flag set,
// the topology id it was routed with and, for writes, a mutable success indicator.
package commands

import (
	"fmt"
	"maps"
	"slices"

	"github.com/hyp3rd/hypergrid/pkg/entry"
	"github.com/hyp3rd/hypergrid/pkg/versioning"
)

// Kind tags a command variant.
type Kind uint8

// Command kinds.
const (
	KindGet Kind = iota + 1
	KindGetAll
	KindPut
	KindRemove
	KindReplace
	KindPutAll
	KindClear
	KindEvict
	KindInvalidateL1
	KindPrepare
	KindCommit
	KindRollback
)

func (k Kind) String() string {
	switch k {
	case KindGet:
		return "get"
	case KindGetAll:
		return "get_all"
	case KindPut:
		return "put"
	case KindRemove:
		return "remove"
	case KindReplace:
		return "replace"
	case KindPutAll:
		return "put_all"
	case KindClear:
		return "clear"
	case KindEvict:
		return "evict"
	case KindInvalidateL1:
		return "invalidate_l1"
	case KindPrepare:
		return "prepare"
	case KindCommit:
		return "commit"
	case KindRollback:
		return "rollback"
	}

	return "unknown"
}

// Command is implemented by every variant.
type Command interface {
	Kind() Kind
	Flags() Flags
	SetFlags(f Flags)
	TopologyID() uint64
	SetTopologyID(id uint64)
	// Clone returns a copy safe to hand to another node.
	Clone() Command
}

// KeyCommand is a command addressing a single key.
type KeyCommand interface {
	Command
	Key() string
}

// WriteCommand is a command that modifies data.
type WriteCommand interface {
	Command
	// AffectedKeys lists the keys the command writes, in a stable order.
	AffectedKeys() []string
	IsSuccessful() bool
	// Fail marks the command unsuccessful: it had no effect and must not be
	// replicated or persisted.
	Fail()
	// IsConditional reports whether the outcome depends on the current value.
	IsConditional() bool
	// VersionFor returns the version a primary owner assigned to key.
	VersionFor(key string) (versioning.Version, bool)
	SetVersion(key string, v versioning.Version)
}

// TxCommand is a transaction-completion command.
type TxCommand interface {
	Command
	GlobalTx() GlobalTransaction
}

// Base carries the attributes shared by every variant.
type Base struct {
	F        Flags  `json:"flags"`
	Topology uint64 `json:"topology"`
}

// Flags implements Command.
func (b *Base) Flags() Flags { return b.F }

// SetFlags implements Command.
func (b *Base) SetFlags(f Flags) { b.F = f }

// TopologyID implements Command.
func (b *Base) TopologyID() uint64 { return b.Topology }

// SetTopologyID implements Command.
func (b *Base) SetTopologyID(id uint64) { b.Topology = id }

// WriteBase carries the success indicator and assigned versions of writes.
type WriteBase struct {
	Base

	Unsuccessful bool                          `json:"unsuccessful,omitempty"`
	Versions     map[string]versioning.Version `json:"versions,omitempty"`
}

// IsSuccessful implements WriteCommand.
func (w *WriteBase) IsSuccessful() bool { return !w.Unsuccessful }

// Fail implements WriteCommand.
func (w *WriteBase) Fail() { w.Unsuccessful = true }

// VersionFor implements WriteCommand.
func (w *WriteBase) VersionFor(key string) (versioning.Version, bool) {
	v, ok := w.Versions[key]

	return v, ok
}

// SetVersion implements WriteCommand.
func (w *WriteBase) SetVersion(key string, v versioning.Version) {
	if w.Versions == nil {
		w.Versions = make(map[string]versioning.Version)
	}

	w.Versions[key] = v
}

func (w WriteBase) clone() WriteBase {
	w.Versions = maps.Clone(w.Versions)

	return w
}

// GetCommand reads one key.
type GetCommand struct {
	Base

	K string `json:"key"`
}

// NewGet builds a GetCommand.
func NewGet(key string, flags ...Flags) *GetCommand {
	return &GetCommand{Base: Base{F: Combine(flags...)}, K: key}
}

// Kind implements Command.
func (*GetCommand) Kind() Kind { return KindGet }

// Key implements KeyCommand.
func (c *GetCommand) Key() string { return c.K }

// Clone implements Command.
func (c *GetCommand) Clone() Command {
	cp := *c

	return &cp
}

// GetAllCommand reads several keys.
type GetAllCommand struct {
	Base

	Keys []string `json:"keys"`
}

// NewGetAll builds a GetAllCommand.
func NewGetAll(keys []string, flags ...Flags) *GetAllCommand {
	return &GetAllCommand{Base: Base{F: Combine(flags...)}, Keys: keys}
}

// Kind implements Command.
func (*GetAllCommand) Kind() Kind { return KindGetAll }

// Clone implements Command.
func (c *GetAllCommand) Clone() Command {
	cp := *c
	cp.Keys = slices.Clone(c.Keys)

	return &cp
}

// PutCommand writes a value. With IfAbsent it only writes when the key is absent.
type PutCommand struct {
	WriteBase

	K        string         `json:"key"`
	Value    any            `json:"value"`
	Metadata entry.Metadata `json:"metadata"`
	IfAbsent bool           `json:"if_absent,omitempty"`
}

// NewPut builds a PutCommand.
func NewPut(key string, value any, md entry.Metadata, flags ...Flags) *PutCommand {
	return &PutCommand{WriteBase: WriteBase{Base: Base{F: Combine(flags...)}}, K: key, Value: value, Metadata: md}
}

// NewPutIfAbsent builds a conditional PutCommand.
func NewPutIfAbsent(key string, value any, md entry.Metadata, flags ...Flags) *PutCommand {
	c := NewPut(key, value, md, flags...)
	c.IfAbsent = true

	return c
}

// Kind implements Command.
func (*PutCommand) Kind() Kind { return KindPut }

// Key implements KeyCommand.
func (c *PutCommand) Key() string { return c.K }

// AffectedKeys implements WriteCommand.
func (c *PutCommand) AffectedKeys() []string { return []string{c.K} }

// IsConditional implements WriteCommand.
func (c *PutCommand) IsConditional() bool { return c.IfAbsent }

// Clone implements Command.
func (c *PutCommand) Clone() Command {
	cp := *c
	cp.WriteBase = c.WriteBase.clone()

	return &cp
}

// RemoveCommand removes a key. When Conditional it only removes if the current value
// equals OldValue.
type RemoveCommand struct {
	WriteBase

	K           string `json:"key"`
	OldValue    any    `json:"old_value,omitempty"`
	Conditional bool   `json:"conditional,omitempty"`
}

// NewRemove builds a RemoveCommand.
func NewRemove(key string, flags ...Flags) *RemoveCommand {
	return &RemoveCommand{WriteBase: WriteBase{Base: Base{F: Combine(flags...)}}, K: key}
}

// NewRemoveIfEquals builds a conditional RemoveCommand.
func NewRemoveIfEquals(key string, old any, flags ...Flags) *RemoveCommand {
	c := NewRemove(key, flags...)
	c.OldValue, c.Conditional = old, true

	return c
}

// Kind implements Command.
func (*RemoveCommand) Kind() Kind { return KindRemove }

// Key implements KeyCommand.
func (c *RemoveCommand) Key() string { return c.K }

// AffectedKeys implements WriteCommand.
func (c *RemoveCommand) AffectedKeys() []string { return []string{c.K} }

// IsConditional implements WriteCommand.
func (c *RemoveCommand) IsConditional() bool { return c.Conditional }

// Clone implements Command.
func (c *RemoveCommand) Clone() Command {
	cp := *c
	cp.WriteBase = c.WriteBase.clone()

	return &cp
}

// ReplaceCommand replaces an existing value. When Conditional it only replaces if the
// current value equals OldValue.
type ReplaceCommand struct {
	WriteBase

	K           string         `json:"key"`
	NewValue    any            `json:"new_value"`
	OldValue    any            `json:"old_value,omitempty"`
	Conditional bool           `json:"conditional,omitempty"`
	Metadata    entry.Metadata `json:"metadata"`
}

// NewReplace builds an unconditional ReplaceCommand.
func NewReplace(key string, value any, md entry.Metadata, flags ...Flags) *ReplaceCommand {
	return &ReplaceCommand{WriteBase: WriteBase{Base: Base{F: Combine(flags...)}}, K: key, NewValue: value, Metadata: md}
}

// NewReplaceIfEquals builds a conditional ReplaceCommand.
func NewReplaceIfEquals(key string, old, value any, md entry.Metadata, flags ...Flags) *ReplaceCommand {
	c := NewReplace(key, value, md, flags...)
	c.OldValue, c.Conditional = old, true

	return c
}

// Kind implements Command.
func (*ReplaceCommand) Kind() Kind { return KindReplace }

// Key implements KeyCommand.
func (c *ReplaceCommand) Key() string { return c.K }

// AffectedKeys implements WriteCommand.
func (c *ReplaceCommand) AffectedKeys() []string { return []string{c.K} }

// IsConditional implements WriteCommand.
func (c *ReplaceCommand) IsConditional() bool { return true }

// Clone implements Command.
func (c *ReplaceCommand) Clone() Command {
	cp := *c
	cp.WriteBase = c.WriteBase.clone()

	return &cp
}

// PutAllCommand writes several keys at once.
type PutAllCommand struct {
	WriteBase

	Entries  map[string]any `json:"entries"`
	Metadata entry.Metadata `json:"metadata"`
}

// NewPutAll builds a PutAllCommand.
func NewPutAll(entries map[string]any, md entry.Metadata, flags ...Flags) *PutAllCommand {
	return &PutAllCommand{WriteBase: WriteBase{Base: Base{F: Combine(flags...)}}, Entries: entries, Metadata: md}
}

// Kind implements Command.
func (*PutAllCommand) Kind() Kind { return KindPutAll }

// AffectedKeys implements WriteCommand.
func (c *PutAllCommand) AffectedKeys() []string {
	keys := slices.Collect(maps.Keys(c.Entries))
	slices.Sort(keys)

	return keys
}

// IsConditional implements WriteCommand.
func (*PutAllCommand) IsConditional() bool { return false }

// Subset returns a copy restricted to keys.
func (c *PutAllCommand) Subset(keys []string) *PutAllCommand {
	sub := &PutAllCommand{WriteBase: c.WriteBase.clone(), Entries: make(map[string]any, len(keys)), Metadata: c.Metadata}
	for _, k := range keys {
		if v, ok := c.Entries[k]; ok {
			sub.Entries[k] = v
		}
	}

	return sub
}

// Clone implements Command.
func (c *PutAllCommand) Clone() Command {
	cp := *c
	cp.WriteBase = c.WriteBase.clone()
	cp.Entries = maps.Clone(c.Entries)

	return &cp
}

// ClearCommand removes every entry.
type ClearCommand struct {
	Base
}

// NewClear builds a ClearCommand.
func NewClear(flags ...Flags) *ClearCommand {
	return &ClearCommand{Base: Base{F: Combine(flags...)}}
}

// Kind implements Command.
func (*ClearCommand) Kind() Kind { return KindClear }

// Clone implements Command.
func (c *ClearCommand) Clone() Command {
	cp := *c

	return &cp
}

// EvictCommand removes a key from memory only. With passivation enabled the value
// moves to the external store first.
type EvictCommand struct {
	WriteBase

	K string `json:"key"`
}

// NewEvict builds an EvictCommand. Evictions never wait for locks and stay local.
func NewEvict(key string, flags ...Flags) *EvictCommand {
	f := Combine(flags...).With(ZeroLockTimeout | CacheModeLocal)

	return &EvictCommand{WriteBase: WriteBase{Base: Base{F: f}}, K: key}
}

// Kind implements Command.
func (*EvictCommand) Kind() Kind { return KindEvict }

// Key implements KeyCommand.
func (c *EvictCommand) Key() string { return c.K }

// AffectedKeys implements WriteCommand.
func (c *EvictCommand) AffectedKeys() []string { return []string{c.K} }

// IsConditional implements WriteCommand.
func (*EvictCommand) IsConditional() bool { return false }

// Clone implements Command.
func (c *EvictCommand) Clone() Command {
	cp := *c
	cp.WriteBase = c.WriteBase.clone()

	return &cp
}

// InvalidateL1Command drops L1 copies of keys on the receiving node.
type InvalidateL1Command struct {
	Base

	Keys []string `json:"keys"`
}

// NewInvalidateL1 builds an InvalidateL1Command.
func NewInvalidateL1(keys []string) *InvalidateL1Command {
	return &InvalidateL1Command{Base: Base{F: CacheModeLocal | SkipStatistics}, Keys: keys}
}

// Kind implements Command.
func (*InvalidateL1Command) Kind() Kind { return KindInvalidateL1 }

// Clone implements Command.
func (c *InvalidateL1Command) Clone() Command {
	cp := *c
	cp.Keys = slices.Clone(c.Keys)

	return &cp
}

// GlobalTransaction identifies a transaction cluster-wide.
type GlobalTransaction struct {
	ID     uint64 `json:"id"`
	Origin string `json:"origin"`
}

func (g GlobalTransaction) String() string { return fmt.Sprintf("gtx:%s:%d", g.Origin, g.ID) }

// PrepareCommand is the first phase of a transaction. OnePhase folds the commit in.
type PrepareCommand struct {
	Base

	Tx            GlobalTransaction             `json:"tx"`
	Modifications []WriteCommand                `json:"-"`
	VersionsSeen  map[string]versioning.Version `json:"versions_seen,omitempty"`
	OnePhase      bool                          `json:"one_phase"`
}

// Kind implements Command.
func (*PrepareCommand) Kind() Kind { return KindPrepare }

// GlobalTx implements TxCommand.
func (c *PrepareCommand) GlobalTx() GlobalTransaction { return c.Tx }

// AffectedKeys returns the sorted, de-duplicated keys written by the modifications.
func (c *PrepareCommand) AffectedKeys() []string {
	seen := make(map[string]struct{})

	for _, m := range c.Modifications {
		for _, k := range m.AffectedKeys() {
			seen[k] = struct{}{}
		}
	}

	keys := slices.Collect(maps.Keys(seen))
	slices.Sort(keys)

	return keys
}

// Clone implements Command.
func (c *PrepareCommand) Clone() Command {
	cp := *c
	cp.VersionsSeen = maps.Clone(c.VersionsSeen)

	cp.Modifications = make([]WriteCommand, 0, len(c.Modifications))
	for _, m := range c.Modifications {
		if wc, ok := m.Clone().(WriteCommand); ok {
			cp.Modifications = append(cp.Modifications, wc)
		}
	}

	return &cp
}

// CommitCommand is the second phase of a two-phase transaction.
type CommitCommand struct {
	Base

	Tx              GlobalTransaction             `json:"tx"`
	UpdatedVersions map[string]versioning.Version `json:"updated_versions,omitempty"`
}

// Kind implements Command.
func (*CommitCommand) Kind() Kind { return KindCommit }

// GlobalTx implements TxCommand.
func (c *CommitCommand) GlobalTx() GlobalTransaction { return c.Tx }

// Clone implements Command.
func (c *CommitCommand) Clone() Command {
	cp := *c
	cp.UpdatedVersions = maps.Clone(c.UpdatedVersions)

	return &cp
}

// RollbackCommand aborts a transaction.
type RollbackCommand struct {
	Base

	Tx GlobalTransaction `json:"tx"`
}

// Kind implements Command.
func (*RollbackCommand) Kind() Kind { return KindRollback }

// GlobalTx implements TxCommand.
func (c *RollbackCommand) GlobalTx() GlobalTransaction { return c.Tx }

// Clone implements Command.
func (c *RollbackCommand) Clone() Command {
	cp := *c

	return &cp
}

// IsWrite reports whether cmd modifies data.
func IsWrite(cmd Command) bool {
	_, ok := cmd.(WriteCommand)

	return ok
}
