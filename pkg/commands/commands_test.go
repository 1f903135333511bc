package commands

import (
	"errors"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/entry"
	"github.com/hyp3rd/hypergrid/pkg/versioning"
)

func TestFlags(t *testing.T) {
	f := Combine(SkipLoad, ForceReturnValue)

	assert.True(t, f.Has(SkipLoad))
	assert.True(t, f.Has(SkipLoad|ForceReturnValue))
	assert.False(t, f.Has(SkipLocking))
	assert.False(t, f.Without(SkipLoad).Has(SkipLoad))
	assert.Equal(t, "SKIP_LOAD|FORCE_RETURN_VALUE", f.String())
	assert.Equal(t, "NONE", Flags(0).String())
}

func TestClone_IsIndependent(t *testing.T) {
	put := NewPut("k", 1, entry.Metadata{})
	put.SetVersion("k", versioning.Version{Counter: 1})

	cp, ok := put.Clone().(*PutCommand)
	assert.True(t, ok)

	cp.Fail()
	cp.SetFlags(BackupWrite)
	cp.SetVersion("k", versioning.Version{Counter: 2})

	assert.True(t, put.IsSuccessful())
	assert.False(t, put.Flags().Has(BackupWrite))

	v, _ := put.VersionFor("k")
	assert.Equal(t, uint64(1), v.Counter)
}

func TestPutAll_SubsetAndKeys(t *testing.T) {
	pa := NewPutAll(map[string]any{"b": 2, "a": 1, "c": 3}, entry.Metadata{})

	assert.Equal(t, []string{"a", "b", "c"}, pa.AffectedKeys())
	assert.Equal(t, []string{"a", "c"}, pa.Subset([]string{"a", "c", "zz"}).AffectedKeys())
}

func TestEvict_NeverWaitsAndStaysLocal(t *testing.T) {
	ev := NewEvict("k")

	assert.True(t, ev.Flags().Has(ZeroLockTimeout|CacheModeLocal))
}

func TestPrepare_AffectedKeysDeduplicated(t *testing.T) {
	prep := &PrepareCommand{Modifications: []WriteCommand{
		NewPut("b", 1, entry.Metadata{}),
		NewRemove("a"),
		NewPut("b", 2, entry.Metadata{}),
	}}

	assert.Equal(t, []string{"a", "b"}, prep.AffectedKeys())
}

func TestEnvelope_PrepareCarriesModifications(t *testing.T) {
	prep := &PrepareCommand{
		Base: Base{Topology: 7},
		Tx:   GlobalTransaction{ID: 3, Origin: "n1"},
		Modifications: []WriteCommand{
			NewPut("a", "x", entry.Metadata{}),
			NewRemoveIfEquals("b", "y"),
		},
		VersionsSeen: map[string]versioning.Version{"a": {Topology: 1, Counter: 4}},
		OnePhase:     true,
	}

	env, err := Encode(prep)
	assert.NoError(t, err)

	decoded, err := Decode(env)
	assert.NoError(t, err)

	got, ok := decoded.(*PrepareCommand)
	assert.True(t, ok)
	assert.Equal(t, uint64(7), got.TopologyID())
	assert.Equal(t, prep.Tx, got.Tx)
	assert.True(t, got.OnePhase)
	assert.Equal(t, prep.VersionsSeen, got.VersionsSeen)
	assert.Equal(t, 2, len(got.Modifications))

	rm, ok := got.Modifications[1].(*RemoveCommand)
	assert.True(t, ok)
	assert.True(t, rm.Conditional)
	assert.Equal(t, "y", rm.OldValue)
}

func TestEnvelope_RoundTripsEveryKind(t *testing.T) {
	md := entry.Metadata{Lifespan: time.Minute, MaxIdle: time.Second, Version: versioning.Version{Topology: 2, Counter: 5}}

	versioned := NewPut("v", int64(42), md, ForceReturnValue)
	versioned.SetVersion("v", versioning.Version{Topology: 2, Counter: 6})
	versioned.SetTopologyID(2)

	failed := NewRemoveIfEquals("r", 1)
	failed.Fail()

	for _, tc := range []struct {
		name string
		cmd  Command
	}{
		{name: "get", cmd: NewGet("a", SkipLoad)},
		{name: "get all", cmd: NewGetAll([]string{"a", "b"})},
		{name: "put", cmd: NewPut("a", "x", md)},
		{name: "put versioned", cmd: versioned},
		{name: "put if absent", cmd: NewPutIfAbsent("a", 3.5, md)},
		{name: "put map", cmd: NewPut("m", map[string]any{"n": 1.0, "s": "x"}, md)},
		{name: "remove", cmd: NewRemove("a")},
		{name: "remove if equals", cmd: NewRemoveIfEquals("a", 1)},
		{name: "remove failed", cmd: failed},
		{name: "replace", cmd: NewReplace("a", uint16(7), md)},
		{name: "replace if equals", cmd: NewReplaceIfEquals("a", 1, 2, md)},
		{name: "put all", cmd: NewPutAll(map[string]any{"a": 1, "b": "two", "c": []byte("3")}, md)},
		{name: "clear", cmd: NewClear(SkipStatistics)},
		{name: "evict", cmd: NewEvict("a")},
		{name: "invalidate l1", cmd: NewInvalidateL1([]string{"a", "b"})},
		{name: "prepare", cmd: &PrepareCommand{
			Base:          Base{Topology: 3},
			Tx:            GlobalTransaction{ID: 9, Origin: "n2"},
			Modifications: []WriteCommand{NewPut("a", 1, md), NewRemove("b"), NewPutAll(map[string]any{"c": true}, md)},
			VersionsSeen:  map[string]versioning.Version{"a": {Topology: 3, Counter: 1}},
		}},
		{name: "commit", cmd: &CommitCommand{
			Tx:              GlobalTransaction{ID: 9, Origin: "n2"},
			UpdatedVersions: map[string]versioning.Version{"a": {Topology: 3, Counter: 2}},
		}},
		{name: "rollback", cmd: &RollbackCommand{Tx: GlobalTransaction{ID: 9, Origin: "n2"}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env, err := Encode(tc.cmd)
			assert.NoError(t, err)
			assert.Equal(t, tc.cmd.Kind(), env.Kind)

			got, err := Decode(env)
			assert.NoError(t, err)
			assert.Equal(t, tc.cmd, got)
		})
	}
}

func TestValuesEqual(t *testing.T) {
	type point struct {
		X int `json:"x"`
	}

	assert.True(t, ValuesEqual(1, 1))
	assert.True(t, ValuesEqual(1, 1.0))
	assert.True(t, ValuesEqual(point{X: 1}, map[string]any{"x": 1.0}))
	assert.False(t, ValuesEqual(1, "1"))
	assert.False(t, ValuesEqual(nil, 0))
	assert.True(t, ValuesEqual(nil, nil))
}

func TestDecode_UnknownKind(t *testing.T) {
	_, err := Decode(Envelope{Kind: 99})
	assert.True(t, errors.Is(err, sentinel.ErrUnknownCommand))
}
