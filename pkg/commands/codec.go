package commands

import (
	"maps"
	"slices"

	"github.com/goccy/go-json"
	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/entry"
	"github.com/hyp3rd/hypergrid/pkg/versioning"
)

// Envelope is the wire form of a command: its kind plus the JSON payload.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// KeyVersion is one key's version on the wire.
type KeyVersion struct {
	Key     string             `json:"key"`
	Version versioning.Version `json:"version"`
}

type wireEntry struct {
	Key   string     `json:"key"`
	Value *WireValue `json:"value,omitempty"`
}

// wireCommand is the flat payload shared by every kind. Only the fields the
// kind uses are set.
type wireCommand struct {
	Flags        Flags        `json:"flags"`
	Topology     uint64       `json:"topology"`
	Unsuccessful bool         `json:"unsuccessful,omitempty"`
	Versions     []KeyVersion `json:"versions,omitempty"`

	Key      string          `json:"key,omitempty"`
	Keys     []string        `json:"keys,omitempty"`
	Value    *WireValue      `json:"value,omitempty"`
	OldValue *WireValue      `json:"old_value,omitempty"`
	Entries  []wireEntry     `json:"entries,omitempty"`
	Metadata *entry.Metadata `json:"metadata,omitempty"`

	IfAbsent    bool `json:"if_absent,omitempty"`
	Conditional bool `json:"conditional,omitempty"`

	Tx              *GlobalTransaction `json:"tx,omitempty"`
	Modifications   []Envelope         `json:"modifications,omitempty"`
	VersionsSeen    []KeyVersion       `json:"versions_seen,omitempty"`
	UpdatedVersions []KeyVersion       `json:"updated_versions,omitempty"`
	OnePhase        bool               `json:"one_phase,omitempty"`
}

// VersionsToWire flattens a version map into a key-sorted slice.
func VersionsToWire(m map[string]versioning.Version) []KeyVersion {
	if len(m) == 0 {
		return nil
	}

	keys := slices.Sorted(maps.Keys(m))
	out := make([]KeyVersion, 0, len(keys))

	for _, k := range keys {
		out = append(out, KeyVersion{Key: k, Version: m[k]})
	}

	return out
}

// VersionsFromWire is the inverse of VersionsToWire.
func VersionsFromWire(kvs []KeyVersion) map[string]versioning.Version {
	if len(kvs) == 0 {
		return nil
	}

	out := make(map[string]versioning.Version, len(kvs))
	for _, kv := range kvs {
		out[kv.Key] = kv.Version
	}

	return out
}

// Encode wraps cmd into an Envelope.
func Encode(cmd Command) (Envelope, error) {
	w, err := toWire(cmd)
	if err != nil {
		return Envelope{}, ewrap.Wrapf(err, "encode %s command", cmd.Kind())
	}

	payload, err := json.Marshal(w)
	if err != nil {
		return Envelope{}, ewrap.Wrapf(err, "encode %s command", cmd.Kind())
	}

	return Envelope{Kind: cmd.Kind(), Payload: payload}, nil
}

// Decode rebuilds the command carried by env.
func Decode(env Envelope) (Command, error) { //nolint:ireturn
	if env.Kind < KindGet || env.Kind > KindRollback {
		return nil, ewrap.Wrapf(sentinel.ErrUnknownCommand, "kind %d", env.Kind)
	}

	var w wireCommand

	err := json.Unmarshal(env.Payload, &w)
	if err != nil {
		return nil, ewrap.Wrapf(err, "decode %s command", env.Kind)
	}

	cmd, err := fromWire(env.Kind, &w)
	if err != nil {
		return nil, ewrap.Wrapf(err, "decode %s command", env.Kind)
	}

	return cmd, nil
}

func writeWire(wb *WriteBase) *wireCommand {
	return &wireCommand{
		Flags:        wb.F,
		Topology:     wb.Topology,
		Unsuccessful: wb.Unsuccessful,
		Versions:     VersionsToWire(wb.Versions),
	}
}

func (w *wireCommand) writeBase() WriteBase {
	return WriteBase{
		Base:         Base{F: w.Flags, Topology: w.Topology},
		Unsuccessful: w.Unsuccessful,
		Versions:     VersionsFromWire(w.Versions),
	}
}

func (w *wireCommand) base() Base { return Base{F: w.Flags, Topology: w.Topology} }

func (w *wireCommand) metadata() entry.Metadata {
	if w.Metadata == nil {
		return entry.Metadata{}
	}

	return *w.Metadata
}

func (w *wireCommand) tx() GlobalTransaction {
	if w.Tx == nil {
		return GlobalTransaction{}
	}

	return *w.Tx
}

//nolint:cyclop,funlen
func toWire(cmd Command) (*wireCommand, error) {
	var err error

	switch c := cmd.(type) {
	case *GetCommand:
		return &wireCommand{Flags: c.F, Topology: c.Topology, Key: c.K}, nil
	case *GetAllCommand:
		return &wireCommand{Flags: c.F, Topology: c.Topology, Keys: c.Keys}, nil
	case *PutCommand:
		w := writeWire(&c.WriteBase)
		w.Key, w.IfAbsent, w.Metadata = c.K, c.IfAbsent, &c.Metadata

		w.Value, err = EncodeValue(c.Value)

		return w, err
	case *RemoveCommand:
		w := writeWire(&c.WriteBase)
		w.Key, w.Conditional = c.K, c.Conditional

		w.OldValue, err = EncodeValue(c.OldValue)

		return w, err
	case *ReplaceCommand:
		w := writeWire(&c.WriteBase)
		w.Key, w.Conditional, w.Metadata = c.K, c.Conditional, &c.Metadata

		w.Value, err = EncodeValue(c.NewValue)
		if err != nil {
			return nil, err
		}

		w.OldValue, err = EncodeValue(c.OldValue)

		return w, err
	case *PutAllCommand:
		w := writeWire(&c.WriteBase)
		w.Metadata = &c.Metadata

		for _, k := range c.AffectedKeys() {
			v, encErr := EncodeValue(c.Entries[k])
			if encErr != nil {
				return nil, encErr
			}

			w.Entries = append(w.Entries, wireEntry{Key: k, Value: v})
		}

		return w, nil
	case *ClearCommand:
		return &wireCommand{Flags: c.F, Topology: c.Topology}, nil
	case *EvictCommand:
		w := writeWire(&c.WriteBase)
		w.Key = c.K

		return w, nil
	case *InvalidateL1Command:
		return &wireCommand{Flags: c.F, Topology: c.Topology, Keys: c.Keys}, nil
	case *PrepareCommand:
		tx := c.Tx
		w := &wireCommand{
			Flags:         c.F,
			Topology:      c.Topology,
			Tx:            &tx,
			VersionsSeen:  VersionsToWire(c.VersionsSeen),
			OnePhase:      c.OnePhase,
			Modifications: make([]Envelope, 0, len(c.Modifications)),
		}

		for _, m := range c.Modifications {
			env, encErr := Encode(m)
			if encErr != nil {
				return nil, encErr
			}

			w.Modifications = append(w.Modifications, env)
		}

		return w, nil
	case *CommitCommand:
		tx := c.Tx

		return &wireCommand{Flags: c.F, Topology: c.Topology, Tx: &tx, UpdatedVersions: VersionsToWire(c.UpdatedVersions)}, nil
	case *RollbackCommand:
		tx := c.Tx

		return &wireCommand{Flags: c.F, Topology: c.Topology, Tx: &tx}, nil
	default:
		return nil, ewrap.Wrapf(sentinel.ErrUnknownCommand, "%T", cmd)
	}
}

//nolint:cyclop,funlen
func fromWire(kind Kind, w *wireCommand) (Command, error) { //nolint:ireturn
	switch kind {
	case KindGet:
		return &GetCommand{Base: w.base(), K: w.Key}, nil
	case KindGetAll:
		return &GetAllCommand{Base: w.base(), Keys: w.Keys}, nil
	case KindPut:
		v, err := DecodeValue(w.Value)
		if err != nil {
			return nil, err
		}

		return &PutCommand{WriteBase: w.writeBase(), K: w.Key, Value: v, Metadata: w.metadata(), IfAbsent: w.IfAbsent}, nil
	case KindRemove:
		old, err := DecodeValue(w.OldValue)
		if err != nil {
			return nil, err
		}

		return &RemoveCommand{WriteBase: w.writeBase(), K: w.Key, OldValue: old, Conditional: w.Conditional}, nil
	case KindReplace:
		v, err := DecodeValue(w.Value)
		if err != nil {
			return nil, err
		}

		old, err := DecodeValue(w.OldValue)
		if err != nil {
			return nil, err
		}

		return &ReplaceCommand{
			WriteBase:   w.writeBase(),
			K:           w.Key,
			NewValue:    v,
			OldValue:    old,
			Conditional: w.Conditional,
			Metadata:    w.metadata(),
		}, nil
	case KindPutAll:
		entries := make(map[string]any, len(w.Entries))

		for _, e := range w.Entries {
			v, err := DecodeValue(e.Value)
			if err != nil {
				return nil, err
			}

			entries[e.Key] = v
		}

		return &PutAllCommand{WriteBase: w.writeBase(), Entries: entries, Metadata: w.metadata()}, nil
	case KindClear:
		return &ClearCommand{Base: w.base()}, nil
	case KindEvict:
		return &EvictCommand{WriteBase: w.writeBase(), K: w.Key}, nil
	case KindInvalidateL1:
		return &InvalidateL1Command{Base: w.base(), Keys: w.Keys}, nil
	case KindPrepare:
		return decodePrepare(w)
	case KindCommit:
		return &CommitCommand{Base: w.base(), Tx: w.tx(), UpdatedVersions: VersionsFromWire(w.UpdatedVersions)}, nil
	case KindRollback:
		return &RollbackCommand{Base: w.base(), Tx: w.tx()}, nil
	default:
		return nil, ewrap.Wrapf(sentinel.ErrUnknownCommand, "kind %d", kind)
	}
}

func decodePrepare(w *wireCommand) (*PrepareCommand, error) {
	prep := &PrepareCommand{
		Base:          w.base(),
		Tx:            w.tx(),
		VersionsSeen:  VersionsFromWire(w.VersionsSeen),
		OnePhase:      w.OnePhase,
		Modifications: make([]WriteCommand, 0, len(w.Modifications)),
	}

	for _, env := range w.Modifications {
		mod, err := Decode(env)
		if err != nil {
			return nil, err
		}

		wc, ok := mod.(WriteCommand)
		if !ok {
			return nil, ewrap.Wrapf(sentinel.ErrUnknownCommand, "%s is not a write", env.Kind)
		}

		prep.Modifications = append(prep.Modifications, wc)
	}

	return prep, nil
}
