// Package entry defines the authoritative representation of a cached value as
// stored by the data container and by external stores.
package entry

import (
	"bytes"
	"encoding"
	"strings"
	"sync"
	"time"

	"github.com/ugorji/go/codec"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/versioning"
)

// Global pool and codec handle for SetSize.
//
//nolint:gochecknoglobals
var cborHandle = &codec.CborHandle{}

//nolint:gochecknoglobals
var bufPool = sync.Pool{ // *bytes.Buffer
	New: func() any { return new(bytes.Buffer) },
}

// Metadata carries expiration and versioning attributes of an entry.
type Metadata struct {
	Lifespan time.Duration      `json:"lifespan"           msgpack:"lifespan"  cbor:"lifespan"`
	MaxIdle  time.Duration      `json:"max_idle"           msgpack:"max_idle"  cbor:"max_idle"`
	Version  versioning.Version `json:"version"            msgpack:"version"   cbor:"version"`
	L1       bool               `json:"l1,omitempty"       msgpack:"l1"        cbor:"l1"`
}

// WithLifespan returns a copy of m whose lifespan is at most limit.
// An immortal entry (zero lifespan) takes the limit.
func (m Metadata) WithLifespan(limit time.Duration) Metadata {
	if limit > 0 && (m.Lifespan <= 0 || m.Lifespan > limit) {
		m.Lifespan = limit
	}

	return m
}

// InternalEntry is a value as held by the container.
type InternalEntry struct {
	Key      string    `json:"key"       msgpack:"key"       cbor:"key"`
	Value    any       `json:"value"     msgpack:"value"     cbor:"value"`
	Metadata Metadata  `json:"metadata"  msgpack:"metadata"  cbor:"metadata"`
	Created  time.Time `json:"created"   msgpack:"created"   cbor:"created"`
	LastUsed time.Time `json:"last_used" msgpack:"last_used" cbor:"last_used"`
	Size     int64     `json:"size"      msgpack:"size"      cbor:"size"`
}

// New builds an entry stamped with now.
func New(key string, value any, md Metadata, now time.Time) *InternalEntry {
	return &InternalEntry{Key: key, Value: value, Metadata: md, Created: now, LastUsed: now}
}

// Valid returns an error if the entry cannot be stored.
func (e *InternalEntry) Valid() error {
	if strings.TrimSpace(e.Key) == "" {
		return sentinel.ErrInvalidKey
	}

	return nil
}

// Expired reports whether the entry outlived its lifespan or max-idle at now.
func (e *InternalEntry) Expired(now time.Time) bool {
	if e.Metadata.Lifespan > 0 && now.Sub(e.Created) > e.Metadata.Lifespan {
		return true
	}

	return e.Metadata.MaxIdle > 0 && now.Sub(e.LastUsed) > e.Metadata.MaxIdle
}

// Touch records an access.
func (e *InternalEntry) Touch(now time.Time) { e.LastUsed = now }

// Remaining returns the lifespan left at now, or zero for immortal entries.
func (e *InternalEntry) Remaining(now time.Time) time.Duration {
	if e.Metadata.Lifespan <= 0 {
		return 0
	}

	left := e.Metadata.Lifespan - now.Sub(e.Created)
	if left <= 0 {
		return time.Nanosecond
	}

	return left
}

// Clone returns a shallow copy; values are shared.
func (e *InternalEntry) Clone() *InternalEntry {
	if e == nil {
		return nil
	}

	cp := *e

	return &cp
}

// Sizer allows custom values to report their encoded size without serialization.
type Sizer interface{ SizeBytes() int }

// SetSize computes Size from the encoded value, with fast paths for common types.
func (e *InternalEntry) SetSize() error {
	switch val := e.Value.(type) {
	case nil:
		e.Size = 0

		return nil
	case []byte:
		e.Size = int64(len(val))

		return nil
	case string:
		e.Size = int64(len(val))

		return nil
	case encoding.BinaryMarshaler:
		b, err := val.MarshalBinary()
		if err != nil {
			return sentinel.ErrInvalidSize
		}

		e.Size = int64(len(b))

		return nil
	case Sizer:
		e.Size = int64(val.SizeBytes())

		return nil
	}

	buf, ok := bufPool.Get().(*bytes.Buffer)
	if !ok {
		buf = new(bytes.Buffer)
	}

	buf.Reset()

	const maxKeepCap = 1 << 20

	defer func() {
		if buf.Cap() > maxKeepCap {
			return
		}

		buf.Reset()
		bufPool.Put(buf)
	}()

	err := codec.NewEncoder(buf, cborHandle).Encode(e.Value)
	if err != nil {
		return sentinel.ErrInvalidSize
	}

	e.Size = int64(buf.Len())

	return nil
}
