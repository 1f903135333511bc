package commands

import (
	"bytes"
	"reflect"

	"github.com/goccy/go-json"
	"github.com/hyp3rd/ewrap"
)

// Value types carried by WireValue. Anything else travels as plain JSON and
// decodes into the generic JSON shapes.
const (
	valueString  = "string"
	valueBool    = "bool"
	valueInt     = "int"
	valueInt8    = "int8"
	valueInt16   = "int16"
	valueInt32   = "int32"
	valueInt64   = "int64"
	valueUint    = "uint"
	valueUint8   = "uint8"
	valueUint16  = "uint16"
	valueUint32  = "uint32"
	valueUint64  = "uint64"
	valueFloat32 = "float32"
	valueFloat64 = "float64"
	valueBytes   = "bytes"
)

// WireValue is the JSON form of a cached value. Scalars keep their Go type across
// the wire so a forwarded int is still an int on the receiving member.
type WireValue struct {
	Type string          `json:"t,omitempty"`
	Raw  json.RawMessage `json:"v,omitempty"`
}

// EncodeValue builds the wire form of v. A nil value yields a nil WireValue.
func EncodeValue(v any) (*WireValue, error) {
	if v == nil {
		return nil, nil //nolint:nilnil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, ewrap.Wrapf(err, "encode value of type %T", v)
	}

	return &WireValue{Type: valueType(v), Raw: raw}, nil
}

// DecodeValue rebuilds the value carried by w.
func DecodeValue(w *WireValue) (any, error) {
	if w == nil || len(w.Raw) == 0 || bytes.Equal(w.Raw, []byte("null")) {
		return nil, nil
	}

	switch w.Type {
	case valueString:
		return decodeAs[string](w.Raw)
	case valueBool:
		return decodeAs[bool](w.Raw)
	case valueInt:
		return decodeAs[int](w.Raw)
	case valueInt8:
		return decodeAs[int8](w.Raw)
	case valueInt16:
		return decodeAs[int16](w.Raw)
	case valueInt32:
		return decodeAs[int32](w.Raw)
	case valueInt64:
		return decodeAs[int64](w.Raw)
	case valueUint:
		return decodeAs[uint](w.Raw)
	case valueUint8:
		return decodeAs[uint8](w.Raw)
	case valueUint16:
		return decodeAs[uint16](w.Raw)
	case valueUint32:
		return decodeAs[uint32](w.Raw)
	case valueUint64:
		return decodeAs[uint64](w.Raw)
	case valueFloat32:
		return decodeAs[float32](w.Raw)
	case valueFloat64:
		return decodeAs[float64](w.Raw)
	case valueBytes:
		return decodeAs[[]byte](w.Raw)
	default:
		return decodeAs[any](w.Raw)
	}
}

func decodeAs[T any](raw []byte) (any, error) {
	var out T

	err := json.Unmarshal(raw, &out)
	if err != nil {
		return nil, ewrap.Wrap(err, "decode value")
	}

	return out, nil
}

func valueType(v any) string {
	switch v.(type) {
	case string:
		return valueString
	case bool:
		return valueBool
	case int:
		return valueInt
	case int8:
		return valueInt8
	case int16:
		return valueInt16
	case int32:
		return valueInt32
	case int64:
		return valueInt64
	case uint:
		return valueUint
	case uint8:
		return valueUint8
	case uint16:
		return valueUint16
	case uint32:
		return valueUint32
	case uint64:
		return valueUint64
	case float32:
		return valueFloat32
	case float64:
		return valueFloat64
	case []byte:
		return valueBytes
	default:
		return ""
	}
}

// ValuesEqual compares two cached values. Values that went through the wire as
// generic JSON (structs, maps, slices) lose their Go types, so when the direct
// comparison fails both sides are compared in their JSON form.
func ValuesEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}

	if a == nil || b == nil {
		return false
	}

	ja, err := canonical(a)
	if err != nil {
		return false
	}

	jb, err := canonical(b)
	if err != nil {
		return false
	}

	return reflect.DeepEqual(ja, jb)
}

func canonical(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var out any

	err = json.Unmarshal(raw, &out)

	return out, err
}
