package serializer

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/hyp3rd/ewrap"
)

// CBORSerializer encodes with fxamacker/cbor. Maps decode with string keys so
// that decoded values compare equal to their json counterparts.
type CBORSerializer struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORSerializer builds a serializer using sorted-key encoding. Times keep
// nanosecond precision.
func NewCBORSerializer() *CBORSerializer {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano

	enc, err := opts.EncMode()
	if err != nil {
		panic(err) // static options
	}

	dec, err := cbor.DecOptions{DefaultMapType: mapType}.DecMode()
	if err != nil {
		panic(err)
	}

	return &CBORSerializer{enc: enc, dec: dec}
}

// Marshal serializes the given value into a byte slice.
func (s *CBORSerializer) Marshal(v any) ([]byte, error) {
	data, err := s.enc.Marshal(v)
	if err != nil {
		return nil, ewrap.Wrap(err, "failed to marshal cbor")
	}

	return data, nil
}

// Unmarshal deserializes the given byte slice into v.
func (s *CBORSerializer) Unmarshal(data []byte, v any) error {
	err := s.dec.Unmarshal(data, v)
	if err != nil {
		return ewrap.Wrap(err, "failed to unmarshal cbor")
	}

	return nil
}
