package versioning

import (
	"testing"

	"github.com/longbridgeapp/assert"
)

func TestVersion_Compare(t *testing.T) {
	tests := []struct {
		name string
		a, b Version
		want Ordering
	}{
		{name: "equal", a: Version{1, 2}, b: Version{1, 2}, want: Equal},
		{name: "lower counter", a: Version{1, 1}, b: Version{1, 2}, want: Before},
		{name: "higher counter", a: Version{1, 3}, b: Version{1, 2}, want: After},
		{name: "newer topology wins", a: Version{2, 1}, b: Version{1, 9}, want: After},
		{name: "non existing before any", a: Version{}, b: Version{0, 1}, want: Before},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Compare(tt.b))
		})
	}
}

func TestGenerator_IncrementIsDeterministic(t *testing.T) {
	topology := uint64(4)
	gen := NewGenerator(func() uint64 { return topology })

	prev := gen.Generate()
	assert.Equal(t, Version{Topology: 4, Counter: 1}, prev)

	a := gen.Increment(prev)
	b := gen.Increment(prev)
	assert.Equal(t, a, b)
	assert.Equal(t, After, a.Compare(prev))

	assert.True(t, gen.NonExisting().IsZero())
}
