package convert

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToFloat64(t *testing.T) {
	tests := []struct {
		in   any
		want float64
		ok   bool
	}{
		{3.5, 3.5, true},
		{float32(2), 2, true},
		{42, 42, true},
		{int64(-7), -7, true},
		{uint32(9), 9, true},
		{json.Number("1.25"), 1.25, true},
		{" 6.02e23 ", 6.02e23, true},
		{"abc", 0, false},
		{true, 0, false},
		{nil, 0, false},
	}
	for _, tt := range tests {
		got, ok := ToFloat64(tt.in)
		assert.Equal(t, tt.ok, ok, "%#v", tt.in)
		assert.Equal(t, tt.want, got, "%#v", tt.in)
	}
}

func TestToInt64(t *testing.T) {
	tests := []struct {
		in   any
		want int64
		ok   bool
	}{
		{int64(5), 5, true},
		{12, 12, true},
		{3.0, 3, true},
		{3.7, 0, false},
		{math.NaN(), 0, false},
		{math.Inf(1), 0, false},
		{1e19, 0, false},
		{uint64(math.MaxUint64), 0, false},
		{json.Number("17"), 17, true},
		{json.Number("17.0"), 17, true},
		{json.Number("17.5"), 0, false},
		{"123", 123, true},
		{"12.5", 0, false},
		{false, 0, false},
	}
	for _, tt := range tests {
		got, ok := ToInt64(tt.in)
		assert.Equal(t, tt.ok, ok, "%#v", tt.in)
		assert.Equal(t, tt.want, got, "%#v", tt.in)
	}
}

func TestToBool(t *testing.T) {
	b, ok := ToBool(true)
	assert.True(t, ok)
	assert.True(t, b)

	b, ok = ToBool(" false ")
	assert.True(t, ok)
	assert.False(t, b)

	_, ok = ToBool("maybe")
	assert.False(t, ok)
	_, ok = ToBool(1)
	assert.False(t, ok)
}
