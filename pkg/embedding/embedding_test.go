package embedding

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vectorJSON(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("%d.5", i%7)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func TestFromFloat32(t *testing.T) {
	_, err := FromFloat32(make([]float32, Size))
	require.NoError(t, err)

	for _, n := range []int{0, 127, 129, 512} {
		_, err := FromFloat32(make([]float32, n))
		assert.ErrorIs(t, err, ErrInvalidLength, "length %d", n)
	}
}

func TestFromFloat64(t *testing.T) {
	values := make([]float64, Size)
	values[3] = 0.25
	e, err := FromFloat64(values)
	require.NoError(t, err)
	assert.Equal(t, float32(0.25), e[3])

	_, err = FromFloat64(values[:10])
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestDistance(t *testing.T) {
	var a, b Embedding
	a[0], a[1], a[2] = 1, 2, 3
	b[0], b[1], b[2] = 4, 6, 8

	assert.InDelta(t, math.Sqrt(50), Distance(a, b), 1e-6)
	assert.Equal(t, 0.0, Distance(a, a))
	assert.Equal(t, Distance(a, b), Distance(b, a))
}

func TestEmbeddingUnmarshalRejectsWrongLength(t *testing.T) {
	var e Embedding
	require.NoError(t, json.Unmarshal([]byte(vectorJSON(Size)), &e))
	assert.Equal(t, float32(1.5), e[1])

	err := json.Unmarshal([]byte(vectorJSON(64)), &e)
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestDecodeShapes(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantShape Shape
		wantLen   int
		wantErr   bool
	}{
		{"flat vector", vectorJSON(Size), ShapeFlatVector, Size, false},
		{"wrapped array", "[" + vectorJSON(Size) + "]", ShapeWrappedArray, Size, false},
		{"named descriptor", `{"descriptor":` + vectorJSON(Size) + `}`, ShapeNamedField, Size, false},
		{"named vector", `{"vector":` + vectorJSON(Size) + `, "quality": 0.9}`, ShapeNamedField, Size, false},
		{"short flat vector decodes", vectorJSON(12), ShapeFlatVector, 12, false},
		{"wrapped with two vectors", "[" + vectorJSON(Size) + "," + vectorJSON(Size) + "]", ShapeWrappedArray, 0, true},
		{"object without vector", `{"quality": 1}`, ShapeNamedField, 0, true},
		{"string", `"abc"`, ShapeUnknown, 0, true},
		{"null", `null`, ShapeUnknown, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stored, err := Decode(json.RawMessage(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantShape, stored.Shape)
			assert.Len(t, stored.Values, tt.wantLen)
		})
	}
}

func TestCanonical(t *testing.T) {
	stored, err := Decode(json.RawMessage("[" + vectorJSON(Size) + "]"))
	require.NoError(t, err)
	e, err := stored.Canonical()
	require.NoError(t, err)
	assert.Equal(t, float32(2.5), e[2])

	short := Stored{Shape: ShapeFlatVector, Values: make([]float32, 100)}
	_, err = short.Canonical()
	var fe *FormatError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 100, fe.Length)
	assert.Equal(t, ShapeFlatVector, fe.Shape)

	nan := Stored{Shape: ShapeFlatVector, Values: make([]float32, Size)}
	nan.Values[5] = float32(math.NaN())
	_, err = nan.Canonical()
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestStoredUnmarshalKeepsBadEntries(t *testing.T) {
	raw := `[` + vectorJSON(Size) + `, {"descriptor":` + vectorJSON(Size) + `}, "garbage"]`
	var list []Stored
	require.NoError(t, json.Unmarshal([]byte(raw), &list))
	require.Len(t, list, 3)
	assert.Equal(t, ShapeFlatVector, list[0].Shape)
	assert.Equal(t, ShapeNamedField, list[1].Shape)
	assert.Equal(t, ShapeUnknown, list[2].Shape)

	_, err := list[2].Canonical()
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestStoredMarshalWritesFlat(t *testing.T) {
	var e Embedding
	e[0] = 1
	data, err := json.Marshal(FromEmbedding(e))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "[1,0,"))
}

func TestFormatErrorMessageHasNoValues(t *testing.T) {
	err := &FormatError{RecordID: "rec-9", Shape: ShapeNamedField, Length: 3, Reason: "wrong dimension"}
	assert.Equal(t, "record rec-9: invalid embedding format (shape=named_field, length=3): wrong dimension", err.Error())
}
