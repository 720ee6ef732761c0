// Package embedding defines the canonical 128-dimensional face embedding and
// the decoder for the legacy shapes embeddings were historically stored in.
package embedding

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Size is the fixed number of dimensions of a face embedding.
const Size = 128

// Embedding is a 128-dimensional face descriptor, the same layout dlib produces.
type Embedding [Size]float32

// ErrInvalidLength is returned when a vector does not have exactly Size elements.
var ErrInvalidLength = errors.New("embedding must have exactly 128 dimensions")

// ErrInvalidFormat is returned when a stored embedding cannot be decoded
// into the canonical shape.
var ErrInvalidFormat = errors.New("invalid embedding format")

// FormatError describes a stored embedding that could not be normalized.
// It never carries the vector values themselves.
type FormatError struct {
	RecordID string
	Shape    Shape
	Length   int
	Reason   string
}

func (e *FormatError) Error() string {
	msg := fmt.Sprintf("invalid embedding format (shape=%s, length=%d)", e.Shape, e.Length)
	if e.RecordID != "" {
		msg = fmt.Sprintf("record %s: %s", e.RecordID, msg)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Unwrap lets errors.Is match ErrInvalidFormat.
func (e *FormatError) Unwrap() error {
	return ErrInvalidFormat
}

// FromFloat32 converts a slice to an Embedding. Other lengths are rejected,
// never padded or truncated.
func FromFloat32(values []float32) (Embedding, error) {
	var e Embedding
	if len(values) != Size {
		return e, fmt.Errorf("%w: got %d", ErrInvalidLength, len(values))
	}
	copy(e[:], values)
	return e, nil
}

// FromFloat64 converts a float64 slice to an Embedding.
func FromFloat64(values []float64) (Embedding, error) {
	var e Embedding
	if len(values) != Size {
		return e, fmt.Errorf("%w: got %d", ErrInvalidLength, len(values))
	}
	for i, v := range values {
		e[i] = float32(v)
	}
	return e, nil
}

// Slice returns the embedding as a float32 slice.
func (e Embedding) Slice() []float32 {
	out := make([]float32, Size)
	copy(out, e[:])
	return out
}

// Float64s returns the embedding widened to float64.
func (e Embedding) Float64s() []float64 {
	out := make([]float64, Size)
	for i, v := range e {
		out[i] = float64(v)
	}
	return out
}

// Finite reports whether every component is a finite number.
func (e Embedding) Finite() bool {
	for _, v := range e {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// UnmarshalJSON decodes a flat array and rejects any length other than Size.
// encoding/json would otherwise zero-fill or drop elements of a fixed array.
func (e *Embedding) UnmarshalJSON(data []byte) error {
	var values []float32
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	decoded, err := FromFloat32(values)
	if err != nil {
		return err
	}
	*e = decoded
	return nil
}

// Distance returns the Euclidean distance over all dimensions.
func Distance(a, b Embedding) float64 {
	var sum float64
	for i := range a {
		diff := float64(a[i]) - float64(b[i])
		sum += diff * diff
	}
	return math.Sqrt(sum)
}
