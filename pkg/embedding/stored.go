package embedding

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Shape identifies how an embedding was serialized by older writers.
type Shape int

const (
	// ShapeUnknown marks a value that matched none of the known layouts.
	ShapeUnknown Shape = iota
	// ShapeFlatVector is a plain array of numbers: [0.1, 0.2, ...].
	ShapeFlatVector
	// ShapeWrappedArray is an array holding exactly one vector: [[0.1, ...]].
	ShapeWrappedArray
	// ShapeNamedField is an object with the vector under a named key:
	// {"descriptor": [...]}.
	ShapeNamedField
)

func (s Shape) String() string {
	switch s {
	case ShapeFlatVector:
		return "flat_vector"
	case ShapeWrappedArray:
		return "wrapped_array"
	case ShapeNamedField:
		return "named_field"
	default:
		return "unknown"
	}
}

// namedFields lists the keys accepted for ShapeNamedField, in lookup order.
var namedFields = []string{"descriptor", "vector", "embedding", "values"}

// Stored is a decoded stored embedding whose shape has been resolved but whose
// length has not yet been validated.
type Stored struct {
	Shape  Shape
	Values []float32
}

// Canonical validates the length and returns the canonical Embedding.
func (s Stored) Canonical() (Embedding, error) {
	if s.Shape == ShapeUnknown {
		return Embedding{}, &FormatError{Shape: s.Shape, Length: len(s.Values), Reason: "unrecognized layout"}
	}
	e, err := FromFloat32(s.Values)
	if err != nil {
		return Embedding{}, &FormatError{Shape: s.Shape, Length: len(s.Values), Reason: "wrong dimension"}
	}
	if !e.Finite() {
		return Embedding{}, &FormatError{Shape: s.Shape, Length: len(s.Values), Reason: "non-finite component"}
	}
	return e, nil
}

// FromEmbedding wraps a canonical embedding as a flat stored value.
func FromEmbedding(e Embedding) Stored {
	return Stored{Shape: ShapeFlatVector, Values: e.Slice()}
}

// Decode resolves the legacy shape of a raw JSON value. It returns an error
// only for input that is not one of the three layouts; length problems are
// reported later by Canonical.
func Decode(raw json.RawMessage) (Stored, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Stored{}, &FormatError{Reason: "empty value"}
	}

	switch trimmed[0] {
	case '[':
		var flat []float32
		if err := json.Unmarshal(trimmed, &flat); err == nil {
			return Stored{Shape: ShapeFlatVector, Values: flat}, nil
		}
		var wrapped [][]float32
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return Stored{}, &FormatError{Reason: fmt.Sprintf("array is neither a vector nor a vector list: %v", err)}
		}
		if len(wrapped) != 1 {
			return Stored{}, &FormatError{Shape: ShapeWrappedArray, Length: len(wrapped), Reason: "wrapped array must hold exactly one vector"}
		}
		return Stored{Shape: ShapeWrappedArray, Values: wrapped[0]}, nil
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return Stored{}, &FormatError{Reason: fmt.Sprintf("malformed object: %v", err)}
		}
		for _, key := range namedFields {
			field, ok := obj[key]
			if !ok {
				continue
			}
			var values []float32
			if err := json.Unmarshal(field, &values); err != nil {
				return Stored{}, &FormatError{Shape: ShapeNamedField, Reason: fmt.Sprintf("field %q is not a vector", key)}
			}
			return Stored{Shape: ShapeNamedField, Values: values}, nil
		}
		return Stored{}, &FormatError{Shape: ShapeNamedField, Reason: "no vector field"}
	default:
		return Stored{}, &FormatError{Reason: "unsupported JSON type"}
	}
}

// MarshalJSON always writes the canonical flat layout.
func (s Stored) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Values)
}

// UnmarshalJSON accepts any of the legacy layouts. Unrecognized input is kept
// as ShapeUnknown so a single bad entry does not fail the whole record.
func (s *Stored) UnmarshalJSON(data []byte) error {
	decoded, err := Decode(data)
	if err != nil {
		*s = Stored{Shape: ShapeUnknown}
		return nil
	}
	*s = decoded
	return nil
}
