// Package artifact defines the weight-artifact wire format exchanged
// between agents and the coordinator: a state dict mapping parameter
// names to numeric tensors. The blob paths keep the .pth suffix for
// layout compatibility, but the encoding here is self-describing JSON.
package artifact

import (
	"encoding/json"
	"fmt"

	"github.com/gridxlabs/gridx/types"
)

// Supported element types.
const (
	DTypeFloat32 = "float32"
	DTypeFloat64 = "float64"
	DTypeInt64   = "int64"
)

// Tensor is one named parameter: a dtype, a shape and a flat buffer in
// row-major order. Floating tensors use Data, integral tensors Ints.
type Tensor struct {
	DType string    `json:"dtype"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data,omitempty"`
	Ints  []int64   `json:"ints,omitempty"`
}

// StateDict maps parameter names to tensors.
type StateDict map[string]Tensor

// IsFloating reports whether the tensor holds floating-point values.
// Integral tensors (running counters and the like) are never averaged.
func (t Tensor) IsFloating() bool {
	return t.DType == DTypeFloat32 || t.DType == DTypeFloat64
}

// NumElements returns the element count implied by the shape.
func (t Tensor) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Validate checks dtype, shape and buffer consistency.
func (t Tensor) Validate() error {
	switch t.DType {
	case DTypeFloat32, DTypeFloat64:
		if len(t.Data) != t.NumElements() {
			return fmt.Errorf("%s tensor has %d elements, shape implies %d",
				t.DType, len(t.Data), t.NumElements())
		}
	case DTypeInt64:
		if len(t.Ints) != t.NumElements() {
			return fmt.Errorf("int64 tensor has %d elements, shape implies %d",
				len(t.Ints), t.NumElements())
		}
	default:
		return fmt.Errorf("unsupported dtype %q", t.DType)
	}
	for _, d := range t.Shape {
		if d < 0 {
			return fmt.Errorf("negative dimension %d", d)
		}
	}
	return nil
}

// SameSchema reports whether two tensors agree on dtype and shape.
func (t Tensor) SameSchema(other Tensor) bool {
	if t.DType != other.DType || len(t.Shape) != len(other.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != other.Shape[i] {
			return false
		}
	}
	return true
}

// Float1D is a convenience constructor for a rank-1 float32 tensor.
func Float1D(values ...float64) Tensor {
	return Tensor{DType: DTypeFloat32, Shape: []int{len(values)}, Data: values}
}

// Scalar is a convenience constructor for a rank-0 int64 tensor.
func Scalar(v int64) Tensor {
	return Tensor{DType: DTypeInt64, Shape: []int{}, Ints: []int64{v}}
}

// Encode serializes a state dict.
func Encode(sd StateDict) ([]byte, error) {
	for name, t := range sd {
		if err := t.Validate(); err != nil {
			return nil, types.NewErrorf(types.ErrSchemaMismatch, "tensor %q", name).WithCause(err)
		}
	}
	return json.Marshal(sd)
}

// Decode deserializes and validates a state dict.
func Decode(data []byte) (StateDict, error) {
	var sd StateDict
	if err := json.Unmarshal(data, &sd); err != nil {
		return nil, types.NewError(types.ErrSchemaMismatch, "decode artifact").WithCause(err)
	}
	for name, t := range sd {
		if err := t.Validate(); err != nil {
			return nil, types.NewErrorf(types.ErrSchemaMismatch, "tensor %q", name).WithCause(err)
		}
	}
	return sd, nil
}
