// Package tensor provides the dense float32 arrays passed between the video
// encoder, the network layers and the checkpoint loader.
package tensor

import (
	"fmt"
	"strings"
)

// Tensor is a row-major float32 array. Data is never shared implicitly
// except through Reshape, which returns a view.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zeroed tensor.
func New(shape ...int) *Tensor {
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, Volume(shape)),
	}
}

// FromData wraps data without copying.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	if n := Volume(shape); n != len(data) {
		return nil, fmt.Errorf("data length %d does not match shape %s (%d)", len(data), FormatShape(shape), n)
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Volume returns the number of elements described by shape.
func Volume(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func (t *Tensor) Len() int { return len(t.Data) }

func (t *Tensor) Dims() int { return len(t.Shape) }

// Reshape returns a view with a new shape over the same data. One dimension
// may be -1 and is inferred.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	shape = append([]int(nil), shape...)
	infer := -1
	known := 1
	for i, d := range shape {
		if d == -1 {
			if infer >= 0 {
				return nil, fmt.Errorf("reshape %s: more than one inferred dimension", FormatShape(shape))
			}
			infer = i
			continue
		}
		known *= d
	}
	if infer >= 0 {
		if known == 0 || len(t.Data)%known != 0 {
			return nil, fmt.Errorf("reshape %s -> %s: cannot infer dimension", FormatShape(t.Shape), FormatShape(shape))
		}
		shape[infer] = len(t.Data) / known
	}
	if Volume(shape) != len(t.Data) {
		return nil, fmt.Errorf("reshape %s -> %s: element count mismatch", FormatShape(t.Shape), FormatShape(shape))
	}
	return &Tensor{Shape: shape, Data: t.Data}, nil
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float32(nil), t.Data...),
	}
}

// SameShape reports whether t has exactly the given shape.
func (t *Tensor) SameShape(shape []int) bool {
	return EqualShape(t.Shape, shape)
}

func EqualShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// FormatShape renders a shape as (d0, d1, ...).
func FormatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = fmt.Sprint(d)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func (t *Tensor) String() string {
	return "tensor" + FormatShape(t.Shape)
}
