// Package nn implements the inference-time layers of the action network.
//
// Layers follow PyTorch semantics and parameter naming so that a state dict
// exported from a trained torch model loads without translation. Tensors are
// NCHW for images and batch-first for sequences.
package nn

import (
	"fmt"

	"github.com/Brownie44l1/action-api/internal/tensor"
)

// Param is a named parameter or buffer owned by a layer.
type Param struct {
	Name  string
	Shape []int
	Data  []float32
}

func newParam(name string, shape ...int) *Param {
	return &Param{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, tensor.Volume(shape)),
	}
}

// Set replaces the parameter data with src after checking its shape. The
// slice is adopted, not copied.
func (p *Param) Set(src *tensor.Tensor) error {
	if !src.SameShape(p.Shape) {
		return fmt.Errorf("%s: expected shape %s, got %s",
			p.Name, tensor.FormatShape(p.Shape), tensor.FormatShape(src.Shape))
	}
	p.Data = src.Data
	return nil
}

// Module is implemented by every layer that declares parameters.
type Module interface {
	Params() []*Param
}

// Collect flattens the parameters of several modules in declaration order.
func Collect(mods ...Module) []*Param {
	var out []*Param
	for _, m := range mods {
		out = append(out, m.Params()...)
	}
	return out
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
