package nn

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/Brownie44l1/action-api/internal/tensor"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// BatchNorm2d applies per-channel normalization with running statistics.
// Only evaluation mode is supported; the backbone it serves is frozen.
type BatchNorm2d struct {
	Channels int
	Eps      float64

	Weight      *Param
	Bias        *Param
	RunningMean *Param
	RunningVar  *Param
}

func NewBatchNorm2d(name string, channels int) *BatchNorm2d {
	bn := &BatchNorm2d{
		Channels:    channels,
		Eps:         1e-5,
		Weight:      newParam(join(name, "weight"), channels),
		Bias:        newParam(join(name, "bias"), channels),
		RunningMean: newParam(join(name, "running_mean"), channels),
		RunningVar:  newParam(join(name, "running_var"), channels),
	}
	for i := range bn.Weight.Data {
		bn.Weight.Data[i] = 1
		bn.RunningVar.Data[i] = 1
	}
	return bn
}

func (bn *BatchNorm2d) Params() []*Param {
	return []*Param{bn.Weight, bn.Bias, bn.RunningMean, bn.RunningVar}
}

// Forward normalizes x in place and returns it.
func (bn *BatchNorm2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Dims() != 4 || x.Shape[1] != bn.Channels {
		return nil, fmt.Errorf("%s: expected (N, %d, H, W), got %s", bn.Weight.Name, bn.Channels, tensor.FormatShape(x.Shape))
	}
	n, hw := x.Shape[0], x.Shape[2]*x.Shape[3]
	for c := 0; c < bn.Channels; c++ {
		scale := float32(float64(bn.Weight.Data[c]) / math.Sqrt(float64(bn.RunningVar.Data[c])+bn.Eps))
		shift := bn.Bias.Data[c] - bn.RunningMean.Data[c]*scale
		for i := 0; i < n; i++ {
			plane := x.Data[(i*bn.Channels+c)*hw : (i*bn.Channels+c+1)*hw]
			for j := range plane {
				plane[j] = plane[j]*scale + shift
			}
		}
	}
	return x, nil
}

// ReLU clamps negatives to zero in place.
func ReLU(x *tensor.Tensor) *tensor.Tensor {
	for i, v := range x.Data {
		if v < 0 {
			x.Data[i] = 0
		}
	}
	return x
}

// MaxPool2d is a square max pooling with implicit -inf padding.
type MaxPool2d struct {
	Kernel, Stride, Padding int
}

func (p MaxPool2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Dims() != 4 {
		return nil, fmt.Errorf("maxpool: expected 4D input, got %s", tensor.FormatShape(x.Shape))
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh := (h+2*p.Padding-p.Kernel)/p.Stride + 1
	ow := (w+2*p.Padding-p.Kernel)/p.Stride + 1
	out := tensor.New(n, c, oh, ow)

	for plane := 0; plane < n*c; plane++ {
		src := x.Data[plane*h*w : (plane+1)*h*w]
		dst := out.Data[plane*oh*ow : (plane+1)*oh*ow]
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				best := float32(math.Inf(-1))
				for ky := 0; ky < p.Kernel; ky++ {
					iy := oy*p.Stride - p.Padding + ky
					if iy < 0 || iy >= h {
						continue
					}
					for kx := 0; kx < p.Kernel; kx++ {
						ix := ox*p.Stride - p.Padding + kx
						if ix < 0 || ix >= w {
							continue
						}
						if v := src[iy*w+ix]; v > best {
							best = v
						}
					}
				}
				dst[oy*ow+ox] = best
			}
		}
	}
	return out, nil
}

// GlobalAvgPool reduces (N, C, H, W) to (N, C), the equivalent of
// AdaptiveAvgPool2d(1) followed by a flatten.
func GlobalAvgPool(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Dims() != 4 {
		return nil, fmt.Errorf("avgpool: expected 4D input, got %s", tensor.FormatShape(x.Shape))
	}
	n, c, hw := x.Shape[0], x.Shape[1], x.Shape[2]*x.Shape[3]
	out := tensor.New(n, c)
	for plane := 0; plane < n*c; plane++ {
		var sum float64
		for _, v := range x.Data[plane*hw : (plane+1)*hw] {
			sum += float64(v)
		}
		out.Data[plane] = float32(sum / float64(hw))
	}
	return out, nil
}

// Linear computes y = x·Wᵀ + b over the last dimension of a 2D input.
type Linear struct {
	In, Out int
	Weight  *Param // (Out, In)
	Bias    *Param // (Out)
}

func NewLinear(name string, in, out int) *Linear {
	return &Linear{
		In:     in,
		Out:    out,
		Weight: newParam(join(name, "weight"), out, in),
		Bias:   newParam(join(name, "bias"), out),
	}
}

func (l *Linear) Params() []*Param { return []*Param{l.Weight, l.Bias} }

func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Dims() != 2 || x.Shape[1] != l.In {
		return nil, fmt.Errorf("%s: expected (N, %d), got %s", l.Weight.Name, l.In, tensor.FormatShape(x.Shape))
	}
	n := x.Shape[0]
	out := tensor.New(n, l.Out)
	for i := 0; i < n; i++ {
		copy(out.Data[i*l.Out:(i+1)*l.Out], l.Bias.Data)
	}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		blas32.General{Rows: n, Cols: l.In, Stride: l.In, Data: x.Data},
		blas32.General{Rows: l.Out, Cols: l.In, Stride: l.In, Data: l.Weight.Data},
		1,
		blas32.General{Rows: n, Cols: l.Out, Stride: l.Out, Data: out.Data})
	return out, nil
}

// Dropout zeroes activations with probability P while training and is the
// identity otherwise.
type Dropout struct {
	P float64
}

func (d Dropout) Forward(x *tensor.Tensor, training bool) *tensor.Tensor {
	if !training || d.P <= 0 {
		return x
	}
	out := x.Clone()
	keep := float32(1 / (1 - d.P))
	for i := range out.Data {
		if rand.Float64() < d.P {
			out.Data[i] = 0
		} else {
			out.Data[i] *= keep
		}
	}
	return out
}

func sigmoid(v float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(v))))
}

func tanh(v float32) float32 {
	return float32(math.Tanh(float64(v)))
}
