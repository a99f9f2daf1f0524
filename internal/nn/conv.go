package nn

import (
	"fmt"

	"github.com/Brownie44l1/action-api/internal/tensor"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Conv2d is a square-kernel 2D convolution lowered to a single GEMM per
// image (im2col).
type Conv2d struct {
	In, Out int
	Kernel  int
	Stride  int
	Padding int

	Weight *Param // (Out, In, Kernel, Kernel)
	Bias   *Param // (Out) or nil
}

func NewConv2d(name string, in, out, kernel, stride, padding int, bias bool) *Conv2d {
	c := &Conv2d{
		In:      in,
		Out:     out,
		Kernel:  kernel,
		Stride:  stride,
		Padding: padding,
		Weight:  newParam(join(name, "weight"), out, in, kernel, kernel),
	}
	if bias {
		c.Bias = newParam(join(name, "bias"), out)
	}
	return c
}

func (c *Conv2d) Params() []*Param {
	if c.Bias == nil {
		return []*Param{c.Weight}
	}
	return []*Param{c.Weight, c.Bias}
}

// OutputSize returns the spatial size produced for an h×w input.
func (c *Conv2d) OutputSize(h, w int) (int, int) {
	return (h+2*c.Padding-c.Kernel)/c.Stride + 1, (w+2*c.Padding-c.Kernel)/c.Stride + 1
}

func (c *Conv2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Dims() != 4 || x.Shape[1] != c.In {
		return nil, fmt.Errorf("%s: expected (N, %d, H, W), got %s", c.Weight.Name, c.In, tensor.FormatShape(x.Shape))
	}
	n, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	oh, ow := c.OutputSize(h, w)
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("%s: input %dx%d too small", c.Weight.Name, h, w)
	}

	out := tensor.New(n, c.Out, oh, ow)
	k := c.In * c.Kernel * c.Kernel
	cols := oh * ow
	weight := blas32.General{Rows: c.Out, Cols: k, Stride: k, Data: c.Weight.Data}

	pointwise := c.Kernel == 1 && c.Stride == 1 && c.Padding == 0
	var buf []float32
	if !pointwise {
		buf = make([]float32, k*cols)
	}

	plane := c.In * h * w
	for i := 0; i < n; i++ {
		src := x.Data[i*plane : (i+1)*plane]
		col := src
		if !pointwise {
			c.im2col(src, h, w, oh, ow, buf)
			col = buf
		}
		dst := out.Data[i*c.Out*cols : (i+1)*c.Out*cols]
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
			weight,
			blas32.General{Rows: k, Cols: cols, Stride: cols, Data: col},
			0,
			blas32.General{Rows: c.Out, Cols: cols, Stride: cols, Data: dst})

		if c.Bias != nil {
			for o := 0; o < c.Out; o++ {
				b := c.Bias.Data[o]
				row := dst[o*cols : (o+1)*cols]
				for j := range row {
					row[j] += b
				}
			}
		}
	}
	return out, nil
}

// im2col writes the (In*K*K, oh*ow) patch matrix of one CHW image into buf.
// Row order matches the (In, K, K) flattening of the weight.
func (c *Conv2d) im2col(src []float32, h, w, oh, ow int, buf []float32) {
	cols := oh * ow
	row := 0
	for ci := 0; ci < c.In; ci++ {
		chans := src[ci*h*w : (ci+1)*h*w]
		for ky := 0; ky < c.Kernel; ky++ {
			for kx := 0; kx < c.Kernel; kx++ {
				dst := buf[row*cols : (row+1)*cols]
				for oy := 0; oy < oh; oy++ {
					iy := oy*c.Stride - c.Padding + ky
					line := dst[oy*ow : (oy+1)*ow]
					if iy < 0 || iy >= h {
						for j := range line {
							line[j] = 0
						}
						continue
					}
					srcRow := chans[iy*w : (iy+1)*w]
					for ox := 0; ox < ow; ox++ {
						ix := ox*c.Stride - c.Padding + kx
						if ix < 0 || ix >= w {
							line[ox] = 0
						} else {
							line[ox] = srcRow[ix]
						}
					}
				}
				row++
			}
		}
	}
}
