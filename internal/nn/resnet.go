package nn

import (
	"fmt"

	"github.com/Brownie44l1/action-api/internal/tensor"
)

// Bottleneck is the 1x1 → 3x3 → 1x1 residual block with the stride on the
// 3x3 convolution.
type Bottleneck struct {
	Conv1, Conv2, Conv3 *Conv2d
	BN1, BN2, BN3       *BatchNorm2d

	DownConv *Conv2d
	DownBN   *BatchNorm2d
}

const expansion = 4

func newBottleneck(name string, inplanes, planes, stride int) *Bottleneck {
	b := &Bottleneck{
		Conv1: NewConv2d(join(name, "conv1"), inplanes, planes, 1, 1, 0, false),
		BN1:   NewBatchNorm2d(join(name, "bn1"), planes),
		Conv2: NewConv2d(join(name, "conv2"), planes, planes, 3, stride, 1, false),
		BN2:   NewBatchNorm2d(join(name, "bn2"), planes),
		Conv3: NewConv2d(join(name, "conv3"), planes, planes*expansion, 1, 1, 0, false),
		BN3:   NewBatchNorm2d(join(name, "bn3"), planes*expansion),
	}
	if stride != 1 || inplanes != planes*expansion {
		b.DownConv = NewConv2d(join(name, "downsample.0"), inplanes, planes*expansion, 1, stride, 0, false)
		b.DownBN = NewBatchNorm2d(join(name, "downsample.1"), planes*expansion)
	}
	return b
}

func (b *Bottleneck) Params() []*Param {
	mods := []Module{b.Conv1, b.BN1, b.Conv2, b.BN2, b.Conv3, b.BN3}
	if b.DownConv != nil {
		mods = append(mods, b.DownConv, b.DownBN)
	}
	return Collect(mods...)
}

func (b *Bottleneck) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := convBN(x, b.Conv1, b.BN1)
	if err != nil {
		return nil, err
	}
	ReLU(out)
	if out, err = convBN(out, b.Conv2, b.BN2); err != nil {
		return nil, err
	}
	ReLU(out)
	if out, err = convBN(out, b.Conv3, b.BN3); err != nil {
		return nil, err
	}

	identity := x
	if b.DownConv != nil {
		if identity, err = convBN(x, b.DownConv, b.DownBN); err != nil {
			return nil, err
		}
	}
	if !tensor.EqualShape(out.Shape, identity.Shape) {
		return nil, fmt.Errorf("%s: residual shape %s does not match %s",
			b.Conv3.Weight.Name, tensor.FormatShape(identity.Shape), tensor.FormatShape(out.Shape))
	}
	for i, v := range identity.Data {
		out.Data[i] += v
	}
	return ReLU(out), nil
}

func convBN(x *tensor.Tensor, conv *Conv2d, bn *BatchNorm2d) (*tensor.Tensor, error) {
	out, err := conv.Forward(x)
	if err != nil {
		return nil, err
	}
	return bn.Forward(out)
}

// ResNet is a bottleneck ResNet without its classification layer. Parameter
// names follow nn.Sequential(*list(resnet.children())[:-1]): index 0 is
// conv1, 1 is bn1, 4..7 are layer1..layer4.
type ResNet struct {
	Conv1  *Conv2d
	BN1    *BatchNorm2d
	Pool   MaxPool2d
	Stages [][]*Bottleneck

	featureDim int
}

// ResNet50Blocks is the block count per stage of ResNet-50.
var ResNet50Blocks = []int{3, 4, 6, 3}

// NewResNet50 builds the torchvision ResNet-50 feature extractor (2048-d).
func NewResNet50(prefix string) *ResNet {
	return NewResNet(prefix, ResNet50Blocks, 64)
}

// NewResNet builds a bottleneck ResNet whose stem has width channels. The
// feature dimension is width*8*4.
func NewResNet(prefix string, blocks []int, width int) *ResNet {
	r := &ResNet{
		Conv1: NewConv2d(join(prefix, "0"), 3, width, 7, 2, 3, false),
		BN1:   NewBatchNorm2d(join(prefix, "1"), width),
		Pool:  MaxPool2d{Kernel: 3, Stride: 2, Padding: 1},
	}

	inplanes := width
	for stage, count := range blocks {
		planes := width << stage
		stride := 2
		if stage == 0 {
			stride = 1
		}
		var row []*Bottleneck
		for i := 0; i < count; i++ {
			name := join(prefix, fmt.Sprintf("%d.%d", stage+4, i))
			s := 1
			if i == 0 {
				s = stride
			}
			row = append(row, newBottleneck(name, inplanes, planes, s))
			inplanes = planes * expansion
		}
		r.Stages = append(r.Stages, row)
	}
	r.featureDim = inplanes
	return r
}

func (r *ResNet) FeatureDim() int { return r.featureDim }

func (r *ResNet) Params() []*Param {
	out := Collect(r.Conv1, r.BN1)
	for _, row := range r.Stages {
		for _, b := range row {
			out = append(out, b.Params()...)
		}
	}
	return out
}

// Forward maps (N, 3, H, W) to (N, FeatureDim()).
func (r *ResNet) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := convBN(x, r.Conv1, r.BN1)
	if err != nil {
		return nil, err
	}
	ReLU(out)
	if out, err = r.Pool.Forward(out); err != nil {
		return nil, err
	}
	for _, row := range r.Stages {
		for _, b := range row {
			if out, err = b.Forward(out); err != nil {
				return nil, err
			}
		}
	}
	return GlobalAvgPool(out)
}
