package model

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Brownie44l1/action-api/internal/nn"
	"github.com/Brownie44l1/action-api/internal/tensor"
)

// FeatureExtractor is the frozen spatial stage: it maps a batch of frames
// (N, 3, H, W) to one feature vector per frame (N, FeatureDim()).
type FeatureExtractor interface {
	Extract(ctx context.Context, frames *tensor.Tensor) (*tensor.Tensor, error)
	FeatureDim() int
	// Params lists the weights the extractor expects from the checkpoint.
	// Extractors that carry their own weights return nil.
	Params() []*nn.Param
	Device() Device
	Close() error
}

// NativeBackbone runs a ResNet on the CPU with checkpoint weights.
type NativeBackbone struct {
	net *nn.ResNet
}

// NewNativeBackbone builds the ResNet-50 extractor under the "cnn" prefix
// used by the trained model.
func NewNativeBackbone() *NativeBackbone {
	return &NativeBackbone{net: nn.NewResNet50("cnn")}
}

// NewNativeBackboneWith wraps an already constructed ResNet.
func NewNativeBackboneWith(net *nn.ResNet) *NativeBackbone {
	return &NativeBackbone{net: net}
}

func (b *NativeBackbone) Extract(ctx context.Context, frames *tensor.Tensor) (*tensor.Tensor, error) {
	return b.net.Forward(frames)
}

func (b *NativeBackbone) FeatureDim() int     { return b.net.FeatureDim() }
func (b *NativeBackbone) Params() []*nn.Param { return b.net.Params() }
func (b *NativeBackbone) Device() Device      { return DeviceCPU }
func (b *NativeBackbone) Close() error        { return nil }

// ActionModel is the two-stage CNN-LSTM classifier.
type ActionModel struct {
	cfg      Config
	backbone FeatureExtractor
	lstm     *nn.LSTM
	drop     nn.Dropout
	fc1      *nn.Linear
	fc2      *nn.Linear
	training bool
}

// NewActionModel assembles the network around backbone. The model starts in
// training mode, like a freshly constructed torch module; call Eval before
// serving.
func NewActionModel(cfg Config, backbone FeatureExtractor) (*ActionModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if backbone == nil {
		return nil, fmt.Errorf("backbone is required")
	}

	lstmDropout := cfg.Dropout
	if cfg.LSTMLayers == 1 {
		lstmDropout = 0
	}
	lstm := nn.NewLSTM("lstm", backbone.FeatureDim(), cfg.LSTMHidden, cfg.LSTMLayers, true, lstmDropout)

	return &ActionModel{
		cfg:      cfg,
		backbone: backbone,
		lstm:     lstm,
		drop:     nn.Dropout{P: cfg.Dropout},
		fc1:      nn.NewLinear("fc.1", lstm.OutputSize(), cfg.HeadHidden),
		fc2:      nn.NewLinear("fc.4", cfg.HeadHidden, cfg.NumClasses),
		training: true,
	}, nil
}

func (m *ActionModel) Config() Config { return m.cfg }

func (m *ActionModel) NumClasses() int { return m.cfg.NumClasses }

func (m *ActionModel) Device() Device { return m.backbone.Device() }

// Eval disables dropout.
func (m *ActionModel) Eval() { m.training = false }

func (m *ActionModel) Training() bool { return m.training }

// Params lists every parameter the model declares, backbone first.
func (m *ActionModel) Params() []*nn.Param {
	params := append([]*nn.Param(nil), m.backbone.Params()...)
	return append(params, nn.Collect(m.lstm, m.fc1, m.fc2)...)
}

// LoadReport summarizes a state dict load.
type LoadReport struct {
	Loaded     int
	Unexpected []string
}

// LoadStateDict assigns every declared parameter from sd. A missing or
// mis-shaped parameter fails the whole load; keys the model does not declare
// are returned in the report.
func (m *ActionModel) LoadStateDict(sd StateDict) (LoadReport, error) {
	params := m.Params()
	declared := make(map[string]bool, len(params))

	var missing, mismatched []string
	for _, p := range params {
		declared[p.Name] = true
		t, ok := sd[p.Name]
		if !ok {
			missing = append(missing, p.Name)
			continue
		}
		if !t.SameShape(p.Shape) {
			mismatched = append(mismatched, fmt.Sprintf("%s: want %s, got %s",
				p.Name, tensor.FormatShape(p.Shape), tensor.FormatShape(t.Shape)))
		}
	}
	if len(missing) > 0 || len(mismatched) > 0 {
		var parts []string
		if len(missing) > 0 {
			parts = append(parts, fmt.Sprintf("missing keys: %s", summarize(missing)))
		}
		if len(mismatched) > 0 {
			parts = append(parts, fmt.Sprintf("shape mismatch: %s", summarize(mismatched)))
		}
		return LoadReport{}, fmt.Errorf("state dict does not match model (%s)", strings.Join(parts, "; "))
	}

	for _, p := range params {
		if err := p.Set(sd[p.Name]); err != nil {
			return LoadReport{}, err
		}
	}

	var unexpected []string
	for k := range sd {
		if !declared[k] {
			unexpected = append(unexpected, k)
		}
	}
	sort.Strings(unexpected)
	return LoadReport{Loaded: len(params), Unexpected: unexpected}, nil
}

func summarize(items []string) string {
	const limit = 8
	if len(items) <= limit {
		return strings.Join(items, ", ")
	}
	return fmt.Sprintf("%s and %d more", strings.Join(items[:limit], ", "), len(items)-limit)
}

// Forward maps an input of shape (B, T, 3, H, W) to class logits (B,
// classes).
func (m *ActionModel) Forward(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Dims() != 5 || x.Shape[2] != 3 || x.Shape[3] != m.cfg.ImageHeight || x.Shape[4] != m.cfg.ImageWidth {
		return nil, fmt.Errorf("input shape %s does not match (B, T, 3, %d, %d)",
			tensor.FormatShape(x.Shape), m.cfg.ImageHeight, m.cfg.ImageWidth)
	}
	batch, steps := x.Shape[0], x.Shape[1]

	frames, err := x.Reshape(batch*steps, 3, m.cfg.ImageHeight, m.cfg.ImageWidth)
	if err != nil {
		return nil, err
	}
	features, err := m.backbone.Extract(ctx, frames)
	if err != nil {
		return nil, fmt.Errorf("backbone: %w", err)
	}
	if !features.SameShape([]int{batch * steps, m.backbone.FeatureDim()}) {
		return nil, fmt.Errorf("backbone returned %s, want (%d, %d)",
			tensor.FormatShape(features.Shape), batch*steps, m.backbone.FeatureDim())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seq, err := features.Reshape(batch, steps, -1)
	if err != nil {
		return nil, err
	}
	hidden, err := m.lstm.Forward(seq, m.training)
	if err != nil {
		return nil, err
	}

	width := m.lstm.OutputSize()
	last := tensor.New(batch, width)
	for b := 0; b < batch; b++ {
		off := (b*steps + steps - 1) * width
		copy(last.Data[b*width:(b+1)*width], hidden.Data[off:off+width])
	}

	out, err := m.fc1.Forward(m.drop.Forward(last, m.training))
	if err != nil {
		return nil, err
	}
	nn.ReLU(out)
	return m.fc2.Forward(m.drop.Forward(out, m.training))
}

func (m *ActionModel) Close() error {
	return m.backbone.Close()
}
