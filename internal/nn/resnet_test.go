package nn

import (
	"strings"
	"testing"

	"github.com/Brownie44l1/action-api/internal/tensor"
)

func TestResNet50_ParameterLayout(t *testing.T) {
	r := NewResNet50("cnn")
	if r.FeatureDim() != 2048 {
		t.Errorf("expected feature dim 2048, got %d", r.FeatureDim())
	}

	params := r.Params()
	if len(params) != 265 {
		t.Errorf("expected 265 parameter entries, got %d", len(params))
	}

	trainable := 0
	names := make(map[string]bool)
	for _, p := range params {
		names[p.Name] = true
		if !strings.HasSuffix(p.Name, "running_mean") && !strings.HasSuffix(p.Name, "running_var") {
			trainable += len(p.Data)
		}
	}
	// torchvision resnet50 without its fc layer
	if trainable != 23508032 {
		t.Errorf("expected 23508032 trainable values, got %d", trainable)
	}

	for _, name := range []string{
		"cnn.0.weight",
		"cnn.1.running_var",
		"cnn.4.0.downsample.0.weight",
		"cnn.5.3.conv3.weight",
		"cnn.6.5.bn2.bias",
		"cnn.7.2.bn3.running_mean",
	} {
		if !names[name] {
			t.Errorf("missing parameter %s", name)
		}
	}
	if names["cnn.4.1.downsample.0.weight"] {
		t.Error("only the first block of a stage should downsample")
	}
}

func TestResNet_ForwardShape(t *testing.T) {
	r := NewResNet("cnn", []int{1, 1, 1, 1}, 2)
	if r.FeatureDim() != 64 {
		t.Fatalf("expected feature dim 64, got %d", r.FeatureDim())
	}
	for _, p := range r.Params() {
		if strings.HasSuffix(p.Name, "weight") && len(p.Shape) == 4 {
			fill(p, 0.01)
		}
	}

	x := tensor.New(2, 3, 32, 32)
	for i := range x.Data {
		x.Data[i] = float32(i%7) / 7
	}
	out, err := r.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !out.SameShape([]int{2, 64}) {
		t.Fatalf("unexpected shape %s", tensor.FormatShape(out.Shape))
	}
	for i, v := range out.Data {
		if v < 0 {
			t.Fatalf("feature %d is negative after final ReLU: %v", i, v)
		}
	}
}

func TestResNet_RejectsGrayscale(t *testing.T) {
	r := NewResNet("cnn", []int{1, 1, 1, 1}, 2)
	if _, err := r.Forward(tensor.New(1, 1, 32, 32)); err == nil {
		t.Fatal("expected error for single-channel input")
	}
}
