package model

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/Brownie44l1/action-api/internal/tensor"
	"github.com/Brownie44l1/action-api/internal/torchtest"
	"github.com/nlpodyssey/gopickle/pytorch"
)

func TestLoadCheckpoint_StateDict(t *testing.T) {
	w, _ := tensor.FromData([]float32{1, -2, 3.5, 0}, 2, 2)
	b, _ := tensor.FromData([]float32{0.25, 0.75}, 2)

	data, err := torchtest.Encode(map[string]*tensor.Tensor{"fc.1.weight": w, "fc.1.bias": b}, "")
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	sd, err := LoadCheckpoint(data)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if len(sd) != 2 {
		t.Fatalf("expected 2 tensors, got %v", sd.Keys())
	}
	got := sd["fc.1.weight"]
	if got == nil || !got.SameShape([]int{2, 2}) {
		t.Fatalf("unexpected fc.1.weight %v", got)
	}
	for i, v := range w.Data {
		if got.Data[i] != v {
			t.Errorf("index %d: expected %v, got %v", i, v, got.Data[i])
		}
	}
	if sd["fc.1.bias"].Data[1] != 0.75 {
		t.Errorf("unexpected bias %v", sd["fc.1.bias"].Data)
	}
}

func TestLoadCheckpoint_TrainingCheckpoint(t *testing.T) {
	bias, _ := tensor.FromData([]float32{1, 2}, 2)
	data, err := torchtest.Encode(map[string]*tensor.Tensor{"module.fc.4.bias": bias}, "model_state_dict")
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	sd, err := LoadCheckpoint(data)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	// the epoch counter is not a tensor and is dropped
	if keys := sd.Keys(); len(keys) != 1 || keys[0] != "fc.4.bias" {
		t.Errorf("expected [fc.4.bias], got %v", keys)
	}
}

func TestLoadCheckpoint_Invalid(t *testing.T) {
	var empty bytes.Buffer
	zw := zip.NewWriter(&empty)
	zw.Close()

	noTensors, err := torchtest.Encode(map[string]*tensor.Tensor{}, "")
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"garbage", []byte("not a checkpoint")},
		{"empty archive", empty.Bytes()},
		{"no tensors", noTensors},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadCheckpoint(tt.data); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestFromTorch_StridedView(t *testing.T) {
	// a transposed 2x2 view starting one element into the storage
	view := &pytorch.Tensor{
		Source:        &pytorch.FloatStorage{Data: []float32{9, 1, 2, 3, 4}},
		StorageOffset: 1,
		Size:          []int{2, 2},
		Stride:        []int{1, 2},
	}
	got, ok, err := fromTorch(view)
	if err != nil || !ok {
		t.Fatalf("fromTorch failed: ok=%v err=%v", ok, err)
	}
	want := []float32{1, 3, 2, 4}
	for i, v := range want {
		if got.Data[i] != v {
			t.Errorf("index %d: expected %v, got %v", i, v, got.Data[i])
		}
	}
}

func TestFromTorch_SkipsIntegerStorage(t *testing.T) {
	counter := &pytorch.Tensor{
		Source: &pytorch.LongStorage{Data: []int64{42}},
		Size:   []int{},
		Stride: []int{},
	}
	if _, ok, err := fromTorch(counter); ok || err != nil {
		t.Errorf("expected integer tensor to be skipped, got ok=%v err=%v", ok, err)
	}
}

func TestFromTorch_ViewOutOfRange(t *testing.T) {
	view := &pytorch.Tensor{
		Source: &pytorch.DoubleStorage{Data: []float64{1, 2}},
		Size:   []int{3},
		Stride: []int{1},
	}
	if _, _, err := fromTorch(view); err == nil {
		t.Error("expected error for a view past the storage")
	}
}

func TestNormalizeStateDict_StripsParallelPrefix(t *testing.T) {
	sd := StateDict{
		"module.lstm.weight_ih_l0": tensor.New(1),
		"fc.1.bias":                tensor.New(1),
	}
	out := NormalizeStateDict(sd)
	if _, ok := out["lstm.weight_ih_l0"]; !ok {
		t.Error("expected module. prefix to be stripped")
	}
	if _, ok := out["fc.1.bias"]; !ok {
		t.Error("unprefixed keys should be kept")
	}
}

func TestNormalizeStateDict_UnwrapsNestedCheckpoint(t *testing.T) {
	sd := StateDict{
		"model_state_dict.module.fc.4.weight":  tensor.New(1),
		"model_state_dict.fc.4.bias":           tensor.New(1),
		"optimizer_state_dict.state.0.exp_avg": tensor.New(1),
	}
	out := NormalizeStateDict(sd)
	if len(out) != 2 {
		t.Fatalf("expected 2 keys, got %v", out.Keys())
	}
	for _, k := range []string{"fc.4.weight", "fc.4.bias"} {
		if _, ok := out[k]; !ok {
			t.Errorf("missing key %s", k)
		}
	}
}
