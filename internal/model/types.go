package model

import "fmt"

// Config describes the architecture of the action network. The defaults
// reproduce the trained CNN-LSTM: ResNet-50 features, a 2-layer
// bidirectional LSTM with 256 units per direction and a 512→256→classes
// head.
type Config struct {
	NumClasses     int     `json:"num_classes"`
	SequenceLength int     `json:"sequence_length"`
	ImageHeight    int     `json:"image_height"`
	ImageWidth     int     `json:"image_width"`
	LSTMHidden     int     `json:"lstm_hidden"`
	LSTMLayers     int     `json:"lstm_layers"`
	HeadHidden     int     `json:"head_hidden"`
	Dropout        float64 `json:"dropout"`
}

func DefaultConfig(numClasses int) Config {
	return Config{
		NumClasses:     numClasses,
		SequenceLength: 20,
		ImageHeight:    112,
		ImageWidth:     112,
		LSTMHidden:     256,
		LSTMLayers:     2,
		HeadHidden:     256,
		Dropout:        0.3,
	}
}

func (c Config) Validate() error {
	switch {
	case c.NumClasses <= 0:
		return fmt.Errorf("num_classes must be positive, got %d", c.NumClasses)
	case c.SequenceLength <= 0:
		return fmt.Errorf("sequence_length must be positive, got %d", c.SequenceLength)
	case c.ImageHeight <= 0 || c.ImageWidth <= 0:
		return fmt.Errorf("image size must be positive, got %dx%d", c.ImageWidth, c.ImageHeight)
	case c.LSTMHidden <= 0 || c.LSTMLayers <= 0:
		return fmt.Errorf("lstm hidden/layers must be positive, got %d/%d", c.LSTMHidden, c.LSTMLayers)
	case c.HeadHidden <= 0:
		return fmt.Errorf("head_hidden must be positive, got %d", c.HeadHidden)
	case c.Dropout < 0 || c.Dropout >= 1:
		return fmt.Errorf("dropout must be in [0, 1), got %v", c.Dropout)
	}
	return nil
}

// Device is the compute target of the spatial backbone.
type Device string

const (
	DeviceAuto Device = "auto"
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

func ParseDevice(s string) (Device, error) {
	switch d := Device(s); d {
	case DeviceAuto, DeviceCPU, DeviceCUDA:
		return d, nil
	case "":
		return DeviceAuto, nil
	default:
		return "", fmt.Errorf("unknown device %q (want auto, cpu or cuda)", s)
	}
}

// Backbone selects the spatial feature extractor implementation.
type Backbone string

const (
	// BackboneResNet50 runs ResNet-50 natively with weights from the
	// checkpoint.
	BackboneResNet50 Backbone = "resnet50"
	// BackboneONNX runs a separately exported backbone graph through ONNX
	// Runtime.
	BackboneONNX Backbone = "onnx"
)

func ParseBackbone(s string) (Backbone, error) {
	switch b := Backbone(s); b {
	case BackboneResNet50, BackboneONNX:
		return b, nil
	case "":
		return BackboneResNet50, nil
	default:
		return "", fmt.Errorf("unknown backbone %q (want resnet50 or onnx)", s)
	}
}
