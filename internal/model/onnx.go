package model

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/Brownie44l1/action-api/internal/nn"
	"github.com/Brownie44l1/action-api/internal/tensor"
	"github.com/rs/zerolog"
	ort "github.com/yalue/onnxruntime_go"
)

// ONNXConfig configures the ONNX Runtime backbone.
type ONNXConfig struct {
	// LibraryPath points at libonnxruntime; empty uses the platform default.
	LibraryPath string
	Device      Device
	DeviceID    int
	Threads     int
}

// ONNXBackbone runs an exported spatial feature extractor through ONNX
// Runtime. The graph must take (N, 3, H, W) and produce (N, D) or
// (N, D, 1, 1).
type ONNXBackbone struct {
	mu         sync.RWMutex
	session    *ort.DynamicAdvancedSession
	inputName  string
	outputName string
	featureDim int
	device     Device
	logger     zerolog.Logger
}

var envMu sync.Mutex

func initEnvironment(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

// ShutdownRuntime releases the process-wide ONNX environment if it was
// initialized.
func ShutdownRuntime() error {
	envMu.Lock()
	defer envMu.Unlock()

	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// NewONNXBackbone creates a session over graph. The device is resolved
// here, once: auto prefers CUDA and falls back to the CPU provider.
func NewONNXBackbone(graph []byte, cfg ONNXConfig, logger zerolog.Logger) (*ONNXBackbone, error) {
	logger = logger.With().Str("component", "onnx").Logger()

	if err := initEnvironment(cfg.LibraryPath); err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(graph)
	if err != nil {
		return nil, fmt.Errorf("failed to read backbone io: %w", err)
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, fmt.Errorf("backbone must have one input and one output, got %d/%d", len(inputs), len(outputs))
	}
	in, out := inputs[0], outputs[0]
	if len(in.Dimensions) != 4 {
		return nil, fmt.Errorf("backbone input must be 4D, got %v", in.Dimensions)
	}
	if len(out.Dimensions) < 2 || out.Dimensions[1] <= 0 {
		return nil, fmt.Errorf("backbone output must have a fixed feature dimension, got %v", out.Dimensions)
	}

	device := cfg.Device
	if device == "" {
		device = DeviceAuto
	}

	session, resolved, err := newSession(graph, in.Name, out.Name, cfg, device, logger)
	if err != nil && device == DeviceAuto && resolved == DeviceCUDA {
		logger.Warn().Err(err).Msg("CUDA session failed, falling back to CPU")
		session, resolved, err = newSession(graph, in.Name, out.Name, cfg, DeviceCPU, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	logger.Info().
		Str("input", in.Name).
		Str("output", out.Name).
		Int64("feature_dim", out.Dimensions[1]).
		Str("device", string(resolved)).
		Msg("backbone session created")

	return &ONNXBackbone{
		session:    session,
		inputName:  in.Name,
		outputName: out.Name,
		featureDim: int(out.Dimensions[1]),
		device:     resolved,
		logger:     logger,
	}, nil
}

func newSession(graph []byte, input, output string, cfg ONNXConfig, device Device, logger zerolog.Logger) (*ort.DynamicAdvancedSession, Device, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, DeviceCPU, fmt.Errorf("session options: %w", err)
	}
	defer opts.Destroy()

	if cfg.Threads > 0 {
		if err := opts.SetIntraOpNumThreads(cfg.Threads); err != nil {
			logger.Warn().Err(err).Int("threads", cfg.Threads).Msg("failed to set thread count")
		}
	}

	resolved := DeviceCPU
	if device != DeviceCPU {
		if err := appendCUDA(opts, cfg.DeviceID); err != nil {
			if device == DeviceCUDA {
				return nil, DeviceCUDA, fmt.Errorf("cuda requested: %w", err)
			}
			logger.Info().Err(err).Msg("CUDA not available, using CPU")
		} else {
			resolved = DeviceCUDA
		}
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(graph, []string{input}, []string{output}, opts)
	if err != nil {
		return nil, resolved, err
	}
	return session, resolved, nil
}

func appendCUDA(opts *ort.SessionOptions, deviceID int) error {
	cudaOpts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cudaOpts.Destroy()

	if err := cudaOpts.Update(map[string]string{"device_id": strconv.Itoa(deviceID)}); err != nil {
		return err
	}
	return opts.AppendExecutionProviderCUDA(cudaOpts)
}

// Extract runs the backbone on a batch of frames. Each call owns its input
// and output tensors, so concurrent calls share only the session.
func (b *ONNXBackbone) Extract(ctx context.Context, frames *tensor.Tensor) (*tensor.Tensor, error) {
	if frames.Dims() != 4 {
		return nil, fmt.Errorf("expected (N, 3, H, W) frames, got %s", tensor.FormatShape(frames.Shape))
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.session == nil {
		return nil, fmt.Errorf("backbone session is closed")
	}

	n := frames.Shape[0]
	shape := ort.NewShape(int64(n), int64(frames.Shape[1]), int64(frames.Shape[2]), int64(frames.Shape[3]))

	input, err := ort.NewTensor(shape, frames.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer input.Destroy()

	outputs := []ort.Value{nil}
	if err := b.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	defer func() {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
	}()

	result, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type %T", outputs[0])
	}
	data := result.GetData()
	if len(data) != n*b.featureDim {
		return nil, fmt.Errorf("unexpected output shape %v", result.GetShape())
	}

	features := tensor.New(n, b.featureDim)
	copy(features.Data, data)
	return features, nil
}

func (b *ONNXBackbone) FeatureDim() int     { return b.featureDim }
func (b *ONNXBackbone) Params() []*nn.Param { return nil }
func (b *ONNXBackbone) Device() Device      { return b.device }

// Close waits for running extractions and destroys the session.
func (b *ONNXBackbone) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return nil
	}
	err := b.session.Destroy()
	b.session = nil
	return err
}
