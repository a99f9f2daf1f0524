// Package inference owns the loaded model and vocabulary and turns a video
// path into a prediction.
package inference

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Brownie44l1/action-api/internal/fetch"
	"github.com/Brownie44l1/action-api/internal/labels"
	"github.com/Brownie44l1/action-api/internal/model"
	"github.com/Brownie44l1/action-api/internal/video"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Sampler produces the frame sequence for one video.
type Sampler interface {
	Sample(ctx context.Context, path string) (*video.Sequence, error)
}

// BackboneFactory builds the spatial feature extractor for the configured
// device.
type BackboneFactory func(ctx context.Context, device model.Device) (model.FeatureExtractor, error)

// NativeBackbone builds the in-process ResNet-50, which runs on the CPU only.
func NativeBackbone(ctx context.Context, device model.Device) (model.FeatureExtractor, error) {
	if device == model.DeviceCUDA {
		return nil, fmt.Errorf("device cuda needs the onnx backbone")
	}
	return model.NewNativeBackbone(), nil
}

type Options struct {
	CheckpointURL string
	VocabularyURL string
	// Model is the network architecture. NumClasses is taken from the
	// vocabulary.
	Model    model.Config
	Device   model.Device
	Backbone model.Backbone

	Fetcher     fetch.Fetcher
	Sampler     Sampler
	NewBackbone BackboneFactory
}

type Prediction struct {
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
}

type Status struct {
	Ready       bool   `json:"ready"`
	NumClasses  int    `json:"num_classes"`
	Device      string `json:"device,omitempty"`
	Backbone    string `json:"backbone,omitempty"`
	ModelDigest string `json:"model_digest,omitempty"`
}

// resources is everything Init builds. It is published once and never
// modified afterwards.
type resources struct {
	model  *model.ActionModel
	vocab  *labels.Vocabulary
	digest string
}

// Engine is uninitialized until Init succeeds and ready from then on. Init
// runs at most one load at a time; a failed load leaves the engine
// uninitialized so a later call can try again.
type Engine struct {
	opts   Options
	logger zerolog.Logger
	group  singleflight.Group
	res    atomic.Pointer[resources]
	closed atomic.Bool
}

func NewEngine(opts Options, logger zerolog.Logger) (*Engine, error) {
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if opts.Sampler == nil {
		return nil, fmt.Errorf("sampler is required")
	}
	if opts.NewBackbone == nil {
		opts.NewBackbone = NativeBackbone
	}
	if opts.Backbone == "" {
		opts.Backbone = model.BackboneResNet50
	}
	if opts.Device == "" {
		opts.Device = model.DeviceAuto
	}

	return &Engine{
		opts:   opts,
		logger: logger.With().Str("component", "engine").Logger(),
	}, nil
}

// Init loads the vocabulary and the model. Concurrent callers share one
// load; a caller whose context ends stops waiting without cancelling it.
func (e *Engine) Init(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if e.res.Load() != nil {
		return nil
	}

	ch := e.group.DoChan("init", func() (any, error) {
		if r := e.res.Load(); r != nil {
			return r, nil
		}
		r, err := e.load(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		e.res.Store(r)
		if e.closed.Load() {
			// closed while loading
			e.release()
			return nil, ErrClosed
		}
		return r, nil
	})

	select {
	case result := <-ch:
		return result.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) load(ctx context.Context) (*resources, error) {
	start := time.Now()
	e.logger.Info().
		Str("vocabulary", e.opts.VocabularyURL).
		Str("checkpoint", e.opts.CheckpointURL).
		Str("backbone", string(e.opts.Backbone)).
		Msg("loading model resources")

	data, err := e.opts.Fetcher.Fetch(ctx, e.opts.VocabularyURL)
	if err != nil {
		return nil, &ResourceLoadError{Resource: "vocabulary", Err: err}
	}
	vocab, err := labels.Parse(data)
	if err != nil {
		return nil, &ResourceLoadError{Resource: "vocabulary", Err: err}
	}
	e.logger.Info().Int("classes", vocab.Size()).Msg("vocabulary loaded")

	data, err = e.opts.Fetcher.Fetch(ctx, e.opts.CheckpointURL)
	if err != nil {
		return nil, &ResourceLoadError{Resource: "checkpoint", Err: err}
	}
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	sd, err := model.LoadCheckpoint(data)
	if err != nil {
		return nil, &ResourceLoadError{Resource: "checkpoint", Err: err}
	}

	backbone, err := e.opts.NewBackbone(ctx, e.opts.Device)
	if err != nil {
		return nil, &ResourceLoadError{Resource: "backbone", Err: err}
	}

	cfg := e.opts.Model
	cfg.NumClasses = vocab.Size()
	m, err := model.NewActionModel(cfg, backbone)
	if err != nil {
		backbone.Close()
		return nil, &ResourceLoadError{Resource: "model", Err: err}
	}
	report, err := m.LoadStateDict(sd)
	if err != nil {
		m.Close()
		return nil, &ResourceLoadError{Resource: "checkpoint", Err: err}
	}
	m.Eval()

	if len(report.Unexpected) > 0 {
		e.logger.Warn().Strs("keys", report.Unexpected).Msg("checkpoint has keys the model does not use")
	}
	e.logger.Info().
		Int("parameters", report.Loaded).
		Str("device", string(m.Device())).
		Str("digest", digest[:12]).
		Dur("took", time.Since(start)).
		Msg("model ready")

	return &resources{model: m, vocab: vocab, digest: digest}, nil
}

// Predict classifies the video at path, initializing the engine first if
// needed.
func (e *Engine) Predict(ctx context.Context, path string) (*Prediction, error) {
	if err := e.Init(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	r := e.res.Load()
	if r == nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, ErrClosed)
	}

	seq, err := e.opts.Sampler.Sample(ctx, path)
	if err != nil {
		return nil, err
	}
	logits, err := r.model.Forward(ctx, video.Encode(seq))
	if err != nil {
		return nil, fmt.Errorf("forward pass: %w", err)
	}

	probs := Softmax(logits.Data)
	best := Argmax(probs)
	action, err := r.vocab.Decode(best)
	if err != nil {
		return nil, err
	}

	e.logger.Debug().
		Str("path", path).
		Str("action", action).
		Float64("probability", probs[best]).
		Int("decoded_frames", seq.Decoded).
		Msg("prediction")

	return &Prediction{Action: action, Confidence: Percent(probs[best])}, nil
}

// Classes returns the vocabulary in class-id order, or an empty list before
// the engine is ready.
func (e *Engine) Classes() []string {
	r := e.res.Load()
	if r == nil {
		return []string{}
	}
	return r.vocab.All()
}

func (e *Engine) Status() Status {
	r := e.res.Load()
	if r == nil {
		return Status{Backbone: string(e.opts.Backbone)}
	}
	return Status{
		Ready:       true,
		NumClasses:  r.vocab.Size(),
		Device:      string(r.model.Device()),
		Backbone:    string(e.opts.Backbone),
		ModelDigest: r.digest,
	}
}

// Close unpublishes the model and releases it. Later calls to Init and
// Predict fail with ErrClosed.
func (e *Engine) Close() error {
	e.closed.Store(true)
	return e.release()
}

func (e *Engine) release() error {
	r := e.res.Swap(nil)
	if r == nil {
		return nil
	}
	return r.model.Close()
}
