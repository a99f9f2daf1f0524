package bootstrap

import (
	"context"
	"fmt"

	"github.com/Brownie44l1/action-api/internal/config"
	"github.com/Brownie44l1/action-api/internal/fetch"
	"github.com/Brownie44l1/action-api/internal/inference"
	"github.com/Brownie44l1/action-api/internal/model"
	"github.com/Brownie44l1/action-api/internal/video"
	"github.com/rs/zerolog"
	"go.uber.org/fx"
)

func ProvideFetcher(cfg *config.Config, logger zerolog.Logger) fetch.Fetcher {
	return fetch.NewClient(fetch.Config{
		CacheDir: cfg.Model.CacheDir,
		Timeout:  cfg.Model.FetchTimeout,
	}, logger)
}

func ProvideDecoder(cfg *config.Config, logger zerolog.Logger) (video.Decoder, error) {
	return video.NewDecoder(cfg.Video.Decoder, logger)
}

// BackboneFactory returns the feature extractor constructor for the
// configured backbone.
func BackboneFactory(cfg *config.Config, fetcher fetch.Fetcher, logger zerolog.Logger) (inference.BackboneFactory, error) {
	backbone, err := model.ParseBackbone(cfg.Model.Backbone)
	if err != nil {
		return nil, err
	}
	if backbone == model.BackboneResNet50 {
		return inference.NativeBackbone, nil
	}

	return func(ctx context.Context, device model.Device) (model.FeatureExtractor, error) {
		graph, err := fetcher.Fetch(ctx, cfg.Model.BackboneURL)
		if err != nil {
			return nil, fmt.Errorf("fetch backbone graph: %w", err)
		}
		return model.NewONNXBackbone(graph, model.ONNXConfig{
			LibraryPath: cfg.Model.ONNXRuntimeLib,
			Device:      device,
			DeviceID:    cfg.Model.DeviceID,
			Threads:     cfg.Model.Threads,
		}, logger)
	}, nil
}

// NewEngine assembles an engine from configuration. It does not load
// anything; the first Init or Predict does.
func NewEngine(cfg *config.Config, fetcher fetch.Fetcher, decoder video.Decoder, logger zerolog.Logger) (*inference.Engine, error) {
	device, err := model.ParseDevice(cfg.Model.Device)
	if err != nil {
		return nil, err
	}
	backbone, err := model.ParseBackbone(cfg.Model.Backbone)
	if err != nil {
		return nil, err
	}
	factory, err := BackboneFactory(cfg, fetcher, logger)
	if err != nil {
		return nil, err
	}

	arch := cfg.Model.Architecture()
	sampler := video.NewSampler(decoder, arch.SequenceLength, arch.ImageWidth, arch.ImageHeight, logger)

	return inference.NewEngine(inference.Options{
		CheckpointURL: cfg.Model.CheckpointURL,
		VocabularyURL: cfg.Model.VocabularyURL,
		Model:         arch,
		Device:        device,
		Backbone:      backbone,
		Fetcher:       fetcher,
		Sampler:       sampler,
		NewBackbone:   factory,
	}, logger)
}

// ProvideEngine registers the engine with the lifecycle. With eager init the
// model loads in the background at startup; a failure is logged and the
// next request retries.
func ProvideEngine(lc fx.Lifecycle, cfg *config.Config, fetcher fetch.Fetcher, decoder video.Decoder, logger zerolog.Logger) (*inference.Engine, error) {
	engine, err := NewEngine(cfg, fetcher, decoder, logger)
	if err != nil {
		return nil, err
	}

	initCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if !cfg.Server.EagerInit {
				return nil
			}
			go func() {
				if err := engine.Init(initCtx); err != nil {
					logger.Error().Err(err).Msg("model initialization failed, will retry on first request")
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			if err := engine.Close(); err != nil {
				logger.Warn().Err(err).Msg("failed to release model")
			}
			return model.ShutdownRuntime()
		},
	})
	return engine, nil
}

var EngineModule = fx.Options(
	fx.Provide(
		ProvideFetcher,
		ProvideDecoder,
		ProvideEngine,
	),
)
