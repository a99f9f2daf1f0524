package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Brownie44l1/action-api/internal/model"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Server ServerConfig `yaml:"server"`
	Model  ModelConfig  `yaml:"model"`
	Video  VideoConfig  `yaml:"video"`
	Cache  CacheConfig  `yaml:"cache"`
}

type ServerConfig struct {
	Port              string        `yaml:"port"`
	UploadDir         string        `yaml:"upload_dir"`
	MaxUploadMB       int           `yaml:"max_upload_mb"`
	AllowedExtensions []string      `yaml:"allowed_extensions"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	// RateLimit is the sustained number of requests per second allowed per
	// client; zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
	// EagerInit loads the model at startup instead of on the first request.
	EagerInit bool `yaml:"eager_init"`
}

type ModelConfig struct {
	CheckpointURL string `yaml:"checkpoint_url"`
	VocabularyURL string `yaml:"vocabulary_url"`
	CacheDir      string `yaml:"cache_dir"`

	Backbone       string `yaml:"backbone"`
	BackboneURL    string `yaml:"backbone_url"`
	Device         string `yaml:"device"`
	DeviceID       int    `yaml:"device_id"`
	Threads        int    `yaml:"threads"`
	ONNXRuntimeLib string `yaml:"onnxruntime_lib"`

	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	SequenceLength int     `yaml:"sequence_length"`
	ImageHeight    int     `yaml:"image_height"`
	ImageWidth     int     `yaml:"image_width"`
	LSTMHidden     int     `yaml:"lstm_hidden"`
	LSTMLayers     int     `yaml:"lstm_layers"`
	HeadHidden     int     `yaml:"head_hidden"`
	Dropout        float64 `yaml:"dropout"`
}

type VideoConfig struct {
	// Decoder is opencv or ffmpeg.
	Decoder string `yaml:"decoder"`
}

type CacheConfig struct {
	// RedisAddr enables the prediction cache when set.
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
}

// Architecture returns the network configuration. NumClasses is filled in
// from the vocabulary at load time.
func (m ModelConfig) Architecture() model.Config {
	return model.Config{
		SequenceLength: m.SequenceLength,
		ImageHeight:    m.ImageHeight,
		ImageWidth:     m.ImageWidth,
		LSTMHidden:     m.LSTMHidden,
		LSTMLayers:     m.LSTMLayers,
		HeadHidden:     m.HeadHidden,
		Dropout:        m.Dropout,
	}
}

// Load reads configuration from file over the defaults, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path == "" {
		path = findConfigFile()
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	arch := model.DefaultConfig(0)
	return &Config{
		Server: ServerConfig{
			Port:              "8080",
			UploadDir:         "./uploads",
			MaxUploadMB:       50,
			AllowedExtensions: []string{"mp4", "avi", "mov"},
			RequestTimeout:    2 * time.Minute,
			RateLimit:         2,
			RateBurst:         5,
			EagerInit:         true,
		},
		Model: ModelConfig{
			CheckpointURL:  "./models/action_recognition_model.pth",
			VocabularyURL:  "./models/label_encoder.json",
			CacheDir:       "./models",
			Backbone:       string(model.BackboneResNet50),
			BackboneURL:    "./models/resnet50_backbone.onnx",
			Device:         string(model.DeviceAuto),
			FetchTimeout:   10 * time.Minute,
			SequenceLength: arch.SequenceLength,
			ImageHeight:    arch.ImageHeight,
			ImageWidth:     arch.ImageWidth,
			LSTMHidden:     arch.LSTMHidden,
			LSTMLayers:     arch.LSTMLayers,
			HeadHidden:     arch.HeadHidden,
			Dropout:        arch.Dropout,
		},
		Video: VideoConfig{
			Decoder: "opencv",
		},
		Cache: CacheConfig{
			TTL: 24 * time.Hour,
		},
	}
}

func findConfigFile() string {
	candidates := []string{
		"./config.yaml",
		"./config.yml",
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.UploadDir = getEnv("UPLOAD_DIR", c.Server.UploadDir)
	c.Server.MaxUploadMB = getEnvInt("MAX_UPLOAD_MB", c.Server.MaxUploadMB)

	c.Model.CheckpointURL = getEnv("MODEL_CHECKPOINT_URL", c.Model.CheckpointURL)
	c.Model.VocabularyURL = getEnv("MODEL_VOCABULARY_URL", c.Model.VocabularyURL)
	c.Model.BackboneURL = getEnv("MODEL_BACKBONE_URL", c.Model.BackboneURL)
	c.Model.Backbone = getEnv("MODEL_BACKBONE", c.Model.Backbone)
	c.Model.Device = getEnv("MODEL_DEVICE", c.Model.Device)
	c.Model.CacheDir = getEnv("MODEL_CACHE_DIR", c.Model.CacheDir)
	c.Model.ONNXRuntimeLib = getEnv("ONNXRUNTIME_LIB", c.Model.ONNXRuntimeLib)

	c.Video.Decoder = getEnv("VIDEO_DECODER", c.Video.Decoder)

	c.Cache.RedisAddr = getEnv("REDIS_ADDR", c.Cache.RedisAddr)
	c.Cache.RedisPassword = getEnv("REDIS_PASSWORD", c.Cache.RedisPassword)
	c.Cache.RedisDB = getEnvInt("REDIS_DB", c.Cache.RedisDB)
}

func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	if c.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("server.max_upload_mb must be positive, got %d", c.Server.MaxUploadMB)
	}
	if len(c.Server.AllowedExtensions) == 0 {
		return fmt.Errorf("server.allowed_extensions is empty")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative, got %v", c.Server.RateLimit)
	}
	if c.Model.CheckpointURL == "" || c.Model.VocabularyURL == "" {
		return fmt.Errorf("model.checkpoint_url and model.vocabulary_url are required")
	}

	backbone, err := model.ParseBackbone(c.Model.Backbone)
	if err != nil {
		return err
	}
	if backbone == model.BackboneONNX && c.Model.BackboneURL == "" {
		return fmt.Errorf("model.backbone_url is required for the onnx backbone")
	}
	if _, err := model.ParseDevice(c.Model.Device); err != nil {
		return err
	}

	// any class count will do; the shapes are what is checked here
	arch := c.Model.Architecture()
	arch.NumClasses = 1
	if err := arch.Validate(); err != nil {
		return fmt.Errorf("model: %w", err)
	}

	switch c.Video.Decoder {
	case "opencv", "ffmpeg":
	default:
		return fmt.Errorf("unknown video decoder %q (want opencv or ffmpeg)", c.Video.Decoder)
	}
	return nil
}

// AllowedExtension reports whether filename has one of the allowed
// extensions, compared case-insensitively.
func (s ServerConfig) AllowedExtension(filename string) (string, bool) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	for _, allowed := range s.AllowedExtensions {
		if ext != "" && ext == strings.ToLower(allowed) {
			return ext, true
		}
	}
	return ext, false
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}
