package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != "8080" || cfg.Server.MaxUploadMB != 50 {
		t.Errorf("unexpected server defaults %+v", cfg.Server)
	}
	arch := cfg.Model.Architecture()
	if arch.SequenceLength != 20 || arch.ImageHeight != 112 || arch.ImageWidth != 112 {
		t.Errorf("unexpected input shape %+v", arch)
	}
	if arch.LSTMHidden != 256 || arch.LSTMLayers != 2 || arch.HeadHidden != 256 || arch.Dropout != 0.3 {
		t.Errorf("unexpected architecture %+v", arch)
	}
	if cfg.Video.Decoder != "opencv" || cfg.Model.Backbone != "resnet50" || cfg.Model.Device != "auto" {
		t.Errorf("unexpected backends %q/%q/%q", cfg.Video.Decoder, cfg.Model.Backbone, cfg.Model.Device)
	}
	if cfg.Cache.RedisAddr != "" {
		t.Error("prediction cache should be disabled by default")
	}
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9090"
  request_timeout: 30s
  allowed_extensions: [mp4]
model:
  checkpoint_url: https://example.com/model.pth
  backbone: onnx
  device: cuda
  sequence_length: 16
video:
  decoder: ffmpeg
cache:
  redis_addr: localhost:6379
  ttl: 1h
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != "9090" || cfg.Server.RequestTimeout != 30*time.Second {
		t.Errorf("unexpected server config %+v", cfg.Server)
	}
	if len(cfg.Server.AllowedExtensions) != 1 {
		t.Errorf("expected allowed_extensions to be replaced, got %v", cfg.Server.AllowedExtensions)
	}
	if cfg.Model.CheckpointURL != "https://example.com/model.pth" || cfg.Model.SequenceLength != 16 {
		t.Errorf("unexpected model config %+v", cfg.Model)
	}
	// keys the file does not mention keep their defaults
	if cfg.Model.ImageHeight != 112 || cfg.Server.MaxUploadMB != 50 {
		t.Error("defaults were not preserved")
	}
	if cfg.Video.Decoder != "ffmpeg" || cfg.Cache.TTL != time.Hour || cfg.Cache.RedisAddr != "localhost:6379" {
		t.Errorf("unexpected video/cache config %+v %+v", cfg.Video, cfg.Cache)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "server:\n  port: \"9090\"\n")
	t.Setenv("PORT", "7000")
	t.Setenv("MODEL_DEVICE", "cpu")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("MAX_UPLOAD_MB", "not-a-number")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != "7000" {
		t.Errorf("PORT override ignored: %s", cfg.Server.Port)
	}
	if cfg.Model.Device != "cpu" || cfg.Cache.RedisAddr != "redis:6379" || cfg.Cache.RedisDB != 3 {
		t.Errorf("env overrides ignored: %+v %+v", cfg.Model, cfg.Cache)
	}
	if cfg.Server.MaxUploadMB != 50 {
		t.Errorf("invalid integer should fall back, got %d", cfg.Server.MaxUploadMB)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", "server: [port"},
		{"unknown device", "model:\n  device: tpu\n"},
		{"unknown backbone", "model:\n  backbone: vgg16\n"},
		{"onnx without graph", "model:\n  backbone: onnx\n  backbone_url: \"\"\n"},
		{"zero frames", "model:\n  sequence_length: 0\n"},
		{"dropout", "model:\n  dropout: 1.5\n"},
		{"unknown decoder", "video:\n  decoder: gstreamer\n"},
		{"upload size", "server:\n  max_upload_mb: 0\n"},
		{"no extensions", "server:\n  allowed_extensions: []\n"},
		{"negative rate", "server:\n  rate_limit: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestAllowedExtension(t *testing.T) {
	s := defaultConfig().Server
	tests := []struct {
		filename string
		ext      string
		ok       bool
	}{
		{"clip.mp4", "mp4", true},
		{"CLIP.MOV", "mov", true},
		{"archive.tar.avi", "avi", true},
		{"notes.txt", "txt", false},
		{"noextension", "", false},
	}
	for _, tt := range tests {
		ext, ok := s.AllowedExtension(tt.filename)
		if ext != tt.ext || ok != tt.ok {
			t.Errorf("AllowedExtension(%q) = %q, %v; want %q, %v", tt.filename, ext, ok, tt.ext, tt.ok)
		}
	}
}
