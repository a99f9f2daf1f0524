package video

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

// testClip renders a 3 second, 30 frame test pattern, or skips when ffmpeg
// is not installed.
func testClip(t *testing.T) string {
	t.Helper()
	ffmpeg, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not installed")
	}
	path := filepath.Join(t.TempDir(), "clip.mp4")
	cmd := exec.Command(ffmpeg,
		"-v", "error",
		"-f", "lavfi", "-i", "testsrc=size=64x48:rate=10",
		"-t", "3",
		"-c:v", "mpeg4",
		"-pix_fmt", "yuv420p",
		path,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Skipf("failed to render test clip: %v: %s", err, out)
	}
	return path
}

func TestResizeRGB_SolidColor(t *testing.T) {
	raw := make([]byte, 8*6*3)
	for p := 0; p < 8*6; p++ {
		raw[p*3], raw[p*3+1], raw[p*3+2] = 10, 200, 30
	}
	f := resizeRGB(raw, 8, 6, 4, 4)
	if f.Width != 4 || f.Height != 4 || len(f.Pix) != 4*4*3 {
		t.Fatalf("unexpected frame %dx%d with %d bytes", f.Width, f.Height, len(f.Pix))
	}
	want := []int{10, 200, 30}
	for i, v := range f.Pix {
		if d := int(v) - want[i%3]; d < -1 || d > 1 {
			t.Fatalf("byte %d = %d, want %d", i, v, want[i%3])
		}
	}
}

func TestResizeRGB_SameSize(t *testing.T) {
	raw := []byte{1, 2, 3, 4, 5, 6}
	f := resizeRGB(raw, 2, 1, 2, 1)
	for i := range raw {
		if f.Pix[i] != raw[i] {
			t.Fatalf("expected copy of input, got %v", f.Pix)
		}
	}
}

func TestFFmpegDecoder_Sample(t *testing.T) {
	path := testClip(t)
	d, err := NewFFmpegDecoder(zerolog.Nop())
	if err != nil {
		t.Skipf("ffmpeg decoder unavailable: %v", err)
	}

	seq, err := NewSampler(d, 8, 16, 16, zerolog.Nop()).Sample(context.Background(), path)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if seq.Total != 30 {
		t.Errorf("expected 30 frames, got %d", seq.Total)
	}
	if len(seq.Frames) != 8 || seq.Decoded != 8 {
		t.Errorf("expected 8 decoded frames, got %d/%d", seq.Decoded, len(seq.Frames))
	}
}

func TestFFmpegDecoder_NotAVideo(t *testing.T) {
	d, err := NewFFmpegDecoder(zerolog.Nop())
	if err != nil {
		t.Skipf("ffmpeg decoder unavailable: %v", err)
	}
	path := filepath.Join(t.TempDir(), "missing.mp4")

	_, err = NewSampler(d, 8, 16, 16, zerolog.Nop()).Sample(context.Background(), path)
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}
