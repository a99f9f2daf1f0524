package video

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"os/exec"
	"strconv"

	"github.com/nfnt/resize"
	"github.com/rs/zerolog"
)

// FFmpegDecoder reads videos by shelling out to ffprobe and ffmpeg. Each
// frame read is a separate ffmpeg run that selects one frame by index and
// writes it as raw rgb24.
type FFmpegDecoder struct {
	logger      zerolog.Logger
	ffmpegPath  string
	ffprobePath string
}

// NewFFmpegDecoder locates ffmpeg and ffprobe in PATH.
func NewFFmpegDecoder(logger zerolog.Logger) (*FFmpegDecoder, error) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}

	ffprobePath, err := exec.LookPath("ffprobe")
	if err != nil {
		return nil, fmt.Errorf("ffprobe not found in PATH: %w", err)
	}

	return &FFmpegDecoder{
		logger:      logger.With().Str("component", "ffmpeg").Logger(),
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
	}, nil
}

func (d *FFmpegDecoder) Name() string { return "ffmpeg" }

// probeResult matches the ffprobe JSON output for the first video stream.
type probeResult struct {
	Streams []struct {
		Width         int    `json:"width"`
		Height        int    `json:"height"`
		NbFrames      string `json:"nb_frames"`
		NbReadPackets string `json:"nb_read_packets"`
	} `json:"streams"`
}

func (d *FFmpegDecoder) Open(ctx context.Context, path string) (Capture, error) {
	args := []string{
		"-v", "error",
		"-select_streams", "v:0",
		"-count_packets",
		"-show_entries", "stream=width,height,nb_frames,nb_read_packets",
		"-print_format", "json",
		path,
	}

	cmd := exec.CommandContext(ctx, d.ffprobePath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &DecodeError{Path: path, Err: fmt.Errorf("ffprobe failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))}
	}

	var probe probeResult
	if err := json.Unmarshal(output, &probe); err != nil {
		return nil, &DecodeError{Path: path, Err: fmt.Errorf("failed to parse ffprobe output: %w", err)}
	}
	if len(probe.Streams) == 0 {
		return nil, &DecodeError{Path: path, Err: fmt.Errorf("no video stream")}
	}
	stream := probe.Streams[0]

	// nb_frames comes from the container like OpenCV's frame count; fall
	// back to the packet count for containers that do not store it.
	total, err := strconv.Atoi(stream.NbFrames)
	if err != nil || total <= 0 {
		total, _ = strconv.Atoi(stream.NbReadPackets)
	}

	d.logger.Debug().
		Str("path", path).
		Int("frames", total).
		Int("width", stream.Width).
		Int("height", stream.Height).
		Msg("video probed")

	return &ffmpegCapture{
		decoder: d,
		path:    path,
		width:   stream.Width,
		height:  stream.Height,
		total:   total,
	}, nil
}

type ffmpegCapture struct {
	decoder *FFmpegDecoder
	path    string
	width   int
	height  int
	total   int
}

func (c *ffmpegCapture) FrameCount() int { return c.total }

func (c *ffmpegCapture) ReadFrame(ctx context.Context, index, width, height int) (Frame, bool, error) {
	args := []string{
		"-hide_banner",
		"-v", "error",
		"-i", c.path,
		"-vf", fmt.Sprintf(`select=eq(n\,%d)`, index),
		"-vsync", "0",
		"-frames:v", "1",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"pipe:1",
	}

	c.decoder.logger.Debug().
		Str("cmd", "ffmpeg").
		Strs("args", args).
		Msg("extracting frame")

	cmd := exec.CommandContext(ctx, c.decoder.ffmpegPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Frame{}, false, ctx.Err()
		}
		c.decoder.logger.Debug().
			Err(err).
			Int("index", index).
			Str("stderr", stderr.String()).
			Msg("frame extraction failed")
		return Frame{}, false, nil
	}

	raw := stdout.Bytes()
	if len(raw) == 0 {
		return Frame{}, false, nil
	}
	if len(raw) != c.width*c.height*3 {
		return Frame{}, false, &DecodeError{Path: c.path, Err: fmt.Errorf(
			"frame %d has %d bytes, want %dx%dx3", index, len(raw), c.width, c.height)}
	}
	return resizeRGB(raw, c.width, c.height, width, height), true, nil
}

func (c *ffmpegCapture) Close() error { return nil }

// resizeRGB scales a packed rgb24 image with bilinear interpolation.
func resizeRGB(raw []byte, srcW, srcH, width, height int) Frame {
	out := NewFrame(width, height)
	if srcW == width && srcH == height {
		copy(out.Pix, raw)
		return out
	}

	src := image.NewNRGBA(image.Rect(0, 0, srcW, srcH))
	for p := 0; p < srcW*srcH; p++ {
		copy(src.Pix[p*4:p*4+3], raw[p*3:p*3+3])
		src.Pix[p*4+3] = 0xff
	}
	scaled := resize.Resize(uint(width), uint(height), src, resize.Bilinear)
	bounds := scaled.Bounds()
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := scaled.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			i := (y*width + x) * 3
			out.Pix[i] = uint8(r >> 8)
			out.Pix[i+1] = uint8(g >> 8)
			out.Pix[i+2] = uint8(b >> 8)
		}
	}
	return out
}
