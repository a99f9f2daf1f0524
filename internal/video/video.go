// Package video turns a video file into the fixed-length frame sequence and
// input tensor the action model consumes.
package video

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// ErrUnreadableVideo is returned when the decoder reports no frames at all.
var ErrUnreadableVideo = errors.New("could not read frames from video")

// DecodeError reports a video that could not be opened or decoded.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Frame is an RGB image stored row-major, three bytes per pixel.
type Frame struct {
	Width  int
	Height int
	Pix    []uint8
}

func NewFrame(width, height int) Frame {
	return Frame{Width: width, Height: height, Pix: make([]uint8, width*height*3)}
}

// Sequence is a fixed number of equally sized frames in source order.
type Sequence struct {
	Width   int
	Height  int
	Frames  []Frame
	Decoded int // frames read from the file; the rest is padding
	Total   int // frame count reported by the decoder
}

// Decoder opens videos for random-access frame reads.
type Decoder interface {
	Open(ctx context.Context, path string) (Capture, error)
	Name() string
}

// Capture is an opened video.
type Capture interface {
	// FrameCount is the number of frames the container reports. It may
	// overestimate what can actually be decoded.
	FrameCount() int
	// ReadFrame seeks to index and returns that frame resized to
	// width x height in RGB. ok is false when the frame cannot be decoded;
	// err is reserved for failures that should abort the whole read.
	ReadFrame(ctx context.Context, index, width, height int) (frame Frame, ok bool, err error)
	Close() error
}

// NewDecoder returns the decoder backend registered under name.
func NewDecoder(name string, logger zerolog.Logger) (Decoder, error) {
	switch name {
	case "", "opencv":
		return NewOpenCVDecoder(logger), nil
	case "ffmpeg":
		return NewFFmpegDecoder(logger)
	default:
		return nil, fmt.Errorf("unknown video decoder %q (want opencv or ffmpeg)", name)
	}
}
