package video

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Sampler selects a fixed number of uniformly spaced frames from a video.
type Sampler struct {
	decoder Decoder
	length  int
	width   int
	height  int
	logger  zerolog.Logger
}

func NewSampler(decoder Decoder, length, width, height int, logger zerolog.Logger) *Sampler {
	return &Sampler{
		decoder: decoder,
		length:  length,
		width:   width,
		height:  height,
		logger:  logger.With().Str("component", "sampler").Str("decoder", decoder.Name()).Logger(),
	}
}

// Indices returns the frame indices Sample reads for a video of total frames:
// every step-th frame starting at 0, step = max(1, total/length), at most
// length of them.
func Indices(total, length int) []int {
	if total <= 0 || length <= 0 {
		return nil
	}
	step := max(1, total/length)
	out := make([]int, 0, min(length, total))
	for i := 0; i < total && len(out) < length; i += step {
		out = append(out, i)
	}
	return out
}

// Sample reads the video at path and returns exactly length frames. Frames
// that fail to decode are skipped; a short result is padded with the last
// decoded frame, or with black frames if nothing could be decoded.
func (s *Sampler) Sample(ctx context.Context, path string) (*Sequence, error) {
	capture, err := s.decoder.Open(ctx, path)
	if err != nil {
		var decodeErr *DecodeError
		if errors.As(err, &decodeErr) {
			return nil, err
		}
		return nil, &DecodeError{Path: path, Err: err}
	}
	defer capture.Close()

	// a negative count means the backend could not tell; nothing is read
	// and the sequence is padded black
	total := capture.FrameCount()
	if total == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrUnreadableVideo)
	}

	seq := &Sequence{
		Width:  s.width,
		Height: s.height,
		Frames: make([]Frame, 0, s.length),
		Total:  total,
	}
	for _, index := range Indices(total, s.length) {
		frame, ok, err := capture.ReadFrame(ctx, index, s.width, s.height)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.logger.Debug().Str("path", path).Int("index", index).Msg("frame skipped")
			continue
		}
		if frame.Width != s.width || frame.Height != s.height || len(frame.Pix) != s.width*s.height*3 {
			return nil, &DecodeError{Path: path, Err: fmt.Errorf(
				"frame %d is %dx%d with %d bytes, want %dx%d", index, frame.Width, frame.Height, len(frame.Pix), s.width, s.height)}
		}
		seq.Frames = append(seq.Frames, frame)
	}
	seq.Decoded = len(seq.Frames)

	if seq.Decoded == 0 {
		s.logger.Warn().Str("path", path).Int("total", total).Msg("no frames decoded, padding with black frames")
	}
	for len(seq.Frames) < s.length {
		if seq.Decoded > 0 {
			seq.Frames = append(seq.Frames, seq.Frames[seq.Decoded-1])
		} else {
			seq.Frames = append(seq.Frames, NewFrame(s.width, s.height))
		}
	}
	seq.Frames = seq.Frames[:s.length]

	s.logger.Debug().
		Str("path", path).
		Int("total", total).
		Int("decoded", seq.Decoded).
		Msg("video sampled")
	return seq, nil
}
