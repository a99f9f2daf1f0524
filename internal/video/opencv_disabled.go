//go:build noopencv

package video

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// OpenCVDecoder is unavailable in builds tagged noopencv.
type OpenCVDecoder struct{}

func NewOpenCVDecoder(logger zerolog.Logger) *OpenCVDecoder { return &OpenCVDecoder{} }

func (d *OpenCVDecoder) Name() string { return "opencv" }

func (d *OpenCVDecoder) Open(ctx context.Context, path string) (Capture, error) {
	return nil, &DecodeError{Path: path, Err: errors.New("built without OpenCV support")}
}
