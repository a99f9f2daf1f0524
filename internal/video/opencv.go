//go:build !noopencv

package video

import (
	"context"
	"fmt"
	"image"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"
)

// OpenCVDecoder reads videos through OpenCV, matching the preprocessing the
// model was trained with (linear resize, BGR to RGB).
type OpenCVDecoder struct {
	logger zerolog.Logger
}

func NewOpenCVDecoder(logger zerolog.Logger) *OpenCVDecoder {
	return &OpenCVDecoder{logger: logger.With().Str("component", "opencv").Logger()}
}

func (d *OpenCVDecoder) Name() string { return "opencv" }

func (d *OpenCVDecoder) Open(ctx context.Context, path string) (Capture, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, &DecodeError{Path: path, Err: fmt.Errorf("capture not opened")}
	}

	c := &opencvCapture{
		vc:      vc,
		frame:   gocv.NewMat(),
		resized: gocv.NewMat(),
		rgb:     gocv.NewMat(),
		total:   int(vc.Get(gocv.VideoCaptureFrameCount)),
	}
	d.logger.Debug().
		Str("path", path).
		Int("frames", c.total).
		Float64("fps", vc.Get(gocv.VideoCaptureFPS)).
		Msg("video opened")
	return c, nil
}

type opencvCapture struct {
	vc      *gocv.VideoCapture
	frame   gocv.Mat
	resized gocv.Mat
	rgb     gocv.Mat
	total   int
}

func (c *opencvCapture) FrameCount() int { return c.total }

func (c *opencvCapture) ReadFrame(ctx context.Context, index, width, height int) (Frame, bool, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, false, err
	}

	c.vc.Set(gocv.VideoCapturePosFrames, float64(index))
	if !c.vc.Read(&c.frame) || c.frame.Empty() {
		return Frame{}, false, nil
	}

	gocv.Resize(c.frame, &c.resized, image.Pt(width, height), 0, 0, gocv.InterpolationLinear)
	gocv.CvtColor(c.resized, &c.rgb, gocv.ColorBGRToRGB)

	pix := c.rgb.ToBytes()
	if len(pix) != width*height*3 {
		return Frame{}, false, nil
	}
	return Frame{Width: width, Height: height, Pix: pix}, true, nil
}

func (c *opencvCapture) Close() error {
	c.frame.Close()
	c.resized.Close()
	c.rgb.Close()
	return c.vc.Close()
}
