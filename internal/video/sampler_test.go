package video

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/rs/zerolog"
)

type fakeDecoder struct {
	total   int
	fail    map[int]bool
	openErr error
	readErr error
	size    int // overrides the returned frame width when non-zero

	reads  []int
	closed bool
}

func (d *fakeDecoder) Name() string { return "fake" }

func (d *fakeDecoder) Open(ctx context.Context, path string) (Capture, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	return &fakeCapture{d: d}, nil
}

type fakeCapture struct {
	d *fakeDecoder
}

func (c *fakeCapture) FrameCount() int { return c.d.total }

func (c *fakeCapture) ReadFrame(ctx context.Context, index, width, height int) (Frame, bool, error) {
	c.d.reads = append(c.d.reads, index)
	if c.d.readErr != nil {
		return Frame{}, false, c.d.readErr
	}
	if c.d.fail[index] {
		return Frame{}, false, nil
	}
	if c.d.size != 0 {
		width = c.d.size
	}
	f := NewFrame(width, height)
	for i := range f.Pix {
		f.Pix[i] = byte(index)
	}
	return f, true, nil
}

func (c *fakeCapture) Close() error {
	c.d.closed = true
	return nil
}

func newTestSampler(d Decoder) *Sampler {
	return NewSampler(d, 20, 4, 4, zerolog.Nop())
}

// frameIndex recovers the source index a fake frame was read from.
func frameIndex(f Frame) int { return int(f.Pix[0]) }

func TestIndices(t *testing.T) {
	tests := []struct {
		total, length int
		want          []int
	}{
		{150, 20, []int{0, 7, 14, 21, 28, 35, 42, 49, 56, 63, 70, 77, 84, 91, 98, 105, 112, 119, 126, 133}},
		{10, 20, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}},
		{20, 20, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19}},
		{45, 4, []int{0, 11, 22, 33}},
		{0, 20, nil},
	}
	for _, tt := range tests {
		if got := Indices(tt.total, tt.length); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Indices(%d, %d) = %v, want %v", tt.total, tt.length, got, tt.want)
		}
	}
}

func TestSample_UniformStride(t *testing.T) {
	d := &fakeDecoder{total: 150}
	seq, err := newTestSampler(d).Sample(context.Background(), "clip.mp4")
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if len(seq.Frames) != 20 || seq.Decoded != 20 {
		t.Fatalf("expected 20 decoded frames, got %d/%d", seq.Decoded, len(seq.Frames))
	}
	for i, f := range seq.Frames {
		if frameIndex(f) != i*7 {
			t.Errorf("frame %d came from index %d, want %d", i, frameIndex(f), i*7)
		}
	}
	if !reflect.DeepEqual(d.reads, Indices(150, 20)) {
		t.Errorf("unexpected reads: %v", d.reads)
	}
	if !d.closed {
		t.Error("capture was not closed")
	}
}

func TestSample_PadsWithLastFrame(t *testing.T) {
	d := &fakeDecoder{total: 10}
	seq, err := newTestSampler(d).Sample(context.Background(), "short.mp4")
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if len(seq.Frames) != 20 {
		t.Fatalf("expected 20 frames, got %d", len(seq.Frames))
	}
	if seq.Decoded != 10 {
		t.Errorf("expected 10 decoded frames, got %d", seq.Decoded)
	}
	for i := 10; i < 20; i++ {
		if frameIndex(seq.Frames[i]) != 9 {
			t.Errorf("padding frame %d came from index %d, want 9", i, frameIndex(seq.Frames[i]))
		}
	}
}

func TestSample_SkipsUndecodableFrames(t *testing.T) {
	d := &fakeDecoder{total: 40, fail: map[int]bool{4: true, 38: true}}
	seq, err := newTestSampler(d).Sample(context.Background(), "clip.mp4")
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if seq.Decoded != 18 {
		t.Fatalf("expected 18 decoded frames, got %d", seq.Decoded)
	}
	if frameIndex(seq.Frames[2]) != 6 {
		t.Errorf("frame 2 should come from index 6, got %d", frameIndex(seq.Frames[2]))
	}
	// last decoded is index 36, repeated twice
	for _, f := range seq.Frames[18:] {
		if frameIndex(f) != 36 {
			t.Errorf("padding came from index %d, want 36", frameIndex(f))
		}
	}
}

func TestSample_AllFramesFailPadsBlack(t *testing.T) {
	fail := make(map[int]bool)
	for i := 0; i < 30; i++ {
		fail[i] = true
	}
	d := &fakeDecoder{total: 30, fail: fail}
	seq, err := newTestSampler(d).Sample(context.Background(), "broken.mp4")
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if len(seq.Frames) != 20 || seq.Decoded != 0 {
		t.Fatalf("expected 20 padded frames, got %d (decoded %d)", len(seq.Frames), seq.Decoded)
	}
	for i, f := range seq.Frames {
		if len(f.Pix) != 4*4*3 {
			t.Fatalf("frame %d has %d bytes", i, len(f.Pix))
		}
		for _, v := range f.Pix {
			if v != 0 {
				t.Fatalf("frame %d is not black", i)
			}
		}
	}
}

func TestSample_ZeroFrames(t *testing.T) {
	_, err := newTestSampler(&fakeDecoder{total: 0}).Sample(context.Background(), "empty.mp4")
	if !errors.Is(err, ErrUnreadableVideo) {
		t.Fatalf("expected ErrUnreadableVideo, got %v", err)
	}
}

func TestSample_UnknownFrameCountPadsBlack(t *testing.T) {
	d := &fakeDecoder{total: -1}
	seq, err := newTestSampler(d).Sample(context.Background(), "stream.avi")
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if len(d.reads) != 0 {
		t.Errorf("expected no reads, got %v", d.reads)
	}
	if len(seq.Frames) != 20 || seq.Decoded != 0 || seq.Total != -1 {
		t.Fatalf("expected 20 black frames, got %d (decoded %d, total %d)", len(seq.Frames), seq.Decoded, seq.Total)
	}
	for _, v := range seq.Frames[19].Pix {
		if v != 0 {
			t.Fatal("padding is not black")
		}
	}
}

func TestSample_OpenError(t *testing.T) {
	boom := errors.New("no such file")
	_, err := newTestSampler(&fakeDecoder{openErr: boom}).Sample(context.Background(), "missing.mp4")

	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if decodeErr.Path != "missing.mp4" || !errors.Is(err, boom) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSample_ReadErrorAborts(t *testing.T) {
	d := &fakeDecoder{total: 100, readErr: context.Canceled}
	_, err := newTestSampler(d).Sample(context.Background(), "clip.mp4")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(d.reads) != 1 {
		t.Errorf("expected read to stop after the first error, got %d reads", len(d.reads))
	}
}

func TestSample_WrongFrameSize(t *testing.T) {
	_, err := newTestSampler(&fakeDecoder{total: 5, size: 8}).Sample(context.Background(), "clip.mp4")
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}

func TestSample_Deterministic(t *testing.T) {
	s := newTestSampler(&fakeDecoder{total: 77, fail: map[int]bool{3: true}})
	a, err := s.Sample(context.Background(), "clip.mp4")
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	b, _ := s.Sample(context.Background(), "clip.mp4")
	if !reflect.DeepEqual(a.Frames, b.Frames) {
		t.Error("two samples of the same video differ")
	}
}
