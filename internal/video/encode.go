package video

import "github.com/Brownie44l1/action-api/internal/tensor"

// Encode scales pixels to [0, 1] and lays the sequence out as
// (1, T, 3, H, W).
func Encode(seq *Sequence) *tensor.Tensor {
	t, h, w := len(seq.Frames), seq.Height, seq.Width
	plane := h * w
	out := tensor.New(1, t, 3, h, w)

	for i, frame := range seq.Frames {
		base := i * 3 * plane
		for p := 0; p < plane; p++ {
			px := frame.Pix[p*3 : p*3+3]
			out.Data[base+p] = float32(px[0]) / 255
			out.Data[base+plane+p] = float32(px[1]) / 255
			out.Data[base+2*plane+p] = float32(px[2]) / 255
		}
	}
	return out
}
