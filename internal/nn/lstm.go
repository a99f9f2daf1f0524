package nn

import (
	"fmt"

	"github.com/Brownie44l1/action-api/internal/tensor"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// lstmCell holds the weights of one direction of one layer. Gate order is
// input, forget, cell, output.
type lstmCell struct {
	hidden int
	input  int

	weightIH *Param // (4H, input)
	weightHH *Param // (4H, H)
	biasIH   *Param // (4H)
	biasHH   *Param // (4H)
}

func newLSTMCell(prefix string, layer int, reverse bool, input, hidden int) *lstmCell {
	suffix := fmt.Sprintf("_l%d", layer)
	if reverse {
		suffix += "_reverse"
	}
	return &lstmCell{
		hidden:   hidden,
		input:    input,
		weightIH: newParam(join(prefix, "weight_ih"+suffix), 4*hidden, input),
		weightHH: newParam(join(prefix, "weight_hh"+suffix), 4*hidden, hidden),
		biasIH:   newParam(join(prefix, "bias_ih"+suffix), 4*hidden),
		biasHH:   newParam(join(prefix, "bias_hh"+suffix), 4*hidden),
	}
}

func (c *lstmCell) params() []*Param {
	return []*Param{c.weightIH, c.weightHH, c.biasIH, c.biasHH}
}

// run consumes a (T, input) sequence and writes the hidden state of every
// step into out at column offset off of a (T, stride) matrix. Reverse cells
// walk the sequence from the end; out is still indexed by original time.
func (c *lstmCell) run(seq []float32, steps int, reverse bool, out []float32, stride, off int) {
	h4 := 4 * c.hidden

	// Input projections for all steps at once: (T, 4H).
	pre := make([]float32, steps*h4)
	for t := 0; t < steps; t++ {
		row := pre[t*h4 : (t+1)*h4]
		for j := range row {
			row[j] = c.biasIH.Data[j] + c.biasHH.Data[j]
		}
	}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		blas32.General{Rows: steps, Cols: c.input, Stride: c.input, Data: seq},
		blas32.General{Rows: h4, Cols: c.input, Stride: c.input, Data: c.weightIH.Data},
		1,
		blas32.General{Rows: steps, Cols: h4, Stride: h4, Data: pre})

	whh := blas32.General{Rows: h4, Cols: c.hidden, Stride: c.hidden, Data: c.weightHH.Data}
	h := make([]float32, c.hidden)
	cell := make([]float32, c.hidden)
	gates := make([]float32, h4)

	for i := 0; i < steps; i++ {
		t := i
		if reverse {
			t = steps - 1 - i
		}
		copy(gates, pre[t*h4:(t+1)*h4])
		blas32.Gemv(blas.NoTrans, 1, whh,
			blas32.Vector{N: c.hidden, Inc: 1, Data: h},
			1,
			blas32.Vector{N: h4, Inc: 1, Data: gates})

		for j := 0; j < c.hidden; j++ {
			in := sigmoid(gates[j])
			forget := sigmoid(gates[c.hidden+j])
			g := tanh(gates[2*c.hidden+j])
			o := sigmoid(gates[3*c.hidden+j])
			cell[j] = forget*cell[j] + in*g
			h[j] = o * tanh(cell[j])
		}
		copy(out[t*stride+off:t*stride+off+c.hidden], h)
	}
}

// LSTM is a stacked, optionally bidirectional, batch-first LSTM with zero
// initial state. Dropout applies between layers only while training.
type LSTM struct {
	InputSize     int
	Hidden        int
	Layers        int
	Bidirectional bool
	Dropout       Dropout

	cells [][]*lstmCell // [layer][direction]
}

func NewLSTM(name string, input, hidden, layers int, bidirectional bool, dropout float64) *LSTM {
	l := &LSTM{
		InputSize:     input,
		Hidden:        hidden,
		Layers:        layers,
		Bidirectional: bidirectional,
		Dropout:       Dropout{P: dropout},
	}
	dirs := l.directions()
	for layer := 0; layer < layers; layer++ {
		in := input
		if layer > 0 {
			in = hidden * dirs
		}
		row := []*lstmCell{newLSTMCell(name, layer, false, in, hidden)}
		if bidirectional {
			row = append(row, newLSTMCell(name, layer, true, in, hidden))
		}
		l.cells = append(l.cells, row)
	}
	return l
}

func (l *LSTM) directions() int {
	if l.Bidirectional {
		return 2
	}
	return 1
}

// OutputSize is the width of each output step.
func (l *LSTM) OutputSize() int { return l.Hidden * l.directions() }

func (l *LSTM) Params() []*Param {
	var out []*Param
	for _, row := range l.cells {
		for _, c := range row {
			out = append(out, c.params()...)
		}
	}
	return out
}

// Forward maps (B, T, input) to (B, T, OutputSize()).
func (l *LSTM) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if x.Dims() != 3 || x.Shape[2] != l.InputSize {
		return nil, fmt.Errorf("lstm: expected (B, T, %d), got %s", l.InputSize, tensor.FormatShape(x.Shape))
	}
	batch, steps := x.Shape[0], x.Shape[1]
	width := l.OutputSize()

	cur := x
	for layer, row := range l.cells {
		if layer > 0 {
			cur = l.Dropout.Forward(cur, training)
		}
		in := cur.Shape[2]
		next := tensor.New(batch, steps, width)
		for b := 0; b < batch; b++ {
			seq := cur.Data[b*steps*in : (b+1)*steps*in]
			out := next.Data[b*steps*width : (b+1)*steps*width]
			for d, cell := range row {
				cell.run(seq, steps, d == 1, out, width, d*l.Hidden)
			}
		}
		cur = next
	}
	return cur, nil
}
