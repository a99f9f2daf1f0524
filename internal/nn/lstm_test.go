package nn

import (
	"math"
	"testing"

	"github.com/Brownie44l1/action-api/internal/tensor"
)

// referenceLSTM runs a scalar (input 1, hidden 1) LSTM in float64.
func referenceLSTM(wih, whh, bih, bhh [4]float64, xs []float64) []float64 {
	sig := func(v float64) float64 { return 1 / (1 + math.Exp(-v)) }
	var h, c float64
	out := make([]float64, len(xs))
	for t, x := range xs {
		var g [4]float64
		for k := 0; k < 4; k++ {
			g[k] = wih[k]*x + whh[k]*h + bih[k] + bhh[k]
		}
		c = sig(g[1])*c + sig(g[0])*math.Tanh(g[2])
		h = sig(g[3]) * math.Tanh(c)
		out[t] = h
	}
	return out
}

func setCell(c *lstmCell, wih, whh, bih, bhh [4]float64) {
	for k := 0; k < 4; k++ {
		c.weightIH.Data[k] = float32(wih[k])
		c.weightHH.Data[k] = float32(whh[k])
		c.biasIH.Data[k] = float32(bih[k])
		c.biasHH.Data[k] = float32(bhh[k])
	}
}

var (
	testWIH = [4]float64{0.5, -0.3, 0.8, 0.2}
	testWHH = [4]float64{0.1, 0.4, -0.6, 0.7}
	testBIH = [4]float64{0.05, 0.1, -0.05, 0.0}
	testBHH = [4]float64{0.0, 0.2, 0.1, -0.1}
)

func TestLSTM_MatchesReference(t *testing.T) {
	l := NewLSTM("lstm", 1, 1, 1, false, 0)
	setCell(l.cells[0][0], testWIH, testWHH, testBIH, testBHH)

	xs := []float64{1, -2, 0.5}
	x, _ := tensor.FromData([]float32{1, -2, 0.5}, 1, 3, 1)
	out, err := l.Forward(x, false)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	want := referenceLSTM(testWIH, testWHH, testBIH, testBHH, xs)
	for i, w := range want {
		if !almostEqual(out.Data[i], float32(w)) {
			t.Errorf("step %d: expected %v, got %v", i, w, out.Data[i])
		}
	}
}

func TestLSTM_BidirectionalReverseOrder(t *testing.T) {
	l := NewLSTM("lstm", 1, 1, 1, true, 0)
	setCell(l.cells[0][0], testWIH, testWHH, testBIH, testBHH)
	rev := [4]float64{-0.4, 0.9, 0.3, 0.6}
	setCell(l.cells[0][1], rev, testWHH, testBIH, testBHH)

	xs := []float64{1, -2, 0.5}
	x, _ := tensor.FromData([]float32{1, -2, 0.5}, 1, 3, 1)
	out, err := l.Forward(x, false)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !out.SameShape([]int{1, 3, 2}) {
		t.Fatalf("unexpected shape %s", tensor.FormatShape(out.Shape))
	}

	fwd := referenceLSTM(testWIH, testWHH, testBIH, testBHH, xs)
	bwd := referenceLSTM(rev, testWHH, testBIH, testBHH, []float64{0.5, -2, 1})

	// The backward state at the last step has only seen the last element.
	if !almostEqual(out.Data[2*2+1], float32(bwd[0])) {
		t.Errorf("last-step backward: expected %v, got %v", bwd[0], out.Data[5])
	}
	if !almostEqual(out.Data[0*2+1], float32(bwd[2])) {
		t.Errorf("first-step backward: expected %v, got %v", bwd[2], out.Data[1])
	}
	if !almostEqual(out.Data[2*2], float32(fwd[2])) {
		t.Errorf("last-step forward: expected %v, got %v", fwd[2], out.Data[4])
	}
}

func TestLSTM_StackedShapesAndNames(t *testing.T) {
	l := NewLSTM("lstm", 2048, 256, 2, true, 0.3)
	params := l.Params()
	if len(params) != 16 {
		t.Fatalf("expected 16 parameters, got %d", len(params))
	}

	byName := make(map[string]*Param)
	for _, p := range params {
		byName[p.Name] = p
	}
	checks := map[string][]int{
		"lstm.weight_ih_l0":         {1024, 2048},
		"lstm.weight_hh_l0_reverse": {1024, 256},
		"lstm.weight_ih_l1":         {1024, 512},
		"lstm.bias_hh_l1_reverse":   {1024},
	}
	for name, shape := range checks {
		p, ok := byName[name]
		if !ok {
			t.Errorf("missing parameter %s", name)
			continue
		}
		if !tensor.EqualShape(p.Shape, shape) {
			t.Errorf("%s: expected shape %v, got %v", name, shape, p.Shape)
		}
	}
}

func TestLSTM_InputMismatch(t *testing.T) {
	l := NewLSTM("lstm", 4, 2, 1, false, 0)
	if _, err := l.Forward(tensor.New(1, 3, 5), false); err == nil {
		t.Fatal("expected error for input width mismatch")
	}
}
