// Package torchtest writes small PyTorch zip checkpoints for tests, laid out
// the way torch.save does it: archive/data.pkl holds a protocol 2 pickle that
// refers to float32 storages stored as archive/data/<key>.
package torchtest

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/Brownie44l1/action-api/internal/tensor"
)

// pickle opcodes
const (
	opProto      = 0x80
	opEmptyDict  = '}'
	opEmptyTuple = ')'
	opMark       = '('
	opSetItems   = 'u'
	opGlobal     = 'c'
	opReduce     = 'R'
	opBinUnicode = 'X'
	opBinInt     = 'J'
	opTuple      = 't'
	opBinPersID  = 'Q'
	opNewFalse   = 0x89
	opStop       = '.'
)

// Encode serializes sd as an OrderedDict of float32 tensors. With wrap set,
// the state dict is nested under that key of a plain dict, next to an
// integer "epoch" entry, like a training checkpoint.
func Encode(sd map[string]*tensor.Tensor, wrap string) ([]byte, error) {
	names := make([]string, 0, len(sd))
	for k := range sd {
		names = append(names, k)
	}
	sort.Strings(names)

	var p pickler
	p.op(opProto, 2)
	if wrap != "" {
		p.op(opEmptyDict, opMark)
		p.str(wrap)
	}
	p.orderedDict()
	p.op(opMark)
	for i, name := range names {
		p.str(name)
		p.tensor(sd[name], fmt.Sprint(i))
	}
	p.op(opSetItems)
	if wrap != "" {
		p.str("epoch")
		p.int(3)
		p.op(opSetItems)
	}
	p.op(opStop)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	if err := store(zw, "archive/data.pkl", p.buf.Bytes()); err != nil {
		return nil, err
	}
	if err := store(zw, "archive/version", []byte("3\n")); err != nil {
		return nil, err
	}
	for i, name := range names {
		raw := make([]byte, 4*sd[name].Len())
		for j, v := range sd[name].Data {
			binary.LittleEndian.PutUint32(raw[4*j:], math.Float32bits(v))
		}
		if err := store(zw, fmt.Sprintf("archive/data/%d", i), raw); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func store(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

type pickler struct {
	buf bytes.Buffer
}

func (p *pickler) op(codes ...byte) {
	p.buf.Write(codes)
}

func (p *pickler) str(s string) {
	p.buf.WriteByte(opBinUnicode)
	binary.Write(&p.buf, binary.LittleEndian, uint32(len(s)))
	p.buf.WriteString(s)
}

func (p *pickler) int(v int) {
	p.buf.WriteByte(opBinInt)
	binary.Write(&p.buf, binary.LittleEndian, int32(v))
}

func (p *pickler) global(module, name string) {
	p.buf.WriteByte(opGlobal)
	p.buf.WriteString(module + "\n" + name + "\n")
}

func (p *pickler) ints(values []int) {
	p.op(opMark)
	for _, v := range values {
		p.int(v)
	}
	p.op(opTuple)
}

// orderedDict pushes an empty collections.OrderedDict.
func (p *pickler) orderedDict() {
	p.global("collections", "OrderedDict")
	p.op(opEmptyTuple, opReduce)
}

// tensor pushes _rebuild_tensor_v2(storage, 0, size, stride, False, {}) with
// a contiguous row-major stride.
func (p *pickler) tensor(t *tensor.Tensor, key string) {
	stride := make([]int, len(t.Shape))
	step := 1
	for i := len(t.Shape) - 1; i >= 0; i-- {
		stride[i] = step
		step *= t.Shape[i]
	}

	p.global("torch._utils", "_rebuild_tensor_v2")
	p.op(opMark)

	p.op(opMark)
	p.str("storage")
	p.global("torch", "FloatStorage")
	p.str(key)
	p.str("cpu")
	p.int(t.Len())
	p.op(opTuple, opBinPersID)

	p.int(0)
	p.ints(t.Shape)
	p.ints(stride)
	p.op(opNewFalse)
	p.orderedDict()

	p.op(opTuple, opReduce)
}
