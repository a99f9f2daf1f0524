package model

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/Brownie44l1/action-api/internal/tensor"
	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

// StateDict maps parameter names to tensors.
type StateDict map[string]*tensor.Tensor

// Keys returns the parameter names in sorted order.
func (sd StateDict) Keys() []string {
	keys := make([]string, 0, len(sd))
	for k := range sd {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

const (
	// nestedKey is the dictionary key training scripts wrap the weights in
	// when they also save optimizer state; flattened it becomes a prefix.
	nestedKey = "model_state_dict."
	// parallelPrefix is prepended by DataParallel/DistributedDataParallel.
	parallelPrefix = "module."
)

// LoadCheckpoint reads a torch.save checkpoint held in memory and normalizes
// its keys.
func LoadCheckpoint(data []byte) (StateDict, error) {
	f, err := os.CreateTemp("", "checkpoint-*.pth")
	if err != nil {
		return nil, err
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return LoadCheckpointFile(f.Name())
}

// LoadCheckpointFile reads a torch.save checkpoint (zip or legacy format).
// Nested dictionaries are flattened into dotted keys; floating point tensors
// are converted to float32 and everything else is dropped.
func LoadCheckpointFile(path string) (StateDict, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	raw := make(StateDict)
	if err := flatten(raw, "", obj); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("checkpoint contains no floating point tensors")
	}
	return NormalizeStateDict(raw), nil
}

// NormalizeStateDict unwraps a model_state_dict nesting if present and strips
// the distributed-training prefix from every key.
func NormalizeStateDict(sd StateDict) StateDict {
	nested := false
	for k := range sd {
		if strings.HasPrefix(k, nestedKey) {
			nested = true
			break
		}
	}

	out := make(StateDict, len(sd))
	for k, v := range sd {
		if nested {
			if !strings.HasPrefix(k, nestedKey) {
				continue
			}
			k = strings.TrimPrefix(k, nestedKey)
		}
		out[strings.TrimPrefix(k, parallelPrefix)] = v
	}
	return out
}

// keyedDict is the read side of a pickled Python dict.
type keyedDict interface {
	Keys() []interface{}
	Get(key interface{}) (interface{}, bool)
}

func flatten(sd StateDict, prefix string, obj interface{}) error {
	switch v := obj.(type) {
	case *pytorch.Tensor:
		t, ok, err := fromTorch(v)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", prefix, err)
		}
		if ok {
			sd[prefix] = t
		}
	case *types.OrderedDict:
		for key, entry := range v.Map {
			if err := flatten(sd, joinKey(prefix, key), entry.Value); err != nil {
				return err
			}
		}
	case keyedDict:
		for _, key := range v.Keys() {
			value, _ := v.Get(key)
			if err := flatten(sd, joinKey(prefix, key), value); err != nil {
				return err
			}
		}
	}
	return nil
}

func joinKey(prefix string, key interface{}) string {
	name := fmt.Sprint(key)
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// fromTorch copies a possibly strided tensor view into a dense float32
// tensor. Integer storages (batch-norm counters) report ok=false.
func fromTorch(t *pytorch.Tensor) (*tensor.Tensor, bool, error) {
	var (
		at func(i int) float32
		n  int
	)
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		at, n = func(i int) float32 { return s.Data[i] }, len(s.Data)
	case *pytorch.DoubleStorage:
		at, n = func(i int) float32 { return float32(s.Data[i]) }, len(s.Data)
	default:
		return nil, false, nil
	}
	if len(t.Stride) != len(t.Size) {
		return nil, false, fmt.Errorf("stride %v does not match size %v", t.Stride, t.Size)
	}

	out := tensor.New(t.Size...)
	idx := make([]int, len(t.Size))
	for i := range out.Data {
		off := t.StorageOffset
		for d, k := range idx {
			off += k * t.Stride[d]
		}
		if off < 0 || off >= n {
			return nil, false, fmt.Errorf("view %s at offset %d exceeds storage of %d",
				tensor.FormatShape(t.Size), t.StorageOffset, n)
		}
		out.Data[i] = at(off)

		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < t.Size[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out, true, nil
}
