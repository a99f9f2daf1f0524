package labels

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Vocabulary is the ordered list of class names; a class id is its index.
type Vocabulary struct {
	classes []string
	index   map[string]int
}

type metadata struct {
	Classes []string `json:"classes"`
}

// Parse reads a vocabulary from JSON. Both a bare array of names and an
// object with a "classes" array are accepted.
func Parse(data []byte) (*Vocabulary, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty vocabulary file")
	}

	var classes []string
	if data[0] == '[' {
		if err := json.Unmarshal(data, &classes); err != nil {
			return nil, fmt.Errorf("failed to parse vocabulary: %w", err)
		}
	} else {
		var meta metadata
		if err := json.Unmarshal(data, &meta); err != nil {
			return nil, fmt.Errorf("failed to parse vocabulary: %w", err)
		}
		classes = meta.Classes
	}
	return New(classes)
}

// New builds a vocabulary from names in class-id order.
func New(classes []string) (*Vocabulary, error) {
	if len(classes) == 0 {
		return nil, fmt.Errorf("vocabulary has no classes")
	}
	index := make(map[string]int, len(classes))
	for i, name := range classes {
		if name == "" {
			return nil, fmt.Errorf("class %d has an empty name", i)
		}
		if j, ok := index[name]; ok {
			return nil, fmt.Errorf("duplicate class %q at %d and %d", name, j, i)
		}
		index[name] = i
	}
	return &Vocabulary{
		classes: append([]string(nil), classes...),
		index:   index,
	}, nil
}

// Decode returns the name of class i.
func (v *Vocabulary) Decode(i int) (string, error) {
	if i < 0 || i >= len(v.classes) {
		return "", fmt.Errorf("class index %d out of range [0, %d)", i, len(v.classes))
	}
	return v.classes[i], nil
}

func (v *Vocabulary) Index(name string) (int, bool) {
	i, ok := v.index[name]
	return i, ok
}

// All returns a copy of the class names in order.
func (v *Vocabulary) All() []string {
	return append([]string(nil), v.classes...)
}

func (v *Vocabulary) Size() int { return len(v.classes) }
