package config

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DateLayout is the layout used for all *_date keys.
const DateLayout = "02/01/2006"

// FreqStrings is either a flat list of names or a list per frequency.
type FreqStrings struct {
	Flat   []string
	ByFreq map[string][]string
}

// For returns the names declared for freq. A flat list applies to every
// frequency.
func (f FreqStrings) For(freq string) []string {
	if f.ByFreq != nil {
		return f.ByFreq[freq]
	}
	return f.Flat
}

// PerFrequency reports whether the names were given as a mapping.
func (f FreqStrings) PerFrequency() bool {
	return f.ByFreq != nil
}

func (f *FreqStrings) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		return node.Decode(&f.Flat)
	case yaml.MappingNode:
		return node.Decode(&f.ByFreq)
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		f.Flat = []string{s}
		return nil
	default:
		return fmt.Errorf("line %d: expected list or mapping", node.Line)
	}
}

func (f FreqStrings) MarshalYAML() (interface{}, error) {
	if f.ByFreq != nil {
		return f.ByFreq, nil
	}
	return f.Flat, nil
}

// FreqInt is either a single integer or one integer per frequency.
type FreqInt struct {
	Value  int
	ByFreq map[string]int
}

// For returns the value for freq.
func (f FreqInt) For(freq string) int {
	if f.ByFreq != nil {
		return f.ByFreq[freq]
	}
	return f.Value
}

func (f *FreqInt) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&f.Value)
	case yaml.MappingNode:
		return node.Decode(&f.ByFreq)
	default:
		return fmt.Errorf("line %d: expected integer or mapping", node.Line)
	}
}

func (f FreqInt) MarshalYAML() (interface{}, error) {
	if f.ByFreq != nil {
		return f.ByFreq, nil
	}
	return f.Value, nil
}

// Schedule is a learning rate given either as a constant or as a mapping
// from the first epoch a rate applies to.
type Schedule struct {
	Constant float64
	ByEpoch  map[int]float64
}

// At returns the rate in effect for epoch.
func (s Schedule) At(epoch int) float64 {
	if len(s.ByEpoch) == 0 {
		return s.Constant
	}
	epochs := make([]int, 0, len(s.ByEpoch))
	for e := range s.ByEpoch {
		epochs = append(epochs, e)
	}
	sort.Ints(epochs)
	rate := s.ByEpoch[epochs[0]]
	for _, e := range epochs {
		if e > epoch {
			break
		}
		rate = s.ByEpoch[e]
	}
	return rate
}

func (s *Schedule) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&s.Constant)
	case yaml.MappingNode:
		// Keys may arrive quoted when the document was produced from HCL.
		var raw map[string]float64
		if err := node.Decode(&raw); err != nil {
			return err
		}
		s.ByEpoch = make(map[int]float64, len(raw))
		for k, v := range raw {
			epoch, err := strconv.Atoi(k)
			if err != nil {
				return fmt.Errorf("line %d: learning_rate epoch %q: %w", node.Line, k, err)
			}
			s.ByEpoch[epoch] = v
		}
		return nil
	default:
		return fmt.Errorf("line %d: expected number or mapping", node.Line)
	}
}

// Date is a calendar day parsed with DateLayout.
type Date struct {
	time.Time
}

func (d *Date) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return fmt.Errorf("line %d: date %q: %w", node.Line, s, err)
	}
	d.Time = t
	return nil
}

func (d Date) MarshalYAML() (interface{}, error) {
	if d.IsZero() {
		return "", nil
	}
	return d.Format(DateLayout), nil
}

// EmbeddingSpec describes an optional fully connected embedding network.
type EmbeddingSpec struct {
	Type       string  `yaml:"type"`
	Hiddens    []int   `yaml:"hiddens"`
	Activation string  `yaml:"activation"`
	Dropout    float64 `yaml:"dropout"`
}

// OutputSize is the width produced by the embedding.
func (e *EmbeddingSpec) OutputSize() int {
	return e.Hiddens[len(e.Hiddens)-1]
}

// TransferSpec selects how MTS-LSTM states move between frequency branches.
// Valid values are "linear", "identity" and "None".
type TransferSpec struct {
	H string `yaml:"h"`
	C string `yaml:"c"`
}
