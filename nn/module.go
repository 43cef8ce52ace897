// Package nn holds the dense building blocks models are assembled from.
//
// Every layer works on gonum matrices laid out batch x features. Recurrent
// layers consume a Sequence, one matrix per time step.
package nn

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Module defines a single layer/unit in the network.
type Module interface {
	Forward(x *mat.Dense) (*mat.Dense, error)
	Parameters() []Param
}

// Trainable is implemented by modules whose forward pass depends on the
// train/eval mode.
type Trainable interface {
	SetTraining(training bool)
}

// Param is a named parameter matrix. Values are shared, not copied.
type Param struct {
	Name  string
	Value *mat.Dense
}

// Prefix returns ps with every name prefixed by prefix and a dot.
func Prefix(prefix string, ps []Param) []Param {
	out := make([]Param, len(ps))
	for i, p := range ps {
		out[i] = Param{Name: prefix + "." + p.Name, Value: p.Value}
	}
	return out
}

// CountParameters sums the number of scalars held by ps.
func CountParameters(ps []Param) int {
	n := 0
	for _, p := range ps {
		r, c := p.Value.Dims()
		n += r * c
	}
	return n
}

// SetTraining switches every Trainable in ms.
func SetTraining(training bool, ms ...any) {
	for _, m := range ms {
		if t, ok := m.(Trainable); ok {
			t.SetTraining(training)
		}
	}
}

// Sequential chains multiple Modules in order.
type Sequential struct {
	Layers []Module
}

// Forward applies each layer in sequence.
func (s *Sequential) Forward(x *mat.Dense) (*mat.Dense, error) {
	out := x
	for i, layer := range s.Layers {
		var err error
		out, err = layer.Forward(out)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
	}
	return out, nil
}

// Parameters names each layer's parameters by its index.
func (s *Sequential) Parameters() []Param {
	var ps []Param
	for i, layer := range s.Layers {
		ps = append(ps, Prefix(fmt.Sprint(i), layer.Parameters())...)
	}
	return ps
}

// SetTraining propagates the mode to every layer. It is a no-op on a nil
// Sequential.
func (s *Sequential) SetTraining(training bool) {
	if s == nil {
		return
	}
	for _, layer := range s.Layers {
		SetTraining(training, layer)
	}
}
