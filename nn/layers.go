package nn

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Uniform returns a rows x cols matrix drawn from U(-bound, bound).
func Uniform(rows, cols int, bound float64, src rand.Source) *mat.Dense {
	dist := distuv.Uniform{
		Min: -bound,
		Max: bound,
		Src: src,
	}

	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = dist.Rand()
	}
	return mat.NewDense(rows, cols, data)
}

// Linear is a fully-connected layer computing x Wᵀ + B.
type Linear struct {
	W *mat.Dense // out x in
	B *mat.Dense // 1 x out
}

// NewLinear initialises W and B from U(-1/√in, 1/√in).
func NewLinear(in, out int, src rand.Source) *Linear {
	bound := 1 / math.Sqrt(float64(in))
	return &Linear{
		W: Uniform(out, in, bound, src),
		B: Uniform(1, out, bound, src),
	}
}

// Dims returns the input and output widths.
func (l *Linear) Dims() (in, out int) {
	out, in = l.W.Dims()
	return in, out
}

func (l *Linear) Forward(x *mat.Dense) (*mat.Dense, error) {
	_, c := x.Dims()
	in, _ := l.Dims()
	if c != in {
		return nil, fmt.Errorf("linear: input width %d, want %d", c, in)
	}
	return affine(x, l.W, l.B), nil
}

func (l *Linear) Parameters() []Param {
	return []Param{{Name: "weight", Value: l.W}, {Name: "bias", Value: l.B}}
}

// Activation wraps an Activator as a Module.
type Activation struct {
	Activator
}

func (a Activation) Forward(x *mat.Dense) (*mat.Dense, error) {
	return Activate(a.Activator, x), nil
}

func (Activation) Parameters() []Param { return nil }

// Dropout zeroes inputs with probability P while training and rescales the
// survivors by 1/(1-P). In eval mode it is the identity.
type Dropout struct {
	P        float64
	training bool
	keep     distuv.Bernoulli
}

func NewDropout(p float64, src rand.Source) *Dropout {
	return &Dropout{P: p, keep: distuv.Bernoulli{P: 1 - p, Src: src}}
}

func (d *Dropout) SetTraining(training bool) { d.training = training }

func (d *Dropout) Forward(x *mat.Dense) (*mat.Dense, error) {
	if !d.training || d.P == 0 {
		return x, nil
	}
	scale := 1 / (1 - d.P)
	return apply(func(i, j int, v float64) float64 {
		return v * d.keep.Rand() * scale
	}, x), nil
}

func (*Dropout) Parameters() []Param { return nil }

// NewFC builds a stack of Linear, activation and Dropout per hidden size.
// The last hidden size is a plain Linear output layer.
func NewFC(in int, hiddens []int, activation string, dropout float64, src rand.Source) (*Sequential, error) {
	if len(hiddens) == 0 {
		return nil, fmt.Errorf("fc: no hidden sizes")
	}
	act, err := LookupActivator(activation)
	if err != nil {
		return nil, fmt.Errorf("fc: %w", err)
	}
	fc := &Sequential{}
	for _, h := range hiddens[:len(hiddens)-1] {
		fc.Layers = append(fc.Layers, NewLinear(in, h, src), Activation{act}, NewDropout(dropout, src))
		in = h
	}
	fc.Layers = append(fc.Layers, NewLinear(in, hiddens[len(hiddens)-1], src))
	return fc, nil
}
