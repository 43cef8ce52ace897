package nn

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Sequence is a time-major sequence: one batch x width matrix per step.
type Sequence []*mat.Dense

// Len is the number of time steps.
func (s Sequence) Len() int { return len(s) }

// Dims returns the batch size and width of the steps. An empty sequence
// reports 0, 0.
func (s Sequence) Dims() (batch, width int) {
	if len(s) == 0 {
		return 0, 0
	}
	return s[0].Dims()
}

// Last returns the final step as a sequence of length one.
func (s Sequence) Last() Sequence {
	if len(s) == 0 {
		return nil
	}
	return Sequence{s[len(s)-1]}
}

// Map applies fn to every step.
func (s Sequence) Map(fn func(x *mat.Dense) (*mat.Dense, error)) (Sequence, error) {
	out := make(Sequence, len(s))
	for t, x := range s {
		y, err := fn(x)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", t, err)
		}
		out[t] = y
	}
	return out, nil
}

// Repeat broadcasts m over n time steps. Steps share m.
func Repeat(m *mat.Dense, n int) Sequence {
	out := make(Sequence, n)
	for t := range out {
		out[t] = m
	}
	return out
}

// ConcatSeq concatenates the steps of several sequences of equal length
// along the feature axis.
func ConcatSeq(seqs ...Sequence) (Sequence, error) {
	if len(seqs) == 0 {
		return nil, nil
	}
	n := seqs[0].Len()
	for _, s := range seqs[1:] {
		if s.Len() != n {
			return nil, fmt.Errorf("concat: sequence lengths %d and %d differ", n, s.Len())
		}
	}
	out := make(Sequence, n)
	parts := make([]mat.Matrix, len(seqs))
	for t := 0; t < n; t++ {
		for i, s := range seqs {
			parts[i] = s[t]
		}
		m, err := Concat(parts...)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", t, err)
		}
		out[t] = m
	}
	return out, nil
}

// Concat joins matrices with the same number of rows column-wise.
func Concat(ms ...mat.Matrix) (*mat.Dense, error) {
	if len(ms) == 0 {
		return nil, fmt.Errorf("concat: no matrices")
	}
	rows, _ := ms[0].Dims()
	cols := 0
	for _, m := range ms {
		r, c := m.Dims()
		if r != rows {
			return nil, fmt.Errorf("concat: row mismatch %d vs %d", r, rows)
		}
		cols += c
	}
	out := mat.NewDense(rows, cols, nil)
	off := 0
	for _, m := range ms {
		_, c := m.Dims()
		if c == 0 {
			continue
		}
		out.Slice(0, rows, off, off+c).(*mat.Dense).Copy(m)
		off += c
	}
	return out, nil
}

// Cols copies columns [from, to) of m.
func Cols(m mat.Matrix, from, to int) *mat.Dense {
	r, _ := m.Dims()
	out := mat.NewDense(r, to-from, nil)
	for i := 0; i < r; i++ {
		for j := from; j < to; j++ {
			out.Set(i, j-from, m.At(i, j))
		}
	}
	return out
}

// Chunk splits the columns of m into n equal parts.
func Chunk(m mat.Matrix, n int) []*mat.Dense {
	_, c := m.Dims()
	w := c / n
	out := make([]*mat.Dense, n)
	for i := range out {
		out[i] = Cols(m, i*w, (i+1)*w)
	}
	return out
}

func dot(m, n mat.Matrix) *mat.Dense {
	r, _ := m.Dims()
	_, c := n.Dims()
	o := mat.NewDense(r, c, nil)
	o.Product(m, n)
	return o
}

func apply(fn func(i, j int, v float64) float64, m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Apply(fn, m)
	return o
}

func multiply(m, n mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.MulElem(m, n)
	return o
}

func add(m, n mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Add(m, n)
	return o
}

// addRow adds the 1 x c row vector b to every row of m in place.
func addRow(m *mat.Dense, b *mat.Dense) {
	r, _ := m.Dims()
	bias := b.RawRowView(0)
	for i := 0; i < r; i++ {
		floats.Add(m.RawRowView(i), bias)
	}
}

// affine computes x Wᵀ + b.
func affine(x mat.Matrix, w, b *mat.Dense) *mat.Dense {
	o := dot(x, w.T())
	if b != nil {
		addRow(o, b)
	}
	return o
}
