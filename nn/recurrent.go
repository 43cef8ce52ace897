package nn

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// GRU is a single layer gated recurrent unit with gates ordered r, z, n.
type GRU struct {
	Hidden int
	WIH    *mat.Dense // 3H x in
	WHH    *mat.Dense // 3H x H
	BIH    *mat.Dense // 1 x 3H
	BHH    *mat.Dense // 1 x 3H
}

// NewGRU initialises all weights from U(-1/√hidden, 1/√hidden).
func NewGRU(in, hidden int, src rand.Source) *GRU {
	bound := 1 / math.Sqrt(float64(hidden))
	return &GRU{
		Hidden: hidden,
		WIH:    Uniform(3*hidden, in, bound, src),
		WHH:    Uniform(3*hidden, hidden, bound, src),
		BIH:    Uniform(1, 3*hidden, bound, src),
		BHH:    Uniform(1, 3*hidden, bound, src),
	}
}

func (g *GRU) Parameters() []Param {
	return []Param{
		{Name: "weight_ih_l0", Value: g.WIH},
		{Name: "weight_hh_l0", Value: g.WHH},
		{Name: "bias_ih_l0", Value: g.BIH},
		{Name: "bias_hh_l0", Value: g.BHH},
	}
}

// Step advances the state h by one input x.
func (g *GRU) Step(x, h *mat.Dense) *mat.Dense {
	gi := Chunk(affine(x, g.WIH, g.BIH), 3)
	gh := Chunk(affine(h, g.WHH, g.BHH), 3)

	r := Activate(Sigmoid{}, add(gi[0], gh[0]))
	z := Activate(Sigmoid{}, add(gi[1], gh[1]))
	n := Activate(Tanh{}, add(gi[2], multiply(r, gh[2])))

	rows, cols := h.Dims()
	out := mat.NewDense(rows, cols, nil)
	out.Apply(func(i, j int, zv float64) float64 {
		return (1-zv)*n.At(i, j) + zv*h.At(i, j)
	}, z)
	return out
}

// Run unrolls the GRU over xs starting from h0, or zeros when h0 is nil,
// and returns the hidden state after every step.
func (g *GRU) Run(ctx context.Context, xs Sequence, h0 *mat.Dense) (Sequence, error) {
	if xs.Len() == 0 {
		return nil, fmt.Errorf("gru: empty sequence")
	}
	batch, _ := xs.Dims()
	h := initState(h0, batch, g.Hidden)
	out := make(Sequence, xs.Len())
	for t, x := range xs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := checkWidth("gru", x, g.WIH); err != nil {
			return nil, fmt.Errorf("step %d: %w", t, err)
		}
		h = g.Step(x, h)
		out[t] = h
	}
	return out, nil
}

// LSTMState holds the per-step outputs of an LSTM run. The gate sequences
// are post-activation.
type LSTMState struct {
	H, C       Sequence
	I, F, G, O Sequence
}

// LSTM is a single layer long short-term memory with gates ordered i, f, g, o.
type LSTM struct {
	Hidden int
	WIH    *mat.Dense // 4H x in
	WHH    *mat.Dense // 4H x H
	BIH    *mat.Dense // 1 x 4H
	BHH    *mat.Dense // 1 x 4H
}

// NewLSTM initialises all weights from U(-1/√hidden, 1/√hidden).
func NewLSTM(in, hidden int, src rand.Source) *LSTM {
	bound := 1 / math.Sqrt(float64(hidden))
	return &LSTM{
		Hidden: hidden,
		WIH:    Uniform(4*hidden, in, bound, src),
		WHH:    Uniform(4*hidden, hidden, bound, src),
		BIH:    Uniform(1, 4*hidden, bound, src),
		BHH:    Uniform(1, 4*hidden, bound, src),
	}
}

// SetForgetBias overwrites the hidden-to-hidden forget gate bias.
func (l *LSTM) SetForgetBias(v float64) {
	for j := l.Hidden; j < 2*l.Hidden; j++ {
		l.BHH.Set(0, j, v)
	}
}

func (l *LSTM) Parameters() []Param {
	return []Param{
		{Name: "weight_ih_l0", Value: l.WIH},
		{Name: "weight_hh_l0", Value: l.WHH},
		{Name: "bias_ih_l0", Value: l.BIH},
		{Name: "bias_hh_l0", Value: l.BHH},
	}
}

// Step advances (h, c) by one input x and returns the new state and gates.
func (l *LSTM) Step(x, h, c *mat.Dense) (hNext, cNext *mat.Dense, gates [4]*mat.Dense) {
	pre := add(affine(x, l.WIH, l.BIH), affine(h, l.WHH, l.BHH))
	parts := Chunk(pre, 4)
	gates[0] = Activate(Sigmoid{}, parts[0])
	gates[1] = Activate(Sigmoid{}, parts[1])
	gates[2] = Activate(Tanh{}, parts[2])
	gates[3] = Activate(Sigmoid{}, parts[3])
	hNext, cNext = lstmUpdate(c, gates[0], gates[1], gates[2], gates[3])
	return hNext, cNext, gates
}

// Run unrolls the LSTM over xs starting from (h0, c0); nil states start at
// zero.
func (l *LSTM) Run(ctx context.Context, xs Sequence, h0, c0 *mat.Dense) (*LSTMState, error) {
	if xs.Len() == 0 {
		return nil, fmt.Errorf("lstm: empty sequence")
	}
	batch, _ := xs.Dims()
	h := initState(h0, batch, l.Hidden)
	c := initState(c0, batch, l.Hidden)
	st := newLSTMState(xs.Len())
	for t, x := range xs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := checkWidth("lstm", x, l.WIH); err != nil {
			return nil, fmt.Errorf("step %d: %w", t, err)
		}
		var gates [4]*mat.Dense
		h, c, gates = l.Step(x, h, c)
		st.record(t, h, c, gates)
	}
	return st, nil
}

// EALSTM is an entity-aware LSTM: the input gate is computed once from the
// static features, the remaining gates (f, o, g) from the dynamic ones.
type EALSTM struct {
	Hidden    int
	InputGate *Linear    // static -> H
	WIH       *mat.Dense // 3H x dynamic
	WHH       *mat.Dense // 3H x H
	Bias      *mat.Dense // 1 x 3H
}

func NewEALSTM(dynamicIn, staticIn, hidden int, src rand.Source) *EALSTM {
	bound := 1 / math.Sqrt(float64(hidden))
	return &EALSTM{
		Hidden:    hidden,
		InputGate: NewLinear(staticIn, hidden, src),
		WIH:       Uniform(3*hidden, dynamicIn, bound, src),
		WHH:       Uniform(3*hidden, hidden, bound, src),
		Bias:      mat.NewDense(1, 3*hidden, nil),
	}
}

// SetForgetBias overwrites the forget gate bias.
func (e *EALSTM) SetForgetBias(v float64) {
	for j := 0; j < e.Hidden; j++ {
		e.Bias.Set(0, j, v)
	}
}

func (e *EALSTM) Parameters() []Param {
	ps := []Param{
		{Name: "weight_ih", Value: e.WIH},
		{Name: "weight_hh", Value: e.WHH},
		{Name: "bias", Value: e.Bias},
	}
	return append(ps, Prefix("input_gate", e.InputGate.Parameters())...)
}

// Run unrolls the cell over the dynamic inputs xd with static inputs xs.
func (e *EALSTM) Run(ctx context.Context, xd Sequence, xs *mat.Dense) (*LSTMState, error) {
	if xd.Len() == 0 {
		return nil, fmt.Errorf("ealstm: empty sequence")
	}
	gate, err := e.InputGate.Forward(xs)
	if err != nil {
		return nil, fmt.Errorf("ealstm input gate: %w", err)
	}
	i := Activate(Sigmoid{}, gate)

	batch, _ := xd.Dims()
	h := initState(nil, batch, e.Hidden)
	c := initState(nil, batch, e.Hidden)
	st := newLSTMState(xd.Len())
	for t, x := range xd {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := checkWidth("ealstm", x, e.WIH); err != nil {
			return nil, fmt.Errorf("step %d: %w", t, err)
		}
		pre := add(affine(h, e.WHH, e.Bias), affine(x, e.WIH, nil))
		parts := Chunk(pre, 3)
		f := Activate(Sigmoid{}, parts[0])
		o := Activate(Sigmoid{}, parts[1])
		g := Activate(Tanh{}, parts[2])
		h, c = lstmUpdate(c, i, f, g, o)
		st.record(t, h, c, [4]*mat.Dense{i, f, g, o})
	}
	return st, nil
}

func newLSTMState(n int) *LSTMState {
	return &LSTMState{
		H: make(Sequence, n), C: make(Sequence, n),
		I: make(Sequence, n), F: make(Sequence, n), G: make(Sequence, n), O: make(Sequence, n),
	}
}

func (s *LSTMState) record(t int, h, c *mat.Dense, gates [4]*mat.Dense) {
	s.H[t], s.C[t] = h, c
	s.I[t], s.F[t], s.G[t], s.O[t] = gates[0], gates[1], gates[2], gates[3]
}

// lstmUpdate computes c' = f⊙c + i⊙g and h' = o⊙tanh(c').
func lstmUpdate(c, i, f, g, o *mat.Dense) (h, cNext *mat.Dense) {
	cNext = add(multiply(f, c), multiply(i, g))
	h = multiply(o, Activate(Tanh{}, cNext))
	return h, cNext
}

func initState(s *mat.Dense, batch, hidden int) *mat.Dense {
	if s != nil {
		return s
	}
	return mat.NewDense(batch, hidden, nil)
}

func checkWidth(layer string, x, w *mat.Dense) error {
	_, got := x.Dims()
	_, want := w.Dims()
	if got != want {
		return fmt.Errorf("%s: input width %d, want %d", layer, got, want)
	}
	return nil
}
