package model

import (
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"hydronn/config"
	"hydronn/nn"
)

// InputLayer turns a Batch into the per-step input of a recurrent core.
// Dynamic features (and evolving attributes) are optionally embedded,
// static attributes and the basin one-hot encoding are optionally embedded
// and repeated along the sequence.
type InputLayer struct {
	freq      string
	dynamic   []string
	nStatic   int
	nOneHot   int
	dynEmbed  *nn.Sequential
	statEmbed *nn.Sequential
	dynOut    int
	statOut   int
}

// NewInputLayer sizes the layer for the features cfg declares for freq.
func NewInputLayer(cfg *config.Config, freq string, src rand.Source) (*InputLayer, error) {
	l := &InputLayer{
		freq:    freq,
		dynamic: cfg.DynamicFeatures(freq),
		nStatic: len(cfg.StaticFeatures()),
	}
	if cfg.UseBasinIDEncoding {
		l.nOneHot = cfg.NumberOfBasins
	}
	if len(l.dynamic) == 0 {
		return nil, fmt.Errorf("%w: no dynamic inputs for frequency %q", config.ErrInvalidConfig, freq)
	}

	l.dynOut = len(l.dynamic)
	if e := cfg.DynamicsEmbedding; e != nil {
		fc, err := nn.NewFC(l.dynOut, e.Hiddens, e.Activation, e.Dropout, src)
		if err != nil {
			return nil, fmt.Errorf("dynamics embedding: %w", err)
		}
		l.dynEmbed, l.dynOut = fc, e.OutputSize()
	}

	l.statOut = l.nStatic + l.nOneHot
	if e := cfg.StaticsEmbedding; e != nil && l.statOut > 0 {
		fc, err := nn.NewFC(l.statOut, e.Hiddens, e.Activation, e.Dropout, src)
		if err != nil {
			return nil, fmt.Errorf("statics embedding: %w", err)
		}
		l.statEmbed, l.statOut = fc, e.OutputSize()
	}
	return l, nil
}

// OutputSize is the width of every step produced by Forward.
func (l *InputLayer) OutputSize() int { return l.dynOut + l.statOut }

// DynamicSize is the width of the dynamic part of the output.
func (l *InputLayer) DynamicSize() int { return l.dynOut }

// StaticSize is the width of the static part of the output.
func (l *InputLayer) StaticSize() int { return l.statOut }

// Forward returns the embedded dynamics concatenated with the repeated
// embedded statics.
func (l *InputLayer) Forward(b Batch) (nn.Sequence, error) {
	dyn, stat, err := l.ForwardSplit(b)
	if err != nil {
		return nil, err
	}
	if stat == nil {
		return dyn, nil
	}
	return nn.ConcatSeq(dyn, nn.Repeat(stat, dyn.Len()))
}

// ForwardSplit returns the embedded dynamics as a sequence and the embedded
// statics as a single batch x width matrix, nil when there are none.
func (l *InputLayer) ForwardSplit(b Batch) (nn.Sequence, *mat.Dense, error) {
	xd, err := b.Dynamics(l.freq)
	if err != nil {
		return nil, nil, err
	}
	dyn, batch, err := l.stack(xd)
	if err != nil {
		return nil, nil, err
	}
	if l.dynEmbed != nil {
		if dyn, err = dyn.Map(l.dynEmbed.Forward); err != nil {
			return nil, nil, fmt.Errorf("dynamics embedding: %w", err)
		}
	}

	var parts []mat.Matrix
	if l.nStatic > 0 {
		if err := checkShape("x_s", b.XS, batch, l.nStatic); err != nil {
			return nil, nil, err
		}
		parts = append(parts, b.XS)
	}
	if l.nOneHot > 0 {
		if err := checkShape("x_one_hot", b.XOneHot, batch, l.nOneHot); err != nil {
			return nil, nil, err
		}
		parts = append(parts, b.XOneHot)
	}
	if len(parts) == 0 {
		return dyn, nil, nil
	}
	stat, err := nn.Concat(parts...)
	if err != nil {
		return nil, nil, err
	}
	if l.statEmbed != nil {
		if stat, err = l.statEmbed.Forward(stat); err != nil {
			return nil, nil, fmt.Errorf("statics embedding: %w", err)
		}
	}
	return dyn, stat, nil
}

// stack gathers the batch x seq feature matrices into one batch x features
// matrix per step, in config order.
func (l *InputLayer) stack(xd Dynamic) (nn.Sequence, int, error) {
	first, ok := xd[l.dynamic[0]]
	if !ok || first == nil {
		return nil, 0, &ShapeError{Key: "x_d." + l.dynamic[0], IsMissing: true}
	}
	batch, seq := first.Dims()
	cols := make([]*mat.Dense, len(l.dynamic))
	for i, name := range l.dynamic {
		if err := checkShape("x_d."+name, xd[name], batch, seq); err != nil {
			return nil, 0, err
		}
		cols[i] = xd[name]
	}

	out := make(nn.Sequence, seq)
	for t := range out {
		step := mat.NewDense(batch, len(cols), nil)
		for j, c := range cols {
			for i := 0; i < batch; i++ {
				step.Set(i, j, c.At(i, t))
			}
		}
		out[t] = step
	}
	return out, batch, nil
}

func (l *InputLayer) Parameters() []nn.Param {
	var ps []nn.Param
	if l.dynEmbed != nil {
		ps = append(ps, nn.Prefix("dynamics_embedding", l.dynEmbed.Parameters())...)
	}
	if l.statEmbed != nil {
		ps = append(ps, nn.Prefix("statics_embedding", l.statEmbed.Parameters())...)
	}
	return ps
}

func (l *InputLayer) SetTraining(training bool) {
	nn.SetTraining(training, l.dynEmbed, l.statEmbed)
}

func checkShape(key string, m *mat.Dense, rows, cols int) error {
	if m == nil {
		return &ShapeError{Key: key, WantRows: rows, WantCols: cols, IsMissing: true}
	}
	r, c := m.Dims()
	if r != rows || c != cols {
		return &ShapeError{Key: key, WantRows: rows, WantCols: cols, GotRows: r, GotCols: c}
	}
	return nil
}
