// Package head maps recurrent hidden states onto predictions.
package head

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"hydronn/config"
	"hydronn/nn"
)

// ErrUnsupportedHead is returned by Get for head names outside Names.
var ErrUnsupportedHead = errors.New("unsupported head")

const eps = 1e-5

// Head turns one time step of hidden states into named outputs.
type Head interface {
	Forward(x *mat.Dense) (map[string]*mat.Dense, error)
	Parameters() []nn.Param
	// Keys lists the output names in a stable order.
	Keys() []string
}

// Names lists the supported heads. Head names, like output activation
// names, match case-insensitively.
func Names() []string { return []string{"regression", "gmm", "cmal"} }

// Get builds the head named by cfg.Head for nIn hidden units and nOut
// target variables.
func Get(cfg *config.Config, nIn, nOut int, src rand.Source) (Head, error) {
	switch strings.ToLower(cfg.Head) {
	case "regression":
		return NewRegression(nIn, nOut, cfg.OutputActivation, src)
	case "gmm":
		if cfg.NDistributions <= 0 {
			return nil, fmt.Errorf("%w: head gmm needs n_distributions > 0", config.ErrInvalidConfig)
		}
		return NewGMM(nIn, nOut, cfg.NDistributions, src), nil
	case "cmal":
		if cfg.NDistributions <= 0 {
			return nil, fmt.Errorf("%w: head cmal needs n_distributions > 0", config.ErrInvalidConfig)
		}
		return NewCMAL(nIn, nOut, cfg.NDistributions, src), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedHead, cfg.Head)
	}
}

// Apply runs h over every step of seq and collects one sequence per key.
func Apply(h Head, seq nn.Sequence) (map[string]nn.Sequence, error) {
	out := make(map[string]nn.Sequence, len(h.Keys()))
	for _, k := range h.Keys() {
		out[k] = make(nn.Sequence, seq.Len())
	}
	for t, x := range seq {
		step, err := h.Forward(x)
		if err != nil {
			return nil, fmt.Errorf("head step %d: %w", t, err)
		}
		for k, v := range step {
			out[k][t] = v
		}
	}
	return out, nil
}

// Regression is a linear layer followed by the output activation.
type Regression struct {
	Net        *nn.Linear
	Activation nn.Activator
}

func NewRegression(nIn, nOut int, activation string, src rand.Source) (*Regression, error) {
	activation = strings.ToLower(activation)
	switch activation {
	case "", "linear", "relu", "softplus":
	default:
		return nil, fmt.Errorf("regression head: %w: %q", nn.ErrUnknownActivation, activation)
	}
	if activation == "" {
		activation = "linear"
	}
	act, err := nn.LookupActivator(activation)
	if err != nil {
		return nil, err
	}
	return &Regression{Net: nn.NewLinear(nIn, nOut, src), Activation: act}, nil
}

func (r *Regression) Forward(x *mat.Dense) (map[string]*mat.Dense, error) {
	y, err := r.Net.Forward(x)
	if err != nil {
		return nil, err
	}
	return map[string]*mat.Dense{"y_hat": nn.Activate(r.Activation, y)}, nil
}

func (r *Regression) Parameters() []nn.Param { return nn.Prefix("net", r.Net.Parameters()) }

func (r *Regression) Keys() []string { return []string{"y_hat"} }

// Weights exposes the affine part of the head.
func (r *Regression) Weights() (w, b *mat.Dense) { return r.Net.W, r.Net.B }

// mixture is shared by the GMM and CMAL heads: a hidden relu layer and a
// projection onto len(keys) parameter blocks per target and distribution.
type mixture struct {
	fc1, fc2 *nn.Linear
	nOut     int
	nDist    int
	keys     []string
}

const mixtureHidden = 100

func newMixture(nIn, nOut, nDist int, keys []string, src rand.Source) mixture {
	return mixture{
		fc1:   nn.NewLinear(nIn, mixtureHidden, src),
		fc2:   nn.NewLinear(mixtureHidden, len(keys)*nOut*nDist, src),
		nOut:  nOut,
		nDist: nDist,
		keys:  keys,
	}
}

func (m mixture) latent(x *mat.Dense) ([]*mat.Dense, error) {
	h, err := m.fc1.Forward(x)
	if err != nil {
		return nil, err
	}
	h = nn.Activate(nn.ReLU{}, h)
	h, err = m.fc2.Forward(h)
	if err != nil {
		return nil, err
	}
	return nn.Chunk(h, len(m.keys)), nil
}

// weights normalises each target's block of nDist columns with a softmax.
func (m mixture) weights(p *mat.Dense) *mat.Dense {
	r, c := p.Dims()
	out := mat.NewDense(r, c, nil)
	for k := 0; k < m.nOut; k++ {
		from, to := k*m.nDist, (k+1)*m.nDist
		out.Slice(0, r, from, to).(*mat.Dense).Copy(nn.Softmax(nn.Cols(p, from, to)))
	}
	return out
}

func (m mixture) Parameters() []nn.Param {
	return append(nn.Prefix("fc1", m.fc1.Parameters()), nn.Prefix("fc2", m.fc2.Parameters())...)
}

func (m mixture) Keys() []string { return m.keys }

// GMM parameterises a Gaussian mixture per target: mu, sigma and pi.
type GMM struct {
	mixture
}

func NewGMM(nIn, nOut, nDist int, src rand.Source) *GMM {
	return &GMM{newMixture(nIn, nOut, nDist, []string{"mu", "sigma", "pi"}, src)}
}

func (g *GMM) Forward(x *mat.Dense) (map[string]*mat.Dense, error) {
	l, err := g.latent(x)
	if err != nil {
		return nil, err
	}
	return map[string]*mat.Dense{
		"mu":    l[0],
		"sigma": positive(l[1]),
		"pi":    g.weights(l[2]),
	}, nil
}

// CMAL parameterises a countable mixture of asymmetric Laplacians per target:
// location mu, scale b, asymmetry tau and weights pi.
type CMAL struct {
	mixture
}

func NewCMAL(nIn, nOut, nDist int, src rand.Source) *CMAL {
	return &CMAL{newMixture(nIn, nOut, nDist, []string{"mu", "b", "tau", "pi"}, src)}
}

func (c *CMAL) Forward(x *mat.Dense) (map[string]*mat.Dense, error) {
	l, err := c.latent(x)
	if err != nil {
		return nil, err
	}
	tau := nn.Activate(nn.Sigmoid{}, l[2])
	tau.Apply(func(i, j int, v float64) float64 { return (1-2*eps)*v + eps }, tau)
	return map[string]*mat.Dense{
		"mu":  l[0],
		"b":   positive(l[1]),
		"tau": tau,
		"pi":  c.weights(l[3]),
	}, nil
}

func positive(m *mat.Dense) *mat.Dense {
	out := nn.Activate(nn.Softplus{}, m)
	out.Apply(func(i, j int, v float64) float64 { return v + eps }, out)
	return out
}
