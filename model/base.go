package model

import (
	"golang.org/x/exp/rand"

	"hydronn/config"
	"hydronn/head"
	"hydronn/nn"
)

// base holds what every single-frequency model shares: the input layer,
// output dropout and the head.
type base struct {
	kind    Kind
	freq    string
	input   *InputLayer
	dropout *nn.Dropout
	head    head.Head
}

func newSource(cfg *config.Config) rand.Source {
	return rand.NewSource(uint64(cfg.Seed))
}

func newBase(cfg *config.Config, kind Kind, src rand.Source) (base, error) {
	freq := ""
	if len(cfg.UseFrequencies) == 1 {
		freq = cfg.UseFrequencies[0]
	}
	input, err := NewInputLayer(cfg, freq, src)
	if err != nil {
		return base{}, err
	}
	return base{
		kind:    kind,
		freq:    freq,
		input:   input,
		dropout: nn.NewDropout(cfg.OutputDropout, src),
	}, nil
}

// withHead builds the head once the core has drawn its weights, keeping the
// initialisation order input, core, head.
func (b *base) withHead(cfg *config.Config, src rand.Source) error {
	h, err := head.Get(cfg, cfg.HiddenSize, len(cfg.TargetVariables), src)
	if err != nil {
		return err
	}
	b.head = h
	return nil
}

func (b *base) Kind() Kind { return b.kind }

func (b *base) OutputHead() head.Head { return b.head }

// InputSize is the width of the input to the recurrent core.
func (b *base) InputSize() int { return b.input.OutputSize() }

func (b *base) SetTraining(training bool) {
	b.input.SetTraining(training)
	b.dropout.SetTraining(training)
}

// predict applies dropout and the head to every hidden state.
func (b *base) predict(hs nn.Sequence) (Prediction, error) {
	dropped, err := hs.Map(b.dropout.Forward)
	if err != nil {
		return nil, err
	}
	out, err := head.Apply(b.head, dropped)
	if err != nil {
		return nil, err
	}
	return Prediction(out), nil
}

func (b *base) parameters(core string, ps []nn.Param) []nn.Param {
	out := nn.Prefix("embedding_net", b.input.Parameters())
	out = append(out, nn.Prefix(core, ps)...)
	return append(out, nn.Prefix("head", b.head.Parameters())...)
}
