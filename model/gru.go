package model

import (
	"context"
	"fmt"

	"hydronn/config"
	"hydronn/nn"
)

// GRU is an input layer, a single GRU layer, output dropout and a head.
// Its prediction holds the head outputs for every step and the final
// hidden state under "h_n".
type GRU struct {
	base
	gru *nn.GRU
}

func NewGRU(cfg *config.Config) (*GRU, error) {
	src := newSource(cfg)
	b, err := newBase(cfg, KindGRU, src)
	if err != nil {
		return nil, err
	}
	m := &GRU{base: b, gru: nn.NewGRU(b.input.OutputSize(), cfg.HiddenSize, src)}
	if err := m.withHead(cfg, src); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *GRU) Forward(ctx context.Context, b Batch) (Prediction, error) {
	x, err := m.input.Forward(b)
	if err != nil {
		return nil, fmt.Errorf("gru input: %w", err)
	}
	hs, err := m.gru.Run(ctx, x, nil)
	if err != nil {
		return nil, err
	}
	pred, err := m.predict(hs)
	if err != nil {
		return nil, err
	}
	pred["h_n"] = hs.Last()
	return pred, nil
}

func (m *GRU) Parameters() []nn.Param {
	return m.parameters("gru", m.gru.Parameters())
}
