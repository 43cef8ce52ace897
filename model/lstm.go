package model

import (
	"context"
	"fmt"

	"hydronn/config"
	"hydronn/nn"
)

// CudaLSTM is the standard LSTM pipeline. Its prediction adds the full
// hidden sequence as "lstm_output" and the final states as "h_n" and "c_n".
type CudaLSTM struct {
	base
	lstm *nn.LSTM
}

func NewCudaLSTM(cfg *config.Config) (*CudaLSTM, error) {
	src := newSource(cfg)
	b, err := newBase(cfg, KindCudaLSTM, src)
	if err != nil {
		return nil, err
	}
	m := &CudaLSTM{base: b, lstm: nn.NewLSTM(b.input.OutputSize(), cfg.HiddenSize, src)}
	if cfg.InitialForgetBias != 0 {
		m.lstm.SetForgetBias(cfg.InitialForgetBias)
	}
	if err := m.withHead(cfg, src); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *CudaLSTM) Forward(ctx context.Context, b Batch) (Prediction, error) {
	x, err := m.input.Forward(b)
	if err != nil {
		return nil, fmt.Errorf("cudalstm input: %w", err)
	}
	st, err := m.lstm.Run(ctx, x, nil, nil)
	if err != nil {
		return nil, err
	}
	pred, err := m.predict(st.H)
	if err != nil {
		return nil, err
	}
	pred["lstm_output"] = st.H
	pred["h_n"] = st.H.Last()
	pred["c_n"] = st.C.Last()
	return pred, nil
}

func (m *CudaLSTM) Parameters() []nn.Param {
	return m.parameters("lstm", m.lstm.Parameters())
}

// CustomLSTM runs the same cell step by step and exposes every state and
// gate: "h_n", "c_n", "i", "f", "g" and "o" hold one entry per step.
type CustomLSTM struct {
	base
	cell *nn.LSTM
}

func NewCustomLSTM(cfg *config.Config) (*CustomLSTM, error) {
	src := newSource(cfg)
	b, err := newBase(cfg, KindCustomLSTM, src)
	if err != nil {
		return nil, err
	}
	m := &CustomLSTM{base: b, cell: nn.NewLSTM(b.input.OutputSize(), cfg.HiddenSize, src)}
	if cfg.InitialForgetBias != 0 {
		m.cell.SetForgetBias(cfg.InitialForgetBias)
	}
	if err := m.withHead(cfg, src); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *CustomLSTM) Forward(ctx context.Context, b Batch) (Prediction, error) {
	x, err := m.input.Forward(b)
	if err != nil {
		return nil, fmt.Errorf("customlstm input: %w", err)
	}
	st, err := m.cell.Run(ctx, x, nil, nil)
	if err != nil {
		return nil, err
	}
	pred, err := m.predict(st.H)
	if err != nil {
		return nil, err
	}
	for k, v := range map[string]nn.Sequence{
		"h_n": st.H, "c_n": st.C,
		"i": st.I, "f": st.F, "g": st.G, "o": st.O,
	} {
		pred[k] = v
	}
	return pred, nil
}

func (m *CustomLSTM) Parameters() []nn.Param {
	return m.parameters("cell", m.cell.Parameters())
}

// EALSTM gates its input with the static features only. Its prediction holds
// every hidden and cell state under "h_n" and "c_n".
type EALSTM struct {
	base
	cell *nn.EALSTM
}

func NewEALSTM(cfg *config.Config) (*EALSTM, error) {
	src := newSource(cfg)
	b, err := newBase(cfg, KindEALSTM, src)
	if err != nil {
		return nil, err
	}
	if b.input.StaticSize() == 0 {
		return nil, fmt.Errorf("%w: ealstm needs static attributes or basin encoding", config.ErrInvalidConfig)
	}
	m := &EALSTM{
		base: b,
		cell: nn.NewEALSTM(b.input.DynamicSize(), b.input.StaticSize(), cfg.HiddenSize, src),
	}
	if cfg.InitialForgetBias != 0 {
		m.cell.SetForgetBias(cfg.InitialForgetBias)
	}
	if err := m.withHead(cfg, src); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *EALSTM) Forward(ctx context.Context, b Batch) (Prediction, error) {
	xd, xs, err := m.input.ForwardSplit(b)
	if err != nil {
		return nil, fmt.Errorf("ealstm input: %w", err)
	}
	st, err := m.cell.Run(ctx, xd, xs)
	if err != nil {
		return nil, err
	}
	pred, err := m.predict(st.H)
	if err != nil {
		return nil, err
	}
	pred["h_n"] = st.H
	pred["c_n"] = st.C
	return pred, nil
}

func (m *EALSTM) Parameters() []nn.Param {
	return m.parameters("cell", m.cell.Parameters())
}
