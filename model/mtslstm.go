package model

import (
	"context"
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"hydronn/config"
	"hydronn/head"
	"hydronn/nn"
)

// MTSLSTM predicts several temporal resolutions at once. Frequencies run
// coarsest first; each branch starts from the state its coarser neighbour
// reached where the finer sequence begins. All prediction keys carry a
// "_<frequency>" suffix.
type MTSLSTM struct {
	freqs   []string
	factors []int // factors[i] relates freqs[i] to freqs[i+1]
	shared  bool
	hidden  int
	inputs  []*InputLayer
	lstms   []*nn.LSTM // a single entry when shared
	transH  []*transfer
	transC  []*transfer
	heads   []head.Head
	dropout *nn.Dropout
}

// transfer maps a coarse branch state onto the initial state of the next
// finer branch.
type transfer struct {
	mode string
	fc   *nn.Linear
}

func newTransfer(mode string, hidden int, src rand.Source) (*transfer, error) {
	switch mode {
	case "linear":
		return &transfer{mode: mode, fc: nn.NewLinear(hidden, hidden, src)}, nil
	case "identity", "None":
		return &transfer{mode: mode}, nil
	default:
		return nil, fmt.Errorf("%w: transfer_mtslstm_states %q", config.ErrInvalidConfig, mode)
	}
}

func (t *transfer) apply(s *mat.Dense) (*mat.Dense, error) {
	switch t.mode {
	case "linear":
		return t.fc.Forward(s)
	case "identity":
		return s, nil
	default:
		r, c := s.Dims()
		return mat.NewDense(r, c, nil), nil
	}
}

func NewMTSLSTM(cfg *config.Config) (*MTSLSTM, error) {
	if len(cfg.UseFrequencies) == 0 {
		return nil, fmt.Errorf("%w: mtslstm needs use_frequencies", config.ErrInvalidConfig)
	}
	freqs, err := config.SortFrequencies(cfg.UseFrequencies)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	src := newSource(cfg)
	m := &MTSLSTM{
		freqs:   freqs,
		shared:  cfg.SharedMTSLSTM,
		hidden:  cfg.HiddenSize,
		dropout: nn.NewDropout(cfg.OutputDropout, src),
	}
	for i := 0; i+1 < len(freqs); i++ {
		f, err := config.FrequencyFactor(freqs[i], freqs[i+1])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
		}
		m.factors = append(m.factors, f)
	}

	for _, freq := range freqs {
		in, err := NewInputLayer(cfg, freq, src)
		if err != nil {
			return nil, err
		}
		if m.shared && len(m.inputs) > 0 && in.OutputSize() != m.inputs[0].OutputSize() {
			return nil, fmt.Errorf("%w: shared_mtslstm needs the same number of inputs for every frequency",
				config.ErrInvalidConfig)
		}
		m.inputs = append(m.inputs, in)
	}

	if m.shared {
		m.lstms = []*nn.LSTM{nn.NewLSTM(m.inputs[0].OutputSize()+len(freqs), cfg.HiddenSize, src)}
	} else {
		for _, in := range m.inputs {
			m.lstms = append(m.lstms, nn.NewLSTM(in.OutputSize(), cfg.HiddenSize, src))
		}
	}
	if cfg.InitialForgetBias != 0 {
		for _, l := range m.lstms {
			l.SetForgetBias(cfg.InitialForgetBias)
		}
	}

	for range m.factors {
		th, err := newTransfer(cfg.TransferMTSLSTMStates.H, cfg.HiddenSize, src)
		if err != nil {
			return nil, err
		}
		tc, err := newTransfer(cfg.TransferMTSLSTMStates.C, cfg.HiddenSize, src)
		if err != nil {
			return nil, err
		}
		m.transH = append(m.transH, th)
		m.transC = append(m.transC, tc)
	}

	for range freqs {
		h, err := head.Get(cfg, cfg.HiddenSize, len(cfg.TargetVariables), src)
		if err != nil {
			return nil, err
		}
		m.heads = append(m.heads, h)
	}
	return m, nil
}

func (m *MTSLSTM) Kind() Kind { return KindMTSLSTM }

// Frequencies returns the frequencies in processing order.
func (m *MTSLSTM) Frequencies() []string { return m.freqs }

func (m *MTSLSTM) SetTraining(training bool) {
	for _, in := range m.inputs {
		in.SetTraining(training)
	}
	m.dropout.SetTraining(training)
}

func (m *MTSLSTM) lstm(i int) *nn.LSTM {
	if m.shared {
		return m.lstms[0]
	}
	return m.lstms[i]
}

func (m *MTSLSTM) Forward(ctx context.Context, b Batch) (Prediction, error) {
	pred := make(Prediction)
	var h0, c0 *mat.Dense
	for i, freq := range m.freqs {
		x, err := m.inputs[i].Forward(b)
		if err != nil {
			return nil, fmt.Errorf("mtslstm input %s: %w", freq, err)
		}
		if m.shared {
			if x, err = m.withFrequencyFlag(x, i); err != nil {
				return nil, err
			}
		}
		st, err := m.lstm(i).Run(ctx, x, h0, c0)
		if err != nil {
			return nil, fmt.Errorf("mtslstm %s: %w", freq, err)
		}

		dropped, err := st.H.Map(m.dropout.Forward)
		if err != nil {
			return nil, err
		}
		out, err := head.Apply(m.heads[i], dropped)
		if err != nil {
			return nil, fmt.Errorf("mtslstm head %s: %w", freq, err)
		}
		for k, v := range out {
			pred[k+"_"+freq] = v
		}
		pred["h_n_"+freq] = st.H.Last()
		pred["c_n_"+freq] = st.C.Last()

		if i+1 < len(m.freqs) {
			if h0, c0, err = m.handOver(b, i, st); err != nil {
				return nil, err
			}
		}
	}
	return pred, nil
}

// handOver picks the state of branch i at the step where the next finer
// sequence starts and maps it through the transfer layers.
func (m *MTSLSTM) handOver(b Batch, i int, st *nn.LSTMState) (h, c *mat.Dense, err error) {
	next := m.freqs[i+1]
	xd, err := b.Dynamics(next)
	if err != nil {
		return nil, nil, err
	}
	first, ok := xd[m.inputs[i+1].dynamic[0]]
	if !ok || first == nil {
		return nil, nil, &ShapeError{Key: "x_d." + next, IsMissing: true}
	}
	fineBatch, fineLen := first.Dims()
	if batch, _ := st.H.Dims(); fineBatch != batch {
		return nil, nil, &ShapeError{Key: "x_d." + next, WantRows: batch, WantCols: fineLen, GotRows: fineBatch, GotCols: fineLen}
	}
	split := st.H.Len() - fineLen/m.factors[i]
	if split <= 0 {
		return nil, nil, fmt.Errorf("mtslstm: %s sequence of %d steps does not fit into %s sequence of %d steps",
			next, fineLen, m.freqs[i], st.H.Len())
	}
	if h, err = m.transH[i].apply(st.H[split-1]); err != nil {
		return nil, nil, err
	}
	if c, err = m.transC[i].apply(st.C[split-1]); err != nil {
		return nil, nil, err
	}
	return h, c, nil
}

// withFrequencyFlag appends a one-hot encoding of frequency i to every step.
func (m *MTSLSTM) withFrequencyFlag(x nn.Sequence, i int) (nn.Sequence, error) {
	batch, _ := x.Dims()
	flag := mat.NewDense(batch, len(m.freqs), nil)
	for r := 0; r < batch; r++ {
		flag.Set(r, i, 1)
	}
	return nn.ConcatSeq(x, nn.Repeat(flag, x.Len()))
}

func (m *MTSLSTM) Parameters() []nn.Param {
	var ps []nn.Param
	for i, freq := range m.freqs {
		ps = append(ps, nn.Prefix("embedding_net."+freq, m.inputs[i].Parameters())...)
	}
	if m.shared {
		ps = append(ps, nn.Prefix("lstm", m.lstms[0].Parameters())...)
	} else {
		for i, freq := range m.freqs {
			ps = append(ps, nn.Prefix("lstms."+freq, m.lstms[i].Parameters())...)
		}
	}
	for i := range m.factors {
		freq := m.freqs[i+1]
		if fc := m.transH[i].fc; fc != nil {
			ps = append(ps, nn.Prefix("transfer_fc_h."+freq, fc.Parameters())...)
		}
		if fc := m.transC[i].fc; fc != nil {
			ps = append(ps, nn.Prefix("transfer_fc_c."+freq, fc.Parameters())...)
		}
	}
	for i, freq := range m.freqs {
		ps = append(ps, nn.Prefix("heads."+freq, m.heads[i].Parameters())...)
	}
	return ps
}
