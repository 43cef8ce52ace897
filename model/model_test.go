package model

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"hydronn/config"
	"hydronn/ctxlog"
	"hydronn/nn"
)

func testConfig(kind string) *config.Config {
	return &config.Config{
		Model:                 kind,
		Head:                  "regression",
		OutputActivation:      "linear",
		HiddenSize:            4,
		DynamicInputs:         config.FreqStrings{Flat: []string{"prcp", "tmax"}},
		StaticAttributes:      []string{"area"},
		TargetVariables:       []string{"qobs"},
		TransferMTSLSTMStates: config.TransferSpec{H: "linear", C: "linear"},
		Seed:                  1,
	}
}

func multiFrequencyConfig() *config.Config {
	cfg := testConfig("mtslstm")
	cfg.UseFrequencies = []string{"1h", "1D"}
	return cfg
}

// ramp returns a rows x cols matrix filled with start, start+step, ...
func ramp(rows, cols int, start, step float64) *mat.Dense {
	m := mat.NewDense(rows, cols, nil)
	v := start
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			m.Set(i, j, v)
			v += step
		}
	}
	return m
}

func testBatch(freq string, batch, seq int) Batch {
	return Batch{
		XD: map[string]Dynamic{
			freq: {
				"prcp": ramp(batch, seq, 0, 0.1),
				"tmax": ramp(batch, seq, 1, -0.05),
			},
		},
		XS: ramp(batch, 1, 0.3, 0.2),
	}
}

func TestGetReturnsMatchingType(t *testing.T) {
	tests := []struct {
		cfg  *config.Config
		want Model
		kind Kind
	}{
		{testConfig("cudalstm"), &CudaLSTM{}, KindCudaLSTM},
		{testConfig("customlstm"), &CustomLSTM{}, KindCustomLSTM},
		{testConfig("ealstm"), &EALSTM{}, KindEALSTM},
		{testConfig("GRU"), &GRU{}, KindGRU},
		{multiFrequencyConfig(), &MTSLSTM{}, KindMTSLSTM},
	}
	for _, tt := range tests {
		t.Run(tt.cfg.Model, func(t *testing.T) {
			m, err := Get(context.Background(), tt.cfg)
			require.NoError(t, err)
			assert.IsType(t, tt.want, m)
			assert.Equal(t, tt.kind, m.Kind())
		})
	}
}

func TestGetUnsupportedModel(t *testing.T) {
	_, err := Get(context.Background(), testConfig("transformer"))
	if !errors.Is(err, ErrUnsupportedModel) {
		t.Fatalf("expected ErrUnsupportedModel, got %v", err)
	}
}

func TestGetSingleFrequencyModelRejectsFrequencies(t *testing.T) {
	for _, kind := range []string{"cudalstm", "customlstm", "ealstm", "gru", "embcudalstm"} {
		t.Run(kind, func(t *testing.T) {
			cfg := testConfig(kind)
			cfg.UseFrequencies = []string{"1D", "1h"}
			_, err := Get(context.Background(), cfg)
			require.ErrorIs(t, err, ErrMultiFrequency)
		})
	}

	cfg := testConfig("gru")
	cfg.UseFrequencies = []string{"1D"}
	m, err := Get(context.Background(), cfg)
	require.NoError(t, err)
	_, err = m.Forward(context.Background(), testBatch("1D", 2, 3))
	require.NoError(t, err)
}

func TestGetInvalidConfig(t *testing.T) {
	cfg := testConfig("gru")
	cfg.HiddenSize = 0
	_, err := Get(context.Background(), cfg)
	require.ErrorIs(t, err, config.ErrInvalidConfig)

	for _, name := range []string{"GMM", "Cmal"} {
		cfg := testConfig("gru")
		cfg.Head = name
		_, err := Get(context.Background(), cfg)
		require.ErrorIs(t, err, config.ErrInvalidConfig, name)
	}
}

func TestDeprecatedAliasesBuildReplacement(t *testing.T) {
	tests := []struct {
		alias string
		want  Model
	}{
		{"embcudalstm", &CudaLSTM{}},
		{"LSTM", &CustomLSTM{}},
	}
	for _, tt := range tests {
		t.Run(tt.alias, func(t *testing.T) {
			var buf bytes.Buffer
			ctx := ctxlog.WithLogger(context.Background(), slog.New(slog.NewTextHandler(&buf, nil)))

			m, err := Get(ctx, testConfig(tt.alias))
			require.NoError(t, err)
			assert.IsType(t, tt.want, m)
			assert.Contains(t, buf.String(), "level=WARN")
			assert.Contains(t, buf.String(), "deprecated")
		})
	}
}

func TestParseKind(t *testing.T) {
	k, alias, err := ParseKind(" EALSTM ")
	require.NoError(t, err)
	assert.Equal(t, KindEALSTM, k)
	assert.False(t, alias)

	assert.Len(t, Kinds(), 5)
	assert.Equal(t, [][2]string{{"embcudalstm", "cudalstm"}, {"lstm", "customlstm"}}, Aliases())
}

func TestGRUPredictsEveryStep(t *testing.T) {
	m, err := Get(context.Background(), testConfig("gru"))
	require.NoError(t, err)

	pred, err := m.Forward(context.Background(), testBatch("", 3, 7))
	require.NoError(t, err)
	assert.Equal(t, []string{"h_n", "y_hat"}, pred.Keys())

	require.Equal(t, 7, pred["y_hat"].Len())
	for _, y := range pred["y_hat"] {
		r, c := y.Dims()
		assert.Equal(t, 3, r)
		assert.Equal(t, 1, c)
	}
	require.Equal(t, 1, pred["h_n"].Len())
	batch, width := pred["h_n"].Dims()
	assert.Equal(t, 3, batch)
	assert.Equal(t, 4, width)
}

func TestGRUParameters(t *testing.T) {
	m, err := NewGRU(testConfig("gru"))
	require.NoError(t, err)

	var names []string
	for _, p := range m.Parameters() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{
		"gru.weight_ih_l0", "gru.weight_hh_l0", "gru.bias_ih_l0", "gru.bias_hh_l0",
		"head.net.weight", "head.net.bias",
	}, names)

	s := Summarize(m)
	assert.Equal(t, KindGRU, s.Kind)
	assert.Equal(t, 3, s.InputSize)
	assert.Equal(t, 6, s.Tensors)
	// 3*4*3 + 3*4*4 + 2*12 for the GRU, 4 + 1 for the head.
	assert.Equal(t, 113, s.Parameters)
	assert.NotZero(t, s.WeightStd)
}

func TestEvalModeIsDeterministic(t *testing.T) {
	cfg := testConfig("gru")
	cfg.OutputDropout = 0.5
	b := testBatch("", 3, 7)

	m1, err := Get(context.Background(), cfg)
	require.NoError(t, err)
	m2, err := Get(context.Background(), cfg)
	require.NoError(t, err)

	p1, err := m1.Forward(context.Background(), b)
	require.NoError(t, err)
	p2, err := m2.Forward(context.Background(), b)
	require.NoError(t, err)
	again, err := m1.Forward(context.Background(), b)
	require.NoError(t, err)
	for step := range p1["y_hat"] {
		assert.True(t, mat.Equal(p1["y_hat"][step], p2["y_hat"][step]))
		assert.True(t, mat.Equal(p1["y_hat"][step], again["y_hat"][step]))
	}

	m1.SetTraining(true)
	train, err := m1.Forward(context.Background(), b)
	require.NoError(t, err)
	differs := false
	for step := range p1["y_hat"] {
		if !mat.Equal(p1["y_hat"][step], train["y_hat"][step]) {
			differs = true
		}
	}
	assert.True(t, differs, "dropout should change training outputs")
}

func TestForwardShapeErrors(t *testing.T) {
	m, err := Get(context.Background(), testConfig("gru"))
	require.NoError(t, err)

	b := testBatch("", 3, 5)
	b.XS = mat.NewDense(3, 2, nil)
	_, err = m.Forward(context.Background(), b)
	var se *ShapeError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "x_s", se.Key)
	assert.Equal(t, 1, se.WantCols)
	assert.Equal(t, 2, se.GotCols)

	b = testBatch("", 3, 5)
	delete(b.XD[""], "tmax")
	_, err = m.Forward(context.Background(), b)
	require.ErrorAs(t, err, &se)
	assert.True(t, se.IsMissing)

	b = testBatch("", 3, 5)
	b.XD[""]["tmax"] = mat.NewDense(3, 4, nil)
	_, err = m.Forward(context.Background(), b)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "x_d.tmax", se.Key)

	_, err = m.Forward(context.Background(), Batch{XD: map[string]Dynamic{"1D": {}, "1h": {}}})
	require.Error(t, err)
}

func TestForwardHonoursCancellation(t *testing.T) {
	m, err := Get(context.Background(), testConfig("cudalstm"))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Forward(ctx, testBatch("", 2, 4))
	require.ErrorIs(t, err, context.Canceled)
}

func TestBasinEncodingIsRequired(t *testing.T) {
	cfg := testConfig("gru")
	cfg.UseBasinIDEncoding = true
	cfg.NumberOfBasins = 3
	m, err := NewGRU(cfg)
	require.NoError(t, err)
	assert.Equal(t, 6, m.InputSize())

	b := testBatch("", 2, 4)
	_, err = m.Forward(context.Background(), b)
	var se *ShapeError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "x_one_hot", se.Key)

	b.XOneHot = mat.NewDense(2, 3, []float64{1, 0, 0, 0, 0, 1})
	_, err = m.Forward(context.Background(), b)
	require.NoError(t, err)
}

func TestLSTMVariantsShareTheirCore(t *testing.T) {
	cfg := testConfig("cudalstm")
	cfg.InitialForgetBias = 3
	cuda, err := NewCudaLSTM(cfg)
	require.NoError(t, err)
	custom, err := NewCustomLSTM(cfg)
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 3, 3, 3}, cuda.lstm.BHH.RawRowView(0)[4:8])

	b := testBatch("", 2, 6)
	pc, err := cuda.Forward(context.Background(), b)
	require.NoError(t, err)
	pu, err := custom.Forward(context.Background(), b)
	require.NoError(t, err)

	assert.Equal(t, []string{"c_n", "h_n", "lstm_output", "y_hat"}, pc.Keys())
	assert.Equal(t, []string{"c_n", "f", "g", "h_n", "i", "o", "y_hat"}, pu.Keys())
	assert.Equal(t, 1, pc["h_n"].Len())
	assert.Equal(t, 6, pu["h_n"].Len())
	for _, k := range []string{"i", "f", "g", "o"} {
		assert.Equal(t, 6, pu[k].Len(), k)
	}
	for step := 0; step < 6; step++ {
		assert.True(t, mat.EqualApprox(pc["y_hat"][step], pu["y_hat"][step], 1e-12))
	}
	assert.True(t, mat.Equal(pc["h_n"][0], pu["h_n"][5]))
}

func TestEALSTM(t *testing.T) {
	cfg := testConfig("ealstm")
	m, err := NewEALSTM(cfg)
	require.NoError(t, err)

	pred, err := m.Forward(context.Background(), testBatch("", 2, 5))
	require.NoError(t, err)
	assert.Equal(t, []string{"c_n", "h_n", "y_hat"}, pred.Keys())
	assert.Equal(t, 5, pred["h_n"].Len())
	assert.Equal(t, 5, pred["y_hat"].Len())

	cfg.StaticAttributes = nil
	_, err = NewEALSTM(cfg)
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestEmbeddingsResizeTheInput(t *testing.T) {
	cfg := testConfig("gru")
	cfg.StaticsEmbedding = &config.EmbeddingSpec{Type: "fc", Hiddens: []int{5, 3}, Activation: "tanh"}
	cfg.DynamicsEmbedding = &config.EmbeddingSpec{Type: "fc", Hiddens: []int{6}, Activation: "tanh", Dropout: 0.2}
	m, err := NewGRU(cfg)
	require.NoError(t, err)
	assert.Equal(t, 9, m.InputSize())

	var names []string
	for _, p := range m.Parameters() {
		names = append(names, p.Name)
	}
	assert.Subset(t, names, []string{
		"embedding_net.dynamics_embedding.0.weight",
		"embedding_net.statics_embedding.0.weight",
		"embedding_net.statics_embedding.3.bias",
	})

	pred, err := m.Forward(context.Background(), testBatch("", 2, 4))
	require.NoError(t, err)
	assert.Equal(t, 4, pred["y_hat"].Len())
}

func mtsBatch(batch, days int) Batch {
	return Batch{
		XD: map[string]Dynamic{
			"1D": {"prcp": ramp(batch, days, 0, 0.1), "tmax": ramp(batch, days, 1, 0.01)},
			"1h": {"prcp": ramp(batch, 24*2, 0, 0.01), "tmax": ramp(batch, 24*2, 1, 0.001)},
		},
		XS: ramp(batch, 1, 0.5, 0.1),
	}
}

func TestMTSLSTMPredictsEveryFrequency(t *testing.T) {
	m, err := NewMTSLSTM(multiFrequencyConfig())
	require.NoError(t, err)
	assert.Equal(t, []string{"1D", "1h"}, m.Frequencies())

	pred, err := m.Forward(context.Background(), mtsBatch(2, 5))
	require.NoError(t, err)
	assert.Equal(t, []string{"c_n_1D", "c_n_1h", "h_n_1D", "h_n_1h", "y_hat_1D", "y_hat_1h"}, pred.Keys())
	assert.Equal(t, 5, pred["y_hat_1D"].Len())
	assert.Equal(t, 48, pred["y_hat_1h"].Len())

	s := Summarize(m)
	assert.Equal(t, []string{"1D", "1h"}, s.Frequencies)
	assert.Equal(t, 3, s.InputSize)
	assert.Equal(t, nn.CountParameters(m.Parameters()), s.Parameters)
}

func TestMTSLSTMTransfer(t *testing.T) {
	cfg := multiFrequencyConfig()
	cfg.TransferMTSLSTMStates = config.TransferSpec{H: "None", C: "identity"}
	m, err := NewMTSLSTM(cfg)
	require.NoError(t, err)
	for _, p := range m.Parameters() {
		assert.NotContains(t, p.Name, "transfer_fc")
	}
	_, err = m.Forward(context.Background(), mtsBatch(1, 3))
	require.NoError(t, err)

	cfg.TransferMTSLSTMStates = config.TransferSpec{H: "cubic", C: "linear"}
	_, err = NewMTSLSTM(cfg)
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}

// runBranch runs branch i of m on b from the given initial state.
func runBranch(t *testing.T, m *MTSLSTM, b Batch, i int, h0, c0 *mat.Dense) *nn.LSTMState {
	t.Helper()
	x, err := m.inputs[i].Forward(b)
	require.NoError(t, err)
	st, err := m.lstm(i).Run(context.Background(), x, h0, c0)
	require.NoError(t, err)
	return st
}

func TestMTSLSTMHandsOverWhereFineSequenceStarts(t *testing.T) {
	cfg := multiFrequencyConfig()
	cfg.TransferMTSLSTMStates = config.TransferSpec{H: "identity", C: "identity"}
	m, err := NewMTSLSTM(cfg)
	require.NoError(t, err)
	b := mtsBatch(2, 5)

	pred, err := m.Forward(context.Background(), b)
	require.NoError(t, err)

	// 48 hourly steps cover the last 2 of 5 days, so the state after
	// day 3 seeds the hourly branch.
	daily := runBranch(t, m, b, 0, nil, nil)
	hourly := runBranch(t, m, b, 1, daily.H[2], daily.C[2])
	assert.True(t, mat.EqualApprox(hourly.H.Last()[0], pred["h_n_1h"][0], 1e-12))
	assert.True(t, mat.EqualApprox(daily.H.Last()[0], pred["h_n_1D"][0], 1e-12))

	h0, c0, err := m.handOver(b, 0, daily)
	require.NoError(t, err)
	assert.True(t, mat.Equal(daily.H[2], h0))
	assert.True(t, mat.Equal(daily.C[2], c0))
}

func TestMTSLSTMNoneTransferStartsFromZero(t *testing.T) {
	cfg := multiFrequencyConfig()
	cfg.TransferMTSLSTMStates = config.TransferSpec{H: "None", C: "None"}
	m, err := NewMTSLSTM(cfg)
	require.NoError(t, err)
	b := mtsBatch(2, 5)

	pred, err := m.Forward(context.Background(), b)
	require.NoError(t, err)

	zero := mat.NewDense(2, cfg.HiddenSize, nil)
	hourly := runBranch(t, m, b, 1, zero, zero)
	assert.True(t, mat.EqualApprox(hourly.H.Last()[0], pred["h_n_1h"][0], 1e-12))
	assert.True(t, mat.EqualApprox(hourly.C.Last()[0], pred["c_n_1h"][0], 1e-12))
}

func TestMTSLSTMRejectsOverlongFineSequence(t *testing.T) {
	m, err := NewMTSLSTM(multiFrequencyConfig())
	require.NoError(t, err)

	// 48 hourly steps cover 2 days; a single daily step cannot host them.
	_, err = m.Forward(context.Background(), mtsBatch(1, 1))
	require.Error(t, err)
}

func TestSharedMTSLSTM(t *testing.T) {
	cfg := multiFrequencyConfig()
	cfg.SharedMTSLSTM = true
	m, err := NewMTSLSTM(cfg)
	require.NoError(t, err)

	var shared *mat.Dense
	for _, p := range m.Parameters() {
		if p.Name == "lstm.weight_ih_l0" {
			shared = p.Value
		}
	}
	require.NotNil(t, shared)
	_, cols := shared.Dims()
	assert.Equal(t, 5, cols)

	pred, err := m.Forward(context.Background(), mtsBatch(2, 4))
	require.NoError(t, err)
	assert.Equal(t, 48, pred["y_hat_1h"].Len())

	cfg.DynamicInputs = config.FreqStrings{ByFreq: map[string][]string{"1D": {"prcp"}, "1h": {"prcp", "tmax"}}}
	_, err = NewMTSLSTM(cfg)
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestBatchDynamicsLookup(t *testing.T) {
	b := testBatch("1D", 1, 2)
	d, err := b.Dynamics("")
	require.NoError(t, err)
	assert.Contains(t, d, "prcp")

	b.XD["1h"] = Dynamic{}
	_, err = b.Dynamics("3h")
	require.Error(t, err)
}
