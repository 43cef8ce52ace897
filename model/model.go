// Package model assembles runnable models from an experiment config.
//
// Every model is an input layer feeding a recurrent core whose hidden states
// are mapped to predictions by a head. Get picks the model from cfg.Model.
package model

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"

	"hydronn/config"
	"hydronn/ctxlog"
	"hydronn/head"
	"hydronn/nn"
)

var (
	// ErrUnsupportedModel is returned for model identifiers outside Kinds.
	ErrUnsupportedModel = errors.New("unsupported model")
	// ErrMultiFrequency is returned when a single-frequency model is
	// configured with more than one frequency.
	ErrMultiFrequency = errors.New("model does not support multiple frequencies")
)

// Kind identifies a model architecture.
type Kind string

// Model identifiers accepted in the model field of a config.
const (
	KindCudaLSTM   Kind = "cudalstm"
	KindCustomLSTM Kind = "customlstm"
	KindEALSTM     Kind = "ealstm"
	KindGRU        Kind = "gru"
	KindMTSLSTM    Kind = "mtslstm"
)

// deprecated maps retired identifiers onto their replacement.
var deprecated = map[string]Kind{
	"embcudalstm": KindCudaLSTM,
	"lstm":        KindCustomLSTM,
}

// Kinds lists the supported model identifiers.
func Kinds() []Kind {
	return []Kind{KindCudaLSTM, KindCustomLSTM, KindEALSTM, KindGRU, KindMTSLSTM}
}

// Aliases returns the deprecated identifiers and the kind each resolves to,
// sorted by alias.
func Aliases() [][2]string {
	out := make([][2]string, 0, len(deprecated))
	for alias, k := range deprecated {
		out = append(out, [2]string{alias, string(k)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// ParseKind resolves a model identifier case-insensitively. The second
// result is true when name is a deprecated alias.
func ParseKind(name string) (Kind, bool, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for _, k := range Kinds() {
		if n == string(k) {
			return k, false, nil
		}
	}
	if k, ok := deprecated[n]; ok {
		return k, true, nil
	}
	return "", false, fmt.Errorf("%w: %q", ErrUnsupportedModel, name)
}

// SingleFrequency reports whether k only accepts one input frequency.
func (k Kind) SingleFrequency() bool {
	return k != KindMTSLSTM
}

// Dynamic maps a dynamic feature name to a batch x seq matrix.
type Dynamic map[string]*mat.Dense

// Batch is one forward pass worth of inputs.
type Batch struct {
	// XD holds the dynamic features per frequency. Models without declared
	// frequencies read the "" entry.
	XD map[string]Dynamic
	// XS is batch x n_static, nil when no static attributes are used.
	XS *mat.Dense
	// XOneHot is batch x number_of_basins, nil unless basin encoding is on.
	XOneHot *mat.Dense
}

// Dynamics returns the dynamic features for freq. A batch with a single
// frequency entry serves any frequency.
func (b Batch) Dynamics(freq string) (Dynamic, error) {
	if d, ok := b.XD[freq]; ok {
		return d, nil
	}
	if len(b.XD) == 1 {
		for _, d := range b.XD {
			return d, nil
		}
	}
	return nil, fmt.Errorf("batch has no dynamic inputs for frequency %q", freq)
}

// Prediction maps output names to per-step matrices.
type Prediction map[string]nn.Sequence

// Keys returns the output names in sorted order.
func (p Prediction) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ShapeError reports a batch entry whose shape does not match the config.
type ShapeError struct {
	Key       string
	WantRows  int
	WantCols  int
	GotRows   int
	GotCols   int
	IsMissing bool
}

func (e *ShapeError) Error() string {
	if e.IsMissing && e.WantRows == 0 {
		return fmt.Sprintf("batch %s: missing", e.Key)
	}
	if e.IsMissing {
		return fmt.Sprintf("batch %s: missing, want %dx%d", e.Key, e.WantRows, e.WantCols)
	}
	return fmt.Sprintf("batch %s: want %dx%d, got %dx%d", e.Key, e.WantRows, e.WantCols, e.GotRows, e.GotCols)
}

// Model is a configured network ready for forward passes.
type Model interface {
	Forward(ctx context.Context, b Batch) (Prediction, error)
	Parameters() []nn.Param
	// SetTraining toggles dropout. Models are built in eval mode.
	SetTraining(training bool)
	Kind() Kind
}

// Headed is implemented by single-frequency models, exposing their head.
type Headed interface {
	OutputHead() head.Head
}

// Get builds the model named by cfg.Model. Deprecated identifiers build
// their replacement and log a warning.
func Get(ctx context.Context, cfg *config.Config) (Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kind, isAlias, err := ParseKind(cfg.Model)
	if err != nil {
		return nil, err
	}
	logger := ctxlog.FromContext(ctx)
	if isAlias {
		logger.Warn("Model identifier is deprecated.", "model", cfg.Model, "use", string(kind))
	}
	if kind.SingleFrequency() && len(cfg.UseFrequencies) > 1 {
		return nil, fmt.Errorf("%w: %s got %d frequencies", ErrMultiFrequency, kind, len(cfg.UseFrequencies))
	}

	var m Model
	switch kind {
	case KindCudaLSTM:
		m, err = NewCudaLSTM(cfg)
	case KindCustomLSTM:
		m, err = NewCustomLSTM(cfg)
	case KindEALSTM:
		m, err = NewEALSTM(cfg)
	case KindGRU:
		m, err = NewGRU(cfg)
	case KindMTSLSTM:
		m, err = NewMTSLSTM(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedModel, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", kind, err)
	}
	logger.Debug("Model built.", "model", string(kind), "parameters", nn.CountParameters(m.Parameters()))
	return m, nil
}
