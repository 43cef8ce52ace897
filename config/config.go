// Package config loads and validates experiment configurations.
//
// A Config is read once per run from a YAML or HCL document and is treated as
// read-only afterwards: every component receives the same *Config.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"hydronn/ctxlog"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config captures a single experiment.
type Config struct {
	ExperimentName string `yaml:"experiment_name"`
	RunDir         string `yaml:"run_dir,omitempty"`

	Model             string         `yaml:"model"`
	Head              string         `yaml:"head"`
	HiddenSize        int            `yaml:"hidden_size"`
	InitialForgetBias float64        `yaml:"initial_forget_bias"`
	OutputDropout     float64        `yaml:"output_dropout"`
	OutputActivation  string         `yaml:"output_activation"`
	NDistributions    int            `yaml:"n_distributions,omitempty"`
	StaticsEmbedding  *EmbeddingSpec `yaml:"statics_embedding,omitempty"`
	DynamicsEmbedding *EmbeddingSpec `yaml:"dynamics_embedding,omitempty"`
	// Deprecated: use StaticsEmbedding.
	EmbeddingHiddens []int `yaml:"embedding_hiddens,omitempty"`

	TransferMTSLSTMStates TransferSpec `yaml:"transfer_mtslstm_states"`
	SharedMTSLSTM         bool         `yaml:"shared_mtslstm"`

	DynamicInputs        FreqStrings `yaml:"dynamic_inputs"`
	StaticAttributes     []string    `yaml:"static_attributes,omitempty"`
	HydroatlasAttributes []string    `yaml:"hydroatlas_attributes,omitempty"`
	EvolvingAttributes   []string    `yaml:"evolving_attributes,omitempty"`
	UseBasinIDEncoding   bool        `yaml:"use_basin_id_encoding"`
	NumberOfBasins       int         `yaml:"number_of_basins,omitempty"`
	TargetVariables      []string    `yaml:"target_variables"`

	UseFrequencies []string `yaml:"use_frequencies,omitempty"`
	SeqLength      FreqInt  `yaml:"seq_length"`
	PredictLastN   FreqInt  `yaml:"predict_last_n"`

	TrainStartDate      Date `yaml:"train_start_date"`
	TrainEndDate        Date `yaml:"train_end_date"`
	ValidationStartDate Date `yaml:"validation_start_date"`
	ValidationEndDate   Date `yaml:"validation_end_date"`
	TestStartDate       Date `yaml:"test_start_date"`
	TestEndDate         Date `yaml:"test_end_date"`

	Epochs           int      `yaml:"epochs"`
	BatchSize        int      `yaml:"batch_size"`
	LearningRate     Schedule `yaml:"learning_rate"`
	Optimizer        string   `yaml:"optimizer"`
	Loss             string   `yaml:"loss"`
	ClipGradientNorm float64  `yaml:"clip_gradient_norm"`
	Seed             int64    `yaml:"seed"`
	Device           string   `yaml:"device"`
	Patience         int      `yaml:"patience"`
	MinDelta         float64  `yaml:"min_delta"`
}

// Overrides captures CLI supplied values. Zero values leave the config as is.
type Overrides struct {
	ExperimentName string
	Model          string
	Head           string
	HiddenSize     int
	Seed           int64
	RunDir         string
}

// Load reads, normalises and validates the config at path. The format is
// chosen from the file extension.
func Load(ctx context.Context, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		return ParseYAML(ctx, data)
	case ".hcl":
		return ParseHCL(ctx, data, path)
	default:
		return nil, fmt.Errorf("config %s: unsupported extension %q", path, filepath.Ext(path))
	}
}

// ParseYAML decodes a YAML document. Unknown keys are rejected.
func ParseYAML(ctx context.Context, data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return finalize(ctx, cfg)
}

func finalize(ctx context.Context, cfg *Config) (*Config, error) {
	cfg.translateDeprecated(ctx)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) translateDeprecated(ctx context.Context) {
	if len(c.EmbeddingHiddens) == 0 {
		return
	}
	logger := ctxlog.FromContext(ctx)
	if c.StaticsEmbedding != nil {
		logger.Warn("Ignoring deprecated embedding_hiddens, statics_embedding is set.")
	} else {
		logger.Warn("embedding_hiddens is deprecated, use statics_embedding instead.",
			"hiddens", c.EmbeddingHiddens)
		c.StaticsEmbedding = &EmbeddingSpec{
			Type:       "fc",
			Hiddens:    append([]int(nil), c.EmbeddingHiddens...),
			Activation: "tanh",
		}
	}
	c.EmbeddingHiddens = nil
}

func (c *Config) applyDefaults() {
	if c.Head == "" {
		c.Head = "regression"
	}
	if c.OutputActivation == "" {
		c.OutputActivation = "linear"
	}
	if c.TransferMTSLSTMStates.H == "" {
		c.TransferMTSLSTMStates.H = "linear"
	}
	if c.TransferMTSLSTMStates.C == "" {
		c.TransferMTSLSTMStates.C = "linear"
	}
	for _, e := range []*EmbeddingSpec{c.StaticsEmbedding, c.DynamicsEmbedding} {
		if e == nil {
			continue
		}
		if e.Type == "" {
			e.Type = "fc"
		}
		if e.Activation == "" {
			e.Activation = "tanh"
		}
	}
	if c.Patience == 0 {
		c.Patience = 5
	}
}

// ApplyOverrides updates c using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.ExperimentName != "" {
		c.ExperimentName = o.ExperimentName
	}
	if o.Model != "" {
		c.Model = o.Model
	}
	if o.Head != "" {
		c.Head = o.Head
	}
	if o.HiddenSize > 0 {
		c.HiddenSize = o.HiddenSize
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.RunDir != "" {
		c.RunDir = o.RunDir
	}
}

// Frequencies returns the declared frequencies, or a single empty frequency
// when the experiment does not declare any.
func (c *Config) Frequencies() []string {
	if len(c.UseFrequencies) == 0 {
		return []string{""}
	}
	return c.UseFrequencies
}

// DynamicFeatures lists the dynamic inputs for freq followed by the evolving
// attributes, in the order models consume them.
func (c *Config) DynamicFeatures(freq string) []string {
	in := c.DynamicInputs.For(freq)
	out := make([]string, 0, len(in)+len(c.EvolvingAttributes))
	out = append(out, in...)
	return append(out, c.EvolvingAttributes...)
}

// StaticFeatures lists static and hydroatlas attributes in input order.
func (c *Config) StaticFeatures() []string {
	out := make([]string, 0, len(c.StaticAttributes)+len(c.HydroatlasAttributes))
	out = append(out, c.StaticAttributes...)
	return append(out, c.HydroatlasAttributes...)
}

// Validate verifies the config describes a buildable model.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalidConfig)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: model must be set", ErrInvalidConfig)
	}
	if c.HiddenSize <= 0 {
		return fmt.Errorf("%w: hidden_size must be > 0 (got %d)", ErrInvalidConfig, c.HiddenSize)
	}
	if c.OutputDropout < 0 || c.OutputDropout >= 1 {
		return fmt.Errorf("%w: output_dropout must be in [0, 1) (got %g)", ErrInvalidConfig, c.OutputDropout)
	}
	if len(c.TargetVariables) == 0 {
		return fmt.Errorf("%w: target_variables must not be empty", ErrInvalidConfig)
	}
	if err := c.validateFrequencies(); err != nil {
		return err
	}
	for _, freq := range c.Frequencies() {
		if len(c.DynamicInputs.For(freq)) == 0 {
			return fmt.Errorf("%w: no dynamic_inputs for frequency %q", ErrInvalidConfig, freq)
		}
		seq, last := c.SeqLength.For(freq), c.PredictLastN.For(freq)
		if seq < 0 || last < 0 {
			return fmt.Errorf("%w: seq_length and predict_last_n must be >= 0", ErrInvalidConfig)
		}
		if seq > 0 && last > seq {
			return fmt.Errorf("%w: predict_last_n (%d) exceeds seq_length (%d) for frequency %q",
				ErrInvalidConfig, last, seq, freq)
		}
	}
	if c.UseBasinIDEncoding && c.NumberOfBasins <= 0 {
		return fmt.Errorf("%w: use_basin_id_encoding requires number_of_basins > 0", ErrInvalidConfig)
	}
	for name, e := range map[string]*EmbeddingSpec{
		"statics_embedding":  c.StaticsEmbedding,
		"dynamics_embedding": c.DynamicsEmbedding,
	} {
		if err := validateEmbedding(name, e); err != nil {
			return err
		}
	}
	switch strings.ToLower(c.Head) {
	case "gmm", "cmal":
		if c.NDistributions <= 0 {
			return fmt.Errorf("%w: head %s requires n_distributions > 0", ErrInvalidConfig, c.Head)
		}
	}
	for _, p := range []struct {
		name       string
		start, end Date
	}{
		{"train", c.TrainStartDate, c.TrainEndDate},
		{"validation", c.ValidationStartDate, c.ValidationEndDate},
		{"test", c.TestStartDate, c.TestEndDate},
	} {
		if !p.start.IsZero() && !p.end.IsZero() && p.end.Before(p.start.Time) {
			return fmt.Errorf("%w: %s_end_date is before %s_start_date", ErrInvalidConfig, p.name, p.name)
		}
	}
	if c.Patience < 0 {
		return fmt.Errorf("%w: patience must be >= 0 (got %d)", ErrInvalidConfig, c.Patience)
	}
	return nil
}

func (c *Config) validateFrequencies() error {
	seen := make(map[string]bool, len(c.UseFrequencies))
	for _, f := range c.UseFrequencies {
		if _, err := ParseFrequency(f); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if seen[f] {
			return fmt.Errorf("%w: duplicate frequency %q", ErrInvalidConfig, f)
		}
		seen[f] = true
	}
	if c.DynamicInputs.PerFrequency() && len(c.UseFrequencies) == 0 {
		return fmt.Errorf("%w: dynamic_inputs is given per frequency but use_frequencies is empty", ErrInvalidConfig)
	}
	return nil
}

func validateEmbedding(name string, e *EmbeddingSpec) error {
	if e == nil {
		return nil
	}
	if e.Type != "fc" {
		return fmt.Errorf("%w: %s type %q is not supported", ErrInvalidConfig, name, e.Type)
	}
	if len(e.Hiddens) == 0 {
		return fmt.Errorf("%w: %s needs at least one hidden size", ErrInvalidConfig, name)
	}
	for _, h := range e.Hiddens {
		if h <= 0 {
			return fmt.Errorf("%w: %s hidden sizes must be > 0", ErrInvalidConfig, name)
		}
	}
	if e.Dropout < 0 || e.Dropout >= 1 {
		return fmt.Errorf("%w: %s dropout must be in [0, 1)", ErrInvalidConfig, name)
	}
	return nil
}
