package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"hydronn/checkpoint"
	"hydronn/config"
	"hydronn/ctxlog"
	"hydronn/model"
	"hydronn/runstore"
)

type buildOptions struct {
	configPath  string
	overrides   config.Overrides
	runsPath    string
	saveWeights string
}

func newBuildCmd() *cobra.Command {
	opts := &buildOptions{}
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Validate a config and build its model",
		Long: `Load and validate an experiment config, build the model it names and
print a summary. The run can be recorded in a DuckDB file and the initial
weights saved as a checkpoint.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "Experiment config (.yml, .yaml or .hcl)")
	f.StringVar(&opts.overrides.ExperimentName, "name", "", "Override experiment_name")
	f.StringVar(&opts.overrides.Model, "model", "", "Override model")
	f.StringVar(&opts.overrides.Head, "head", "", "Override head")
	f.IntVar(&opts.overrides.HiddenSize, "hidden-size", 0, "Override hidden_size")
	f.Int64Var(&opts.overrides.Seed, "seed", 0, "Override seed")
	f.StringVar(&opts.runsPath, "runs", "", "DuckDB file to record the run in")
	f.StringVar(&opts.saveWeights, "save-weights", "", "Directory to save the initial weights to")
	cmd.MarkFlagRequired("config")
	return cmd
}

func loadConfig(ctx context.Context, path string, o config.Overrides) (*config.Config, error) {
	cfg, err := config.Load(ctx, path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyOverrides(o)
	return cfg, nil
}

func runBuild(ctx context.Context, out io.Writer, opts *buildOptions) error {
	logger := ctxlog.FromContext(ctx)

	cfg, err := loadConfig(ctx, opts.configPath, opts.overrides)
	if err != nil {
		return err
	}
	m, err := model.Get(ctx, cfg)
	if err != nil {
		return err
	}
	s := model.Summarize(m)
	printSummary(out, cfg, s)

	if opts.saveWeights != "" {
		if err := checkpoint.Save(opts.saveWeights, string(s.Kind), m.Parameters()); err != nil {
			return err
		}
		logger.Info("Weights saved.", "dir", opts.saveWeights)
	}

	if opts.runsPath != "" {
		store, err := runstore.Open(ctx, opts.runsPath)
		if err != nil {
			return err
		}
		defer store.Close()
		run := runstore.Run{
			Name:       cfg.ExperimentName,
			Model:      string(s.Kind),
			HiddenSize: cfg.HiddenSize,
			Parameters: s.Parameters,
		}
		if err := store.RecordRun(ctx, run); err != nil {
			return err
		}
		logger.Info("Run recorded.", "run", run.Name, "db", opts.runsPath)
	}
	return nil
}

func printSummary(out io.Writer, cfg *config.Config, s model.Summary) {
	fmt.Fprintf(out, "experiment:  %s\n", cfg.ExperimentName)
	fmt.Fprintf(out, "model:       %s\n", s.Kind)
	fmt.Fprintf(out, "head:        %s\n", cfg.Head)
	fmt.Fprintf(out, "hidden size: %d\n", cfg.HiddenSize)
	fmt.Fprintf(out, "input size:  %d\n", s.InputSize)
	if len(s.Frequencies) > 0 {
		fmt.Fprintf(out, "frequencies: %s\n", strings.Join(s.Frequencies, ", "))
	}
	fmt.Fprintf(out, "tensors:     %d\n", s.Tensors)
	fmt.Fprintf(out, "parameters:  %d\n", s.Parameters)
	fmt.Fprintf(out, "weights:     mean %.4f, std %.4f\n", s.WeightMean, s.WeightStd)
}
