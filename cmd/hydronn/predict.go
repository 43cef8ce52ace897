package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/mat"

	"hydronn/batchio"
	"hydronn/checkpoint"
	"hydronn/config"
	"hydronn/ctxlog"
	"hydronn/head"
	"hydronn/model"
	"hydronn/nn"
	"hydronn/secure"
)

type predictOptions struct {
	configPath    string
	batchPath     string
	weights       string
	encryptedHead bool
	outPath       string
}

func newPredictCmd() *cobra.Command {
	opts := &predictOptions{}
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Run a forward pass on a JSON batch",
		Long: `Build the model named by the config, optionally load a checkpoint and run
one forward pass on a JSON batch. The prediction is written as JSON.

With --encrypted-head the regression head is also evaluated on the CKKS
encrypted final hidden state and added as y_hat_encrypted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if opts.outPath != "" {
				f, err := os.Create(opts.outPath)
				if err != nil {
					return fmt.Errorf("creating output: %w", err)
				}
				defer f.Close()
				out = f
			}
			return runPredict(cmd.Context(), out, opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "Experiment config (.yml, .yaml or .hcl)")
	f.StringVarP(&opts.batchPath, "batch", "b", "", "Batch JSON file")
	f.StringVar(&opts.weights, "weights", "", "Checkpoint directory to load")
	f.BoolVar(&opts.encryptedHead, "encrypted-head", false, "Also evaluate the head under CKKS encryption")
	f.StringVarP(&opts.outPath, "out", "o", "", "Output file (default stdout)")
	cmd.MarkFlagRequired("config")
	cmd.MarkFlagRequired("batch")
	return cmd
}

func runPredict(ctx context.Context, out io.Writer, opts *predictOptions) error {
	logger := ctxlog.FromContext(ctx)

	cfg, err := loadConfig(ctx, opts.configPath, config.Overrides{})
	if err != nil {
		return err
	}
	m, err := model.Get(ctx, cfg)
	if err != nil {
		return err
	}
	if opts.weights != "" {
		if err := checkpoint.Load(opts.weights, m.Parameters()); err != nil {
			return err
		}
		logger.Info("Weights loaded.", "dir", opts.weights)
	}

	b, err := batchio.ReadBatch(opts.batchPath)
	if err != nil {
		return err
	}
	pred, err := m.Forward(ctx, b)
	if err != nil {
		return err
	}

	if opts.encryptedHead {
		y, err := encryptedHead(ctx, m, pred)
		if err != nil {
			return fmt.Errorf("encrypted head: %w", err)
		}
		pred["y_hat_encrypted"] = nn.Sequence{y}
	}
	logger.Debug("Prediction done.", "keys", pred.Keys())
	return batchio.EncodePrediction(out, pred)
}

// encryptedHead evaluates the regression head of m on the encrypted final
// hidden state found in pred.
func encryptedHead(ctx context.Context, m model.Model, pred model.Prediction) (*mat.Dense, error) {
	headed, ok := m.(model.Headed)
	if !ok {
		return nil, fmt.Errorf("%s has no single output head", m.Kind())
	}
	reg, ok := headed.OutputHead().(*head.Regression)
	if !ok {
		return nil, fmt.Errorf("only the regression head can be evaluated encrypted")
	}
	hn := pred["h_n"]
	if hn.Len() == 0 {
		return nil, fmt.Errorf("prediction has no h_n")
	}

	w, b := reg.Weights()
	_, hidden := w.Dims()
	client, err := secure.NewClient(secure.DefaultLiteral, hidden+1)
	if err != nil {
		return nil, err
	}
	server, err := secure.NewServer(client.Params(), client.EvaluationKeys(), w, b)
	if err != nil {
		return nil, err
	}
	return secure.PredictHead(ctx, client, server, hn[hn.Len()-1], reg.Activation)
}
