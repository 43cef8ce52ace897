package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"hydronn/config"
	"hydronn/runstore"
	"hydronn/training"
)

func newRunsCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and update the run database",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "runs.duckdb", "DuckDB file holding the runs")

	withStore := func(ctx context.Context, fn func(*runstore.Store) error) error {
		store, err := runstore.Open(ctx, dbPath)
		if err != nil {
			return err
		}
		defer store.Close()
		return fn(store)
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withStore(ctx, func(s *runstore.Store) error {
				runs, err := s.Runs(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tMODEL\tHIDDEN\tPARAMETERS\tCREATED")
				for _, r := range runs {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", r.Name, r.Model, r.HiddenSize, r.Parameters,
						r.Created.Format("2006-01-02 15:04:05"))
				}
				return tw.Flush()
			})
		},
	}

	var epoch int
	var loss float64
	record := &cobra.Command{
		Use:   "record RUN",
		Short: "Record the validation loss of one epoch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withStore(ctx, func(s *runstore.Store) error {
				return s.RecordEpoch(ctx, args[0], epoch, loss)
			})
		},
	}
	record.Flags().IntVar(&epoch, "epoch", 0, "Epoch number")
	record.Flags().Float64Var(&loss, "loss", 0, "Validation loss")
	record.MarkFlagRequired("epoch")
	record.MarkFlagRequired("loss")

	best := &cobra.Command{
		Use:   "best RUN",
		Short: "Print the epoch with the lowest validation loss",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withStore(ctx, func(s *runstore.Store) error {
				e, err := s.BestEpoch(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "epoch %d: validation loss %g\n", e.Epoch, e.ValidationLoss)
				return nil
			})
		},
	}

	var patience int
	var minDelta float64
	var configPath string
	earlyStop := &cobra.Command{
		Use:   "early-stop RUN",
		Short: "Replay a run's losses through the early stopper",
		Long: `Replay the recorded validation losses of a run through the early stopper
and print the epoch at which training would have stopped. Patience and
min_delta come from --config when given, the flags override them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			stopper := training.NewEarlyStopper(5, 0)
			if configPath != "" {
				cfg, err := config.Load(ctx, configPath)
				if err != nil {
					return err
				}
				stopper = training.FromConfig(cfg)
			}
			if cmd.Flags().Changed("patience") {
				stopper.Patience = patience
			}
			if cmd.Flags().Changed("min-delta") {
				stopper.MinDelta = minDelta
			}
			return withStore(ctx, func(s *runstore.Store) error {
				epoch, stopped, err := s.StopEpoch(ctx, args[0], stopper)
				if err != nil {
					return err
				}
				if stopped {
					fmt.Fprintf(cmd.OutOrStdout(), "stop after epoch %d\n", epoch)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "no early stop through epoch %d\n", epoch)
				}
				return nil
			})
		},
	}
	earlyStop.Flags().IntVar(&patience, "patience", 5, "Epochs without a new minimum before stopping")
	earlyStop.Flags().Float64Var(&minDelta, "min-delta", 0, "Minimum decrease counted as an improvement")
	earlyStop.Flags().StringVarP(&configPath, "config", "c", "", "Experiment config providing patience and min_delta")

	cmd.AddCommand(list, record, best, earlyStop)
	return cmd
}
