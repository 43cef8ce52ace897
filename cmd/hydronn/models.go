package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"hydronn/head"
	"hydronn/model"
)

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List supported model identifiers and heads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Models:")
			for _, k := range model.Kinds() {
				freq := "multi-frequency"
				if k.SingleFrequency() {
					freq = "single frequency"
				}
				fmt.Fprintf(out, "  %-12s %s\n", k, freq)
			}
			fmt.Fprintln(out, "Deprecated aliases:")
			for _, a := range model.Aliases() {
				fmt.Fprintf(out, "  %-12s -> %s\n", a[0], a[1])
			}
			fmt.Fprintln(out, "Heads:")
			for _, h := range head.Names() {
				fmt.Fprintf(out, "  %s\n", h)
			}
			return nil
		},
	}
}
