package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mediaopt/internal/composition"
)

func newSolveCmd(a *app) *cobra.Command {
	var set []string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "solve",
		Short: "Canonicalize a proposed composition under the well constraints",
		Long: `Applies rounding, the per-factor dosing window and the filler floor to a
proposal. Factors not given with --set use their configured start volume.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			solver, err := a.cfg.Solver()
			if err != nil {
				return err
			}
			proposal := a.cfg.Start()
			overrides, err := parseVolumes(set)
			if err != nil {
				return err
			}
			for k, v := range overrides {
				proposal[k] = v
			}
			c := solver.Solve(proposal)
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), c)
			}
			printComposition(cmd, c)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&set, "set", nil, "factor volume as name=uL (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printComposition(cmd *cobra.Command, c composition.Composition) {
	out := cmd.OutOrStdout()
	for _, f := range c.Factors() {
		fmt.Fprintf(out, "%-12s %4d uL\n", f, c.Volume(f))
	}
	fmt.Fprintf(out, "%-12s %4d uL\n", "filler", c.Filler())
	if c.Infeasible() {
		fmt.Fprintln(out, "warning: constraints infeasible, all factors zeroed")
	}
}
