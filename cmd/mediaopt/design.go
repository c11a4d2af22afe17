package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mediaopt/internal/design"
	"mediaopt/internal/tips"
)

func newDesignCmd(a *app) *cobra.Command {
	var (
		column    int
		set       []string
		seedWell  string
		nextSeed  string
		asJSON    bool
		plate     string
		showInput bool
	)
	cmd := &cobra.Command{
		Use:   "design",
		Short: "Generate and validate the transfer plan for one column",
		RunE: func(cmd *cobra.Command, args []string) error {
			gen, err := a.cfg.Generator()
			if err != nil {
				return err
			}
			policy, err := a.cfg.Policy()
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
			center := gen.Solver().Solve(proposal)
			d, err := gen.Generate(center, column, a.cfg.Delta)
			if err != nil {
				return err
			}
			if err := design.Validate(d, a.cfg.DesignLimits()); err != nil {
				return err
			}
			sub, err := design.NewSubmission(d, policy, design.SubmissionParams{
				PlateBarcode:    plate,
				ReagentType:     a.cfg.ReagentType,
				MonitoringWells: d.Wells(),
				Seeding:         design.Seeding{Enabled: seedWell != "", SeedWell: seedWell, NextSeedWell: nextSeed},
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if showInput {
				inputs, err := sub.Inputs()
				if err != nil {
					return err
				}
				return writeJSON(out, inputs)
			}
			if asJSON {
				return writeJSON(out, struct {
					Design design.ExperimentDesign `json:"design"`
					Tips   tips.Counts             `json:"tips"`
				}{d, sub.Tips})
			}
			fmt.Fprintf(out, "column %d, center %s\n", d.Column, d.Center)
			for _, r := range d.Rows {
				label := string(r.Role)
				if r.Factor != "" {
					label = fmt.Sprintf("%s %s #%d", r.Role, r.Factor, r.Replicate)
				}
				fmt.Fprintf(out, "  %-4s %-22s %s\n", r.Well, label, r.Composition)
			}
			fmt.Fprintf(out, "%d transfers\n", len(d.Transfers))
			for _, t := range d.Transfers {
				fmt.Fprintf(out, "  %s\n", t)
			}
			fmt.Fprintf(out, "tips: %s (planned %s), reagent wells %d\n", sub.Tips, sub.PlannedTips, sub.ReagentWells)
			return nil
		},
	}
	cmd.Flags().IntVar(&column, "column", 2, "plate column to fill")
	cmd.Flags().StringArrayVar(&set, "set", nil, "center volume as name=uL (repeatable)")
	cmd.Flags().StringVar(&seedWell, "seed-well", "", "seed well; enables seeding tips")
	cmd.Flags().StringVar(&nextSeed, "next-seed-well", "", "next seed well to warm up")
	cmd.Flags().StringVar(&plate, "plate", "", "plate barcode for --inputs")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().BoolVar(&showInput, "inputs", false, "print the workflow inputs instead of the plan")
	return cmd
}

func newTipsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tips <transfers.json>",
		Short: "Count tips for a JSON list of [source, dest, uL] transfers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := a.cfg.Policy()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var transfers []design.TransferInstruction
			if err := json.Unmarshal(data, &transfers); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			counts := tips.Estimate(policy, transfers)
			fmt.Fprintf(cmd.OutOrStdout(), "%s total=%d\n", counts, counts.Total())
			return nil
		},
	}
	return cmd
}
