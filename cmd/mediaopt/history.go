package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"mediaopt/internal/blob"
	"mediaopt/internal/infra/persistence"
)

func newHistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect persisted optimization runs",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := persistence.Open(cmd.Context(), a.cfg.Persistence())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			summaries, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tPLATE\tITERATIONS\tCOMPLETED\tABORTED\tUPDATED")
			for _, s := range summaries {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%t\t%s\n", s.RunID, s.PlateBarcode, s.Iterations, s.Completed, s.Aborted, s.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	}

	var (
		asJSON    bool
		iteration int
	)
	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the iterations of one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if iteration > 0 {
				return showArchivedRecord(cmd, a, args[0], iteration, asJSON)
			}
			store, err := persistence.Open(cmd.Context(), a.cfg.Persistence())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			h, err := store.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, h)
			}
			fmt.Fprintf(out, "run %s plate %s\n", h.RunID, h.PlateBarcode)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ITER\tCOL\tSTATUS\tCENTER\tNEXT")
			for _, r := range h.Records {
				next := "-"
				if r.Next != nil {
					next = r.Next.String()
				}
				fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\n", r.Iteration, r.Column, r.Status, r.Center, next)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if h.Abort != nil {
				fmt.Fprintf(out, "aborted: iteration %d column %d: %s\n", h.Abort.Iteration, h.Abort.Column, h.Abort.Reason)
			}
			return nil
		},
	}
	show.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	show.Flags().IntVar(&iteration, "iteration", 0, "show the archived record of one iteration")

	var (
		presign time.Duration
		purge   bool
	)
	artifacts := &cobra.Command{
		Use:   "artifacts <run-id>",
		Short: "List archived artifacts of one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			archiver, err := openArchiver(cmd, a)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if purge {
				n, err := archiver.Purge(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "removed %d artifact(s)\n", n)
				return nil
			}
			infos, err := archiver.Artifacts(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, info := range infos {
				if presign <= 0 {
					fmt.Fprintf(out, "%s\t%d\n", info.Key, info.Size)
					continue
				}
				link, err := archiver.Link(cmd.Context(), info.Key, presign)
				if errors.Is(err, blob.ErrUnsupported) {
					link = "-"
				} else if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s\t%d\t%s\n", info.Key, info.Size, link)
			}
			return nil
		},
	}
	artifacts.Flags().DurationVar(&presign, "presign", 0, "also print a download URL valid for this long")
	artifacts.Flags().BoolVar(&purge, "purge", false, "delete the run's archived artifacts")

	cmd.AddCommand(list, show, artifacts)
	return cmd
}

func openArchiver(cmd *cobra.Command, a *app) (*blob.Archiver, error) {
	opts, ok := a.cfg.ArchiveOptions()
	if !ok {
		return nil, fmt.Errorf("archiving is disabled; set archive.driver")
	}
	bs, err := blob.Open(cmd.Context(), opts)
	if err != nil {
		return nil, err
	}
	return blob.NewArchiver(bs, a.logger), nil
}

func showArchivedRecord(cmd *cobra.Command, a *app, runID string, iteration int, asJSON bool) error {
	archiver, err := openArchiver(cmd, a)
	if err != nil {
		return err
	}
	rec, err := archiver.LoadRecord(cmd.Context(), runID, iteration)
	if err != nil {
		return fmt.Errorf("iteration %d of run %s: %w", iteration, runID, err)
	}
	out := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(out, rec)
	}
	fmt.Fprintf(out, "iteration %d column %d status %s\n", rec.Iteration, rec.Column, rec.Status)
	fmt.Fprintf(out, "center %s\n", rec.Center)
	if rec.Next != nil {
		fmt.Fprintf(out, "next %s\n", rec.Next)
	}
	fmt.Fprintf(out, "tips %s\n", rec.Tips)
	for _, tr := range rec.Transfers {
		fmt.Fprintf(out, "  %s\n", tr)
	}
	for _, w := range rec.Warnings {
		fmt.Fprintf(out, "warning: %s\n", w)
	}
	return nil
}
