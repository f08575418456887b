package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/ikeda042/ND2toVideo/internal/store"
	"github.com/ikeda042/ND2toVideo/internal/utils"
	"github.com/spf13/cobra"
)

var listLimit int

var listCmd = &cobra.Command{
	Use:   "list [run-id]",
	Short: "List recorded conversion runs, or show one run in detail",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if DB == nil {
			utils.ShowError("Cannot list runs", errNoDatabase)
			return errNoDatabase
		}
		if len(args) == 1 {
			run, err := DB.GetRun(cmd.Context(), args[0])
			if err != nil {
				utils.ShowError("Failed to fetch run", err)
				return err
			}
			printRun(cmd.OutOrStdout(), run)
			return nil
		}
		runs, err := DB.ListRuns(cmd.Context(), listLimit)
		if err != nil {
			utils.ShowError("Failed to list runs", err)
			return err
		}
		printRuns(cmd.OutOrStdout(), runs)
		return nil
	},
}

func init() {
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum number of runs to show (0 for all)")
	rootCmd.AddCommand(listCmd)
}

func printRuns(out io.Writer, runs []store.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found in database.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "RUN\tSOURCE\tVIEW\tFRAMES\tSTATUS\tDURATION\tOUTPUT\tSTARTED")
	fmt.Fprintln(w, "---\t------\t----\t------\t------\t--------\t------\t-------")

	for _, r := range runs {
		duration := "-"
		if r.FinishedAt != nil {
			duration = utils.FmtDuration(r.Duration())
		}
		status := r.Status
		if r.Error != "" {
			status += ": " + r.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d/%d\t%s\t%s\t%s\t%s\n",
			utils.ShortID(r.ID), r.SourcePath, r.View, r.Encoded, r.Extracted, status, duration, r.Output,
			r.StartedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}

func printRun(out io.Writer, r *store.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintf(w, "Run\t%s\n", r.ID)
	fmt.Fprintf(w, "Source\t%s (%s)\n", r.SourcePath, utils.ShortID(r.SourceID))
	fmt.Fprintf(w, "View\t%d\n", r.View)
	fmt.Fprintf(w, "Frames\t%d extracted, %d encoded\n", r.Extracted, r.Encoded)
	fmt.Fprintf(w, "Output\t%s\n", r.Output)
	fmt.Fprintf(w, "Status\t%s\n", r.Status)
	if r.Error != "" {
		fmt.Fprintf(w, "Error\t%s\n", r.Error)
	}
	fmt.Fprintf(w, "Started\t%s\n", r.StartedAt.Local().Format("2006-01-02 15:04:05"))
	if r.FinishedAt != nil {
		fmt.Fprintf(w, "Duration\t%s\n", utils.FmtDuration(r.Duration()))
	}
	w.Flush()
}
