package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ikeda042/ND2toVideo/internal/pipeline"
	"github.com/ikeda042/ND2toVideo/internal/store"
	"github.com/spf13/cobra"
)

var (
	resetDB    bool
	resetFiles bool
	resetYes   bool
)

var resetOpts = pipeline.DefaultOptions()

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset generated state (Run Ledger, Frame Directories, Video)",
	Long:  "Clears generated data. By default, it resets everything. Use flags to clear specific components.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetFiles {
			resetDB = true
			resetFiles = true
		}
		return runReset(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), DB, resetTargets{
			db:    resetDB,
			files: resetFiles,
			yes:   resetYes,
			paths: []string{resetOpts.RawDir, resetOpts.ProcessedDir, resetOpts.OutputPath},
		})
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "ledger", false, "Drop the run ledger tables")
	resetCmd.Flags().BoolVar(&resetFiles, "files", false, "Delete frame directories and the output video")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	addRawDirFlag(resetCmd, &resetOpts)
	addProcessedDirFlag(resetCmd, &resetOpts)
	resetCmd.Flags().StringVarP(&resetOpts.OutputPath, "output", "o", resetOpts.OutputPath, "Output video to delete")
	rootCmd.AddCommand(resetCmd)
}

type resetTargets struct {
	db    bool
	files bool
	yes   bool
	paths []string
}

func runReset(ctx context.Context, in io.Reader, out io.Writer, db *store.Store, t resetTargets) error {
	reader := bufio.NewReader(in)

	if t.db {
		if db == nil {
			fmt.Fprintln(out, "ℹ️  No database configured, skipping run ledger.")
		} else if t.yes || confirm(reader, out, "⚠️  Are you sure you want to DROP all run ledger tables?") {
			fmt.Fprintln(out, "🗑️  Clearing Database...")
			if err := db.Reset(ctx); err != nil {
				return fmt.Errorf("failed to reset database: %w", err)
			}
		}
	}

	if t.files {
		if t.yes || confirm(reader, out, "⚠️  Are you sure you want to delete all extracted frames and the output video?") {
			fmt.Fprintln(out, "🗑️  Clearing Output Files (Frames, Video)...")
			for _, p := range t.paths {
				removePath(out, p)
			}
		}
	}

	fmt.Fprintln(out, "✨ Reset Complete.")
	return nil
}

func confirm(r *bufio.Reader, out io.Writer, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removePath(out io.Writer, path string) {
	if path == "" {
		return
	}
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(out, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
