package cmd

import (
	"fmt"
	"os"

	"github.com/ikeda042/ND2toVideo/internal/pipeline"
	"github.com/ikeda042/ND2toVideo/internal/utils"
	"github.com/spf13/cobra"
)

var (
	extractOpts  = pipeline.DefaultOptions()
	annotateOpts = pipeline.DefaultOptions()
	encodeOpts   = pipeline.DefaultOptions()
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Write every time point of one view as a normalized 8-bit TIFF",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := validateConvertFlags(&extractOpts); err != nil {
			utils.ShowError("Invalid options", err)
			return err
		}
		n, err := pipeline.New(extractOpts, Logger, newBarObserver()).Extract(cmd.Context())
		if err != nil {
			utils.ShowError("Extraction failed", err)
			return err
		}
		fmt.Fprintf(os.Stderr, "✅ Extracted %d frames into %s\n", n, extractOpts.RawDir)
		return nil
	},
}

var annotateCmd = &cobra.Command{
	Use:   "annotate",
	Short: "Draw the scale bar on every extracted frame",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if annotateOpts.UseCalibration {
			if err := validateInput(annotateOpts.InputPath); err != nil {
				utils.ShowError("Invalid options", err)
				return err
			}
		}
		if err := annotateOpts.Validate(); err != nil {
			utils.ShowError("Invalid options", err)
			return err
		}
		n, err := pipeline.New(annotateOpts, Logger, newBarObserver()).Annotate(cmd.Context())
		if err != nil {
			utils.ShowError("Annotation failed", err)
			return err
		}
		fmt.Fprintf(os.Stderr, "✅ Annotated %d frames into %s\n", n, annotateOpts.ProcessedDir)
		return nil
	},
}

var encodeCmd = &cobra.Command{
	Use:   "encode",
	Short: "Encode the annotated frames into an MJPEG AVI",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := encodeOpts.Validate(); err != nil {
			utils.ShowError("Invalid options", err)
			return err
		}
		n, err := pipeline.New(encodeOpts, Logger, newBarObserver()).Encode(cmd.Context())
		if err != nil {
			utils.ShowError("Encoding failed", err)
			return err
		}
		fmt.Fprintf(os.Stderr, "🎬 Wrote %d frames to %s at %d fps\n", n, encodeOpts.OutputPath, encodeOpts.FPS)
		return nil
	},
}

func init() {
	addSourceFlags(extractCmd, &extractOpts)
	addRawDirFlag(extractCmd, &extractOpts)

	// The input is only read for --use-calibration.
	annotateCmd.Flags().StringVarP(&annotateOpts.InputPath, "input", "i", annotateOpts.InputPath, "Path to the ND2 file")
	addRawDirFlag(annotateCmd, &annotateOpts)
	addProcessedDirFlag(annotateCmd, &annotateOpts)
	addBarFlags(annotateCmd, &annotateOpts)

	addProcessedDirFlag(encodeCmd, &encodeOpts)
	addVideoFlags(encodeCmd, &encodeOpts)

	rootCmd.AddCommand(extractCmd, annotateCmd, encodeCmd)
}
