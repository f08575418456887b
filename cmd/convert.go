package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ikeda042/ND2toVideo/internal/config"
	"github.com/ikeda042/ND2toVideo/internal/pipeline"
	"github.com/ikeda042/ND2toVideo/internal/upload"
	"github.com/ikeda042/ND2toVideo/internal/utils"
	"github.com/spf13/cobra"
)

var (
	convertOpts   = pipeline.DefaultOptions()
	convertBucket string
)

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Extract, annotate and encode a field of view in one run",
	Long: `Runs the three stages in order:
  1. extract  - every time point of the chosen view becomes a normalized 8-bit TIFF
  2. annotate - a white scale bar and its label are drawn on each TIFF
  3. encode   - the annotated frames after --skip are written to an MJPEG AVI`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runConvert(cmd.Context(), convertOpts, convertBucket)
	},
}

func init() {
	addSourceFlags(convertCmd, &convertOpts)
	addRawDirFlag(convertCmd, &convertOpts)
	addProcessedDirFlag(convertCmd, &convertOpts)
	addBarFlags(convertCmd, &convertOpts)
	addVideoFlags(convertCmd, &convertOpts)
	convertCmd.Flags().StringVar(&convertBucket, "upload-bucket", "", "Upload the finished video to this bucket (requires MINIO_ENDPOINT)")
	rootCmd.AddCommand(convertCmd)
}

// runConvert orchestrates the full conversion: validation, run ledger, the pipeline, and the optional upload.
func runConvert(ctx context.Context, opts pipeline.Options, bucket string) error {
	if err := validateConvertFlags(&opts); err != nil {
		utils.ShowError("Invalid options", err)
		return err
	}
	if err := validateUpload(Cfg, bucket); err != nil {
		utils.ShowError("Invalid upload target", err)
		return err
	}

	// 1. Identify the acquisition
	sourceID, err := utils.GenerateSourceID(opts.InputPath)
	if err != nil {
		utils.ShowError("Failed to fingerprint input", err)
		return err
	}
	fmt.Fprintf(os.Stderr, "📂 Processing %s (source %s), view %d\n", opts.InputPath, utils.ShortID(sourceID), opts.View)

	// 2. Register the run
	var runID string
	if DB != nil {
		if err := DB.EnsureSource(ctx, sourceID, opts.InputPath); err != nil {
			utils.ShowError("Failed to register source file", err)
			return err
		}
		if runID, err = DB.StartRun(ctx, sourceID, opts.View, opts.OutputPath); err != nil {
			utils.ShowError("Failed to record run", err)
			return err
		}
	}

	// 3. Run the stages
	start := time.Now()
	res, runErr := pipeline.New(opts, Logger, newBarObserver()).Run(ctx)

	if DB != nil {
		// Background: ctx may already be cancelled and the outcome should still be recorded.
		if err := DB.FinishRun(context.Background(), runID, res.Extracted, res.Encoded, runErr); err != nil {
			utils.ShowError("Failed to record run result", err)
		}
	}
	if runErr != nil {
		utils.ShowError("Conversion failed", runErr)
		return runErr
	}

	// 4. Publish
	if bucket != "" {
		key, err := publish(ctx, Cfg, bucket, sourceID, opts.OutputPath)
		if err != nil {
			utils.ShowError("Upload failed", err)
			return err
		}
		fmt.Fprintf(os.Stderr, "☁️  Uploaded to %s/%s\n", bucket, key)
	}

	fmt.Fprintf(os.Stderr, "\n🏁 Conversion Complete in %s. %d frames extracted, %d encoded into %s (%.3f µm/px).\n",
		utils.FmtDuration(time.Since(start)), res.Extracted, res.Encoded, res.Output, res.PixelSizeUM)
	return nil
}

var errNoObjectStorage = errors.New("--upload-bucket needs MINIO_ENDPOINT to be set")

// validateUpload rejects an upload request that could only fail after the stages ran.
func validateUpload(cfg *config.Config, bucket string) error {
	if bucket == "" {
		return nil
	}
	if cfg == nil || !cfg.ObjectStorageEnabled() {
		return errNoObjectStorage
	}
	return nil
}

func publish(ctx context.Context, cfg *config.Config, bucket, sourceID, path string) (string, error) {
	if err := validateUpload(cfg, bucket); err != nil {
		return "", err
	}
	p, err := upload.New(upload.Config{
		Endpoint:  cfg.MinIOEndpoint,
		AccessKey: cfg.MinIOAccessKey,
		SecretKey: cfg.MinIOSecretKey,
		UseSSL:    cfg.MinIOUseSSL,
		Bucket:    bucket,
	})
	if err != nil {
		return "", err
	}
	if err := p.EnsureBucket(ctx); err != nil {
		return "", err
	}
	return p.Publish(ctx, sourceID, path)
}

// validateConvertFlags ensures the input exists and all options are usable before any stage starts.
func validateConvertFlags(opts *pipeline.Options) error {
	if err := validateInput(opts.InputPath); err != nil {
		return err
	}
	return opts.Validate()
}

func validateInput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("input file does not exist: %w", err)
		}
		return fmt.Errorf("unable to access input file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("input path %s is a directory, expected an ND2 file", path)
	}
	return nil
}
