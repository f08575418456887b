package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ikeda042/ND2toVideo/internal/config"
	"github.com/ikeda042/ND2toVideo/internal/logging"
	"github.com/ikeda042/ND2toVideo/internal/pipeline"
	"github.com/ikeda042/ND2toVideo/internal/store"
	"github.com/spf13/cobra"
)

var (
	// DB is the optional run ledger shared by subcommands; nil when no database is configured.
	DB *store.Store
	// Cfg is the environment configuration loaded before every command.
	Cfg *config.Config
	// Logger carries diagnostics; user-facing status lines go straight to stderr.
	Logger *slog.Logger

	dbURL   string
	verbose bool
)

var errNoDatabase = errors.New("no database configured (use --db or set POSTGRES_HOST)")

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:           "nd2tovideo",
	Short:         "Convert an ND2 time-lapse into scale-barred TIFF stills and an MJPEG AVI",
	Version:       Version, // This enables the --version flag
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to read environment: %w", err)
		}
		Logger = logging.New(os.Stderr, Cfg.LogLevel, verbose)

		// If no flag was provided, try to build the connection string from the environment
		if dbURL == "" {
			dbURL = Cfg.DatabaseURL()
		}
		if dbURL == "" {
			Logger.Debug("run ledger disabled")
			return nil
		}

		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), dbURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string for the run ledger (default: from POSTGRES_* env, disabled if unset)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")
}

// --- Shared pipeline flags ---

func addSourceFlags(cmd *cobra.Command, o *pipeline.Options) {
	d := pipeline.DefaultOptions()
	cmd.Flags().StringVarP(&o.InputPath, "input", "i", d.InputPath, "Path to the ND2 file")
	cmd.Flags().IntVarP(&o.View, "view", "v", d.View, "Field of view (XY position) to extract")
	cmd.Flags().IntVarP(&o.Channel, "channel", "c", d.Channel, "Channel to extract")
	cmd.Flags().IntVar(&o.Z, "z", d.Z, "Z plane to extract")
}

func addRawDirFlag(cmd *cobra.Command, o *pipeline.Options) {
	cmd.Flags().StringVar(&o.RawDir, "raw-dir", pipeline.DefaultOptions().RawDir, "Directory for normalized frames")
}

func addProcessedDirFlag(cmd *cobra.Command, o *pipeline.Options) {
	cmd.Flags().StringVar(&o.ProcessedDir, "processed-dir", pipeline.DefaultOptions().ProcessedDir, "Directory for scale-barred frames")
}

func addBarFlags(cmd *cobra.Command, o *pipeline.Options) {
	d := pipeline.DefaultOptions().Bar
	cmd.Flags().Float64Var(&o.Bar.LengthUM, "bar-length", d.LengthUM, "Scale bar length in micrometres")
	cmd.Flags().Float64Var(&o.Bar.PixelSizeUM, "pixel-size", d.PixelSizeUM, "Pixel size in micrometres")
	cmd.Flags().BoolVar(&o.UseCalibration, "use-calibration", false, "Use the pixel size stored in the ND2 file when present")
	cmd.Flags().IntVar(&o.Bar.Height, "bar-height", d.Height, "Scale bar thickness in pixels")
	cmd.Flags().IntVar(&o.Bar.MarginRight, "bar-margin-right", d.MarginRight, "Gap between the bar and the right edge in pixels")
	cmd.Flags().IntVar(&o.Bar.MarginBottom, "bar-margin-bottom", d.MarginBottom, "Gap between the bar and the bottom edge in pixels")
	cmd.Flags().StringVar(&o.Bar.FontPath, "font", d.FontPath, "TrueType font for the bar label (falls back to a built-in face)")
	cmd.Flags().Float64Var(&o.Bar.FontSize, "font-size", d.FontSize, "Label font size in pixels")
}

func addVideoFlags(cmd *cobra.Command, o *pipeline.Options) {
	d := pipeline.DefaultOptions()
	cmd.Flags().StringVarP(&o.OutputPath, "output", "o", d.OutputPath, "Path to output AVI")
	cmd.Flags().IntVar(&o.FPS, "fps", d.FPS, "Video frame rate")
	cmd.Flags().IntVar(&o.Skip, "skip", d.Skip, "Number of leading frames left out of the video")
	cmd.Flags().IntVarP(&o.Quality, "quality", "q", d.Quality, "JPEG quality of video frames (1-100)")
}
