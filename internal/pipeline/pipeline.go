// Package pipeline runs the extract, annotate and encode stages that turn one
// field of view of an ND2 acquisition into an annotated time-lapse video.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ikeda042/ND2toVideo/internal/imaging"
	"github.com/ikeda042/ND2toVideo/internal/nd2"
	"github.com/ikeda042/ND2toVideo/internal/video"
)

// Stage names a pipeline step.
type Stage string

const (
	StageExtract  Stage = "extract"
	StageAnnotate Stage = "annotate"
	StageEncode   Stage = "encode"
)

var ErrNoFrames = errors.New("no frames left to encode after skipping")

// Options holds every path and constant of a conversion.
type Options struct {
	InputPath    string
	View         int
	Channel      int
	Z            int
	RawDir       string
	ProcessedDir string
	OutputPath   string
	FPS          int
	Skip         int // leading annotated frames left out of the video
	Quality      int // JPEG quality of video frames
	Bar          imaging.ScaleBar
	// UseCalibration replaces Bar.PixelSizeUM with the file's calibration when it has one.
	UseCalibration bool
}

// DefaultOptions reproduces the classic timelapse.nd2 -> timelapse_5fps.avi conversion.
func DefaultOptions() Options {
	return Options{
		InputPath:    "timelapse.nd2",
		View:         15,
		RawDir:       "nd2totiff",
		ProcessedDir: "nd2totiff_processed",
		OutputPath:   "timelapse_5fps.avi",
		FPS:          5,
		Skip:         5,
		Quality:      video.DefaultQuality,
		Bar:          imaging.DefaultScaleBar(),
	}
}

// Validate rejects options no stage can run with.
func (o Options) Validate() error {
	switch {
	case o.View < 0:
		return fmt.Errorf("view must be >= 0, got %d", o.View)
	case o.Channel < 0:
		return fmt.Errorf("channel must be >= 0, got %d", o.Channel)
	case o.Z < 0:
		return fmt.Errorf("z must be >= 0, got %d", o.Z)
	case o.RawDir == "" || o.ProcessedDir == "":
		return errors.New("output directories must not be empty")
	case o.RawDir == o.ProcessedDir:
		return errors.New("raw and processed directories must differ")
	case o.OutputPath == "":
		return errors.New("output video path must not be empty")
	case o.FPS < 1:
		return fmt.Errorf("fps must be >= 1, got %d", o.FPS)
	case o.Skip < 0:
		return fmt.Errorf("skip must be >= 0, got %d", o.Skip)
	case o.Quality < 1 || o.Quality > 100:
		return fmt.Errorf("quality must be between 1 and 100, got %d", o.Quality)
	case o.Bar.LengthUM <= 0:
		return fmt.Errorf("bar length must be > 0, got %g", o.Bar.LengthUM)
	case o.Bar.PixelSizeUM <= 0:
		return fmt.Errorf("pixel size must be > 0, got %g", o.Bar.PixelSizeUM)
	case o.Bar.Height < 1:
		return fmt.Errorf("bar height must be >= 1, got %d", o.Bar.Height)
	case o.Bar.FontSize <= 0:
		return fmt.Errorf("font size must be > 0, got %g", o.Bar.FontSize)
	}
	return nil
}

// Observer is told about stage boundaries and every finished frame.
type Observer interface {
	StageStarted(stage Stage, total int)
	FrameDone(stage Stage, index int)
	StageFinished(stage Stage)
}

type nopObserver struct{}

func (nopObserver) StageStarted(Stage, int) {}
func (nopObserver) FrameDone(Stage, int) {}
func (nopObserver) StageFinished(Stage) {}

// Result summarizes a full run.
type Result struct {
	Sizes       nd2.Sizes
	Axes        []string
	Extracted   int
	Annotated   int
	Encoded     int
	PixelSizeUM float64
	Output      string
}

// Runner executes the stages strictly in sequence.
type Runner struct {
	opts Options
	log  *slog.Logger
	obs  Observer

	calibration float64
	pixelSizeUM float64
	sizes       nd2.Sizes
	axes        []string
}

// New creates a Runner. A nil logger discards output and a nil observer is ignored.
func New(opts Options, log *slog.Logger, obs Observer) *Runner {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if obs == nil {
		obs = nopObserver{}
	}
	return &Runner{opts: opts, log: log, obs: obs}
}

// Run performs extraction, then annotation, then encoding.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	res := &Result{Output: r.opts.OutputPath}

	n, err := r.Extract(ctx)
	res.Extracted = n
	res.Sizes, res.Axes = r.sizes, r.axes
	if err != nil {
		return res, fmt.Errorf("extract: %w", err)
	}

	res.Annotated, err = r.Annotate(ctx)
	res.PixelSizeUM = r.pixelSizeUM
	if err != nil {
		return res, fmt.Errorf("annotate: %w", err)
	}

	if res.Encoded, err = r.Encode(ctx); err != nil {
		return res, fmt.Errorf("encode: %w", err)
	}
	return res, nil
}

// EnsureDirs creates both frame directories; existing ones are kept as they are.
func (r *Runner) EnsureDirs() error {
	for _, dir := range []string{r.opts.RawDir, r.opts.ProcessedDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// Extract writes every time point of the selected view, channel and z plane
// as a normalized 8-bit TIFF named by its time index.
func (r *Runner) Extract(ctx context.Context) (int, error) {
	if err := r.EnsureDirs(); err != nil {
		return 0, err
	}

	rd, err := nd2.Open(r.opts.InputPath)
	if err != nil {
		return 0, err
	}
	defer rd.Close()

	r.sizes, r.axes = rd.Sizes(), rd.Axes()
	r.calibration = rd.Calibration()
	r.log.Info("available axes", "axes", r.axes)
	r.log.Info("sizes", "sizes", r.sizes.String(), "calibration_um", r.calibration)

	if !rd.HasAxis("v") {
		return 0, fmt.Errorf("%w: %s has no 'v' axis for multiple views", nd2.ErrMissingAxis, r.opts.InputPath)
	}
	if r.opts.View >= r.sizes.V {
		return 0, fmt.Errorf("%w: view %d, file has %d", nd2.ErrOutOfRange, r.opts.View, r.sizes.V)
	}

	total := r.sizes.T
	r.obs.StageStarted(StageExtract, total)
	defer r.obs.StageFinished(StageExtract)

	for t := 0; t < total; t++ {
		if err := ctx.Err(); err != nil {
			return t, err
		}
		frame, err := rd.Frame(t, r.opts.View, r.opts.Z, r.opts.Channel)
		if err != nil {
			return t, fmt.Errorf("frame t=%d: %w", t, err)
		}
		img := imaging.Normalize(frame.Pix, frame.Width, frame.Height)
		if err := imaging.SaveTIFF(imaging.FramePath(r.opts.RawDir, t), img); err != nil {
			return t, err
		}
		r.log.Debug("extracted frame", "t", t, "timestamp_ms", frame.Timestamp)
		r.obs.FrameDone(StageExtract, t)
	}
	return total, nil
}

// Annotate stamps the scale bar on raw frames 0..N-1, where N is the number
// of TIFFs in the raw directory, and saves them under the same names.
func (r *Runner) Annotate(ctx context.Context) (int, error) {
	if err := os.MkdirAll(r.opts.ProcessedDir, 0755); err != nil {
		return 0, fmt.Errorf("create %s: %w", r.opts.ProcessedDir, err)
	}

	count, err := imaging.CountTIFF(r.opts.RawDir)
	if err != nil {
		return 0, err
	}

	bar := r.opts.Bar
	bar.PixelSizeUM = r.pixelSize()
	r.pixelSizeUM = bar.PixelSizeUM
	ann := imaging.NewAnnotator(bar)
	if fallback, ferr := ann.Fallback(); fallback {
		r.log.Warn("label font unavailable, using built-in face", "font", bar.FontPath, "error", ferr)
	}
	r.log.Debug("scale bar", "length_um", bar.LengthUM, "pixel_size_um", bar.PixelSizeUM, "width_px", bar.WidthPixels())

	r.obs.StageStarted(StageAnnotate, count)
	defer r.obs.StageFinished(StageAnnotate)

	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		img, err := imaging.LoadTIFF(imaging.FramePath(r.opts.RawDir, i))
		if err != nil {
			return i, err
		}
		ann.Draw(img)
		if err := imaging.SaveTIFF(imaging.FramePath(r.opts.ProcessedDir, i), img); err != nil {
			return i, err
		}
		r.obs.FrameDone(StageAnnotate, i)
	}
	return count, nil
}

// Encode writes processed frames Skip..N-1 in order into the output AVI.
func (r *Runner) Encode(ctx context.Context) (int, error) {
	frames, err := SelectFrames(r.opts.ProcessedDir, r.opts.Skip)
	if err != nil {
		return 0, err
	}

	first, err := imaging.LoadTIFF(frames[0])
	if err != nil {
		return 0, err
	}

	if dir := filepath.Dir(r.opts.OutputPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return 0, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	size := first.Bounds().Size()
	b, err := video.NewBuilder(r.opts.OutputPath, size.X, size.Y, r.opts.FPS, r.opts.Quality)
	if err != nil {
		return 0, err
	}
	defer b.Close()

	r.obs.StageStarted(StageEncode, len(frames))
	defer r.obs.StageFinished(StageEncode)

	for i, path := range frames {
		if err := ctx.Err(); err != nil {
			return b.Count(), err
		}
		img := first
		if i > 0 {
			if img, err = imaging.LoadTIFF(path); err != nil {
				return b.Count(), err
			}
		}
		if err := b.Add(img); err != nil {
			return b.Count(), fmt.Errorf("%s: %w", path, err)
		}
		r.obs.FrameDone(StageEncode, i)
	}

	if err := b.Close(); err != nil {
		return b.Count(), err
	}
	r.log.Info("video written", "path", r.opts.OutputPath, "frames", b.Count(), "fps", r.opts.FPS)
	return b.Count(), nil
}

// SelectFrames lists <n>.tif for skip <= n < N in ascending numeric order,
// where N is the number of TIFFs in dir.
func SelectFrames(dir string, skip int) ([]string, error) {
	count, err := imaging.CountTIFF(dir)
	if err != nil {
		return nil, err
	}
	if count <= skip {
		return nil, fmt.Errorf("%w: %d frames in %s, skipping %d", ErrNoFrames, count, dir, skip)
	}
	frames := make([]string, 0, count-skip)
	for n := skip; n < count; n++ {
		frames = append(frames, imaging.FramePath(dir, n))
	}
	return frames, nil
}

func (r *Runner) pixelSize() float64 {
	if !r.opts.UseCalibration {
		return r.opts.Bar.PixelSizeUM
	}
	if r.calibration == 0 {
		r.loadCalibration()
	}
	if r.calibration > 0 {
		return r.calibration
	}
	r.log.Warn("file has no calibration, using configured pixel size", "pixel_size_um", r.opts.Bar.PixelSizeUM)
	return r.opts.Bar.PixelSizeUM
}

func (r *Runner) loadCalibration() {
	rd, err := nd2.Open(r.opts.InputPath)
	if err != nil {
		r.log.Warn("cannot read calibration", "input", r.opts.InputPath, "error", err)
		return
	}
	defer rd.Close()
	r.calibration = rd.Calibration()
}
