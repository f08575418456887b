package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ikeda042/ND2toVideo/internal/config"
	"github.com/ikeda042/ND2toVideo/internal/nd2/nd2test"
	"github.com/ikeda042/ND2toVideo/internal/pipeline"
	"github.com/ikeda042/ND2toVideo/internal/store"
)

func writeTimelapse(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "timelapse.nd2")
	f := nd2test.File{Width: 24, Height: 20, Times: 7, Views: 2, Calibration: 0.25}
	if err := nd2test.Write(path, f); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	return path
}

func tempOptions(t *testing.T) pipeline.Options {
	t.Helper()
	dir := t.TempDir()
	opts := pipeline.DefaultOptions()
	opts.InputPath = writeTimelapse(t, dir)
	opts.View = 1
	opts.RawDir = filepath.Join(dir, "raw")
	opts.ProcessedDir = filepath.Join(dir, "processed")
	opts.OutputPath = filepath.Join(dir, "out.avi")
	opts.Bar.FontPath = filepath.Join(dir, "no-such-font.ttf")
	return opts
}

func TestValidateConvertFlags(t *testing.T) {
	dir := t.TempDir()
	input := writeTimelapse(t, dir)

	tests := []struct {
		name    string
		mutate  func(*pipeline.Options)
		wantErr bool
	}{
		{"Valid", func(o *pipeline.Options) {}, false},
		{"Missing input", func(o *pipeline.Options) { o.InputPath = filepath.Join(dir, "missing.nd2") }, true},
		{"Input is directory", func(o *pipeline.Options) { o.InputPath = dir }, true},
		{"Zero fps", func(o *pipeline.Options) { o.FPS = 0 }, true},
		{"Negative skip", func(o *pipeline.Options) { o.Skip = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := pipeline.DefaultOptions()
			opts.InputPath = input
			tt.mutate(&opts)
			if err := validateConvertFlags(&opts); (err != nil) != tt.wantErr {
				t.Errorf("validateConvertFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRunConvertWithoutLedger(t *testing.T) {
	DB, Cfg, Logger = nil, nil, nil

	opts := tempOptions(t)
	if err := runConvert(context.Background(), opts, ""); err != nil {
		t.Fatalf("runConvert failed: %v", err)
	}

	data, err := os.ReadFile(opts.OutputPath)
	if err != nil {
		t.Fatalf("Expected output video: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("RIFF")) {
		t.Errorf("Output is not a RIFF file")
	}
	// 7 time points, the first 5 skipped.
	if n := bytes.Count(data, []byte{0xFF, 0xD8, 0xFF}); n != 2 {
		t.Errorf("Expected 2 encoded frames, got %d", n)
	}
}

func TestRunConvertUploadNeedsEndpoint(t *testing.T) {
	DB, Cfg, Logger = nil, nil, nil

	opts := tempOptions(t)
	err := runConvert(context.Background(), opts, "videos")
	if !errors.Is(err, errNoObjectStorage) {
		t.Fatalf("Expected errNoObjectStorage, got %v", err)
	}
	// Rejected before any stage ran.
	if _, err := os.Stat(opts.RawDir); !os.IsNotExist(err) {
		t.Errorf("Raw directory should not exist, stat err = %v", err)
	}
	if _, err := os.Stat(opts.OutputPath); !os.IsNotExist(err) {
		t.Errorf("Video should not be written, stat err = %v", err)
	}
}

func TestValidateUpload(t *testing.T) {
	withEndpoint, err := config.LoadFrom(map[string]string{"MINIO_ENDPOINT": "localhost:9000"})
	if err != nil {
		t.Fatal(err)
	}
	without, err := config.LoadFrom(map[string]string{})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		cfg     *config.Config
		bucket  string
		wantErr bool
	}{
		{"No upload", nil, "", false},
		{"No config", nil, "videos", true},
		{"No endpoint", without, "videos", true},
		{"Endpoint set", withEndpoint, "videos", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validateUpload(tt.cfg, tt.bucket); (err != nil) != tt.wantErr {
				t.Errorf("validateUpload() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPrintRun(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Minute)
	var out bytes.Buffer
	printRun(&out, &store.Run{
		ID: "0123456789abcdef", SourceID: "feedfacecafebeef", SourcePath: "timelapse.nd2", View: 15,
		Extracted: 20, Encoded: 15, Output: "timelapse_5fps.avi", Status: store.StatusFailed,
		Error: "upload failed", StartedAt: start, FinishedAt: &end,
	})
	got := out.String()
	for _, want := range []string{"0123456789abcdef", "feedfacecafe", "20 extracted, 15 encoded", "upload failed", "00:02:00"} {
		if !strings.Contains(got, want) {
			t.Errorf("Expected %q in output:\n%s", want, got)
		}
	}
}

func TestRunInfo(t *testing.T) {
	path := writeTimelapse(t, t.TempDir())

	var out bytes.Buffer
	if err := runInfo(&out, path); err != nil {
		t.Fatalf("runInfo failed: %v", err)
	}
	got := out.String()
	for _, want := range []string{"Axes:  x, y, t, v", "t: 7", "v: 2", "0.25 µm", "Image chunks"} {
		if !strings.Contains(got, want) {
			t.Errorf("Expected %q in output:\n%s", want, got)
		}
	}

	if err := runInfo(&out, filepath.Join(t.TempDir(), "missing.nd2")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestPrintRuns(t *testing.T) {
	var out bytes.Buffer
	printRuns(&out, nil)
	if !strings.Contains(out.String(), "No runs found") {
		t.Errorf("Unexpected empty output: %q", out.String())
	}

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(75 * time.Second)
	out.Reset()
	printRuns(&out, []store.Run{
		{ID: "0123456789abcdef", SourcePath: "timelapse.nd2", View: 15, Extracted: 20, Encoded: 15,
			Output: "timelapse_5fps.avi", Status: store.StatusSucceeded, StartedAt: start, FinishedAt: &end},
		{ID: "fedcba9876543210", SourcePath: "other.nd2", View: 3, Status: store.StatusFailed,
			Error: "no frames", StartedAt: start},
	})
	got := out.String()
	for _, want := range []string{"0123456789ab", "15/20", "00:01:15", "failed: no frames"} {
		if !strings.Contains(got, want) {
			t.Errorf("Expected %q in output:\n%s", want, got)
		}
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{" yes \n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}

	for _, tt := range tests {
		var out bytes.Buffer
		r := bufio.NewReader(strings.NewReader(tt.input))
		if got := confirm(r, &out, "Proceed?"); got != tt.want {
			t.Errorf("confirm(%q) = %v, want %v", tt.input, got, tt.want)
		}
		if !strings.Contains(out.String(), "[y/N]") {
			t.Errorf("Prompt missing [y/N]: %q", out.String())
		}
	}
}

func TestRunResetFiles(t *testing.T) {
	dir := t.TempDir()
	raw := filepath.Join(dir, "raw")
	processed := filepath.Join(dir, "processed")
	video := filepath.Join(dir, "out.avi")
	for _, d := range []string{raw, processed} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(d, "0.tif"), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(video, []byte("RIFF"), 0644); err != nil {
		t.Fatal(err)
	}
	targets := resetTargets{db: true, files: true, paths: []string{raw, processed, video}}

	// Declining keeps everything.
	var out bytes.Buffer
	if err := runReset(context.Background(), strings.NewReader("n\n"), &out, nil, targets); err != nil {
		t.Fatalf("runReset failed: %v", err)
	}
	if _, err := os.Stat(video); err != nil {
		t.Errorf("Video removed despite declining: %v", err)
	}
	if !strings.Contains(out.String(), "No database configured") {
		t.Errorf("Expected ledger skip notice, got:\n%s", out.String())
	}

	// Confirming removes frames and video.
	out.Reset()
	if err := runReset(context.Background(), strings.NewReader("y\n"), &out, nil, targets); err != nil {
		t.Fatalf("runReset failed: %v", err)
	}
	for _, p := range targets.paths {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("Expected %s to be removed, stat err = %v", p, err)
		}
	}

	// --yes needs no input, and missing paths are not an error.
	targets.yes = true
	if err := runReset(context.Background(), strings.NewReader(""), &out, nil, targets); err != nil {
		t.Fatalf("runReset with yes failed: %v", err)
	}
}
