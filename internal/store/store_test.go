package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestRunDuration(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := Run{StartedAt: start}
	if r.Duration() != 0 {
		t.Errorf("Expected zero duration for unfinished run, got %v", r.Duration())
	}
	end := start.Add(90 * time.Second)
	r.FinishedAt = &end
	if r.Duration() != 90*time.Second {
		t.Errorf("Expected 90s, got %v", r.Duration())
	}
}

// TestStoreIntegration runs a full integration test against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// Explicitly check for Docker availability and fail hard if missing
	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("nd2tovideo_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}

	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close(ctx)

	// 1. Register the source twice (idempotent)
	if err := s.EnsureSource(ctx, "src_1", "/data/old.nd2"); err != nil {
		t.Fatalf("EnsureSource failed: %v", err)
	}
	if err := s.EnsureSource(ctx, "src_1", "/data/timelapse.nd2"); err != nil {
		t.Fatalf("EnsureSource (repeat) failed: %v", err)
	}

	// 2. One successful and one failed run
	okID, err := s.StartRun(ctx, "src_1", 15, "timelapse_5fps.avi")
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	running, err := s.GetRun(ctx, okID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if running.Status != StatusRunning || running.FinishedAt != nil {
		t.Errorf("Expected running run without finish time, got %+v", running)
	}
	if err := s.FinishRun(ctx, okID, 20, 15, nil); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	failID, err := s.StartRun(ctx, "src_1", 3, "other.avi")
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if err := s.FinishRun(ctx, failID, 2, 0, errors.New("no frames to encode")); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	// 3. Verify
	runs, err := s.ListRuns(ctx, 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("Expected 2 runs, got %d", len(runs))
	}

	byID := map[string]Run{}
	for _, r := range runs {
		byID[r.ID] = r
	}
	ok := byID[okID]
	if ok.Status != StatusSucceeded || ok.Extracted != 20 || ok.Encoded != 15 || ok.View != 15 {
		t.Errorf("Mismatch in successful run. Got %+v", ok)
	}
	if ok.SourcePath != "/data/timelapse.nd2" {
		t.Errorf("Expected updated source path, got %q", ok.SourcePath)
	}
	if ok.FinishedAt == nil {
		t.Error("Expected finished_at to be set")
	}
	failed := byID[failID]
	if failed.Status != StatusFailed || failed.Error != "no frames to encode" {
		t.Errorf("Mismatch in failed run. Got %+v", failed)
	}

	limited, err := s.ListRuns(ctx, 1)
	if err != nil {
		t.Fatalf("ListRuns(1) failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("Expected 1 run with limit, got %d", len(limited))
	}

	if err := s.FinishRun(ctx, "00000000-0000-0000-0000-000000000000", 0, 0, nil); err == nil {
		t.Error("Expected error finishing unknown run")
	}

	// 4. Reset drops everything
	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, err := s.ListRuns(ctx, 0); err == nil {
		t.Error("Expected ListRuns to fail after tables were dropped")
	}
}
