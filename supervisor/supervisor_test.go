package supervisor_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/webwebb56/mdqc-agent/config"
	"github.com/webwebb56/mdqc-agent/supervisor"
)

func minimalConfig(t *testing.T, watchDir string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Agent:   config.Agent{AgentID: "test-agent", LogLevel: "info"},
		Cloud:   config.Cloud{Endpoint: "http://127.0.0.1:1"},
		Skyline: config.Skyline{Path: "auto", TimeoutSeconds: 30, ProcessPriority: "below_normal"},
		Watcher: config.Watcher{
			ScanIntervalSeconds:         1,
			StabilityWindowSeconds:      1,
			StabilizationTimeoutSeconds: 5,
		},
		Spool: config.Spool{MaxPendingMB: 10, CompletedRetentionCount: 5},
		Instruments: []config.Instrument{
			{ID: "THERMO01", Vendor: "thermo", WatchPath: watchDir, FilePattern: "*.raw", Template: "default.skyr"},
		},
	}
	return cfg
}

func TestNewWiresEveryComponent(t *testing.T) {
	dataRoot := t.TempDir()
	watchDir := t.TempDir()

	if err := os.MkdirAll(filepath.Join(dataRoot, "templates"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dataRoot, "templates", "default.skyr"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := minimalConfig(t, watchDir)

	sup, err := supervisor.New(dataRoot, cfg, nil)
	if err != nil {
		t.Fatalf("supervisor.New: %v", err)
	}

	if sup.Processed == nil || sup.Ledger == nil || sup.Spool == nil || sup.Orch == nil ||
		sup.Finalize == nil || sup.Watcher == nil || sup.Uploader == nil || sup.AgentCLI == nil {
		t.Fatal("expected every singleton to be non-nil after construction")
	}

	if _, err := os.Stat(filepath.Join(dataRoot, "spool", "pending")); err != nil {
		t.Errorf("expected spool layout to be created under data root: %v", err)
	}
}

func TestNewRejectsUnrecognisedVendor(t *testing.T) {
	dataRoot := t.TempDir()
	watchDir := t.TempDir()
	cfg := minimalConfig(t, watchDir)
	cfg.Instruments[0].Vendor = "not-a-real-vendor"

	if _, err := supervisor.New(dataRoot, cfg, nil); err == nil {
		t.Fatal("expected an error for an unrecognised vendor")
	}
}

func TestRunDependenciesUnblocksOneShotOperationsWithoutFullRun(t *testing.T) {
	dataRoot := t.TempDir()
	watchDir := t.TempDir()

	if err := os.MkdirAll(filepath.Join(dataRoot, "templates"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dataRoot, "templates", "default.skyr"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := minimalConfig(t, watchDir)
	sup, err := supervisor.New(dataRoot, cfg, nil)
	if err != nil {
		t.Fatalf("supervisor.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := sup.RunDependencies(ctx)
	defer stop()

	done := make(chan error, 1)
	go func() {
		_, err := sup.AgentCLI.Status(ctx)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Status returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Status blocked — Ledger/Finalize actors were not started by RunDependencies")
	}
}

func TestRunStopsWithinShutdownGraceOnContextCancellation(t *testing.T) {
	dataRoot := t.TempDir()
	watchDir := t.TempDir()

	if err := os.MkdirAll(filepath.Join(dataRoot, "templates"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dataRoot, "templates", "default.skyr"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := minimalConfig(t, watchDir)
	sup, err := supervisor.New(dataRoot, cfg, nil)
	if err != nil {
		t.Fatalf("supervisor.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(supervisor.ShutdownGrace + 5*time.Second):
		t.Fatal("Run did not return within ShutdownGrace")
	}
}
