package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CELLFLOW_CONFIG", filepath.Join(dir, "missing.json"))
	t.Setenv("CELLFLOW_ROOT", filepath.Join(dir, "root"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Paths.Root != filepath.Join(dir, "root") {
		t.Fatalf("root override ignored: %s", cfg.Paths.Root)
	}
	if cfg.Paths.DatabasePath != filepath.Join(dir, "root", "cellflow.db") {
		t.Fatalf("unexpected database path %s", cfg.Paths.DatabasePath)
	}
	if cfg.Processing.FlowChannels != [2]int{1, 2} {
		t.Fatalf("unexpected flow channels %v", cfg.Processing.FlowChannels)
	}
	if cfg.Processing.Workers != runtime.NumCPU() {
		t.Fatalf("workers should default to NumCPU, got %d", cfg.Processing.Workers)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"paths":{"root":"` + filepath.Join(dir, "data") + `"},"processing":{"workers":3},"video":{"fps":24}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CELLFLOW_CONFIG", path)
	t.Setenv("CELLFLOW_ROOT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Processing.Workers != 3 || cfg.Video.FPS != 24 {
		t.Fatalf("file values not applied: %+v %+v", cfg.Processing, cfg.Video)
	}
	if cfg.Video.Step != 20 || cfg.Processing.Channels != 3 {
		t.Fatalf("defaults lost: %+v %+v", cfg.Processing, cfg.Video)
	}
}

func TestLoadRejectsFlowChannelOutOfRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"processing":{"flow_channels":[1,5]}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CELLFLOW_CONFIG", path)
	t.Setenv("CELLFLOW_ROOT", dir)

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for flow channel outside channel count")
	}
}
