package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.json")

	cfg := DefaultConfig()
	cfg.Pool.MaxWorkers = 7
	cfg.Agents["special"] = AgentConfig{Command: "goose", TimeoutSeconds: 600}

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Pool.MaxWorkers != 7 {
		t.Errorf("expected 7 max workers after reload, got %d", loaded.Pool.MaxWorkers)
	}
	agent, ok := loaded.Agents["special"]
	if !ok || agent.Command != "goose" || agent.TimeoutSeconds != 600 {
		t.Errorf("expected special agent to survive round trip, got %+v", agent)
	}
}

func TestSaveCreatesParentDirectories(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a", "b", "c", "config.json")

	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected config file to exist: %v", err)
	}
}

func TestSaveFileIsReadableJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading config: %v", err)
	}
	if len(data) == 0 || data[0] != '{' {
		t.Errorf("expected indented JSON object, got %q", string(data[:min(len(data), 20)]))
	}
}
