// internal/config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestConfig_LoadDefaults(t *testing.T) {
	ws := t.TempDir()

	cfg, err := Load(ws, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ConfigFile != "" {
		t.Errorf("Expected no config file, got %s", cfg.ConfigFile)
	}
	if cfg.Checkpoint.MaxCheckpoints != 50 {
		t.Errorf("Expected max checkpoints 50, got %d", cfg.Checkpoint.MaxCheckpoints)
	}
	if cfg.Checkpoint.AutoCheckpoint.Interval != 30*time.Minute {
		t.Errorf("Expected 30m interval, got %s", cfg.Checkpoint.AutoCheckpoint.Interval)
	}

	expected := filepath.Join(ws, ".snapkeep", "checkpoints")
	if cfg.StorageDir() != expected {
		t.Errorf("Expected %s, got %s", expected, cfg.StorageDir())
	}
	if _, err := os.Stat(expected); os.IsNotExist(err) {
		t.Error("Storage dir should be created")
	}
	if cfg.Journal.Path != filepath.Join(expected, JournalFileName) {
		t.Errorf("Unexpected journal path %s", cfg.Journal.Path)
	}
}

func TestConfig_LoadWorkspaceFile(t *testing.T) {
	ws := t.TempDir()
	writeConfig(t, filepath.Join(ws, DefaultFileName), `
storage_dir: snaps
max_checkpoints: 5
hash: blake2b
auto_checkpoint:
  enabled: true
  interval: 90s
  only_when_changed: true
exclude:
  - "tmp/**"
log:
  level: debug
  format: json
server:
  addr: 127.0.0.1:7777
`)

	cfg, err := Load(ws, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ConfigFile == "" {
		t.Error("Expected config file to be recorded")
	}
	if cfg.Checkpoint.MaxCheckpoints != 5 || cfg.Checkpoint.Hash != "blake2b" {
		t.Errorf("Unexpected checkpoint config %+v", cfg.Checkpoint)
	}
	if cfg.Checkpoint.AutoCheckpoint.Interval != 90*time.Second || !cfg.Checkpoint.AutoCheckpoint.OnlyWhenChanged {
		t.Errorf("Unexpected auto checkpoint config %+v", cfg.Checkpoint.AutoCheckpoint)
	}
	if len(cfg.Checkpoint.ExcludePatterns) != 1 || cfg.Checkpoint.ExcludePatterns[0] != "tmp/**" {
		t.Errorf("Expected exclude list to be replaced, got %v", cfg.Checkpoint.ExcludePatterns)
	}
	if cfg.StorageDir() != filepath.Join(ws, "snaps") {
		t.Errorf("Unexpected storage dir %s", cfg.StorageDir())
	}
	if cfg.Checkpoint.WorkspaceDir != ws {
		t.Errorf("Expected workspace %s, got %s", ws, cfg.Checkpoint.WorkspaceDir)
	}
	if cfg.Log.Level != "debug" || cfg.Server.Addr != "127.0.0.1:7777" {
		t.Errorf("Unexpected log/server config %+v %+v", cfg.Log, cfg.Server)
	}
}

func TestConfig_EmptyFile(t *testing.T) {
	ws := t.TempDir()
	path := filepath.Join(t.TempDir(), "empty.yaml")
	writeConfig(t, path, "")

	cfg, err := Load(ws, path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Checkpoint.MaxCheckpoints != 50 {
		t.Errorf("Expected defaults, got %d", cfg.Checkpoint.MaxCheckpoints)
	}
}

func TestConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"UnknownKey", "max_checkpoint: 3\n", "field max_checkpoint not found"},
		{"ZeroMax", "max_checkpoints: 0\n", "max_checkpoints"},
		{"BadHash", "hash: md5\n", "hash"},
		{"ShortInterval", "auto_checkpoint:\n  enabled: true\n  interval: 10ms\n", "interval"},
		{"BadLogLevel", "log:\n  level: loud\n", "level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := t.TempDir()
			path := filepath.Join(ws, "cfg.yaml")
			writeConfig(t, path, tt.content)

			_, err := Load(ws, path)
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}

	t.Run("MissingExplicitFile", func(t *testing.T) {
		if _, err := Load(t.TempDir(), "/nonexistent/snapkeep.yaml"); err == nil {
			t.Error("Expected error for missing explicit config file")
		}
	})

	t.Run("WorkspaceNotDir", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		writeConfig(t, file, "x")
		if _, err := Load(file, ""); err == nil {
			t.Error("Expected error when workspace is a file")
		}
	})
}
