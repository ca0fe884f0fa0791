package wizard

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/arcwire/mtproto-core/internal/config"
)

func TestNew(t *testing.T) {
	w := New()
	if w == nil {
		t.Fatal("New() returned nil")
	}
	if w.existingCfg != nil {
		t.Error("New() returned wizard with non-nil existingCfg")
	}
}

func TestRequiredString(t *testing.T) {
	validate := requiredString("field")

	if err := validate(""); err == nil {
		t.Error("expected error for empty string")
	}
	if err := validate("   "); err == nil {
		t.Error("expected error for whitespace-only string")
	}
	if err := validate("value"); err != nil {
		t.Errorf("unexpected error for non-empty string: %v", err)
	}
}

func TestValidDuration(t *testing.T) {
	if err := validDuration("1s"); err != nil {
		t.Errorf("unexpected error for valid duration: %v", err)
	}
	if err := validDuration("not-a-duration"); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestWriteConfig(t *testing.T) {
	w := New()

	tmpDir, err := os.MkdirTemp("", "wizard_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	cfg := config.Default()
	cfg.Agent.DataDir = "/data"
	cfg.Agent.LogLevel = "debug"
	cfg.Connection.Host = "149.154.167.50"
	cfg.Connection.Port = 443

	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := w.writeConfig(cfg, configPath); err != nil {
		t.Fatalf("writeConfig failed: %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Fatal("Config file was not created")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}

	content := string(data)

	if !strings.HasPrefix(content, "# MTProto client configuration") {
		t.Error("Config file missing header comment")
	}
	if !strings.Contains(content, "data_dir: /data") {
		t.Error("Config file missing data_dir value")
	}
	if !strings.Contains(content, "log_level: debug") {
		t.Error("Config file missing log_level value")
	}
	if !strings.Contains(content, "host: 149.154.167.50") {
		t.Error("Config file missing connection host")
	}
}

func TestWriteConfigCreatesDirectory(t *testing.T) {
	w := New()

	tmpDir, err := os.MkdirTemp("", "wizard_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	configPath := filepath.Join(tmpDir, "subdir", "nested", "config.yaml")

	cfg := config.Default()

	if err := w.writeConfig(cfg, configPath); err != nil {
		t.Fatalf("writeConfig failed: %v", err)
	}

	dir := filepath.Dir(configPath)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		t.Error("writeConfig did not create parent directories")
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Fatal("Config file was not created")
	}
}

func TestResultStruct(t *testing.T) {
	result := &Result{
		Config:     config.Default(),
		ConfigPath: "/path/to/config.yaml",
	}

	if result.Config == nil {
		t.Error("Result.Config is nil")
	}
	if result.ConfigPath != "/path/to/config.yaml" {
		t.Errorf("Result.ConfigPath = %q, want %q", result.ConfigPath, "/path/to/config.yaml")
	}
}
