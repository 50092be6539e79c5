package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "config", "status"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestConfigInitWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hearth.yaml")
	cmd := buildRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"config", "init", "--config", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config init: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(data), "threshold: 0.5") {
		t.Errorf("template missing router threshold:\n%s", data)
	}

	// A second init without --force must refuse to overwrite.
	cmd = buildRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"config", "init", "--config", path})
	if err := cmd.Execute(); err == nil {
		t.Fatal("second init overwrote existing file")
	}
}

func TestConfigInitProducesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hearth.yaml")
	cmd := buildRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"config", "init", "--config", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config init: %v", err)
	}

	cfg, err := loadConfig(path, true)
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if cfg.Light.Mode != "native" {
		t.Errorf("light.mode = %q", cfg.Light.Mode)
	}
}

func TestConfigShowMasksToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hearth.yaml")
	content := "auth:\n  token: super-secret-value\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	cmd := buildRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "show", "--config", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config show: %v", err)
	}

	if strings.Contains(out.String(), "super-secret-value") {
		t.Error("config show leaked the auth token")
	}
	if !strings.Contains(out.String(), "[REDACTED]") {
		t.Errorf("token not masked:\n%s", out.String())
	}
}

func TestLoadConfigMissingDefaultFallsBack(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"), false)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Server.Port != 8765 {
		t.Errorf("default port = %d", cfg.Server.Port)
	}
}
