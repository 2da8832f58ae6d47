package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"roadwatch/internal/config"
)

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, path, exists, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if exists {
		t.Fatalf("expected missing config, got exists=true for %s", path)
	}
	if cfg.Paths.APIBind != "127.0.0.1:7506" {
		t.Fatalf("unexpected default api bind: %s", cfg.Paths.APIBind)
	}
	if cfg.Inference.PollInterval != 2 {
		t.Fatalf("unexpected default poll interval: %d", cfg.Inference.PollInterval)
	}
}

func TestLoadParsesAndNormalizes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := strings.Join([]string{
		"[paths]",
		`data_dir = "` + filepath.Join(dir, "data") + `"`,
		`log_dir = "` + filepath.Join(dir, "logs") + `"`,
		`api_bind = " 127.0.0.1:0 "`,
		"[inference]",
		`base_url = "http://analysis.local:5000/"`,
		"[logging]",
		`format = "JSON"`,
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !exists {
		t.Fatal("expected config file to be found")
	}
	if cfg.Paths.APIBind != "127.0.0.1:0" {
		t.Fatalf("api bind not trimmed: %q", cfg.Paths.APIBind)
	}
	if cfg.Inference.BaseURL != "http://analysis.local:5000" {
		t.Fatalf("base url not normalized: %q", cfg.Inference.BaseURL)
	}
	if cfg.Logging.Format != "json" {
		t.Fatalf("log format not lowercased: %q", cfg.Logging.Format)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"zero poll interval", func(c *config.Config) { c.Inference.PollInterval = 0 }},
		{"empty inference url", func(c *config.Config) { c.Inference.BaseURL = "" }},
		{"reports enabled without key", func(c *config.Config) {
			c.Reports.Enabled = true
			c.Reports.BaseURL = "http://llm.local"
			c.Reports.APIKey = ""
		}},
		{"bad log format", func(c *config.Config) { c.Logging.Format = "xml" }},
		{"zero retention", func(c *config.Config) { c.Sessions.RetentionHours = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestCreateSampleWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if !strings.Contains(string(data), "[inference]") {
		t.Fatal("sample config missing inference section")
	}
}
