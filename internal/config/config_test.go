package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidate(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		if err := Validate(GetDefaults()); err != nil {
			t.Fatalf("Defaults should be valid: %v", err)
		}
	})

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"SplitKey", func(c *Config) { c.Data.SplitKey = "host" }},
		{"LabelKey", func(c *Config) { c.Data.LabelKey = "tk_flag" }},
		{"Variant", func(c *Config) { c.Trainer.Variant = "url_body" }},
		{"Theta", func(c *Config) { c.Trainer.Theta = 0 }},
		{"MinTermLength", func(c *Config) { c.Trainer.MinTermLength = 0 }},
		{"Search", func(c *Config) { c.Trainer.Search = "regex" }},
		{"Folds", func(c *Config) { c.Experiment.Folds = 10 }},
		{"Workers", func(c *Config) { c.Experiment.Workers = 0 }},
		{"Backend", func(c *Config) { c.Classifier.Backend = "svm" }},
		{"Port", func(c *Config) { c.Server.Port = 70000 }},
		{"LogLevel", func(c *Config) { c.Logging.Level = "trace" }},
		{"LogFormat", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaults()
			tt.modify(cfg)
			if err := Validate(cfg); err == nil {
				t.Errorf("Expected validation error for %s", tt.name)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
data:
  root_dir: /tmp/flows
  split_key: package_name
trainer:
  variant: url_headers_apps
  theta: 3
experiment:
  seed: 42
  workers: 2
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Data.RootDir != "/tmp/flows" || cfg.Data.SplitKey != "package_name" {
		t.Errorf("Data section not loaded: %+v", cfg.Data)
	}
	if cfg.Trainer.Variant != "url_headers_apps" || cfg.Trainer.Theta != 3 {
		t.Errorf("Trainer section not loaded: %+v", cfg.Trainer)
	}
	if cfg.Experiment.Seed != 42 || cfg.Experiment.Workers != 2 {
		t.Errorf("Experiment section not loaded: %+v", cfg.Experiment)
	}
	// Untouched keys keep their defaults
	if cfg.Trainer.MinTermLength != 4 || cfg.Experiment.Folds != 5 {
		t.Errorf("Defaults lost: %+v %+v", cfg.Trainer, cfg.Experiment)
	}
}
