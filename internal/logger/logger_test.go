package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	t.Run("InvalidLevel", func(t *testing.T) {
		if _, err := New(Config{Level: "loud", Format: "json"}); err == nil {
			t.Error("Expected error for invalid level")
		}
	})

	t.Run("FileOutput", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "run.log")
		log, err := New(Config{
			Level:  "info",
			Format: "console",
			File:   &FileConfig{Enabled: true, Path: path},
		})
		if err != nil {
			t.Fatalf("Failed to create logger: %v", err)
		}

		log.WithComponent("experiment").WithUnit("doubleclick.net_android").Info("unit started")
		_ = log.Sync()

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("Failed to read log file: %v", err)
		}
		if !strings.Contains(string(data), `"domain_os":"doubleclick.net_android"`) {
			t.Errorf("Log file missing unit field: %s", data)
		}
		if !strings.Contains(string(data), `"component":"experiment"`) {
			t.Errorf("Log file missing component field: %s", data)
		}
	})
}
