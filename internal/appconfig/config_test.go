package appconfig

import (
	"strings"
	"testing"
)

func TestDefaultConfigLaunchBudget(t *testing.T) {
	cfg, err := DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	if cfg.Launch.MaxAttempts != 3 {
		t.Fatalf("expected three launch attempts, got %d", cfg.Launch.MaxAttempts)
	}
	if cfg.Browser.Headless {
		t.Fatalf("expected headless to default false")
	}
}

func TestDefaultConfigPath(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	path, err := DefaultConfigPath()
	if err != nil {
		t.Fatalf("default path: %v", err)
	}
	if !strings.HasSuffix(path, "/.browserwatch/config.yaml") {
		t.Fatalf("unexpected default path %q", path)
	}
}
