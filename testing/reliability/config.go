// Package reliability holds long-running and saturation tests. They are
// skipped unless HOOKZ_RELIABILITY_LEVEL is set to "basic" or "stress".
package reliability

import (
	"testing"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/zoobzio/hookz/manifest"
)

// Config holds configuration for reliability testing.
type Config struct {
	Level         string        `envconfig:"LEVEL"`
	Duration      time.Duration `envconfig:"DURATION" default:"30s"`
	MaxGoroutines int           `envconfig:"MAX_GOROUTINES" default:"100"`
}

// loadConfig reads HOOKZ_RELIABILITY_* variables. Unparseable values fail the test.
func loadConfig(t *testing.T) Config {
	t.Helper()
	var cfg Config
	if err := envconfig.Process("hookz_reliability", &cfg); err != nil {
		t.Fatalf("reliability config: %v", err)
	}
	return cfg
}

// scale returns the iteration count for the configured level, skipping the
// test when reliability runs are disabled.
func scale(t *testing.T, basic, stress int) (Config, int) {
	t.Helper()
	cfg := loadConfig(t)
	switch cfg.Level {
	case "basic":
		return cfg, basic
	case "stress":
		return cfg, stress
	default:
		t.Skip("reliability tests disabled; set HOOKZ_RELIABILITY_LEVEL=basic or stress")
		return cfg, 0
	}
}

// fixed resolves every module to one version.
type fixed string

func (v fixed) Resolve(name, _ string) (*manifest.Record, error) {
	return &manifest.Record{Name: name, Version: string(v)}, nil
}
