package hookz

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kelseyhightower/envconfig"
)

// Config holds the agent settings. Values are read once and never written
// back by the tracer.
type Config struct {
	// IgnoreURLs lists regular expressions matched against root span URLs.
	// Matching requests are not traced.
	IgnoreURLs []string `envconfig:"IGNORE_URLS"`
	// FlushInterval is how often a Flusher drains the buffer.
	FlushInterval time.Duration `envconfig:"FLUSH_INTERVAL" default:"5s"`
	// BufferSize is the number of completed traces held before the oldest
	// is dropped.
	BufferSize int `envconfig:"BUFFER_SIZE" default:"1000"`
	// StackTraceLimit is the number of caller frames recorded on each span.
	// Zero disables stack capture.
	StackTraceLimit int `envconfig:"STACK_TRACE_LIMIT" default:"0"`
	// MaxLabelValueSize truncates longer label values.
	MaxLabelValueSize int `envconfig:"MAX_LABEL_VALUE_SIZE" default:"16384"`
	// SamplingRate caps new traces per second. Zero or less traces
	// everything.
	SamplingRate float64 `envconfig:"SAMPLING_RATE" default:"0"`
	Enabled      bool    `envconfig:"ENABLED" default:"true"`
	// EnhancedDatabaseReporting lets plugins record command arguments and
	// results.
	EnhancedDatabaseReporting bool `envconfig:"ENHANCED_DATABASE_REPORTING" default:"false"`
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		BufferSize:        1000,
		FlushInterval:     5 * time.Second,
		MaxLabelValueSize: 16384,
	}
}

// LoadConfig reads HOOKZ_* environment variables over the defaults.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("hookz", &cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.BufferSize <= 0 {
		return errors.Newf("buffer size must be > 0, got %d", c.BufferSize)
	}
	if c.FlushInterval <= 0 {
		return errors.Newf("flush interval must be > 0, got %s", c.FlushInterval)
	}
	if c.StackTraceLimit < 0 {
		return errors.Newf("stack trace limit must be >= 0, got %d", c.StackTraceLimit)
	}
	if c.MaxLabelValueSize < 0 {
		return errors.Newf("max label value size must be >= 0, got %d", c.MaxLabelValueSize)
	}
	if _, err := compileIgnoreURLs(c.IgnoreURLs); err != nil {
		return err
	}
	return nil
}

// Policy builds the sampling policy described by the config.
func (c Config) Policy() (Policy, error) {
	var policies []Policy
	if len(c.IgnoreURLs) > 0 {
		ignore, err := IgnoreURLs(c.IgnoreURLs...)
		if err != nil {
			return nil, err
		}
		policies = append(policies, ignore)
	}
	if c.SamplingRate > 0 {
		policies = append(policies, NewRateLimitPolicy(c.SamplingRate))
	}
	switch len(policies) {
	case 0:
		return AlwaysTrace{}, nil
	case 1:
		return policies[0], nil
	default:
		return AllOf(policies...), nil
	}
}
