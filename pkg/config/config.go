// Package config provides the runtime settings surface: HTTP timeout and
// retry defaults, circuit-breaker thresholds and windows, observability
// bounds and batch sizes, loadable from YAML with documented defaults.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings ("30s", "5m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the standard time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// HTTPSettings are the outbound call defaults, overridable per run and per
// step (see remote.ResolvePolicy).
type HTTPSettings struct {
	Timeout           Duration `yaml:"timeout"`
	Retries           int      `yaml:"retries"`
	RetryDelay        Duration `yaml:"retry_delay"`
	MaxRetryDelay     Duration `yaml:"max_retry_delay"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
	MaxBatchSize      int      `yaml:"max_batch_size"`
}

// BreakerSettings configure the per-key circuit breaker.
type BreakerSettings struct {
	Enabled          bool     `yaml:"enabled"`
	FailureThreshold int      `yaml:"failure_threshold"`
	FailureWindow    Duration `yaml:"failure_window"`
	ResetTimeout     Duration `yaml:"reset_timeout"`
	SuccessThreshold int      `yaml:"success_threshold"`
	IdleTTL          Duration `yaml:"idle_ttl"`
	MaxKeys          int      `yaml:"max_keys"`
}

// ObservabilitySettings bound the in-process span tracker and metrics.
type ObservabilitySettings struct {
	MaxActiveSpans      int      `yaml:"max_active_spans"`
	MaxCompletedSpans   int      `yaml:"max_completed_spans"`
	AbandonAfter        Duration `yaml:"abandon_after"`
	MaxHistogramSamples int      `yaml:"max_histogram_samples"`
}

// Settings is the root runtime configuration.
type Settings struct {
	HTTP          HTTPSettings          `yaml:"http"`
	Breaker       BreakerSettings       `yaml:"breaker"`
	Observability ObservabilitySettings `yaml:"observability"`
}

// Defaults returns the documented default settings.
func Defaults() Settings {
	return Settings{
		HTTP: HTTPSettings{
			Timeout:           Duration(30 * time.Second),
			Retries:           3,
			RetryDelay:        Duration(time.Second),
			MaxRetryDelay:     Duration(30 * time.Second),
			BackoffMultiplier: 2,
			MaxBatchSize:      100,
		},
		Breaker: BreakerSettings{
			Enabled:          true,
			FailureThreshold: 5,
			FailureWindow:    Duration(time.Minute),
			ResetTimeout:     Duration(30 * time.Second),
			SuccessThreshold: 2,
			IdleTTL:          Duration(30 * time.Minute),
			MaxKeys:          1000,
		},
		Observability: ObservabilitySettings{
			MaxActiveSpans:      1000,
			MaxCompletedSpans:   500,
			AbandonAfter:        Duration(10 * time.Minute),
			MaxHistogramSamples: 1000,
		},
	}
}

// Parse decodes YAML bytes over the defaults. Unknown fields are rejected.
func Parse(data []byte) (Settings, error) {
	s := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return Settings{}, fmt.Errorf("parse settings: %w", err)
	}
	return s, nil
}

// Load reads and parses a settings file. A missing path returns defaults.
func Load(path string) (Settings, error) {
	if path == "" {
		return Defaults(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	return Parse(data)
}
