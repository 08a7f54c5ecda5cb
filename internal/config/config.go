// Package config provides the configuration structure for the XTTS
// handler service.
package config

import (
	"fmt"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
)

// NATSConfig holds the invocation transport settings.
type NATSConfig struct {
	URL              string `toml:"url"`
	JobsSubject      string `toml:"jobs_subject"`
	AudioStoreBucket string `toml:"audio_store_bucket"`
}

// EngineConfig holds the synthesis engine settings. Command, when
// non-empty, is the shell command line the supervisor launches; when
// empty the engine is managed externally and only probed.
type EngineConfig struct {
	Host                 string `toml:"host"`
	Port                 int    `toml:"port"`
	Command              string `toml:"command"`
	SynthesisTimeoutSecs int    `toml:"synthesis_timeout_seconds"`
	ProbeIntervalSecs    int    `toml:"probe_interval_seconds"`
	ProbeTimeoutSecs     int    `toml:"probe_timeout_seconds"`
	ProbeProgressSecs    int    `toml:"probe_progress_seconds"`
}

// GetServiceURL returns the engine base URL.
func (e EngineConfig) GetServiceURL() string {
	return fmt.Sprintf("http://%s:%d", e.Host, e.Port)
}

// SynthesisTimeout returns the bounded per-request synthesis timeout.
func (e EngineConfig) SynthesisTimeout() time.Duration {
	return time.Duration(e.SynthesisTimeoutSecs) * time.Second
}

// HandlerConfig holds the request handler settings.
type HandlerConfig struct {
	InlineAudioLimitBytes int    `toml:"inline_audio_limit_bytes"`
	DefaultLanguage       string `toml:"default_language"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS    NATSConfig    `toml:"nats"`
	Engine  EngineConfig  `toml:"engine"`
	Handler HandlerConfig `toml:"handler"`
	Paths   PathsConfig   `toml:"paths"`
}

// Load loads the configuration for the xtts-handler service.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return &cfg, nil
}
