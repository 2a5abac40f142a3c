package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment names recognized in the env option
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// Summarisation provider names
const (
	ProviderOpenAI     = "openai"
	ProviderDeepgram   = "deepgram"
	ProviderPhoWhisper = "pho-whisper"
	ProviderAuto       = "auto"
	ProviderCustom     = "custom"
)

// Config represents the complete service configuration
type Config struct {
	Env       string          `yaml:"env"`
	Server    ServerConfig    `yaml:"server"`
	Recording RecordingConfig `yaml:"recording"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains WebSocket listener and monitoring API configuration
type ServerConfig struct {
	Port        int    `yaml:"port"`
	BindAddress string `yaml:"bind_address"`
	HTTPPort    int    `yaml:"http_port"`
	HTTPEnabled bool   `yaml:"http_enabled"`
}

// RecordingConfig contains recording directory and feature flag configuration
type RecordingConfig struct {
	RecordingsRoot            string `yaml:"recordings_root"`
	EnableMixedAudio          bool   `yaml:"enable_mixed_audio"`
	EnablePerParticipantAudio bool   `yaml:"enable_per_participant_audio"`
	EnableVideoCapture        bool   `yaml:"enable_video_capture"` // reserved, no writers yet
	InactivityTimeout         int    `yaml:"inactivity_timeout"`   // seconds
	PendingBufferSeconds      int    `yaml:"pending_buffer_seconds"`
}

// PipelineConfig contains post-archive transcription/summarisation configuration
type PipelineConfig struct {
	SummarisationProvider string `yaml:"summarisation_provider"`
	SummarisationLanguage string `yaml:"summarisation_language"`
	TranscriptionAPIKey   string `yaml:"transcription_api_key"`
	SummarisationAPIKey   string `yaml:"summarisation_api_key"`
	WhisperEndpoint       string `yaml:"whisper_endpoint"`
	RequestTimeout        int    `yaml:"request_timeout"` // seconds
	MaxRetries            int    `yaml:"max_retries"`
	MaxConcurrent         int    `yaml:"max_concurrent"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration with development defaults applied.
func Default() *Config {
	return &Config{
		Env: EnvDevelopment,
		Server: ServerConfig{
			Port:        8765,
			BindAddress: "0.0.0.0",
			HTTPPort:    8766,
			HTTPEnabled: true,
		},
		Recording: RecordingConfig{
			RecordingsRoot:            "./recordings",
			EnableMixedAudio:          true,
			EnablePerParticipantAudio: true,
			InactivityTimeout:         300,
			PendingBufferSeconds:      30,
		},
		Pipeline: PipelineConfig{
			SummarisationProvider: ProviderAuto,
			SummarisationLanguage: "en",
			RequestTimeout:        60,
			MaxRetries:            3,
			MaxConcurrent:         4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file, applying defaults for
// absent sections.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs validation of the configuration
func (c *Config) Validate() error {
	switch c.Env {
	case EnvDevelopment, EnvProduction, EnvTest:
	default:
		return fmt.Errorf("env must be one of [development, production, test], got '%s'", c.Env)
	}

	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Recording.Validate(); err != nil {
		return fmt.Errorf("recording config: %w", err)
	}

	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.HTTPEnabled {
		if s.HTTPPort < 1 || s.HTTPPort > 65535 {
			return fmt.Errorf("http_port must be between 1 and 65535, got %d", s.HTTPPort)
		}

		if s.HTTPPort == s.Port {
			return fmt.Errorf("http_port must differ from the WebSocket port %d", s.Port)
		}
	}

	return nil
}

// Validate validates recording configuration
func (r *RecordingConfig) Validate() error {
	if r.RecordingsRoot == "" {
		return fmt.Errorf("recordings_root cannot be empty")
	}

	if r.InactivityTimeout < 1 {
		return fmt.Errorf("inactivity_timeout must be at least 1 second, got %d", r.InactivityTimeout)
	}

	if r.PendingBufferSeconds < 1 {
		return fmt.Errorf("pending_buffer_seconds must be at least 1 second, got %d", r.PendingBufferSeconds)
	}

	return nil
}

// Validate validates pipeline configuration
func (p *PipelineConfig) Validate() error {
	switch p.SummarisationProvider {
	case ProviderOpenAI, ProviderDeepgram, ProviderPhoWhisper, ProviderAuto, ProviderCustom:
	default:
		return fmt.Errorf("summarisation_provider must be one of [openai, deepgram, pho-whisper, auto, custom], got '%s'",
			p.SummarisationProvider)
	}

	if p.SummarisationLanguage == "" {
		return fmt.Errorf("summarisation_language cannot be empty")
	}

	if p.RequestTimeout < 1 {
		return fmt.Errorf("request_timeout must be at least 1 second, got %d", p.RequestTimeout)
	}

	if p.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", p.MaxRetries)
	}

	if p.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", p.MaxConcurrent)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output accepts stdout, stderr, or a file path; nothing to reject here.
	return nil
}

// GetInactivityTimeout returns the inactivity window as a time.Duration
func (r *RecordingConfig) GetInactivityTimeout() time.Duration {
	return time.Duration(r.InactivityTimeout) * time.Second
}

// GetPendingBufferWindow returns the pending audio buffer cap as a time.Duration
func (r *RecordingConfig) GetPendingBufferWindow() time.Duration {
	return time.Duration(r.PendingBufferSeconds) * time.Second
}

// GetRequestTimeout returns the provider request timeout as a time.Duration
func (p *PipelineConfig) GetRequestTimeout() time.Duration {
	return time.Duration(p.RequestTimeout) * time.Second
}
