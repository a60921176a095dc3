package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	HTTP        HTTPConfig        `yaml:"http"`
	Audio       AudioConfig       `yaml:"audio"`
	Segmenter   SegmenterConfig   `yaml:"segmenter"`
	Throttle    ThrottleConfig    `yaml:"throttle"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Overlay     OverlayConfig     `yaml:"overlay"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig contains WebSocket server configuration
type ServerConfig struct {
	Port            int    `yaml:"port"`
	BindAddress     string `yaml:"bind_address"`
	MaxSessions     int    `yaml:"max_sessions"`
	ReadLimit       int64  `yaml:"read_limit"`       // bytes
	SessionTimeout  int    `yaml:"session_timeout"`  // seconds
	CleanupInterval int    `yaml:"cleanup_interval"` // seconds
	WriteTimeout    int    `yaml:"write_timeout"`    // seconds
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// AudioConfig contains audio capture parameters
type AudioConfig struct {
	SampleRate     int     `yaml:"sample_rate"`
	Channels       int     `yaml:"channels"`
	ChunkSize      int     `yaml:"chunk_size"`      // samples per frame
	BufferDuration float64 `yaml:"buffer_duration"` // seconds
	DefaultSource  string  `yaml:"default_source"`  // microphone or system
	MicrophonePath string  `yaml:"microphone_path"`
	SystemPath     string  `yaml:"system_path"`
}

// SegmenterConfig contains speech segmentation parameters
type SegmenterConfig struct {
	VolumeThreshold  float64 `yaml:"volume_threshold"`  // percent, 0-100
	MinDuration      float64 `yaml:"min_duration"`      // seconds
	TargetDuration   float64 `yaml:"target_duration"`   // seconds
	MaxDuration      float64 `yaml:"max_duration"`      // seconds
	SilenceThreshold float64 `yaml:"silence_threshold"` // seconds
}

// ThrottleConfig contains per-category caption update rate limits
type ThrottleConfig struct {
	LanguageMS      int `yaml:"language_ms"`
	StatusMS        int `yaml:"status_ms"`
	TranscriptionMS int `yaml:"transcription_ms"`
}

// RecognitionConfig contains recognition service configuration
type RecognitionConfig struct {
	Endpoint      string `yaml:"endpoint"`
	EnhanceURL    string `yaml:"enhance_url"`
	APIKey        string `yaml:"api_key"`
	Model         string `yaml:"model"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	EnhanceAfter  int    `yaml:"enhance_after"` // milliseconds, 0 disables
}

// OverlayConfig contains overlay window configuration
type OverlayConfig struct {
	Enabled bool `yaml:"enabled"`
	X       int  `yaml:"x"`
	Y       int  `yaml:"y"`
	Width   int  `yaml:"width"`
	Height  int  `yaml:"height"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration with working defaults: stub recognition,
// synthetic audio source, one overlay window.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8765,
			BindAddress:     "0.0.0.0",
			MaxSessions:     32,
			ReadLimit:       1 << 20,
			SessionTimeout:  300,
			CleanupInterval: 30,
			WriteTimeout:    10,
		},
		HTTP: HTTPConfig{
			Port:    8766,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Audio: AudioConfig{
			SampleRate:     16000,
			Channels:       1,
			ChunkSize:      1024,
			BufferDuration: 1.0,
			DefaultSource:  "microphone",
		},
		Segmenter: SegmenterConfig{
			VolumeThreshold:  20.0,
			MinDuration:      2.0,
			TargetDuration:   5.0,
			MaxDuration:      15.0,
			SilenceThreshold: 1.5,
		},
		Throttle: ThrottleConfig{
			LanguageMS:      425,
			StatusMS:        85,
			TranscriptionMS: 40,
		},
		Recognition: RecognitionConfig{
			Timeout:       30,
			MaxRetries:    3,
			MaxConcurrent: 10,
			EnhanceAfter:  250,
		},
		Overlay: OverlayConfig{
			Enabled: true,
			Width:   800,
			Height:  140,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file. An empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Segmenter.Validate(); err != nil {
		return fmt.Errorf("segmenter config: %w", err)
	}

	if err := c.Throttle.Validate(); err != nil {
		return fmt.Errorf("throttle config: %w", err)
	}

	if err := c.Recognition.Validate(); err != nil {
		return fmt.Errorf("recognition config: %w", err)
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

	if s.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be at least 1, got %d", s.MaxSessions)
	}

	if s.ReadLimit < 1024 {
		return fmt.Errorf("read_limit must be at least 1024 bytes, got %d", s.ReadLimit)
	}

	if s.SessionTimeout < 1 {
		return fmt.Errorf("session_timeout must be at least 1 second, got %d", s.SessionTimeout)
	}

	if s.CleanupInterval < 1 {
		return fmt.Errorf("cleanup_interval must be at least 1 second, got %d", s.CleanupInterval)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", a.SampleRate)
	}

	if a.Channels != 1 && a.Channels != 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", a.Channels)
	}

	if a.ChunkSize < 128 || a.ChunkSize > 16384 {
		return fmt.Errorf("chunk_size must be between 128 and 16384 samples, got %d", a.ChunkSize)
	}

	if a.BufferDuration <= 0 {
		return fmt.Errorf("buffer_duration must be positive, got %f", a.BufferDuration)
	}

	if a.DefaultSource != "microphone" && a.DefaultSource != "system" {
		return fmt.Errorf("default_source must be 'microphone' or 'system', got '%s'", a.DefaultSource)
	}

	return nil
}

// Validate validates segmenter configuration. The duration bounds must be
// ordered: min <= target <= max.
func (s *SegmenterConfig) Validate() error {
	if s.VolumeThreshold < 0 || s.VolumeThreshold > 100 {
		return fmt.Errorf("volume_threshold must be between 0 and 100, got %f", s.VolumeThreshold)
	}

	if s.MinDuration <= 0 {
		return fmt.Errorf("min_duration must be positive, got %f", s.MinDuration)
	}

	if s.TargetDuration < s.MinDuration {
		return fmt.Errorf("target_duration (%f) must not be less than min_duration (%f)",
			s.TargetDuration, s.MinDuration)
	}

	if s.MaxDuration < s.TargetDuration {
		return fmt.Errorf("max_duration (%f) must not be less than target_duration (%f)",
			s.MaxDuration, s.TargetDuration)
	}

	if s.SilenceThreshold <= 0 {
		return fmt.Errorf("silence_threshold must be positive, got %f", s.SilenceThreshold)
	}

	return nil
}

// Validate validates throttle configuration
func (t *ThrottleConfig) Validate() error {
	if t.LanguageMS < 0 {
		return fmt.Errorf("language_ms cannot be negative, got %d", t.LanguageMS)
	}

	if t.StatusMS < 0 {
		return fmt.Errorf("status_ms cannot be negative, got %d", t.StatusMS)
	}

	if t.TranscriptionMS < 0 {
		return fmt.Errorf("transcription_ms cannot be negative, got %d", t.TranscriptionMS)
	}

	return nil
}

// Validate validates recognition configuration. An empty endpoint is valid
// and selects the offline stub engine.
func (r *RecognitionConfig) Validate() error {
	if r.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", r.Timeout)
	}

	if r.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", r.MaxRetries)
	}

	if r.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", r.MaxConcurrent)
	}

	if r.EnhanceAfter < 0 {
		return fmt.Errorf("enhance_after cannot be negative, got %d", r.EnhanceAfter)
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

	return nil
}

// GetSessionTimeoutDuration returns the session timeout as a time.Duration
func (s *ServerConfig) GetSessionTimeoutDuration() time.Duration {
	return time.Duration(s.SessionTimeout) * time.Second
}

// GetCleanupIntervalDuration returns the cleanup interval as a time.Duration
func (s *ServerConfig) GetCleanupIntervalDuration() time.Duration {
	return time.Duration(s.CleanupInterval) * time.Second
}

// GetWriteTimeoutDuration returns the write timeout as a time.Duration
func (s *ServerConfig) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// GetMinDuration returns the minimum segment duration as a time.Duration
func (s *SegmenterConfig) GetMinDuration() time.Duration {
	return time.Duration(s.MinDuration * float64(time.Second))
}

// GetTargetDuration returns the target segment duration as a time.Duration
func (s *SegmenterConfig) GetTargetDuration() time.Duration {
	return time.Duration(s.TargetDuration * float64(time.Second))
}

// GetMaxDuration returns the maximum segment duration as a time.Duration
func (s *SegmenterConfig) GetMaxDuration() time.Duration {
	return time.Duration(s.MaxDuration * float64(time.Second))
}

// GetSilenceThreshold returns the silence threshold as a time.Duration
func (s *SegmenterConfig) GetSilenceThreshold() time.Duration {
	return time.Duration(s.SilenceThreshold * float64(time.Second))
}

// GetLanguageInterval returns the language throttle as a time.Duration
func (t *ThrottleConfig) GetLanguageInterval() time.Duration {
	return time.Duration(t.LanguageMS) * time.Millisecond
}

// GetStatusInterval returns the status throttle as a time.Duration
func (t *ThrottleConfig) GetStatusInterval() time.Duration {
	return time.Duration(t.StatusMS) * time.Millisecond
}

// GetTranscriptionInterval returns the transcription throttle as a time.Duration
func (t *ThrottleConfig) GetTranscriptionInterval() time.Duration {
	return time.Duration(t.TranscriptionMS) * time.Millisecond
}

// GetTimeoutDuration returns the recognition timeout as a time.Duration
func (r *RecognitionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(r.Timeout) * time.Second
}

// GetEnhanceAfterDuration returns the enhancement delay as a time.Duration
func (r *RecognitionConfig) GetEnhanceAfterDuration() time.Duration {
	return time.Duration(r.EnhanceAfter) * time.Millisecond
}
