package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Model       ModelConfig       `yaml:"model"`
	Convert     ConvertConfig     `yaml:"convert"`
	Inference   InferenceConfig   `yaml:"inference"`
	Scratch     ScratchConfig     `yaml:"scratch"`
	Logging     LoggingConfig     `yaml:"logging"`
	SilenceGate SilenceGateConfig `yaml:"silence_gate"`
}

type ServerConfig struct {
	Address      string `yaml:"address"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds
	MaxUploadMB  int    `yaml:"max_upload_mb"`
}

type ModelConfig struct {
	Name         string `yaml:"name"`
	Dir          string `yaml:"dir"`
	Language     string `yaml:"language"`
	Device       string `yaml:"device"`
	AutoDownload bool   `yaml:"auto_download"`
	WhisperPath  string `yaml:"whisper_path"`
}

type ConvertConfig struct {
	FFmpegPath    string `yaml:"ffmpeg_path"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxConcurrent int    `yaml:"max_concurrent"`
}

type InferenceConfig struct {
	Timeout    int `yaml:"timeout"` // seconds
	Workers    int `yaml:"workers"`
	QueueDepth int `yaml:"queue_depth"`
}

type ScratchConfig struct {
	Dir string `yaml:"dir"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type SilenceGateConfig struct {
	Enabled       bool    `yaml:"enabled"`
	ThresholdDBFS float64 `yaml:"threshold_dbfs"`
}

// Default returns the configuration used when no file or overrides are given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      "0.0.0.0",
			Port:         5000,
			ReadTimeout:  30,
			WriteTimeout: 300,
			MaxUploadMB:  64,
		},
		Model: ModelConfig{
			Name:         "base",
			Language:     "auto",
			Device:       "cpu",
			AutoDownload: true,
		},
		Convert: ConvertConfig{
			FFmpegPath:    "ffmpeg",
			Timeout:       60,
			MaxConcurrent: 4,
		},
		Inference: InferenceConfig{
			Timeout:    120,
			Workers:    1,
			QueueDepth: 8,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		SilenceGate: SilenceGateConfig{
			Enabled:       true,
			ThresholdDBFS: -65,
		},
	}
}

// Load reads the YAML file at path on top of defaults and applies
// VOXSERVE_* environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("VOXSERVE_ADDR"); v != "" {
		c.Server.Address = v
	}
	if v := getenv("VOXSERVE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := getenv("VOXSERVE_MODEL"); v != "" {
		c.Model.Name = v
	}
	if v := getenv("VOXSERVE_MODEL_DIR"); v != "" {
		c.Model.Dir = v
	}
	if v := getenv("VOXSERVE_DEVICE"); v != "" {
		c.Model.Device = v
	}
	if v := getenv("VOXSERVE_LANGUAGE"); v != "" {
		c.Model.Language = v
	}
	if v := getenv("VOXSERVE_WHISPER_PATH"); v != "" {
		c.Model.WhisperPath = v
	}
	if v := getenv("VOXSERVE_FFMPEG_PATH"); v != "" {
		c.Convert.FFmpegPath = v
	}
	if v := getenv("VOXSERVE_SCRATCH_DIR"); v != "" {
		c.Scratch.Dir = v
	}
	if v := getenv("VOXSERVE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks every section and reports the first violation.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Model.Validate(); err != nil {
		return fmt.Errorf("model config: %w", err)
	}
	if err := c.Convert.Validate(); err != nil {
		return fmt.Errorf("convert config: %w", err)
	}
	if err := c.Inference.Validate(); err != nil {
		return fmt.Errorf("inference config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

func (s ServerConfig) Validate() error {
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}
	if s.ReadTimeout <= 0 {
		return fmt.Errorf("read_timeout must be positive, got %d", s.ReadTimeout)
	}
	if s.WriteTimeout <= 0 {
		return fmt.Errorf("write_timeout must be positive, got %d", s.WriteTimeout)
	}
	if s.MaxUploadMB <= 0 {
		return fmt.Errorf("max_upload_mb must be positive, got %d", s.MaxUploadMB)
	}
	return nil
}

func (m ModelConfig) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	switch m.Device {
	case "cpu", "gpu":
	default:
		return fmt.Errorf("device must be cpu or gpu, got %q", m.Device)
	}
	return nil
}

func (c ConvertConfig) Validate() error {
	if c.FFmpegPath == "" {
		return fmt.Errorf("ffmpeg_path cannot be empty")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %d", c.Timeout)
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive, got %d", c.MaxConcurrent)
	}
	return nil
}

func (i InferenceConfig) Validate() error {
	if i.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %d", i.Timeout)
	}
	if i.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", i.Workers)
	}
	if i.QueueDepth <= 0 {
		return fmt.Errorf("queue_depth must be positive, got %d", i.QueueDepth)
	}
	return nil
}

func (l LoggingConfig) Validate() error {
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("level must be debug, info, warn, or error, got %q", l.Level)
	}
	switch l.Format {
	case "console", "json":
	default:
		return fmt.Errorf("format must be console or json, got %q", l.Format)
	}
	return nil
}

func (s ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.Address, s.Port)
}

func (s ServerConfig) MaxUploadBytes() int64 {
	return int64(s.MaxUploadMB) << 20
}

func (c ConvertConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

func (i InferenceConfig) TimeoutDuration() time.Duration {
	return time.Duration(i.Timeout) * time.Second
}
