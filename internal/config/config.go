package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrUnknownKey is returned by Set for keys outside the known sections.
var ErrUnknownKey = errors.New("unknown config key")

// Config represents the complete cowcow configuration
type Config struct {
	API     APIConfig     `yaml:"api"`
	Storage StorageConfig `yaml:"storage"`
	Audio   AudioConfig   `yaml:"audio"`
	Upload  UploadConfig  `yaml:"upload"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// APIConfig contains collection service configuration
type APIConfig struct {
	Endpoint string `yaml:"endpoint"`
	Timeout  int    `yaml:"timeout"` // seconds
}

// StorageConfig contains local storage configuration
type StorageConfig struct {
	DataDir    string `yaml:"data_dir"`
	AutoUpload bool   `yaml:"auto_upload"`
}

// AudioConfig contains capture and quality gate parameters
type AudioConfig struct {
	SampleRate     int     `yaml:"sample_rate"`
	Channels       int     `yaml:"channels"`
	MinSNRDB       float64 `yaml:"min_snr_db"`
	MaxClippingPct float64 `yaml:"max_clipping_pct"`
	MinVADRatio    float64 `yaml:"min_vad_ratio"`
	SilenceTimeout float64 `yaml:"silence_timeout"` // seconds
	QueueCapacity  int     `yaml:"queue_capacity"`  // chunks
	PollIntervalMS int     `yaml:"poll_interval_ms"`
	FFmpegCommand  string  `yaml:"ffmpeg_command"`
	InputFormat    string  `yaml:"input_format"`
	InputDevice    string  `yaml:"input_device"`
}

// UploadConfig contains retry configuration
type UploadConfig struct {
	MaxRetries int     `yaml:"max_retries"`
	RetryDelay float64 `yaml:"retry_delay"` // seconds
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig contains metrics export configuration
type MetricsConfig struct {
	// Textfile is a node_exporter textfile path; empty disables export.
	Textfile string `yaml:"textfile"`
}

// Default returns the configuration written on first run
func Default() *Config {
	return &Config{
		API: APIConfig{
			Endpoint: "http://localhost:8000",
			Timeout:  30,
		},
		Storage: StorageConfig{
			DataDir:    "~/.cowcow",
			AutoUpload: false,
		},
		Audio: AudioConfig{
			SampleRate:     16000,
			Channels:       1,
			MinSNRDB:       20,
			MaxClippingPct: 1.0,
			MinVADRatio:    80,
			SilenceTimeout: 5.0,
			QueueCapacity:  32,
			PollIntervalMS: 10,
			FFmpegCommand:  "ffmpeg",
			InputFormat:    "pulse",
			InputDevice:    "default",
		},
		Upload: UploadConfig{
			MaxRetries: 3,
			RetryDelay: 2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// DefaultPath returns ~/.cowcow/config.yaml
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".cowcow", "config.yaml"), nil
}

// Load reads and parses the configuration file. A missing file is created
// with the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		config := Default()
		if err := config.Save(path); err != nil {
			return nil, err
		}
		return config, nil
	}
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

// Save writes the configuration as YAML, creating parent directories
func (c *Config) Save(path string) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}

// Marshal returns the YAML form of the configuration
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return data, nil
}

// Reset overwrites the file at path with the defaults
func Reset(path string) (*Config, error) {
	config := Default()
	if err := config.Save(path); err != nil {
		return nil, err
	}
	return config, nil
}

// Set updates one dotted key such as "audio.min_snr_db". The value is parsed
// as a YAML scalar and the result must validate.
func (c *Config) Set(key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok || section == "" || field == "" {
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	var tree map[string]map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}

	fields, ok := tree[section]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	if _, ok := fields[field]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}

	var parsed any
	if err := yaml.Unmarshal([]byte(value), &parsed); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	fields[field] = parsed

	data, err = yaml.Marshal(tree)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	updated := Default()
	if err := yaml.Unmarshal(data, updated); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if err := updated.Validate(); err != nil {
		return err
	}

	*c = *updated
	return nil
}

// Keys lists every settable dotted key in sorted order
func (c *Config) Keys() []string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil
	}
	var tree map[string]map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil
	}

	var keys []string
	for section, fields := range tree {
		for field := range fields {
			keys = append(keys, section+"."+field)
		}
	}
	sort.Strings(keys)
	return keys
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Upload.Validate(); err != nil {
		return fmt.Errorf("upload config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates API configuration
func (a *APIConfig) Validate() error {
	u, err := url.Parse(a.Endpoint)
	if err != nil || a.Endpoint == "" {
		return fmt.Errorf("endpoint must be a valid URL, got '%s'", a.Endpoint)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint must use http or https, got '%s'", a.Endpoint)
	}

	if u.Host == "" {
		return fmt.Errorf("endpoint must include a host, got '%s'", a.Endpoint)
	}

	if a.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", a.Timeout)
	}

	return nil
}

// Validate validates storage configuration
func (s *StorageConfig) Validate() error {
	if s.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	switch a.SampleRate {
	case 8000, 16000, 32000, 48000:
	default:
		return fmt.Errorf("sample_rate must be one of [8000, 16000, 32000, 48000], got %d", a.SampleRate)
	}

	if a.Channels < 1 {
		return fmt.Errorf("channels must be at least 1, got %d", a.Channels)
	}

	if a.MaxClippingPct < 0 || a.MaxClippingPct > 100 {
		return fmt.Errorf("max_clipping_pct must be between 0 and 100, got %f", a.MaxClippingPct)
	}

	if a.MinVADRatio < 0 || a.MinVADRatio > 100 {
		return fmt.Errorf("min_vad_ratio must be between 0 and 100, got %f", a.MinVADRatio)
	}

	if a.SilenceTimeout <= 0 {
		return fmt.Errorf("silence_timeout must be positive, got %f", a.SilenceTimeout)
	}

	if a.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be at least 1, got %d", a.QueueCapacity)
	}

	if a.PollIntervalMS < 1 {
		return fmt.Errorf("poll_interval_ms must be at least 1, got %d", a.PollIntervalMS)
	}

	if a.FFmpegCommand == "" {
		return fmt.Errorf("ffmpeg_command cannot be empty")
	}

	return nil
}

// Validate validates upload configuration
func (u *UploadConfig) Validate() error {
	if u.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", u.MaxRetries)
	}

	if u.RetryDelay < 0 {
		return fmt.Errorf("retry_delay cannot be negative, got %f", u.RetryDelay)
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

	// Anything other than stdout or stderr is a file path.
	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	return nil
}

// GetTimeoutDuration returns the API timeout as a time.Duration
func (a *APIConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(a.Timeout) * time.Second
}

// GetSilenceTimeoutDuration returns the silence timeout as a time.Duration
func (a *AudioConfig) GetSilenceTimeoutDuration() time.Duration {
	return time.Duration(a.SilenceTimeout * float64(time.Second))
}

// GetPollIntervalDuration returns the handoff poll interval as a time.Duration
func (a *AudioConfig) GetPollIntervalDuration() time.Duration {
	return time.Duration(a.PollIntervalMS) * time.Millisecond
}

// GetRetryDelayDuration returns the base retry delay as a time.Duration
func (u *UploadConfig) GetRetryDelayDuration() time.Duration {
	return time.Duration(u.RetryDelay * float64(time.Second))
}

// ResolveDataDir returns data_dir with a leading ~ expanded
func (s *StorageConfig) ResolveDataDir() (string, error) {
	dir := s.DataDir
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	return dir, nil
}

// Paths are the files and directories derived from data_dir
type Paths struct {
	DataDir     string
	Recordings  string
	Database    string
	Credentials string
}

// Paths resolves the storage layout under data_dir
func (c *Config) Paths() (Paths, error) {
	dir, err := c.Storage.ResolveDataDir()
	if err != nil {
		return Paths{}, err
	}
	return Paths{
		DataDir:     dir,
		Recordings:  filepath.Join(dir, "recordings"),
		Database:    filepath.Join(dir, "cowcow.db"),
		Credentials: filepath.Join(dir, "credentials.json"),
	}, nil
}
