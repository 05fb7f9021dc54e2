// Package config loads the sync tunables from a YAML file, a .env file and
// VSYNC_* environment variables, in that order of precedence.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ghodss/yaml"
	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/chmdznr/oss-volume-to-minio-sync/internal/discovery"
	"github.com/chmdznr/oss-volume-to-minio-sync/internal/transfer"
)

// DefaultPath is where Load looks when no path is given.
const DefaultPath = "~/.config/vsync/config.yaml"

const envPrefix = "VSYNC_"

// Duration is a time.Duration that unmarshals from strings such as "10s".
type Duration struct {
	time.Duration
}

// UnmarshalJSON accepts a Go duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Config holds the tunables of a sync run.
type Config struct {
	DataDir string `json:"data_dir"`

	ParallelUploads int      `json:"parallel_uploads"`
	QueueSize       int      `json:"queue_size"`
	RetryAttempts   int      `json:"retry_attempts"`
	RetryDelay      Duration `json:"retry_delay"`
	MaxRetryDelay   Duration `json:"max_retry_delay"`
	ChunkSizeMB     int64    `json:"chunk_size_mb"`
	ChunkTimeout    Duration `json:"chunk_timeout"`
	MaxFileSizeMB   int64    `json:"max_file_size_mb"`

	SessionTimeout Duration `json:"session_timeout"`
	PollInterval   Duration `json:"poll_interval"`

	AudioExtensions []string `json:"audio_extensions"`
	ExcludeFolders  []string `json:"exclude_folders"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
	LogFile   string `json:"log_file"`

	MetricsAddr         string `json:"metrics_addr"`
	NotificationEnabled bool   `json:"notification_enabled"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	tc := transfer.DefaultConfig()
	return Config{
		DataDir:             "data",
		ParallelUploads:     tc.ParallelUploads,
		QueueSize:           tc.QueueSize,
		RetryAttempts:       tc.RetryAttempts,
		RetryDelay:          Duration{tc.RetryDelay},
		MaxRetryDelay:       Duration{tc.MaxRetryDelay},
		ChunkSizeMB:         tc.ChunkSize >> 20,
		ChunkTimeout:        Duration{tc.ChunkTimeout},
		MaxFileSizeMB:       500,
		PollInterval:        Duration{5 * time.Second},
		AudioExtensions:     append([]string(nil), discovery.DefaultExtensions...),
		ExcludeFolders:      append([]string(nil), discovery.DefaultExcludeFolders...),
		LogLevel:            "info",
		LogFormat:           "text",
		NotificationEnabled: true,
	}
}

// Load reads the YAML file at path on top of the defaults, then applies
// environment overrides. A missing file is not an error; an empty path means
// DefaultPath.
func Load(fs afero.Fs, path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath
	}
	path, err := homedir.Expand(path)
	if err != nil {
		return cfg, fmt.Errorf("expand config path: %w", err)
	}

	configBytes, err := afero.ReadFile(fs, path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := parse(configBytes, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are ignored; variables already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func parse(configBytes []byte, cfg *Config) error {
	jsonBytes, err := yaml.YAMLToJSON(configBytes)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(strings.NewReader(string(jsonBytes)))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

func (c *Config) applyEnv() error {
	var err error
	if c.ParallelUploads, err = getEnvAsInt("PARALLEL_UPLOADS", c.ParallelUploads); err != nil {
		return err
	}
	if c.QueueSize, err = getEnvAsInt("QUEUE_SIZE", c.QueueSize); err != nil {
		return err
	}
	if c.RetryAttempts, err = getEnvAsInt("RETRY_ATTEMPTS", c.RetryAttempts); err != nil {
		return err
	}
	chunk, err := getEnvAsInt("CHUNK_SIZE_MB", int(c.ChunkSizeMB))
	if err != nil {
		return err
	}
	c.ChunkSizeMB = int64(chunk)
	maxSize, err := getEnvAsInt("MAX_FILE_SIZE_MB", int(c.MaxFileSizeMB))
	if err != nil {
		return err
	}
	c.MaxFileSizeMB = int64(maxSize)

	for key, d := range map[string]*Duration{
		"RETRY_DELAY":     &c.RetryDelay,
		"MAX_RETRY_DELAY": &c.MaxRetryDelay,
		"CHUNK_TIMEOUT":   &c.ChunkTimeout,
		"SESSION_TIMEOUT": &c.SessionTimeout,
		"POLL_INTERVAL":   &c.PollInterval,
	} {
		if d.Duration, err = getEnvAsDuration(key, d.Duration); err != nil {
			return err
		}
	}

	c.DataDir = getEnv("DATA_DIR", c.DataDir)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.LogFile = getEnv("LOG_FILE", c.LogFile)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
	return nil
}

// Validate rejects settings the scheduler cannot run with.
func (c Config) Validate() error {
	if c.ParallelUploads <= 0 {
		return fmt.Errorf("parallel_uploads must be positive, got %d", c.ParallelUploads)
	}
	if c.RetryAttempts <= 0 {
		return fmt.Errorf("retry_attempts must be positive, got %d", c.RetryAttempts)
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("queue_size must not be negative, got %d", c.QueueSize)
	}
	if c.ChunkSizeMB<<20 < transfer.MinChunkSize {
		return fmt.Errorf("chunk_size_mb must be at least %d, got %d", transfer.MinChunkSize>>20, c.ChunkSizeMB)
	}
	if c.RetryDelay.Duration < 0 || c.ChunkTimeout.Duration < 0 || c.SessionTimeout.Duration < 0 {
		return errors.New("durations must not be negative")
	}
	if c.MaxFileSizeMB < 0 {
		return fmt.Errorf("max_file_size_mb must not be negative, got %d", c.MaxFileSizeMB)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// MaxFileSize is the per-file ceiling in bytes; zero disables it.
func (c Config) MaxFileSize() int64 {
	return c.MaxFileSizeMB << 20
}

// TransferConfig maps the tunables onto the scheduler configuration.
func (c Config) TransferConfig() transfer.Config {
	return transfer.Config{
		ParallelUploads: c.ParallelUploads,
		QueueSize:       c.QueueSize,
		RetryAttempts:   c.RetryAttempts,
		RetryDelay:      c.RetryDelay.Duration,
		MaxRetryDelay:   c.MaxRetryDelay.Duration,
		ChunkSize:       c.ChunkSizeMB << 20,
		ChunkTimeout:    c.ChunkTimeout.Duration,
	}
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(envPrefix + key); ok && value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(envPrefix + key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s%s: expected an integer, got '%s'", envPrefix, key, valueStr)
	}
	return value, nil
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := os.Getenv(envPrefix + key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s%s: expected a duration, got '%s'", envPrefix, key, valueStr)
	}
	return value, nil
}
