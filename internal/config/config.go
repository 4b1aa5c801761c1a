package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	RemoteBaseURL   string `yaml:"remote_base_url"`
	RemoteAuthToken string `yaml:"remote_auth_token"`
	DBPath          string `yaml:"db_path"`
	APIAddr         string `yaml:"api_addr"`
	LogLevel        string `yaml:"log_level"`
	LogFormat       string `yaml:"log_format"`
	LogFile         string `yaml:"log_file"`
	CacheMaxNotes   int    `yaml:"cache_max_notes"`

	Sync SyncConfig `yaml:"sync"`
}

// SyncConfig tunes the synchronization engine.
type SyncConfig struct {
	PageSize       int           `yaml:"page_size"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	// Interval between periodic runs of the serve command. Zero disables them.
	Interval time.Duration `yaml:"interval"`
}

// Defaults returns the configuration used for every key that is not set.
func Defaults() *Config {
	return &Config{
		DBPath:        "./data/notesync.db",
		APIAddr:       ":9000",
		LogLevel:      "info",
		LogFormat:     "text",
		CacheMaxNotes: 1000,
		Sync: SyncConfig{
			PageSize:       100,
			CallTimeout:    30 * time.Second,
			MaxAttempts:    5,
			BackoffInitial: time.Second,
			BackoffMax:     time.Minute,
		},
	}
}

// Load reads configuration and returns a Config struct.
// Values come from, in increasing precedence: built-in defaults, the YAML
// file named by NOTESYNC_CONFIG, and environment variables.
// If a .env file exists in the current directory or a parent directory, it
// is loaded first; variables already set take precedence over it.
func Load() (*Config, error) {
	loadDotEnv()

	cfg := Defaults()
	if path := os.Getenv("NOTESYNC_CONFIG"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Create the database directory if it doesn't exist
	dataDir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return cfg, nil
}

// Validate checks required fields and ranges.
func (c *Config) Validate() error {
	if c.RemoteBaseURL == "" {
		return fmt.Errorf("REMOTE_BASE_URL is required")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	if c.CacheMaxNotes <= 0 {
		return fmt.Errorf("CACHE_MAX_NOTES must be greater than 0")
	}
	if c.Sync.PageSize <= 0 {
		return fmt.Errorf("SYNC_PAGE_SIZE must be greater than 0")
	}
	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("SYNC_MAX_ATTEMPTS must be greater than 0")
	}
	if c.Sync.CallTimeout <= 0 || c.Sync.BackoffInitial <= 0 {
		return fmt.Errorf("SYNC_CALL_TIMEOUT and SYNC_BACKOFF_INITIAL must be positive")
	}
	if c.Sync.BackoffMax < c.Sync.BackoffInitial {
		return fmt.Errorf("SYNC_BACKOFF_MAX must not be below SYNC_BACKOFF_INITIAL")
	}
	if c.Sync.Interval < 0 {
		return fmt.Errorf("SYNC_INTERVAL must not be negative")
	}
	return nil
}

// loadDotEnv loads .env from the working directory or the closest parent
// holding one. Errors are ignored: the file is optional.
func loadDotEnv() {
	wd, err := os.Getwd()
	if err != nil {
		return
	}
	dir := wd
	for i := 0; i < 5; i++ { // Limit search depth
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return // Reached filesystem root
		}
		dir = parent
	}
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.RemoteBaseURL = getEnv("REMOTE_BASE_URL", cfg.RemoteBaseURL)
	cfg.RemoteAuthToken = getEnv("REMOTE_AUTH_TOKEN", cfg.RemoteAuthToken)
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)
	cfg.APIAddr = getEnv("API_ADDR", cfg.APIAddr)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.LogFile = getEnv("LOG_FILE", cfg.LogFile)

	ints := []struct {
		key string
		dst *int
	}{
		{"CACHE_MAX_NOTES", &cfg.CacheMaxNotes},
		{"SYNC_PAGE_SIZE", &cfg.Sync.PageSize},
		{"SYNC_MAX_ATTEMPTS", &cfg.Sync.MaxAttempts},
	}
	for _, v := range ints {
		s := os.Getenv(v.key)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("%s must be a valid integer: %w", v.key, err)
		}
		*v.dst = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SYNC_CALL_TIMEOUT", &cfg.Sync.CallTimeout},
		{"SYNC_BACKOFF_INITIAL", &cfg.Sync.BackoffInitial},
		{"SYNC_BACKOFF_MAX", &cfg.Sync.BackoffMax},
		{"SYNC_INTERVAL", &cfg.Sync.Interval},
	}
	for _, v := range durations {
		s := os.Getenv(v.key)
		if s == "" {
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("%s must be a valid duration: %w", v.key, err)
		}
		*v.dst = d
	}
	return nil
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
