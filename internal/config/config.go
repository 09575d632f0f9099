package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Configuration errors.
var (
	ErrBaseURLRequired      = errors.New("TKG_BASE_URL environment variable is required")
	ErrInvalidBaseURL       = errors.New("base URL must be an absolute http(s) URL")
	ErrInvalidKeySize       = errors.New("encryption key must be 32 bytes")
	ErrUnknownStorageDriver = errors.New("unknown storage driver")
	ErrStorageDSNRequired   = errors.New("storage.dsn is required for the postgres driver")
	ErrStorageRedisRequired = errors.New("storage.redis_url is required for the redis driver")
)

// RunMode represents the application run mode.
type RunMode string

const (
	// RunModeDefault is the default production mode.
	RunModeDefault RunMode = ""
	// RunModeTest tees logs to a file and starts from empty storage.
	RunModeTest RunMode = "test"
)

// Storage drivers for the credential pair.
const (
	StorageMemory   = "memory"
	StorageFile     = "file"
	StorageRedis    = "redis"
	StoragePostgres = "postgres"
)

// StorageConfig selects where the credential pair is persisted.
type StorageConfig struct {
	// Driver is one of memory, file, redis, postgres.
	Driver string `koanf:"driver"`

	// Path is the credentials file for the file driver.
	Path string `koanf:"path"`

	// RedisURL is the redis:// URL for the redis driver.
	RedisURL string `koanf:"redis_url"`

	// DSN is the PostgreSQL DSN for the postgres driver.
	DSN string `koanf:"dsn"`
}

// Config holds the application configuration.
type Config struct {
	// BaseURL is the upstream API root every relative request path is appended to.
	BaseURL string `koanf:"base_url"`

	// RefreshPath is the refresh endpoint, relative to BaseURL.
	RefreshPath string `koanf:"refresh_path"`

	// LoginPath is the login endpoint, relative to BaseURL.
	LoginPath string `koanf:"login_path"`

	// Local REST API listen address.
	ListenAPI string `koanf:"listen_api"`

	// Timeout bounds every outbound call, refresh included.
	Timeout time.Duration `koanf:"timeout"`

	// MaxRefreshAttempts bounds how often one call is replayed. 0 means unbounded.
	MaxRefreshAttempts int `koanf:"max_refresh_attempts"`

	// Profile names the stored session, so several upstream accounts can coexist.
	Profile string `koanf:"profile"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Base64-encoded encryption key (alternative to KeyFile).
	Key string `koanf:"key"`

	// Path to file containing encryption key (alternative to Key).
	KeyFile string `koanf:"keyfile"`

	// ConfigFile path (not loaded from config, set via CLI).
	ConfigFile string `koanf:"-"`

	// Encryption key for persisted credentials (32 bytes).
	// Populated from Key or KeyFile after loading.
	EncryptionKey []byte `koanf:"-"`

	// RunMode controls test behaviours.
	RunMode RunMode `koanf:"run_mode"`

	// Storage holds credential persistence configuration.
	Storage StorageConfig `koanf:"storage"`
}

// Defaults.
const (
	DefaultRefreshPath = "/auth/refresh-token"
	DefaultLoginPath   = "/auth/login"
	DefaultTimeout     = 30 * time.Second
	DefaultProfile     = "default"
)

const expectedKeySize = 32

// Default key file constants.
const (
	defaultDirName     = ".tokengate"
	defaultKeyFileName = "key"
	defaultCredsName   = "credentials"
	defaultKeyDirPerm  = 0o700
	defaultKeyFilePerm = 0o600
)

// envPrefix is the prefix of every environment variable read by Load.
const envPrefix = "TKG_"

// defaultConfig returns a Config with default values.
func defaultConfig() Config {
	return Config{
		RefreshPath: DefaultRefreshPath,
		LoginPath:   DefaultLoginPath,
		ListenAPI:   ":8080",
		Timeout:     DefaultTimeout,
		Profile:     DefaultProfile,
		LogLevel:    "info",
		Storage: StorageConfig{
			Driver: StorageFile,
		},
	}
}

// LoadOptions configures how configuration is loaded.
type LoadOptions struct {
	// ConfigFile is the path to a config file (YAML, JSON, or TOML).
	ConfigFile string

	// EnvFile is a dotenv file loaded before reading the environment.
	// Empty means ".env" when present.
	EnvFile string
}

// koanfDelim is the delimiter used for nested config keys in koanf.
const koanfDelim = "."

// envTransform transforms environment variable names to koanf keys.
// TKG_BASE_URL -> base_url
// TKG_STORAGE_REDIS_URL -> storage.redis_url
func envTransform(k, v string) (string, any) {
	key := strings.ToLower(strings.TrimPrefix(k, envPrefix))
	// storage_* -> storage.*
	if strings.HasPrefix(key, "storage_") {
		return "storage." + strings.TrimPrefix(key, "storage_"), v
	}

	return key, v
}

func envProvider() *env.Env {
	return env.Provider(koanfDelim, env.Opt{
		Prefix:        envPrefix,
		TransformFunc: envTransform,
	})
}

// Load reads configuration from environment variables and optional config file.
// Priority order: CLI overrides > Environment variables > .env file > Config file > Defaults
func Load(opts LoadOptions, cliOverrides ...func(*Config)) (*Config, error) {
	k := koanf.New(koanfDelim)

	// 1. Load defaults
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. dotenv values only fill variables the environment does not already set
	if err := loadEnvFile(opts.EnvFile); err != nil {
		return nil, err
	}

	// 3. Determine config file path (CLI option takes precedence over TKG_CONFIG env var)
	configPath := opts.ConfigFile
	if configPath == "" {
		envK := koanf.New(koanfDelim)
		if err := envK.Load(envProvider(), nil); err == nil {
			configPath = envK.String("config")
		}
	}

	// 4. Load config file if specified
	if configPath != "" {
		if err := loadConfigFile(k, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// 5. Load environment variables (TKG_ prefix) - these override config file values
	if err := k.Load(envProvider(), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// 6. Apply CLI overrides (highest priority)
	for _, override := range cliOverrides {
		override(cfg)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	key, err := loadEncryptionKey(cfg.Key, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load encryption key: %w", err)
	}

	cfg.EncryptionKey = key

	if cfg.Storage.Driver == StorageFile && cfg.Storage.Path == "" {
		path, err := DefaultCredentialsPath(cfg.Profile)
		if err != nil {
			return nil, err
		}

		cfg.Storage.Path = path
	}

	return cfg, nil
}

// validate checks required fields and normalizes the paths.
func (c *Config) validate() error {
	if c.BaseURL == "" {
		return ErrBaseURLRequired
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidBaseURL, c.BaseURL)
	}

	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	c.RefreshPath = normalizePath(c.RefreshPath, DefaultRefreshPath)
	c.LoginPath = normalizePath(c.LoginPath, DefaultLoginPath)

	if c.Profile == "" {
		c.Profile = DefaultProfile
	}

	switch c.Storage.Driver {
	case StorageMemory, StorageFile:
	case StorageRedis:
		if c.Storage.RedisURL == "" {
			return ErrStorageRedisRequired
		}
	case StoragePostgres:
		if c.Storage.DSN == "" {
			return ErrStorageDSNRequired
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStorageDriver, c.Storage.Driver)
	}

	return nil
}

func loadEnvFile(path string) error {
	if path == "" {
		// A missing default .env is not an error.
		_ = godotenv.Load()
		return nil
	}

	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}

	return nil
}

// loadConfigFile loads configuration from a file based on its extension.
func loadConfigFile(k *koanf.Koanf, path string) error {
	var parser koanf.Parser

	switch {
	case strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml"):
		parser = yaml.Parser()
	case strings.HasSuffix(path, ".json"):
		parser = json.Parser()
	case strings.HasSuffix(path, ".toml"):
		parser = toml.Parser()
	default:
		// Default to YAML
		parser = yaml.Parser()
	}

	return k.Load(file.Provider(path), parser)
}

// ParseLogLevel maps a level name to a slog.Level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadEncryptionKey loads the encryption key from base64 string, file, or default location.
func loadEncryptionKey(keyStr, keyFile string) ([]byte, error) {
	// Try base64-encoded key first
	if keyStr != "" {
		key, err := base64.StdEncoding.DecodeString(keyStr)
		if err != nil {
			return nil, fmt.Errorf("failed to decode key: %w", err)
		}

		if len(key) != expectedKeySize {
			return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeySize, len(key))
		}

		return key, nil
	}

	// Try key file
	if keyFile != "" {
		key, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}

		if len(key) != expectedKeySize {
			return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeySize, len(key))
		}

		return key, nil
	}

	// Fall back to default key file (~/.tokengate/key)
	return loadOrCreateDefaultKey()
}

// DefaultKeyFilePath returns the path to the default key file (~/.tokengate/key).
func DefaultKeyFilePath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	return filepath.Join(homeDir, defaultDirName, defaultKeyFileName), nil
}

// DefaultCredentialsPath returns the credentials file of a profile (~/.tokengate/credentials/<profile>.json).
func DefaultCredentialsPath(profile string) (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	return filepath.Join(homeDir, defaultDirName, defaultCredsName, profile+".json"), nil
}

// loadOrCreateDefaultKey loads the key from the default location, creating it if necessary.
func loadOrCreateDefaultKey() ([]byte, error) {
	keyPath, err := DefaultKeyFilePath()
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(keyPath)
	if err == nil {
		keyStr := strings.TrimSpace(string(content))

		key, decodeErr := base64.StdEncoding.DecodeString(keyStr)
		if decodeErr != nil {
			return nil, fmt.Errorf("failed to decode key from %s: %w", keyPath, decodeErr)
		}

		if len(key) != expectedKeySize {
			return nil, fmt.Errorf("%w: got %d bytes from %s", ErrInvalidKeySize, len(key), keyPath)
		}

		return key, nil
	}

	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read key file %s: %w", keyPath, err)
	}

	return generateAndSaveDefaultKey(keyPath)
}

// generateAndSaveDefaultKey generates a new encryption key and saves it to the default location.
func generateAndSaveDefaultKey(keyPath string) ([]byte, error) {
	keyDir := filepath.Dir(keyPath)
	if err := os.MkdirAll(keyDir, defaultKeyDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", keyDir, err)
	}

	// Ensure directory has correct permissions
	if err := os.Chmod(keyDir, defaultKeyDirPerm); err != nil {
		return nil, fmt.Errorf("failed to set permissions on %s: %w", keyDir, err)
	}

	key := make([]byte, expectedKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}

	keyBase64 := base64.StdEncoding.EncodeToString(key)

	if err := os.WriteFile(keyPath, []byte(keyBase64+"\n"), defaultKeyFilePerm); err != nil {
		return nil, fmt.Errorf("failed to write key file %s: %w", keyPath, err)
	}

	slog.Warn("generated new encryption key",
		"path", keyPath,
		"warning", "losing this key means stored sessions cannot be recovered")

	return key, nil
}

// normalizePath ensures an endpoint path starts with "/" and falls back to def when empty.
func normalizePath(path, def string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return def
	}

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	return path
}
