package config

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// clearEnvVars unsets all TKG_ environment variables, points HOME at a temp dir
// and uses t.Cleanup for restoration.
func clearEnvVars(t *testing.T) {
	t.Helper()

	envVars := []string{
		"TKG_BASE_URL", "TKG_REFRESH_PATH", "TKG_LOGIN_PATH",
		"TKG_KEY", "TKG_KEYFILE", "TKG_LISTEN_API", "TKG_CONFIG",
		"TKG_TIMEOUT", "TKG_PROFILE", "TKG_LOG_LEVEL", "TKG_RUN_MODE",
		"TKG_MAX_REFRESH_ATTEMPTS",
		"TKG_STORAGE_DRIVER", "TKG_STORAGE_PATH", "TKG_STORAGE_REDIS_URL", "TKG_STORAGE_DSN",
	}

	// Store original values and unset
	originals := make(map[string]string)
	for _, key := range envVars {
		if val, ok := os.LookupEnv(key); ok {
			originals[key] = val
		}
		_ = os.Unsetenv(key)
	}

	t.Cleanup(func() {
		for _, key := range envVars {
			if val, ok := originals[key]; ok {
				_ = os.Setenv(key, val)
			} else {
				_ = os.Unsetenv(key)
			}
		}
	})

	// Keep generated keys and credential files out of the real home directory
	t.Setenv("HOME", t.TempDir())
}

func testKeyBase64() string {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	return base64.StdEncoding.EncodeToString(key)
}

func TestLoad(t *testing.T) {
	// Note: Can't use t.Parallel() since we manipulate environment variables
	validKeyBase64 := testKeyBase64()

	tests := []struct {
		name    string
		envVars map[string]string
		wantErr error
	}{
		{
			name: "valid config with TKG_KEY",
			envVars: map[string]string{
				"TKG_BASE_URL":   "https://api.example.com",
				"TKG_KEY":        validKeyBase64,
				"TKG_LISTEN_API": ":8080",
			},
			wantErr: nil,
		},
		{
			name: "missing base URL",
			envVars: map[string]string{
				"TKG_KEY": validKeyBase64,
			},
			wantErr: ErrBaseURLRequired,
		},
		{
			name: "relative base URL",
			envVars: map[string]string{
				"TKG_BASE_URL": "/api",
				"TKG_KEY":      validKeyBase64,
			},
			wantErr: ErrInvalidBaseURL,
		},
		{
			name: "auto-generated key when none provided",
			envVars: map[string]string{
				"TKG_BASE_URL": "https://api.example.com",
			},
			wantErr: nil,
		},
		{
			name: "invalid key size",
			envVars: map[string]string{
				"TKG_BASE_URL": "https://api.example.com",
				"TKG_KEY":      base64.StdEncoding.EncodeToString([]byte("short")),
			},
			wantErr: ErrInvalidKeySize,
		},
		{
			name: "unknown storage driver",
			envVars: map[string]string{
				"TKG_BASE_URL":       "https://api.example.com",
				"TKG_KEY":            validKeyBase64,
				"TKG_STORAGE_DRIVER": "etcd",
			},
			wantErr: ErrUnknownStorageDriver,
		},
		{
			name: "postgres driver without DSN",
			envVars: map[string]string{
				"TKG_BASE_URL":       "https://api.example.com",
				"TKG_KEY":            validKeyBase64,
				"TKG_STORAGE_DRIVER": "postgres",
			},
			wantErr: ErrStorageDSNRequired,
		},
		{
			name: "redis driver without URL",
			envVars: map[string]string{
				"TKG_BASE_URL":       "https://api.example.com",
				"TKG_KEY":            validKeyBase64,
				"TKG_STORAGE_DRIVER": "redis",
			},
			wantErr: ErrStorageRedisRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnvVars(t)

			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := Load(LoadOptions{})

			if tt.wantErr != nil {
				if err == nil {
					t.Errorf("Load() expected error %v, got nil", tt.wantErr)
					return
				}
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Load() error = %v, want %v", err, tt.wantErr)
				}
				return
			}

			if err != nil {
				t.Errorf("Load() unexpected error = %v", err)
				return
			}

			if cfg.BaseURL != tt.envVars["TKG_BASE_URL"] {
				t.Errorf("Load() BaseURL = %v, want %v", cfg.BaseURL, tt.envVars["TKG_BASE_URL"])
			}

			if len(cfg.EncryptionKey) != 32 {
				t.Errorf("Load() EncryptionKey length = %d, want 32", len(cfg.EncryptionKey))
			}
		})
	}
}

func TestLoadWithKeyFile(t *testing.T) {
	// Note: Can't use t.Parallel() since we manipulate environment variables
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	tmpDir := t.TempDir()
	keyFile := filepath.Join(tmpDir, "keyfile")
	if err := os.WriteFile(keyFile, key, 0o600); err != nil {
		t.Fatalf("Failed to write key file: %v", err)
	}

	clearEnvVars(t)
	t.Setenv("TKG_BASE_URL", "https://api.example.com")
	t.Setenv("TKG_KEYFILE", keyFile)

	cfg, err := Load(LoadOptions{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	for i := range key {
		if cfg.EncryptionKey[i] != key[i] {
			t.Errorf("Load() EncryptionKey[%d] = %d, want %d", i, cfg.EncryptionKey[i], key[i])
		}
	}
}

func TestDefaultValues(t *testing.T) {
	// Note: Can't use t.Parallel() since we manipulate environment variables
	clearEnvVars(t)
	t.Setenv("TKG_BASE_URL", "https://api.example.com/")
	t.Setenv("TKG_KEY", testKeyBase64())

	cfg, err := Load(LoadOptions{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BaseURL != "https://api.example.com" {
		t.Errorf("Load() BaseURL = %v, want trailing slash trimmed", cfg.BaseURL)
	}

	if cfg.ListenAPI != ":8080" {
		t.Errorf("Load() ListenAPI = %v, want :8080", cfg.ListenAPI)
	}

	if cfg.RefreshPath != DefaultRefreshPath {
		t.Errorf("Load() RefreshPath = %v, want %v", cfg.RefreshPath, DefaultRefreshPath)
	}

	if cfg.LoginPath != DefaultLoginPath {
		t.Errorf("Load() LoginPath = %v, want %v", cfg.LoginPath, DefaultLoginPath)
	}

	if cfg.Timeout != DefaultTimeout {
		t.Errorf("Load() Timeout = %v, want %v", cfg.Timeout, DefaultTimeout)
	}

	if cfg.MaxRefreshAttempts != 0 {
		t.Errorf("Load() MaxRefreshAttempts = %v, want 0 (unbounded)", cfg.MaxRefreshAttempts)
	}

	if cfg.Storage.Driver != StorageFile {
		t.Errorf("Load() Storage.Driver = %v, want %v", cfg.Storage.Driver, StorageFile)
	}

	home, _ := os.UserHomeDir()
	wantPath := filepath.Join(home, ".tokengate", "credentials", "default.json")
	if cfg.Storage.Path != wantPath {
		t.Errorf("Load() Storage.Path = %v, want %v", cfg.Storage.Path, wantPath)
	}
}

func TestLoadNestedStorageFromEnv(t *testing.T) {
	// Note: Can't use t.Parallel() since we manipulate environment variables
	clearEnvVars(t)
	t.Setenv("TKG_BASE_URL", "https://api.example.com")
	t.Setenv("TKG_KEY", testKeyBase64())
	t.Setenv("TKG_STORAGE_DRIVER", "redis")
	t.Setenv("TKG_STORAGE_REDIS_URL", "redis://localhost:6379/2")
	t.Setenv("TKG_TIMEOUT", "5s")
	t.Setenv("TKG_MAX_REFRESH_ATTEMPTS", "3")
	t.Setenv("TKG_REFRESH_PATH", "v2/refresh")

	cfg, err := Load(LoadOptions{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Storage.RedisURL != "redis://localhost:6379/2" {
		t.Errorf("Load() Storage.RedisURL = %v", cfg.Storage.RedisURL)
	}

	if cfg.Storage.Path != "" {
		t.Errorf("Load() Storage.Path = %v, want empty for redis", cfg.Storage.Path)
	}

	if cfg.Timeout != 5*time.Second {
		t.Errorf("Load() Timeout = %v, want 5s", cfg.Timeout)
	}

	if cfg.MaxRefreshAttempts != 3 {
		t.Errorf("Load() MaxRefreshAttempts = %v, want 3", cfg.MaxRefreshAttempts)
	}

	if cfg.RefreshPath != "/v2/refresh" {
		t.Errorf("Load() RefreshPath = %v, want /v2/refresh", cfg.RefreshPath)
	}
}

//nolint:paralleltest // Can't use t.Parallel() since we manipulate environment variables
func TestLoadWithConfigFile(t *testing.T) {
	tmpDir := t.TempDir()

	files := map[string]string{
		"config.yaml": `
base_url: https://yaml.example.com
key: ` + testKeyBase64() + `
listen_api: ":9000"
storage:
  driver: memory
`,
		"config.json": `{"base_url":"https://json.example.com","key":"` + testKeyBase64() + `","listen_api":":9000","storage":{"driver":"memory"}}`,
		"config.toml": `
base_url = "https://toml.example.com"
key = "` + testKeyBase64() + `"
listen_api = ":9000"

[storage]
driver = "memory"
`,
	}

	wantBase := map[string]string{
		"config.yaml": "https://yaml.example.com",
		"config.json": "https://json.example.com",
		"config.toml": "https://toml.example.com",
	}

	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			configFile := filepath.Join(tmpDir, name)
			if err := os.WriteFile(configFile, []byte(content), 0o600); err != nil {
				t.Fatalf("Failed to write config file: %v", err)
			}

			clearEnvVars(t)

			cfg, err := Load(LoadOptions{ConfigFile: configFile})
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}

			if cfg.BaseURL != wantBase[name] {
				t.Errorf("Load() BaseURL = %v, want %v", cfg.BaseURL, wantBase[name])
			}

			if cfg.ListenAPI != ":9000" {
				t.Errorf("Load() ListenAPI = %v, want :9000", cfg.ListenAPI)
			}

			if cfg.Storage.Driver != StorageMemory {
				t.Errorf("Load() Storage.Driver = %v, want memory", cfg.Storage.Driver)
			}
		})
	}
}

func TestLoadWithEnvFile(t *testing.T) {
	// Note: Can't use t.Parallel() since we manipulate environment variables
	clearEnvVars(t)

	envFile := filepath.Join(t.TempDir(), "tokengate.env")
	content := "TKG_BASE_URL=https://dotenv.example.com\nTKG_KEY=" + testKeyBase64() + "\nTKG_PROFILE=staging\n"
	if err := os.WriteFile(envFile, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write env file: %v", err)
	}

	// The real environment wins over the dotenv file
	t.Setenv("TKG_PROFILE", "prod")

	cfg, err := Load(LoadOptions{EnvFile: envFile})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BaseURL != "https://dotenv.example.com" {
		t.Errorf("Load() BaseURL = %v, want https://dotenv.example.com", cfg.BaseURL)
	}

	if cfg.Profile != "prod" {
		t.Errorf("Load() Profile = %v, want prod (environment)", cfg.Profile)
	}
}

func TestLoadWithMissingEnvFile(t *testing.T) {
	// Note: Can't use t.Parallel() since we manipulate environment variables
	clearEnvVars(t)

	_, err := Load(LoadOptions{EnvFile: filepath.Join(t.TempDir(), "missing.env")})
	if err == nil {
		t.Fatal("Load() expected error for missing env file")
	}
}

func TestLoadWithCLIOverrides(t *testing.T) {
	// Note: Can't use t.Parallel() since we manipulate environment variables
	clearEnvVars(t)
	t.Setenv("TKG_BASE_URL", "https://env.example.com")
	t.Setenv("TKG_KEY", testKeyBase64())
	t.Setenv("TKG_LISTEN_API", ":5555")

	cfg, err := Load(LoadOptions{}, func(c *Config) {
		c.ListenAPI = ":7777"
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// CLI override should take precedence
	if cfg.ListenAPI != ":7777" {
		t.Errorf("Load() ListenAPI = %v, want :7777 (CLI override)", cfg.ListenAPI)
	}

	// Env var should still be used for other values
	if cfg.BaseURL != "https://env.example.com" {
		t.Errorf("Load() BaseURL = %v, want https://env.example.com", cfg.BaseURL)
	}
}

func TestLoadPriorityOrder(t *testing.T) {
	// Note: Can't use t.Parallel() since we manipulate environment variables
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")
	configContent := `
base_url: https://config.example.com
key: ` + testKeyBase64() + `
listen_api: ":9000"
profile: from-file
`
	if err := os.WriteFile(configFile, []byte(configContent), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	clearEnvVars(t)
	t.Setenv("TKG_LISTEN_API", ":5555")
	t.Setenv("TKG_CONFIG", configFile)

	cfg, err := Load(LoadOptions{}, func(c *Config) {
		c.Profile = "from-cli"
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Env var overrides config file
	if cfg.ListenAPI != ":5555" {
		t.Errorf("Load() ListenAPI = %v, want :5555 (env override)", cfg.ListenAPI)
	}

	// CLI overrides config file
	if cfg.Profile != "from-cli" {
		t.Errorf("Load() Profile = %v, want from-cli", cfg.Profile)
	}

	// Config file value (not overridden), found through TKG_CONFIG
	if cfg.BaseURL != "https://config.example.com" {
		t.Errorf("Load() BaseURL = %v, want https://config.example.com (config file)", cfg.BaseURL)
	}

	if cfg.Storage.Path != filepath.Join(os.Getenv("HOME"), ".tokengate", "credentials", "from-cli.json") {
		t.Errorf("Load() Storage.Path = %v, want per-profile default", cfg.Storage.Path)
	}
}

func TestDefaultKeyFilePath(t *testing.T) {
	t.Parallel()

	path, err := DefaultKeyFilePath()
	if err != nil {
		t.Fatalf("DefaultKeyFilePath() error = %v", err)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("UserHomeDir() error = %v", err)
	}

	expected := filepath.Join(homeDir, ".tokengate", "key")
	if path != expected {
		t.Errorf("DefaultKeyFilePath() = %v, want %v", path, expected)
	}
}

func TestGenerateAndSaveDefaultKey(t *testing.T) {
	t.Parallel()

	keyDir := filepath.Join(t.TempDir(), ".tokengate")
	keyPath := filepath.Join(keyDir, "key")

	key, err := generateAndSaveDefaultKey(keyPath)
	if err != nil {
		t.Fatalf("generateAndSaveDefaultKey() error = %v", err)
	}

	if len(key) != 32 {
		t.Errorf("generateAndSaveDefaultKey() key length = %d, want 32", len(key))
	}

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("Key file should exist after generation: %v", err)
	}

	if info.Mode().Perm() != 0o600 {
		t.Errorf("Key file permissions = %o, want 0600", info.Mode().Perm())
	}

	dirInfo, err := os.Stat(keyDir)
	if err != nil {
		t.Fatalf("Key directory should exist: %v", err)
	}

	if dirInfo.Mode().Perm() != 0o700 {
		t.Errorf("Key directory permissions = %o, want 0700", dirInfo.Mode().Perm())
	}
}

func TestLoadOrCreateDefaultKey_ReusesGeneratedKey(t *testing.T) {
	// Note: Can't use t.Parallel() since we manipulate environment variables
	clearEnvVars(t)

	first, err := loadOrCreateDefaultKey()
	if err != nil {
		t.Fatalf("loadOrCreateDefaultKey() error = %v", err)
	}

	second, err := loadOrCreateDefaultKey()
	if err != nil {
		t.Fatalf("loadOrCreateDefaultKey() error = %v", err)
	}

	if string(first) != string(second) {
		t.Error("loadOrCreateDefaultKey() generated a new key instead of reading the existing one")
	}
}

func TestLoadOrCreateDefaultKey_WrongKeySize(t *testing.T) {
	// Note: Can't use t.Parallel() since we manipulate environment variables
	clearEnvVars(t)

	keyPath, err := DefaultKeyFilePath()
	if err != nil {
		t.Fatalf("DefaultKeyFilePath() error = %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		t.Fatalf("Failed to create key directory: %v", err)
	}

	if err := os.WriteFile(keyPath, []byte(base64.StdEncoding.EncodeToString(make([]byte, 16))), 0o600); err != nil {
		t.Fatalf("Failed to write key file: %v", err)
	}

	_, err = loadOrCreateDefaultKey()
	if !errors.Is(err, ErrInvalidKeySize) {
		t.Errorf("loadOrCreateDefaultKey() error = %v, want %v", err, ErrInvalidKeySize)
	}
}

func TestLoadOrCreateDefaultKey_InvalidBase64(t *testing.T) {
	// Note: Can't use t.Parallel() since we manipulate environment variables
	clearEnvVars(t)

	keyPath, err := DefaultKeyFilePath()
	if err != nil {
		t.Fatalf("DefaultKeyFilePath() error = %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		t.Fatalf("Failed to create key directory: %v", err)
	}

	if err := os.WriteFile(keyPath, []byte("not-valid-base64!!!"), 0o600); err != nil {
		t.Fatalf("Failed to write key file: %v", err)
	}

	if _, err := loadOrCreateDefaultKey(); err == nil {
		t.Error("Expected base64 decode error for invalid content")
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			if got := ParseLogLevel(tt.input); got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "empty falls back", input: "", want: "/auth/refresh-token"},
		{name: "blank falls back", input: "  ", want: "/auth/refresh-token"},
		{name: "leading slash kept", input: "/v1/refresh", want: "/v1/refresh"},
		{name: "leading slash added", input: "v1/refresh", want: "/v1/refresh"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := normalizePath(tt.input, DefaultRefreshPath); got != tt.want {
				t.Errorf("normalizePath(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
