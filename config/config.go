package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Backend names resolvable through the engine registry.
const (
	BackendNative = "native"
	BackendVips   = "vips"
	BackendRemote = "remote"
)

// Config is the top-level configuration struct.  All fields have safe
// defaults so callers can start with Default() and override only what they
// need.
type Config struct {
	// Engine backend selection.
	Backend string

	// Source fetching.
	Fetch FetchConfig

	// Preview output.
	Preview PreviewConfig

	// Engine construction parameters.
	Engine EngineConfig

	// Remote engine endpoint (Backend == "remote").
	Remote RemoteConfig

	// Transport queue depth before submission blocks.
	QueueDepth int

	LogLevel string // "debug", "info", "warn", "error"
}

// FetchConfig controls the HTTP source fetcher.
type FetchConfig struct {
	Timeout        time.Duration
	MaxSourceBytes int64 // 0 = no limit
	ChunkSize      int   // streaming chunk size in bytes; default 32 KiB
	UserAgent      string
}

// PreviewConfig controls preview sizing and persistence.
type PreviewConfig struct {
	// MaxEdge bounds the longer edge of decoded sources; previews render at
	// this working resolution.  0 disables downscaling.
	MaxEdge int
	// StoreDir, when set, persists published previews to disk.
	StoreDir string
}

// EngineConfig carries backend tuning knobs.
type EngineConfig struct {
	PreferHighPerformance bool
	MaxCacheMB            int
	GrainSeed             int64
}

// RemoteConfig configures the websocket engine client.
type RemoteConfig struct {
	URL         string
	DialTimeout time.Duration
}

// Default returns a Config populated with sensible production defaults.
func Default() Config {
	return Config{
		Backend: BackendNative,
		Fetch: FetchConfig{
			Timeout:        30 * time.Second,
			MaxSourceBytes: 64 * 1024 * 1024,
			ChunkSize:      32 * 1024,
			UserAgent:      "quickfix-coordinator/1.0",
		},
		Preview: PreviewConfig{
			MaxEdge: 2048,
		},
		Engine: EngineConfig{
			GrainSeed: 1,
		},
		Remote: RemoteConfig{
			DialTimeout: 10 * time.Second,
		},
		QueueDepth: 16,
		LogLevel:   "info",
	}
}

// Validate returns an error if the configuration is inconsistent.
func Validate(c Config) error {
	if c.Backend == "" {
		return errors.New("config: Backend must be set")
	}
	if c.Fetch.ChunkSize <= 0 {
		return errors.New("config: Fetch.ChunkSize must be positive")
	}
	if c.Fetch.MaxSourceBytes < 0 {
		return errors.New("config: Fetch.MaxSourceBytes must not be negative")
	}
	if c.Preview.MaxEdge < 0 {
		return errors.New("config: Preview.MaxEdge must not be negative")
	}
	if c.Backend == BackendRemote && c.Remote.URL == "" {
		return errors.New("config: Remote.URL is required for the remote backend")
	}
	return nil
}

// FromEnv returns Default() overridden by QUICKFIX_* environment variables.
// A .env file in the working directory is loaded first when present.
func FromEnv() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	cfg.Backend = getEnv("QUICKFIX_BACKEND", cfg.Backend)
	cfg.Fetch.Timeout = getEnvDuration("QUICKFIX_FETCH_TIMEOUT_SECONDS", cfg.Fetch.Timeout)
	cfg.Fetch.MaxSourceBytes = getEnvInt64("QUICKFIX_MAX_SOURCE_BYTES", cfg.Fetch.MaxSourceBytes)
	cfg.Fetch.UserAgent = getEnv("QUICKFIX_USER_AGENT", cfg.Fetch.UserAgent)
	cfg.Preview.MaxEdge = getEnvInt("QUICKFIX_PREVIEW_MAX_EDGE", cfg.Preview.MaxEdge)
	cfg.Preview.StoreDir = getEnv("QUICKFIX_PREVIEW_STORE_DIR", cfg.Preview.StoreDir)
	cfg.Remote.URL = getEnv("QUICKFIX_REMOTE_URL", cfg.Remote.URL)
	cfg.LogLevel = getEnv("QUICKFIX_LOG_LEVEL", cfg.LogLevel)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}
