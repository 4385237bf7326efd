package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const defaultPath = "config.json"

// Config represents runtime configuration for the chat core and its bridge.
type Config struct {
	Backend    BackendConfig             `json:"backend" yaml:"backend"`
	Providers  map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Chat       ChatConfig                `json:"chat" yaml:"chat"`
	Connection ConnectionConfig          `json:"connection" yaml:"connection"`
	Cache      CacheConfig               `json:"cache" yaml:"cache"`
	Bridge     BridgeConfig              `json:"bridge" yaml:"bridge"`
	Archive    ArchiveConfig             `json:"archive" yaml:"archive"`
	Databases  map[string]DatabaseConfig `json:"databases" yaml:"databases"`
	Redis      RedisConfig               `json:"redis" yaml:"redis"`
}

// BackendConfig points at the completion backend. When Provider is set the
// backend is bypassed and the named entry of Providers is used directly.
type BackendConfig struct {
	BaseURL               string `json:"base_url" yaml:"base_url" validate:"required,url"`
	PushURL               string `json:"push_url" yaml:"push_url" validate:"omitempty,url"`
	APIKey                string `json:"api_key" yaml:"api_key"`
	Provider              string `json:"provider" yaml:"provider" validate:"omitempty,oneof=openai claude gemini"`
	OpenTimeoutSeconds    int    `json:"open_timeout_seconds" yaml:"open_timeout_seconds" validate:"gte=0"`
	IdleTimeoutSeconds    int    `json:"idle_timeout_seconds" yaml:"idle_timeout_seconds" validate:"gte=0"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds" yaml:"request_timeout_seconds" validate:"gte=0"`
}

type ProviderConfig struct {
	BaseURL   string `json:"base_url" yaml:"base_url"`
	Model     string `json:"model" yaml:"model"`
	APIKey    string `json:"api_key" yaml:"api_key"`
	MaxTokens int    `json:"max_tokens" yaml:"max_tokens"`
}

type ChatConfig struct {
	Model            string  `json:"model" yaml:"model" validate:"required"`
	SystemPrompt     string  `json:"system_prompt" yaml:"system_prompt"`
	Temperature      float32 `json:"temperature" yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens        int     `json:"max_tokens" yaml:"max_tokens" validate:"gte=0"`
	DisableStreaming bool    `json:"disable_streaming" yaml:"disable_streaming"`
}

type ConnectionConfig struct {
	ProbeTimeoutMs       int     `json:"probe_timeout_ms" yaml:"probe_timeout_ms" validate:"gte=0"`
	DialTimeoutMs        int     `json:"dial_timeout_ms" yaml:"dial_timeout_ms" validate:"gte=0"`
	ProbeIntervalSeconds int     `json:"probe_interval_seconds" yaml:"probe_interval_seconds" validate:"gte=0"`
	InitialBackoffMs     int     `json:"initial_backoff_ms" yaml:"initial_backoff_ms" validate:"gte=0"`
	MaxBackoffMs         int     `json:"max_backoff_ms" yaml:"max_backoff_ms" validate:"gte=0"`
	Jitter               float64 `json:"jitter" yaml:"jitter" validate:"gte=0,lt=1"`
}

type CacheConfig struct {
	Capacity               int     `json:"capacity" yaml:"capacity" validate:"gt=0"`
	PrefetchRate           float64 `json:"prefetch_rate" yaml:"prefetch_rate" validate:"gte=0"`
	PrefetchBurst          int     `json:"prefetch_burst" yaml:"prefetch_burst" validate:"gte=0"`
	MaxResourceBytes       int64   `json:"max_resource_bytes" yaml:"max_resource_bytes" validate:"gte=0"`
	TTLMinutes             int     `json:"ttl_minutes" yaml:"ttl_minutes" validate:"gte=0"`
	JanitorIntervalMinutes int     `json:"janitor_interval_minutes" yaml:"janitor_interval_minutes" validate:"gte=0"`
}

type BridgeConfig struct {
	ServerAddress string `json:"server_address" yaml:"server_address"`
	Token         string `json:"token" yaml:"token"`
}

// ArchiveConfig selects an entry of Databases; an empty driver disables the archive.
type ArchiveConfig struct {
	Driver string `json:"driver" yaml:"driver" validate:"omitempty,oneof=sqlite sqlite3 mysql"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	DBName   string `json:"dbname" yaml:"dbname"`
	Params   string `json:"params" yaml:"params"`
}

type RedisConfig struct {
	Enabled            bool   `json:"enabled" yaml:"enabled"`
	Host               string `json:"host" yaml:"host"`
	Port               int    `json:"port" yaml:"port"`
	Username           string `json:"username" yaml:"username"`
	Password           string `json:"password" yaml:"password"`
	DB                 int    `json:"db" yaml:"db"`
	SnapshotTTLMinutes int    `json:"snapshot_ttl_minutes" yaml:"snapshot_ttl_minutes" validate:"gte=0"`
}

var validate = validator.New()

// Load reads configuration from the provided path (defaults to config.json).
// A .env file in the working directory is applied first, and CHATSYNC_*
// variables override file values. The default path may be absent.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if path == "" {
		path = os.Getenv("CHATSYNC_CONFIG")
	}
	explicit := path != ""
	if !explicit {
		path = defaultPath
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	var cfg Config
	data, err := os.ReadFile(absPath)
	switch {
	case err == nil:
		if err := decode(absPath, data, &cfg); err != nil {
			return nil, err
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	resolvePaths(&cfg, filepath.Dir(absPath))

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Archive.Driver != "" {
		if _, ok := cfg.Databases[cfg.Archive.Driver]; !ok {
			return nil, fmt.Errorf("database config for %s not found", cfg.Archive.Driver)
		}
	}
	if p := cfg.Backend.Provider; p != "" {
		if _, ok := cfg.Providers[p]; !ok {
			return nil, fmt.Errorf("provider %s is not configured", p)
		}
	}
	return &cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CHATSYNC_BACKEND_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("CHATSYNC_PUSH_URL"); v != "" {
		cfg.Backend.PushURL = v
	}
	if v := os.Getenv("CHATSYNC_API_KEY"); v != "" {
		cfg.Backend.APIKey = v
	}
	if v := os.Getenv("CHATSYNC_BRIDGE_TOKEN"); v != "" {
		cfg.Bridge.Token = v
	}
	if v := os.Getenv("CHATSYNC_DB"); v != "" {
		cfg.Archive.Driver = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Backend.BaseURL == "" {
		cfg.Backend.BaseURL = "http://127.0.0.1:8000"
	}
	if cfg.Chat.Model == "" {
		cfg.Chat.Model = "claude-3-5-sonnet-20241022"
	}
	if cfg.Cache.Capacity == 0 {
		cfg.Cache.Capacity = 100
	}
	if cfg.Cache.TTLMinutes == 0 {
		cfg.Cache.TTLMinutes = 30
	}
	if cfg.Cache.JanitorIntervalMinutes == 0 {
		cfg.Cache.JanitorIntervalMinutes = 5
	}
	if cfg.Bridge.ServerAddress == "" {
		cfg.Bridge.ServerAddress = "127.0.0.1:8090"
	}
	if cfg.Redis.SnapshotTTLMinutes == 0 {
		cfg.Redis.SnapshotTTLMinutes = 30
	}
}

// resolvePaths makes a relative sqlite file DSN relative to the config file.
func resolvePaths(cfg *Config, dir string) {
	for name, db := range cfg.Databases {
		if !strings.HasPrefix(name, "sqlite") || db.DSN == "" {
			continue
		}
		if strings.HasPrefix(db.DSN, "file:") || strings.HasPrefix(db.DSN, ":memory:") || filepath.IsAbs(db.DSN) {
			continue
		}
		db.DSN = filepath.Join(dir, db.DSN)
		cfg.Databases[name] = db
	}
}

// PushEndpoint is the WebSocket endpoint of the push channel, derived from the
// backend URL unless configured.
func (b BackendConfig) PushEndpoint() string {
	if b.PushURL != "" {
		return b.PushURL
	}
	base := b.RootURL()
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/v1/events"
}

// RootURL is the backend URL without the API version segment; the health
// endpoint lives under it.
func (b BackendConfig) RootURL() string {
	return strings.TrimSuffix(strings.TrimRight(b.BaseURL, "/"), "/v1")
}

// CompletionsBaseURL is the base URL handed to the OpenAI-compatible client.
func (b BackendConfig) CompletionsBaseURL() string {
	base := strings.TrimRight(b.BaseURL, "/")
	if strings.HasSuffix(base, "/v1") {
		return base
	}
	return base + "/v1"
}

func (b BackendConfig) OpenTimeout() time.Duration {
	return time.Duration(b.OpenTimeoutSeconds) * time.Second
}

func (b BackendConfig) IdleTimeout() time.Duration {
	return time.Duration(b.IdleTimeoutSeconds) * time.Second
}

func (b BackendConfig) RequestTimeout() time.Duration {
	return time.Duration(b.RequestTimeoutSeconds) * time.Second
}

func (c ConnectionConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutMs) * time.Millisecond
}

func (c ConnectionConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutMs) * time.Millisecond
}

func (c ConnectionConfig) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalSeconds) * time.Second
}

func (c ConnectionConfig) InitialBackoff() time.Duration {
	return time.Duration(c.InitialBackoffMs) * time.Millisecond
}

func (c ConnectionConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffMs) * time.Millisecond
}

func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

func (c CacheConfig) JanitorInterval() time.Duration {
	return time.Duration(c.JanitorIntervalMinutes) * time.Minute
}

func (r RedisConfig) SnapshotTTL() time.Duration {
	return time.Duration(r.SnapshotTTLMinutes) * time.Minute
}
