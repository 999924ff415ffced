package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	dbconfig "campushub/pkg/database"
)

// EnvPrefix prefixes every environment variable the service reads.
const EnvPrefix = "CAMPUSHUB_"

// Config is the full service configuration.
type Config struct {
	Database  *DatabaseConfig  `json:"database"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Engine    *EngineConfig    `json:"engine"`
	Log       *LogConfig       `json:"log"`
}

// DatabaseConfig selects and tunes the message store.
type DatabaseConfig struct {
	Driver         string        `json:"driver"` // sqlite or postgres
	Path           string        `json:"path"`
	DSN            string        `json:"dsn"`
	Timeout        time.Duration `json:"timeout"`
	MaxConnections int           `json:"max_connections"`
}

type HTTPConfig struct {
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	Host         string        `json:"host"`
	CORSOrigins  []string      `json:"cors_origins"`
}

type WebSocketConfig struct {
	PingInterval    time.Duration `json:"ping_interval"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	BufferSize      int           `json:"buffer_size"`
	MaxMessageBytes int64         `json:"max_message_bytes"`
}

// EngineConfig tunes event handling.
type EngineConfig struct {
	RatePerSecond            float64       `json:"rate_per_second"`
	Burst                    int           `json:"burst"`
	TypingWindow             time.Duration `json:"typing_window"`
	LegacyAdminAnnouncements bool          `json:"legacy_admin_announcements"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // json or console
}

// DefaultConfig returns settings for a single-node campus deployment on SQLite.
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Driver:         string(dbconfig.SQLite),
			Path:           "./data/campushub.db",
			Timeout:        30 * time.Second,
			MaxConnections: 10,
		},
		HTTP: &HTTPConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			Host:         "0.0.0.0",
			CORSOrigins:  []string{"*"},
		},
		WebSocket: &WebSocketConfig{
			PingInterval:    30 * time.Second,
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
			BufferSize:      100,
			MaxMessageBytes: 128 * 1024,
		},
		Engine: &EngineConfig{
			RatePerSecond:            10,
			Burst:                    20,
			TypingWindow:             2 * time.Second,
			LegacyAdminAnnouncements: true,
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	switch dbconfig.Dialect(c.Database.Driver) {
	case dbconfig.SQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database path cannot be empty")
		}
	case dbconfig.Postgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}
	if c.Database.MaxConnections <= 0 {
		return fmt.Errorf("database max connections must be positive")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP write timeout must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}

	if c.Engine == nil {
		return fmt.Errorf("engine configuration is required")
	}
	if c.Engine.RatePerSecond < 0 {
		return fmt.Errorf("engine rate per second cannot be negative")
	}
	if c.Engine.RatePerSecond > 0 && c.Engine.Burst <= 0 {
		return fmt.Errorf("engine burst must be positive when rate limiting is on")
	}
	if c.Engine.TypingWindow <= 0 {
		return fmt.Errorf("engine typing window must be positive")
	}

	if c.Log == nil {
		return fmt.Errorf("log configuration is required")
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("log format must be json or console")
	}

	return nil
}

// Addr is the HTTP listen address.
func (c *HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StoreConfig converts the section into the store's own configuration.
func (c *DatabaseConfig) StoreConfig() *dbconfig.Config {
	cfg := dbconfig.DefaultConfig()
	cfg.Driver = dbconfig.Dialect(c.Driver)
	cfg.DatabasePath = c.Path
	cfg.DSN = c.DSN
	cfg.MaxConnections = c.MaxConnections
	return cfg
}

// Load reads .env if present, then builds the configuration from defaults,
// the environment and the optional CAMPUSHUB_CONFIG_FILE, in that order.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadConfigWithPrecedence(os.Getenv(EnvPrefix + "CONFIG_FILE"))
}

// LoadConfigWithPrecedence applies defaults, then environment, then the JSON
// file at path when path is not empty. The result is validated.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	config := LoadFromEnv()

	if path != "" {
		if err := applyFile(config, path); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// LoadFromEnv overlays CAMPUSHUB_* variables on the defaults. Unparseable
// values are ignored.
func LoadFromEnv() *Config {
	config := DefaultConfig()

	envString("DATABASE_DRIVER", &config.Database.Driver)
	envString("DATABASE_PATH", &config.Database.Path)
	envString("DATABASE_DSN", &config.Database.DSN)
	envDuration("DATABASE_TIMEOUT", &config.Database.Timeout)
	envInt("DATABASE_MAX_CONNECTIONS", &config.Database.MaxConnections)

	envInt("HTTP_PORT", &config.HTTP.Port)
	envString("HTTP_HOST", &config.HTTP.Host)
	envDuration("HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	envDuration("HTTP_WRITE_TIMEOUT", &config.HTTP.WriteTimeout)
	if origins := os.Getenv(EnvPrefix + "HTTP_CORS_ORIGINS"); origins != "" {
		config.HTTP.CORSOrigins = splitList(origins)
	}

	envDuration("WEBSOCKET_PING_INTERVAL", &config.WebSocket.PingInterval)
	envDuration("WEBSOCKET_READ_TIMEOUT", &config.WebSocket.ReadTimeout)
	envDuration("WEBSOCKET_WRITE_TIMEOUT", &config.WebSocket.WriteTimeout)
	envInt("WEBSOCKET_BUFFER_SIZE", &config.WebSocket.BufferSize)

	if v := os.Getenv(EnvPrefix + "ENGINE_RATE_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Engine.RatePerSecond = f
		}
	}
	envInt("ENGINE_BURST", &config.Engine.Burst)
	envDuration("ENGINE_TYPING_WINDOW", &config.Engine.TypingWindow)
	if v := os.Getenv(EnvPrefix + "ENGINE_LEGACY_ADMIN_ANNOUNCEMENTS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Engine.LegacyAdminAnnouncements = b
		}
	}

	envString("LOG_LEVEL", &config.Log.Level)
	envString("LOG_FORMAT", &config.Log.Format)

	return config
}

func envString(key string, dst *string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ConfigFile is the JSON shape of a config file. Durations are strings such as "30s".
type ConfigFile struct {
	Database  *DatabaseConfigFile  `json:"database"`
	HTTP      *HTTPConfigFile      `json:"http"`
	WebSocket *WebSocketConfigFile `json:"websocket"`
	Engine    *EngineConfigFile    `json:"engine"`
	Log       *LogConfig           `json:"log"`
}

type DatabaseConfigFile struct {
	Driver         string `json:"driver"`
	Path           string `json:"path"`
	DSN            string `json:"dsn"`
	Timeout        string `json:"timeout"`
	MaxConnections int    `json:"max_connections"`
}

type HTTPConfigFile struct {
	Port         int      `json:"port"`
	ReadTimeout  string   `json:"read_timeout"`
	WriteTimeout string   `json:"write_timeout"`
	Host         string   `json:"host"`
	CORSOrigins  []string `json:"cors_origins"`
}

type WebSocketConfigFile struct {
	PingInterval    string `json:"ping_interval"`
	ReadTimeout     string `json:"read_timeout"`
	WriteTimeout    string `json:"write_timeout"`
	BufferSize      int    `json:"buffer_size"`
	MaxMessageBytes int64  `json:"max_message_bytes"`
}

type EngineConfigFile struct {
	RatePerSecond            *float64 `json:"rate_per_second"`
	Burst                    int      `json:"burst"`
	TypingWindow             string   `json:"typing_window"`
	LegacyAdminAnnouncements *bool    `json:"legacy_admin_announcements"`
}

// LoadFromFile reads a JSON config file over the defaults and validates it.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

func applyFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	var durErr error
	duration := func(field, v string, dst *time.Duration) {
		if v == "" || durErr != nil {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			durErr = fmt.Errorf("config file %s: %s: %w", path, field, err)
			return
		}
		*dst = d
	}

	if db := file.Database; db != nil {
		setString(&config.Database.Driver, db.Driver)
		setString(&config.Database.Path, db.Path)
		setString(&config.Database.DSN, db.DSN)
		duration("database.timeout", db.Timeout, &config.Database.Timeout)
		if db.MaxConnections > 0 {
			config.Database.MaxConnections = db.MaxConnections
		}
	}

	if h := file.HTTP; h != nil {
		if h.Port > 0 {
			config.HTTP.Port = h.Port
		}
		setString(&config.HTTP.Host, h.Host)
		duration("http.read_timeout", h.ReadTimeout, &config.HTTP.ReadTimeout)
		duration("http.write_timeout", h.WriteTimeout, &config.HTTP.WriteTimeout)
		if len(h.CORSOrigins) > 0 {
			config.HTTP.CORSOrigins = h.CORSOrigins
		}
	}

	if ws := file.WebSocket; ws != nil {
		if ws.BufferSize > 0 {
			config.WebSocket.BufferSize = ws.BufferSize
		}
		if ws.MaxMessageBytes > 0 {
			config.WebSocket.MaxMessageBytes = ws.MaxMessageBytes
		}
		duration("websocket.ping_interval", ws.PingInterval, &config.WebSocket.PingInterval)
		duration("websocket.read_timeout", ws.ReadTimeout, &config.WebSocket.ReadTimeout)
		duration("websocket.write_timeout", ws.WriteTimeout, &config.WebSocket.WriteTimeout)
	}

	if e := file.Engine; e != nil {
		if e.RatePerSecond != nil {
			config.Engine.RatePerSecond = *e.RatePerSecond
		}
		if e.Burst > 0 {
			config.Engine.Burst = e.Burst
		}
		duration("engine.typing_window", e.TypingWindow, &config.Engine.TypingWindow)
		if e.LegacyAdminAnnouncements != nil {
			config.Engine.LegacyAdminAnnouncements = *e.LegacyAdminAnnouncements
		}
	}

	if l := file.Log; l != nil {
		setString(&config.Log.Level, l.Level)
		setString(&config.Log.Format, l.Format)
	}

	return durErr
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
