package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration of the chatcore server.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Presence  PresenceConfig  `yaml:"presence"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Logging   LoggingConfig   `yaml:"logging"`
	NATS      NATSConfig      `yaml:"nats"`
}

// ServerConfig defines how the HTTP/WebSocket backend should run.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	WSPath          string        `yaml:"ws_path"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// AllowQueryUser accepts ?user= on the websocket path when no user
	// header is present.
	AllowQueryUser bool `yaml:"allow_query_user"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type PresenceConfig struct {
	OfflineDelay   time.Duration `yaml:"offline_delay"`
	LoginThreshold time.Duration `yaml:"login_threshold"`
}

// RateLimitConfig bounds message sends per user. Messages <= 0 disables it.
type RateLimitConfig struct {
	Messages int           `yaml:"messages"`
	Window   time.Duration `yaml:"window"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// NATSConfig enables publishing events on NATS when URL is set.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			WSPath:          "/ws",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Database: DatabaseConfig{Path: DefaultDBPath()},
		Presence: PresenceConfig{
			OfflineDelay:   10 * time.Second,
			LoginThreshold: 300 * time.Second,
		},
		RateLimit: RateLimitConfig{Messages: 5, Window: 3 * time.Second},
		Logging:   LoggingConfig{Level: "info", Format: "console"},
		NATS:      NATSConfig{SubjectPrefix: "chat"},
	}
}

// Load reads defaults, then the YAML file at path (or CHATCORE_CONFIG) when
// it exists, then CHATCORE_* environment variables.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = os.Getenv("CHATCORE_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config file: %w", err)
			}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Server.Addr, "CHATCORE_ADDR")
	setString(&c.Server.WSPath, "CHATCORE_WS_PATH")
	setString(&c.Database.Path, "CHATCORE_DB_PATH")
	setString(&c.Logging.Level, "CHATCORE_LOG_LEVEL")
	setString(&c.Logging.Format, "CHATCORE_LOG_FORMAT")
	setString(&c.NATS.URL, "CHATCORE_NATS_URL")
	setString(&c.NATS.SubjectPrefix, "CHATCORE_NATS_PREFIX")

	durations := map[string]*time.Duration{
		"CHATCORE_OFFLINE_DELAY":    &c.Presence.OfflineDelay,
		"CHATCORE_LOGIN_THRESHOLD":  &c.Presence.LoginThreshold,
		"CHATCORE_RATE_WINDOW":      &c.RateLimit.Window,
		"CHATCORE_READ_TIMEOUT":     &c.Server.ReadTimeout,
		"CHATCORE_WRITE_TIMEOUT":    &c.Server.WriteTimeout,
		"CHATCORE_SHUTDOWN_TIMEOUT": &c.Server.ShutdownTimeout,
	}
	for key, target := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*target = d
		}
	}
	if v := os.Getenv("CHATCORE_WS_QUERY_USER"); v != "" {
		allow, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CHATCORE_WS_QUERY_USER: %w", err)
		}
		c.Server.AllowQueryUser = allow
	}
	if v := os.Getenv("CHATCORE_RATE_MESSAGES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CHATCORE_RATE_MESSAGES: %w", err)
		}
		c.RateLimit.Messages = n
	}
	return nil
}

func setString(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// Validate reports the first setting the server cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Server.Addr == "":
		return errors.New("server address is required")
	case c.Server.ShutdownTimeout <= 0:
		return errors.New("server shutdown_timeout must be positive")
	case c.Database.Path == "":
		return errors.New("database path is required")
	case c.Presence.OfflineDelay <= 0:
		return errors.New("presence offline_delay must be positive")
	case c.Presence.LoginThreshold <= 0:
		return errors.New("presence login_threshold must be positive")
	case c.RateLimit.Messages > 0 && c.RateLimit.Window <= 0:
		return errors.New("ratelimit window must be positive")
	}
	return nil
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("CHATCORE_DATA_DIR"); env != "" {
		return filepath.Join(env, "chatcore.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "chatcore", "chatcore.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Chatcore", "chatcore.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Chatcore", "chatcore.db")
		}
		return filepath.Join(home, ".local", "share", "chatcore", "chatcore.db")
	}
	return filepath.Join(".", ".chatcore", "chatcore.db")
}

// NormalizePath guarantees a route path starts with '/' and falls back to
// /ws when empty.
func NormalizePath(path string) string {
	if path == "" {
		return "/ws"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}
