package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport names accepted for the push-event stream
const (
	TransportWebSocket = "websocket"
	TransportSSE       = "sse"
	TransportNATS      = "nats"

	ConsoleLine = "line"
	ConsoleTUI  = "tui"
)

// Config holds the client daemon settings.
type Config struct {
	UserID   string        `yaml:"user_id"`
	Token    string        `yaml:"access_token"`
	LogLevel string        `yaml:"log_level"`
	Stream   StreamConfig  `yaml:"stream"`
	Socket   SocketConfig  `yaml:"socket"`
	Session  SessionConfig `yaml:"session"`
	Cache    CacheConfig   `yaml:"cache"`
	API      APIConfig     `yaml:"api"`
	Metrics  MetricsConfig `yaml:"metrics"`
	Redis    RedisConfig   `yaml:"redis"`
	Console  ConsoleConfig `yaml:"console"`
}

// StreamConfig configures the push-event connection
type StreamConfig struct {
	Transport      string        `yaml:"transport"`
	URL            string        `yaml:"url"`
	NATSSubject    string        `yaml:"nats_subject"`
	ReconnectBase  time.Duration `yaml:"reconnect_base"`
	ReconnectCap   time.Duration `yaml:"reconnect_cap"`
	MaxAttempts    int           `yaml:"max_attempts"`
	StaleAfter     time.Duration `yaml:"stale_after"`
	HandshakeLimit time.Duration `yaml:"handshake_timeout"`
}

// SocketConfig configures the invite/session socket
type SocketConfig struct {
	URL          string        `yaml:"url"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
	InviteTTL    time.Duration `yaml:"invite_ttl"`
}

// SessionConfig configures the pre-game countdown
type SessionConfig struct {
	CountdownFrom int           `yaml:"countdown_from"`
	Tick          time.Duration `yaml:"tick"`
}

// CacheConfig lists the keys refetched after returning to the foreground
type CacheConfig struct {
	CriticalKeys []string `yaml:"critical_keys"`
}

// APIConfig points at the REST and profile services
type APIConfig struct {
	BaseURL    string        `yaml:"base_url"`
	ProfileURL string        `yaml:"profile_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// RedisConfig enables the optional cache mirror
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// ConsoleConfig selects the interactive front end. The TUI owns the terminal,
// so logs go to LogFile while it runs.
type ConsoleConfig struct {
	Mode    string `yaml:"mode"`
	LogFile string `yaml:"log_file"`
}

// Default returns the configuration used when no file or env override is present.
func Default() Config {
	return Config{
		LogLevel: "info",
		Stream: StreamConfig{
			Transport:      TransportWebSocket,
			URL:            "ws://localhost:8090/ws/events",
			NATSSubject:    "push",
			ReconnectBase:  1 * time.Second,
			ReconnectCap:   30 * time.Second,
			MaxAttempts:    10,
			StaleAfter:     45 * time.Second,
			HandshakeLimit: 10 * time.Second,
		},
		Socket: SocketConfig{
			URL:          "ws://localhost:8090/ws/invite",
			WriteTimeout: 10 * time.Second,
			PingInterval: 30 * time.Second,
			InviteTTL:    30 * time.Second,
		},
		Session: SessionConfig{
			CountdownFrom: 5,
			Tick:          time.Second,
		},
		Cache: CacheConfig{
			CriticalKeys: []string{"unseenInteractions", "partnerStatus", "partnerMood", "recentActivities", "unreadCounts"},
		},
		API: APIConfig{
			BaseURL:    "http://localhost:8090/api",
			ProfileURL: "http://localhost:8090",
			Timeout:    30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9091",
			Path:    "/metrics",
		},
		Redis: RedisConfig{
			TTL: 24 * time.Hour,
		},
		Console: ConsoleConfig{
			Mode:    ConsoleLine,
			LogFile: "couplet.log",
		},
	}
}

// Load reads an optional YAML file on top of the defaults and then applies
// COUPLET_* environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// defaults + env only
		case err != nil:
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.UserID = getEnv("COUPLET_USER_ID", c.UserID)
	c.Token = getEnv("COUPLET_TOKEN", c.Token)
	c.LogLevel = getEnv("COUPLET_LOG_LEVEL", c.LogLevel)

	c.Stream.Transport = getEnv("COUPLET_STREAM_TRANSPORT", c.Stream.Transport)
	c.Stream.URL = getEnv("COUPLET_STREAM_URL", c.Stream.URL)
	c.Stream.NATSSubject = getEnv("COUPLET_STREAM_NATS_SUBJECT", c.Stream.NATSSubject)
	c.Stream.ReconnectBase = getEnvAsDuration("COUPLET_RECONNECT_BASE", c.Stream.ReconnectBase)
	c.Stream.ReconnectCap = getEnvAsDuration("COUPLET_RECONNECT_CAP", c.Stream.ReconnectCap)
	c.Stream.MaxAttempts = getEnvAsInt("COUPLET_RECONNECT_MAX_ATTEMPTS", c.Stream.MaxAttempts)

	c.Socket.URL = getEnv("COUPLET_SOCKET_URL", c.Socket.URL)
	c.Socket.InviteTTL = getEnvAsDuration("COUPLET_INVITE_TTL", c.Socket.InviteTTL)

	c.Session.CountdownFrom = getEnvAsInt("COUPLET_COUNTDOWN_FROM", c.Session.CountdownFrom)

	c.API.BaseURL = getEnv("COUPLET_API_URL", c.API.BaseURL)
	c.API.ProfileURL = getEnv("COUPLET_PROFILE_URL", c.API.ProfileURL)

	c.Metrics.Addr = getEnv("COUPLET_METRICS_ADDR", c.Metrics.Addr)

	c.Redis.Addr = getEnv("COUPLET_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("COUPLET_REDIS_PASSWORD", c.Redis.Password)

	c.Console.Mode = getEnv("COUPLET_CONSOLE", c.Console.Mode)
	c.Console.LogFile = getEnv("COUPLET_LOG_FILE", c.Console.LogFile)
}

// Validate checks the settings the state machines rely on.
func (c Config) Validate() error {
	switch c.Stream.Transport {
	case TransportWebSocket, TransportSSE, TransportNATS:
	default:
		return fmt.Errorf("invalid stream transport: %s. Must be 'websocket', 'sse' or 'nats'", c.Stream.Transport)
	}
	if c.Stream.URL == "" {
		return errors.New("stream url must be set")
	}
	if c.Stream.ReconnectBase <= 0 {
		return errors.New("reconnect base must be positive")
	}
	if c.Stream.ReconnectCap < c.Stream.ReconnectBase {
		return errors.New("reconnect cap must not be below reconnect base")
	}
	if c.Stream.MaxAttempts < 0 {
		return errors.New("max attempts must not be negative")
	}
	if c.Session.CountdownFrom < 1 {
		return errors.New("countdown must start at 1 or more")
	}
	if c.Session.Tick <= 0 {
		return errors.New("countdown tick must be positive")
	}
	if c.Socket.InviteTTL < 0 {
		return errors.New("invite ttl must not be negative")
	}
	switch c.Console.Mode {
	case ConsoleLine, ConsoleTUI:
	default:
		return fmt.Errorf("invalid console mode: %s. Must be 'line' or 'tui'", c.Console.Mode)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
