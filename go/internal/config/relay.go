package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RelayConfig holds the development relay settings
type RelayConfig struct {
	Addr      string          `yaml:"addr"`
	LogLevel  string          `yaml:"log_level"`
	JWTSecret string          `yaml:"jwt_secret"`
	NATS      RelayNATSConfig `yaml:"nats"`
	Users     []RelayUser     `yaml:"users"`
}

// RelayNATSConfig configures the JetStream push consumer. An empty URL makes
// the relay deliver published events in-process.
type RelayNATSConfig struct {
	URL           string        `yaml:"url"`
	StreamName    string        `yaml:"stream_name"`
	ConsumerName  string        `yaml:"consumer_name"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	MaxDeliver    int           `yaml:"max_deliver"`
	AckWait       time.Duration `yaml:"ack_wait"`
}

// RelayUser is a profile served by the relay directory
type RelayUser struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	AvatarURL string `yaml:"avatar_url"`
}

// DefaultRelay returns the relay defaults
func DefaultRelay() RelayConfig {
	return RelayConfig{
		Addr:     ":8090",
		LogLevel: "info",
		NATS: RelayNATSConfig{
			StreamName:    "PUSH_EVENTS",
			ConsumerName:  "couplet-relay",
			SubjectPrefix: "push",
			MaxDeliver:    5,
			AckWait:       30 * time.Second,
		},
	}
}

// LoadRelay reads the relay file, if any, then RELAY_* overrides.
func LoadRelay(path string) (RelayConfig, error) {
	cfg := DefaultRelay()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return RelayConfig{}, fmt.Errorf("failed to read relay config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return RelayConfig{}, fmt.Errorf("failed to parse relay config: %w", err)
			}
		}
	}

	cfg.Addr = getEnv("RELAY_ADDR", cfg.Addr)
	cfg.LogLevel = getEnv("RELAY_LOG_LEVEL", cfg.LogLevel)
	cfg.JWTSecret = getEnv("RELAY_JWT_SECRET", cfg.JWTSecret)
	cfg.NATS.URL = getEnv("NATS_URL", cfg.NATS.URL)
	cfg.NATS.StreamName = getEnv("RELAY_NATS_STREAM", cfg.NATS.StreamName)
	cfg.NATS.SubjectPrefix = getEnv("RELAY_NATS_SUBJECT_PREFIX", cfg.NATS.SubjectPrefix)
	cfg.NATS.MaxDeliver = getEnvAsInt("RELAY_NATS_MAX_DELIVER", cfg.NATS.MaxDeliver)

	if cfg.Addr == "" {
		return RelayConfig{}, errors.New("relay addr must be set")
	}
	if cfg.NATS.SubjectPrefix == "" {
		return RelayConfig{}, errors.New("relay subject prefix must be set")
	}
	return cfg, nil
}
