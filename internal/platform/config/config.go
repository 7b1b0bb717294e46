package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv         string `env:"APP_ENV" default:"development"`
	Port           string `env:"PORT" default:"8080"`
	AppURL         string `env:"APP_URL" default:"http://localhost:8080"`
	AllowedOrigins string `env:"ALLOWED_ORIGINS"`
	RedisURL       string `env:"REDIS_URL"`
	RedisChannel   string `env:"REDIS_CHANNEL" default:"feedpulse:events"`
	LogLevel       string `env:"LOG_LEVEL" default:"info"`
	LogFormat      string `env:"LOG_FORMAT" default:"text"`

	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int     `env:"MAX_CONNECTIONS_PER_IP" default:"100"`
	ConnectionRate          float64 `env:"CONNECTION_RATE" default:"10"`
	ConnectionBurst         int     `env:"CONNECTION_BURST" default:"20"`

	SendTimeout         time.Duration `env:"SEND_TIMEOUT" default:"2s"`
	DeliveryQueueSize   int           `env:"DELIVERY_QUEUE_SIZE" default:"1024"`
	DeliveryConcurrency int           `env:"DELIVERY_CONCURRENCY" default:"64"`
	ClientBufferSize    int           `env:"CLIENT_BUFFER_SIZE" default:"16"`
	StatsInterval       time.Duration `env:"STATS_INTERVAL" default:"1m"`

	APIRate     float64 `env:"API_RATE" default:"50"`
	APIBurst    int     `env:"API_BURST" default:"100"`
	NotifyRate  float64 `env:"NOTIFY_RATE" default:"200"`
	NotifyBurst int     `env:"NOTIFY_BURST" default:"400"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// IsProduction reports whether the production origin rules apply.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// Origins returns ALLOWED_ORIGINS split on commas, blanks removed.
func (c *Config) Origins() []string {
	var out []string
	for _, origin := range strings.Split(c.AllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			out = append(out, origin)
		}
	}
	return out
}

func validate(cfg *Config) error {
	positive := []struct {
		name  string
		value float64
	}{
		{"MAX_WEBSOCKET_CONNECTIONS", float64(cfg.MaxWebSocketConnections)},
		{"MAX_CONNECTIONS_PER_IP", float64(cfg.MaxConnectionsPerIP)},
		{"CONNECTION_RATE", cfg.ConnectionRate},
		{"CONNECTION_BURST", float64(cfg.ConnectionBurst)},
		{"SEND_TIMEOUT", float64(cfg.SendTimeout)},
		{"DELIVERY_QUEUE_SIZE", float64(cfg.DeliveryQueueSize)},
		{"DELIVERY_CONCURRENCY", float64(cfg.DeliveryConcurrency)},
		{"CLIENT_BUFFER_SIZE", float64(cfg.ClientBufferSize)},
		{"STATS_INTERVAL", float64(cfg.StatsInterval)},
		{"API_RATE", cfg.APIRate},
		{"API_BURST", float64(cfg.APIBurst)},
		{"NOTIFY_RATE", cfg.NotifyRate},
		{"NOTIFY_BURST", float64(cfg.NotifyBurst)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive", p.name)
		}
	}

	appURL, err := url.Parse(cfg.AppURL)
	if err != nil || appURL.Scheme == "" || appURL.Host == "" {
		return fmt.Errorf("APP_URL must be an absolute URL, got %q", cfg.AppURL)
	}

	if cfg.RedisURL != "" {
		u, err := url.Parse(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("REDIS_URL is invalid: %w", err)
		}
		if u.Scheme != "redis" && u.Scheme != "rediss" {
			return fmt.Errorf("REDIS_URL must use redis:// or rediss://, got %q", u.Scheme)
		}
		if cfg.RedisChannel == "" {
			return errors.New("REDIS_CHANNEL is required when REDIS_URL is set")
		}
	}

	return nil
}
