package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/deliveryopt/pkg/do"
	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "DO"

// Config struct for the agent daemon. Every variable is read with the DO_
// prefix, e.g. DO_MAX_PARALLEL.
type Config struct {
	LogLevel string `envconfig:"LOG_LEVEL" default:"INFO"`
	DBPath   string `envconfig:"DB_PATH" default:"deliveryopt.db"`

	MaxParallel int `envconfig:"MAX_PARALLEL" default:"4"`
	// BackgroundRateLimit is a humanized byte rate per second such as
	// "512KB" or "10MiB". "0" disables the cap.
	BackgroundRateLimit string        `envconfig:"BACKGROUND_RATE_LIMIT" default:"0"`
	NoProgressTimeout   time.Duration `envconfig:"NO_PROGRESS_TIMEOUT" default:"10m"`
	// UnsupportedProperties makes the agent answer these properties with
	// ErrUnknownPropertyID, like a service that predates them.
	UnsupportedProperties []string `envconfig:"UNSUPPORTED_PROPERTIES"`

	KeepHistoryFor  time.Duration `envconfig:"KEEP_HISTORY_FOR" default:"168h"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`

	NotifyWebhookURL string `envconfig:"NOTIFY_WEBHOOK_URL"`
	APIToken         string `envconfig:"API_TOKEN"`

	Telemetry struct {
		Enabled      bool          `split_words:"true" default:"true"`
		ServiceName  string        `split_words:"true" default:"deliveryopt"`
		OTLPEndpoint string        `envconfig:"OTLP_ENDPOINT"`
		OTLPInterval time.Duration `envconfig:"OTLP_INTERVAL" default:"1m"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"127.0.0.1:9093"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// ClientConfig holds the defaults of the doctl command line client.
type ClientConfig struct {
	AgentURL string        `envconfig:"AGENT_URL" default:"http://127.0.0.1:9093"`
	APIToken string        `envconfig:"API_TOKEN"`
	LogLevel string        `envconfig:"LOG_LEVEL" default:"WARN"`
	Timeout  time.Duration `envconfig:"CLIENT_TIMEOUT" default:"30s"`
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if _, err := cfg.BackgroundBytesPerSecond(); err != nil {
		return nil, err
	}

	if _, err := cfg.Unsupported(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadClientConfig reads the doctl defaults from the environment.
func LoadClientConfig() (*ClientConfig, error) {
	var cfg ClientConfig
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	return parseLevel(c.LogLevel)
}

func (c *ClientConfig) SlogLevel() slog.Level {
	return parseLevel(c.LogLevel)
}

// BackgroundBytesPerSecond parses BackgroundRateLimit.
func (c *Config) BackgroundBytesPerSecond() (int64, error) {
	if c.BackgroundRateLimit == "" || c.BackgroundRateLimit == "0" {
		return 0, nil
	}

	n, err := humanize.ParseBytes(c.BackgroundRateLimit)
	if err != nil {
		return 0, fmt.Errorf("invalid DO_BACKGROUND_RATE_LIMIT %q: %w", c.BackgroundRateLimit, err)
	}

	return int64(n), nil
}

// Unsupported resolves UnsupportedProperties to property ids.
func (c *Config) Unsupported() ([]do.Property, error) {
	props := make([]do.Property, 0, len(c.UnsupportedProperties))

	for _, name := range c.UnsupportedProperties {
		p, err := do.ParseProperty(strings.TrimSpace(name))
		if err != nil {
			return nil, fmt.Errorf("invalid DO_UNSUPPORTED_PROPERTIES: %w", err)
		}

		props = append(props, p)
	}

	return props, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
