// Package config loads the pager service configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/Sternrassler/resilient-pager/pkg/logging"
	"github.com/caarlos0/env/v11"
)

// Config holds runtime configuration for cmd/pager.
type Config struct {
	ListenAddr string `env:"PAGER_LISTEN_ADDR" envDefault:":8080"`

	// Upstream paged API
	APIBaseURL     string        `env:"PAGER_API_BASE_URL,required"`
	Endpoint       string        `env:"PAGER_ENDPOINT,required"`
	PageSize       int           `env:"PAGER_PAGE_SIZE" envDefault:"20"`
	UserAgent      string        `env:"PAGER_USER_AGENT" envDefault:"resilient-pager/0.1.0"`
	RequestTimeout time.Duration `env:"PAGER_REQUEST_TIMEOUT" envDefault:"30s"`
	RateLimit      float64       `env:"PAGER_RATE_LIMIT" envDefault:"10"`

	// RedisURL enables the page cache and shared rate limit state, e.g.
	// redis://localhost:6379/0. Empty disables both.
	RedisURL string `env:"PAGER_REDIS_URL"`

	// RetryTimeout bounds one retry chain. 0 retries forever.
	RetryTimeout time.Duration `env:"PAGER_RETRY_TIMEOUT" envDefault:"0s"`

	// Connectivity probing
	ProbeAddress  string        `env:"PAGER_PROBE_ADDRESS" envDefault:"1.1.1.1:443"`
	ProbeInterval time.Duration `env:"PAGER_PROBE_INTERVAL" envDefault:"2s"`

	// PreloadAll loads every page at startup instead of only the first.
	PreloadAll bool `env:"PAGER_PRELOAD_ALL" envDefault:"false"`

	LogLevel  string `env:"PAGER_LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"PAGER_LOG_PRETTY" envDefault:"false"`
}

// Load parses the process environment.
func Load() (*Config, error) {
	return parse(env.Options{})
}

// LoadFrom parses the given variables instead of the process environment.
func LoadFrom(environ map[string]string) (*Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values the struct tags cannot express.
func (c *Config) Validate() error {
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: PAGER_API_BASE_URL must be an absolute URL, got %q", c.APIBaseURL)
	}
	if c.PageSize < 1 {
		return fmt.Errorf("config: PAGER_PAGE_SIZE must be >= 1, got %d", c.PageSize)
	}
	if c.RetryTimeout < 0 {
		return fmt.Errorf("config: PAGER_RETRY_TIMEOUT must not be negative")
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("config: PAGER_PROBE_INTERVAL must be positive")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: PAGER_LOG_LEVEL: %w", err)
	}
	return nil
}

// Logging returns the logger configuration.
func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.LogLevel)
	cfg.Pretty = c.LogPretty
	cfg.Service = "pager"
	return cfg
}
