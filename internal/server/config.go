package server

import (
	"fmt"
	"time"

	"github.com/inferloop/ehrprivacy/internal/config"
)

// Config contains the HTTP settings of the query service
type Config struct {
	Host            string        `json:"host" yaml:"host"`
	Port            int           `json:"port" yaml:"port"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxRequestSize  int64         `json:"max_request_size" yaml:"max_request_size"`
	AllowedOrigins  []string      `json:"allowed_origins" yaml:"allowed_origins"`
	MetricsPath     string        `json:"metrics_path" yaml:"metrics_path"`
	// QueryRateLimit is the sustained rate of session requests per second;
	// zero disables limiting.
	QueryRateLimit float64 `json:"query_rate_limit" yaml:"query_rate_limit"`
	QueryBurst     int     `json:"query_burst" yaml:"query_burst"`

	Version   string    `json:"version" yaml:"version"`
	Commit    string    `json:"commit" yaml:"commit"`
	StartTime time.Time `json:"start_time" yaml:"start_time"`
}

// NewDefaultConfig creates a default server configuration
func NewDefaultConfig() *Config {
	return &Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		MaxRequestSize:  32 << 20,
		AllowedOrigins:  []string{"*"},
		MetricsPath:     "/metrics",
		QueryRateLimit:  5,
		QueryBurst:      10,
		Version:         "dev",
		Commit:          "unknown",
		StartTime:       time.Now(),
	}
}

// FromConfig copies the server and metrics sections of the application config.
func FromConfig(cfg *config.Config) *Config {
	c := NewDefaultConfig()
	c.Host = cfg.Server.Host
	c.Port = cfg.Server.Port
	c.ReadTimeout = cfg.Server.ReadTimeout
	c.WriteTimeout = cfg.Server.WriteTimeout
	c.ShutdownTimeout = cfg.Server.ShutdownTimeout
	c.MaxRequestSize = cfg.Server.MaxBodyBytes
	c.AllowedOrigins = cfg.Server.AllowedOrigins
	c.QueryRateLimit = cfg.Server.QueryRateLimit
	c.QueryBurst = cfg.Server.QueryBurst
	if cfg.Metrics.Enabled {
		c.MetricsPath = cfg.Metrics.Path
	} else {
		c.MetricsPath = ""
	}
	return c
}

// Validate validates the server configuration
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive")
	}
	if c.MaxRequestSize <= 0 {
		return fmt.Errorf("max request size must be positive")
	}
	if c.QueryRateLimit < 0 {
		return fmt.Errorf("query rate limit must not be negative")
	}
	if c.QueryRateLimit > 0 && c.QueryBurst < 1 {
		return fmt.Errorf("query burst must be at least 1 when rate limiting")
	}
	return nil
}

// GetAddress returns the server address
func (c *Config) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
