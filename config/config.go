package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/Will-gabia/mailgate/helpers"
)

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Output string `toml:"output"` // "stdout", "stderr", "syslog" or a file path
	Format string `toml:"format"` // "console" or "json"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host            string `toml:"host"`
	Port            string `toml:"port"`
	User            string `toml:"user"`
	Password        string `toml:"password"`
	Name            string `toml:"name"`
	TLSMode         bool   `toml:"tls"`
	LogQueries      bool   `toml:"log_queries"`
	MaxConns        int    `toml:"max_conns"`
	MinConns        int    `toml:"min_conns"`
	MaxConnLifetime string `toml:"max_conn_lifetime"`
	MaxConnIdleTime string `toml:"max_conn_idle_time"`
}

// GetMaxConnLifetime parses the max connection lifetime duration.
func (d *DatabaseConfig) GetMaxConnLifetime() (time.Duration, error) {
	if d.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(d.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration.
func (d *DatabaseConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if d.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MaxConnIdleTime)
}

// ConnString builds the postgres connection URL.
func (d *DatabaseConfig) ConnString() string {
	sslMode := "disable"
	if d.TLSMode {
		sslMode = "require"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, sslMode)
}

// S3Config holds attachment store configuration.
type S3Config struct {
	Endpoint   string `toml:"endpoint"`
	DisableTLS bool   `toml:"disable_tls"`
	AccessKey  string `toml:"access_key"`
	SecretKey  string `toml:"secret_key"`
	Bucket     string `toml:"bucket"`
	Trace      bool   `toml:"trace"` // Enable detailed S3 request/response tracing
}

// SMTPConfig holds the inbound SMTP gateway configuration.
type SMTPConfig struct {
	Start          bool     `toml:"start"`
	Addr           string   `toml:"addr"`
	Hostname       string   `toml:"hostname"`
	AllowedIPs     []string `toml:"allowed_ips"` // Exact IPs or CIDR blocks; empty list rejects everyone
	MaxMessageSize string   `toml:"max_message_size"`
	Debug          bool     `toml:"debug"`

	TLS         bool   `toml:"tls"`
	TLSUseStart bool   `toml:"tls_use_starttls"`
	TLSCertFile string `toml:"tls_cert_file"`
	TLSKeyFile  string `toml:"tls_key_file"`
	TLSVerify   bool   `toml:"tls_verify"`
}

// GetMaxMessageSize parses the global message size ceiling in bytes.
func (s *SMTPConfig) GetMaxMessageSize() (int64, error) {
	if s.MaxMessageSize == "" {
		return 25 << 20, nil
	}
	return helpers.ParseSize(s.MaxMessageSize)
}

// RelayConfig holds the outbound SMTP relay used by the forwarder.
type RelayConfig struct {
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	ImplicitTLS bool   `toml:"tls"`           // Connect with implicit TLS
	StartTLS    bool   `toml:"starttls"`      // Upgrade with STARTTLS after connect
	Timeout     string `toml:"timeout"`       // Per-delivery timeout
	FromDomain  string `toml:"from_domain"`   // HELO/EHLO domain, defaults to smtp.hostname
}

// GetTimeout parses the per-delivery timeout.
func (r *RelayConfig) GetTimeout() (time.Duration, error) {
	if r.Timeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(r.Timeout)
}

// Addr returns the host:port of the relay.
func (r *RelayConfig) Addr() string {
	port := r.Port
	if port == 0 {
		port = 587
	}
	return fmt.Sprintf("%s:%d", r.Host, port)
}

// RateLimitConfig holds the per-IP connection rate limiter settings.
type RateLimitConfig struct {
	Enabled      bool   `toml:"enabled"`
	Window       string `toml:"window"`
	MaxPerWindow int    `toml:"max_per_window"`
}

// GetWindow parses the sliding window duration.
func (r *RateLimitConfig) GetWindow() (time.Duration, error) {
	if r.Window == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(r.Window)
}

// WorkerConfig holds the processing worker pool settings.
type WorkerConfig struct {
	Concurrency  int    `toml:"concurrency"`
	BatchSize    int    `toml:"batch_size"`
	PollInterval string `toml:"poll_interval"`
	MaxAttempts  int    `toml:"max_attempts"`
	BaseDelay    string `toml:"base_delay"` // First job retry delay; doubles per attempt
	MaxKeywords  int    `toml:"max_keywords"`
	InstanceID   string `toml:"instance_id"` // Defaults to the hostname
}

// GetPollInterval parses the queue poll interval.
func (w *WorkerConfig) GetPollInterval() (time.Duration, error) {
	if w.PollInterval == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(w.PollInterval)
}

// GetBaseDelay parses the first retry delay.
func (w *WorkerConfig) GetBaseDelay() (time.Duration, error) {
	if w.BaseDelay == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(w.BaseDelay)
}

// RetryConfig holds the forward-failure retry scheduler settings.
type RetryConfig struct {
	Enabled      bool   `toml:"enabled"`
	MaxAttempts  int    `toml:"max_attempts"`
	BaseDelay    string `toml:"base_delay"` // delay = base * 2^(attempts-1)
	PollInterval string `toml:"poll_interval"`
}

// GetBaseDelay parses the base retry delay.
func (r *RetryConfig) GetBaseDelay() (time.Duration, error) {
	if r.BaseDelay == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(r.BaseDelay)
}

// GetPollInterval parses the scheduler poll interval.
func (r *RetryConfig) GetPollInterval() (time.Duration, error) {
	if r.PollInterval == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(r.PollInterval)
}

// AuthConfig selects the DKIM/SPF verification collaborator.
type AuthConfig struct {
	Enabled bool `toml:"enabled"`
}

// APIConfig holds the admin HTTP API settings.
type APIConfig struct {
	Start        bool   `toml:"start"`
	Addr         string `toml:"addr"`
	APIKey       string `toml:"api_key"` // Empty disables authentication
	RateLimit    int    `toml:"rate_limit_max_per_window"`
	RateWindow   string `toml:"rate_limit_window"`
	AllowOrigins string `toml:"allow_origins"`
}

// GetRateWindow parses the API rate limit window.
func (a *APIConfig) GetRateWindow() (time.Duration, error) {
	if a.RateWindow == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(a.RateWindow)
}

// Config is the root configuration for the gateway.
type Config struct {
	Logging   LoggingConfig   `toml:"logging"`
	Database  DatabaseConfig  `toml:"database"`
	S3        S3Config        `toml:"s3"`
	SMTP      SMTPConfig      `toml:"smtp"`
	Relay     RelayConfig     `toml:"relay"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Worker    WorkerConfig    `toml:"worker"`
	Retry     RetryConfig     `toml:"retry"`
	Auth      AuthConfig      `toml:"auth"`
	API       APIConfig       `toml:"api"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            "5432",
			User:            "postgres",
			Password:        "",
			Name:            "mailgate_db",
			MaxConns:        50,
			MinConns:        5,
			MaxConnLifetime: "1h",
			MaxConnIdleTime: "30m",
		},
		SMTP: SMTPConfig{
			Start:          true,
			Addr:           ":2525",
			Hostname:       "localhost",
			AllowedIPs:     []string{"127.0.0.1"},
			MaxMessageSize: "25mb",
		},
		Relay: RelayConfig{
			Port:    587,
			Timeout: "30s",
		},
		RateLimit: RateLimitConfig{
			Enabled:      true,
			Window:       "1m",
			MaxPerWindow: 100,
		},
		Worker: WorkerConfig{
			Concurrency:  5,
			BatchSize:    20,
			PollInterval: "10s",
			MaxAttempts:  5,
			BaseDelay:    "1m",
			MaxKeywords:  10,
		},
		Retry: RetryConfig{
			Enabled:      true,
			MaxAttempts:  5,
			BaseDelay:    "1m",
			PollInterval: "30s",
		},
		API: APIConfig{
			Addr:       ":8080",
			RateLimit:  120,
			RateWindow: "1m",
		},
	}
}

// Load reads a TOML file over the defaults. A missing file is not an error
// when path is the conventional default; explicit paths must exist.
func Load(path string, cfg *Config) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks settings whose failure must prevent startup. The process
// refuses to serve traffic rather than limp along with a broken setup.
func (c *Config) Validate() error {
	if c.Database.Name == "" || c.Database.User == "" {
		return fmt.Errorf("database name and user are required")
	}
	if c.SMTP.Start && c.SMTP.Addr == "" {
		return fmt.Errorf("smtp.addr is required when the gateway is enabled")
	}
	if c.SMTP.TLS && (c.SMTP.TLSCertFile == "" || c.SMTP.TLSKeyFile == "") {
		return fmt.Errorf("smtp.tls requires tls_cert_file and tls_key_file")
	}
	if _, err := c.SMTP.GetMaxMessageSize(); err != nil {
		return fmt.Errorf("smtp.max_message_size: %w", err)
	}
	if _, err := c.RateLimit.GetWindow(); err != nil {
		return fmt.Errorf("rate_limit.window: %w", err)
	}
	if c.RateLimit.Enabled && c.RateLimit.MaxPerWindow <= 0 {
		return fmt.Errorf("rate_limit.max_per_window must be positive")
	}
	if _, err := c.Worker.GetPollInterval(); err != nil {
		return fmt.Errorf("worker.poll_interval: %w", err)
	}
	if _, err := c.Worker.GetBaseDelay(); err != nil {
		return fmt.Errorf("worker.base_delay: %w", err)
	}
	if c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("worker.max_attempts must be positive")
	}
	if _, err := c.Retry.GetBaseDelay(); err != nil {
		return fmt.Errorf("retry.base_delay: %w", err)
	}
	if _, err := c.Retry.GetPollInterval(); err != nil {
		return fmt.Errorf("retry.poll_interval: %w", err)
	}
	if c.Retry.Enabled && c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}
	if _, err := c.Relay.GetTimeout(); err != nil {
		return fmt.Errorf("relay.timeout: %w", err)
	}
	return nil
}
