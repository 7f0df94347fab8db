package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/migadu/xoauth2-proxy/helpers"
)

// Listener types accepted in [[servers]].type
const (
	ServerTypeSMTP     = "smtp"     // plaintext, already secured by a TLS-terminating proxy in front
	ServerTypeSMTPS    = "smtps"    // implicit TLS
	ServerTypeSTARTTLS = "starttls" // plaintext with mandatory STARTTLS
	ServerTypeAuto     = "auto"     // implicit TLS or STARTTLS, detected from the first byte
)

var validServerTypes = []string{ServerTypeSMTP, ServerTypeSMTPS, ServerTypeSTARTTLS, ServerTypeAuto}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output     string `toml:"output"`       // Log output: "stderr", "stdout", "syslog", or file path
	Format     string `toml:"format"`       // Log format: "json" or "console"
	Level      string `toml:"level"`        // Log level: "debug", "info", "warn", "error"
	MaxSizeMB  int    `toml:"max_size_mb"`  // File output only: rotate after this many megabytes
	MaxBackups int    `toml:"max_backups"`  // File output only: rotated files to keep
	MaxAgeDays int    `toml:"max_age_days"` // File output only: days to keep rotated files
	Compress   bool   `toml:"compress"`     // File output only: gzip rotated files
}

// ProxyProtocolConfig holds PROXY protocol configuration
type ProxyProtocolConfig struct {
	Enabled        bool     `toml:"enabled"`         // Enable PROXY protocol support
	Mode           string   `toml:"mode,omitempty"`  // "required" (default) or "optional"
	TrustedProxies []string `toml:"trusted_proxies"` // CIDR blocks of trusted proxies
	Timeout        string   `toml:"timeout"`         // Timeout for reading PROXY header
}

// GetTimeout parses the PROXY header read timeout
func (p *ProxyProtocolConfig) GetTimeout() (time.Duration, error) {
	if p.Timeout == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(p.Timeout)
}

// RetryConfig controls how often a failed backend dial is retried
type RetryConfig struct {
	InitialInterval string  `toml:"initial_interval"`
	MaxInterval     string  `toml:"max_interval"`
	Multiplier      float64 `toml:"multiplier"`
	Jitter          bool    `toml:"jitter"`
	MaxRetries      int     `toml:"max_retries"` // 0 disables retries
}

func (r *RetryConfig) GetInitialInterval() (time.Duration, error) {
	if r.InitialInterval == "" {
		return 250 * time.Millisecond, nil
	}
	return helpers.ParseDuration(r.InitialInterval)
}

func (r *RetryConfig) GetMaxInterval() (time.Duration, error) {
	if r.MaxInterval == "" {
		return 2 * time.Second, nil
	}
	return helpers.ParseDuration(r.MaxInterval)
}

func (r *RetryConfig) GetMultiplier() float64 {
	if r.Multiplier < 1 {
		return 2.0
	}
	return r.Multiplier
}

// CircuitBreakerConfig holds circuit breaker settings for backend dials
type CircuitBreakerConfig struct {
	Enabled      bool    `toml:"enabled"`
	MaxRequests  uint32  `toml:"max_requests"`  // Probes allowed while half-open
	Interval     string  `toml:"interval"`      // Window after which closed-state counts reset
	Timeout      string  `toml:"timeout"`       // Time spent open before probing again
	FailureRatio float64 `toml:"failure_ratio"` // Failure ratio that trips the breaker
	MinRequests  uint32  `toml:"min_requests"`  // Requests needed before the ratio is evaluated
}

func (c *CircuitBreakerConfig) GetMaxRequests() uint32 {
	if c.MaxRequests == 0 {
		return 3
	}
	return c.MaxRequests
}

func (c *CircuitBreakerConfig) GetInterval() (time.Duration, error) {
	if c.Interval == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(c.Interval)
}

func (c *CircuitBreakerConfig) GetTimeout() (time.Duration, error) {
	if c.Timeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(c.Timeout)
}

func (c *CircuitBreakerConfig) GetFailureRatio() float64 {
	if c.FailureRatio <= 0 || c.FailureRatio > 1 {
		return 0.6
	}
	return c.FailureRatio
}

func (c *CircuitBreakerConfig) GetMinRequests() uint32 {
	if c.MinRequests == 0 {
		return 3
	}
	return c.MinRequests
}

// BackendConfig describes the SMTP submission server every session is
// relayed to
type BackendConfig struct {
	Host               string               `toml:"host"`
	Port               int                  `toml:"port"`
	Secure             bool                 `toml:"secure"`               // Connect with implicit TLS
	Secured            bool                 `toml:"secured"`              // Treat the plaintext connection as already secure
	InsecureSkipVerify bool                 `toml:"insecure_skip_verify"` // Skip certificate verification (testing only)
	ConnectTimeout     string               `toml:"connect_timeout"`
	Retry              RetryConfig          `toml:"retry"`
	CircuitBreaker     CircuitBreakerConfig `toml:"circuit_breaker"`
}

func (b *BackendConfig) GetConnectTimeout() (time.Duration, error) {
	if b.ConnectTimeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(b.ConnectTimeout)
}

// GetPort returns the backend port, defaulting to 465 for implicit TLS and
// 587 otherwise.
func (b *BackendConfig) GetPort() int {
	if b.Port != 0 {
		return b.Port
	}
	if b.Secure {
		return 465
	}
	return 587
}

// SessionConfig holds settings shared by every client session
type SessionConfig struct {
	ClientIdleTimeout       string `toml:"client_idle_timeout"`
	MaxLineLength           int    `toml:"max_line_length"`
	GreetingName            string `toml:"greeting_name"` // Defaults to the host name
	ProtocolInspectionDelay string `toml:"protocol_inspection_delay"`
	Debug                   bool   `toml:"debug"` // Log every client command (credentials masked)
}

func (s *SessionConfig) GetClientIdleTimeout() (time.Duration, error) {
	if s.ClientIdleTimeout == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(s.ClientIdleTimeout)
}

func (s *SessionConfig) GetProtocolInspectionDelay() (time.Duration, error) {
	if s.ProtocolInspectionDelay == "" {
		return 3 * time.Second, nil
	}
	return helpers.ParseDuration(s.ProtocolInspectionDelay)
}

func (s *SessionConfig) GetMaxLineLength() int {
	if s.MaxLineLength <= 0 {
		return 12288
	}
	return s.MaxLineLength
}

// AuthRateLimitConfig throttles clients that keep failing AUTH
type AuthRateLimitConfig struct {
	Enabled                bool    `toml:"enabled"`
	MaxAttemptsPerIP       int     `toml:"max_attempts_per_ip"`       // Failures per IP within ip_window before AUTH is refused
	MaxAttemptsPerUsername int     `toml:"max_attempts_per_username"` // Failures per username within username_window
	IPWindow               string  `toml:"ip_window"`
	UsernameWindow         string  `toml:"username_window"`
	FastBlockThreshold     int     `toml:"fast_block_threshold"` // Failures before the IP is blocked outright
	FastBlockDuration      string  `toml:"fast_block_duration"`
	DelayStartThreshold    int     `toml:"delay_start_threshold"` // Failures before progressive delays start
	InitialDelay           string  `toml:"initial_delay"`
	MaxDelay               string  `toml:"max_delay"`
	DelayMultiplier        float64 `toml:"delay_multiplier"`
	CleanupInterval        string  `toml:"cleanup_interval"`
}

func DefaultAuthRateLimitConfig() AuthRateLimitConfig {
	return AuthRateLimitConfig{
		Enabled:                false,
		MaxAttemptsPerIP:       10,
		MaxAttemptsPerUsername: 5,
		IPWindow:               "15m",
		UsernameWindow:         "30m",
		FastBlockThreshold:     10,
		FastBlockDuration:      "5m",
		DelayStartThreshold:    2,
		InitialDelay:           "2s",
		MaxDelay:               "30s",
		DelayMultiplier:        2.0,
		CleanupInterval:        "1m",
	}
}

func durationOr(value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	return helpers.ParseDuration(value)
}

func (a *AuthRateLimitConfig) GetIPWindow() (time.Duration, error) {
	return durationOr(a.IPWindow, 15*time.Minute)
}

func (a *AuthRateLimitConfig) GetUsernameWindow() (time.Duration, error) {
	return durationOr(a.UsernameWindow, 30*time.Minute)
}

func (a *AuthRateLimitConfig) GetFastBlockDuration() (time.Duration, error) {
	return durationOr(a.FastBlockDuration, 5*time.Minute)
}

func (a *AuthRateLimitConfig) GetInitialDelay() (time.Duration, error) {
	return durationOr(a.InitialDelay, 2*time.Second)
}

func (a *AuthRateLimitConfig) GetMaxDelay() (time.Duration, error) {
	return durationOr(a.MaxDelay, 30*time.Second)
}

func (a *AuthRateLimitConfig) GetCleanupInterval() (time.Duration, error) {
	return durationOr(a.CleanupInterval, time.Minute)
}

func (a *AuthRateLimitConfig) GetDelayMultiplier() float64 {
	if a.DelayMultiplier < 1 {
		return 2.0
	}
	return a.DelayMultiplier
}

// Validate checks every duration in the section
func (a *AuthRateLimitConfig) Validate() error {
	for name, get := range map[string]func() (time.Duration, error){
		"ip_window":           a.GetIPWindow,
		"username_window":     a.GetUsernameWindow,
		"fast_block_duration": a.GetFastBlockDuration,
		"initial_delay":       a.GetInitialDelay,
		"max_delay":           a.GetMaxDelay,
		"cleanup_interval":    a.GetCleanupInterval,
	} {
		if _, err := get(); err != nil {
			return fmt.Errorf("invalid auth_rate_limit %s: %w", name, err)
		}
	}
	return nil
}

// ServerConfig is one [[servers]] entry: a listener type bound to one or
// more addresses on a single port
type ServerConfig struct {
	Name                string              `toml:"name"`
	Type                string              `toml:"type"`
	Addresses           []string            `toml:"addresses"` // Empty means all interfaces
	Port                int                 `toml:"port"`
	TLSCertFile         string              `toml:"tls_cert_file"`
	TLSKeyFile          string              `toml:"tls_key_file"`
	ListenBacklog       int                 `toml:"listen_backlog"`
	MaxConnections      int                 `toml:"max_connections"`
	MaxConnectionsPerIP int                 `toml:"max_connections_per_ip"`
	TrustedNetworks     []string            `toml:"trusted_networks"` // Exempt from per-IP limits
	ProxyProtocol       ProxyProtocolConfig `toml:"proxy_protocol"`
	AuthRateLimit       AuthRateLimitConfig `toml:"auth_rate_limit"`
}

// RequiresTLS reports whether the listener type needs a certificate
func (s *ServerConfig) RequiresTLS() bool {
	return s.Type != ServerTypeSMTP
}

// GetAddresses returns the bind hosts, defaulting to all interfaces
func (s *ServerConfig) GetAddresses() []string {
	if len(s.Addresses) == 0 {
		return []string{""}
	}
	return s.Addresses
}

// Validate checks a single server entry
func (s *ServerConfig) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("server name is required")
	}
	valid := false
	for _, t := range validServerTypes {
		if s.Type == t {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("server %q: invalid type '%s', must be one of: %s", s.Name, s.Type, strings.Join(validServerTypes, ", "))
	}
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("server %q: invalid port %d", s.Name, s.Port)
	}
	if s.RequiresTLS() && (s.TLSCertFile == "" || s.TLSKeyFile == "") {
		return fmt.Errorf("server %q: type %s requires tls_cert_file and tls_key_file", s.Name, s.Type)
	}
	if s.ProxyProtocol.Mode != "" && s.ProxyProtocol.Mode != "required" && s.ProxyProtocol.Mode != "optional" {
		return fmt.Errorf("server %q: invalid proxy_protocol mode '%s'", s.Name, s.ProxyProtocol.Mode)
	}
	if _, err := s.ProxyProtocol.GetTimeout(); err != nil {
		return fmt.Errorf("server %q: invalid proxy_protocol timeout: %w", s.Name, err)
	}
	if err := s.AuthRateLimit.Validate(); err != nil {
		return fmt.Errorf("server %q: %w", s.Name, err)
	}
	return nil
}

// DatabaseConfig holds the SQLite token store settings
type DatabaseConfig struct {
	Path         string `toml:"path"`
	BusyTimeout  string `toml:"busy_timeout"`
	QueryTimeout string `toml:"query_timeout"`
	AutoMigrate  bool   `toml:"auto_migrate"`
}

func (d *DatabaseConfig) GetBusyTimeout() (time.Duration, error) {
	if d.BusyTimeout == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(d.BusyTimeout)
}

func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// AuthCacheConfig holds authentication cache configuration
type AuthCacheConfig struct {
	Enabled         bool   `toml:"enabled"`
	PositiveTTL     string `toml:"positive_ttl"` // TTL for successful lookups
	NegativeTTL     string `toml:"negative_ttl"` // TTL for failed lookups
	MaxSize         int    `toml:"max_size"`
	CleanupInterval string `toml:"cleanup_interval"`
}

func DefaultAuthCacheConfig() AuthCacheConfig {
	return AuthCacheConfig{
		Enabled:         true,
		PositiveTTL:     "5m",
		NegativeTTL:     "1m",
		MaxSize:         10000,
		CleanupInterval: "5m",
	}
}

func (a *AuthCacheConfig) GetPositiveTTL() (time.Duration, error) {
	if a.PositiveTTL == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(a.PositiveTTL)
}

func (a *AuthCacheConfig) GetNegativeTTL() (time.Duration, error) {
	if a.NegativeTTL == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(a.NegativeTTL)
}

func (a *AuthCacheConfig) GetCleanupInterval() (time.Duration, error) {
	if a.CleanupInterval == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(a.CleanupInterval)
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled         bool   `toml:"enabled"`
	Addr            string `toml:"addr"`
	Path            string `toml:"path"`
	CollectInterval string `toml:"collect_interval"`
}

func (m *MetricsConfig) GetCollectInterval() (time.Duration, error) {
	if m.CollectInterval == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(m.CollectInterval)
}

// AdminAPIConfig holds the admin HTTP API settings
type AdminAPIConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"` // Client IPs or CIDRs; empty allows all
	TLSCertFile  string   `toml:"tls_cert_file"`
	TLSKeyFile   string   `toml:"tls_key_file"`
}

// HealthConfig controls the background health checks of the store and the
// SMTP backend
type HealthConfig struct {
	Enabled  bool   `toml:"enabled"`
	Interval string `toml:"interval"`
	Timeout  string `toml:"timeout"`
}

func (h *HealthConfig) GetInterval() (time.Duration, error) {
	if h.Interval == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(h.Interval)
}

func (h *HealthConfig) GetTimeout() (time.Duration, error) {
	if h.Timeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(h.Timeout)
}

// Config holds all configuration for the application.
type Config struct {
	Logging   LoggingConfig   `toml:"logging"`
	Backend   BackendConfig   `toml:"backend"`
	Session   SessionConfig   `toml:"session"`
	Servers   []ServerConfig  `toml:"servers"`
	Database  DatabaseConfig  `toml:"database"`
	AuthCache AuthCacheConfig `toml:"auth_cache"`
	Metrics   MetricsConfig   `toml:"metrics"`
	AdminAPI  AdminAPIConfig  `toml:"admin_api"`
	Health    HealthConfig    `toml:"health"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output:     "stderr",
			Format:     "console",
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Backend: BackendConfig{
			Host:           "smtp.gmail.com",
			Port:           465,
			Secure:         true,
			ConnectTimeout: "10s",
			Retry: RetryConfig{
				InitialInterval: "250ms",
				MaxInterval:     "2s",
				Multiplier:      2.0,
				Jitter:          true,
				MaxRetries:      2,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:      true,
				MaxRequests:  3,
				Interval:     "10s",
				Timeout:      "30s",
				FailureRatio: 0.6,
				MinRequests:  3,
			},
		},
		Session: SessionConfig{
			ClientIdleTimeout:       "5m",
			MaxLineLength:           12288,
			ProtocolInspectionDelay: "3s",
		},
		Database: DatabaseConfig{
			Path:         "xoauth2-proxy.db",
			BusyTimeout:  "5s",
			QueryTimeout: "10s",
			AutoMigrate:  true,
		},
		AuthCache: DefaultAuthCacheConfig(),
		Metrics: MetricsConfig{
			Addr:            ":9090",
			Path:            "/metrics",
			CollectInterval: "1m",
		},
		AdminAPI: AdminAPIConfig{
			Addr: "127.0.0.1:8080",
		},
		Health: HealthConfig{
			Enabled:  true,
			Interval: "30s",
			Timeout:  "10s",
		},
	}
}

// Validate checks the whole configuration before any listener is started.
func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("No SMTP server ports specified to listen on")
	}

	names := make(map[string]bool)
	binds := make(map[string]string)
	for i := range c.Servers {
		srv := &c.Servers[i]
		if err := srv.Validate(); err != nil {
			return err
		}
		if names[srv.Name] {
			return fmt.Errorf("duplicate server name %q", srv.Name)
		}
		names[srv.Name] = true

		if srv.Port == 0 {
			continue
		}
		for _, host := range srv.GetAddresses() {
			bind := net.JoinHostPort(host, strconv.Itoa(srv.Port))
			if other, ok := binds[bind]; ok {
				return fmt.Errorf("servers %q and %q both listen on %s", other, srv.Name, bind)
			}
			binds[bind] = srv.Name
		}
	}

	if c.Backend.Host == "" {
		return fmt.Errorf("backend host is required")
	}
	if _, err := c.Backend.GetConnectTimeout(); err != nil {
		return fmt.Errorf("invalid backend connect_timeout: %w", err)
	}
	if c.Session.MaxLineLength != 0 && c.Session.MaxLineLength < 512 {
		return fmt.Errorf("session max_line_length must be at least 512, got %d", c.Session.MaxLineLength)
	}
	if _, err := c.Session.GetClientIdleTimeout(); err != nil {
		return fmt.Errorf("invalid session client_idle_timeout: %w", err)
	}
	if _, err := c.Session.GetProtocolInspectionDelay(); err != nil {
		return fmt.Errorf("invalid session protocol_inspection_delay: %w", err)
	}
	if c.AdminAPI.Enabled && c.AdminAPI.APIKey == "" {
		return fmt.Errorf("admin_api requires api_key when enabled")
	}
	if _, err := c.Health.GetInterval(); err != nil {
		return fmt.Errorf("invalid health interval: %w", err)
	}
	if _, err := c.Health.GetTimeout(); err != nil {
		return fmt.Errorf("invalid health timeout: %w", err)
	}
	return nil
}
