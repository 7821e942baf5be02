// Package config handles hub configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level hub configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	Relay     RelayConfig     `json:"relay" yaml:"relay"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// ServerConfig defines the hub's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr" yaml:"addr"` // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty" yaml:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty" yaml:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"` // WebSocket origins; default ["*"]
	StatusToken    string   `json:"status_token,omitempty" yaml:"status_token,omitempty"`       // bearer token for /api/*; empty = open
}

// AuthConfig defines how connecting peers are identified.
type AuthConfig struct {
	Provider    string      `json:"provider,omitempty" yaml:"provider,omitempty"`         // "builtin" (default), "clerk" or "none"
	ClerkIssuer string      `json:"clerk_issuer,omitempty" yaml:"clerk_issuer,omitempty"` // e.g. "https://foo.clerk.accounts.dev"
	JWTSecret   string      `json:"jwt_secret,omitempty" yaml:"jwt_secret,omitempty"`
	JWTExpiry   Duration    `json:"jwt_expiry,omitempty" yaml:"jwt_expiry,omitempty"`
	StaticKeys  []StaticKey `json:"static_keys,omitempty" yaml:"static_keys,omitempty"`
}

// StaticKey is a long-lived project key. Peers present "<id>.<secret>"; only
// the bcrypt hash of the secret is stored.
type StaticKey struct {
	ID         string `json:"id" yaml:"id"`
	ProjectID  string `json:"project_id" yaml:"project_id"`
	ClientType string `json:"client_type" yaml:"client_type"` // "runtime" or "agent"
	Hash       string `json:"hash" yaml:"hash"`
	Name       string `json:"name,omitempty" yaml:"name,omitempty"`
}

// RelayConfig tunes connection handling and request correlation.
type RelayConfig struct {
	RequestTimeout  Duration `json:"request_timeout,omitempty" yaml:"request_timeout,omitempty"`
	PingInterval    Duration `json:"ping_interval,omitempty" yaml:"ping_interval,omitempty"`
	LivenessWindow  Duration `json:"liveness_window,omitempty" yaml:"liveness_window,omitempty"` // close after this long without inbound traffic
	WriteWait       Duration `json:"write_wait,omitempty" yaml:"write_wait,omitempty"`
	SendBuffer      int      `json:"send_buffer,omitempty" yaml:"send_buffer,omitempty"`
	MaxPending      int      `json:"max_pending,omitempty" yaml:"max_pending,omitempty"`
	MaxMessageBytes int64    `json:"max_message_bytes,omitempty" yaml:"max_message_bytes,omitempty"`
	MessageRate     float64  `json:"message_rate,omitempty" yaml:"message_rate,omitempty"` // inbound messages per second per connection
	MessageBurst    int      `json:"message_burst,omitempty" yaml:"message_burst,omitempty"`
}

// StorageConfig defines the audit database.
type StorageConfig struct {
	Driver    string   `json:"driver" yaml:"driver"` // "sqlite" (default), "postgres" or "none"
	DSN       string   `json:"dsn" yaml:"dsn"`       // e.g. "relay.db" or ":memory:"
	Retention Duration `json:"retention,omitempty" yaml:"retention,omitempty"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig limits WebSocket upgrade attempts per client IP.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty" yaml:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty" yaml:"burst,omitempty"`                             // default 20
}

// Duration is a JSON- and YAML-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) set(v any) error {
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
	case int:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

// Default returns a configuration with every default applied and the given
// JWT secret. Used by the init wizard.
func Default(jwtSecret string) *Config {
	cfg := &Config{
		Server: ServerConfig{Addr: ":8080"},
		Auth:   AuthConfig{Provider: "builtin", JWTSecret: jwtSecret},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads and validates a config file. Files ending in .yaml or .yml are
// parsed as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes cfg to path, as YAML or JSON depending on the extension.
func Save(path string, cfg *Config) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch c.Auth.Provider {
	case "", "builtin":
		if c.Auth.JWTSecret == "" && len(c.Auth.StaticKeys) == 0 {
			return fmt.Errorf("auth.jwt_secret or auth.static_keys is required")
		}
	case "clerk":
		if c.Auth.ClerkIssuer == "" {
			return fmt.Errorf("auth.clerk_issuer is required when provider is clerk")
		}
	case "none":
	default:
		return fmt.Errorf("auth.provider: unknown provider %q", c.Auth.Provider)
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	for i, k := range c.Auth.StaticKeys {
		if k.ID == "" || k.ProjectID == "" || k.Hash == "" {
			return fmt.Errorf("auth.static_keys[%d]: id, project_id and hash are required", i)
		}
		if k.ClientType != "runtime" && k.ClientType != "agent" {
			return fmt.Errorf("auth.static_keys[%d]: client_type must be runtime or agent", i)
		}
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	switch c.Storage.Driver {
	case "", "sqlite", "postgres", "none":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for postgres")
	}
	if c.Relay.SendBuffer < 0 || c.Relay.MaxPending < 0 || c.Relay.MaxMessageBytes < 0 {
		return fmt.Errorf("relay limits must not be negative")
	}
	if c.Relay.PingInterval.Duration > 0 && c.Relay.LivenessWindow.Duration > 0 &&
		c.Relay.LivenessWindow.Duration <= c.Relay.PingInterval.Duration {
		return fmt.Errorf("relay.liveness_window must be longer than relay.ping_interval")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.Provider == "" {
		c.Auth.Provider = "builtin"
	}
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Relay.RequestTimeout.Duration == 0 {
		c.Relay.RequestTimeout.Duration = 30 * time.Second
	}
	if c.Relay.PingInterval.Duration == 0 {
		c.Relay.PingInterval.Duration = 30 * time.Second
	}
	if c.Relay.LivenessWindow.Duration == 0 {
		c.Relay.LivenessWindow.Duration = 3 * c.Relay.PingInterval.Duration
	}
	if c.Relay.WriteWait.Duration == 0 {
		c.Relay.WriteWait.Duration = 10 * time.Second
	}
	if c.Relay.SendBuffer == 0 {
		c.Relay.SendBuffer = 256
	}
	if c.Relay.MaxPending == 0 {
		c.Relay.MaxPending = 10000
	}
	if c.Relay.MaxMessageBytes == 0 {
		c.Relay.MaxMessageBytes = 1024 * 1024 // 1MB
	}
	if c.Relay.MessageRate == 0 {
		c.Relay.MessageRate = 50
	}
	if c.Relay.MessageBurst == 0 {
		c.Relay.MessageBurst = 100
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" && c.Storage.Driver == "sqlite" {
		c.Storage.DSN = "relay.db"
	}
	if c.Storage.Retention.Duration == 0 {
		c.Storage.Retention.Duration = 7 * 24 * time.Hour
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
}
