package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vango-dev/realtime/pkg/auth"
	"github.com/vango-dev/realtime/pkg/protocol"
	"github.com/vango-dev/realtime/pkg/realtime"
	"github.com/vango-dev/realtime/pkg/retry"
)

const (
	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "realtime.yaml"

	// DefaultEndpoint is the realtime service endpoint.
	DefaultEndpoint = realtime.DefaultEndpoint

	// DefaultServerAddr is the listen address of serve-token.
	DefaultServerAddr = ":8080"

	// EnvPrefix prefixes environment overrides.
	EnvPrefix = "REALTIME_"
)

// ErrNotFound is returned by LoadFile when the file does not exist.
var ErrNotFound = errors.New("config: file not found")

// Config is the complete CLI configuration.
type Config struct {
	// Key is an API key of the form "keyName:keySecret".
	Key string `yaml:"key,omitempty"`

	// Token is a static access token.
	Token string `yaml:"token,omitempty"`

	// ClientID is the identity requested for tokens.
	ClientID string `yaml:"client_id,omitempty"`

	// Endpoint is the realtime websocket endpoint.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Format is the wire format: "json" or "msgpack".
	Format string `yaml:"format,omitempty"`

	// Echo controls whether the service echoes our own messages.
	Echo *bool `yaml:"echo,omitempty"`

	// Idempotent enables client-generated message ids.
	Idempotent *bool `yaml:"idempotent,omitempty"`

	Connection ConnectionConfig `yaml:"connection,omitempty"`
	Retry      RetryConfig      `yaml:"retry,omitempty"`
	Auth       AuthConfig       `yaml:"auth,omitempty"`
	Recovery   RecoveryConfig   `yaml:"recovery,omitempty"`
	Logger     LoggerConfig     `yaml:"logger,omitempty"`
	Server     ServerConfig     `yaml:"server,omitempty"`

	// configPath stores the path where the config was loaded from.
	configPath string
}

// ConnectionConfig tunes the connection state machine. Zero values keep
// the client defaults.
type ConnectionConfig struct {
	StateTTL         time.Duration `yaml:"state_ttl,omitempty"`
	SuspendedRetry   time.Duration `yaml:"suspended_retry,omitempty"`
	MaxRetries       int           `yaml:"max_retries,omitempty"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout,omitempty"`
	Heartbeat        time.Duration `yaml:"heartbeat,omitempty"`
	AttachTimeout    time.Duration `yaml:"attach_timeout,omitempty"`
	MaxQueued        int           `yaml:"max_queued,omitempty"`
}

// RetryConfig is the reconnect backoff.
type RetryConfig struct {
	Base   time.Duration `yaml:"base,omitempty"`
	Max    time.Duration `yaml:"max,omitempty"`
	Jitter float64       `yaml:"jitter,omitempty"`
}

// Policy converts the config to a retry policy.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{Base: r.Base, Max: r.Max, Jitter: r.Jitter}
}

// AuthConfig selects how tokens are obtained.
type AuthConfig struct {
	// URL is an auth endpoint returning a token, token details or a
	// signed token request.
	URL string `yaml:"url,omitempty"`

	// TokenEndpoint exchanges signed token requests for tokens. Used with
	// a key to switch to token auth.
	TokenEndpoint string `yaml:"token_endpoint,omitempty"`

	// Breaker guards TokenEndpoint.
	Breaker auth.BreakerConfig `yaml:"breaker,omitempty"`

	// RenewMargin is the renewal lead time.
	RenewMargin time.Duration `yaml:"renew_margin,omitempty"`

	// TTL is the lifetime requested for tokens.
	TTL time.Duration `yaml:"ttl,omitempty"`

	// Capability is the JSON capability requested for tokens.
	Capability string `yaml:"capability,omitempty"`
}

// RecoveryConfig selects where connection recovery state is kept. At most
// one of File and S3Bucket is set.
type RecoveryConfig struct {
	File     string `yaml:"file,omitempty"`
	S3Bucket string `yaml:"s3_bucket,omitempty"`
	S3Key    string `yaml:"s3_key,omitempty"`
}

// Enabled reports whether recovery state is persisted.
func (r RecoveryConfig) Enabled() bool {
	return r.File != "" || r.S3Bucket != ""
}

// LoggerConfig configures the slog logger.
type LoggerConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level,omitempty"`
	// Format is text or json.
	Format string `yaml:"format,omitempty"`
	// Output is stdout, stderr or a file path.
	Output string `yaml:"output,omitempty"`
}

// ServerConfig configures serve-token.
type ServerConfig struct {
	Addr string `yaml:"addr,omitempty"`
	// Capability is the default capability of issued token requests.
	Capability string `yaml:"capability,omitempty"`
	// TTL is the default lifetime of issued token requests.
	TTL time.Duration `yaml:"ttl,omitempty"`
}

// New creates a new Config with default values.
func New() *Config {
	return &Config{
		Endpoint: DefaultEndpoint,
		Format:   string(protocol.FormatMsgpack),
		Retry: RetryConfig{
			Base:   retry.DefaultBase,
			Max:    retry.DefaultMax,
			Jitter: retry.DefaultJitter,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Server: ServerConfig{
			Addr: DefaultServerAddr,
		},
	}
}

// DefaultPath returns realtime.yaml in the user config directory.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ConfigFileName
	}
	return filepath.Join(dir, "realtime", ConfigFileName)
}

// Load reads configuration from path and applies environment overrides.
// An empty path reads DefaultPath and falls back to defaults when that
// file is missing; an explicit path must exist.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	cfg, err := LoadFile(path)
	if errors.Is(err, ErrNotFound) && !explicit {
		cfg, err = New(), nil
	}
	if err != nil {
		return nil, err
	}
	ApplyEnv(cfg, os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads configuration from the specified file path without
// environment overrides.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := New()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.configPath = path
	cfg.applyDefaults()
	return cfg, nil
}

// ApplyEnv overrides fields from REALTIME_* variables read through getenv.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	set := func(name string, dst *string) {
		if v := getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	set("KEY", &cfg.Key)
	set("TOKEN", &cfg.Token)
	set("CLIENT_ID", &cfg.ClientID)
	set("ENDPOINT", &cfg.Endpoint)
	set("FORMAT", &cfg.Format)
	set("AUTH_URL", &cfg.Auth.URL)
	set("RECOVERY_FILE", &cfg.Recovery.File)
	set("LOG_LEVEL", &cfg.Logger.Level)
	set("LOG_FORMAT", &cfg.Logger.Format)
}

// SaveTo writes the configuration to the specified path.
func (c *Config) SaveTo(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	// The file may hold a key secret.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	c.configPath = path
	return nil
}

// Path returns the path where the config was loaded from.
func (c *Config) Path() string {
	return c.configPath
}

// Dir returns the directory containing the config file.
func (c *Config) Dir() string {
	if c.configPath == "" {
		return ""
	}
	return filepath.Dir(c.configPath)
}

// applyDefaults fills in default values for empty fields and resolves
// relative paths against the config file.
func (c *Config) applyDefaults() {
	d := New()
	if c.Endpoint == "" {
		c.Endpoint = d.Endpoint
	}
	if c.Format == "" {
		c.Format = d.Format
	}
	if c.Logger.Level == "" {
		c.Logger.Level = d.Logger.Level
	}
	if c.Logger.Format == "" {
		c.Logger.Format = d.Logger.Format
	}
	if c.Logger.Output == "" {
		c.Logger.Output = d.Logger.Output
	}
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	c.Recovery.File = c.resolve(c.Recovery.File)
}

func (c *Config) resolve(p string) string {
	if p == "" {
		return ""
	}
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	if filepath.IsAbs(p) || c.Dir() == "" {
		return p
	}
	return filepath.Join(c.Dir(), p)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	var errs []error
	if _, err := protocol.ParseFormat(c.Format); err != nil {
		errs = append(errs, err)
	}
	if c.Key != "" {
		name, secret, ok := strings.Cut(c.Key, ":")
		if !ok || name == "" || secret == "" {
			errs = append(errs, errors.New(`key must have the form "keyName:keySecret"`))
		}
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, fmt.Errorf("retry.jitter %v outside [0, 1]", c.Retry.Jitter))
	}
	if c.Retry.Max > 0 && c.Retry.Base > c.Retry.Max {
		errs = append(errs, fmt.Errorf("retry.base %s exceeds retry.max %s", c.Retry.Base, c.Retry.Max))
	}
	if c.Connection.MaxRetries < 0 || c.Connection.MaxQueued < 0 {
		errs = append(errs, errors.New("connection limits must not be negative"))
	}
	if c.Recovery.File != "" && c.Recovery.S3Bucket != "" {
		errs = append(errs, errors.New("recovery.file and recovery.s3_bucket are exclusive"))
	}
	if c.Recovery.S3Bucket != "" && c.Recovery.S3Key == "" {
		errs = append(errs, errors.New("recovery.s3_key is required with recovery.s3_bucket"))
	}
	if c.Auth.TokenEndpoint != "" && c.Key == "" {
		errs = append(errs, errors.New("auth.token_endpoint needs a key to sign requests"))
	}
	switch strings.ToLower(c.Logger.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logger.format %q is not text or json", c.Logger.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// HasCredentials reports whether any means of authentication is set.
func (c *Config) HasCredentials() bool {
	return c.Key != "" || c.Token != "" || c.Auth.URL != ""
}
