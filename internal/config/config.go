// Package config provides configuration parsing and validation for the
// MTProto client core.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete client configuration.
type Config struct {
	Agent      AgentConfig      `yaml:"agent"`
	Connection ConnectionConfig `yaml:"connection"`
	AuthKey    AuthKeyConfig    `yaml:"auth_key"`
	Reconnect  ReconnectConfig  `yaml:"reconnect"`
	Limits     LimitsConfig     `yaml:"limits"`
	HTTP       HTTPConfig       `yaml:"http"`
}

// AgentConfig contains process identity and logging settings.
type AgentConfig struct {
	ID        string `yaml:"id"`         // "auto" or a user-supplied label
	DataDir   string `yaml:"data_dir"`   // directory for persistent state (auth_key file)
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// ConnectionConfig identifies the MTProto endpoint to dial.
type ConnectionConfig struct {
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port"`
	Transport string        `yaml:"transport"` // tcp, ws
	Path      string        `yaml:"path"`       // HTTP path for ws transport
	Timeout   time.Duration `yaml:"timeout"`

	// PublicKey is the PEM-encoded RSA public key used to authenticate the
	// server's DH parameters during the handshake.
	PublicKey    string `yaml:"public_key"`     // inline PEM
	PublicKeyPEM string `yaml:"public_key_pem"` // file path, read if PublicKey is empty
}

// GetPublicKeyPEM returns the RSA public key PEM bytes, reading from file
// if only a path was configured.
func (c *ConnectionConfig) GetPublicKeyPEM() ([]byte, error) {
	if c.PublicKey != "" {
		return []byte(c.PublicKey), nil
	}
	if c.PublicKeyPEM != "" {
		return os.ReadFile(c.PublicKeyPEM)
	}
	return nil, fmt.Errorf("connection.public_key or connection.public_key_pem is required")
}

// AuthKeyConfig controls where the established auth_key is persisted.
type AuthKeyConfig struct {
	Path string `yaml:"path"`
}

// ReconnectConfig defines reconnection backoff behavior.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
	MaxRetries   int           `yaml:"max_retries"` // 0 = infinite
}

// LimitsConfig defines resource limits for the session pipeline.
type LimitsConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// HTTPConfig defines the optional metrics HTTP server (serves /metrics).
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			ID:        "auto",
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Connection: ConnectionConfig{
			Transport: "tcp",
			Timeout:   30 * time.Second,
		},
		AuthKey: AuthKeyConfig{
			Path: "./data/auth_key.yaml",
		},
		Reconnect: ReconnectConfig{
			InitialDelay: 1 * time.Second,
			MaxDelay:     60 * time.Second,
			Multiplier:   2.0,
			Jitter:       0.2,
			MaxRetries:   0,
		},
		Limits: LimitsConfig{
			BufferSize: 262144, // 256 KB
		},
		HTTP: HTTPConfig{
			Enabled: false,
			Address: ":8080",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Agent.DataDir == "" {
		errs = append(errs, "agent.data_dir is required")
	}
	if !isValidLogLevel(c.Agent.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Agent.LogLevel))
	}
	if !isValidLogFormat(c.Agent.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Agent.LogFormat))
	}

	if c.Connection.Host == "" {
		errs = append(errs, "connection.host is required")
	}
	if c.Connection.Port < 1 || c.Connection.Port > 65535 {
		errs = append(errs, "connection.port must be between 1 and 65535")
	}
	if !isValidTransport(c.Connection.Transport) {
		errs = append(errs, fmt.Sprintf("invalid connection.transport: %s (must be tcp or ws)", c.Connection.Transport))
	}
	if c.Connection.Transport == "ws" && c.Connection.Path == "" {
		errs = append(errs, "connection.path is required for ws transport")
	}
	if c.Connection.PublicKey == "" && c.Connection.PublicKeyPEM == "" {
		errs = append(errs, "connection.public_key or connection.public_key_pem is required")
	}

	if c.AuthKey.Path == "" {
		errs = append(errs, "auth_key.path is required")
	}

	if c.Limits.BufferSize < 1024 {
		errs = append(errs, "limits.buffer_size must be at least 1024")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidTransport(transport string) bool {
	switch transport {
	case "tcp", "ws":
		return true
	default:
		return false
	}
}

// String returns a string representation of the config, redacting the RSA
// public key body since it can be large and isn't useful in a log line.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// redactedValue is the placeholder for large/sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with the inline public key body
// elided, safe to log or display.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}
	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}
	if redacted.Connection.PublicKey != "" {
		redacted.Connection.PublicKey = redactedValue
	}
	return redacted
}
