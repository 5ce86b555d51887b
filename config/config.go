// Package config loads the ruuvistreams process configuration.
//
// Configuration is layered: built-in defaults, then an optional YAML file
// named by RUUVISTREAMS_CONFIG, then environment variables. Later layers win.
//
//	cfg, err := config.Load()
//	if err != nil {
//	    return err
//	}
//
// Environment variables:
//
//	BINDING                    metrics listen address (0.0.0.0:9185)
//	IDLE_TIMEOUT               device idle timeout (60s)
//	ENABLE_PROCESS_COLLECTION  export process metrics (false)
//	ADAPTER_NAME               preferred bluetooth adapter (hci0)
//	NATS_URL                   republish readings when set
//	NATS_SUBJECT_PREFIX        republish subject prefix (ruuvi.readings)
//	NATS_TLS_CERT              client certificate for NATS TLS
//	NATS_TLS_KEY               client key for NATS TLS
//	NATS_TLS_CA                CA bundle for NATS TLS
//	NATS_CONNECT_TIMEOUT       dial and handshake timeout (5s)
//	NATS_CONNECT_ATTEMPTS      startup connect attempts (5)
//	NATS_MAX_RECONNECTS        reconnect attempts, -1 for no limit (-1)
//	NATS_RECONNECT_WAIT        delay between reconnects (2s)
//	NATS_PING_INTERVAL         keepalive interval (30s)
//	NATS_DRAIN_TIMEOUT         drain budget on shutdown (10s)
//	NATS_CIRCUIT_THRESHOLD     failed connects before the circuit opens (5)
//	NATS_MAX_BACKOFF           circuit breaker backoff ceiling (1m)
//	LOG_LEVEL                  debug, info, warn or error (info)
//	LOG_FORMAT                 json or text (json)
//	SHUTDOWN_TIMEOUT           graceful stop budget (10s)
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/ruuvistreams/errors"
)

// FileEnv names the environment variable holding the optional YAML file path
const FileEnv = "RUUVISTREAMS_CONFIG"

// Config is the complete process configuration
type Config struct {
	Binding                 string        `yaml:"binding"`
	IdleTimeout             time.Duration `yaml:"idle_timeout"`
	EnableProcessCollection bool          `yaml:"enable_process_collection"`
	AdapterName             string        `yaml:"adapter_name"`
	NATS                    NATSConfig    `yaml:"nats"`
	Log                     LogConfig     `yaml:"log"`
	ShutdownTimeout         time.Duration `yaml:"shutdown_timeout"`
}

// NATSConfig configures optional republishing
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Username      string `yaml:"username,omitempty"`
	Password      string `yaml:"password,omitempty"`
	Token         string `yaml:"token,omitempty"`

	TLSCert string `yaml:"tls_cert,omitempty"`
	TLSKey  string `yaml:"tls_key,omitempty"`
	TLSCA   string `yaml:"tls_ca,omitempty"`

	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	ConnectAttempts  int           `yaml:"connect_attempts"`
	MaxReconnects    int           `yaml:"max_reconnects"`
	ReconnectWait    time.Duration `yaml:"reconnect_wait"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	DrainTimeout     time.Duration `yaml:"drain_timeout"`
	CircuitThreshold int32         `yaml:"circuit_threshold"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
}

// TLSEnabled reports whether a client certificate or CA bundle is configured
func (n NATSConfig) TLSEnabled() bool {
	return n.TLSCert != "" || n.TLSKey != "" || n.TLSCA != ""
}

// Enabled reports whether republishing is configured
func (n NATSConfig) Enabled() bool {
	return n.URL != ""
}

// LogConfig configures the process logger
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns the built-in configuration
func Defaults() *Config {
	return &Config{
		Binding:     "0.0.0.0:9185",
		IdleTimeout: 60 * time.Second,
		AdapterName: "hci0",
		NATS: NATSConfig{
			SubjectPrefix:    "ruuvi.readings",
			ConnectTimeout:   5 * time.Second,
			ConnectAttempts:  5,
			MaxReconnects:    -1,
			ReconnectWait:    2 * time.Second,
			PingInterval:     30 * time.Second,
			DrainTimeout:     10 * time.Second,
			CircuitThreshold: 5,
			MaxBackoff:       time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		ShutdownTimeout: 10 * time.Second,
	}
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if err := validateBinding(c.Binding); err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "binding")
	}
	if c.IdleTimeout <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: idle timeout must be positive, got %s", errors.ErrInvalidConfig, c.IdleTimeout),
			"Config", "Validate", "idle timeout")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: shutdown timeout must be positive, got %s", errors.ErrInvalidConfig, c.ShutdownTimeout),
			"Config", "Validate", "shutdown timeout")
	}
	if c.NATS.Enabled() {
		if err := c.NATS.validate(); err != nil {
			return errors.WrapInvalid(err, "Config", "Validate", "nats")
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: unknown log level %q", errors.ErrInvalidConfig, c.Log.Level),
			"Config", "Validate", "log level")
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: unknown log format %q", errors.ErrInvalidConfig, c.Log.Format),
			"Config", "Validate", "log format")
	}
	return nil
}

func (n NATSConfig) validate() error {
	if !isValidSubjectPrefix(n.SubjectPrefix) {
		return fmt.Errorf("%w: invalid subject prefix %q", errors.ErrInvalidConfig, n.SubjectPrefix)
	}
	if (n.TLSCert == "") != (n.TLSKey == "") {
		return fmt.Errorf("%w: nats tls_cert and tls_key must be set together", errors.ErrInvalidConfig)
	}
	if n.ConnectTimeout <= 0 {
		return fmt.Errorf("%w: nats connect_timeout must be positive, got %s", errors.ErrInvalidConfig, n.ConnectTimeout)
	}
	if n.ConnectAttempts < 1 {
		return fmt.Errorf("%w: nats connect_attempts must be at least 1, got %d", errors.ErrInvalidConfig, n.ConnectAttempts)
	}
	if n.MaxReconnects < -1 {
		return fmt.Errorf("%w: nats max_reconnects must be -1 or more, got %d", errors.ErrInvalidConfig, n.MaxReconnects)
	}
	if n.ReconnectWait < 0 || n.PingInterval <= 0 || n.DrainTimeout <= 0 {
		return fmt.Errorf("%w: nats reconnect_wait, ping_interval and drain_timeout must be positive", errors.ErrInvalidConfig)
	}
	if n.CircuitThreshold < 1 {
		return fmt.Errorf("%w: nats circuit_threshold must be at least 1, got %d", errors.ErrInvalidConfig, n.CircuitThreshold)
	}
	if n.MaxBackoff < time.Second {
		return fmt.Errorf("%w: nats max_backoff must be at least 1s, got %s", errors.ErrInvalidConfig, n.MaxBackoff)
	}
	return nil
}

func validateBinding(binding string) error {
	_, port, err := net.SplitHostPort(binding)
	if err != nil {
		return fmt.Errorf("%w: binding %q: %v", errors.ErrInvalidConfig, binding, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("%w: binding %q: port must be 1-65535", errors.ErrInvalidConfig, binding)
	}
	return nil
}

// isValidSubjectPrefix accepts dot separated NATS tokens without wildcards
func isValidSubjectPrefix(prefix string) bool {
	if prefix == "" {
		return true
	}
	for _, part := range strings.Split(strings.TrimSuffix(prefix, "."), ".") {
		if part == "" || strings.ContainsAny(part, "*> \t") {
			return false
		}
	}
	return true
}

// String returns a YAML rendering with secrets redacted
func (c *Config) String() string {
	redacted := *c
	if redacted.NATS.Password != "" {
		redacted.NATS.Password = "[REDACTED]"
	}
	if redacted.NATS.Token != "" {
		redacted.NATS.Token = "[REDACTED]"
	}
	data, _ := yaml.Marshal(&redacted)
	return string(data)
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers []string
	lookup func(string) (string, bool)
}

// NewLoader creates a loader reading the process environment
func NewLoader() *Loader {
	return &Loader{lookup: os.LookupEnv}
}

// AddLayer adds a YAML file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// Load applies defaults, file layers and environment overrides, then validates
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range l.layers {
		if err := l.loadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrMissingConfig, err), "Loader", "Load", "read "+path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "Loader", "Load", "parse "+path)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	if val, ok := l.lookup("BINDING"); ok {
		cfg.Binding = val
	}
	if val, ok := l.lookup("ADAPTER_NAME"); ok {
		cfg.AdapterName = val
	}
	if val, ok := l.lookup("NATS_URL"); ok {
		cfg.NATS.URL = val
	}
	if val, ok := l.lookup("NATS_SUBJECT_PREFIX"); ok {
		cfg.NATS.SubjectPrefix = val
	}
	if val, ok := l.lookup("NATS_USERNAME"); ok {
		cfg.NATS.Username = val
	}
	if val, ok := l.lookup("NATS_PASSWORD"); ok {
		cfg.NATS.Password = val
	}
	if val, ok := l.lookup("NATS_TOKEN"); ok {
		cfg.NATS.Token = val
	}
	if val, ok := l.lookup("NATS_TLS_CERT"); ok {
		cfg.NATS.TLSCert = val
	}
	if val, ok := l.lookup("NATS_TLS_KEY"); ok {
		cfg.NATS.TLSKey = val
	}
	if val, ok := l.lookup("NATS_TLS_CA"); ok {
		cfg.NATS.TLSCA = val
	}
	if val, ok := l.lookup("LOG_LEVEL"); ok {
		cfg.Log.Level = val
	}
	if val, ok := l.lookup("LOG_FORMAT"); ok {
		cfg.Log.Format = val
	}

	if val, ok := l.lookup("ENABLE_PROCESS_COLLECTION"); ok {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return envError("ENABLE_PROCESS_COLLECTION", val, err)
		}
		cfg.EnableProcessCollection = enabled
	}
	if val, ok := l.lookup("NATS_MAX_RECONNECTS"); ok {
		n, err := strconv.Atoi(val)
		if err != nil {
			return envError("NATS_MAX_RECONNECTS", val, err)
		}
		cfg.NATS.MaxReconnects = n
	}
	if val, ok := l.lookup("NATS_CONNECT_ATTEMPTS"); ok {
		n, err := strconv.Atoi(val)
		if err != nil {
			return envError("NATS_CONNECT_ATTEMPTS", val, err)
		}
		cfg.NATS.ConnectAttempts = n
	}
	if val, ok := l.lookup("NATS_CIRCUIT_THRESHOLD"); ok {
		n, err := strconv.ParseInt(val, 10, 32)
		if err != nil {
			return envError("NATS_CIRCUIT_THRESHOLD", val, err)
		}
		cfg.NATS.CircuitThreshold = int32(n)
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"IDLE_TIMEOUT", &cfg.IdleTimeout},
		{"SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"NATS_CONNECT_TIMEOUT", &cfg.NATS.ConnectTimeout},
		{"NATS_RECONNECT_WAIT", &cfg.NATS.ReconnectWait},
		{"NATS_PING_INTERVAL", &cfg.NATS.PingInterval},
		{"NATS_DRAIN_TIMEOUT", &cfg.NATS.DrainTimeout},
		{"NATS_MAX_BACKOFF", &cfg.NATS.MaxBackoff},
	}
	for _, d := range durations {
		if err := l.duration(d.name, d.dst); err != nil {
			return err
		}
	}
	return nil
}

// duration parses a Go duration, or a bare number of seconds
func (l *Loader) duration(name string, dst *time.Duration) error {
	val, ok := l.lookup(name)
	if !ok {
		return nil
	}
	if secs, err := strconv.ParseUint(val, 10, 32); err == nil {
		*dst = time.Duration(secs) * time.Second
		return nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return envError(name, val, err)
	}
	*dst = d
	return nil
}

func envError(name, val string, err error) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s=%q: %v", errors.ErrInvalidConfig, name, val, err), "Loader", "Load", "parse environment")
}

// Load reads the process configuration: defaults, the file named by
// RUUVISTREAMS_CONFIG when set, and environment overrides.
func Load() (*Config, error) {
	l := NewLoader()
	if path, ok := os.LookupEnv(FileEnv); ok && path != "" {
		l.AddLayer(path)
	}
	return l.Load()
}
