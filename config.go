package monitor

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const PluginName = "lehter_monitor"

// Delivery methods
const (
	MethodSync  = "sync"
	MethodExec  = "exec"
	MethodAsync = "async"
)

// DefaultMessageLimit caps the stored message length in bytes.
const DefaultMessageLimit = 1024

// NoMessageLimit as message_limit keeps messages whole.
const NoMessageLimit = -1

// Config represents the client configuration
type Config struct {
	// Collector DSN. Empty disables delivery.
	DSN string `mapstructure:"dsn"`

	// Logger name stamped on events
	Logger string `mapstructure:"logger"`
	// Server name, defaults to the hostname
	ServerName string `mapstructure:"server_name"`
	Site       string `mapstructure:"site"`
	Release    string `mapstructure:"release"`
	// Environment used when no ambient source provides one
	Environment string `mapstructure:"environment"`

	// Minimum log level accepted by the Handler
	Level string `mapstructure:"level"`

	MessageLimit  int  `mapstructure:"message_limit"`
	AutoLogStacks bool `mapstructure:"auto_log_stacks"`
	// Error type names that are never reported
	Exclude []string `mapstructure:"exclude"`

	// Defaults merged beneath every event
	Tags  map[string]string `mapstructure:"tags"`
	Extra map[string]any    `mapstructure:"extra"`

	Transport TransportConfig `mapstructure:"transport"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Spool     SpoolConfig     `mapstructure:"spool"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// TransportConfig contains HTTP delivery settings
type TransportConfig struct {
	// One of sync, exec, async
	Method string `mapstructure:"method"`
	// Request timeout
	Timeout time.Duration `mapstructure:"timeout"`
	// SSL verification
	SSLVerify *bool `mapstructure:"ssl_verify"`
	// CA bundle retried with after a certificate verification failure
	CACert string `mapstructure:"ca_cert"`
	Proxy  string `mapstructure:"proxy"`
	// Dial collectors over IPv4 only
	ForceIPv4 bool `mapstructure:"force_ipv4"`
	// Send the JSON body without zlib compression
	DisableCompression bool `mapstructure:"disable_compression"`
	// Wrap the HTTP client with OpenTelemetry instrumentation
	Tracing bool `mapstructure:"tracing"`

	// exec method: curl binary and hard limit on its lifetime
	CurlPath    string        `mapstructure:"curl_path"`
	ExecTimeout time.Duration `mapstructure:"exec_timeout"`
}

// RetryConfig contains retry settings for the async method
type RetryConfig struct {
	// Maximum retry attempts
	MaxAttempts int `mapstructure:"max_attempts"`
	// Initial backoff duration
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	// Backoff multiplier
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier"`
	// Maximum backoff duration
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
}

// QueueConfig contains async queue settings
type QueueConfig struct {
	// Maximum number of pending requests, beyond which events are dropped
	BufferSize int `mapstructure:"buffer_size"`
	// Number of worker goroutines
	Workers int `mapstructure:"workers"`
	// Batch size for processing events
	BatchSize int `mapstructure:"batch_size"`
	// Batch timeout
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// SpoolConfig enables on-disk storage of requests that exhausted their retries
type SpoolConfig struct {
	Dir string `mapstructure:"dir"`
	// Maximum number of spooled requests
	MaxEntries int `mapstructure:"max_entries"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	// Log level for client operations
	Level string `mapstructure:"level"`
}

// InitDefaults initializes default configuration values
func (cfg *Config) InitDefaults() {
	if cfg.Logger == "" {
		cfg.Logger = "go"
	}
	if cfg.ServerName == "" {
		cfg.ServerName, _ = os.Hostname()
	}
	if cfg.Level == "" {
		cfg.Level = "debug"
	}
	if cfg.MessageLimit == 0 {
		cfg.MessageLimit = DefaultMessageLimit
	}

	if cfg.Transport.Method == "" {
		cfg.Transport.Method = MethodAsync
	}
	if cfg.Transport.Timeout == 0 {
		cfg.Transport.Timeout = 2 * time.Second
	}
	if cfg.Transport.SSLVerify == nil {
		verify := true
		cfg.Transport.SSLVerify = &verify
	}
	if cfg.Transport.CurlPath == "" {
		cfg.Transport.CurlPath = "curl"
	}
	if cfg.Transport.ExecTimeout == 0 {
		cfg.Transport.ExecTimeout = 5 * time.Second
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialBackoff == 0 {
		cfg.Retry.InitialBackoff = 1 * time.Second
	}
	if cfg.Retry.BackoffMultiplier == 0 {
		cfg.Retry.BackoffMultiplier = 2.0
	}
	if cfg.Retry.MaxBackoff == 0 {
		cfg.Retry.MaxBackoff = 60 * time.Second
	}

	if cfg.Queue.BufferSize == 0 {
		cfg.Queue.BufferSize = 1000
	}
	if cfg.Queue.Workers == 0 {
		cfg.Queue.Workers = 1
	}
	if cfg.Queue.BatchSize == 0 {
		cfg.Queue.BatchSize = 10
	}
	if cfg.Queue.BatchTimeout == 0 {
		cfg.Queue.BatchTimeout = 1 * time.Second
	}

	if cfg.Spool.Dir != "" && cfg.Spool.MaxEntries == 0 {
		cfg.Spool.MaxEntries = 10000
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate validates the configuration
func (cfg *Config) Validate() error {
	switch cfg.Transport.Method {
	case MethodSync, MethodExec, MethodAsync:
	default:
		return fmt.Errorf("unknown transport method %q", cfg.Transport.Method)
	}

	if _, err := ParseLevel(cfg.Level); err != nil {
		return err
	}

	if cfg.MessageLimit < NoMessageLimit {
		return fmt.Errorf("message_limit must be positive, or %d for no limit", NoMessageLimit)
	}

	if cfg.Queue.BufferSize <= 0 {
		cfg.Queue.BufferSize = 1000
	}
	if cfg.Queue.Workers <= 0 {
		cfg.Queue.Workers = 1
	}
	if cfg.Queue.BatchSize <= 0 {
		cfg.Queue.BatchSize = 1
	}
	if cfg.Retry.MaxAttempts < 0 {
		cfg.Retry.MaxAttempts = 0
	}

	return nil
}

// verifySSL reports whether collector certificates are checked. Unset means yes.
func (tc *TransportConfig) verifySSL() bool {
	return tc.SSLVerify == nil || *tc.SSLVerify
}

// Configurer interface for config plugin
type Configurer interface {
	UnmarshalKey(name string, out any) error
	Has(name string) bool
}

type viperConfigurer struct {
	v *viper.Viper
}

// NewViperConfigurer exposes a viper instance through the Configurer interface.
func NewViperConfigurer(v *viper.Viper) Configurer {
	return &viperConfigurer{v: v}
}

func (c *viperConfigurer) UnmarshalKey(name string, out any) error {
	return c.v.UnmarshalKey(name, out)
}

func (c *viperConfigurer) Has(name string) bool {
	return c.v.IsSet(name)
}

// LoadConfig reads the lehter_monitor section of a YAML file at path.
// LEHTER_MONITOR_* environment variables override keys present in the file
// (e.g. LEHTER_MONITOR_TRANSPORT_METHOD).
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Unmarshal walks every known key so env overrides apply to nested values
	var root struct {
		Monitor Config `mapstructure:"lehter_monitor"`
	}
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg := &root.Monitor

	cfg.InitDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
