package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Manager handles configuration loading from multiple sources
type Manager struct {
	v *viper.Viper
}

// NewManager creates a new configuration manager with defaults
func NewManager() *Manager {
	v := viper.New()

	// Set configuration file settings
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/filtergateway")
	v.AddConfigPath("$HOME/.filtergateway")

	// Enable environment variable support
	v.SetEnvPrefix("FILTERGATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set default values
	setDefaults(v)

	return &Manager{v: v}
}

// NewManagerWithOptions creates a new configuration manager with custom options
func NewManagerWithOptions(opts ...Option) *Manager {
	m := NewManager()
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Option is a functional option for configuring the Manager
type Option func(*Manager)

// WithConfigFile sets a specific config file path
func WithConfigFile(path string) Option {
	return func(m *Manager) {
		m.v.SetConfigFile(path)
	}
}

// WithConfigName sets the config file name (without extension)
func WithConfigName(name string) Option {
	return func(m *Manager) {
		m.v.SetConfigName(name)
	}
}

// WithConfigPath adds a path to search for config files
func WithConfigPath(path string) Option {
	return func(m *Manager) {
		m.v.AddConfigPath(path)
	}
}

// WithEnvPrefix sets the environment variable prefix
func WithEnvPrefix(prefix string) Option {
	return func(m *Manager) {
		m.v.SetEnvPrefix(prefix)
	}
}

// Load attempts to load configuration from file and environment
func (m *Manager) Load() error {
	// Try to read config file (not an error if it doesn't exist)
	if err := m.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; will rely on defaults and env vars
	}

	return nil
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() (*Config, error) {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Get returns a configuration value by key
func (m *Manager) Get(key string) interface{} {
	return m.v.Get(key)
}

// GetString returns a string configuration value
func (m *Manager) GetString(key string) string {
	return m.v.GetString(key)
}

// GetInt returns an int configuration value
func (m *Manager) GetInt(key string) int {
	return m.v.GetInt(key)
}

// GetBool returns a bool configuration value
func (m *Manager) GetBool(key string) bool {
	return m.v.GetBool(key)
}

// Set sets a configuration value
func (m *Manager) Set(key string, value interface{}) {
	m.v.Set(key, value)
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.drain_timeout", "25s")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.idle_timeout", "120s")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "filtergateway")
	v.SetDefault("tracing.service_version", "1.0.0")
	v.SetDefault("tracing.endpoint", "")

	// Logger defaults
	v.SetDefault("logger.dev", false)
	v.SetDefault("logger.path", "")

	// Filter Gateway defaults
	v.SetDefault("filter_gateway.extractor_source", "")
	v.SetDefault("filter_gateway.instance_id", "")
	v.SetDefault("filter_gateway.worker_idle_ttl", "10m")
	v.SetDefault("filter_gateway.reload_deadline", "5s")
	v.SetDefault("filter_gateway.mailbox_buffer_size", 256)
	v.SetDefault("filter_gateway.delivery_queue_size", 64)
	v.SetDefault("filter_gateway.cluster_group", "filtergateway-supervisors")
	v.SetDefault("filter_gateway.membership", "local")
	v.SetDefault("filter_gateway.ingress", "nats")

	// Filter Gateway - NATS defaults
	v.SetDefault("filter_gateway.nats.url", "nats://localhost:4222")
	v.SetDefault("filter_gateway.nats.ingress_subject", "events.>")
	v.SetDefault("filter_gateway.nats.membership_subject", "filtergateway.membership")
	v.SetDefault("filter_gateway.nats.heartbeat_interval", "5s")

	// Filter Gateway - Redis defaults
	v.SetDefault("filter_gateway.redis.host", "localhost")
	v.SetDefault("filter_gateway.redis.port", 6379)
	v.SetDefault("filter_gateway.redis.password", "")
	v.SetDefault("filter_gateway.redis.db", 0)
	v.SetDefault("filter_gateway.redis.stream_name", "filtergateway:events")
	v.SetDefault("filter_gateway.redis.consumer_group", "filtergateway-workers")
}
