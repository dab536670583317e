package config

import "time"

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Tracing       TracingConfig       `mapstructure:"tracing"`
	Logger        LoggerConfig        `mapstructure:"logger"`
	ErrorTracking ErrorTrackingConfig `mapstructure:"error_tracking"`
	FilterGateway FilterGatewayConfig `mapstructure:"filter_gateway"`
}

// ServerConfig holds admin HTTP server configuration
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
}

// TracingConfig holds OpenTelemetry tracing configuration
type TracingConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
	Endpoint       string `mapstructure:"endpoint"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Dev  bool   `mapstructure:"dev"`
	Path string `mapstructure:"path"`
}

// ErrorTrackingConfig holds error tracking configuration
type ErrorTrackingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Provider         string  `mapstructure:"provider"` // sentry, noop
	DSN              string  `mapstructure:"dsn"`
	Environment      string  `mapstructure:"environment"`
	Release          string  `mapstructure:"release"`
	Debug            bool    `mapstructure:"debug"`
	SampleRate       float64 `mapstructure:"sample_rate"`
	TracesSampleRate float64 `mapstructure:"traces_sample_rate"`
}

// FilterGatewayConfig contains configuration for the event filter gateway:
// the extractor config source, worker lifecycle tuning, and the pluggable
// cluster membership / ingress adapters described in spec §6.
type FilterGatewayConfig struct {
	// ExtractorSource is either a filesystem path to a JSON document or an
	// inline JSON string. Selection is by heuristic (see eventbroker.Load).
	ExtractorSource string `mapstructure:"extractor_source"`

	InstanceID string `mapstructure:"instance_id"`

	// WorkerIdleTTL is how long a Filter Worker may hold zero subscriptions
	// before it terminates.
	WorkerIdleTTL time.Duration `mapstructure:"worker_idle_ttl"`

	// ReloadDeadline bounds each per-worker reload_configuration call made
	// during Supervisor.ReloadConfig.
	ReloadDeadline time.Duration `mapstructure:"reload_deadline"`

	// MailboxBufferSize is the size of each Filter Worker's command mailbox.
	MailboxBufferSize int `mapstructure:"mailbox_buffer_size"`

	// DeliveryQueueSize is loaded from configuration but is not passed to
	// any component; it does not bound any delivery queue.
	DeliveryQueueSize int `mapstructure:"delivery_queue_size"`

	// ClusterGroup names the discovery group every Supervisor registers
	// under; Supervisor.Processes() enumerates its members.
	ClusterGroup string `mapstructure:"cluster_group"`

	// Membership selects the discovery backend: "local" (single node,
	// the default) or "nats".
	Membership string `mapstructure:"membership"`

	// Ingress selects the inbound event transport: "nats" or "redis".
	Ingress string `mapstructure:"ingress"`

	NATS  FilterGatewayNATSConfig  `mapstructure:"nats"`
	Redis FilterGatewayRedisConfig `mapstructure:"redis"`
}

// FilterGatewayNATSConfig configures the NATS-backed ingress adapter and,
// optionally, NATS-backed cluster membership heartbeats.
type FilterGatewayNATSConfig struct {
	URL               string        `mapstructure:"url"`
	IngressSubject    string        `mapstructure:"ingress_subject"`
	MembershipSubject string        `mapstructure:"membership_subject"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// FilterGatewayRedisConfig configures the Redis Streams ingress adapter.
type FilterGatewayRedisConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	StreamName    string `mapstructure:"stream_name"`
	ConsumerGroup string `mapstructure:"consumer_group"`
}
