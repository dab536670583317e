package metrics

// Config holds configuration for the metrics provider
type Config struct {
	// Enabled determines whether metrics collection is enabled
	Enabled bool `mapstructure:"enabled"`

	// Provider specifies which metrics provider to use (prometheus, noop)
	Provider string `mapstructure:"provider"`

	// Namespace is an optional prefix for all metric names
	Namespace string `mapstructure:"namespace"`

	// HTTPRequestBuckets defines histogram buckets for HTTP request duration (in seconds)
	HTTPRequestBuckets []float64 `mapstructure:"http_request_buckets"`

	// PushgatewayURL, if set, enables pushing metrics to a Prometheus Pushgateway.
	PushgatewayURL string `mapstructure:"pushgateway_url"`

	// PushgatewayJobName names this instance's job for Pushgateway scraping.
	PushgatewayJobName string `mapstructure:"pushgateway_job_name"`

	// PushgatewayInterval, in seconds, enables automatic periodic pushing.
	PushgatewayInterval int `mapstructure:"pushgateway_interval"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Enabled:            true,
		Provider:           "prometheus",
		HTTPRequestBuckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}
}

// ApplyDefaults fills in any missing values with defaults
func (c *Config) ApplyDefaults() {
	if c.Provider == "" {
		c.Provider = "prometheus"
	}
	if len(c.HTTPRequestBuckets) == 0 {
		c.HTTPRequestBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	}
}
