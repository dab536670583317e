package ingress

import (
	"testing"
	"time"
)

func TestNATSConfigApplyDefaults(t *testing.T) {
	cfg := NATSConfig{}
	cfg.applyDefaults()

	if cfg.StreamName != "FILTERGATEWAY_EVENTS" {
		t.Errorf("StreamName = %q, want %q", cfg.StreamName, "FILTERGATEWAY_EVENTS")
	}
	if cfg.IngressSubject != "events.>" {
		t.Errorf("IngressSubject = %q, want %q", cfg.IngressSubject, "events.>")
	}
	if cfg.MaxAge != 24*time.Hour {
		t.Errorf("MaxAge = %v, want %v", cfg.MaxAge, 24*time.Hour)
	}
}

func TestNATSConfigApplyDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := NATSConfig{StreamName: "CUSTOM", MaxAge: time.Hour}
	cfg.applyDefaults()

	if cfg.StreamName != "CUSTOM" {
		t.Errorf("StreamName = %q, want %q", cfg.StreamName, "CUSTOM")
	}
	if cfg.MaxAge != time.Hour {
		t.Errorf("MaxAge = %v, want %v", cfg.MaxAge, time.Hour)
	}
}

func TestRedisConfigApplyDefaults(t *testing.T) {
	cfg := RedisConfig{}
	cfg.applyDefaults()

	if cfg.StreamName != "filtergateway:events" {
		t.Errorf("StreamName = %q, want %q", cfg.StreamName, "filtergateway:events")
	}
	if cfg.ConsumerGroup != "filtergateway-workers" {
		t.Errorf("ConsumerGroup = %q, want %q", cfg.ConsumerGroup, "filtergateway-workers")
	}
	if cfg.ConsumerName == "" {
		t.Error("expected a generated ConsumerName")
	}
}

func TestAddr(t *testing.T) {
	tests := []struct {
		host string
		port int
		want string
	}{
		{"localhost", 6379, "localhost:6379"},
		{"redis.internal", 0, "redis.internal:6379"},
	}
	for _, tt := range tests {
		if got := addr(tt.host, tt.port); got != tt.want {
			t.Errorf("addr(%q, %d) = %q, want %q", tt.host, tt.port, got, tt.want)
		}
	}
}
