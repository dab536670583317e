package mqttspec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bitechdev/filtergateway/pkg/eventbroker"
)

func TestConfigApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()

	assert.Equal(t, 5*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, "filtergateway/deliver/", cfg.DeliveryTopicPrefix)
}

func TestConfigApplyDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := Config{ConnectTimeout: time.Second, DeliveryTopicPrefix: "custom/"}
	cfg.applyDefaults()

	assert.Equal(t, time.Second, cfg.ConnectTimeout)
	assert.Equal(t, "custom/", cfg.DeliveryTopicPrefix)
}

func newTestConnection(cfg Config) *Connection {
	cfg.applyDefaults()
	return &Connection{cfg: cfg, endpoints: make(map[string]*Endpoint)}
}

func TestConnectionEndpointMintsOncePerSubscriber(t *testing.T) {
	conn := newTestConnection(Config{DeliveryTopicPrefix: "deliver/", QoS: 1})

	e1 := conn.Endpoint("sub-1")
	e2 := conn.Endpoint("sub-1")
	assert.Same(t, e1, e2, "Endpoint must return the existing instance for a known subscriber ID")

	assert.Equal(t, "sub-1", e1.ID())
	assert.Equal(t, "deliver/sub-1", e1.topic)
	assert.Equal(t, byte(1), e1.qos)
}

func TestConnectionEndpointDistinctPerSubscriber(t *testing.T) {
	conn := newTestConnection(Config{})
	e1 := conn.Endpoint("sub-1")
	e2 := conn.Endpoint("sub-2")
	assert.NotSame(t, e1, e2)
}

func TestEndpointMarkDeadFiresWatchersOnce(t *testing.T) {
	conn := newTestConnection(Config{})
	e := conn.Endpoint("sub-1")

	var fired []eventbroker.LivenessToken
	e.Watch(func(tok eventbroker.LivenessToken) { fired = append(fired, tok) })
	e.Watch(func(tok eventbroker.LivenessToken) { fired = append(fired, tok) })

	e.markDead()
	e.markDead() // idempotent: a second death signal must not refire watchers

	assert.Len(t, fired, 2)
	assert.Equal(t, e.token, fired[0])
	assert.Equal(t, e.token, fired[1])
}

func TestConnectionMarkAllDeadPropagatesToEveryEndpoint(t *testing.T) {
	conn := newTestConnection(Config{})
	e1 := conn.Endpoint("sub-1")
	e2 := conn.Endpoint("sub-2")

	var deadCount int
	e1.Watch(func(eventbroker.LivenessToken) { deadCount++ })
	e2.Watch(func(eventbroker.LivenessToken) { deadCount++ })

	conn.markAllDead()

	assert.Equal(t, 2, deadCount)
	assert.True(t, e1.dead)
	assert.True(t, e2.dead)
}
