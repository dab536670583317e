// Package mqttspec adapts an MQTT broker connection into the filter
// gateway's SubscriberEndpoint contract: one subscriber per connected
// client, delivery by publishing to the client's dedicated topic, liveness
// by the Paho connection-lost callback.
package mqttspec

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/bitechdev/filtergateway/pkg/eventbroker"
	"github.com/bitechdev/filtergateway/pkg/logger"
)

// Config configures a connection to the external MQTT broker used to
// deliver matched events to subscribers.
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	// DeliveryTopicPrefix + subscriber ID forms the topic a client's
	// matched events are published to (e.g. "filtergateway/deliver/<id>").
	DeliveryTopicPrefix string
	QoS                 byte
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.DeliveryTopicPrefix == "" {
		c.DeliveryTopicPrefix = "filtergateway/deliver/"
	}
}

// Endpoint adapts one logical subscriber, reachable over a shared Paho
// client connection to the broker, into an eventbroker.SubscriberEndpoint.
// Multiple Endpoints may share one underlying connection.
type Endpoint struct {
	subscriberID string
	topic        string
	qos          byte

	client pahomqtt.Client

	mu       sync.Mutex
	watchers []eventbroker.LivenessWatcher
	token    eventbroker.LivenessToken
	dead     bool
}

// Connection owns the shared Paho connection used to deliver events to
// every Endpoint minted from it.
type Connection struct {
	cfg    Config
	client pahomqtt.Client

	mu        sync.Mutex
	endpoints map[string]*Endpoint
}

// Connect dials the external MQTT broker and returns a Connection capable
// of minting per-subscriber Endpoints.
func Connect(cfg Config) (*Connection, error) {
	cfg.applyDefaults()

	conn := &Connection{cfg: cfg, endpoints: make(map[string]*Endpoint)}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn("[MQTTSpec] connection to broker lost: %v", err)
		conn.markAllDead()
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, context.DeadlineExceeded
	}
	if err := token.Error(); err != nil {
		return nil, err
	}

	conn.client = client
	return conn, nil
}

// Endpoint mints (or returns the existing) SubscriberEndpoint for
// subscriberID, publishing matched events to its dedicated delivery topic.
func (c *Connection) Endpoint(subscriberID string) *Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.endpoints[subscriberID]; ok {
		return e
	}
	e := &Endpoint{
		subscriberID: subscriberID,
		topic:        c.cfg.DeliveryTopicPrefix + subscriberID,
		qos:          c.cfg.QoS,
		client:       c.client,
		token:        eventbroker.LivenessToken(subscriberID + ":" + time.Now().UTC().Format("150405.000000000")),
	}
	c.endpoints[subscriberID] = e
	return e
}

func (c *Connection) markAllDead() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.endpoints {
		e.markDead()
	}
}

// Close disconnects from the broker.
func (c *Connection) Close() {
	c.client.Disconnect(250)
}

// ID implements eventbroker.SubscriberEndpoint.
func (e *Endpoint) ID() string { return e.subscriberID }

// Deliver implements eventbroker.SubscriberEndpoint: publishes event's
// payload to the subscriber's dedicated topic. Non-blocking: Paho's
// Publish queues internally and returns a token we don't block on beyond a
// short grace window, per the no-retry delivery contract.
func (e *Endpoint) Deliver(ctx context.Context, event *eventbroker.Event) eventbroker.DeliveryResult {
	e.mu.Lock()
	dead := e.dead
	e.mu.Unlock()
	if dead {
		return eventbroker.DeliveryDead
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return eventbroker.DeliveryDead
	}

	token := e.client.Publish(e.topic, e.qos, false, payload)
	if !token.WaitTimeout(200 * time.Millisecond) {
		return eventbroker.DeliveryFull
	}
	if token.Error() != nil {
		return eventbroker.DeliveryDead
	}
	return eventbroker.DeliveryOK
}

// Watch implements eventbroker.SubscriberEndpoint.
func (e *Endpoint) Watch(watcher eventbroker.LivenessWatcher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.watchers = append(e.watchers, watcher)
}

func (e *Endpoint) markDead() {
	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		return
	}
	e.dead = true
	watchers := e.watchers
	token := e.token
	e.mu.Unlock()

	for _, w := range watchers {
		w(token)
	}
}
