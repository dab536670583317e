// Package ingress adapts external message transports into the filter
// gateway's event-ingress contract: decode a transport message into an
// eventbroker.Event and hand it to Supervisor.PushEvent. No implicit
// worker creation happens here — that is the Supervisor's job, and it
// happens only on subscribe, never on ingress.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/bitechdev/filtergateway/pkg/eventbroker"
	"github.com/bitechdev/filtergateway/pkg/logger"
)

// NATSConfig configures the NATS JetStream ingress adapter.
type NATSConfig struct {
	URL            string
	StreamName     string
	IngressSubject string // e.g. "events.>"
	InstanceID     string
	MaxAge         time.Duration
}

func (c *NATSConfig) applyDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.StreamName == "" {
		c.StreamName = "FILTERGATEWAY_EVENTS"
	}
	if c.IngressSubject == "" {
		c.IngressSubject = "events.>"
	}
	if c.MaxAge == 0 {
		c.MaxAge = 24 * time.Hour
	}
}

// NATSIngress consumes events published to the configured JetStream subject
// and forwards each to the Supervisor for matching and delivery.
type NATSIngress struct {
	cfg NATSConfig

	nc *nats.Conn
	js jetstream.JetStream

	sup *eventbroker.Supervisor

	mu    sync.Mutex
	cc    jetstream.ConsumeContext
	wg    sync.WaitGroup
	ended chan struct{}
}

// NewNATSIngress connects to the configured NATS URL and ensures the
// underlying stream exists.
func NewNATSIngress(cfg NATSConfig, sup *eventbroker.Supervisor) (*NATSIngress, error) {
	cfg.applyDefaults()

	nc, err := nats.Connect(cfg.URL, nats.Name("filtergateway-ingress-"+cfg.InstanceID))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	n := &NATSIngress{cfg: cfg, nc: nc, js: js, sup: sup, ended: make(chan struct{})}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.StreamName,
		Subjects:  []string{cfg.IngressSubject},
		MaxAge:    cfg.MaxAge,
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create/update ingress stream: %w", err)
	}

	return n, nil
}

// Start begins consuming messages and pushing them through to the
// Supervisor. It returns once the consumer is attached; delivery happens in
// the background.
func (n *NATSIngress) Start(ctx context.Context) error {
	stream, err := n.js.Stream(ctx, n.cfg.StreamName)
	if err != nil {
		return fmt.Errorf("failed to look up ingress stream: %w", err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          "filtergateway-ingress-" + n.cfg.InstanceID,
		FilterSubject: n.cfg.IngressSubject,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create ingress consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var event eventbroker.Event
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			logger.Warn("filtergateway ingress(nats): malformed event payload: %v", err)
			_ = msg.Nak()
			return
		}
		if err := event.Validate(); err != nil {
			logger.Warn("filtergateway ingress(nats): invalid event: %v", err)
			_ = msg.Nak()
			return
		}
		n.sup.PushEvent(context.Background(), &event)
		_ = msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("failed to start ingress consumer: %w", err)
	}

	n.mu.Lock()
	n.cc = cc
	n.mu.Unlock()

	return nil
}

// Stop stops consuming and closes the NATS connection.
func (n *NATSIngress) Stop() {
	n.mu.Lock()
	cc := n.cc
	n.mu.Unlock()
	if cc != nil {
		cc.Stop()
	}
	n.nc.Close()
	close(n.ended)
}
