package ingress

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bitechdev/filtergateway/pkg/eventbroker"
	"github.com/bitechdev/filtergateway/pkg/logger"
)

// RedisConfig configures the Redis Streams ingress adapter.
type RedisConfig struct {
	Host          string
	Port          int
	Password      string
	DB            int
	StreamName    string
	ConsumerGroup string
	ConsumerName  string
}

func (c *RedisConfig) applyDefaults() {
	if c.StreamName == "" {
		c.StreamName = "filtergateway:events"
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = "filtergateway-workers"
	}
	if c.ConsumerName == "" {
		c.ConsumerName = "filtergateway-" + time.Now().UTC().Format("150405.000000000")
	}
}

// RedisIngress consumes a Redis stream via a consumer group and forwards
// each message to the Supervisor for matching and delivery.
type RedisIngress struct {
	cfg    RedisConfig
	client *redis.Client
	sup    *eventbroker.Supervisor

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRedisIngress dials Redis and ensures the consumer group exists.
func NewRedisIngress(cfg RedisConfig, sup *eventbroker.Supervisor) (*RedisIngress, error) {
	cfg.applyDefaults()

	client := redis.NewClient(&redis.Options{
		Addr:     addr(cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	err := client.XGroupCreateMkStream(ctx, cfg.StreamName, cfg.ConsumerGroup, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		client.Close()
		return nil, err
	}

	return &RedisIngress{cfg: cfg, client: client, sup: sup, stopCh: make(chan struct{})}, nil
}

// Start begins the blocking consumer-group read loop in a background
// goroutine.
func (r *RedisIngress) Start(ctx context.Context) error {
	r.wg.Add(1)
	go r.consume(ctx)
	return nil
}

func (r *RedisIngress) consume(ctx context.Context) {
	defer r.wg.Done()
	defer logger.CatchPanic("filtergateway.ingress.redis.consume")

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.cfg.ConsumerGroup,
			Consumer: r.cfg.ConsumerName,
			Streams:  []string{r.cfg.StreamName, ">"},
			Count:    10,
			Block:    1 * time.Second,
		}).Result()

		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("filtergateway ingress(redis): failed to read from consumer group: %v", err)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				r.handleMessage(ctx, message)
			}
		}
	}
}

func (r *RedisIngress) handleMessage(ctx context.Context, message redis.XMessage) {
	defer func() {
		r.client.XAck(ctx, r.cfg.StreamName, r.cfg.ConsumerGroup, message.ID)
	}()

	raw, ok := message.Values["event"].(string)
	if !ok {
		logger.Warn("filtergateway ingress(redis): message %s missing \"event\" field", message.ID)
		return
	}

	var event eventbroker.Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		logger.Warn("filtergateway ingress(redis): malformed event payload in message %s: %v", message.ID, err)
		return
	}
	if err := event.Validate(); err != nil {
		logger.Warn("filtergateway ingress(redis): invalid event in message %s: %v", message.ID, err)
		return
	}

	r.sup.PushEvent(ctx, &event)
}

// Stop ends the consumer loop and closes the Redis client.
func (r *RedisIngress) Stop() {
	close(r.stopCh)
	r.wg.Wait()
	r.client.Close()
}

func addr(host string, port int) string {
	if port == 0 {
		port = 6379
	}
	return host + ":" + strconv.Itoa(port)
}
