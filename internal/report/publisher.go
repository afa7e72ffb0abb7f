package report

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/t3m8ch/canary-probe/internal/config"
	"github.com/t3m8ch/canary-probe/internal/model"
)

const DefaultChannel = "canary_probe_completed_channel"

// Publisher announces finished runs on a Redis pub/sub channel.
type Publisher struct {
	client  *redis.Client
	channel string
}

func NewPublisher(client *redis.Client, channel string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{client: client, channel: channel}
}

func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func (p *Publisher) Channel() string {
	return p.channel
}

func (p *Publisher) Publish(ctx context.Context, r model.Report) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish report to %s: %w", p.channel, err)
	}
	return nil
}
