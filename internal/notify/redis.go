package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	redis "github.com/redis/go-redis/v9"

	"worldline/internal/config"
)

const channelPrefix = "worldline:session:"

// RedisPublisher mirrors every session event onto a redis pub/sub channel
// so external consumers can follow timelines without a websocket.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(cfg config.RedisConfig) (*RedisPublisher, error) {
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port == 0 {
		port = 6379
	}
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisPublisher{client: client}, nil
}

func (p *RedisPublisher) Broadcast(ctx context.Context, sessionID string, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("encode event for redis publish: %v", err)
		return
	}
	if err := p.client.Publish(ctx, channelPrefix+sessionID, payload).Err(); err != nil {
		log.Printf("redis publish for session %s: %v", sessionID, err)
	}
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
