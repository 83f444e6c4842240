package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/models"
)

const channelPrefix = "auction_events:"

// RedisBus carries committed events from the write path to the room
// subscribers over Redis pub/sub, so fanout keeps working when the
// coordinator runs as multiple instances.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus connects a publisher to Redis.
func NewRedisBus(addr, password string, db int) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisBus{client: rdb}, nil
}

// Publish serializes the message onto the auction's channel.
func (b *RedisBus) Publish(ctx context.Context, msg models.FanoutMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal fanout message: %w", err)
	}
	return b.client.Publish(ctx, channelPrefix+msg.AuctionID, payload).Err()
}

// Close closes the Redis connection.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

// Subscriber bridges the Redis pub/sub channels into the room manager.
type Subscriber struct {
	client *redis.Client
	logger *slog.Logger
}

// NewSubscriber connects a pub/sub subscriber to Redis.
func NewSubscriber(addr, password string, db int, logger *slog.Logger) (*Subscriber, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{client: rdb, logger: logger}, nil
}

// Run subscribes to every auction channel and forwards messages to the
// manager until ctx is cancelled. Blocking; run in a goroutine.
func (s *Subscriber) Run(ctx context.Context, manager *Manager) error {
	pubsub := s.client.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("pub/sub channel closed")
			}
			var fm models.FanoutMessage
			if err := json.Unmarshal([]byte(msg.Payload), &fm); err != nil {
				s.logger.Warn("failed to parse fanout message", "channel", msg.Channel, "error", err)
				continue
			}
			manager.Broadcast(fm.AuctionID, []byte(msg.Payload))
		}
	}
}

// Close closes the Redis connection.
func (s *Subscriber) Close() error {
	return s.client.Close()
}
