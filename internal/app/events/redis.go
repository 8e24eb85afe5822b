package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/confidential_layer/internal/app/domain/computation"
)

// RedisPublisher appends entries to a Redis stream.
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

var _ Sink = (*RedisPublisher)(nil)

// NewRedisPublisher connects to the Redis server at url.
func NewRedisPublisher(ctx context.Context, url, stream string, maxLen int64) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisPublisherWithClient(client, stream, maxLen), nil
}

// NewRedisPublisherWithClient wraps an existing client.
func NewRedisPublisherWithClient(client *redis.Client, stream string, maxLen int64) *RedisPublisher {
	if stream == "" {
		stream = "confidential:events"
	}
	return &RedisPublisher{client: client, stream: stream, maxLen: maxLen}
}

// Stream returns the stream key.
func (p *RedisPublisher) Stream() string { return p.stream }

// Publish adds one stream entry with the sequence, kind, request id and
// the JSON-encoded entry.
func (p *RedisPublisher) Publish(ctx context.Context, entry computation.LogEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"seq":        strconv.FormatUint(entry.Seq, 10),
			"kind":       string(entry.Kind),
			"request_id": strconv.FormatUint(entry.RequestID, 10),
			"payload":    string(payload),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

// Close releases the client.
func (p *RedisPublisher) Close() error { return p.client.Close() }
