package events

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiStock/pkg/inventory"
)

// RedisStreamPublisher appends events to Redis streams named
// "<prefix>:<event type>"
// Redis Streamsへのイベント発行
type RedisStreamPublisher struct {
	publisher
	stream *redisStream
}

var _ inventory.EventPublisher = (*RedisStreamPublisher)(nil)

type redisStream struct {
	client *redis.Client
	prefix string
	maxLen int64
	logger *zap.Logger
}

// NewRedisClient connects to addr and checks the connection
// Redisクライアントを作成し接続を確認
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("Redis接続確認に失敗しました: %w", err)
	}
	return client, nil
}

// NewRedisStreamPublisher creates a publisher on client. maxLen > 0 trims
// each stream approximately to that length.
func NewRedisStreamPublisher(client *redis.Client, prefix string, maxLen int64, logger *zap.Logger) *RedisStreamPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	stream := &redisStream{client: client, prefix: prefix, maxLen: maxLen, logger: logger}
	return &RedisStreamPublisher{publisher: publisher{sender: stream}, stream: stream}
}

// StreamName returns the stream an event type is written to.
func (p *RedisStreamPublisher) StreamName(eventType string) string {
	return p.stream.name(eventType)
}

// Close closes the underlying client.
func (p *RedisStreamPublisher) Close() error {
	return p.stream.client.Close()
}

func (s *redisStream) name(eventType string) string {
	if s.prefix == "" {
		return eventType
	}
	return s.prefix + ":" + eventType
}

func (s *redisStream) send(ctx context.Context, msg message) error {
	args := &redis.XAddArgs{
		Stream: s.name(msg.eventType),
		Values: map[string]interface{}{
			"type":    msg.eventType,
			"key":     msg.key,
			"payload": string(msg.payload),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("Redisストリームへの書き込みに失敗しました [%s]: %w", args.Stream, err)
	}
	s.logger.Debug("イベントを発行しました",
		zap.String("stream", args.Stream),
		zap.String("id", id),
		zap.String("key", msg.key),
	)
	return nil
}
