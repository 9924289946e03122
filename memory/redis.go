package memory

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aofdev/aof/llms"
)

// RedisMemory persists messages in a capped redis list, one list per
// namespace.
type RedisMemory struct {
	client      *redis.Client
	key         string
	maxMessages int
	ttl         time.Duration
}

func NewRedisMemory(url, namespace string, maxMessages int, ttl time.Duration) (*RedisMemory, error) {
	if url == "" {
		url = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, NewMemoryError("RedisMemory", "New", "invalid redis url", err)
	}
	if namespace == "" {
		namespace = "default"
	}
	return &RedisMemory{
		client:      redis.NewClient(opts),
		key:         "aof:memory:" + namespace,
		maxMessages: maxMessages,
		ttl:         ttl,
	}, nil
}

func (m *RedisMemory) Append(ctx context.Context, msg llms.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return NewMemoryError("RedisMemory", "Append", "failed to marshal message", err)
	}

	pipe := m.client.TxPipeline()
	pipe.RPush(ctx, m.key, data)
	if m.maxMessages > 0 {
		pipe.LTrim(ctx, m.key, int64(-m.maxMessages), -1)
	}
	if m.ttl > 0 {
		pipe.Expire(ctx, m.key, m.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return NewMemoryError("RedisMemory", "Append", "failed to push message", err)
	}
	return nil
}

func (m *RedisMemory) Recent(ctx context.Context, n int) ([]llms.Message, error) {
	start := int64(0)
	if n > 0 {
		start = int64(-n)
	}
	values, err := m.client.LRange(ctx, m.key, start, -1).Result()
	if err != nil {
		return nil, NewMemoryError("RedisMemory", "Recent", "failed to read messages", err)
	}
	messages := make([]llms.Message, 0, len(values))
	for _, v := range values {
		var msg llms.Message
		if err := json.Unmarshal([]byte(v), &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (m *RedisMemory) Clear(ctx context.Context) error {
	if err := m.client.Del(ctx, m.key).Err(); err != nil {
		return NewMemoryError("RedisMemory", "Clear", "failed to delete key", err)
	}
	return nil
}

func (m *RedisMemory) Close() error { return m.client.Close() }

var _ Memory = (*RedisMemory)(nil)
