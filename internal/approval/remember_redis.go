package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RememberStore persists remembered (toolName, args) -> Response decisions
// outside the Manager's own process, so multiple agent processes sharing
// one approval policy (a gateway fronting several workers, or a fleet of
// CLI invocations against the same project) agree on a "don't ask again"
// answer instead of each learning it independently.
type RememberStore interface {
	Get(ctx context.Context, key string) (Response, bool, error)
	Set(ctx context.Context, key string, resp Response) error
}

// RedisRememberStore is a RememberStore backed by a shared Redis instance.
// Keys never expire by default; remembered decisions are meant to persist
// for the life of the project, not a session.
type RedisRememberStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisRememberStore connects to the Redis instance described by url
// (e.g. "redis://localhost:6379/0").
func NewRedisRememberStore(url string) (*RedisRememberStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("approval: parse redis url: %w", err)
	}
	return &RedisRememberStore{
		client: redis.NewClient(opts),
		prefix: "agentforge:approval:remembered:",
	}, nil
}

// WithTTL bounds how long a remembered decision survives in Redis before
// it must be re-asked. The zero value (default) never expires.
func (s *RedisRememberStore) WithTTL(d time.Duration) *RedisRememberStore {
	s.ttl = d
	return s
}

func (s *RedisRememberStore) Get(ctx context.Context, key string) (Response, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return Response{}, false, nil
	}
	if err != nil {
		return Response{}, false, fmt.Errorf("approval: redis get: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, false, fmt.Errorf("approval: decode remembered response: %w", err)
	}
	return resp, true, nil
}

func (s *RedisRememberStore) Set(ctx context.Context, key string, resp Response) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("approval: encode remembered response: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("approval: redis set: %w", err)
	}
	return nil
}

// Close releases the underlying Redis connection pool.
func (s *RedisRememberStore) Close() error {
	return s.client.Close()
}
