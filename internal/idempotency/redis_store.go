package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/blues/mfs/internal/config"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "mfs:event:"

// RedisStore 多实例共享的去重存储
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore 连接 redis 并检查连通性
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreWithClient 复用已有客户端
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// MarkProcessed SETNX 带过期时间，一次原子操作
func (s *RedisStore) MarkProcessed(ctx context.Context, eventId string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.keyPrefix+eventId, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark event as processed: %w", err)
	}
	return ok, nil
}

// IsProcessed 检查事件是否已处理
func (s *RedisStore) IsProcessed(ctx context.Context, eventId string) (bool, error) {
	n, err := s.client.Exists(ctx, s.keyPrefix+eventId).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check if event is processed: %w", err)
	}
	return n > 0, nil
}

// Forget 删除标记
func (s *RedisStore) Forget(ctx context.Context, eventId string) error {
	if err := s.client.Del(ctx, s.keyPrefix+eventId).Err(); err != nil {
		return fmt.Errorf("failed to forget event: %w", err)
	}
	return nil
}

// Close 关闭客户端
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
