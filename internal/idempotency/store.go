package idempotency

import (
	"context"
	"time"

	"github.com/blues/mfs/internal/config"
	"github.com/blues/mfs/internal/logger"
)

// Store 已处理链上事件的去重存储
type Store interface {
	// MarkProcessed 首次标记返回 true，已标记返回 false
	MarkProcessed(ctx context.Context, eventId string, ttl time.Duration) (bool, error)
	IsProcessed(ctx context.Context, eventId string) (bool, error)
	// Forget 处理失败时撤销标记，使事件可被重新处理
	Forget(ctx context.Context, eventId string) error
	Close() error
}

// NewStore 启用 redis 时使用 redis，否则退化为进程内存储
func NewStore(cfg config.RedisConfig) (Store, error) {
	if !cfg.Enabled {
		logger.Info("Redis disabled, using in-memory event idempotency store")
		return NewInMemoryStore(), nil
	}
	store, err := NewRedisStore(cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("Using redis event idempotency store at %s", cfg.Addr)
	return store, nil
}
