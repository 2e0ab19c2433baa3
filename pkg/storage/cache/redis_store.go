package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"skyvault/pkg/core"
	"skyvault/pkg/storage"
	"skyvault/pkg/types"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "sky:obj:"

// CachedStore 是一个装饰器，它为底层的 storage.Store 添加 Redis 存在性缓存
type CachedStore struct {
	backend storage.Store
	client  *redis.Client
	ttl     time.Duration
}

type Config struct {
	RedisURL string        // redis://<user>:<password>@<host>:<port>/<db>
	TTL      time.Duration // 过期时间
}

func NewCachedStore(backend storage.Store, cfg Config) (*CachedStore, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Fail-fast 连接检查
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &CachedStore{
		backend: backend,
		client:  client,
		ttl:     cfg.TTL,
	}, nil
}

func (s *CachedStore) cacheKey(root types.Hash) string {
	return keyPrefix + root.String()
}

// Has 优先查 Redis
func (s *CachedStore) Has(ctx context.Context, root types.Hash) (bool, error) {
	key := s.cacheKey(root)

	// 1. 查 Redis，故障时降级为直接查底层
	val, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		slog.Warn("redis exists failed, falling back to backend", slog.String("root", root.Short()), slog.Any("err", err))
	} else if val > 0 {
		return true, nil
	}

	// 2. 未命中，查底层存储
	found, err := s.backend.Has(ctx, root)
	if err != nil {
		return false, err
	}

	// 3. 异步回填
	if found {
		go func() {
			fillCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.client.Set(fillCtx, key, "1", s.ttl)
		}()
	}

	return found, nil
}

// Put 写穿: 底层成功后才写 Redis
func (s *CachedStore) Put(ctx context.Context, obj core.Object) error {
	exists, err := s.Has(ctx, obj.ID())
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	if err := s.backend.Put(ctx, obj); err != nil {
		return err
	}

	if err := s.client.Set(ctx, s.cacheKey(obj.ID()), "1", s.ttl).Err(); err != nil {
		slog.Warn("redis set failed", slog.String("root", obj.ID().Short()), slog.Any("err", err))
	}
	return nil
}

// Get 透传，Redis 只缓存存在性
func (s *CachedStore) Get(ctx context.Context, root types.Hash) (io.ReadCloser, error) {
	return s.backend.Get(ctx, root)
}

func (s *CachedStore) Close() error { return s.client.Close() }
