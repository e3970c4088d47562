package nonce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStoreConfig 描述 Redis 存储的连接参数。
type RedisStoreConfig struct {
	Address  string
	Password string
	DB       int
}

// RedisStore 基于 Redis 实现共享的锁与计数器存储。
type RedisStore struct {
	client *redis.Client
}

// compareAndDeleteScript 保证"值相等才删除"在服务端原子执行。
var compareAndDeleteScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
end
return 0
`)

// NewRedisStore 创建 Redis 存储实例并验证连通性。
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// SetIfAbsent 通过 SETNX 原子写入。
func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("Redis SETNX 失败: %w", err)
	}
	return ok, nil
}

// Get 读取键值。
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("Redis GET 失败: %w", err)
	}
	return value, true, nil
}

// CompareAndDelete 仅在值匹配时删除键。
func (s *RedisStore) CompareAndDelete(ctx context.Context, key, expected string) error {
	if err := compareAndDeleteScript.Run(ctx, s.client, []string{key}, expected).Err(); err != nil {
		return fmt.Errorf("Redis 条件删除失败: %w", err)
	}
	return nil
}

// Incr 原子自增。
func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	value, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("Redis INCR 失败: %w", err)
	}
	return value, nil
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
