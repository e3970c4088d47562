package nonce

import (
	"context"
	"time"
)

// Store 抽象 nonce 协调所依赖的共享 KV 存储。
// 多个进程实例共享同一把操作员私钥时，它们必须指向同一个存储后端。
type Store interface {
	// SetIfAbsent 在键不存在时写入值并设置过期时间，返回是否写入成功。
	// ttl 为零表示永不过期。
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get 读取键的当前值，第二个返回值表示键是否存在。
	Get(ctx context.Context, key string) (string, bool, error)
	// CompareAndDelete 仅在键的当前值等于 expected 时删除，避免误删他人持有的租约。
	CompareAndDelete(ctx context.Context, key, expected string) error
	// Incr 将键原子自增一并返回自增后的值。
	Incr(ctx context.Context, key string) (int64, error)
}
