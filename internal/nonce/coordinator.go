package nonce

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/pkg/logger"
)

// 默认的租约参数。锁的 TTL 刻意短于获取超时，
// 持有者崩溃后其它提交者最多等待一个 TTL 就能继续。
const (
	defaultLockTTL        = 10 * time.Second
	defaultPollInterval   = 100 * time.Millisecond
	defaultAcquireTimeout = 30 * time.Second
)

// ErrLockTimeout 表示在超时时间内未能取得链的 nonce 租约。
var ErrLockTimeout = xerrors.New(xerrors.CodeLockTimeout, "")

// ChainReader 提供冷启动时引导计数器所需的链上查询能力。
type ChainReader interface {
	TransactionCount(ctx context.Context, chainID uint64) (uint64, error)
}

// Coordinator 按链 ID 串行化 nonce 的分配。
// 同一条链在任意时刻至多存在一个有效租约；计数器只会在交易被网络接受后前进。
type Coordinator struct {
	store          Store
	chain          ChainReader
	lockTTL        time.Duration
	pollInterval   time.Duration
	acquireTimeout time.Duration
}

// Option 定义协调器的可选配置。
type Option func(*Coordinator)

// WithLockTTL 覆盖租约的存活时间。
func WithLockTTL(ttl time.Duration) Option {
	return func(c *Coordinator) {
		if ttl > 0 {
			c.lockTTL = ttl
		}
	}
}

// WithPollInterval 覆盖抢锁的轮询间隔。
func WithPollInterval(interval time.Duration) Option {
	return func(c *Coordinator) {
		if interval > 0 {
			c.pollInterval = interval
		}
	}
}

// WithAcquireTimeout 覆盖抢锁的总超时时间。
func WithAcquireTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.acquireTimeout = timeout
		}
	}
}

// NewCoordinator 构造协调器。
func NewCoordinator(store Store, chain ChainReader, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:          store,
		chain:          chain,
		lockTTL:        defaultLockTTL,
		pollInterval:   defaultPollInterval,
		acquireTimeout: defaultAcquireTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// AcquireLock 抢占指定链的 nonce 租约，返回租约令牌。
// 在超时窗口内以固定间隔重试，超时后返回 ErrLockTimeout。
func (c *Coordinator) AcquireLock(ctx context.Context, chainID uint64) (string, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(c.acquireTimeout)

	for {
		acquired, err := c.store.SetIfAbsent(ctx, lockKey(chainID), token, c.lockTTL)
		if err != nil {
			return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 nonce 锁失败")
		}
		if acquired {
			return token, nil
		}
		if time.Now().After(deadline) {
			return "", xerrors.New(xerrors.CodeLockTimeout, "",
				xerrors.WithMetadata("chain_id", strconv.FormatUint(chainID, 10)))
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// ReleaseLock 归还租约。只有当前值仍等于令牌时才会删除，
// 避免 TTL 过期后误删他人新取得的租约。失败只记录日志。
func (c *Coordinator) ReleaseLock(ctx context.Context, chainID uint64, token string) {
	if err := c.store.CompareAndDelete(ctx, lockKey(chainID), token); err != nil {
		logger.L().Warn("释放 nonce 租约失败",
			slog.Uint64("chain_id", chainID),
			slog.Any("error", err),
		)
	}
}

// NextNonce 返回链当前未使用的 nonce。调用方必须已持有该链的租约。
// 计数器不存在时用链上交易计数引导；SetIfAbsent 保证并发引导只有一个胜者。
func (c *Coordinator) NextNonce(ctx context.Context, chainID uint64) (uint64, error) {
	key := counterKey(chainID)

	value, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 nonce 计数器失败")
	}
	if !ok {
		if c.chain == nil {
			return 0, xerrors.New(xerrors.CodeInitializationFailure, "协调器未配置链查询能力")
		}
		count, err := c.chain.TransactionCount(ctx, chainID)
		if err != nil {
			return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "引导 nonce 计数器失败")
		}
		if _, err := c.store.SetIfAbsent(ctx, key, strconv.FormatUint(count, 10), 0); err != nil {
			return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 nonce 计数器失败")
		}
		value, ok, err = c.store.Get(ctx, key)
		if err != nil || !ok {
			return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "回读 nonce 计数器失败")
		}
	}

	nonce, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err,
			fmt.Sprintf("nonce 计数器内容非法: %q", value))
	}
	return nonce, nil
}

// AdvanceNonce 在交易被网络接受后推进计数器，返回推进前的值。
// 提交失败的调用方不应推进计数器，下一位持有者会复用同一个 nonce。
func (c *Coordinator) AdvanceNonce(ctx context.Context, chainID uint64) (uint64, error) {
	next, err := c.store.Incr(ctx, counterKey(chainID))
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "推进 nonce 计数器失败")
	}
	return uint64(next - 1), nil
}

func lockKey(chainID uint64) string {
	return fmt.Sprintf("agentpay:nonce:lock:%d", chainID)
}

func counterKey(chainID uint64) string {
	return fmt.Sprintf("agentpay:nonce:counter:%d", chainID)
}
