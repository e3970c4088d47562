package nonce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
)

type fakeChain struct {
	count uint64
	calls atomic.Int32
}

func (f *fakeChain) TransactionCount(context.Context, uint64) (uint64, error) {
	f.calls.Add(1)
	return f.count, nil
}

func TestAcquireLockMutualExclusion(t *testing.T) {
	ctx := context.Background()
	coord := NewCoordinator(NewMemoryStore(), &fakeChain{},
		WithPollInterval(5*time.Millisecond),
		WithAcquireTimeout(2*time.Second),
	)

	token, err := coord.AcquireLock(ctx, 1)
	if err != nil {
		t.Fatalf("抢占租约失败: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		second, err := coord.AcquireLock(ctx, 1)
		if err != nil {
			t.Errorf("第二次抢占租约失败: %v", err)
		}
		coord.ReleaseLock(ctx, 1, second)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("租约被持有期间不应被第二个调用方取得")
	case <-time.After(50 * time.Millisecond):
	}

	coord.ReleaseLock(ctx, 1, token)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("释放租约后第二个调用方未能取得")
	}
}

func TestAcquireLockTimeout(t *testing.T) {
	ctx := context.Background()
	coord := NewCoordinator(NewMemoryStore(), &fakeChain{},
		WithPollInterval(5*time.Millisecond),
		WithAcquireTimeout(30*time.Millisecond),
	)

	if _, err := coord.AcquireLock(ctx, 7); err != nil {
		t.Fatalf("抢占租约失败: %v", err)
	}
	_, err := coord.AcquireLock(ctx, 7)
	if err == nil {
		t.Fatal("预期抢占超时")
	}
	if xerrors.CodeOf(err) != xerrors.CodeLockTimeout {
		t.Fatalf("预期 LOCK_TIMEOUT, 实际 %s", xerrors.CodeOf(err))
	}
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("errors.Is 应命中 ErrLockTimeout: %v", err)
	}
}

func TestNextNonceBootstrapsFromChainOnce(t *testing.T) {
	ctx := context.Background()
	chain := &fakeChain{count: 42}
	coord := NewCoordinator(NewMemoryStore(), chain)

	nonce, err := coord.NextNonce(ctx, 1)
	if err != nil {
		t.Fatalf("读取 nonce 失败: %v", err)
	}
	if nonce != 42 {
		t.Fatalf("预期引导值 42, 实际 %d", nonce)
	}

	advanced, err := coord.AdvanceNonce(ctx, 1)
	if err != nil {
		t.Fatalf("推进 nonce 失败: %v", err)
	}
	if advanced != 42 {
		t.Fatalf("推进应返回推进前的值 42, 实际 %d", advanced)
	}

	next, err := coord.NextNonce(ctx, 1)
	if err != nil {
		t.Fatalf("读取 nonce 失败: %v", err)
	}
	if next != 43 {
		t.Fatalf("预期 43, 实际 %d", next)
	}
	if chain.calls.Load() != 1 {
		t.Fatalf("链上查询只应发生一次, 实际 %d 次", chain.calls.Load())
	}
}

func TestNextNonceConcurrentBootstrapSingleWinner(t *testing.T) {
	ctx := context.Background()
	chain := &fakeChain{count: 10}
	coord := NewCoordinator(NewMemoryStore(), chain)

	var wg sync.WaitGroup
	results := make([]uint64, 8)
	for i := 0; i < len(results); i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			nonce, err := coord.NextNonce(ctx, 5)
			if err != nil {
				t.Errorf("读取 nonce 失败: %v", err)
				return
			}
			results[idx] = nonce
		}(i)
	}
	wg.Wait()

	for idx, nonce := range results {
		if nonce != 10 {
			t.Fatalf("结果 %d 预期 10, 实际 %d", idx, nonce)
		}
	}
}

func TestLockExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	coord := NewCoordinator(NewMemoryStore(), &fakeChain{},
		WithLockTTL(20*time.Millisecond),
		WithPollInterval(5*time.Millisecond),
		WithAcquireTimeout(time.Second),
	)

	if _, err := coord.AcquireLock(ctx, 3); err != nil {
		t.Fatalf("抢占租约失败: %v", err)
	}
	// 持有者不释放，等待 TTL 过期后其它提交者应能接管。
	start := time.Now()
	if _, err := coord.AcquireLock(ctx, 3); err != nil {
		t.Fatalf("TTL 过期后抢占失败: %v", err)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatal("TTL 未过期时不应取得租约")
	}
}

func TestStaleTokenDoesNotReleaseNewLease(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	coord := NewCoordinator(store, &fakeChain{},
		WithLockTTL(10*time.Millisecond),
		WithPollInterval(2*time.Millisecond),
		WithAcquireTimeout(time.Second),
	)

	stale, err := coord.AcquireLock(ctx, 9)
	if err != nil {
		t.Fatalf("抢占租约失败: %v", err)
	}
	time.Sleep(15 * time.Millisecond)

	fresh, err := coord.AcquireLock(ctx, 9)
	if err != nil {
		t.Fatalf("接管租约失败: %v", err)
	}

	// 过期持有者的归还不能删掉新持有者的租约。
	coord.ReleaseLock(ctx, 9, stale)
	value, ok, err := store.Get(ctx, lockKey(9))
	if err != nil {
		t.Fatalf("读取锁失败: %v", err)
	}
	if !ok || value != fresh {
		t.Fatalf("新租约被误删: ok=%v value=%q", ok, value)
	}
}
