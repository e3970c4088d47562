package settle

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/relayer"
)

type fakeSubmitter struct {
	mu     sync.Mutex
	calls  []submittedCall
	failAt map[string]error
}

type submittedCall struct {
	chainKey string
	to       common.Address
	data     []byte
}

func (f *fakeSubmitter) Submit(_ context.Context, chainKey string, to common.Address, data []byte, _ *big.Int) (*relayer.SubmittedTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failAt[chainKey]; err != nil {
		return nil, err
	}
	f.calls = append(f.calls, submittedCall{chainKey: chainKey, to: to, data: data})
	return &relayer.SubmittedTransaction{
		ChainKey: chainKey,
		Hash:     common.HexToHash("0x1111"),
		Nonce:    uint64(len(f.calls) - 1),
	}, nil
}

func (f *fakeSubmitter) submitted() []submittedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submittedCall(nil), f.calls...)
}

type fakeResolver map[uint64]string

func (f fakeResolver) ResolveChainKeyByID(chainID uint64) (string, error) {
	key, ok := f[chainID]
	if !ok {
		return "", errors.New("未注册的链")
	}
	return key, nil
}

func seedExecutions(t *testing.T, store ledger.Store, chainID uint64, ids ...string) {
	t.Helper()
	ctx := context.Background()
	if err := store.PutTool(ctx, &ledger.Tool{
		ID:          "tool-1",
		OwnerWallet: "0x00000000000000000000000000000000000000aa",
		Price:       big.NewInt(3),
		Endpoint:    "http://example.invalid",
		Active:      true,
	}); err != nil {
		t.Fatalf("写入工具失败: %v", err)
	}
	for _, id := range ids {
		if err := store.CreateExecution(ctx, &ledger.Execution{
			ID:      id,
			AgentID: "agent-1",
			ToolID:  "tool-1",
			Cost:    big.NewInt(3),
			ChainID: chainID,
			Status:  ledger.StatusSuccess,
		}); err != nil {
			t.Fatalf("写入执行记录失败: %v", err)
		}
	}
}

func TestFlushGroupsPerChainAndMarksSettled(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	seedExecutions(t, store, 1, "e1", "e2")
	seedExecutions(t, store, 2, "e3")

	submitter := &fakeSubmitter{}
	batcher := NewBatcher(store, NewMemoryQueue(16), submitter,
		fakeResolver{1: "chain-a", 2: "chain-b"},
		map[uint64]common.Address{
			1: common.HexToAddress("0x00000000000000000000000000000000000000c1"),
			2: common.HexToAddress("0x00000000000000000000000000000000000000c2"),
		},
	)

	for _, id := range []string{"e1", "e2", "e3"} {
		if err := batcher.collect(ctx, id); err != nil {
			t.Fatalf("收集执行记录失败: %v", err)
		}
	}
	batcher.Flush(ctx)

	calls := submitter.submitted()
	if len(calls) != 2 {
		t.Fatalf("预期按链产生 2 笔结算交易, 实际 %d", len(calls))
	}
	for _, call := range calls {
		if len(call.data) == 0 {
			t.Fatal("结算交易应携带 ABI 编码的调用数据")
		}
	}

	for _, id := range []string{"e1", "e2", "e3"} {
		exec, err := store.GetExecution(ctx, id)
		if err != nil {
			t.Fatalf("查询执行记录失败: %v", err)
		}
		if exec.SettledTxHash == "" {
			t.Fatalf("记录 %s 未回写结算哈希", id)
		}
	}
}

func TestFlushSkipsFailedAndAlreadySettled(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	seedExecutions(t, store, 1, "ok")
	if err := store.CreateExecution(ctx, &ledger.Execution{
		ID: "failed", AgentID: "agent-1", ToolID: "tool-1",
		Cost: big.NewInt(0), ChainID: 1, Status: ledger.StatusFailed,
	}); err != nil {
		t.Fatalf("写入执行记录失败: %v", err)
	}
	if err := store.MarkSettled(ctx, []string{"ok"}, "0xdone"); err != nil {
		t.Fatalf("预结算失败: %v", err)
	}

	submitter := &fakeSubmitter{}
	batcher := NewBatcher(store, NewMemoryQueue(16), submitter,
		fakeResolver{1: "chain-a"},
		map[uint64]common.Address{1: common.HexToAddress("0x00000000000000000000000000000000000000c1")},
	)
	_ = batcher.collect(ctx, "ok")
	_ = batcher.collect(ctx, "failed")
	batcher.Flush(ctx)

	if len(submitter.submitted()) != 0 {
		t.Fatal("已结算与失败的记录不应再次提交")
	}
}

func TestFlushRequeuesOnSubmitFailure(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	seedExecutions(t, store, 1, "e1")

	submitter := &fakeSubmitter{failAt: map[string]error{"chain-a": errors.New("rpc down")}}
	batcher := NewBatcher(store, NewMemoryQueue(16), submitter,
		fakeResolver{1: "chain-a"},
		map[uint64]common.Address{1: common.HexToAddress("0x00000000000000000000000000000000000000c1")},
	)
	_ = batcher.collect(ctx, "e1")
	batcher.Flush(ctx)

	exec, _ := store.GetExecution(ctx, "e1")
	if exec.SettledTxHash != "" {
		t.Fatal("提交失败不应回写结算哈希")
	}

	// 故障恢复后的下一轮结算应带上回流的记录。
	submitter.mu.Lock()
	submitter.failAt = nil
	submitter.mu.Unlock()
	batcher.Flush(ctx)

	exec, _ = store.GetExecution(ctx, "e1")
	if exec.SettledTxHash == "" {
		t.Fatal("重试后应完成结算")
	}
}

func TestCollectTriggersFlushAtBatchSize(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	seedExecutions(t, store, 1, "e1", "e2")

	submitter := &fakeSubmitter{}
	batcher := NewBatcher(store, NewMemoryQueue(16), submitter,
		fakeResolver{1: "chain-a"},
		map[uint64]common.Address{1: common.HexToAddress("0x00000000000000000000000000000000000000c1")},
		WithBatchSize(2),
		WithFlushInterval(time.Hour),
	)
	_ = batcher.collect(ctx, "e1")
	if len(submitter.submitted()) != 0 {
		t.Fatal("未达到批大小不应触发结算")
	}
	_ = batcher.collect(ctx, "e2")
	if len(submitter.submitted()) != 1 {
		t.Fatalf("达到批大小应立即结算, 实际 %d 笔", len(submitter.submitted()))
	}
}
