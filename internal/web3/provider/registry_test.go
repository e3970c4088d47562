package provider

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/web3"
)

type stubBackend struct {
	closed atomic.Bool
}

func (s *stubBackend) TransactionCount(context.Context, common.Address) (uint64, error) {
	return 7, nil
}

func (s *stubBackend) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) {
	return 21_000, nil
}

func (s *stubBackend) LatestBaseFee(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (s *stubBackend) SendTransaction(context.Context, *coretypes.Transaction) error {
	return nil
}

func (s *stubBackend) WaitForReceipt(context.Context, common.Hash) (*coretypes.Receipt, error) {
	return nil, nil
}

func (s *stubBackend) Close() {
	s.closed.Store(true)
}

func testDefinitions() web3.ChainDefinitions {
	return web3.ChainDefinitions{Chains: map[string]web3.ChainDefinition{
		"alpha": {ChainID: 100, Name: "Alpha", RPCURL: "http://alpha.invalid"},
		"beta":  {ChainID: 200, Name: "Beta", RPCURL: "http://beta.invalid"},
	}}
}

func newTestRegistry(t *testing.T, dials *atomic.Int32) *Registry {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("生成测试私钥失败: %v", err)
	}
	registry, err := NewRegistry(testDefinitions(), web3.NewOperatorFromKey(key),
		WithDialer(func(context.Context, web3.ChainDescriptor) (web3.Backend, error) {
			if dials != nil {
				dials.Add(1)
			}
			return &stubBackend{}, nil
		}),
	)
	if err != nil {
		t.Fatalf("构造注册表失败: %v", err)
	}
	return registry
}

func TestDescribeUnknownChain(t *testing.T) {
	registry := newTestRegistry(t, nil)

	if _, err := registry.Describe("alpha"); err != nil {
		t.Fatalf("已注册链不应报错: %v", err)
	}
	_, err := registry.Describe("gamma")
	if err == nil {
		t.Fatal("预期未知链错误")
	}
	if xerrors.CodeOf(err) != xerrors.CodeUnknownChain {
		t.Fatalf("预期 UNKNOWN_CHAIN, 实际 %s", xerrors.CodeOf(err))
	}
}

func TestResolveChainKeyByID(t *testing.T) {
	registry := newTestRegistry(t, nil)

	key, err := registry.ResolveChainKeyByID(200)
	if err != nil {
		t.Fatalf("反查失败: %v", err)
	}
	if key != "beta" {
		t.Fatalf("预期 beta, 实际 %s", key)
	}
	if _, err := registry.ResolveChainKeyByID(999); xerrors.CodeOf(err) != xerrors.CodeUnknownChain {
		t.Fatalf("预期 UNKNOWN_CHAIN, 实际 %v", err)
	}
}

func TestDuplicateChainIDRejected(t *testing.T) {
	defs := web3.ChainDefinitions{Chains: map[string]web3.ChainDefinition{
		"a": {ChainID: 1, RPCURL: "http://a.invalid"},
		"b": {ChainID: 1, RPCURL: "http://b.invalid"},
	}}
	if _, err := NewRegistry(defs, nil); err == nil {
		t.Fatal("重复的 chain_id 应被拒绝")
	}
}

func TestConcurrentClientInitSingleDial(t *testing.T) {
	var dials atomic.Int32
	registry := newTestRegistry(t, &dials)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := registry.ReadClient(ctx, "alpha"); err != nil {
				t.Errorf("获取客户端失败: %v", err)
			}
		}()
	}
	wg.Wait()

	if dials.Load() != 1 {
		t.Fatalf("同一条链只应拨号一次, 实际 %d 次", dials.Load())
	}
}

func TestTransactionCountUsesOperatorAddress(t *testing.T) {
	registry := newTestRegistry(t, nil)

	count, err := registry.TransactionCount(context.Background(), 100)
	if err != nil {
		t.Fatalf("查询交易计数失败: %v", err)
	}
	if count != 7 {
		t.Fatalf("预期 7, 实际 %d", count)
	}
}

func TestChainsSortedByKey(t *testing.T) {
	registry := newTestRegistry(t, nil)

	chains := registry.Chains()
	if len(chains) != 2 {
		t.Fatalf("预期 2 条链, 实际 %d", len(chains))
	}
	if chains[0].Key != "alpha" || chains[1].Key != "beta" {
		t.Fatalf("应按 key 排序: %s, %s", chains[0].Key, chains[1].Key)
	}
}
