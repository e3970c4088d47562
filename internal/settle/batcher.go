package settle

import (
	"context"
	"crypto/sha256"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/relayer"
	"AgentPay-Chain/pkg/logger"
)

const (
	defaultBatchSize     = 20
	defaultFlushInterval = 15 * time.Second
	defaultWorkerCount   = 2
)

// settlementABI 描述链上结算合约的 settleBatch 方法。
const settlementABI = `[{"name":"settleBatch","type":"function","stateMutability":"nonpayable","inputs":[{"name":"executionIds","type":"bytes32[]"},{"name":"recipients","type":"address[]"},{"name":"amounts","type":"uint256[]"}],"outputs":[]}]`

var settlementContract = mustParseABI(settlementABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("结算合约 ABI 非法: " + err.Error())
	}
	return parsed
}

// Submitter 抽象交易中继器，由 relayer 包实现。
type Submitter interface {
	Submit(ctx context.Context, chainKey string, to common.Address, data []byte, value *big.Int) (*relayer.SubmittedTransaction, error)
}

// ChainResolver 将链 ID 映射回注册表中的链标识。
type ChainResolver interface {
	ResolveChainKeyByID(chainID uint64) (string, error)
}

// Batcher 消费结算队列，按链聚合执行记录并提交一笔批量结算交易。
// 结算是最终一致的：入队后的记录迟早会被某一轮批处理带上链，
// 单条记录结算失败会重新回到待结算缓冲。
type Batcher struct {
	store     ledger.Store
	queue     Consumer
	submitter Submitter
	resolver  ChainResolver
	contracts map[uint64]common.Address

	batchSize     int
	flushInterval time.Duration
	workers       int

	mu      sync.Mutex
	pending []string
}

// BatcherOption 定义批处理器的可选配置。
type BatcherOption func(*Batcher)

// WithBatchSize 覆盖触发立即结算的批大小。
func WithBatchSize(size int) BatcherOption {
	return func(b *Batcher) {
		if size > 0 {
			b.batchSize = size
		}
	}
}

// WithFlushInterval 覆盖定时结算的间隔。
func WithFlushInterval(interval time.Duration) BatcherOption {
	return func(b *Batcher) {
		if interval > 0 {
			b.flushInterval = interval
		}
	}
}

// WithWorkerCount 覆盖消费队列的工作协程数量。
func WithWorkerCount(count int) BatcherOption {
	return func(b *Batcher) {
		if count > 0 {
			b.workers = count
		}
	}
}

// NewBatcher 构造结算批处理器。contracts 是链 ID 到结算合约地址的映射。
func NewBatcher(store ledger.Store, queue Consumer, submitter Submitter, resolver ChainResolver, contracts map[uint64]common.Address, opts ...BatcherOption) *Batcher {
	b := &Batcher{
		store:         store,
		queue:         queue,
		submitter:     submitter,
		resolver:      resolver,
		contracts:     contracts,
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		workers:       defaultWorkerCount,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Run 启动批处理循环，阻塞直到 ctx 取消。退出前会把缓冲中剩余的
// 记录做最后一次结算。
func (b *Batcher) Run(ctx context.Context) error {
	go func() {
		if err := b.queue.Consume(ctx, b.workers, b.collect); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("结算队列消费退出", slog.Any("error", err))
		}
	}()

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			b.Flush(drainCtx)
			cancel()
			return ctx.Err()
		case <-ticker.C:
			b.Flush(ctx)
		}
	}
}

// collect 把队列里的执行记录编号放进待结算缓冲，攒够一批立即结算。
func (b *Batcher) collect(ctx context.Context, executionID string) error {
	b.mu.Lock()
	b.pending = append(b.pending, executionID)
	full := len(b.pending) >= b.batchSize
	b.mu.Unlock()
	if full {
		b.Flush(ctx)
	}
	return nil
}

// Flush 取出当前缓冲并按链分组提交结算交易。提交失败的分组会放回
// 缓冲，等待下一轮重试。
func (b *Batcher) Flush(ctx context.Context) {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	groups := b.loadGroups(ctx, pending)
	for chainID, group := range groups {
		if err := b.settleGroup(ctx, chainID, group); err != nil {
			logger.L().Error("批量结算失败, 记录重新入缓冲",
				slog.Uint64("chain_id", chainID),
				slog.Int("count", len(group)),
				slog.Any("error", err),
			)
			b.requeue(group)
		}
	}
}

// loadGroups 加载执行记录并按链分组，过滤掉不可结算的记录。
func (b *Batcher) loadGroups(ctx context.Context, executionIDs []string) map[uint64][]*ledger.Execution {
	groups := make(map[uint64][]*ledger.Execution)
	for _, id := range executionIDs {
		exec, err := b.store.GetExecution(ctx, id)
		if err != nil {
			logger.L().Warn("结算时找不到执行记录", slog.String("execution_id", id), slog.Any("error", err))
			continue
		}
		if exec.Status != ledger.StatusSuccess || exec.SettledTxHash != "" {
			continue
		}
		groups[exec.ChainID] = append(groups[exec.ChainID], exec)
	}
	return groups
}

func (b *Batcher) settleGroup(ctx context.Context, chainID uint64, group []*ledger.Execution) error {
	contract, ok := b.contracts[chainID]
	if !ok {
		return errors.New("链未配置结算合约地址")
	}
	chainKey, err := b.resolver.ResolveChainKeyByID(chainID)
	if err != nil {
		return err
	}

	ids := make([][32]byte, 0, len(group))
	recipients := make([]common.Address, 0, len(group))
	amounts := make([]*big.Int, 0, len(group))
	tools := make(map[string]*ledger.Tool)
	executionIDs := make([]string, 0, len(group))
	for _, exec := range group {
		tool, ok := tools[exec.ToolID]
		if !ok {
			tool, err = b.store.GetTool(ctx, exec.ToolID)
			if err != nil {
				logger.L().Warn("结算时找不到工具记录",
					slog.String("execution_id", exec.ID),
					slog.String("tool_id", exec.ToolID),
				)
				continue
			}
			tools[exec.ToolID] = tool
		}
		ids = append(ids, executionKey(exec.ID))
		recipients = append(recipients, common.HexToAddress(tool.OwnerWallet))
		amounts = append(amounts, new(big.Int).Set(exec.Cost))
		executionIDs = append(executionIDs, exec.ID)
	}
	if len(executionIDs) == 0 {
		return nil
	}

	data, err := settlementContract.Pack("settleBatch", ids, recipients, amounts)
	if err != nil {
		return err
	}
	tx, err := b.submitter.Submit(ctx, chainKey, contract, data, big.NewInt(0))
	if err != nil {
		return err
	}
	if err := b.store.MarkSettled(ctx, executionIDs, tx.Hash.Hex()); err != nil {
		logger.L().Error("结算交易已提交但回写账本失败",
			slog.String("tx_hash", tx.Hash.Hex()),
			slog.Uint64("chain_id", chainID),
			slog.Any("error", err),
		)
		return nil
	}
	logger.Audit().Info("批量结算已提交",
		slog.Uint64("chain_id", chainID),
		slog.String("tx_hash", tx.Hash.Hex()),
		slog.Int("count", len(executionIDs)),
	)
	return nil
}

func (b *Batcher) requeue(group []*ledger.Execution) {
	b.mu.Lock()
	for _, exec := range group {
		b.pending = append(b.pending, exec.ID)
	}
	b.mu.Unlock()
}

// executionKey 把执行记录的 UUID 映射为合约侧使用的 bytes32 标识。
func executionKey(executionID string) [32]byte {
	return sha256.Sum256([]byte(executionID))
}
