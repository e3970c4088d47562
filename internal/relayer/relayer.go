package relayer

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/web3"
	"AgentPay-Chain/pkg/logger"
)

const (
	// fallbackGasLimit 是 gas 估算失败时使用的保守默认值。
	// 估算失败在不稳定的 RPC 节点上很常见，不应阻塞提交。
	fallbackGasLimit = uint64(500_000)
	// gasSafetyPercent 在估算值上追加 20% 余量，吸收估算噪声。
	gasSafetyPercent = uint64(120)
	// maxRetries 是 nonce 失步错误的最大重试次数。
	maxRetries = 3
)

var (
	// fallbackMaxFee 与 fallbackPriorityFee 是费率查询失败时的保守默认值。
	fallbackMaxFee     = big.NewInt(50_000_000_000) // 50 gwei
	defaultPriorityFee = big.NewInt(2_000_000_000)  // 2 gwei
	defaultBackoffBase = time.Second
)

// Registry 抽象中继器所需的链注册表能力。
type Registry interface {
	Describe(chainKey string) (web3.ChainDescriptor, error)
	WriteClient(ctx context.Context, chainKey string) (*web3.SigningBackend, error)
}

// Coordinator 抽象按链串行化 nonce 分配的协调器。
type Coordinator interface {
	AcquireLock(ctx context.Context, chainID uint64) (string, error)
	ReleaseLock(ctx context.Context, chainID uint64, token string)
	NextNonce(ctx context.Context, chainID uint64) (uint64, error)
	AdvanceNonce(ctx context.Context, chainID uint64) (uint64, error)
}

// SubmittedTransaction 汇总一次成功提交的结果。
type SubmittedTransaction struct {
	ChainKey string      `json:"chain_key"`
	Hash     common.Hash `json:"tx_hash"`
	Nonce    uint64      `json:"nonce"`
	GasLimit uint64      `json:"gas_limit"`
}

// Relayer 负责在指定链上构建、签名并广播一笔交易。
type Relayer struct {
	registry    Registry
	nonces      Coordinator
	backoffBase time.Duration
	log         *slog.Logger
}

// Option 定义中继器的可选配置。
type Option func(*Relayer)

// WithBackoffBase 覆盖重试退避的基础时长，测试中用来缩短等待。
func WithBackoffBase(base time.Duration) Option {
	return func(r *Relayer) {
		if base > 0 {
			r.backoffBase = base
		}
	}
}

// New 构造中继器。
func New(registry Registry, nonces Coordinator, opts ...Option) *Relayer {
	r := &Relayer{
		registry:    registry,
		nonces:      nonces,
		backoffBase: defaultBackoffBase,
		log:         logger.Named("relayer"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Submit 在指定链上提交一笔交易。
// 仅对 nonce 失步类错误做有界的指数退避重试，每次重试都重新走完整的
// 租约-取号-提交流程，以便拿到新的 nonce；其余错误立即失败。
func (r *Relayer) Submit(ctx context.Context, chainKey string, to common.Address, data []byte, value *big.Int) (*SubmittedTransaction, error) {
	if value == nil {
		value = new(big.Int)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := r.backoffBase * time.Duration(1<<uint(attempt))
			r.log.Warn("nonce 失步，准备重试",
				slog.String("chain", chainKey),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", lastErr.Error()),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := r.submitOnce(ctx, chainKey, to, data, value)
		if err == nil {
			return result, nil
		}
		lastErr = err

		// 租约超时原样向上传递，由调用方决定是否重试。
		if xerrors.CodeOf(err) == xerrors.CodeLockTimeout {
			return nil, err
		}
		if !isNonceDesync(err) {
			return nil, wrapSubmission(err, chainKey, to, attempt+1)
		}
	}
	return nil, wrapSubmission(lastErr, chainKey, to, maxRetries+1)
}

func (r *Relayer) submitOnce(ctx context.Context, chainKey string, to common.Address, data []byte, value *big.Int) (*SubmittedTransaction, error) {
	desc, err := r.registry.Describe(chainKey)
	if err != nil {
		return nil, err
	}
	client, err := r.registry.WriteClient(ctx, chainKey)
	if err != nil {
		return nil, err
	}

	token, err := r.nonces.AcquireLock(ctx, desc.ChainID)
	if err != nil {
		return nil, err
	}

	nonce, err := r.nonces.NextNonce(ctx, desc.ChainID)
	if err != nil {
		r.nonces.ReleaseLock(ctx, desc.ChainID, token)
		return nil, err
	}

	gasLimit := r.estimateGas(ctx, client, to, data, value)
	feeCap, tipCap := r.estimateFees(ctx, client, chainKey)

	chainID := new(big.Int).SetUint64(desc.ChainID)
	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signed, err := client.Operator.SignTx(chainID, tx)
	if err != nil {
		r.nonces.ReleaseLock(ctx, desc.ChainID, token)
		return nil, err
	}

	if err := client.SendTransaction(ctx, signed); err != nil {
		// 提交失败不推进计数器，同一个 nonce 留给下一位持有者。
		r.nonces.ReleaseLock(ctx, desc.ChainID, token)
		return nil, err
	}

	if _, err := r.nonces.AdvanceNonce(ctx, desc.ChainID); err != nil {
		// 计数器落后只会导致下一次提交触发 nonce 失步重试，不影响本次结果。
		r.log.Error("推进 nonce 计数器失败",
			slog.String("chain", chainKey),
			slog.Uint64("nonce", nonce),
			slog.Any("error", err),
		)
	}
	// 广播被接受即归还租约，等待确认会白白拖慢同链的后续提交。
	r.nonces.ReleaseLock(ctx, desc.ChainID, token)

	logger.Audit().Info("交易已广播",
		slog.String("chain", chainKey),
		slog.String("tx_hash", signed.Hash().Hex()),
		slog.Uint64("nonce", nonce),
		slog.Uint64("gas_limit", gasLimit),
	)
	return &SubmittedTransaction{
		ChainKey: chainKey,
		Hash:     signed.Hash(),
		Nonce:    nonce,
		GasLimit: gasLimit,
	}, nil
}

// estimateGas 估算调用所需 gas 并追加安全余量，失败时退回保守默认值。
func (r *Relayer) estimateGas(ctx context.Context, client *web3.SigningBackend, to common.Address, data []byte, value *big.Int) uint64 {
	estimated, err := client.EstimateGas(ctx, gethcore.CallMsg{
		From:  client.Operator.Address(),
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		r.log.Warn("gas 估算失败，使用默认值",
			slog.String("chain", client.Chain.Key),
			slog.Uint64("fallback", fallbackGasLimit),
			slog.Any("error", err),
		)
		return fallbackGasLimit
	}
	return estimated * gasSafetyPercent / 100
}

// estimateFees 基于最新区块 base fee 计算费率上限，失败时退回保守默认值。
func (r *Relayer) estimateFees(ctx context.Context, client *web3.SigningBackend, chainKey string) (feeCap, tipCap *big.Int) {
	tipCap = new(big.Int).Set(defaultPriorityFee)
	baseFee, err := client.LatestBaseFee(ctx)
	if err != nil {
		r.log.Warn("查询 base fee 失败，使用默认费率",
			slog.String("chain", chainKey),
			slog.Any("error", err),
		)
		return new(big.Int).Set(fallbackMaxFee), tipCap
	}
	// maxFee = 2*baseFee + tip，容忍 base fee 在打包前继续上涨。
	feeCap = new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tipCap)
	return feeCap, tipCap
}

// isNonceDesync 判断错误是否属于可通过重取 nonce 恢复的失步类错误。
func isNonceDesync(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") || strings.Contains(msg, "replacement underpriced")
}

func wrapSubmission(err error, chainKey string, to common.Address, attempts int) error {
	var unified *xerrors.Error
	if stdErrors.As(err, &unified) && unified.Code() == xerrors.CodeUnknownChain {
		return err
	}
	return xerrors.Wrap(xerrors.CodeSubmissionFailure, err,
		fmt.Sprintf("链 %s 提交交易失败", chainKey),
		xerrors.WithMetadata("to", to.Hex()),
		xerrors.WithMetadata("attempts", strconv.Itoa(attempts)),
	)
}
