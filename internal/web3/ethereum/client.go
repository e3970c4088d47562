package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"AgentPay-Chain/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// receiptPollInterval 控制等待回执时的轮询间隔。
const receiptPollInterval = 2 * time.Second

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
}

// Client implements the web3.Backend interface for EVM compatible chains.
type Client struct {
	name      string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	mu        sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置链的 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接链节点失败: %w", err)
	}

	return &Client{
		name:      cfg.Name,
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
	}, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// TransactionCount 查询账户当前的交易计数，包含 pending 队列中的交易。
func (c *Client) TransactionCount(ctx context.Context, account common.Address) (uint64, error) {
	if c == nil || c.eth == nil {
		return 0, errors.New("未初始化的链客户端")
	}
	nonce, err := c.eth.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("查询交易计数失败: %w", err)
	}
	return nonce, nil
}

// EstimateGas 对给定调用做 gas 估算。
func (c *Client) EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error) {
	if c == nil || c.eth == nil {
		return 0, errors.New("未初始化的链客户端")
	}
	gas, err := c.eth.EstimateGas(ctx, call)
	if err != nil {
		return 0, fmt.Errorf("估算 gas 失败: %w", err)
	}
	return gas, nil
}

// LatestBaseFee 返回最新区块的 base fee。链不支持 EIP-1559 时返回错误。
func (c *Client) LatestBaseFee(ctx context.Context) (*big.Int, error) {
	if c == nil || c.eth == nil {
		return nil, errors.New("未初始化的链客户端")
	}
	header, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("获取最新区块头失败: %w", err)
	}
	if header.BaseFee == nil {
		return nil, errors.New("链未启用 base fee")
	}
	return new(big.Int).Set(header.BaseFee), nil
}

// SendTransaction 广播已签名的交易。
func (c *Client) SendTransaction(ctx context.Context, tx *coretypes.Transaction) error {
	if c == nil || c.eth == nil {
		return errors.New("未初始化的链客户端")
	}
	if tx == nil {
		return errors.New("没有可发送的交易")
	}
	if err := c.eth.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("发送交易失败: %w", err)
	}
	return nil
}

// WaitForReceipt 轮询等待交易回执，直到上下文取消。
func (c *Client) WaitForReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	if c == nil || c.eth == nil {
		return nil, errors.New("未初始化的链客户端")
	}
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, gethcore.NotFound) {
			return nil, fmt.Errorf("查询交易回执失败: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

var _ web3.Backend = (*Client)(nil)
