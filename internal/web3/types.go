package web3

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ChainDescriptor 描述一条已注册链的静态信息，进程启动时从配置构建，之后不再修改。
type ChainDescriptor struct {
	Key         string
	ChainID     uint64
	Name        string
	Currency    string
	RPCURL      string
	ExplorerURL string
}

// Backend 定义中继器与 nonce 协调器所需的链访问能力。
// 任何链实现（真实 RPC 或测试替身）都必须满足该接口。
type Backend interface {
	TransactionCount(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	LatestBaseFee(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	WaitForReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error)
	Close()
}

// SigningBackend 将链访问句柄、链描述与操作员签名器绑定在一起，供写路径使用。
type SigningBackend struct {
	Backend
	Chain    ChainDescriptor
	Operator *Operator
}

// Operator 持有后台在所有链上共用的签名私钥。
type Operator struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewOperator 从十六进制私钥构造签名器。
func NewOperator(hexKey string) (*Operator, error) {
	if hexKey == "" {
		return nil, errors.New("操作员私钥不能为空")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("解析操作员私钥失败: %w", err)
	}
	return &Operator{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// NewOperatorFromKey 直接使用已有的 ECDSA 私钥，主要用于测试。
func NewOperatorFromKey(key *ecdsa.PrivateKey) *Operator {
	return &Operator{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// Address 返回操作员地址。
func (o *Operator) Address() common.Address {
	if o == nil {
		return common.Address{}
	}
	return o.address
}

// SignTx 使用操作员私钥对交易进行签名。
func (o *Operator) SignTx(chainID *big.Int, tx *coretypes.Transaction) (*coretypes.Transaction, error) {
	if o == nil || o.key == nil {
		return nil, errors.New("未初始化的操作员签名器")
	}
	if chainID == nil {
		return nil, errors.New("签名交易需要链 ID")
	}
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), o.key)
	if err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}
	return signed, nil
}
