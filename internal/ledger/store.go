package ledger

import (
	"context"
	"math/big"
)

// Store 抽象了智能体、工具、执行记录与托管余额的持久化接口。
// 余额的扣减必须是原子条件更新：并发扣款不允许读到同一个扣减前的值。
type Store interface {
	PutAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)

	PutTool(ctx context.Context, tool *Tool) error
	GetTool(ctx context.Context, id string) (*Tool, error)

	// EscrowBalance 返回智能体在指定链上的托管余额，没有记录时返回零。
	EscrowBalance(ctx context.Context, agentID string, chainID uint64) (*big.Int, error)
	// DebitEscrow 原子扣减余额，余额不足时返回 *InsufficientBalanceError 且不产生任何变更。
	DebitEscrow(ctx context.Context, agentID string, chainID uint64, amount *big.Int) error
	// CreditEscrow 增加余额，余额记录不存在时创建。
	CreditEscrow(ctx context.Context, agentID string, chainID uint64, amount *big.Int) error

	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, agentID string, limit int) ([]*Execution, error)
	// MarkSettled 为一组执行记录补写结算交易哈希。
	MarkSettled(ctx context.Context, executionIDs []string, txHash string) error

	Close() error
}
