package ledger

import (
	"fmt"
	"math/big"

	xerrors "AgentPay-Chain/internal/errors"
)

// ExecutionStatus 表示一次工具调用在账本中的终态。
type ExecutionStatus string

const (
	StatusPending ExecutionStatus = "PENDING"
	StatusSuccess ExecutionStatus = "SUCCESS"
	StatusFailed  ExecutionStatus = "FAILED"
)

// Agent 是调用工具的智能体身份记录。
type Agent struct {
	ID          string `json:"id"`
	Wallet      string `json:"wallet"`
	Active      bool   `json:"active"`
	AttestTopic string `json:"attest_topic,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

// Tool 描述一个可被付费调用的上游工具。AuthSecret 绝不能出现在日志里。
type Tool struct {
	ID          string   `json:"id"`
	OwnerWallet string   `json:"owner_wallet"`
	Price       *big.Int `json:"price"`
	Endpoint    string   `json:"endpoint"`
	AuthType    string   `json:"auth_type,omitempty"`
	AuthSecret  string   `json:"-"`
	Active      bool     `json:"active"`
	CreatedAt   int64    `json:"created_at"`
}

// Execution 记录一次调用尝试。失败的尝试同样落库，计费按尝试次数进行。
// 写入后不可变，结算时仅允许补写交易哈希。
type Execution struct {
	ID             string          `json:"id"`
	AgentID        string          `json:"agent_id"`
	ToolID         string          `json:"tool_id"`
	ParamsHash     string          `json:"params_hash"`
	ResultHash     string          `json:"result_hash,omitempty"`
	Cost           *big.Int        `json:"cost"`
	ChainID        uint64          `json:"chain_id"`
	Status         ExecutionStatus `json:"status"`
	UpstreamStatus *int            `json:"upstream_status,omitempty"`
	BatchID        string          `json:"batch_id,omitempty"`
	SettledTxHash  string          `json:"settled_tx_hash,omitempty"`
	CreatedAt      int64           `json:"created_at"`
}

var (
	// ErrAgentNotFound 表示智能体不存在或已停用。
	ErrAgentNotFound = xerrors.New(xerrors.CodeNotFound, "agent not found")
	// ErrToolNotFound 表示工具不存在或已下线。
	ErrToolNotFound = xerrors.New(xerrors.CodeNotFound, "tool not found")
	// ErrExecutionNotFound 表示执行记录不存在。
	ErrExecutionNotFound = xerrors.New(xerrors.CodeNotFound, "execution not found")
	// ErrInsufficientBalance 是余额不足错误的哨兵，便于 errors.Is 判断。
	ErrInsufficientBalance = xerrors.New(xerrors.CodeInsufficientBalance, "")
)

// InsufficientBalanceError 携带余额缺口信息。
type InsufficientBalanceError struct {
	Have *big.Int
	Need *big.Int
}

// Error 实现 error 接口。
func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("[%s] escrow balance insufficient: have %s, need %s",
		xerrors.CodeInsufficientBalance, e.Have, e.Need)
}

// Unwrap 让 errors.Is(err, ErrInsufficientBalance) 成立。
func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// IsValidStatus 检查给定的执行状态是否为支持的枚举值。
func IsValidStatus(status ExecutionStatus) bool {
	switch status {
	case StatusPending, StatusSuccess, StatusFailed:
		return true
	default:
		return false
	}
}
