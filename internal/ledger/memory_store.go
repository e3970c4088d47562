package ledger

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
)

// MemoryStore 是 Store 的进程内实现，用于测试与本地开发。
type MemoryStore struct {
	mu         sync.Mutex
	agents     map[string]*Agent
	tools      map[string]*Tool
	balances   map[balanceKey]*big.Int
	executions map[string]*Execution
}

type balanceKey struct {
	agentID string
	chainID uint64
}

// NewMemoryStore 创建内存账本。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:     make(map[string]*Agent),
		tools:      make(map[string]*Tool),
		balances:   make(map[balanceKey]*big.Int),
		executions: make(map[string]*Execution),
	}
}

func (s *MemoryStore) PutAgent(_ context.Context, agent *Agent) error {
	if agent == nil || agent.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *agent
	if clone.CreatedAt == 0 {
		clone.CreatedAt = time.Now().Unix()
	}
	s.agents[agent.ID] = &clone
	return nil
}

func (s *MemoryStore) GetAgent(_ context.Context, id string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	clone := *agent
	return &clone, nil
}

func (s *MemoryStore) PutTool(_ context.Context, tool *Tool) error {
	if tool == nil || tool.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "tool 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *tool
	if clone.Price != nil {
		clone.Price = new(big.Int).Set(tool.Price)
	}
	if clone.CreatedAt == 0 {
		clone.CreatedAt = time.Now().Unix()
	}
	s.tools[tool.ID] = &clone
	return nil
}

func (s *MemoryStore) GetTool(_ context.Context, id string) (*Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tool, ok := s.tools[id]
	if !ok {
		return nil, ErrToolNotFound
	}
	clone := *tool
	if tool.Price != nil {
		clone.Price = new(big.Int).Set(tool.Price)
	}
	return &clone, nil
}

func (s *MemoryStore) EscrowBalance(_ context.Context, agentID string, chainID uint64) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if balance, ok := s.balances[balanceKey{agentID, chainID}]; ok {
		return new(big.Int).Set(balance), nil
	}
	return new(big.Int), nil
}

// DebitEscrow 在同一把锁内完成校验与扣减，并发扣款不可能读到同一个旧值。
func (s *MemoryStore) DebitEscrow(_ context.Context, agentID string, chainID uint64, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := balanceKey{agentID, chainID}
	balance, ok := s.balances[key]
	if !ok {
		balance = new(big.Int)
	}
	if balance.Cmp(amount) < 0 {
		return &InsufficientBalanceError{
			Have: new(big.Int).Set(balance),
			Need: new(big.Int).Set(amount),
		}
	}
	s.balances[key] = new(big.Int).Sub(balance, amount)
	return nil
}

func (s *MemoryStore) CreditEscrow(_ context.Context, agentID string, chainID uint64, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := balanceKey{agentID, chainID}
	balance, ok := s.balances[key]
	if !ok {
		balance = new(big.Int)
	}
	s.balances[key] = new(big.Int).Add(balance, amount)
	return nil
}

func (s *MemoryStore) CreateExecution(_ context.Context, exec *Execution) error {
	if exec == nil || exec.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "execution 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *exec
	if clone.Cost != nil {
		clone.Cost = new(big.Int).Set(exec.Cost)
	}
	if clone.CreatedAt == 0 {
		clone.CreatedAt = time.Now().UnixNano()
	}
	s.executions[exec.ID] = &clone
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	clone := *exec
	if exec.Cost != nil {
		clone.Cost = new(big.Int).Set(exec.Cost)
	}
	return &clone, nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, agentID string, limit int) ([]*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := make([]*Execution, 0, limit)
	for _, exec := range s.executions {
		if agentID != "" && exec.AgentID != agentID {
			continue
		}
		clone := *exec
		if exec.Cost != nil {
			clone.Cost = new(big.Int).Set(exec.Cost)
		}
		matched = append(matched, &clone)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt > matched[j].CreatedAt
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *MemoryStore) MarkSettled(_ context.Context, executionIDs []string, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range executionIDs {
		if exec, ok := s.executions[id]; ok {
			exec.SettledTxHash = txHash
		}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
