package ledger

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"math/big"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "AgentPay-Chain/internal/errors"
)

// MySQLStore 使用 MySQL 持久化账本数据。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建连接池并初始化数据表。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	schemas := []string{
		`CREATE TABLE IF NOT EXISTS agents (
        id VARCHAR(64) PRIMARY KEY,
        wallet VARCHAR(66) NOT NULL,
        active TINYINT(1) NOT NULL DEFAULT 1,
        attest_topic VARCHAR(128) DEFAULT '',
        created_at BIGINT NOT NULL,
        INDEX idx_agent_wallet (wallet)
)`,
		`CREATE TABLE IF NOT EXISTS tools (
        id VARCHAR(64) PRIMARY KEY,
        owner_wallet VARCHAR(66) NOT NULL,
        price DECIMAL(65,0) NOT NULL,
        endpoint TEXT NOT NULL,
        auth_type VARCHAR(32) DEFAULT '',
        auth_secret TEXT,
        active TINYINT(1) NOT NULL DEFAULT 1,
        created_at BIGINT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS escrow_balances (
        agent_id VARCHAR(64) NOT NULL,
        chain_id BIGINT UNSIGNED NOT NULL,
        balance DECIMAL(65,0) NOT NULL DEFAULT 0,
        PRIMARY KEY (agent_id, chain_id)
)`,
		`CREATE TABLE IF NOT EXISTS executions (
        id VARCHAR(64) PRIMARY KEY,
        agent_id VARCHAR(64) NOT NULL,
        tool_id VARCHAR(64) NOT NULL,
        params_hash VARCHAR(66) NOT NULL,
        result_hash VARCHAR(66) DEFAULT '',
        cost DECIMAL(65,0) NOT NULL,
        chain_id BIGINT UNSIGNED NOT NULL,
        status VARCHAR(16) NOT NULL,
        upstream_status INT NULL,
        batch_id VARCHAR(64) DEFAULT '',
        settled_tx_hash VARCHAR(66) DEFAULT '',
        created_at BIGINT NOT NULL,
        INDEX idx_exec_agent (agent_id, created_at),
        INDEX idx_exec_batch (batch_id)
)`,
	}
	for _, schema := range schemas {
		if _, err := s.db.Exec(schema); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化账本数据表失败")
		}
	}
	return nil
}

// PutAgent 插入或更新智能体记录。
func (s *MySQLStore) PutAgent(ctx context.Context, agent *Agent) error {
	if agent == nil || agent.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 不能为空")
	}
	if agent.CreatedAt == 0 {
		agent.CreatedAt = time.Now().Unix()
	}
	const stmt = `INSERT INTO agents (id, wallet, active, attest_topic, created_at)
        VALUES (?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE wallet = VALUES(wallet), active = VALUES(active), attest_topic = VALUES(attest_topic)`
	if _, err := s.db.ExecContext(ctx, stmt, agent.ID, agent.Wallet, agent.Active, agent.AttestTopic, agent.CreatedAt); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入智能体失败")
	}
	return nil
}

// GetAgent 查询指定智能体。
func (s *MySQLStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	const stmt = `SELECT id, wallet, active, attest_topic, created_at FROM agents WHERE id = ?`
	var agent Agent
	if err := s.db.QueryRowContext(ctx, stmt, id).Scan(
		&agent.ID, &agent.Wallet, &agent.Active, &agent.AttestTopic, &agent.CreatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体失败")
	}
	return &agent, nil
}

// PutTool 插入或更新工具记录。
func (s *MySQLStore) PutTool(ctx context.Context, tool *Tool) error {
	if tool == nil || tool.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "tool 不能为空")
	}
	if tool.Price == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具价格不能为空")
	}
	if tool.CreatedAt == 0 {
		tool.CreatedAt = time.Now().Unix()
	}
	const stmt = `INSERT INTO tools (id, owner_wallet, price, endpoint, auth_type, auth_secret, active, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE owner_wallet = VALUES(owner_wallet), price = VALUES(price),
        endpoint = VALUES(endpoint), auth_type = VALUES(auth_type), auth_secret = VALUES(auth_secret), active = VALUES(active)`
	if _, err := s.db.ExecContext(ctx, stmt,
		tool.ID, tool.OwnerWallet, tool.Price.String(), tool.Endpoint,
		tool.AuthType, tool.AuthSecret, tool.Active, tool.CreatedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入工具失败")
	}
	return nil
}

// GetTool 查询指定工具。
func (s *MySQLStore) GetTool(ctx context.Context, id string) (*Tool, error) {
	const stmt = `SELECT id, owner_wallet, price, endpoint, auth_type, auth_secret, active, created_at FROM tools WHERE id = ?`
	var tool Tool
	var price string
	if err := s.db.QueryRowContext(ctx, stmt, id).Scan(
		&tool.ID, &tool.OwnerWallet, &price, &tool.Endpoint,
		&tool.AuthType, &tool.AuthSecret, &tool.Active, &tool.CreatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrToolNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询工具失败")
	}
	parsed, ok := new(big.Int).SetString(price, 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "工具价格字段非法: "+price)
	}
	tool.Price = parsed
	return &tool, nil
}

// EscrowBalance 查询托管余额，没有记录时返回零。
func (s *MySQLStore) EscrowBalance(ctx context.Context, agentID string, chainID uint64) (*big.Int, error) {
	const stmt = `SELECT balance FROM escrow_balances WHERE agent_id = ? AND chain_id = ?`
	var raw string
	if err := s.db.QueryRowContext(ctx, stmt, agentID, chainID).Scan(&raw); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return new(big.Int), nil
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询托管余额失败")
	}
	balance, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "余额字段非法: "+raw)
	}
	return balance, nil
}

// DebitEscrow 通过条件更新原子扣减余额：
// 只有余额足够时更新才会命中，并发扣款不可能都通过校验。
func (s *MySQLStore) DebitEscrow(ctx context.Context, agentID string, chainID uint64, amount *big.Int) error {
	const stmt = `UPDATE escrow_balances SET balance = balance - ?
        WHERE agent_id = ? AND chain_id = ? AND balance >= ?`
	res, err := s.db.ExecContext(ctx, stmt, amount.String(), agentID, chainID, amount.String())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "扣减托管余额失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		have, balanceErr := s.EscrowBalance(ctx, agentID, chainID)
		if balanceErr != nil {
			return balanceErr
		}
		return &InsufficientBalanceError{Have: have, Need: new(big.Int).Set(amount)}
	}
	return nil
}

// CreditEscrow 增加余额，没有记录时创建。
func (s *MySQLStore) CreditEscrow(ctx context.Context, agentID string, chainID uint64, amount *big.Int) error {
	const stmt = `INSERT INTO escrow_balances (agent_id, chain_id, balance) VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE balance = balance + VALUES(balance)`
	if _, err := s.db.ExecContext(ctx, stmt, agentID, chainID, amount.String()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "增加托管余额失败")
	}
	return nil
}

// CreateExecution 插入执行记录。
func (s *MySQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	if exec == nil || exec.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "execution 不能为空")
	}
	if exec.CreatedAt == 0 {
		exec.CreatedAt = time.Now().UnixNano()
	}
	var upstream sql.NullInt64
	if exec.UpstreamStatus != nil {
		upstream = sql.NullInt64{Int64: int64(*exec.UpstreamStatus), Valid: true}
	}
	const stmt = `INSERT INTO executions
        (id, agent_id, tool_id, params_hash, result_hash, cost, chain_id, status, upstream_status, batch_id, settled_tx_hash, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		exec.ID, exec.AgentID, exec.ToolID, exec.ParamsHash, exec.ResultHash,
		exec.Cost.String(), exec.ChainID, exec.Status, upstream, exec.BatchID, exec.CreatedAt,
	); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeInvalidArgument, "执行记录已存在: "+exec.ID)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入执行记录失败")
	}
	return nil
}

// GetExecution 查询指定执行记录。
func (s *MySQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	const stmt = `SELECT id, agent_id, tool_id, params_hash, result_hash, cost, chain_id, status,
        upstream_status, batch_id, settled_tx_hash, created_at FROM executions WHERE id = ?`
	exec, err := scanExecution(s.db.QueryRowContext(ctx, stmt, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行记录失败")
	}
	return exec, nil
}

// ListExecutions 返回指定智能体最近的执行记录。
func (s *MySQLStore) ListExecutions(ctx context.Context, agentID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, agent_id, tool_id, params_hash, result_hash, cost, chain_id, status,
        upstream_status, batch_id, settled_tx_hash, created_at FROM executions`
	args := make([]any, 0, 2)
	if agentID != "" {
		query += " WHERE agent_id = ?"
		args = append(args, agentID)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行记录列表失败")
	}
	defer rows.Close()

	executions := make([]*Execution, 0, limit)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行记录失败")
		}
		executions = append(executions, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历执行记录失败")
	}
	return executions, nil
}

// MarkSettled 为一组执行记录补写结算交易哈希。
func (s *MySQLStore) MarkSettled(ctx context.Context, executionIDs []string, txHash string) error {
	if len(executionIDs) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(executionIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(executionIDs)+1)
	args = append(args, txHash)
	for _, id := range executionIDs {
		args = append(args, id)
	}
	stmt := `UPDATE executions SET settled_tx_hash = ? WHERE id IN (` + placeholders + `)`
	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记结算状态失败")
	}
	return nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var exec Execution
	var cost string
	var upstream sql.NullInt64
	if err := row.Scan(
		&exec.ID, &exec.AgentID, &exec.ToolID, &exec.ParamsHash, &exec.ResultHash,
		&cost, &exec.ChainID, &exec.Status, &upstream, &exec.BatchID, &exec.SettledTxHash, &exec.CreatedAt,
	); err != nil {
		return nil, err
	}
	parsed, ok := new(big.Int).SetString(cost, 10)
	if !ok {
		return nil, stdErrors.New("cost 字段非法: " + cost)
	}
	exec.Cost = parsed
	if upstream.Valid {
		status := int(upstream.Int64)
		exec.UpstreamStatus = &status
	}
	return &exec, nil
}

var _ Store = (*MySQLStore)(nil)
