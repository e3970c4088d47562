package proxy

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"AgentPay-Chain/internal/attest"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/pkg/logger"
)

const (
	defaultUpstreamTimeout  = 30 * time.Second
	defaultMaxResponseBytes = 4 << 20
)

// SettleEnqueuer 接收已计费成功的执行记录编号，等待结算批处理消费。
type SettleEnqueuer interface {
	Enqueue(ctx context.Context, executionID string) error
}

// Proxy 是工具调用代理：校验签名、乐观扣减托管余额、转发上游请求，
// 并按"每次尝试计费"的规则落账。只要上游返回了 HTTP 状态码（无论几百），
// 本次调用即视为计费成功；只有传输层失败才回补余额。
type Proxy struct {
	store    ledger.Store
	reporter *attest.Reporter
	settler  SettleEnqueuer
	client   *http.Client

	upstreamTimeout  time.Duration
	maxResponseBytes int64
}

// Option 定义代理的可选配置。
type Option func(*Proxy)

// WithUpstreamTimeout 覆盖上游调用超时，仅用于测试。
func WithUpstreamTimeout(timeout time.Duration) Option {
	return func(p *Proxy) {
		if timeout > 0 {
			p.upstreamTimeout = timeout
		}
	}
}

// WithHTTPClient 注入自定义 HTTP 客户端，仅用于测试。
func WithHTTPClient(client *http.Client) Option {
	return func(p *Proxy) {
		if client != nil {
			p.client = client
		}
	}
}

// New 构造工具调用代理。
func New(store ledger.Store, reporter *attest.Reporter, settler SettleEnqueuer, opts ...Option) *Proxy {
	p := &Proxy{
		store:            store,
		reporter:         reporter,
		settler:          settler,
		upstreamTimeout:  defaultUpstreamTimeout,
		maxResponseBytes: defaultMaxResponseBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.client == nil {
		p.client = &http.Client{Timeout: p.upstreamTimeout}
	}
	return p
}

// ExecuteRequest 是一次工具调用请求。Nonce 由智能体生成，
// 同时作为签名原文的一部分与商业回执的关联标识。
type ExecuteRequest struct {
	AgentID   string          `json:"agent_id"`
	ToolID    string          `json:"tool_id"`
	ChainID   uint64          `json:"chain_id"`
	Nonce     string          `json:"nonce"`
	Signature string          `json:"signature"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// ExecuteResult 是调用结果。Result 为上游响应体的原始字节。
type ExecuteResult struct {
	ExecutionID    string                 `json:"execution_id"`
	Status         ledger.ExecutionStatus `json:"status"`
	UpstreamStatus int                    `json:"upstream_status"`
	Cost           *big.Int               `json:"cost"`
	ResultHash     string                 `json:"result_hash"`
	Result         []byte                 `json:"result,omitempty"`
}

// Execute 执行一次完整的付费工具调用。
func (p *Proxy) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	agent, tool, err := p.loadParties(ctx, req.AgentID, req.ToolID)
	if err != nil {
		return nil, err
	}

	paramsHash := hashHex(req.Params)
	if err := verifySignature(agent.Wallet, canonicalMessage(req.ToolID, paramsHash, req.Nonce, req.ChainID), req.Signature); err != nil {
		return nil, err
	}

	// 乐观扣减：先按标价锁定资金，传输失败时原路退回。
	if err := p.store.DebitEscrow(ctx, req.AgentID, req.ChainID, tool.Price); err != nil {
		var insufficient *ledger.InsufficientBalanceError
		if errors.As(err, &insufficient) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扣减托管余额失败")
	}

	status, body, callErr := p.callUpstream(ctx, tool, req.Params)
	if callErr != nil {
		return nil, p.settleFailure(ctx, req, agent, tool, paramsHash, callErr)
	}
	return p.settleSuccess(ctx, req, agent, tool, paramsHash, status, body)
}

func validateRequest(req *ExecuteRequest) error {
	switch {
	case req == nil:
		return xerrors.New(xerrors.CodeInvalidArgument, "请求不能为空")
	case req.AgentID == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "agent_id 不能为空")
	case req.ToolID == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "tool_id 不能为空")
	case req.ChainID == 0:
		return xerrors.New(xerrors.CodeInvalidArgument, "chain_id 不能为空")
	case req.Signature == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "signature 不能为空")
	default:
		return nil
	}
}

// loadParties 并发加载智能体与工具记录。停用的记录按不存在处理。
func (p *Proxy) loadParties(ctx context.Context, agentID, toolID string) (*ledger.Agent, *ledger.Tool, error) {
	type toolReply struct {
		tool *ledger.Tool
		err  error
	}
	toolCh := make(chan toolReply, 1)
	go func() {
		tool, err := p.store.GetTool(ctx, toolID)
		toolCh <- toolReply{tool: tool, err: err}
	}()

	agent, err := p.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, nil, err
	}
	reply := <-toolCh
	if reply.err != nil {
		return nil, nil, reply.err
	}
	if !agent.Active {
		return nil, nil, ledger.ErrAgentNotFound
	}
	if !reply.tool.Active {
		return nil, nil, ledger.ErrToolNotFound
	}
	return agent, reply.tool, nil
}

// callUpstream 向工具端点转发请求。只有在拿到 HTTP 状态码之前
// 发生的错误才算传输失败；响应体读取失败时使用已读到的部分。
func (p *Proxy) callUpstream(ctx context.Context, tool *ledger.Tool, params json.RawMessage) (int, []byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.upstreamTimeout)
	defer cancel()

	payload := []byte(params)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, tool.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	switch tool.AuthType {
	case "api_key":
		httpReq.Header.Set("X-API-Key", tool.AuthSecret)
	case "bearer":
		httpReq.Header.Set("Authorization", "Bearer "+tool.AuthSecret)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, p.maxResponseBytes))
	if readErr != nil {
		logger.L().Warn("读取上游响应体不完整",
			slog.String("tool_id", tool.ID),
			slog.Int("status", resp.StatusCode),
			slog.Any("error", readErr),
		)
	}
	return resp.StatusCode, body, nil
}

// settleFailure 处理传输失败：回补余额、落一条 FAILED 记录并上报公证事件。
// 回补或落库失败只记录告警日志，不改变返回给调用方的错误语义。
func (p *Proxy) settleFailure(ctx context.Context, req *ExecuteRequest, agent *ledger.Agent, tool *ledger.Tool, paramsHash string, cause error) error {
	if err := p.store.CreditEscrow(ctx, req.AgentID, req.ChainID, tool.Price); err != nil {
		logger.L().Error("传输失败后回补余额失败",
			slog.String("agent_id", req.AgentID),
			slog.String("tool_id", req.ToolID),
			slog.Uint64("chain_id", req.ChainID),
			slog.Any("error", err),
		)
	}

	exec := &ledger.Execution{
		ID:         uuid.NewString(),
		AgentID:    req.AgentID,
		ToolID:     req.ToolID,
		ParamsHash: paramsHash,
		Cost:       big.NewInt(0),
		ChainID:    req.ChainID,
		Status:     ledger.StatusFailed,
		CreatedAt:  time.Now().UnixNano(),
	}
	if err := p.store.CreateExecution(ctx, exec); err != nil {
		logger.L().Error("记录失败执行落库失败",
			slog.String("execution_id", exec.ID),
			slog.Any("error", err),
		)
	}

	p.reporter.Report(attest.Event{
		Kind:        attest.KindExecutionFailure,
		Topic:       agent.AttestTopic,
		AgentID:     req.AgentID,
		ToolID:      req.ToolID,
		ExecutionID: exec.ID,
		ChainID:     req.ChainID,
		ParamsHash:  paramsHash,
	})

	logger.Audit().Warn("上游工具传输失败, 已回补余额",
		slog.String("execution_id", exec.ID),
		slog.String("agent_id", req.AgentID),
		slog.String("tool_id", req.ToolID),
		slog.Any("error", cause),
	)
	return xerrors.Wrap(xerrors.CodeUpstreamFailure, cause, "上游工具调用失败",
		xerrors.WithMetadata("status", strconv.Itoa(http.StatusServiceUnavailable)),
		xerrors.WithRetryable(true),
	)
}

// settleSuccess 处理计费成功：落 SUCCESS 记录、入队结算并上报公证事件。
// 落库失败时回补余额，本次调用按不收费的存储错误返回。
func (p *Proxy) settleSuccess(ctx context.Context, req *ExecuteRequest, agent *ledger.Agent, tool *ledger.Tool, paramsHash string, status int, body []byte) (*ExecuteResult, error) {
	resultHash := hashHex(body)
	upstreamStatus := status
	exec := &ledger.Execution{
		ID:             uuid.NewString(),
		AgentID:        req.AgentID,
		ToolID:         req.ToolID,
		ParamsHash:     paramsHash,
		ResultHash:     resultHash,
		Cost:           new(big.Int).Set(tool.Price),
		ChainID:        req.ChainID,
		Status:         ledger.StatusSuccess,
		UpstreamStatus: &upstreamStatus,
		BatchID:        uuid.NewString(),
		CreatedAt:      time.Now().UnixNano(),
	}
	if err := p.store.CreateExecution(ctx, exec); err != nil {
		if creditErr := p.store.CreditEscrow(ctx, req.AgentID, req.ChainID, tool.Price); creditErr != nil {
			logger.L().Error("落库失败后回补余额失败",
				slog.String("agent_id", req.AgentID),
				slog.Uint64("chain_id", req.ChainID),
				slog.Any("error", creditErr),
			)
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录执行结果失败")
	}

	if p.settler != nil {
		if err := p.settler.Enqueue(ctx, exec.ID); err != nil {
			logger.L().Error("执行记录入结算队列失败",
				slog.String("execution_id", exec.ID),
				slog.Any("error", err),
			)
		}
	}

	p.reporter.Report(attest.Event{
		Kind:           attest.KindExecutionSuccess,
		Topic:          agent.AttestTopic,
		AgentID:        req.AgentID,
		ToolID:         req.ToolID,
		ExecutionID:    exec.ID,
		ChainID:        req.ChainID,
		Cost:           exec.Cost.String(),
		UpstreamStatus: exec.UpstreamStatus,
		ParamsHash:     paramsHash,
		ResultHash:     resultHash,
	})
	if req.Nonce != "" && status >= 200 && status < 300 {
		p.reporter.Report(attest.Event{
			Kind:          attest.KindCommerceComplete,
			Topic:         agent.AttestTopic,
			AgentID:       req.AgentID,
			ToolID:        req.ToolID,
			ExecutionID:   exec.ID,
			ChainID:       req.ChainID,
			Cost:          exec.Cost.String(),
			CommerceNonce: req.Nonce,
		})
	}

	logger.Audit().Info("工具调用已计费",
		slog.String("execution_id", exec.ID),
		slog.String("agent_id", req.AgentID),
		slog.String("tool_id", req.ToolID),
		slog.Int("upstream_status", status),
		slog.String("cost", exec.Cost.String()),
	)
	return &ExecuteResult{
		ExecutionID:    exec.ID,
		Status:         exec.Status,
		UpstreamStatus: status,
		Cost:           new(big.Int).Set(exec.Cost),
		ResultHash:     resultHash,
		Result:         body,
	}, nil
}

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
