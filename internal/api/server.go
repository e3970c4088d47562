package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/observability/metrics"
	"AgentPay-Chain/internal/proxy"
	"AgentPay-Chain/internal/relayer"
	"AgentPay-Chain/internal/web3"
)

// ChainCatalog 提供已注册链的静态信息。
type ChainCatalog interface {
	Chains() []web3.ChainDescriptor
}

// Submitter 抽象交易中继器，供 relay 接口直接提交裸交易。
type Submitter interface {
	Submit(ctx context.Context, chainKey string, to common.Address, data []byte, value *big.Int) (*relayer.SubmittedTransaction, error)
}

// Server 负责暴露 REST 接口，供智能体发起付费工具调用与查询账本。
type Server struct {
	addr      string
	proxy     *proxy.Proxy
	store     ledger.Store
	catalog   ChainCatalog
	submitter Submitter
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, p *proxy.Proxy, store ledger.Store, catalog ChainCatalog, submitter Submitter) *Server {
	return &Server{addr: addr, proxy: p, store: store, catalog: catalog, submitter: submitter}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/executions", instrument("executions", s.handleExecutions))
	mux.Handle("/api/v1/executions/", instrument("execution_detail", s.handleGetExecution))
	mux.Handle("/api/v1/chains", instrument("chains", s.handleChains))
	mux.Handle("/api/v1/relay", instrument("relay", s.handleRelay))
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleExecute(w, r)
	case http.MethodGet:
		s.handleListExecutions(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// handleExecute 处理一次付费工具调用。
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if s.proxy == nil {
		http.Error(w, "代理未初始化", http.StatusServiceUnavailable)
		return
	}

	var req proxy.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	result, err := s.proxy.Execute(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}

	metrics.ObserveExecution(string(result.Status))
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		http.Error(w, "agent_id 不能为空", http.StatusBadRequest)
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	executions, err := s.store.ListExecutions(r.Context(), agentID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, executions)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/executions/")
	if id == "" {
		http.Error(w, "缺少执行记录编号", http.StatusBadRequest)
		return
	}

	exec, err := s.store.GetExecution(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleChains(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.catalog.Chains())
}

type relayRequest struct {
	ChainKey string `json:"chain_key"`
	To       string `json:"to"`
	Data     string `json:"data,omitempty"`
	Value    string `json:"value,omitempty"`
}

type relayResponse struct {
	ChainKey string `json:"chain_key"`
	TxHash   string `json:"tx_hash"`
	Nonce    uint64 `json:"nonce"`
	GasLimit uint64 `json:"gas_limit"`
}

// handleRelay 直接通过中继器提交一笔裸交易，主要用于运维与调试。
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.submitter == nil {
		http.Error(w, "中继器未初始化", http.StatusServiceUnavailable)
		return
	}

	var req relayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if req.ChainKey == "" || !common.IsHexAddress(req.To) {
		http.Error(w, "chain_key 或 to 地址非法", http.StatusBadRequest)
		return
	}

	var data []byte
	if req.Data != "" {
		decoded, err := hexutil.Decode(req.Data)
		if err != nil {
			http.Error(w, "data 不是合法的十六进制串", http.StatusBadRequest)
			return
		}
		data = decoded
	}
	value := big.NewInt(0)
	if req.Value != "" {
		parsed, ok := new(big.Int).SetString(req.Value, 10)
		if !ok || parsed.Sign() < 0 {
			http.Error(w, "value 不是合法的十进制金额", http.StatusBadRequest)
			return
		}
		value = parsed
	}

	tx, err := s.submitter.Submit(r.Context(), req.ChainKey, common.HexToAddress(req.To), data, value)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, relayResponse{
		ChainKey: tx.ChainKey,
		TxHash:   tx.Hash.Hex(),
		Nonce:    tx.Nonce,
		GasLimit: tx.GasLimit,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 按统一错误码映射 HTTP 状态并输出 JSON 错误体。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case xerrors.CodeSignatureInvalid:
		status = http.StatusUnauthorized
	case xerrors.CodeNotFound, xerrors.CodeUnknownChain:
		status = http.StatusNotFound
	case xerrors.CodeInsufficientBalance:
		status = http.StatusPaymentRequired
	case xerrors.CodeUpstreamFailure:
		status = http.StatusServiceUnavailable
	case xerrors.CodeLockTimeout, xerrors.CodeTimeout:
		status = http.StatusGatewayTimeout
	}

	body := map[string]string{
		"code":  string(xerrors.CodeOf(err)),
		"error": err.Error(),
	}
	writeJSON(w, status, body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 记录请求量与时延指标。
func instrument(name string, handler http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
