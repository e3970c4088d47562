package proxy

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"AgentPay-Chain/internal/attest"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
)

type fakeSettler struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeSettler) Enqueue(_ context.Context, executionID string) error {
	f.mu.Lock()
	f.ids = append(f.ids, executionID)
	f.mu.Unlock()
	return nil
}

func (f *fakeSettler) enqueued() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

type testEnv struct {
	store    *ledger.MemoryStore
	appender *attest.MemoryAppender
	reporter *attest.Reporter
	settler  *fakeSettler
	proxy    *Proxy
	key      *ecdsa.PrivateKey
}

func newTestEnv(t *testing.T, endpoint string, price int64, opts ...Option) *testEnv {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("生成测试私钥失败: %v", err)
	}
	wallet := crypto.PubkeyToAddress(key.PublicKey).Hex()

	store := ledger.NewMemoryStore()
	ctx := context.Background()
	if err := store.PutAgent(ctx, &ledger.Agent{ID: "agent-1", Wallet: wallet, Active: true, AttestTopic: "0.0.100"}); err != nil {
		t.Fatalf("写入智能体失败: %v", err)
	}
	if err := store.PutTool(ctx, &ledger.Tool{
		ID:          "tool-1",
		OwnerWallet: "0x00000000000000000000000000000000000000aa",
		Price:       big.NewInt(price),
		Endpoint:    endpoint,
		AuthType:    "api_key",
		AuthSecret:  "secret-key",
		Active:      true,
	}); err != nil {
		t.Fatalf("写入工具失败: %v", err)
	}
	if err := store.CreditEscrow(ctx, "agent-1", 1, big.NewInt(10)); err != nil {
		t.Fatalf("充值失败: %v", err)
	}

	appender := attest.NewMemoryAppender()
	reporter := attest.NewReporter(appender)
	settler := &fakeSettler{}
	return &testEnv{
		store:    store,
		appender: appender,
		reporter: reporter,
		settler:  settler,
		proxy:    New(store, reporter, settler, opts...),
		key:      key,
	}
}

func (e *testEnv) signedRequest(t *testing.T, params json.RawMessage) *ExecuteRequest {
	t.Helper()
	sum := sha256.Sum256(params)
	paramsHash := hex.EncodeToString(sum[:])
	message := canonicalMessage("tool-1", paramsHash, "nonce-1", 1)
	sig, err := crypto.Sign(accounts.TextHash(message), e.key)
	if err != nil {
		t.Fatalf("签名失败: %v", err)
	}
	return &ExecuteRequest{
		AgentID:   "agent-1",
		ToolID:    "tool-1",
		ChainID:   1,
		Nonce:     "nonce-1",
		Signature: hexutil.Encode(sig),
		Params:    params,
	}
}

func (e *testEnv) balance(t *testing.T) *big.Int {
	t.Helper()
	balance, err := e.store.EscrowBalance(context.Background(), "agent-1", 1)
	if err != nil {
		t.Fatalf("查询余额失败: %v", err)
	}
	return balance
}

func TestExecuteBillsAndSettles(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("X-API-Key")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"answer":42}`))
	}))
	defer upstream.Close()

	env := newTestEnv(t, upstream.URL, 4)
	params := json.RawMessage(`{"q":"hello"}`)

	result, err := env.proxy.Execute(context.Background(), env.signedRequest(t, params))
	if err != nil {
		t.Fatalf("调用失败: %v", err)
	}
	if result.Status != ledger.StatusSuccess {
		t.Fatalf("预期 SUCCESS, 实际 %s", result.Status)
	}
	if result.UpstreamStatus != http.StatusOK {
		t.Fatalf("预期上游状态 200, 实际 %d", result.UpstreamStatus)
	}
	if result.Cost.Cmp(big.NewInt(4)) != 0 {
		t.Fatalf("预期计费 4, 实际 %s", result.Cost)
	}
	if gotAuth != "secret-key" {
		t.Fatalf("上游应收到 API key, 实际 %q", gotAuth)
	}
	if env.balance(t).Cmp(big.NewInt(6)) != 0 {
		t.Fatalf("预期余额 6, 实际 %s", env.balance(t))
	}

	if ids := env.settler.enqueued(); len(ids) != 1 || ids[0] != result.ExecutionID {
		t.Fatalf("结算队列内容不正确: %v", ids)
	}

	exec, err := env.store.GetExecution(context.Background(), result.ExecutionID)
	if err != nil {
		t.Fatalf("查询执行记录失败: %v", err)
	}
	if exec.BatchID == "" {
		t.Fatal("计费成功的记录应携带批次号")
	}
	if exec.UpstreamStatus == nil || *exec.UpstreamStatus != http.StatusOK {
		t.Fatalf("上游状态未落库: %+v", exec.UpstreamStatus)
	}

	env.reporter.Flush()
	messages := env.appender.Messages()
	if len(messages) != 2 {
		t.Fatalf("预期 2 条公证事件(成功+商业回执), 实际 %d", len(messages))
	}
}

func TestExecuteInsufficientBalance(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	env := newTestEnv(t, upstream.URL, 12)
	_, err := env.proxy.Execute(context.Background(), env.signedRequest(t, json.RawMessage(`{}`)))
	if err == nil {
		t.Fatal("预期余额不足")
	}
	var insufficient *ledger.InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("预期 InsufficientBalanceError, 实际 %T", err)
	}
	if insufficient.Have.Cmp(big.NewInt(10)) != 0 || insufficient.Need.Cmp(big.NewInt(12)) != 0 {
		t.Fatalf("缺口信息不正确: have=%s need=%s", insufficient.Have, insufficient.Need)
	}
	if env.balance(t).Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("失败的扣款不应改变余额, 实际 %s", env.balance(t))
	}
}

func TestExecuteUpstreamErrorStatusStillBilled(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "internal", http.StatusInternalServerError)
	}))
	defer upstream.Close()

	env := newTestEnv(t, upstream.URL, 4)
	result, err := env.proxy.Execute(context.Background(), env.signedRequest(t, json.RawMessage(`{}`)))
	if err != nil {
		t.Fatalf("收到 HTTP 状态码即视为计费成功: %v", err)
	}
	if result.Status != ledger.StatusSuccess {
		t.Fatalf("预期 SUCCESS, 实际 %s", result.Status)
	}
	if result.UpstreamStatus != http.StatusInternalServerError {
		t.Fatalf("预期上游状态 500, 实际 %d", result.UpstreamStatus)
	}
	if env.balance(t).Cmp(big.NewInt(6)) != 0 {
		t.Fatalf("500 响应同样扣费, 预期余额 6, 实际 %s", env.balance(t))
	}
}

func TestExecuteTransportFailureRestoresBalance(t *testing.T) {
	// 不可达端点模拟传输层失败。
	env := newTestEnv(t, "http://127.0.0.1:1", 4, WithUpstreamTimeout(200*time.Millisecond))

	_, err := env.proxy.Execute(context.Background(), env.signedRequest(t, json.RawMessage(`{}`)))
	if err == nil {
		t.Fatal("预期传输失败")
	}
	if xerrors.CodeOf(err) != xerrors.CodeUpstreamFailure {
		t.Fatalf("预期 UPSTREAM_FAILURE, 实际 %s", xerrors.CodeOf(err))
	}
	if env.balance(t).Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("传输失败应回补余额, 实际 %s", env.balance(t))
	}

	executions, err := env.store.ListExecutions(context.Background(), "agent-1", 10)
	if err != nil {
		t.Fatalf("查询执行记录失败: %v", err)
	}
	if len(executions) != 1 {
		t.Fatalf("失败的尝试也应落库, 实际 %d 条", len(executions))
	}
	if executions[0].Status != ledger.StatusFailed {
		t.Fatalf("预期 FAILED, 实际 %s", executions[0].Status)
	}
	if executions[0].UpstreamStatus != nil {
		t.Fatal("传输失败没有上游状态码")
	}

	env.reporter.Flush()
	messages := env.appender.Messages()
	if len(messages) != 1 {
		t.Fatalf("预期 1 条失败公证事件, 实际 %d", len(messages))
	}
}

func TestExecuteRejectsBadSignature(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	env := newTestEnv(t, upstream.URL, 4)
	req := env.signedRequest(t, json.RawMessage(`{"q":"hello"}`))
	// 篡改参数使签名失效。
	req.Params = json.RawMessage(`{"q":"tampered"}`)

	_, err := env.proxy.Execute(context.Background(), req)
	if err == nil {
		t.Fatal("预期签名校验失败")
	}
	if xerrors.CodeOf(err) != xerrors.CodeSignatureInvalid {
		t.Fatalf("预期 SIGNATURE_INVALID, 实际 %s", xerrors.CodeOf(err))
	}
	if env.balance(t).Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("签名失败不应扣费, 实际 %s", env.balance(t))
	}
}

func TestExecuteInactiveToolTreatedAsMissing(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:1", 4)
	if err := env.store.PutTool(context.Background(), &ledger.Tool{
		ID:          "tool-1",
		OwnerWallet: "0x00000000000000000000000000000000000000aa",
		Price:       big.NewInt(4),
		Endpoint:    "http://127.0.0.1:1",
		Active:      false,
	}); err != nil {
		t.Fatalf("更新工具失败: %v", err)
	}

	_, err := env.proxy.Execute(context.Background(), env.signedRequest(t, json.RawMessage(`{}`)))
	if !errors.Is(err, ledger.ErrToolNotFound) {
		t.Fatalf("下线的工具应按不存在处理: %v", err)
	}
}

func TestVerifySignatureAcceptsLegacyRecoveryID(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("生成测试私钥失败: %v", err)
	}
	wallet := crypto.PubkeyToAddress(key.PublicKey).Hex()
	message := canonicalMessage("tool-1", "deadbeef", "n", 1)
	sig, err := crypto.Sign(accounts.TextHash(message), key)
	if err != nil {
		t.Fatalf("签名失败: %v", err)
	}
	// 钱包侧习惯输出 v=27/28。
	sig[64] += 27
	if err := verifySignature(wallet, message, hexutil.Encode(sig)); err != nil {
		t.Fatalf("应接受 v=27/28 的签名: %v", err)
	}
}
