package api

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/web3"
)

type fakeCatalog []web3.ChainDescriptor

func (f fakeCatalog) Chains() []web3.ChainDescriptor {
	return f
}

func newTestServer(t *testing.T) (*Server, *ledger.MemoryStore) {
	t.Helper()
	store := ledger.NewMemoryStore()
	catalog := fakeCatalog{
		{Key: "sepolia", ChainID: 11155111, Name: "Sepolia", Currency: "ETH"},
	}
	return NewServer(":0", nil, store, catalog, nil), store
}

func TestHandleGetExecution(t *testing.T) {
	server, store := newTestServer(t)

	sample := &ledger.Execution{
		ID:      "exec-1",
		AgentID: "agent-1",
		ToolID:  "tool-1",
		Cost:    big.NewInt(4),
		ChainID: 11155111,
		Status:  ledger.StatusSuccess,
	}
	if err := store.CreateExecution(context.Background(), sample); err != nil {
		t.Fatalf("create sample execution: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/executions/exec-1", nil)
	rec := httptest.NewRecorder()
	server.handleGetExecution(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}

	var got ledger.Execution
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID != sample.ID || got.Status != ledger.StatusSuccess {
		t.Fatalf("unexpected execution: %+v", got)
	}
}

func TestHandleGetExecutionErrors(t *testing.T) {
	server, _ := newTestServer(t)

	t.Run("invalid method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/executions/exec-1", nil)
		rec := httptest.NewRecorder()
		server.handleGetExecution(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})

	t.Run("not found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/executions/missing", nil)
		rec := httptest.NewRecorder()
		server.handleGetExecution(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
	})
}

func TestHandleListExecutionsRequiresAgentID(t *testing.T) {
	server, store := newTestServer(t)

	for _, exec := range []*ledger.Execution{
		{ID: "e1", AgentID: "agent-1", ToolID: "t", Cost: big.NewInt(1), ChainID: 1, Status: ledger.StatusSuccess, CreatedAt: 1},
		{ID: "e2", AgentID: "agent-1", ToolID: "t", Cost: big.NewInt(1), ChainID: 1, Status: ledger.StatusFailed, CreatedAt: 2},
	} {
		if err := store.CreateExecution(context.Background(), exec); err != nil {
			t.Fatalf("create execution: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/executions", nil)
	rec := httptest.NewRecorder()
	server.handleListExecutions(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/executions?agent_id=agent-1&limit=1", nil)
	rec = httptest.NewRecorder()
	server.handleListExecutions(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	var got []ledger.Execution
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 1 || got[0].ID != "e2" {
		t.Fatalf("unexpected list: %+v", got)
	}
}

func TestHandleChains(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/chains", nil)
	rec := httptest.NewRecorder()
	server.handleChains(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	var got []web3.ChainDescriptor
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 1 || got[0].ChainID != 11155111 {
		t.Fatalf("unexpected chains: %+v", got)
	}
}

func TestHandleRelayValidation(t *testing.T) {
	server, _ := newTestServer(t)

	t.Run("submitter missing", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/relay", nil)
		rec := httptest.NewRecorder()
		server.handleRelay(rec, req)
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
		}
	})
}

func TestWriteErrorMapsCodes(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{xerrors.New(xerrors.CodeInvalidArgument, "bad"), http.StatusBadRequest},
		{xerrors.New(xerrors.CodeSignatureInvalid, "bad sig"), http.StatusUnauthorized},
		{ledger.ErrToolNotFound, http.StatusNotFound},
		{xerrors.New(xerrors.CodeUnknownChain, ""), http.StatusNotFound},
		{&ledger.InsufficientBalanceError{Have: big.NewInt(1), Need: big.NewInt(2)}, http.StatusPaymentRequired},
		{xerrors.New(xerrors.CodeUpstreamFailure, "upstream down"), http.StatusServiceUnavailable},
		{xerrors.New(xerrors.CodeLockTimeout, ""), http.StatusGatewayTimeout},
		{xerrors.New(xerrors.CodeStorageFailure, "db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeError(rec, tc.err)
		if rec.Code != tc.want {
			t.Fatalf("error %v: expected status %d, got %d", tc.err, tc.want, rec.Code)
		}
	}
}
