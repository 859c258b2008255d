package mcp

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cachebash/coordinator/internal/auth"
	"github.com/cachebash/coordinator/internal/config"
	"github.com/cachebash/coordinator/internal/crypto"
	"github.com/cachebash/coordinator/internal/dream"
	"github.com/cachebash/coordinator/internal/gate"
	"github.com/cachebash/coordinator/internal/ledger"
	"github.com/cachebash/coordinator/internal/model"
	"github.com/cachebash/coordinator/internal/ratelimit"
	"github.com/cachebash/coordinator/internal/store"
	"github.com/cachebash/coordinator/internal/tool"
)

func newTestHandler(t *testing.T) (*Handler, *store.MemStore) {
	t.Helper()
	st := store.NewMemStore()
	log := zerolog.Nop()
	cfg := &config.Config{}

	resolver := auth.New(st, nil, cfg, log)
	g := gate.New(st, resolver, ratelimit.NewKeyLimiter(), dream.NewBudgetCache(), ledger.New(st, log, ledger.DefaultConfig()), nil, log)

	registry := tool.NewRegistry()
	registry.Register("create_task", func(ctx context.Context, ac *auth.AuthContext, args map[string]interface{}) (tool.Result, error) {
		return tool.Result{Data: map[string]string{"id": "task_1"}}, nil
	})

	return New(g, registry, st, log, nil), st
}

func seedAPIKey(t *testing.T, st *store.MemStore, rawKey string) {
	t.Helper()
	keyHash := crypto.HashKey(rawKey)
	if err := st.Create(context.Background(), "apiKeys/"+keyHash, &model.ApiKeyRecord{
		Tenant: "tenant-1", ProgramID: "builder", Capabilities: []string{"*"}, Active: true, CreatedAt: st.Now(),
	}); err != nil {
		t.Fatalf("seed api key: %v", err)
	}
}

func doPost(h *Handler, body string, sessionID, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/mcp", strings.NewReader(body))
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	if bearer != "" {
		req.Header.Set("Authorization", bearer)
	}
	rec := httptest.NewRecorder()
	h.handlePost(rec, req)
	return rec
}

func doDelete(h *Handler, sessionID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("DELETE", "/mcp", nil)
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	rec := httptest.NewRecorder()
	h.handleDelete(rec, req)
	return rec
}

func TestInitializeRequiresAuth(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := doPost(h, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, "", "")

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error == nil {
		t.Fatalf("expected initialize without a bearer token to fail")
	}
	if rec.Header().Get("Mcp-Session-Id") != "" {
		t.Fatalf("expected no session id issued on failed auth")
	}
}

func TestInitializeIssuesSessionIDAndPersistsSession(t *testing.T) {
	h, st := newTestHandler(t)
	rawKey := "cb_testkey"
	seedAPIKey(t, st, rawKey)

	rec := doPost(h, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, "", "Bearer "+rawKey)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	sessID := rec.Header().Get("Mcp-Session-Id")
	if sessID == "" {
		t.Fatalf("expected Mcp-Session-Id header to be set")
	}

	var sess model.McpSession
	if err := st.Get(context.Background(), sessionPath(sessID), &sess); err != nil {
		t.Fatalf("expected session persisted: %v", err)
	}
	if sess.UserID == "" {
		t.Fatalf("expected userId captured at initialize")
	}
}

func TestInitializeWithExistingSessionIDIsRejected(t *testing.T) {
	h, st := newTestHandler(t)
	rawKey := "cb_testkey"
	seedAPIKey(t, st, rawKey)

	rec := doPost(h, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, "some-existing-id", "Bearer "+rawKey)
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != codeInvalidRequest {
		t.Fatalf("expected invalid-request error, got %+v", resp.Error)
	}
}

func TestToolsCallWithoutSessionIsRejectedWithFallbackHint(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := doPost(h, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"create_task","arguments":{}}}`, "", "")

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != codeSessionInvalid {
		t.Fatalf("expected session-invalid error, got %+v", resp.Error)
	}
	if resp.Error.Data == nil {
		t.Fatalf("expected a REST-fallback hint in the error data")
	}
}

func TestToolsCallHappyPath(t *testing.T) {
	h, st := newTestHandler(t)

	rawKey := "cb_testkey"
	seedAPIKey(t, st, rawKey)

	initRec := doPost(h, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, "", "Bearer "+rawKey)
	sessID := initRec.Header().Get("Mcp-Session-Id")

	callRec := doPost(h, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"create_task","arguments":{}}}`, sessID, "Bearer "+rawKey)

	if callRec.Code != 200 {
		t.Fatalf("expected 200, got %d", callRec.Code)
	}
	var resp Response
	if err := json.Unmarshal(callRec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("expected success, got error: %+v", resp.Error)
	}
}

func TestBatchRequestReturnsBatchResponse(t *testing.T) {
	h, st := newTestHandler(t)
	rawKey := "cb_testkey"
	seedAPIKey(t, st, rawKey)

	initRec := doPost(h, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, "", "Bearer "+rawKey)
	sessID := initRec.Header().Get("Mcp-Session-Id")

	body := `[{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"create_task","arguments":{}}},{"jsonrpc":"2.0","id":3,"method":"bogus"}]`
	rec := doPost(h, body, sessID, "Bearer "+rawKey)

	var resps []Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resps); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if len(resps) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(resps))
	}
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	h, st := newTestHandler(t)
	rawKey := "cb_testkey"
	seedAPIKey(t, st, rawKey)

	initRec := doPost(h, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, "", "Bearer "+rawKey)
	sessID := initRec.Header().Get("Mcp-Session-Id")

	rec := doPost(h, `{"jsonrpc":"2.0","id":3,"method":"bogus"}`, sessID, "Bearer "+rawKey)
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("expected method-not-found error, got %+v", resp.Error)
	}
}

func TestSessionIdleTimeoutIsRejected(t *testing.T) {
	h, st := newTestHandler(t)
	rawKey := "cb_testkey"
	seedAPIKey(t, st, rawKey)

	initRec := doPost(h, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, "", "Bearer "+rawKey)
	sessID := initRec.Header().Get("Mcp-Session-Id")

	stale := st.Now().Add(-idleTimeout - time.Minute)
	if err := st.Set(context.Background(), sessionPath(sessID), []store.Op{{Field: "lastActivity", Value: stale}}); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	rec := doPost(h, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"create_task","arguments":{}}}`, sessID, "Bearer "+rawKey)
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != codeSessionInvalid {
		t.Fatalf("expected session-invalid error for idle session, got %+v", resp.Error)
	}

	if err := st.Get(context.Background(), sessionPath(sessID), &model.McpSession{}); err == nil {
		t.Fatalf("expected idle session to be deleted")
	}
}

func TestDeleteTearsDownSession(t *testing.T) {
	h, st := newTestHandler(t)
	rawKey := "cb_testkey"
	seedAPIKey(t, st, rawKey)

	initRec := doPost(h, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, "", "Bearer "+rawKey)
	sessID := initRec.Header().Get("Mcp-Session-Id")

	rec := doDelete(h, sessID)
	if rec.Code != 204 {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	if err := st.Get(context.Background(), sessionPath(sessID), &model.McpSession{}); err == nil {
		t.Fatalf("expected session to be removed after delete")
	}

	callRec := doPost(h, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"create_task","arguments":{}}}`, sessID, "Bearer "+rawKey)
	var resp Response
	if err := json.Unmarshal(callRec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != codeSessionInvalid {
		t.Fatalf("expected session-invalid after delete, got %+v", resp.Error)
	}
}

func TestDeleteWithoutSessionIDIsBadRequest(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := doDelete(h, "")
	if rec.Code != 400 {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
