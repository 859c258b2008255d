// Package mcp implements the JSON-RPC 2.0 streaming-HTTP transport: a
// session handshake over the Mcp-Session-Id header backed by a persisted
// model.McpSession doc, and a POST endpoint that publishes a message (or
// batch) into the gate pipeline then polls its session's own response
// queue for up to pollTimeout before answering. DELETE tears a session
// down; GET is not used.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/cachebash/coordinator/internal/gate"
	"github.com/cachebash/coordinator/internal/model"
	"github.com/cachebash/coordinator/internal/store"
	"github.com/cachebash/coordinator/internal/tool"
)

const protocolVersion = "2024-11-05"

// Request is a JSON-RPC 2.0 request object.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response object.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
	// codeSessionInvalid marks a missing, unknown or idle-timed-out
	// session. Its Data always embeds a REST-fallback hint so a client can
	// retry the same operation over the REST transport instead of
	// re-handshaking.
	codeSessionInvalid = -32001
)

const restFallbackHint = "session invalid or expired; retry this operation against the REST transport under /v1"

type callParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Handler serves the MCP streaming-HTTP endpoint. Session identity and
// idle-timeout bookkeeping are persisted (model.McpSession) so any
// instance behind a load balancer can validate a session id off the bare
// Mcp-Session-Id header; the per-session response queue is in-process
// only since it never needs to outlive the process that produced it.
type Handler struct {
	gate         *gate.Gate
	registry     *tool.Registry
	store        store.Store
	queues       *queueManager
	log          zerolog.Logger
	allowedHosts map[string]bool // empty means no allow-list enforcement
}

// New constructs an MCP Handler. allowedHosts, when non-empty, restricts
// the Host header accepted by the transport (DNS-rebinding protection);
// pass nil/empty to disable.
func New(g *gate.Gate, registry *tool.Registry, st store.Store, log zerolog.Logger, allowedHosts []string) *Handler {
	hosts := make(map[string]bool, len(allowedHosts))
	for _, h := range allowedHosts {
		hosts[h] = true
	}
	h := &Handler{
		gate:         g,
		registry:     registry,
		store:        st,
		queues:       newQueueManager(),
		log:          log.With().Str("component", "mcp").Logger(),
		allowedHosts: hosts,
	}
	go h.reapLoop()
	return h
}

func (h *Handler) reapLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		if n := h.reapIdle(context.Background()); n > 0 {
			h.log.Info().Int("reaped", n).Msg("mcp idle sessions reaped")
		}
	}
}

// reapIdle sweeps the store for sessions whose lastActivity has fallen
// past the idle timeout and removes both the persisted doc and the
// in-process queue, mirroring the control loops' sweep-then-delete shape
// (internal/controlloop.StaleSessionArchiver).
func (h *Handler) reapIdle(ctx context.Context) int {
	cutoff := h.store.Now().Add(-idleTimeout)
	docs, err := h.store.Query(ctx, store.Query{
		Collection: "mcp_sessions",
		Filters: []store.Filter{
			{Field: "lastActivity", Op: "<", Value: cutoff},
		},
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("mcp reap query failed")
		return 0
	}
	removed := 0
	for _, d := range docs {
		if err := h.store.Delete(ctx, d.Path); err != nil {
			h.log.Warn().Err(err).Str("path", d.Path).Msg("mcp reap delete failed")
			continue
		}
		h.queues.remove(sessionIDFromPath(d.Path))
		removed++
	}
	return removed
}

func sessionIDFromPath(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

func (h *Handler) hostAllowed(r *http.Request) bool {
	if len(h.allowedHosts) == 0 {
		return true
	}
	return h.allowedHosts[r.Host]
}

// ServeHTTP dispatches POST (send) and DELETE (teardown). GET is not
// used.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.hostAllowed(r) {
		http.Error(w, "host not allowed", http.StatusForbidden)
		return
	}
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// Routes mounts the MCP endpoint onto mux at "/v1/mcp", optionally
// wrapped in transport middleware (the per-IP limiter).
func (h *Handler) Routes(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	var handler http.Handler = h
	if wrap != nil {
		handler = wrap(handler)
	}
	mux.Handle("/v1/mcp", handler)
}

// decodeRequests accepts either a single JSON-RPC object or a batch
// array, reporting which shape it saw so the response can mirror it.
func decodeRequests(r io.Reader) (reqs []Request, batch bool, err error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, false, err
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, false, fmt.Errorf("mcp: empty request body")
	}
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &reqs); err != nil {
			return nil, false, err
		}
		return reqs, true, nil
	}
	var single Request
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, false, err
	}
	return []Request{single}, false, nil
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	reqs, batch, err := decodeRequests(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Response{JSONRPC: "2.0", Error: &RPCError{Code: codeParseError, Message: "invalid JSON"}})
		return
	}
	if len(reqs) == 0 {
		writeJSON(w, http.StatusBadRequest, Response{JSONRPC: "2.0", Error: &RPCError{Code: codeInvalidRequest, Message: "empty request"}})
		return
	}

	if reqs[0].Method == "initialize" {
		if len(reqs) != 1 {
			writeJSON(w, http.StatusBadRequest, Response{JSONRPC: "2.0", Error: &RPCError{Code: codeInvalidRequest, Message: "initialize must not be batched"}})
			return
		}
		h.handleInitialize(w, r, reqs[0])
		return
	}

	sessID := r.Header.Get("Mcp-Session-Id")
	if denial := h.touchSession(r.Context(), sessID); denial != nil {
		writeJSON(w, http.StatusBadRequest, Response{JSONRPC: "2.0", ID: reqs[0].ID, Error: denial})
		return
	}

	bearer := r.Header.Get("Authorization")
	q := h.queues.get(sessID)
	for _, req := range reqs {
		resp := h.dispatch(r.Context(), req, bearer)
		if raw, err := json.Marshal(resp); err == nil {
			q.push(raw)
		}
	}

	collected := h.pollQueue(q, len(reqs))
	if len(collected) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	responses := make([]Response, 0, len(collected))
	for _, raw := range collected {
		var resp Response
		if err := json.Unmarshal(raw, &resp); err == nil {
			responses = append(responses, resp)
		}
	}
	if !batch && len(responses) == 1 {
		writeJSON(w, http.StatusOK, responses[0])
		return
	}
	writeJSONBatch(w, http.StatusOK, responses)
}

// handleInitialize is the first message of a session: it must not carry
// Mcp-Session-Id, resolves the caller's identity up front so userId can
// be persisted with the session, then issues a new id.
func (h *Handler) handleInitialize(w http.ResponseWriter, r *http.Request, req Request) {
	if r.Header.Get("Mcp-Session-Id") != "" {
		writeJSON(w, http.StatusBadRequest, Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{
			Code: codeInvalidRequest, Message: "initialize must not include Mcp-Session-Id",
		}})
		return
	}

	ac, err := h.gate.ResolveAuth(r.Context(), r.Header.Get("Authorization"))
	if err != nil {
		writeJSON(w, http.StatusOK, Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: codeInternalError, Message: "auth resolver unavailable"}})
		return
	}
	if ac == nil {
		writeJSON(w, http.StatusOK, Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: codeInvalidRequest, Message: "unauthorized"}})
		return
	}

	id, err := newSessionID()
	if err != nil {
		writeJSON(w, http.StatusOK, Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: codeInternalError, Message: "session id generation failed"}})
		return
	}

	now := h.store.Now()
	sess := model.McpSession{UserID: ac.RawUID, CreatedAt: now, LastActivity: now}
	if err := h.store.Create(r.Context(), sessionPath(id), &sess); err != nil {
		writeJSON(w, http.StatusOK, Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: codeInternalError, Message: "session persistence failed"}})
		return
	}

	w.Header().Set("Mcp-Session-Id", id)
	writeJSON(w, http.StatusOK, Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{
		"protocolVersion": protocolVersion,
		"serverInfo":      map[string]string{"name": "cachebash-coordinator", "version": "1"},
		"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
	}})
}

// touchSession validates a non-initialize request's Mcp-Session-Id against
// the persisted session doc and bumps lastActivity, or returns a
// codeSessionInvalid error embedding the REST-fallback hint.
func (h *Handler) touchSession(ctx context.Context, id string) *RPCError {
	if id == "" {
		return &RPCError{Code: codeSessionInvalid, Message: "missing Mcp-Session-Id", Data: restFallbackHint}
	}

	var sess model.McpSession
	if err := h.store.Get(ctx, sessionPath(id), &sess); err != nil {
		return &RPCError{Code: codeSessionInvalid, Message: "unknown session", Data: restFallbackHint}
	}

	now := h.store.Now()
	if now.Sub(sess.LastActivity) > idleTimeout {
		_ = h.store.Delete(ctx, sessionPath(id))
		h.queues.remove(id)
		return &RPCError{Code: codeSessionInvalid, Message: "session idle timeout", Data: restFallbackHint}
	}

	_ = h.store.Set(ctx, sessionPath(id), []store.Op{{Field: "lastActivity", Value: now}})
	return nil
}

func (h *Handler) dispatch(ctx context.Context, req Request, bearerToken string) Response {
	if req.Method != "tools/call" {
		return Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: codeMethodNotFound, Message: "unknown method: " + req.Method}}
	}

	var params callParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: codeInvalidParams, Message: "invalid params"}}
		}
	}
	if params.Name == "" {
		return Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: codeInvalidParams, Message: "params.name is required"}}
	}

	result, denial := h.gate.Invoke(ctx, h.registry, params.Name, bearerToken, params.Arguments)
	if denial != nil {
		// Tool-level failures ride inside the result as a content block,
		// not a JSON-RPC protocol error.
		failure, _ := json.Marshal(map[string]interface{}{
			"success": false,
			"error": map[string]interface{}{
				"code":          string(denial.Code),
				"message":       denial.Message,
				"correlationId": denial.CorrelationID,
			},
		})
		return Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{
			"content": []map[string]interface{}{{"type": "text", "text": string(failure)}},
			"isError": true,
		}}
	}

	success, err := json.Marshal(map[string]interface{}{"success": true, "data": result.Data})
	if err != nil {
		return Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: codeInternalError, Message: "result serialization failed"}}
	}
	return Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{
		"content": []map[string]interface{}{{"type": "text", "text": string(success)}},
	}}
}

// pollQueue drains q for up to pollTimeout, in pollGranularity
// increments, until at least `expected` messages have accumulated.
func (h *Handler) pollQueue(q *queue, expected int) [][]byte {
	deadline := time.Now().Add(pollTimeout)
	var collected [][]byte
	for {
		collected = append(collected, q.drain()...)
		if len(collected) >= expected || time.Now().After(deadline) {
			return collected
		}
		time.Sleep(pollGranularity)
	}
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get("Mcp-Session-Id")
	if id == "" {
		http.Error(w, "missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}
	if err := h.store.Delete(r.Context(), sessionPath(id)); err != nil {
		http.Error(w, "session teardown failed", http.StatusInternalServerError)
		return
	}
	h.queues.remove(id)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONBatch(w http.ResponseWriter, status int, body []Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
