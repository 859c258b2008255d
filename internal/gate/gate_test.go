package gate

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cachebash/coordinator/internal/auth"
	"github.com/cachebash/coordinator/internal/cache"
	"github.com/cachebash/coordinator/internal/config"
	"github.com/cachebash/coordinator/internal/crypto"
	"github.com/cachebash/coordinator/internal/dream"
	"github.com/cachebash/coordinator/internal/ledger"
	"github.com/cachebash/coordinator/internal/model"
	"github.com/cachebash/coordinator/internal/ratelimit"
	"github.com/cachebash/coordinator/internal/store"
	"github.com/cachebash/coordinator/internal/tool"
)

func newTestGate(t *testing.T) (*Gate, store.Store, *tool.Registry) {
	t.Helper()
	st := store.NewMemStore()
	resolver := auth.New(st, (*cache.Cache)(nil), &config.Config{}, zerolog.Nop())
	lp := ledger.New(st, zerolog.Nop(), ledger.Config{BufferSize: 100, BatchSize: 10, FlushInterval: time.Hour, Workers: 1})
	g := New(st, resolver, ratelimit.NewKeyLimiter(), dream.NewBudgetCache(), lp, nil, zerolog.Nop())
	registry := tool.NewRegistry()
	return g, st, registry
}

func seedKey(t *testing.T, st store.Store, rawKey, tenant, programID string, caps []string) {
	t.Helper()
	hash := crypto.HashKey(rawKey)
	if err := st.Create(context.Background(), "apiKeys/"+hash, &model.ApiKeyRecord{
		Tenant: tenant, ProgramID: programID, Active: true, Capabilities: caps, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("seed key: %v", err)
	}
}

func TestGateDeniesUnauthorized(t *testing.T) {
	g, _, registry := newTestGate(t)
	registry.Register("create_task", func(ctx context.Context, ac *auth.AuthContext, args map[string]interface{}) (tool.Result, error) {
		return tool.Result{}, nil
	})

	_, denial := g.Invoke(context.Background(), registry, "create_task", "Bearer cb_nope", nil)
	if denial == nil || denial.Code != CodeAuth {
		t.Fatalf("expected CodeAuth denial, got %+v", denial)
	}
}

func TestGateDeniesCapabilityMismatch(t *testing.T) {
	g, st, registry := newTestGate(t)
	seedKey(t, st, "cb_readonly", "tenant-1", "reader", []string{"dispatch.read"})
	registry.Register("create_task", func(ctx context.Context, ac *auth.AuthContext, args map[string]interface{}) (tool.Result, error) {
		return tool.Result{}, nil
	})

	_, denial := g.Invoke(context.Background(), registry, "create_task", "Bearer cb_readonly", nil)
	if denial == nil || denial.Code != CodeForbidden {
		t.Fatalf("expected CodeForbidden denial, got %+v", denial)
	}
}

func TestGateDeniesSourceMismatch(t *testing.T) {
	g, st, registry := newTestGate(t)
	seedKey(t, st, "cb_builder", "tenant-1", "builder", []string{"*"})
	registry.Register("create_task", func(ctx context.Context, ac *auth.AuthContext, args map[string]interface{}) (tool.Result, error) {
		return tool.Result{}, nil
	})

	_, denial := g.Invoke(context.Background(), registry, "create_task", "Bearer cb_builder", map[string]interface{}{"source": "someone-else"})
	if denial == nil || denial.Code != CodeSourceMismatch {
		t.Fatalf("expected CodeSourceMismatch denial, got %+v", denial)
	}
}

func TestGateAllowsAndInvokesHandler(t *testing.T) {
	g, st, registry := newTestGate(t)
	seedKey(t, st, "cb_builder", "tenant-1", "builder", []string{"*"})

	invoked := false
	registry.Register("create_task", func(ctx context.Context, ac *auth.AuthContext, args map[string]interface{}) (tool.Result, error) {
		invoked = true
		return tool.Result{Data: map[string]string{"taskId": "t1"}}, nil
	})

	result, denial := g.Invoke(context.Background(), registry, "create_task", "Bearer cb_builder", map[string]interface{}{"source": "builder"})
	if denial != nil {
		t.Fatalf("unexpected denial: %+v", denial)
	}
	if !invoked {
		t.Fatalf("expected handler to be invoked")
	}
	if result.Data == nil {
		t.Fatalf("expected handler result data")
	}
}

func TestGateRefusesOverBudgetDream(t *testing.T) {
	g, st, registry := newTestGate(t)
	seedKey(t, st, "cb_builder", "tenant-1", "builder", []string{"*"})
	registry.Register("create_task", func(ctx context.Context, ac *auth.AuthContext, args map[string]interface{}) (tool.Result, error) {
		return tool.Result{}, nil
	})

	if err := st.Create(context.Background(), "tenants/tenant-1/tasks/dream-1", map[string]interface{}{
		"type":                string(model.TaskTypeDream),
		"status":              string(model.StatusActive),
		"sessionId":           "builder.dreamrun",
		"budget_cap_usd":      1.00,
		"budget_consumed_usd": 1.05,
	}); err != nil {
		t.Fatalf("seed dream: %v", err)
	}

	_, denial := g.Invoke(context.Background(), registry, "create_task", "Bearer cb_builder", map[string]interface{}{
		"sessionId": "builder.dreamrun",
	})
	if denial == nil || denial.Code != CodeBudgetExceeded {
		t.Fatalf("expected CodeBudgetExceeded denial, got %+v", denial)
	}
	if !strings.HasPrefix(denial.Message, "BUDGET_EXCEEDED") {
		t.Fatalf("expected reason starting BUDGET_EXCEEDED, got %q", denial.Message)
	}
}

func TestGateRefusesKilledDream(t *testing.T) {
	g, st, registry := newTestGate(t)
	seedKey(t, st, "cb_builder", "tenant-1", "builder", []string{"*"})
	registry.Register("create_task", func(ctx context.Context, ac *auth.AuthContext, args map[string]interface{}) (tool.Result, error) {
		return tool.Result{}, nil
	})

	if err := st.Create(context.Background(), "tenants/tenant-1/tasks/dream-1", map[string]interface{}{
		"type":                string(model.TaskTypeDream),
		"status":              string(model.StatusFailed),
		"sessionId":           "builder.dreamrun",
		"budget_cap_usd":      1.00,
		"budget_consumed_usd": 0.10,
	}); err != nil {
		t.Fatalf("seed dream: %v", err)
	}

	_, denial := g.Invoke(context.Background(), registry, "create_task", "Bearer cb_builder", map[string]interface{}{
		"sessionId": "builder.dreamrun",
	})
	if denial == nil || denial.Code != CodeDreamKilled {
		t.Fatalf("expected CodeDreamKilled denial, got %+v", denial)
	}
}
