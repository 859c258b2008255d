package dream

import (
	"context"
	"fmt"
	"strings"

	"github.com/cachebash/coordinator/internal/auth"
	"github.com/cachebash/coordinator/internal/lifecycle"
	"github.com/cachebash/coordinator/internal/model"
	"github.com/cachebash/coordinator/internal/store"
)

// Module implements the dream tool handlers (dream_peek, dream_activate).
// It shares the BudgetCache type defined in this package with the gate.
type Module struct {
	store store.Store
	cache *BudgetCache
}

// NewModule constructs a dream Module.
func NewModule(st store.Store, cache *BudgetCache) *Module {
	return &Module{store: st, cache: cache}
}

func taskPath(tenant, id string) string {
	return fmt.Sprintf("tenants/%s/tasks/%s", tenant, id)
}

// Peek lists peekable (non-archived) dreams for the tenant.
func (m *Module) Peek(ctx context.Context, ac *auth.AuthContext) ([]model.Task, error) {
	docs, err := m.store.Query(ctx, store.Query{
		Parent:     "tenants/" + ac.Tenant,
		Collection: "tasks",
		Filters: []store.Filter{
			{Field: "type", Op: "==", Value: string(model.TaskTypeDream)},
			{Field: "archived", Op: "==", Value: false},
		},
		OrderBy:    "createdAt",
		Descending: true,
	})
	if err != nil {
		return nil, fmt.Errorf("dream: peek: %w", err)
	}

	out := make([]model.Task, 0, len(docs))
	for _, d := range docs {
		status, _ := d.Data["status"].(string)
		title, _ := d.Data["title"].(string)
		agent, _ := d.Data["agent"].(string)
		capUSD, _ := d.Data["budget_cap_usd"].(float64)
		consumed, _ := d.Data["budget_consumed_usd"].(float64)
		timeoutHours, _ := d.Data["timeout_hours"].(float64)
		branch, _ := d.Data["branch"].(string)

		id := d.Path
		if i := strings.LastIndexByte(id, '/'); i >= 0 {
			id = id[i+1:]
		}
		out = append(out, model.Task{
			ID: id, Status: model.Status(status), Title: title, Type: model.TaskTypeDream,
			Block: &model.DreamBlock{
				Agent: agent, BudgetCapUSD: capUSD, BudgetConsumedUSD: consumed,
				TimeoutHours: timeoutHours, Branch: branch,
			},
		})
	}
	return out, nil
}

// Activate transitions a dream created->active and invalidates the
// budget cache for (tenant, programId).
func (m *Module) Activate(ctx context.Context, ac *auth.AuthContext, dreamID string) error {
	path := taskPath(ac.Tenant, dreamID)

	err := m.store.TransactionalUpdate(ctx, path, func(current map[string]interface{}) ([]store.Op, error) {
		from := model.Status(fmt.Sprintf("%v", current["status"]))
		to, err := lifecycle.Transition(lifecycle.KindDream, from, model.StatusActive)
		if err != nil {
			return nil, err
		}
		return []store.Op{
			{Field: "status", Value: string(to)},
			store.ServerTimestamp("startedAt"),
		}, nil
	})
	if err != nil {
		return fmt.Errorf("dream: activate: %w", err)
	}

	m.cache.Invalidate(ac.Tenant, ac.ProgramID)
	return nil
}
