// Package dispatch implements the task entity's CRUD, claim-with-contention
// and complete-with-ledger operations.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cachebash/coordinator/internal/auth"
	"github.com/cachebash/coordinator/internal/crypto"
	"github.com/cachebash/coordinator/internal/lifecycle"
	"github.com/cachebash/coordinator/internal/model"
	"github.com/cachebash/coordinator/internal/store"
	"github.com/cachebash/coordinator/internal/webhook"
)

// Module implements the dispatch tool handlers.
type Module struct {
	store      store.Store
	dispatcher *webhook.Dispatcher
	enqueueSync func(ctx context.Context, tenant, op, payload string)
}

// New constructs a dispatch Module. enqueueSync is typically
// internal/syncqueue.Queue.Enqueue, injected to avoid an import cycle.
func New(st store.Store, dispatcher *webhook.Dispatcher, enqueueSync func(ctx context.Context, tenant, op, payload string)) *Module {
	return &Module{store: st, dispatcher: dispatcher, enqueueSync: enqueueSync}
}

func taskPath(tenant, id string) string {
	return fmt.Sprintf("tenants/%s/tasks/%s", tenant, id)
}

// CreateTaskArgs is the create_task tool's argument shape. Block carries
// the type-specific sub-object (question/dream/sprint); nil for a plain
// task.
type CreateTaskArgs struct {
	model.Envelope
	Type         model.TaskType
	Title        string
	Instructions string
	Context      string
	Encrypted    bool
	BlockedBy    []string
	Block        model.TypeBlock
}

// blockOps flattens a type-specific sub-block into top-level document
// fields. The stored document is a bag; the tagged variant exists only in
// code.
func blockOps(block model.TypeBlock) []store.Op {
	switch b := block.(type) {
	case *model.DreamBlock:
		return []store.Op{
			{Field: "agent", Value: b.Agent},
			{Field: "budget_cap_usd", Value: b.BudgetCapUSD},
			{Field: "budget_consumed_usd", Value: b.BudgetConsumedUSD},
			{Field: "timeout_hours", Value: b.TimeoutHours},
			{Field: "branch", Value: b.Branch},
		}
	case *model.QuestionBlock:
		return []store.Op{
			{Field: "question", Value: b.Question},
			{Field: "responseField", Value: b.ResponseField},
		}
	case *model.SprintBlock:
		return []store.Op{
			{Field: "goal", Value: b.Goal},
			{Field: "storyIds", Value: b.StoryIDs},
			{Field: "velocityPoints", Value: b.VelocityPt},
		}
	}
	return nil
}

// CreateTask writes a new task and fires the webhook + sync-queue mirror.
func (m *Module) CreateTask(ctx context.Context, ac *auth.AuthContext, a CreateTaskArgs) (string, error) {
	id := m.store.NewID("tasks")
	now := m.store.Now()

	task := model.Task{
		Envelope:     a.Envelope,
		Type:         a.Type,
		Title:        a.Title,
		Instructions: a.Instructions,
		Context:      a.Context,
		Status:       model.StatusCreated,
		CreatedAt:    now,
		Encrypted:    a.Encrypted,
		BlockedBy:    a.BlockedBy,
	}
	if task.Envelope.SchemaVersion == "" {
		task.Envelope.SchemaVersion = "1"
	}

	if err := m.store.Create(ctx, taskPath(ac.Tenant, id), &task); err != nil {
		return "", fmt.Errorf("dispatch: create task: %w", err)
	}
	if ops := blockOps(a.Block); ops != nil {
		if err := m.store.Set(ctx, taskPath(ac.Tenant, id), ops); err != nil {
			return "", fmt.Errorf("dispatch: write task block: %w", err)
		}
	}

	m.dispatcher.Fire(ctx, webhook.Payload{
		TaskID: id, Target: a.Target, Priority: string(a.Priority), Title: a.Title, Timestamp: now.Unix(),
	})
	if m.enqueueSync != nil {
		m.enqueueSync(ctx, ac.Tenant, "mirror_task_create", id)
	}

	return id, nil
}

// TaskFilters narrows get_tasks queries.
type TaskFilters struct {
	Target   string
	Status   model.Status
	Type     model.TaskType
	Priority model.Priority
}

// GetTasks runs an indexed query and decrypts question content on the fly
// when the task is encrypted and the caller holds the key.
func (m *Module) GetTasks(ctx context.Context, ac *auth.AuthContext, f TaskFilters) ([]model.Task, error) {
	var filters []store.Filter
	if f.Target != "" {
		filters = append(filters, store.Filter{Field: "target", Op: "==", Value: f.Target})
	}
	if f.Status != "" {
		filters = append(filters, store.Filter{Field: "status", Op: "==", Value: string(f.Status)})
	}
	if f.Type != "" {
		filters = append(filters, store.Filter{Field: "type", Op: "==", Value: string(f.Type)})
	}
	if f.Priority != "" {
		filters = append(filters, store.Filter{Field: "priority", Op: "==", Value: string(f.Priority)})
	}

	docs, err := m.store.Query(ctx, store.Query{
		Parent:     "tenants/" + ac.Tenant,
		Collection: "tasks",
		Filters:    filters,
		OrderBy:    "createdAt",
		Descending: true,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch: get tasks: %w", err)
	}

	tasks := make([]model.Task, 0, len(docs))
	for _, d := range docs {
		var t model.Task
		if err := decodeTask(d, &t); err != nil {
			continue
		}
		if t.Encrypted && len(ac.EncryptionKey) > 0 {
			if t.Context != "" {
				if plain, err := crypto.Decrypt(ac.EncryptionKey, t.Context); err == nil {
					t.Context = string(plain)
				}
			}
			if q, ok := t.Block.(*model.QuestionBlock); ok && q.Question != "" {
				if plain, err := crypto.Decrypt(ac.EncryptionKey, q.Question); err == nil {
					q.Question = string(plain)
				}
			}
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// ClaimResult is the outcome of a claim_task call.
type ClaimResult struct {
	Outcome      model.ClaimOutcome
	CurrentOwner string
}

// ClaimTask atomically transitions created->active under sessionID, or
// reports contention. Claim contention is a success-shaped response, never
// an error.
func (m *Module) ClaimTask(ctx context.Context, ac *auth.AuthContext, taskID, sessionID string) (ClaimResult, error) {
	path := taskPath(ac.Tenant, taskID)
	var result ClaimResult

	err := m.store.TransactionalUpdate(ctx, path, func(current map[string]interface{}) ([]store.Op, error) {
		status, _ := current["status"].(string)
		if model.Status(status) != model.StatusCreated {
			owner, _ := current["sessionId"].(string)
			result = ClaimResult{Outcome: model.ClaimOutcomeContention, CurrentOwner: owner}
			return nil, nil
		}

		if _, err := lifecycle.Transition(lifecycle.KindTask, model.StatusCreated, model.StatusActive); err != nil {
			return nil, err
		}

		result = ClaimResult{Outcome: model.ClaimOutcomeClaimed}
		return []store.Op{
			{Field: "status", Value: string(model.StatusActive)},
			{Field: "sessionId", Value: sessionID},
			store.ServerTimestamp("startedAt"),
			store.ServerTimestamp("lastHeartbeat"),
		}, nil
	})
	if err != nil {
		return ClaimResult{}, fmt.Errorf("dispatch: claim task: %w", err)
	}

	now := m.store.Now()
	event := model.ClaimEvent{
		TaskID:    taskID,
		SessionID: sessionID,
		Outcome:   result.Outcome,
		Owner:     result.CurrentOwner,
		CreatedAt: now,
		ExpiresAt: now.Add(7 * 24 * time.Hour),
	}
	eventID := m.store.NewID("claim_events")
	if err := m.store.Create(ctx, fmt.Sprintf("tenants/%s/claim_events/%s", ac.Tenant, eventID), &event); err != nil {
		return result, fmt.Errorf("dispatch: write claim event: %w", err)
	}

	return result, nil
}

// CompleteTask transitions active/completing -> done|failed, merges cost
// fields, and propagates budget consumption to a parent dream.
func (m *Module) CompleteTask(ctx context.Context, ac *auth.AuthContext, taskID string, success bool, tokensIn, tokensOut int64, costUSD float64, parentDreamID string) error {
	path := taskPath(ac.Tenant, taskID)
	to := model.StatusDone
	if !success {
		to = model.StatusFailed
	}

	err := m.store.TransactionalUpdate(ctx, path, func(current map[string]interface{}) ([]store.Op, error) {
		from := model.Status(fmt.Sprintf("%v", current["status"]))
		if _, err := lifecycle.Transition(lifecycle.KindTask, from, to); err != nil {
			return nil, err
		}
		return []store.Op{
			{Field: "status", Value: string(to)},
			store.ServerTimestamp("completedAt"),
			store.Increment("tokens_in", tokensIn),
			store.Increment("tokens_out", tokensOut),
			store.Increment("cost_usd", costUSD),
		}, nil
	})
	if err != nil {
		return fmt.Errorf("dispatch: complete task: %w", err)
	}

	if parentDreamID != "" {
		dreamPath := taskPath(ac.Tenant, parentDreamID)
		if err := m.store.Set(ctx, dreamPath, []store.Op{store.Increment("budget_consumed_usd", costUSD)}); err != nil {
			return fmt.Errorf("dispatch: increment dream budget: %w", err)
		}
	}

	if m.enqueueSync != nil {
		m.enqueueSync(ctx, ac.Tenant, "mirror_task_complete", taskID)
	}
	return nil
}

// DocID returns the final segment of a document path.
func DocID(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

func decodeTask(d store.Doc, dst *model.Task) error {
	raw, err := json.Marshal(d.Data)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return err
	}
	dst.ID = DocID(d.Path)
	dst.Block = decodeBlock(dst.Type, d.Data)
	return nil
}

// decodeBlock rehydrates the tagged variant from the flat document bag.
func decodeBlock(t model.TaskType, data map[string]interface{}) model.TypeBlock {
	f := func(key string) float64 {
		v, _ := data[key].(float64)
		return v
	}
	s := func(key string) string {
		v, _ := data[key].(string)
		return v
	}
	switch t {
	case model.TaskTypeDream:
		return &model.DreamBlock{
			Agent:             s("agent"),
			BudgetCapUSD:      f("budget_cap_usd"),
			BudgetConsumedUSD: f("budget_consumed_usd"),
			TimeoutHours:      f("timeout_hours"),
			Branch:            s("branch"),
			Outcome:           s("outcome"),
			MorningReport:     s("morning_report"),
		}
	case model.TaskTypeQuestion:
		return &model.QuestionBlock{Question: s("question"), ResponseField: s("responseField")}
	case model.TaskTypeSprint:
		var stories []string
		if arr, ok := data["storyIds"].([]interface{}); ok {
			for _, v := range arr {
				if sv, ok := v.(string); ok {
					stories = append(stories, sv)
				}
			}
		}
		return &model.SprintBlock{Goal: s("goal"), StoryIDs: stories, VelocityPt: int(f("velocityPoints"))}
	}
	return nil
}
