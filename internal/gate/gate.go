// Package gate implements the per-request invariant pipeline shared by
// both transports: correlation id -> auth -> source-verify -> capability
// -> dream-budget -> rate-limit -> handler invoke, with fire-and-forget
// audit/ledger/usage writes.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cachebash/coordinator/internal/auth"
	"github.com/cachebash/coordinator/internal/capability"
	"github.com/cachebash/coordinator/internal/dream"
	"github.com/cachebash/coordinator/internal/ledger"
	"github.com/cachebash/coordinator/internal/lifecycle"
	"github.com/cachebash/coordinator/internal/metrics"
	"github.com/cachebash/coordinator/internal/model"
	"github.com/cachebash/coordinator/internal/ratelimit"
	"github.com/cachebash/coordinator/internal/store"
	"github.com/cachebash/coordinator/internal/tool"
)

// Code identifies the class of gate rejection, so transports can map it to
// their own status/error representation.
type Code string

const (
	CodeAuth             Code = "auth"
	CodeSourceMismatch   Code = "source_mismatch"
	CodeForbidden        Code = "forbidden"
	CodeDreamKilled      Code = "dream_killed"
	CodeBudgetExceeded   Code = "budget_exceeded"
	CodeRateLimited      Code = "rate_limited"
	CodeConflict         Code = "lifecycle_conflict"
	CodeInternal         Code = "internal"
)

// Denial is returned when the gate rejects a request before invoking the
// handler.
type Denial struct {
	Code          Code
	Message       string
	Required      string
	Held          []string
	RetryAfter    time.Duration
	CorrelationID string
}

func (d *Denial) Error() string { return fmt.Sprintf("gate: denied (%s): %s", d.Code, d.Message) }

// Gate wires the resolver, capability map, rate limiters, dream-budget
// cache and ledger pipeline into one pipeline function.
type Gate struct {
	store       store.Store
	resolver    *auth.Resolver
	keyLimiter  *ratelimit.KeyLimiter
	budgetCache *dream.BudgetCache
	ledger      *ledger.Pipeline
	metrics     *metrics.Metrics
	log         zerolog.Logger
}

// New constructs a Gate. m may be nil (no metrics recorded).
func New(st store.Store, resolver *auth.Resolver, keyLimiter *ratelimit.KeyLimiter, budgetCache *dream.BudgetCache, lp *ledger.Pipeline, m *metrics.Metrics, log zerolog.Logger) *Gate {
	return &Gate{
		store:       st,
		resolver:    resolver,
		keyLimiter:  keyLimiter,
		budgetCache: budgetCache,
		ledger:      lp,
		metrics:     m,
		log:         log.With().Str("component", "gate").Logger(),
	}
}

// Tier resolves the rate-limit tier for a program. Internal/privileged
// programs get the internal tier; everything else defaults to free until
// a pro-tier allowlist is wired in.
func Tier(programID string) ratelimit.Tier {
	if capability.IsPrivileged(programID) {
		return ratelimit.TierInternal
	}
	return ratelimit.TierFree
}

// ResolveAuth exposes the gate's auth resolver to transports that need a
// caller's identity outside of a tool invocation (the MCP handshake
// captures userId before any tool is called).
func (g *Gate) ResolveAuth(ctx context.Context, bearerToken string) (*auth.AuthContext, error) {
	return g.resolver.Resolve(ctx, bearerToken)
}

// Invoke runs the full pipeline for one tool call.
func (g *Gate) Invoke(ctx context.Context, registry *tool.Registry, toolName, bearerToken string, args map[string]interface{}) (tool.Result, *Denial) {
	correlationID := uuid.NewString()
	start := time.Now()

	ac, err := g.resolver.Resolve(ctx, bearerToken)
	if err != nil {
		g.log.Error().Err(err).Str("correlationId", correlationID).Msg("auth resolver error")
		return tool.Result{}, &Denial{Code: CodeInternal, Message: "auth resolver unavailable", CorrelationID: correlationID}
	}
	if ac == nil {
		g.audit(correlationID, toolName, "", "", false, "auth", 0)
		return tool.Result{}, &Denial{Code: CodeAuth, Message: "unauthorized", CorrelationID: correlationID}
	}

	if src, ok := args["source"].(string); ok && src != "" {
		if src != ac.ProgramID && !capability.IsPrivileged(ac.ProgramID) {
			g.audit(correlationID, toolName, ac.Tenant, ac.ProgramID, false, "source_mismatch", 0)
			return tool.Result{}, &Denial{Code: CodeSourceMismatch, Message: "source claim does not match caller", CorrelationID: correlationID}
		}
	}

	decision := capability.Evaluate(toolName, ac.Capabilities)
	if !decision.Allowed {
		g.audit(correlationID, toolName, ac.Tenant, ac.ProgramID, false, "capability", 0)
		return tool.Result{}, &Denial{
			Code: CodeForbidden, Message: "missing required capability",
			Required: decision.Required, Held: decision.Held, CorrelationID: correlationID,
		}
	}

	if sessionID, ok := args["sessionId"].(string); ok && sessionID != "" {
		if reason := g.checkDreamBudget(ctx, ac.Tenant, ac.ProgramID, sessionID); reason != dream.ReasonNone {
			code := CodeDreamKilled
			if reason == dream.ReasonBudgetExceeded {
				code = CodeBudgetExceeded
			}
			g.audit(correlationID, toolName, ac.Tenant, ac.ProgramID, false, string(reason), 0)
			return tool.Result{}, &Denial{Code: code, Message: string(reason), CorrelationID: correlationID}
		}
	}

	class := ratelimit.ClassifyTool(toolName)
	rl := g.keyLimiter.Allow(ac.Tenant, ac.ProgramID, class, Tier(ac.ProgramID))
	if !rl.Allowed {
		g.audit(correlationID, toolName, ac.Tenant, ac.ProgramID, false, "rate_limit", 0)
		return tool.Result{}, &Denial{Code: CodeRateLimited, Message: "rate limit exceeded", RetryAfter: rl.RetryAfter, CorrelationID: correlationID}
	}

	result, handlerErr := registry.Invoke(ctx, toolName, ac, args)
	duration := time.Since(start)

	if handlerErr != nil {
		g.audit(correlationID, toolName, ac.Tenant, ac.ProgramID, false, handlerErr.Error(), duration.Milliseconds())
		var te *lifecycle.TransitionError
		if errors.As(handlerErr, &te) {
			return tool.Result{}, &Denial{Code: CodeConflict, Message: te.Error(), CorrelationID: correlationID}
		}
		return tool.Result{}, &Denial{Code: CodeInternal, Message: handlerErr.Error(), CorrelationID: correlationID}
	}

	sessionID, _ := args["sessionId"].(string)
	g.onSuccess(correlationID, toolName, ac, sessionID, duration)
	return result, nil
}

func (g *Gate) checkDreamBudget(ctx context.Context, tenant, programID, sessionID string) dream.Reason {
	if reason, hit := g.budgetCache.Lookup(tenant, programID); hit {
		return reason
	}

	docs, err := g.store.Query(ctx, store.Query{
		Parent:     "tenants/" + tenant,
		Collection: "tasks",
		Filters: []store.Filter{
			{Field: "sessionId", Op: "==", Value: sessionID},
			{Field: "type", Op: "==", Value: string(model.TaskTypeDream)},
		},
		Limit: 1,
	})
	if err != nil || len(docs) == 0 {
		return dream.ReasonNone
	}

	status, _ := docs[0].Data["status"].(string)
	budgetCap, _ := docs[0].Data["budget_cap_usd"].(float64)
	budgetConsumed, _ := docs[0].Data["budget_consumed_usd"].(float64)

	reason := dream.Evaluate(&model.DreamBlock{BudgetCapUSD: budgetCap, BudgetConsumedUSD: budgetConsumed}, model.Status(status))
	g.budgetCache.Store(tenant, programID, reason)
	return reason
}

func (g *Gate) audit(correlationID, toolName, tenant, programID string, allowed bool, reason string, durationMs int64) {
	if g.metrics != nil {
		g.metrics.TrackGateDecision(toolName, allowed, reason)
	}
	g.ledger.TrackAudit(model.LedgerEntry{
		Type:          model.LedgerTypeAudit,
		Tenant:        tenant,
		Tool:          toolName,
		ProgramID:     programID,
		Allowed:       allowed,
		Reason:        reason,
		DurationMs:    durationMs,
		CorrelationID: correlationID,
		Timestamp:     time.Now(),
	})
}

func (g *Gate) onSuccess(correlationID, toolName string, ac *auth.AuthContext, sessionID string, duration time.Duration) {
	if g.metrics != nil {
		g.metrics.TrackGateDecision(toolName, true, "")
		g.metrics.TrackToolCall(toolName, duration.Seconds())
	}
	g.ledger.TrackLedgerEntry(model.LedgerEntry{
		Type:          model.LedgerTypeCost,
		Tenant:        ac.Tenant,
		Tool:          toolName,
		ProgramID:     ac.ProgramID,
		SessionID:     sessionID,
		Success:       true,
		Allowed:       true,
		DurationMs:    duration.Milliseconds(),
		CorrelationID: correlationID,
		Timestamp:     time.Now(),
	})
	g.ledger.TrackUsage(ac.Tenant, "total_tool_calls", 1)
	switch toolName {
	case "create_task":
		g.ledger.TrackUsage(ac.Tenant, "tasks_created", 1)
	case "create_session":
		g.ledger.TrackUsage(ac.Tenant, "sessions_started", 1)
	case "send_message":
		g.ledger.TrackUsage(ac.Tenant, "messages_sent", 1)
	}
	g.ledger.TrackAnalyticsEvent(model.AnalyticsEvent{
		Kind:      toolName,
		Tenant:    ac.Tenant,
		ProgramID: ac.ProgramID,
		SessionID: sessionID,
		Timestamp: time.Now(),
	})
}
