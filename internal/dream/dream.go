// Package dream holds the dream-budget result cache shared by the gate and
// the dream module, and the pure budget-decision helper.
package dream

import (
	"sync"
	"time"

	"github.com/cachebash/coordinator/internal/model"
)

const cacheTTL = 60 * time.Second

// Reason is the structured budget-gate rejection reason.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonDreamKilled    Reason = "DREAM_KILLED"
	ReasonBudgetExceeded Reason = "BUDGET_EXCEEDED"
)

// Evaluate returns the rejection reason (or ReasonNone) for a dream in its
// current state.
func Evaluate(d *model.DreamBlock, status model.Status) Reason {
	if status == model.StatusFailed || status == model.StatusDerezzed {
		return ReasonDreamKilled
	}
	if d != nil && d.BudgetCapUSD > 0 && d.BudgetConsumedUSD >= d.BudgetCapUSD {
		return ReasonBudgetExceeded
	}
	return ReasonNone
}

type cacheEntry struct {
	reason    Reason
	expiresAt time.Time
}

// BudgetCache is the 60-second per-(tenant, programId) budget-decision
// cache consulted by the gate. It is purely in-process: invalidated
// explicitly on dream activation, otherwise expires naturally. Killing a
// dream (controlloop.DreamTimeoutEnforcement) does not invalidate it, so a
// cached result stands until its 60 seconds run out.
type BudgetCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

// NewBudgetCache constructs an empty cache.
func NewBudgetCache() *BudgetCache {
	return &BudgetCache{entries: make(map[string]cacheEntry), now: time.Now}
}

func key(tenant, programID string) string { return tenant + "|" + programID }

// Lookup returns (reason, true) on a fresh cache hit, or (_, false) on
// miss/expiry.
func (c *BudgetCache) Lookup(tenant, programID string) (Reason, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key(tenant, programID)]
	if !ok || c.now().After(e.expiresAt) {
		return ReasonNone, false
	}
	return e.reason, true
}

// Store records reason for (tenant, programID) for the next 60 seconds.
func (c *BudgetCache) Store(tenant, programID string, reason Reason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key(tenant, programID)] = cacheEntry{reason: reason, expiresAt: c.now().Add(cacheTTL)}
}

// Invalidate drops any cached result for (tenant, programID). Called on
// dream activation (Module.Activate); the dream-timeout kill does not call it.
func (c *BudgetCache) Invalidate(tenant, programID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key(tenant, programID))
}
