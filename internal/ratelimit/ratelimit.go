// Package ratelimit implements the two-axis sliding-window limiter: a
// per-(tenant, key, tool-class) in-process window, tier-aware, and a
// per-IP pre-auth token bucket. Both are purely in-process; limits are
// advisory across replicas, so no distributed lock is attempted.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Tier is the caller's pricing tier, which selects limit/burst.
type Tier string

const (
	TierFree     Tier = "free"
	TierPro      Tier = "pro"
	TierInternal Tier = "internal"
)

// ToolClass distinguishes read vs write tools for the per-key axis.
type ToolClass string

const (
	ClassRead  ToolClass = "read"
	ClassWrite ToolClass = "write"
)

var readTools = map[string]bool{
	"get_tasks":               true,
	"get_messages":            true,
	"list_sessions":           true,
	"get_response":            true,
	"dream_peek":              true,
	"get_operational_metrics": true,
}

// ClassifyTool returns the tool-class of tool for rate-limit purposes.
func ClassifyTool(tool string) ToolClass {
	if readTools[tool] {
		return ClassRead
	}
	return ClassWrite
}

type tierLimit struct {
	rpm   int
	burst int
}

var tierLimits = map[Tier]tierLimit{
	TierFree:     {rpm: 60, burst: 10},
	TierPro:      {rpm: 300, burst: 30},
	TierInternal: {rpm: 600, burst: 50},
}

func limitFor(tier Tier) tierLimit {
	if l, ok := tierLimits[tier]; ok {
		return l
	}
	return tierLimits[TierFree]
}

type slidingWindow struct {
	tokens    []time.Time
	lastClean time.Time
}

// Decision is the per-key rate-limit check result.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// KeyLimiter is the per-(tenant,key,tool-class) sliding-window limiter.
type KeyLimiter struct {
	mu      sync.Mutex
	windows map[string]*slidingWindow
	now     func() time.Time
}

// NewKeyLimiter constructs an empty KeyLimiter.
func NewKeyLimiter() *KeyLimiter {
	return &KeyLimiter{windows: make(map[string]*slidingWindow), now: time.Now}
}

// Allow checks and records one call for (tenant, key, class) at tier.
func (k *KeyLimiter) Allow(tenant, key string, class ToolClass, tier Tier) Decision {
	limit := limitFor(tier)
	windowKey := tenant + "|" + key + "|" + string(class)

	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	windowStart := now.Add(-1 * time.Minute)
	resetAt := now.Add(1 * time.Minute)

	sw, exists := k.windows[windowKey]
	if !exists {
		sw = &slidingWindow{tokens: make([]time.Time, 0, limit.rpm), lastClean: now}
		k.windows[windowKey] = sw
	}

	if now.Sub(sw.lastClean) > 10*time.Second {
		valid := sw.tokens[:0]
		for _, t := range sw.tokens {
			if t.After(windowStart) {
				valid = append(valid, t)
			}
		}
		sw.tokens = valid
		sw.lastClean = now
	}

	count := 0
	for _, t := range sw.tokens {
		if t.After(windowStart) {
			count++
		}
	}

	remaining := limit.rpm - count
	if remaining <= 0 {
		if len(sw.tokens) > 0 {
			resetAt = sw.tokens[0].Add(1 * time.Minute)
		}
		// Free-tier callers get a fixed retry-after; higher tiers are told
		// the actual distance to the window edge.
		retryAfter := resetAt.Sub(now)
		if tier == TierFree {
			retryAfter = time.Minute
		}
		return Decision{Allowed: false, Limit: limit.rpm, Remaining: 0, ResetAt: resetAt, RetryAfter: retryAfter}
	}

	sw.tokens = append(sw.tokens, now)
	return Decision{Allowed: true, Limit: limit.rpm, Remaining: remaining - 1, ResetAt: resetAt}
}

// Sweep evicts windows that have gone empty/stale. Intended to be invoked
// periodically by a background goroutine.
func (k *KeyLimiter) Sweep() {
	k.mu.Lock()
	defer k.mu.Unlock()

	cutoff := k.now().Add(-2 * time.Minute)
	for key, sw := range k.windows {
		if len(sw.tokens) == 0 || sw.tokens[len(sw.tokens)-1].Before(cutoff) {
			delete(k.windows, key)
		}
	}
}

// RunSweeper starts a goroutine that calls Sweep every interval until stop
// is closed.
func (k *KeyLimiter) RunSweeper(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				k.Sweep()
			case <-stop:
				return
			}
		}
	}()
}

// IPLimiter is the per-IP pre-auth token-bucket limiter (60 rpm per IP).
type IPLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rpm      int
	burst    int
}

// NewIPLimiter constructs an IPLimiter at 60 requests/minute, burst 10.
func NewIPLimiter() *IPLimiter {
	return &IPLimiter{limiters: make(map[string]*rate.Limiter), rpm: 60, burst: 10}
}

// Allow reports whether ip may make a pre-auth attempt now.
func (l *IPLimiter) Allow(ip string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(l.rpm)/60.0), l.burst)
		l.limiters[ip] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
