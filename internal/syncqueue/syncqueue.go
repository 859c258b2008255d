// Package syncqueue implements the persisted mirror-write retry queue:
// dispatch enqueues a job document alongside each write that must also be
// mirrored to a secondary surface, and a control loop drains the queue
// with bounded retry and abandonment.
package syncqueue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cachebash/coordinator/internal/model"
	"github.com/cachebash/coordinator/internal/store"
)

// MaxRetries is the number of delivery attempts before an item is marked
// abandoned and a permanent-failure event is emitted.
const MaxRetries = 5

// DefaultBatchSize bounds one processing run, matching the store's
// batch-commit ceiling.
const DefaultBatchSize = 400

// Item is one pending mirror-write job handed to a registered mirror
// function.
type Item struct {
	Tenant     string
	Op         string
	Payload    string
	RetryCount int
}

// Queue is the persisted mirror-write queue. Enqueue is called on the
// request path (fire-and-forget); ProcessPending is called by the
// sync-queue control loop.
type Queue struct {
	store    store.Store
	log      zerolog.Logger
	mirrored map[string]func(ctx context.Context, it Item) error

	enqueued  int64
	abandoned int64
}

// New constructs a Queue. Unregistered op kinds fail their attempts and
// eventually surface as abandoned items, not silent successes.
func New(st store.Store, log zerolog.Logger) *Queue {
	return &Queue{
		store:    st,
		log:      log.With().Str("component", "syncqueue").Logger(),
		mirrored: make(map[string]func(ctx context.Context, it Item) error),
	}
}

// Register installs a mirror-write function for an op kind. Not safe to
// call concurrently with ProcessPending; register everything at startup.
func (q *Queue) Register(op string, fn func(ctx context.Context, it Item) error) {
	q.mirrored[op] = fn
}

// Enqueue persists a queue item under the tenant's sync_queue collection.
// The triggering write already succeeded, so a failed enqueue is logged
// and dropped rather than surfaced.
func (q *Queue) Enqueue(ctx context.Context, tenant, op, payload string) {
	atomic.AddInt64(&q.enqueued, 1)
	id := q.store.NewID("sync_queue")
	item := model.SyncQueueItem{
		Op:        op,
		Payload:   payload,
		CreatedAt: q.store.Now(),
	}
	path := fmt.Sprintf("tenants/%s/sync_queue/%s", tenant, id)
	if err := q.store.Create(ctx, path, &item); err != nil {
		q.log.Warn().Err(err).Str("op", op).Msg("failed to enqueue mirror write")
	}
}

// Report summarizes one ProcessPending run.
type Report struct {
	Reconciled []string // document paths successfully mirrored and deleted
	Abandoned  []string // document paths marked abandoned this run
	Failed     int      // attempts that failed but still have retries left
	Remaining  int      // queue depth after the run
}

// ProcessPending drains up to batchSize queued mirror operations, ordered
// by (retryCount, timestamp). Success deletes the item; failure increments
// retryCount and persists lastError; reaching MaxRetries marks the item
// abandoned.
func (q *Queue) ProcessPending(ctx context.Context, batchSize int) (Report, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	docs, err := q.store.Query(ctx, store.Query{
		Collection:      "sync_queue",
		CollectionGroup: true,
		Filters: []store.Filter{
			{Field: "abandoned", Op: "==", Value: false},
			{Field: "retryCount", Op: "<", Value: MaxRetries},
		},
		OrderBy: "retryCount",
		Limit:   batchSize,
	})
	if err != nil {
		return Report{}, fmt.Errorf("syncqueue: query pending: %w", err)
	}

	// Secondary ordering by enqueue time; the store only orders on one
	// field.
	sort.SliceStable(docs, func(i, j int) bool {
		ri := numOf(docs[i].Data["retryCount"])
		rj := numOf(docs[j].Data["retryCount"])
		if ri != rj {
			return ri < rj
		}
		return createdAtOf(docs[i].Data).Before(createdAtOf(docs[j].Data))
	})

	var report Report
	for _, d := range docs {
		op, _ := d.Data["op"].(string)
		payload, _ := d.Data["payload"].(string)
		retries := numOf(d.Data["retryCount"])
		item := Item{Tenant: tenantOf(d.Path), Op: op, Payload: payload, RetryCount: int(retries)}

		attemptErr := q.attempt(ctx, item)
		if attemptErr == nil {
			if err := q.store.Delete(ctx, d.Path); err != nil {
				q.log.Warn().Err(err).Str("path", d.Path).Msg("failed to delete reconciled sync item")
				report.Failed++
				continue
			}
			report.Reconciled = append(report.Reconciled, d.Path)
			continue
		}

		next := item.RetryCount + 1
		ops := []store.Op{
			{Field: "retryCount", Value: next},
			{Field: "lastError", Value: attemptErr.Error()},
		}
		if next >= MaxRetries {
			ops = append(ops, store.Op{Field: "abandoned", Value: true})
		}
		if err := q.store.Set(ctx, d.Path, ops); err != nil {
			q.log.Warn().Err(err).Str("path", d.Path).Msg("failed to persist sync retry state")
			report.Failed++
			continue
		}
		if next >= MaxRetries {
			atomic.AddInt64(&q.abandoned, 1)
			report.Abandoned = append(report.Abandoned, d.Path)
			q.log.Error().Err(attemptErr).Str("op", op).Str("tenant", item.Tenant).Msg("sync queue item abandoned after max retries")
		} else {
			report.Failed++
		}
	}

	report.Remaining, err = q.depth(ctx)
	if err != nil {
		q.log.Warn().Err(err).Msg("sync queue depth query failed")
	}
	return report, nil
}

func (q *Queue) attempt(ctx context.Context, it Item) error {
	fn, ok := q.mirrored[it.Op]
	if !ok {
		return fmt.Errorf("syncqueue: no mirror registered for op %q", it.Op)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return fn(attemptCtx, it)
}

func (q *Queue) depth(ctx context.Context) (int, error) {
	docs, err := q.store.Query(ctx, store.Query{
		Collection:      "sync_queue",
		CollectionGroup: true,
		Filters:         []store.Filter{{Field: "abandoned", Op: "==", Value: false}},
	})
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

func numOf(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func createdAtOf(data map[string]interface{}) time.Time {
	switch v := data["createdAt"].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

func tenantOf(path string) string {
	// "tenants/<tenant>/sync_queue/<id>"
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 2 && parts[0] == "tenants" {
		return parts[1]
	}
	return ""
}

// Stats is a snapshot of the queue's in-process counters.
type Stats struct {
	Enqueued  int64
	Abandoned int64
}

// Snapshot returns the current counters.
func (q *Queue) Snapshot() Stats {
	return Stats{
		Enqueued:  atomic.LoadInt64(&q.enqueued),
		Abandoned: atomic.LoadInt64(&q.abandoned),
	}
}
