// Package controlloop implements the coordination kernel's background
// janitors: periodic reconciliation passes that the gate pipeline itself
// never performs inline (wake notification, orphan revival, dream-timeout
// enforcement, relay expiry/dead-lettering, stale-session archival and
// sync-queue retry processing). Each loop is independently schedulable,
// either by an external caller (a Cloud Scheduler-style HTTP trigger) or
// by the optional in-process cron.
package controlloop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cachebash/coordinator/internal/lifecycle"
	"github.com/cachebash/coordinator/internal/metrics"
	"github.com/cachebash/coordinator/internal/model"
	"github.com/cachebash/coordinator/internal/store"
	"github.com/cachebash/coordinator/internal/syncqueue"
)

// Report summarizes one loop run, for logging and the HTTP trigger's
// JSON response.
type Report struct {
	Loop      string
	Processed int
	Errors    int
}

// Runner is one background janitor.
type Runner interface {
	Name() string
	Run(ctx context.Context) (Report, error)
}

// healthProbe checks whether the program host listener is reachable;
// injected so this package doesn't import net/http dispatch details
// directly (mirrors the webhook package's dispatcher injection pattern).
type healthProbe func(ctx context.Context) error

// spawnRequester asks the program host to spawn a session for target.
type spawnRequester func(ctx context.Context, target string) error

func taskPath(tenant, id string) string { return fmt.Sprintf("tenants/%s/tasks/%s", tenant, id) }
func sessionPath(tenant, id string) string {
	return fmt.Sprintf("tenants/%s/sessions/%s", tenant, id)
}
func relayPath(tenant, id string) string { return fmt.Sprintf("tenants/%s/relay/%s", tenant, id) }

// timeField reads a timestamp out of a raw document map; stores hand
// back either time.Time or an RFC3339 string depending on the write path.
func timeField(data map[string]interface{}, field string) (time.Time, bool) {
	switch t := data[field].(type) {
	case time.Time:
		return t, true
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

// numField reads a numeric field out of a raw document map regardless of
// which Go numeric type the write path used.
func numField(data map[string]interface{}, field string) float64 {
	switch n := data[field].(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func tenantOf(path string) string {
	// "tenants/<tenant>/<collection>/<id>"
	var tenant string
	_, _ = fmt.Sscanf(path, "tenants/%s", &tenant)
	for i, r := range tenant {
		if r == '/' {
			return tenant[:i]
		}
	}
	return tenant
}

func run(ctx context.Context, log zerolog.Logger, m *metrics.Metrics, events *EventLog, name string, fn func(ctx context.Context) (Report, error)) (Report, error) {
	start := time.Now()
	report, err := fn(ctx)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if m != nil {
		m.TrackControlLoopRun(name, outcome, time.Since(start).Seconds())
	}
	events.Record(name, EventLoopRun, "", fmt.Sprintf("processed=%d errors=%d outcome=%s", report.Processed, report.Errors, outcome))
	log.Info().Str("loop", name).Int("processed", report.Processed).Int("errors", report.Errors).Dur("took", time.Since(start)).Msg("control loop run complete")
	return report, err
}

// loopBatchSize bounds every sweep query to the store's batch-commit
// ceiling; the next run simply re-scans for whatever was left over.
const loopBatchSize = 500

// wakeDegradedThreshold is the consecutive-health-probe-failure count at
// which the daemon stops attempting spawns and reports host_unreachable.
const wakeDegradedThreshold = 3

// WakeDaemon probes the program host's health endpoint and, while
// healthy, requests a spawn for every target that has created tasks
// waiting but no active session. Probe failures are
// tracked across runs; after wakeDegradedThreshold consecutive failures
// the daemon enters degraded mode and stops issuing spawn requests until
// a health probe succeeds again.
type WakeDaemon struct {
	store        store.Store
	probeHealth  healthProbe
	requestSpawn spawnRequester
	log          zerolog.Logger
	metrics      *metrics.Metrics
	events       *EventLog

	mu                  sync.Mutex
	consecutiveFailures int
	degraded            bool
}

// NewWakeDaemon constructs the wake daemon loop.
func NewWakeDaemon(st store.Store, probeHealth healthProbe, requestSpawn spawnRequester, log zerolog.Logger, m *metrics.Metrics, events *EventLog) *WakeDaemon {
	return &WakeDaemon{store: st, probeHealth: probeHealth, requestSpawn: requestSpawn, log: log.With().Str("component", "wake_daemon").Logger(), metrics: m, events: events}
}

func (w *WakeDaemon) Name() string { return "wake_daemon" }

func (w *WakeDaemon) Run(ctx context.Context) (Report, error) {
	return run(ctx, w.log, w.metrics, w.events, w.Name(), func(ctx context.Context) (Report, error) {
		report := Report{Loop: w.Name()}

		if err := w.probeHealth(ctx); err != nil {
			w.mu.Lock()
			w.consecutiveFailures++
			failures := w.consecutiveFailures
			w.mu.Unlock()

			report.Errors++
			w.log.Warn().Err(err).Int("consecutiveFailures", failures).Msg("wake host health probe failed")
			if failures >= wakeDegradedThreshold {
				w.mu.Lock()
				w.degraded = true
				w.mu.Unlock()
				w.events.Record(w.Name(), EventHostUnreachable, "", fmt.Sprintf("consecutive probe failures=%d", failures))
			}
			return report, nil
		}

		w.mu.Lock()
		w.consecutiveFailures = 0
		w.degraded = false
		w.mu.Unlock()

		docs, err := w.store.Query(ctx, store.Query{
			Collection:      "tasks",
			CollectionGroup: true,
			Filters: []store.Filter{
				{Field: "status", Op: "==", Value: string(model.StatusCreated)},
			},
			Limit: loopBatchSize,
		})
		if err != nil {
			return report, err
		}

		targets := map[string]bool{}
		for _, d := range docs {
			if target, _ := d.Data["target"].(string); target != "" {
				targets[target] = true
			}
		}

		for target := range targets {
			active, err := w.hasActiveSession(ctx, target)
			if err != nil {
				report.Errors++
				w.log.Warn().Err(err).Str("target", target).Msg("wake daemon session lookup failed")
				continue
			}
			if active {
				continue
			}
			if err := w.requestSpawn(ctx, target); err != nil {
				report.Errors++
				w.log.Warn().Err(err).Str("target", target).Msg("wake spawn request failed")
				continue
			}
			w.events.Record(w.Name(), EventProgramWake, target, "spawn requested")
			report.Processed++
		}
		return report, nil
	})
}

func (w *WakeDaemon) hasActiveSession(ctx context.Context, target string) (bool, error) {
	docs, err := w.store.Query(ctx, store.Query{
		Collection:      "sessions",
		CollectionGroup: true,
		Filters: []store.Filter{
			{Field: "programId", Op: "==", Value: target},
			{Field: "status", Op: "==", Value: string(model.StatusActive)},
		},
		Limit: 1,
	})
	if err != nil {
		return false, err
	}
	return len(docs) > 0, nil
}

// OrphanTaskRevival returns active tasks whose owning session stopped
// heartbeating back to created, so another program can re-claim them.
type OrphanTaskRevival struct {
	store       store.Store
	staleAfter  time.Duration
	log         zerolog.Logger
	metrics     *metrics.Metrics
	events      *EventLog
}

// NewOrphanTaskRevival constructs the orphan-revival loop.
func NewOrphanTaskRevival(st store.Store, staleAfter time.Duration, log zerolog.Logger, m *metrics.Metrics, events *EventLog) *OrphanTaskRevival {
	return &OrphanTaskRevival{store: st, staleAfter: staleAfter, log: log.With().Str("component", "orphan_revival").Logger(), metrics: m, events: events}
}

func (o *OrphanTaskRevival) Name() string { return "orphan_task_revival" }

func (o *OrphanTaskRevival) Run(ctx context.Context) (Report, error) {
	return run(ctx, o.log, o.metrics, o.events, o.Name(), func(ctx context.Context) (Report, error) {
		cutoff := o.store.Now().Add(-o.staleAfter)
		docs, err := o.store.Query(ctx, store.Query{
			Collection:      "tasks",
			CollectionGroup: true,
			Filters: []store.Filter{
				{Field: "status", Op: "==", Value: string(model.StatusActive)},
				{Field: "lastHeartbeat", Op: "<", Value: cutoff},
			},
			Limit: loopBatchSize,
		})
		if err != nil {
			return Report{Loop: o.Name()}, err
		}

		report := Report{Loop: o.Name()}
		for _, d := range docs {
			path := d.Path
			err := o.store.TransactionalUpdate(ctx, path, func(current map[string]interface{}) ([]store.Op, error) {
				from := model.Status(fmt.Sprintf("%v", current["status"]))
				to, err := lifecycle.Transition(lifecycle.KindTask, from, model.StatusCreated)
				if err != nil {
					return nil, err
				}
				return []store.Op{
					{Field: "status", Value: string(to)},
					{Field: "sessionId", Value: ""},
					{Field: "startedAt", Value: nil},
					{Field: "lastHeartbeat", Value: nil},
					{Field: "revertReason", Value: "heartbeat_timeout"},
				}, nil
			})
			if err != nil {
				report.Errors++
				o.log.Warn().Err(err).Str("task", path).Msg("orphan revival transition failed")
				continue
			}
			report.Processed++
		}
		return report, nil
	})
}

// DreamTimeoutEnforcement kills active dreams that exceeded their
// timeout_hours or budget_cap_usd, transitioning them to failed.
type DreamTimeoutEnforcement struct {
	store   store.Store
	log     zerolog.Logger
	metrics *metrics.Metrics
	events  *EventLog
}

// NewDreamTimeoutEnforcement constructs the dream-timeout loop.
func NewDreamTimeoutEnforcement(st store.Store, log zerolog.Logger, m *metrics.Metrics, events *EventLog) *DreamTimeoutEnforcement {
	return &DreamTimeoutEnforcement{store: st, log: log.With().Str("component", "dream_timeout").Logger(), metrics: m, events: events}
}

func (d *DreamTimeoutEnforcement) Name() string { return "dream_timeout_enforcement" }

func (d *DreamTimeoutEnforcement) Run(ctx context.Context) (Report, error) {
	return run(ctx, d.log, d.metrics, d.events, d.Name(), func(ctx context.Context) (Report, error) {
		docs, err := d.store.Query(ctx, store.Query{
			Collection:      "tasks",
			CollectionGroup: true,
			Filters: []store.Filter{
				{Field: "type", Op: "==", Value: string(model.TaskTypeDream)},
				{Field: "status", Op: "==", Value: string(model.StatusActive)},
			},
			Limit: loopBatchSize,
		})
		if err != nil {
			return Report{Loop: d.Name()}, err
		}

		now := d.store.Now()
		report := Report{Loop: d.Name()}
		for _, doc := range docs {
			startedAt, ok := timeField(doc.Data, "startedAt")
			timeoutHours := numField(doc.Data, "timeout_hours")
			budgetCap := numField(doc.Data, "budget_cap_usd")
			budgetConsumed := numField(doc.Data, "budget_consumed_usd")

			timedOut := ok && timeoutHours > 0 && now.Sub(startedAt) > time.Duration(timeoutHours*float64(time.Hour))
			overBudget := budgetCap > 0 && budgetConsumed >= budgetCap
			if !timedOut && !overBudget {
				continue
			}

			path := doc.Path
			err := d.store.TransactionalUpdate(ctx, path, func(current map[string]interface{}) ([]store.Op, error) {
				from := model.Status(fmt.Sprintf("%v", current["status"]))
				to, err := lifecycle.Transition(lifecycle.KindDream, from, model.StatusFailed)
				if err != nil {
					return nil, err
				}
				return []store.Op{
					{Field: "status", Value: string(to)},
					store.ServerTimestamp("completedAt"),
				}, nil
			})
			if err != nil {
				report.Errors++
				d.log.Warn().Err(err).Str("dream", path).Msg("dream timeout transition failed")
				continue
			}
			report.Processed++
		}
		return report, nil
	})
}

// RelayExpirySweep marks pending relay messages past their expiresAt as
// expired.
type RelayExpirySweep struct {
	store   store.Store
	log     zerolog.Logger
	metrics *metrics.Metrics
	events  *EventLog
}

// NewRelayExpirySweep constructs the relay-expiry loop.
func NewRelayExpirySweep(st store.Store, log zerolog.Logger, m *metrics.Metrics, events *EventLog) *RelayExpirySweep {
	return &RelayExpirySweep{store: st, log: log.With().Str("component", "relay_expiry").Logger(), metrics: m, events: events}
}

func (r *RelayExpirySweep) Name() string { return "relay_expiry_sweep" }

// relayRetentionMultiple is how many default-TTL periods a delivered
// message is kept before the sweep prunes it for good.
const relayRetentionMultiple = 2

func (r *RelayExpirySweep) Run(ctx context.Context) (Report, error) {
	return run(ctx, r.log, r.metrics, r.events, r.Name(), func(ctx context.Context) (Report, error) {
		now := r.store.Now()
		defaultTTLCutoff := now.Add(-time.Duration(model.DefaultRelayTTLSeconds) * time.Second)
		retentionCutoff := now.Add(-relayRetentionMultiple * time.Duration(model.DefaultRelayTTLSeconds) * time.Second)

		pastExpiry, err := r.store.Query(ctx, store.Query{
			Collection:      "relay",
			CollectionGroup: true,
			Filters: []store.Filter{
				{Field: "status", Op: "==", Value: string(model.RelayPending)},
				{Field: "expiresAt", Op: "<", Value: now},
			},
			Limit: loopBatchSize,
		})
		if err != nil {
			return Report{Loop: r.Name()}, err
		}

		// Fallback for messages that never got an expiresAt written:
		// age them out against the default TTL instead.
		stalePending, err := r.store.Query(ctx, store.Query{
			Collection:      "relay",
			CollectionGroup: true,
			Filters: []store.Filter{
				{Field: "status", Op: "==", Value: string(model.RelayPending)},
				{Field: "createdAt", Op: "<", Value: defaultTTLCutoff},
			},
			Limit: loopBatchSize,
		})
		if err != nil {
			return Report{Loop: r.Name()}, err
		}

		// Retention: delivered messages are pruned outright once they're
		// well past any plausible polling window.
		staleDelivered, err := r.store.Query(ctx, store.Query{
			Collection:      "relay",
			CollectionGroup: true,
			Filters: []store.Filter{
				{Field: "status", Op: "==", Value: string(model.RelayDelivered)},
				{Field: "createdAt", Op: "<", Value: retentionCutoff},
			},
			Limit: loopBatchSize,
		})
		if err != nil {
			return Report{Loop: r.Name()}, err
		}

		expire := map[string]store.Doc{}
		for _, d := range pastExpiry {
			expire[d.Path] = d
		}
		for _, d := range stalePending {
			if expiresAt, ok := timeField(d.Data, "expiresAt"); !ok || expiresAt.IsZero() {
				expire[d.Path] = d
			}
		}
		prune := map[string]store.Doc{}
		for _, d := range staleDelivered {
			prune[d.Path] = d
		}

		report := Report{Loop: r.Name()}
		for path := range expire {
			if err := r.store.Set(ctx, path, []store.Op{{Field: "status", Value: string(model.RelayExpired)}}); err != nil {
				report.Errors++
				r.log.Warn().Err(err).Str("relay", path).Msg("relay expiry write failed")
				continue
			}
			report.Processed++
		}
		for path := range prune {
			if err := r.store.Delete(ctx, path); err != nil {
				report.Errors++
				r.log.Warn().Err(err).Str("relay", path).Msg("relay retention prune failed")
				continue
			}
			report.Processed++
		}
		return report, nil
	})
}

// deadLetterStaleAfter is the pending-age threshold at which an
// undelivered message starts accruing delivery attempts, independent of
// the longer-horizon relay-expiry sweep.
const deadLetterStaleAfter = time.Hour

// DeadLetterProcessing bumps deliveryAttempts on pending messages that
// have sat undelivered past deadLetterStaleAfter; once a message's
// attempts reach maxDeliveryAttempts it is moved to dead_lettered and a
// DeadLetter record is written for operator visibility.
type DeadLetterProcessing struct {
	store   store.Store
	log     zerolog.Logger
	metrics *metrics.Metrics
	events  *EventLog
}

// NewDeadLetterProcessing constructs the dead-letter loop.
func NewDeadLetterProcessing(st store.Store, log zerolog.Logger, m *metrics.Metrics, events *EventLog) *DeadLetterProcessing {
	return &DeadLetterProcessing{store: st, log: log.With().Str("component", "dead_letter").Logger(), metrics: m, events: events}
}

func (p *DeadLetterProcessing) Name() string { return "dead_letter_processing" }

func (p *DeadLetterProcessing) Run(ctx context.Context) (Report, error) {
	return run(ctx, p.log, p.metrics, p.events, p.Name(), func(ctx context.Context) (Report, error) {
		cutoff := p.store.Now().Add(-deadLetterStaleAfter)
		docs, err := p.store.Query(ctx, store.Query{
			Collection:      "relay",
			CollectionGroup: true,
			Filters: []store.Filter{
				{Field: "status", Op: "==", Value: string(model.RelayPending)},
				{Field: "createdAt", Op: "<", Value: cutoff},
			},
			Limit: loopBatchSize,
		})
		if err != nil {
			return Report{Loop: p.Name()}, err
		}

		report := Report{Loop: p.Name()}
		for _, d := range docs {
			path := d.Path
			deadLettered := false

			err := p.store.TransactionalUpdate(ctx, path, func(current map[string]interface{}) ([]store.Op, error) {
				attempts := numField(current, "deliveryAttempts")
				maxAttempts := numField(current, "maxDeliveryAttempts")
				if maxAttempts == 0 {
					maxAttempts = model.DefaultMaxDeliveryAttempts
				}
				next := int64(attempts) + 1
				if next >= int64(maxAttempts) {
					deadLettered = true
					return []store.Op{
						{Field: "deliveryAttempts", Value: next},
						{Field: "status", Value: string(model.RelayDeadLettered)},
					}, nil
				}
				return []store.Op{{Field: "deliveryAttempts", Value: next}}, nil
			})
			if err != nil {
				report.Errors++
				p.log.Warn().Err(err).Str("relay", path).Msg("dead-letter attempt bump failed")
				continue
			}

			if deadLettered {
				tenant := tenantOf(path)
				dl := model.DeadLetter{OriginalPath: path, DeadLetteredAt: p.store.Now()}
				dlID := p.store.NewID("dead_letters")
				if err := p.store.Create(ctx, fmt.Sprintf("tenants/%s/dead_letters/%s", tenant, dlID), &dl); err != nil {
					report.Errors++
					p.log.Warn().Err(err).Str("relay", path).Msg("dead letter record write failed")
					continue
				}
				p.events.Record(p.Name(), EventRelayDeadLettered, path, "delivery attempts exhausted")
				if p.metrics != nil {
					p.metrics.RelayDeadLettered.Inc()
				}
			}
			report.Processed++
		}
		return report, nil
	})
}

// StaleSessionArchiver marks sessions with no heartbeat for longer than
// the reconciliation timeout as archived, removing them from
// list_sessions results without deleting history.
type StaleSessionArchiver struct {
	store                store.Store
	reconciliationTimeout time.Duration
	log                  zerolog.Logger
	metrics              *metrics.Metrics
	events               *EventLog
}

// NewStaleSessionArchiver constructs the stale-session archiver loop.
func NewStaleSessionArchiver(st store.Store, reconciliationTimeout time.Duration, log zerolog.Logger, m *metrics.Metrics, events *EventLog) *StaleSessionArchiver {
	return &StaleSessionArchiver{store: st, reconciliationTimeout: reconciliationTimeout, log: log.With().Str("component", "stale_session_archiver").Logger(), metrics: m, events: events}
}

func (s *StaleSessionArchiver) Name() string { return "stale_session_archiver" }

func (s *StaleSessionArchiver) Run(ctx context.Context) (Report, error) {
	return run(ctx, s.log, s.metrics, s.events, s.Name(), func(ctx context.Context) (Report, error) {
		cutoff := s.store.Now().Add(-s.reconciliationTimeout)
		docs, err := s.store.Query(ctx, store.Query{
			Collection:      "sessions",
			CollectionGroup: true,
			Filters: []store.Filter{
				{Field: "archived", Op: "==", Value: false},
				{Field: "lastHeartbeat", Op: "<", Value: cutoff},
			},
			Limit: loopBatchSize,
		})
		if err != nil {
			return Report{Loop: s.Name()}, err
		}

		report := Report{Loop: s.Name()}
		for _, d := range docs {
			path := d.Path
			if err := s.store.Set(ctx, path, []store.Op{{Field: "archived", Value: true}}); err != nil {
				report.Errors++
				s.log.Warn().Err(err).Str("session", path).Msg("archive write failed")
				continue
			}
			report.Processed++
		}
		return report, nil
	})
}

// SyncQueueProcessor drains the persisted mirror-write queue: successful
// mirrors are deleted and announced as SYNC_RECONCILED; failures accrue
// retryCount until the item is abandoned and a permanent-failure event is
// emitted.
type SyncQueueProcessor struct {
	queue   *syncqueue.Queue
	log     zerolog.Logger
	metrics *metrics.Metrics
	events  *EventLog
}

// NewSyncQueueProcessor constructs the sync-queue retry loop.
func NewSyncQueueProcessor(q *syncqueue.Queue, log zerolog.Logger, m *metrics.Metrics, events *EventLog) *SyncQueueProcessor {
	return &SyncQueueProcessor{queue: q, log: log.With().Str("component", "sync_queue_processor").Logger(), metrics: m, events: events}
}

func (s *SyncQueueProcessor) Name() string { return "sync_queue_retry_processor" }

func (s *SyncQueueProcessor) Run(ctx context.Context) (Report, error) {
	return run(ctx, s.log, s.metrics, s.events, s.Name(), func(ctx context.Context) (Report, error) {
		qr, err := s.queue.ProcessPending(ctx, syncqueue.DefaultBatchSize)
		if err != nil {
			return Report{Loop: s.Name()}, err
		}

		for _, path := range qr.Reconciled {
			s.events.Record(s.Name(), EventSyncReconciled, path, "mirror write reconciled")
		}
		for _, path := range qr.Abandoned {
			s.events.Record(s.Name(), EventSyncAbandoned, path, "mirror write abandoned after max retries")
			if s.metrics != nil {
				s.metrics.SyncQueueAbandoned.Inc()
			}
		}
		if s.metrics != nil {
			s.metrics.SyncQueueDepth.Set(float64(qr.Remaining))
		}
		return Report{Loop: s.Name(), Processed: len(qr.Reconciled) + len(qr.Abandoned), Errors: qr.Failed}, nil
	})
}
