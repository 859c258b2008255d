// Package ledger is the fire-and-forget write path for cost/audit entries,
// metadata-only analytics events, and usage-counter increments. Modeled as
// a background sink with a bounded queue rather than ad-hoc concurrent
// dispatches, so every write tolerates loss under process shutdown.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cachebash/coordinator/internal/model"
	"github.com/cachebash/coordinator/internal/store"
)

// Config mirrors the shape of a typical fire-and-forget ingestion
// pipeline: bounded buffers, batched flush. A failed store write is logged
// and not retried.
type Config struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	Workers       int
}

// DefaultConfig returns sane defaults for a single-instance deployment.
func DefaultConfig() Config {
	return Config{
		BufferSize:    10000,
		BatchSize:     200,
		FlushInterval: 5 * time.Second,
		Workers:       2,
	}
}

// Pipeline fans writes into per-kind buffered channels, drained by worker
// goroutines that batch-flush to the store. TrackX calls are non-blocking:
// a full buffer drops the event and logs a warning rather than applying
// backpressure to the request path.
type Pipeline struct {
	cfg   Config
	store store.Store
	log   zerolog.Logger

	ledgerCh  chan model.LedgerEntry
	analytics chan model.AnalyticsEvent
	usage     chan usageDelta

	wg     sync.WaitGroup
	cancel context.CancelFunc

	received atomic.Int64
	written  atomic.Int64
	dropped  atomic.Int64
}

type usageDelta struct {
	tenant string
	field  string
	by     int64
}

// New constructs a Pipeline. Call Start to begin draining it.
func New(st store.Store, log zerolog.Logger, cfg Config) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		store:     st,
		log:       log.With().Str("component", "ledger").Logger(),
		ledgerCh:  make(chan model.LedgerEntry, cfg.BufferSize),
		analytics: make(chan model.AnalyticsEvent, cfg.BufferSize),
		usage:     make(chan usageDelta, cfg.BufferSize),
	}
}

// Start spawns cfg.Workers goroutines per event kind.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(3)
		go p.runLedgerWorker(ctx, i)
		go p.runAnalyticsWorker(ctx, i)
		go p.runUsageWorker(ctx, i)
	}
	p.log.Info().Int("workers", p.cfg.Workers).Msg("ledger pipeline started")
}

// Stop cancels the workers; each flushes the batch it already holds (under
// its own 10-second write deadline) and exits. Events still queued in the
// channels are not written. Stop then logs a summary.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.log.Info().
		Int64("received", p.received.Load()).
		Int64("written", p.written.Load()).
		Int64("dropped", p.dropped.Load()).
		Msg("ledger pipeline stopped")
}

// TrackLedgerEntry enqueues a cost/trace ledger write. Non-blocking.
func (p *Pipeline) TrackLedgerEntry(e model.LedgerEntry) {
	p.received.Add(1)
	select {
	case p.ledgerCh <- e:
	default:
		p.dropped.Add(1)
		p.log.Warn().Str("tool", e.Tool).Msg("ledger buffer full, dropping entry")
	}
}

// TrackAudit enqueues a gate-decision audit entry (type=audit).
func (p *Pipeline) TrackAudit(e model.LedgerEntry) {
	e.Type = model.LedgerTypeAudit
	p.TrackLedgerEntry(e)
}

// TrackAnalyticsEvent enqueues a metadata-only product event. The input
// type (model.AnalyticsEvent) structurally forbids content fields.
func (p *Pipeline) TrackAnalyticsEvent(e model.AnalyticsEvent) {
	p.received.Add(1)
	select {
	case p.analytics <- e:
	default:
		p.dropped.Add(1)
		p.log.Warn().Str("kind", e.Kind).Msg("analytics buffer full, dropping event")
	}
}

// TrackUsage enqueues an atomic increment to this month's usage counter.
func (p *Pipeline) TrackUsage(tenant, field string, by int64) {
	p.received.Add(1)
	select {
	case p.usage <- usageDelta{tenant: tenant, field: field, by: by}:
	default:
		p.dropped.Add(1)
		p.log.Warn().Str("field", field).Msg("usage buffer full, dropping increment")
	}
}

// unattributedTenant is the bucket for entries emitted before auth
// resolved (denied requests have no tenant yet).
const unattributedTenant = "_unattributed"

func tenantOr(tenant string) string {
	if tenant == "" {
		return unattributedTenant
	}
	return tenant
}

func (p *Pipeline) runLedgerWorker(ctx context.Context, id int) {
	defer p.wg.Done()
	batch := make([]model.LedgerEntry, 0, p.cfg.BatchSize)
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Flush on its own deadline: the worker ctx is already cancelled
		// during the shutdown drain.
		wctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, e := range batch {
			path := fmt.Sprintf("tenants/%s/ledger/%s", tenantOr(e.Tenant), p.store.NewID("ledger"))
			if err := p.store.Create(wctx, path, e); err != nil {
				p.log.Warn().Err(err).Msg("ledger write failed")
				continue
			}
			p.written.Add(1)
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-p.ledgerCh:
			batch = append(batch, e)
			if len(batch) >= p.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			flush()
			return
		}
	}
}

func (p *Pipeline) runAnalyticsWorker(ctx context.Context, id int) {
	defer p.wg.Done()
	batch := make([]model.AnalyticsEvent, 0, p.cfg.BatchSize)
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		wctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Per-(tenant, rollup key, kind) counts, accumulated across the
		// batch so each rollup doc takes one increment write.
		rollups := make(map[string]map[string]int64)
		for _, e := range batch {
			tenant := tenantOr(e.Tenant)
			path := fmt.Sprintf("tenants/%s/analytics_events/%s", tenant, p.store.NewID("analytics_events"))
			if err := p.store.Create(wctx, path, e); err != nil {
				p.log.Warn().Err(err).Msg("analytics write failed")
				continue
			}
			p.written.Add(1)

			keys := BuildAggregateKeys(e.Timestamp)
			for _, key := range []string{keys.Daily, keys.Weekly, keys.Monthly} {
				rollupPath := fmt.Sprintf("tenants/%s/analytics_rollups/%s", tenant, key)
				if rollups[rollupPath] == nil {
					rollups[rollupPath] = make(map[string]int64)
				}
				rollups[rollupPath][e.Kind]++
			}
		}
		for path, kinds := range rollups {
			ops := make([]store.Op, 0, len(kinds))
			for kind, n := range kinds {
				ops = append(ops, store.Increment(kind, n))
			}
			if err := p.store.Set(wctx, path, ops); err != nil {
				p.log.Warn().Err(err).Str("rollup", path).Msg("analytics rollup write failed")
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-p.analytics:
			batch = append(batch, e)
			if len(batch) >= p.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			flush()
			return
		}
	}
}

func (p *Pipeline) runUsageWorker(ctx context.Context, id int) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	pending := make(map[string]map[string]int64)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		wctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for tenant, fields := range pending {
			month := time.Now().Format("2006-01")
			path := fmt.Sprintf("tenants/%s/usage/%s", tenantOr(tenant), month)
			ops := make([]store.Op, 0, len(fields))
			for field, by := range fields {
				ops = append(ops, store.Increment(field, by))
			}
			if err := p.store.Set(wctx, path, ops); err != nil {
				p.log.Warn().Err(err).Str("tenant", tenant).Msg("usage counter write failed")
				continue
			}
			p.written.Add(1)
		}
		pending = make(map[string]map[string]int64)
	}

	for {
		select {
		case d := <-p.usage:
			if pending[d.tenant] == nil {
				pending[d.tenant] = make(map[string]int64)
			}
			pending[d.tenant][d.field] += d.by
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			flush()
			return
		}
	}
}
