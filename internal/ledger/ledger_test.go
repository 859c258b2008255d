package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cachebash/coordinator/internal/model"
	"github.com/cachebash/coordinator/internal/store"
)

func TestPipelineFlushesLedgerEntries(t *testing.T) {
	st := store.NewMemStore()
	cfg := Config{BufferSize: 10, BatchSize: 1, FlushInterval: 20 * time.Millisecond, Workers: 1}
	p := New(st, zerolog.Nop(), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	p.TrackAudit(model.LedgerEntry{
		Tool:          "create_task",
		ProgramID:     "tenant-1",
		Allowed:       true,
		CorrelationID: "corr-1",
		Timestamp:     time.Now(),
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		docs, _ := st.Query(context.Background(), store.Query{Collection: "ledger", CollectionGroup: true})
		if len(docs) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected ledger entry to be flushed to the store")
}

func TestPipelineDropsOnFullBuffer(t *testing.T) {
	st := store.NewMemStore()
	cfg := Config{BufferSize: 1, BatchSize: 100, FlushInterval: time.Hour, Workers: 1}
	p := New(st, zerolog.Nop(), cfg)

	// Don't Start the pipeline so the channel never drains.
	p.TrackUsage("tenant-1", "total_tool_calls", 1)
	p.TrackUsage("tenant-1", "total_tool_calls", 1)

	if p.dropped.Load() == 0 {
		t.Fatalf("expected at least one dropped event when buffer is full and undrained")
	}
}

func TestPipelineWritesAnalyticsRollups(t *testing.T) {
	st := store.NewMemStore()
	cfg := Config{BufferSize: 10, BatchSize: 1, FlushInterval: 20 * time.Millisecond, Workers: 1}
	p := New(st, zerolog.Nop(), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	ts := time.Date(2026, 8, 2, 12, 0, 0, 0, time.UTC)
	p.TrackAnalyticsEvent(model.AnalyticsEvent{Kind: "create_task", Tenant: "tenant-1", ProgramID: "builder", Timestamp: ts})

	keys := BuildAggregateKeys(ts)
	path := "tenants/tenant-1/analytics_rollups/" + keys.Daily
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		var rollup map[string]interface{}
		if err := st.Get(context.Background(), path, &rollup); err == nil {
			if n, _ := rollup["create_task"].(float64); n == 1 {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected daily rollup increment at %s", path)
}
