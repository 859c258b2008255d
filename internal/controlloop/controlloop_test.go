package controlloop

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cachebash/coordinator/internal/model"
	"github.com/cachebash/coordinator/internal/store"
	"github.com/cachebash/coordinator/internal/syncqueue"
)

func TestOrphanTaskRevivalRevivesStaleTasks(t *testing.T) {
	st := store.NewMemStore()
	now := time.Now()

	task := model.Task{Status: model.StatusActive, SessionID: "sess-1", CreatedAt: now}
	path := taskPath("tenant-1", "task-1")
	if err := st.Create(context.Background(), path, &task); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// Backdate lastHeartbeat by writing it directly.
	if err := st.Set(context.Background(), path, []store.Op{{Field: "lastHeartbeat", Value: now.Add(-time.Hour)}}); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	loop := NewOrphanTaskRevival(st, 10*time.Minute, zerolog.Nop(), nil, nil)
	report, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Processed != 1 {
		t.Fatalf("expected 1 revived task, got %d (errors=%d)", report.Processed, report.Errors)
	}

	var revived model.Task
	if err := st.Get(context.Background(), path, &revived); err != nil {
		t.Fatalf("get: %v", err)
	}
	if revived.Status != model.StatusCreated {
		t.Fatalf("expected created, got %s", revived.Status)
	}
	if revived.RevertReason != "heartbeat_timeout" {
		t.Fatalf("expected revertReason=heartbeat_timeout, got %q", revived.RevertReason)
	}
	if revived.StartedAt != nil {
		t.Fatalf("expected startedAt cleared, got %v", revived.StartedAt)
	}
	if revived.LastHeartbeat != nil {
		t.Fatalf("expected lastHeartbeat cleared, got %v", revived.LastHeartbeat)
	}
}

func TestRelayExpirySweepMarksExpired(t *testing.T) {
	st := store.NewMemStore()
	now := time.Now()

	msg := model.RelayMessage{Status: model.RelayPending}
	path := relayPath("tenant-1", "msg-1")
	if err := st.Create(context.Background(), path, &msg); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := st.Set(context.Background(), path, []store.Op{{Field: "expiresAt", Value: now.Add(-time.Minute)}}); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	loop := NewRelayExpirySweep(st, zerolog.Nop(), nil, nil)
	report, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Processed != 1 {
		t.Fatalf("expected 1 expired message, got %d", report.Processed)
	}

	var updated model.RelayMessage
	if err := st.Get(context.Background(), path, &updated); err != nil {
		t.Fatalf("get: %v", err)
	}
	if updated.Status != model.RelayExpired {
		t.Fatalf("expected expired, got %s", updated.Status)
	}
}

func TestRelayExpirySweepExpiresPendingMissingExpiresAt(t *testing.T) {
	st := store.NewMemStore()
	now := time.Now()

	msg := model.RelayMessage{Status: model.RelayPending}
	path := relayPath("tenant-1", "msg-1")
	if err := st.Create(context.Background(), path, &msg); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// expiresAt stays zero; fall back to createdAt vs. the default TTL.
	if err := st.Set(context.Background(), path, []store.Op{{Field: "createdAt", Value: now.Add(-2 * time.Duration(model.DefaultRelayTTLSeconds) * time.Second)}}); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	loop := NewRelayExpirySweep(st, zerolog.Nop(), nil, nil)
	report, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Processed != 1 {
		t.Fatalf("expected 1 expired message, got %d", report.Processed)
	}

	var updated model.RelayMessage
	if err := st.Get(context.Background(), path, &updated); err != nil {
		t.Fatalf("get: %v", err)
	}
	if updated.Status != model.RelayExpired {
		t.Fatalf("expected expired, got %s", updated.Status)
	}
}

func TestRelayExpirySweepPrunesStaleDelivered(t *testing.T) {
	st := store.NewMemStore()
	now := time.Now()

	msg := model.RelayMessage{Status: model.RelayDelivered}
	path := relayPath("tenant-1", "msg-1")
	if err := st.Create(context.Background(), path, &msg); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := st.Set(context.Background(), path, []store.Op{
		{Field: "createdAt", Value: now.Add(-3 * time.Duration(model.DefaultRelayTTLSeconds) * time.Second)},
	}); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	loop := NewRelayExpirySweep(st, zerolog.Nop(), nil, nil)
	report, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Processed != 1 {
		t.Fatalf("expected 1 pruned message, got %d", report.Processed)
	}

	var discard model.RelayMessage
	if err := st.Get(context.Background(), path, &discard); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound after prune, got %v", err)
	}
}

func TestDeadLetterProcessingRecordsEntry(t *testing.T) {
	st := store.NewMemStore()
	now := time.Now()

	// One attempt short of the max: this sweep's bump should push it over
	// the edge and dead-letter it in a single run.
	msg := model.RelayMessage{
		Status: model.RelayPending, DeliveryAttempts: 1, MaxDeliveryAttempts: 2,
	}
	path := relayPath("tenant-1", "msg-1")
	if err := st.Create(context.Background(), path, &msg); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := st.Set(context.Background(), path, []store.Op{{Field: "createdAt", Value: now.Add(-2 * time.Hour)}}); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	events := NewEventLog(10)
	loop := NewDeadLetterProcessing(st, zerolog.Nop(), nil, events)
	report, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Processed != 1 {
		t.Fatalf("expected 1 dead-lettered message, got %d", report.Processed)
	}

	sawDeadLetterEvent := false
	for _, e := range events.Recent("", 0) {
		if e.Kind == EventRelayDeadLettered {
			sawDeadLetterEvent = true
		}
	}
	if !sawDeadLetterEvent {
		t.Fatalf("expected a RELAY_DEAD_LETTERED event")
	}

	var updated model.RelayMessage
	if err := st.Get(context.Background(), path, &updated); err != nil {
		t.Fatalf("get: %v", err)
	}
	if updated.Status != model.RelayDeadLettered {
		t.Fatalf("expected dead_lettered, got %s", updated.Status)
	}
	if updated.DeliveryAttempts != 2 {
		t.Fatalf("expected deliveryAttempts=2, got %d", updated.DeliveryAttempts)
	}

	docs, err := st.Query(context.Background(), store.Query{Collection: "dead_letters", CollectionGroup: true})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected 1 dead_letter record, got %d", len(docs))
	}
}

func TestDeadLetterProcessingTwoSweepsReachesMax(t *testing.T) {
	st := store.NewMemStore()
	now := time.Now()

	msg := model.RelayMessage{
		Status: model.RelayPending, DeliveryAttempts: 0, MaxDeliveryAttempts: 2,
	}
	path := relayPath("tenant-1", "msg-1")
	if err := st.Create(context.Background(), path, &msg); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := st.Set(context.Background(), path, []store.Op{{Field: "createdAt", Value: now.Add(-2 * time.Hour)}}); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	loop := NewDeadLetterProcessing(st, zerolog.Nop(), nil, nil)
	if _, err := loop.Run(context.Background()); err != nil {
		t.Fatalf("first sweep: %v", err)
	}

	var afterFirst model.RelayMessage
	if err := st.Get(context.Background(), path, &afterFirst); err != nil {
		t.Fatalf("get: %v", err)
	}
	if afterFirst.Status != model.RelayPending || afterFirst.DeliveryAttempts != 1 {
		t.Fatalf("expected pending with 1 attempt after first sweep, got status=%s attempts=%d", afterFirst.Status, afterFirst.DeliveryAttempts)
	}

	if _, err := loop.Run(context.Background()); err != nil {
		t.Fatalf("second sweep: %v", err)
	}

	var afterSecond model.RelayMessage
	if err := st.Get(context.Background(), path, &afterSecond); err != nil {
		t.Fatalf("get: %v", err)
	}
	if afterSecond.Status != model.RelayDeadLettered || afterSecond.DeliveryAttempts != 2 {
		t.Fatalf("expected dead_lettered with 2 attempts after second sweep, got status=%s attempts=%d", afterSecond.Status, afterSecond.DeliveryAttempts)
	}
}

func TestStaleSessionArchiverArchivesQuietSessions(t *testing.T) {
	st := store.NewMemStore()
	now := time.Now()

	session := model.Session{Status: model.StatusActive, Archived: false}
	path := sessionPath("tenant-1", "sess-1")
	if err := st.Create(context.Background(), path, &session); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := st.Set(context.Background(), path, []store.Op{{Field: "lastHeartbeat", Value: now.Add(-time.Hour)}}); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	loop := NewStaleSessionArchiver(st, 10*time.Minute, zerolog.Nop(), nil, nil)
	report, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Processed != 1 {
		t.Fatalf("expected 1 archived session, got %d", report.Processed)
	}
}

func TestSyncQueueProcessorReconcilesAndRecordsEvents(t *testing.T) {
	st := store.NewMemStore()
	q := syncqueue.New(st, zerolog.Nop())
	q.Register("mirror_task_create", func(ctx context.Context, it syncqueue.Item) error { return nil })
	q.Enqueue(context.Background(), "tenant-1", "mirror_task_create", "task-1")

	events := NewEventLog(10)
	loop := NewSyncQueueProcessor(q, zerolog.Nop(), nil, events)
	report, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Processed != 1 {
		t.Fatalf("expected 1 reconciled item, got %d", report.Processed)
	}

	found := false
	for _, e := range events.Recent("", 0) {
		if e.Kind == EventSyncReconciled {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a SYNC_RECONCILED event")
	}
}

func TestTenantOfExtractsTenantSegment(t *testing.T) {
	got := tenantOf("tenants/tenant-1/relay/msg-1")
	if got != "tenant-1" {
		t.Fatalf("expected tenant-1, got %q", got)
	}
}

func TestWakeDaemonSpawnsTargetsWithNoActiveSession(t *testing.T) {
	st := store.NewMemStore()

	task := model.Task{Envelope: model.Envelope{Target: "builder"}, Status: model.StatusCreated}
	if err := st.Create(context.Background(), taskPath("tenant-1", "task-1"), &task); err != nil {
		t.Fatalf("seed task: %v", err)
	}

	var spawned []string
	loop := NewWakeDaemon(st,
		func(ctx context.Context) error { return nil },
		func(ctx context.Context, target string) error {
			spawned = append(spawned, target)
			return nil
		},
		zerolog.Nop(), nil, nil,
	)

	report, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Processed != 1 || report.Errors != 0 {
		t.Fatalf("expected 1 processed and 0 errors, got processed=%d errors=%d", report.Processed, report.Errors)
	}
	if len(spawned) != 1 || spawned[0] != "builder" {
		t.Fatalf("expected spawn request for builder, got %v", spawned)
	}
}

func TestWakeDaemonSkipsTargetWithActiveSession(t *testing.T) {
	st := store.NewMemStore()

	task := model.Task{Envelope: model.Envelope{Target: "builder"}, Status: model.StatusCreated}
	if err := st.Create(context.Background(), taskPath("tenant-1", "task-1"), &task); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	session := model.Session{ProgramID: "builder", Status: model.StatusActive}
	if err := st.Create(context.Background(), sessionPath("tenant-1", "sess-1"), &session); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	spawnCalls := 0
	loop := NewWakeDaemon(st,
		func(ctx context.Context) error { return nil },
		func(ctx context.Context, target string) error {
			spawnCalls++
			return nil
		},
		zerolog.Nop(), nil, nil,
	)

	report, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Processed != 0 || spawnCalls != 0 {
		t.Fatalf("expected no spawn requests for target with an active session, processed=%d calls=%d", report.Processed, spawnCalls)
	}
}

func TestWakeDaemonDegradesAfterConsecutiveHealthFailures(t *testing.T) {
	st := store.NewMemStore()

	loop := NewWakeDaemon(st,
		func(ctx context.Context) error { return fmt.Errorf("host unreachable") },
		func(ctx context.Context, target string) error {
			t.Fatalf("spawn should not be attempted while the host is unreachable")
			return nil
		},
		zerolog.Nop(), nil, nil,
	)

	for i := 0; i < wakeDegradedThreshold-1; i++ {
		if _, err := loop.Run(context.Background()); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if loop.degraded {
			t.Fatalf("expected not degraded before %d consecutive failures", wakeDegradedThreshold)
		}
	}

	report, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("final run: %v", err)
	}
	if !loop.degraded {
		t.Fatalf("expected degraded mode after %d consecutive failures", wakeDegradedThreshold)
	}
	if report.Errors != 1 {
		t.Fatalf("expected 1 error recorded, got %d", report.Errors)
	}
}
