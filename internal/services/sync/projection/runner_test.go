package projection

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	apperrors "github.com/meridiankb/meridian/internal/platform/errors"
	"github.com/meridiankb/meridian/internal/services/sync/domain/event"
	syncsqlite "github.com/meridiankb/meridian/internal/services/sync/storage/sqlite"
)

func openTestStore(t *testing.T) *syncsqlite.Store {
	t.Helper()
	store, err := syncsqlite.Open(filepath.Join(t.TempDir(), "sync.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}

func fastConfig() Config {
	return Config{
		PollInterval:         10 * time.Millisecond,
		PageSize:             2,
		MaxAttempts:          3,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
	}
}

func appendTestEvent(t *testing.T, store *syncsqlite.Store, tenantID, aggregateID string, typ event.Type) event.Event {
	t.Helper()
	evt, err := store.AppendEvent(context.Background(), event.Event{
		TenantID:      tenantID,
		AggregateType: event.AggregateKnowledgeUnit,
		AggregateID:   aggregateID,
		Type:          typ,
		PayloadJSON:   []byte(`{"fields":{"title":"Atoms"}}`),
	})
	if err != nil {
		t.Fatalf("append event: %v", err)
	}
	return evt
}

// recordingApplier tracks applied event ids and optionally injects failures.
type recordingApplier struct {
	mu      sync.Mutex
	applied []string
	fail    func(evt event.Event) error
}

func (a *recordingApplier) Apply(_ context.Context, evt event.Event) error {
	if a.fail != nil {
		if err := a.fail(evt); err != nil {
			return err
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied = append(a.applied, evt.ID)
	return nil
}

func (a *recordingApplier) appliedIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.applied...)
}

func newTestRunner(t *testing.T, store *syncsqlite.Store, applier Applier, alert AlertFunc) *Runner {
	t.Helper()
	runner, err := New("test", applier, store, store, store, fastConfig(), alert, t.Logf)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return runner
}

func TestRunnerAppliesInOrderAndCheckpoints(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var want []string
	for i := 0; i < 5; i++ {
		evt := appendTestEvent(t, store, "tenant-1", "unit-1", event.TypeUpdated)
		want = append(want, evt.ID)
	}

	applier := &recordingApplier{}
	runner := newTestRunner(t, store, applier, nil)

	if err := runner.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got := applier.appliedIDs()
	if len(got) != len(want) {
		t.Fatalf("applied %d events, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("applied[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	checkpoint, err := store.GetCheckpoint(ctx, "test", "tenant-1")
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if checkpoint.LastOffset != 5 {
		t.Fatalf("checkpoint.LastOffset = %d, want 5", checkpoint.LastOffset)
	}
	if checkpoint.LastEventID != want[4] {
		t.Fatalf("checkpoint.LastEventID = %q, want %q", checkpoint.LastEventID, want[4])
	}
}

func TestRunnerSecondTickAppliesNothingNew(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	appendTestEvent(t, store, "tenant-1", "unit-1", event.TypeCreated)

	applier := &recordingApplier{}
	runner := newTestRunner(t, store, applier, nil)

	if err := runner.Tick(ctx); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if err := runner.Tick(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if got := applier.appliedIDs(); len(got) != 1 {
		t.Fatalf("applied %d events, want 1", len(got))
	}
}

// A crash after apply but before the checkpoint persisted re-delivers the
// event; an idempotent applier converges to the same state either way.
func TestRunnerCrashResumeRedelivers(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	evt := appendTestEvent(t, store, "tenant-1", "unit-1", event.TypeCreated)

	applier := &recordingApplier{}
	runner := newTestRunner(t, store, applier, nil)
	if err := runner.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	// Rewind the checkpoint to simulate a crash before it persisted, then
	// restart with a fresh runner.
	checkpoint, err := store.GetCheckpoint(ctx, "test", "tenant-1")
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	checkpoint.LastOffset = 0
	checkpoint.LastEventID = ""
	if err := store.SaveCheckpoint(ctx, checkpoint); err != nil {
		t.Fatalf("rewind checkpoint: %v", err)
	}

	restarted := newTestRunner(t, store, applier, nil)
	if err := restarted.Tick(ctx); err != nil {
		t.Fatalf("tick after restart: %v", err)
	}

	got := applier.appliedIDs()
	if len(got) != 2 || got[0] != evt.ID || got[1] != evt.ID {
		t.Fatalf("applied = %v, want the same event delivered twice", got)
	}

	checkpoint, err = store.GetCheckpoint(ctx, "test", "tenant-1")
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if checkpoint.LastOffset != evt.GlobalOffset {
		t.Fatalf("checkpoint.LastOffset = %d, want %d", checkpoint.LastOffset, evt.GlobalOffset)
	}
}

func TestRunnerRetriesTransientFailures(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	appendTestEvent(t, store, "tenant-1", "unit-1", event.TypeCreated)

	var attempts int
	applier := &recordingApplier{
		fail: func(event.Event) error {
			attempts++
			if attempts < 3 {
				return apperrors.New(apperrors.CodeTransientTarget, "target unavailable")
			}
			return nil
		},
	}
	runner := newTestRunner(t, store, applier, nil)

	if err := runner.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	if got := applier.appliedIDs(); len(got) != 1 {
		t.Fatalf("applied %d events, want 1", len(got))
	}

	statuses, err := runner.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(statuses) != 1 || statuses[0].Parked {
		t.Fatalf("unexpected statuses %+v", statuses)
	}
}

func TestRunnerParksOnExhaustedTransientRetries(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	evt := appendTestEvent(t, store, "tenant-1", "unit-1", event.TypeCreated)

	applier := &recordingApplier{
		fail: func(event.Event) error {
			return apperrors.New(apperrors.CodeTransientTarget, "target unavailable")
		},
	}
	var alerts []Alert
	runner := newTestRunner(t, store, applier, func(alert Alert) {
		alerts = append(alerts, alert)
	})

	if err := runner.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(alerts) != 1 {
		t.Fatalf("len(alerts) = %d, want 1", len(alerts))
	}
	if alerts[0].EventID != evt.ID || alerts[0].DeadLettered {
		t.Fatalf("unexpected alert %+v", alerts[0])
	}

	// The checkpoint stays frozen while parked.
	checkpoint, err := store.GetCheckpoint(ctx, "test", "tenant-1")
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if checkpoint.LastOffset != 0 {
		t.Fatalf("checkpoint.LastOffset = %d, want 0", checkpoint.LastOffset)
	}

	before := len(applier.appliedIDs())
	if err := runner.Tick(ctx); err != nil {
		t.Fatalf("tick while parked: %v", err)
	}
	if len(applier.appliedIDs()) != before {
		t.Fatal("parked partition must not apply events")
	}

	// No dead letter for transient exhaustion; the operator resumes directly.
	letters, err := store.ListDeadLetters(ctx, "test")
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(letters) != 0 {
		t.Fatalf("len(letters) = %d, want 0", len(letters))
	}

	applier.fail = nil
	if err := runner.Resume("tenant-1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := runner.Tick(ctx); err != nil {
		t.Fatalf("tick after resume: %v", err)
	}
	if got := applier.appliedIDs(); len(got) == 0 || got[len(got)-1] != evt.ID {
		t.Fatalf("expected event applied after resume, got %v", got)
	}
}

func TestRunnerDeadLettersFoldFailures(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	poisoned := appendTestEvent(t, store, "tenant-1", "unit-1", event.TypeCreated)
	follower := appendTestEvent(t, store, "tenant-1", "unit-1", event.TypeUpdated)

	applier := &recordingApplier{
		fail: func(evt event.Event) error {
			if evt.ID == poisoned.ID {
				return apperrors.New(apperrors.CodeFoldFailed, "malformed payload")
			}
			return nil
		},
	}
	var alerts []Alert
	runner := newTestRunner(t, store, applier, func(alert Alert) {
		alerts = append(alerts, alert)
	})

	if err := runner.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	letter, err := store.GetDeadLetter(ctx, "test", poisoned.ID)
	if err != nil {
		t.Fatalf("get dead letter: %v", err)
	}
	if letter.GlobalOffset != poisoned.GlobalOffset {
		t.Fatalf("letter.GlobalOffset = %d, want %d", letter.GlobalOffset, poisoned.GlobalOffset)
	}
	if len(alerts) != 1 || !alerts[0].DeadLettered {
		t.Fatalf("unexpected alerts %+v", alerts)
	}

	// Parked until acknowledged: the follower event must not apply.
	if err := runner.Tick(ctx); err != nil {
		t.Fatalf("tick while parked: %v", err)
	}
	if got := applier.appliedIDs(); len(got) != 0 {
		t.Fatalf("applied = %v, want none while parked", got)
	}

	// Resume without acknowledgement is refused.
	err = runner.Resume("tenant-1")
	if apperrors.CodeOf(err) != apperrors.CodePartitionParked {
		t.Fatalf("CodeOf(err) = %q, want %q", apperrors.CodeOf(err), apperrors.CodePartitionParked)
	}

	if err := runner.AcknowledgeDeadLetter(ctx, poisoned.ID); err != nil {
		t.Fatalf("acknowledge dead letter: %v", err)
	}
	if err := runner.Tick(ctx); err != nil {
		t.Fatalf("tick after acknowledgement: %v", err)
	}

	// The poisoned event is skipped, the follower applies.
	got := applier.appliedIDs()
	if len(got) != 1 || got[0] != follower.ID {
		t.Fatalf("applied = %v, want only the follower event", got)
	}
	checkpoint, err := store.GetCheckpoint(ctx, "test", "tenant-1")
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if checkpoint.LastOffset != follower.GlobalOffset {
		t.Fatalf("checkpoint.LastOffset = %d, want %d", checkpoint.LastOffset, follower.GlobalOffset)
	}
}

func TestRunnerAcknowledgeDeadLetterMissing(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	poisoned := appendTestEvent(t, store, "tenant-1", "unit-1", event.TypeCreated)
	applier := &recordingApplier{
		fail: func(event.Event) error {
			return apperrors.New(apperrors.CodeFoldFailed, "malformed payload")
		},
	}
	runner := newTestRunner(t, store, applier, nil)
	if err := runner.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	// No record exists for an event that never dead-lettered.
	err := runner.AcknowledgeDeadLetter(ctx, "no-such-event")
	if apperrors.CodeOf(err) != apperrors.CodeDeadLetterMissing {
		t.Fatalf("CodeOf(err) = %q, want %q", apperrors.CodeOf(err), apperrors.CodeDeadLetterMissing)
	}

	if err := runner.AcknowledgeDeadLetter(ctx, poisoned.ID); err != nil {
		t.Fatalf("acknowledge dead letter: %v", err)
	}
	// A second acknowledgement of the same record also misses.
	err = runner.AcknowledgeDeadLetter(ctx, poisoned.ID)
	if apperrors.CodeOf(err) != apperrors.CodeDeadLetterMissing {
		t.Fatalf("CodeOf(err) = %q, want %q", apperrors.CodeOf(err), apperrors.CodeDeadLetterMissing)
	}
}

func TestRunnerOtherPartitionsContinueWhileOneParks(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	poisoned := appendTestEvent(t, store, "tenant-1", "unit-1", event.TypeCreated)
	healthy := appendTestEvent(t, store, "tenant-2", "unit-1", event.TypeCreated)

	applier := &recordingApplier{
		fail: func(evt event.Event) error {
			if evt.ID == poisoned.ID {
				return apperrors.New(apperrors.CodeFoldFailed, "malformed payload")
			}
			return nil
		},
	}
	runner := newTestRunner(t, store, applier, nil)

	if err := runner.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got := applier.appliedIDs()
	if len(got) != 1 || got[0] != healthy.ID {
		t.Fatalf("applied = %v, want only the healthy tenant's event", got)
	}

	statuses, err := runner.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	byPartition := make(map[string]PartitionStatus, len(statuses))
	for _, status := range statuses {
		byPartition[status.PartitionKey] = status
	}
	if !byPartition["tenant-1"].Parked || !byPartition["tenant-1"].DeadLettered {
		t.Fatalf("tenant-1 status = %+v, want parked with dead letter", byPartition["tenant-1"])
	}
	if byPartition["tenant-2"].Parked {
		t.Fatalf("tenant-2 status = %+v, want advancing", byPartition["tenant-2"])
	}
}

func TestRunnerRunStopsOnContextCancel(t *testing.T) {
	store := openTestStore(t)

	applier := &recordingApplier{}
	runner := newTestRunner(t, store, applier, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runner.Run(ctx)
	}()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

func TestNewRunnerValidation(t *testing.T) {
	store := openTestStore(t)
	applier := &recordingApplier{}

	if _, err := New("", applier, store, store, store, Config{}, nil, nil); err == nil {
		t.Fatal("expected error for empty projection id")
	}
	if _, err := New("test", nil, store, store, store, Config{}, nil, nil); err == nil {
		t.Fatal("expected error for nil applier")
	}
	if _, err := New("test", applier, nil, store, store, Config{}, nil, nil); err == nil {
		t.Fatal("expected error for missing storage")
	}
}
