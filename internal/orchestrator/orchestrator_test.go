package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/chronos/ebreplay/internal/models"
	"github.com/chronos/ebreplay/internal/pacing"
	"github.com/chronos/ebreplay/internal/publisher"
	"github.com/chronos/ebreplay/internal/sink"
	"github.com/chronos/ebreplay/internal/storage"
	"github.com/chronos/ebreplay/pkg/clock"
)

var windowStart = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// replayContext returns a context whose event waits delay seconds under the
// default time distance policy.
func replayContext(eventID string, delay int) models.ReplayContext {
	return models.ReplayContext{
		Event: models.ArchivedEvent{
			ID:         eventID,
			Source:     "eb-test-app",
			DetailType: "test-event",
			Detail:     json.RawMessage(fmt.Sprintf(`{"id":%q}`, eventID)),
			Time:       windowStart.Add(time.Duration(delay*100) * time.Second),
		},
		ReplayName:  "May--1-11.00.00",
		WindowStart: windowStart,
		WindowEnd:   windowStart.Add(time.Hour),
	}
}

type recordingSink struct {
	mu      sync.Mutex
	records []sink.Record
}

func (s *recordingSink) Emit(_ context.Context, rec sink.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *recordingSink) Records() []sink.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sink.Record(nil), s.records...)
}

type testEnv struct {
	orch  *Orchestrator
	clock *clock.MockClock
	store *storage.MemoryStore
	pub   *publisher.Fake
	sink  *recordingSink
}

func newTestEnv(t *testing.T, store *storage.MemoryStore) *testEnv {
	t.Helper()
	if store == nil {
		store = storage.NewMemoryStore()
	}
	env := &testEnv{
		clock: clock.NewMock(windowStart.Add(2 * time.Hour)),
		store: store,
		pub:   publisher.NewFake(),
		sink:  &recordingSink{},
	}
	cfg := DefaultConfig()
	cfg.Bus = "replay-bus"
	cfg.NodeID = "node-1"
	env.orch = New(store, &pacing.TimeDistance{}, env.pub, zerolog.Nop(), cfg,
		WithClock(env.clock),
		WithSink(env.sink),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.orch.Stop(ctx)
	})
	return env
}

func (env *testEnv) wait(t *testing.T, id string) *models.Execution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, err := env.orch.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%s) failed: %v", id, err)
	}
	return exec
}

func (env *testEnv) submit(t *testing.T, rc models.ReplayContext) *models.Execution {
	t.Helper()
	exec, err := env.orch.Submit(context.Background(), rc)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	return exec
}

func TestSubmit_ImmediatePublishSucceeds(t *testing.T) {
	env := newTestEnv(t, nil)

	exec := env.submit(t, replayContext("evt-1", 0))
	if exec.State != models.StateStarted {
		t.Errorf("expected initial snapshot in started state, got %s", exec.State)
	}

	final := env.wait(t, exec.ID)
	if final.State != models.StateSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", final.State, final.Error)
	}
	if final.Outcome != models.OutcomeSucceeded {
		t.Errorf("expected succeeded outcome, got %q", final.Outcome)
	}
	if final.Decision == nil || final.Decision.DelaySeconds != 0 {
		t.Errorf("expected zero delay decision, got %+v", final.Decision)
	}
	if final.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
	if final.NodeID != "node-1" {
		t.Errorf("expected node id to be recorded, got %q", final.NodeID)
	}

	calls := env.pub.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(calls))
	}
	if calls[0].Bus != "replay-bus" || calls[0].Event.ID != "evt-1" {
		t.Errorf("unexpected publish call: %+v", calls[0])
	}

	stored, err := env.store.GetExecution(exec.ID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if stored.State != models.StateSucceeded {
		t.Errorf("expected persisted succeeded state, got %s", stored.State)
	}

	want := []models.State{
		models.StateStarted, models.StateCalculating, models.StateWaiting,
		models.StatePublishing, models.StateClassifying, models.StateSucceeded,
	}
	if len(final.History) != len(want) {
		t.Fatalf("expected %d transitions, got %d", len(want), len(final.History))
	}
	for i, tr := range final.History {
		if tr.To != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], tr.To)
		}
	}
}

func TestSubmit_RejectedEntryFails(t *testing.T) {
	env := newTestEnv(t, nil)
	env.pub.OnPublish(publisher.RejectEntries("ThrottlingException", "rate exceeded"))

	exec := env.submit(t, replayContext("evt-1", 0))
	final := env.wait(t, exec.ID)

	if final.State != models.StateFailed {
		t.Fatalf("expected failed, got %s", final.State)
	}
	if final.ErrorKind != models.ErrorKindPartialPublish {
		t.Errorf("expected partial publish error kind, got %q", final.ErrorKind)
	}
	if final.Outcome != models.OutcomeFailed {
		t.Errorf("expected failed outcome, got %q", final.Outcome)
	}
	if len(final.FailedEntries) != 1 || final.FailedEntries[0].ErrorCode != "ThrottlingException" {
		t.Errorf("expected the rejected entry to be recorded, got %+v", final.FailedEntries)
	}
	if env.pub.CallCount() != 1 {
		t.Errorf("expected exactly 1 publish, got %d", env.pub.CallCount())
	}
}

func TestSubmit_MissingTimestampFailsWithoutPublishing(t *testing.T) {
	env := newTestEnv(t, nil)

	rc := replayContext("evt-1", 0)
	rc.Event.Time = time.Time{}
	exec := env.submit(t, rc)
	final := env.wait(t, exec.ID)

	if final.State != models.StateFailed {
		t.Fatalf("expected failed, got %s", final.State)
	}
	if final.ErrorKind != models.ErrorKindCalculation {
		t.Errorf("expected calculation error kind, got %q", final.ErrorKind)
	}
	if env.pub.CallCount() != 0 {
		t.Errorf("expected no publish, got %d", env.pub.CallCount())
	}
}

func TestSubmit_TransportErrorFails(t *testing.T) {
	env := newTestEnv(t, nil)
	env.pub.OnPublish(publisher.FailCalls(errors.New("connection reset")))

	exec := env.submit(t, replayContext("evt-1", 0))
	final := env.wait(t, exec.ID)

	if final.State != models.StateFailed {
		t.Fatalf("expected failed, got %s", final.State)
	}
	if final.ErrorKind != models.ErrorKindTransport {
		t.Errorf("expected transport error kind, got %q", final.ErrorKind)
	}
	if final.Result != nil {
		t.Error("expected no publish result on transport failure")
	}
}

func TestSubmit_InvalidEvent(t *testing.T) {
	env := newTestEnv(t, nil)

	rc := replayContext("evt-1", 0)
	rc.Event.Source = ""
	if _, err := env.orch.Submit(context.Background(), rc); !errors.Is(err, models.ErrInvalidEvent) {
		t.Errorf("expected ErrInvalidEvent, got %v", err)
	}

	rc = replayContext("evt-1", 0)
	rc.AttemptIndex = -1
	if _, err := env.orch.Submit(context.Background(), rc); !errors.Is(err, models.ErrInvalidEvent) {
		t.Errorf("expected ErrInvalidEvent for negative attempt, got %v", err)
	}
}

func TestSubmit_Duplicate(t *testing.T) {
	env := newTestEnv(t, nil)

	first := env.submit(t, replayContext("evt-1", 300))
	env.clock.BlockUntil(1)

	dup, err := env.orch.Submit(context.Background(), replayContext("evt-1", 300))
	if !errors.Is(err, models.ErrExecutionExists) {
		t.Fatalf("expected ErrExecutionExists, got %v", err)
	}
	if dup == nil || dup.ID != first.ID {
		t.Errorf("expected the running execution to be returned, got %+v", dup)
	}

	other := replayContext("evt-1", 300)
	other.ReplayName = "another-replay"
	if _, err := env.orch.Submit(context.Background(), other); err != nil {
		t.Errorf("same event in a different replay should be accepted: %v", err)
	}
}

func TestCancel_WhileWaiting(t *testing.T) {
	env := newTestEnv(t, nil)

	exec := env.submit(t, replayContext("evt-1", 300))
	env.clock.BlockUntil(1)
	env.clock.Add(10 * time.Second)

	cancelled, err := env.orch.Cancel(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.State != models.StateCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.State)
	}

	// Moving past the original wake time must not publish.
	env.clock.Add(time.Hour)
	if env.pub.CallCount() != 0 {
		t.Errorf("expected no publish after cancel, got %d", env.pub.CallCount())
	}
	if got := env.sink.Records(); len(got) != 0 {
		t.Errorf("expected no outcome record for a cancelled execution, got %d", len(got))
	}

	stored, _ := env.store.GetExecution(exec.ID)
	if stored.State != models.StateCancelled {
		t.Errorf("expected persisted cancelled state, got %s", stored.State)
	}
	if env.orch.Stats().Cancelled != 1 {
		t.Errorf("expected 1 cancelled in stats, got %d", env.orch.Stats().Cancelled)
	}
}

func TestCancel_WhilePublishingIsRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	env.pub.OnPublish(func(context.Context, models.ArchivedEvent, string) (models.PublishResult, error) {
		close(entered)
		<-release
		return models.PublishResult{TotalEntryCount: 1, Entries: []models.EntryResult{{EventID: "e-1"}}}, nil
	})

	exec := env.submit(t, replayContext("evt-1", 0))
	<-entered

	snap, err := env.orch.Cancel(context.Background(), exec.ID)
	if !errors.Is(err, models.ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable, got %v", err)
	}
	if snap.State != models.StatePublishing {
		t.Errorf("expected publishing snapshot, got %s", snap.State)
	}

	close(release)
	if final := env.wait(t, exec.ID); final.State != models.StateSucceeded {
		t.Errorf("expected succeeded, got %s", final.State)
	}
}

func TestCancel_NotRunning(t *testing.T) {
	store := storage.NewMemoryStore()
	now := windowStart.Add(2 * time.Hour)

	parked := models.NewExecution("parked", replayContext("evt-1", 60), now)
	_ = parked.Advance(models.StateCalculating, now, "")
	_ = parked.Advance(models.StateWaiting, now, "")
	done := models.NewExecution("done", replayContext("evt-2", 0), now)
	_ = done.Advance(models.StateCancelled, now, "")
	for _, e := range []*models.Execution{parked, done} {
		if err := store.SaveExecution(e); err != nil {
			t.Fatal(err)
		}
	}

	env := newTestEnv(t, store)

	got, err := env.orch.Cancel(context.Background(), "parked")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if got.State != models.StateCancelled {
		t.Errorf("expected cancelled, got %s", got.State)
	}
	stored, _ := store.GetExecution("parked")
	if stored.State != models.StateCancelled {
		t.Errorf("expected persisted cancelled state, got %s", stored.State)
	}

	if _, err := env.orch.Cancel(context.Background(), "done"); !errors.Is(err, models.ErrNotCancellable) {
		t.Errorf("expected ErrNotCancellable for terminal execution, got %v", err)
	}
	if _, err := env.orch.Cancel(context.Background(), "missing"); !errors.Is(err, models.ErrExecutionNotFound) {
		t.Errorf("expected ErrExecutionNotFound, got %v", err)
	}
}

func TestExecutionsPublishInDelayOrder(t *testing.T) {
	env := newTestEnv(t, nil)

	delays := map[string]int{"evt-a": 30, "evt-b": 10, "evt-c": 20}
	ids := map[string]string{}
	for _, eventID := range []string{"evt-a", "evt-b", "evt-c"} {
		ids[eventID] = env.submit(t, replayContext(eventID, delays[eventID])).ID
	}
	env.clock.BlockUntil(3)

	for _, eventID := range []string{"evt-b", "evt-c", "evt-a"} {
		env.clock.Add(10 * time.Second)
		if final := env.wait(t, ids[eventID]); final.State != models.StateSucceeded {
			t.Fatalf("%s: expected succeeded, got %s", eventID, final.State)
		}
	}

	calls := env.pub.Calls()
	if len(calls) != 3 {
		t.Fatalf("expected 3 publishes, got %d", len(calls))
	}
	for i, want := range []string{"evt-b", "evt-c", "evt-a"} {
		if calls[i].Event.ID != want {
			t.Errorf("publish %d: expected %s, got %s", i, want, calls[i].Event.ID)
		}
	}
}

func TestResume(t *testing.T) {
	store := storage.NewMemoryStore()
	now := windowStart.Add(2 * time.Hour)
	wake := now.Add(time.Minute)

	waiting := models.NewExecution("waiting", replayContext("evt-1", 60), now)
	_ = waiting.Advance(models.StateCalculating, now, "")
	waiting.Decision = &models.WaitDecision{DelaySeconds: 60}
	waiting.WakeAt = &wake
	_ = waiting.Advance(models.StateWaiting, now, "")

	publishing := models.NewExecution("publishing", replayContext("evt-2", 0), now)
	_ = publishing.Advance(models.StateCalculating, now, "")
	_ = publishing.Advance(models.StateWaiting, now, "")
	_ = publishing.Advance(models.StatePublishing, now, "")

	for _, e := range []*models.Execution{waiting, publishing} {
		if err := store.SaveExecution(e); err != nil {
			t.Fatal(err)
		}
	}

	env := newTestEnv(t, store)

	n, err := env.orch.Resume(context.Background())
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 resumed executions, got %d", n)
	}

	if final := env.wait(t, "publishing"); final.State != models.StateSucceeded {
		t.Errorf("expected publishing execution to succeed, got %s", final.State)
	}

	// The waiting execution keeps its persisted wake time.
	env.clock.BlockUntil(1)
	if env.pub.CallCount() != 1 {
		t.Fatalf("expected only the publishing execution to have published, got %d", env.pub.CallCount())
	}
	env.clock.Add(time.Minute)
	if final := env.wait(t, "waiting"); final.State != models.StateSucceeded {
		t.Errorf("expected waiting execution to succeed, got %s", final.State)
	}
	if env.orch.Stats().Resumed != 2 {
		t.Errorf("expected 2 resumed in stats, got %d", env.orch.Stats().Resumed)
	}
}

func TestStop_ParksWaitingExecutions(t *testing.T) {
	env := newTestEnv(t, nil)

	exec := env.submit(t, replayContext("evt-1", 300))
	env.clock.BlockUntil(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.orch.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	stored, err := env.store.GetExecution(exec.ID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if stored.State != models.StateWaiting {
		t.Errorf("expected execution parked in waiting, got %s", stored.State)
	}
	if stored.WakeAt == nil {
		t.Error("expected wake time to be persisted")
	}
	if env.pub.CallCount() != 0 {
		t.Errorf("expected no publish, got %d", env.pub.CallCount())
	}

	if _, err := env.orch.Submit(context.Background(), replayContext("evt-2", 0)); !errors.Is(err, models.ErrShuttingDown) {
		t.Errorf("expected ErrShuttingDown after stop, got %v", err)
	}
}

func TestSubscribe(t *testing.T) {
	env := newTestEnv(t, nil)

	updates, unsubscribe := env.orch.Subscribe()
	defer unsubscribe()

	exec := env.submit(t, replayContext("evt-1", 0))

	seen := map[models.State]bool{}
	timeout := time.After(5 * time.Second)
	for len(seen) < 6 {
		select {
		case u := <-updates:
			if u.ID == exec.ID {
				seen[u.State] = true
			}
		case <-timeout:
			t.Fatalf("timed out waiting for updates, saw %v", seen)
		}
	}
	if !seen[models.StateSucceeded] {
		t.Error("expected a succeeded update")
	}
}

func TestSinkRecords(t *testing.T) {
	env := newTestEnv(t, nil)

	ok := env.submit(t, replayContext("evt-ok", 0))
	env.wait(t, ok.ID)

	rc := replayContext("evt-bad", 0)
	rc.Event.Time = time.Time{}
	bad := env.submit(t, rc)
	env.wait(t, bad.ID)

	records := env.sink.Records()
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	rec := records[0]
	if rec.Message.ID != "evt-ok" {
		t.Errorf("expected correlation id evt-ok, got %q", rec.Message.ID)
	}
	if rec.Message.ExecutionID != ok.ID {
		t.Errorf("expected execution id %s, got %s", ok.ID, rec.Message.ExecutionID)
	}
	if rec.Message.Outcome != models.OutcomeSucceeded {
		t.Errorf("expected succeeded outcome, got %q", rec.Message.Outcome)
	}
	if !rec.Timestamp.Equal(windowStart) {
		t.Errorf("expected record timestamp to be the event time, got %v", rec.Timestamp)
	}
}

func TestGetAndList(t *testing.T) {
	env := newTestEnv(t, nil)

	waiting := env.submit(t, replayContext("evt-1", 300))
	env.clock.BlockUntil(1)

	got, err := env.orch.Get(waiting.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.State != models.StateWaiting {
		t.Errorf("expected waiting, got %s", got.State)
	}

	list, err := env.orch.List(storage.ListOptions{ReplayName: "May--1-11.00.00"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != waiting.ID {
		t.Errorf("expected the waiting execution to be listed, got %d executions", len(list))
	}

	if _, err := env.orch.Get("missing"); !errors.Is(err, models.ErrExecutionNotFound) {
		t.Errorf("expected ErrExecutionNotFound, got %v", err)
	}
	if env.orch.Stats().Active != 1 {
		t.Errorf("expected 1 active execution, got %d", env.orch.Stats().Active)
	}
}

func TestRejectedEntriesDoNotAffectSiblings(t *testing.T) {
	pub := publisher.NewFake()
	guarded := publisher.NewGuarded(pub, publisher.NewBreakerRegistry(publisher.DefaultBreakerConfig(), nil))
	orch := New(storage.NewMemoryStore(), &pacing.TimeDistance{}, guarded, zerolog.Nop(), nil,
		WithClock(clock.NewMock(windowStart.Add(2*time.Hour))),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Stop(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pub.OnPublish(publisher.RejectEntries("InternalFailure", "rejected"))
	for i := 0; i < 10; i++ {
		exec, err := orch.Submit(ctx, replayContext(fmt.Sprintf("bad-%d", i), 0))
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		final, err := orch.Wait(ctx, exec.ID)
		if err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
		if final.ErrorKind != models.ErrorKindPartialPublish {
			t.Fatalf("expected partial publish failure, got %s", final.ErrorKind)
		}
	}

	pub.OnPublish(nil)
	exec, err := orch.Submit(ctx, replayContext("good", 0))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	final, err := orch.Wait(ctx, exec.ID)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if final.State != models.StateSucceeded {
		t.Errorf("expected the sibling to succeed, got %s (%s: %s)", final.State, final.ErrorKind, final.Error)
	}
	if pub.CallCount() != 11 {
		t.Errorf("expected every execution to reach the bus, got %d calls", pub.CallCount())
	}
}

func TestCancelAcceptedBeforeShutdownIsNotResumed(t *testing.T) {
	store := storage.NewMemoryStore()
	env := newTestEnv(t, store)

	exec := env.submit(t, replayContext("evt-1", 300))
	env.clock.BlockUntil(1)

	// Cancel has set the flag but not yet interrupted the wait when shutdown lands.
	env.orch.mu.Lock()
	r := env.orch.running[exec.ID]
	env.orch.mu.Unlock()
	r.mu.Lock()
	r.cancelRequested = true
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.orch.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	r.cancel(models.ErrCancelled)

	stored, err := store.GetExecution(exec.ID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if stored.State != models.StateCancelled {
		t.Fatalf("expected persisted cancelled state, got %s", stored.State)
	}

	restarted := newTestEnv(t, store)
	n, err := restarted.orch.Resume(context.Background())
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected nothing to resume, got %d", n)
	}
	restarted.clock.Add(time.Hour)
	if env.pub.CallCount()+restarted.pub.CallCount() != 0 {
		t.Error("expected a cancelled execution never to publish")
	}
}

type panickingCalculator struct{}

func (panickingCalculator) Compute(models.ReplayContext) (models.WaitDecision, error) {
	panic("calculator exploded")
}

func TestPanicFailsExecution(t *testing.T) {
	store := storage.NewMemoryStore()
	pub := publisher.NewFake()
	orch := New(store, panickingCalculator{}, pub, zerolog.Nop(), nil,
		WithClock(clock.NewMock(windowStart.Add(2*time.Hour))),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Stop(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, err := orch.Submit(ctx, replayContext("evt-1", 0))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	final, err := orch.Wait(ctx, exec.ID)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if final.State != models.StateFailed || final.ErrorKind != models.ErrorKindInternal {
		t.Errorf("expected failed/internal, got %s/%s", final.State, final.ErrorKind)
	}

	stored, _ := store.GetExecution(exec.ID)
	if stored.State != models.StateFailed || stored.CompletedAt == nil {
		t.Errorf("expected persisted terminal state, got %s", stored.State)
	}
	if orch.Stats().Failed != 1 {
		t.Errorf("expected 1 failed in stats, got %d", orch.Stats().Failed)
	}
	if pub.CallCount() != 0 {
		t.Errorf("expected no publish, got %d", pub.CallCount())
	}
}
