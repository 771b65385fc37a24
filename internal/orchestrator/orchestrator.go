// Package orchestrator drives replay executions through their workflow:
// calculate the wait, suspend, publish, classify.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chronos/ebreplay/internal/metrics"
	"github.com/chronos/ebreplay/internal/models"
	"github.com/chronos/ebreplay/internal/pacing"
	"github.com/chronos/ebreplay/internal/publisher"
	"github.com/chronos/ebreplay/internal/sink"
	"github.com/chronos/ebreplay/internal/storage"
	"github.com/chronos/ebreplay/internal/suspend"
	"github.com/chronos/ebreplay/pkg/clock"
)

// Config holds orchestrator configuration.
type Config struct {
	// Bus is the event bus replayed events are published to.
	Bus string
	// NodeID is recorded on every execution started by this process.
	NodeID string
	// PublishTimeout bounds a single publish call.
	PublishTimeout time.Duration
	// SinkTimeout bounds delivery of an outcome record.
	SinkTimeout time.Duration
	// SubscriberBuffer is the channel size handed to subscribers.
	SubscriberBuffer int
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() *Config {
	return &Config{
		Bus:              "default",
		PublishTimeout:   30 * time.Second,
		SinkTimeout:      10 * time.Second,
		SubscriberBuffer: 64,
	}
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the clock used for waits and timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithSink sets the observability sink.
func WithSink(s sink.Sink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// WithMetrics sets the Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithIDGenerator sets the execution ID generator.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// Stats holds orchestrator counters.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Resumed   int64 `json:"resumed"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
	Active    int   `json:"active"`
}

type counters struct {
	submitted atomic.Int64
	resumed   atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
}

// run is the in-memory handle of an execution owned by this process.
// exec and cancelRequested are guarded by mu.
type run struct {
	mu              sync.Mutex
	exec            *models.Execution
	cancelRequested bool
	cancel          context.CancelCauseFunc
	done            chan struct{}
}

func (r *run) snapshot() *models.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec.Clone()
}

func (r *run) cancelPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelRequested
}

func (r *run) state() models.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec.State
}

// Orchestrator runs each replay execution in its own goroutine.
type Orchestrator struct {
	store     storage.ExecutionStore
	calc      pacing.Calculator
	publisher publisher.Publisher
	sink      sink.Sink
	clock     clock.Clock
	suspender *suspend.Suspender
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	cfg       Config
	newID     func() string

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	running  map[string]*run
	keys     map[string]string // replay/event key -> execution ID, running only
	stopping bool

	subsMu sync.Mutex
	subs   map[int]chan *models.Execution
	nextID int

	counters counters
}

// New creates a new Orchestrator.
func New(store storage.ExecutionStore, calc pacing.Calculator, pub publisher.Publisher, logger zerolog.Logger, cfg *Config, opts ...Option) *Orchestrator {
	defaults := DefaultConfig()
	if cfg == nil {
		cfg = defaults
	}
	c := *cfg
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = defaults.PublishTimeout
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaults.SinkTimeout
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = defaults.SubscriberBuffer
	}
	ctx, cancel := context.WithCancelCause(context.Background())

	o := &Orchestrator{
		store:     store,
		calc:      calc,
		publisher: pub,
		sink:      sink.Discard{},
		clock:     clock.New(),
		logger:    logger.With().Str("component", "orchestrator").Logger(),
		cfg:       c,
		newID:     newExecutionID,
		ctx:       ctx,
		cancel:    cancel,
		running:   make(map[string]*run),
		keys:      make(map[string]string),
		subs:      make(map[int]chan *models.Execution),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.suspender = suspend.New(o.clock)
	return o
}

// newExecutionID returns a time-ordered ID so stores can list newest first by key.
func newExecutionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func dedupeKey(rc models.ReplayContext) string {
	if rc.Event.ID == "" {
		return ""
	}
	return rc.ReplayName + "/" + rc.Event.ID
}

// Submit starts a new execution for rc and returns its initial snapshot.
// If the same archived event of the same replay is already running here,
// the running execution is returned with ErrExecutionExists.
func (o *Orchestrator) Submit(ctx context.Context, rc models.ReplayContext) (*models.Execution, error) {
	if err := rc.Event.Validate(); err != nil {
		return nil, err
	}
	if rc.AttemptIndex < 0 {
		return nil, fmt.Errorf("%w: attempt index %d is negative", models.ErrInvalidEvent, rc.AttemptIndex)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := dedupeKey(rc)
	o.mu.Lock()
	if o.stopping {
		o.mu.Unlock()
		return nil, models.ErrShuttingDown
	}
	if id, ok := o.keys[key]; ok && key != "" {
		r := o.running[id]
		o.mu.Unlock()
		if r == nil {
			// Still being persisted by a concurrent Submit.
			return nil, models.ErrExecutionExists
		}
		return r.snapshot(), models.ErrExecutionExists
	}
	exec := models.NewExecution(o.newID(), rc, o.clock.Now())
	exec.NodeID = o.cfg.NodeID
	if key != "" {
		o.keys[key] = exec.ID
	}
	o.mu.Unlock()

	snap := exec.Clone()
	err := o.store.SaveExecution(exec)
	if err != nil {
		err = fmt.Errorf("save execution: %w", err)
	} else {
		err = o.launch(exec)
	}
	if err != nil {
		o.mu.Lock()
		delete(o.keys, key)
		o.mu.Unlock()
		return nil, err
	}
	o.counters.submitted.Add(1)
	o.notify(snap)

	o.logger.Info().
		Str("execution_id", snap.ID).
		Str("replay_name", snap.ReplayName).
		Str("event_id", rc.Event.ID).
		Msg("Execution submitted")

	return snap, nil
}

// Resume relaunches every non-terminal execution found in the store. Each one
// re-enters the state it was persisted in.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	active, err := o.store.ListActive()
	if err != nil {
		return 0, fmt.Errorf("list active executions: %w", err)
	}

	resumed := 0
	for _, exec := range active {
		if err := ctx.Err(); err != nil {
			return resumed, err
		}

		o.mu.Lock()
		_, running := o.running[exec.ID]
		if !running {
			if key := dedupeKey(exec.Context); key != "" {
				o.keys[key] = exec.ID
			}
		}
		o.mu.Unlock()
		if running {
			continue
		}

		o.logger.Info().
			Str("execution_id", exec.ID).
			Str("replay_name", exec.ReplayName).
			Str("state", string(exec.State)).
			Msg("Resuming execution")

		if err := o.launch(exec); err != nil {
			return resumed, err
		}
		resumed++
		o.counters.resumed.Add(1)
	}
	return resumed, nil
}

// launch registers exec and starts its goroutine.
func (o *Orchestrator) launch(exec *models.Execution) error {
	ctx, cancel := context.WithCancelCause(o.ctx)
	r := &run{exec: exec, cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	if o.stopping {
		o.mu.Unlock()
		cancel(models.ErrShuttingDown)
		return models.ErrShuttingDown
	}
	o.running[exec.ID] = r
	o.wg.Add(1)
	o.mu.Unlock()

	o.metrics.ExecutionStarted()
	go o.execute(ctx, r)
	return nil
}

// Cancel requests cancellation of an execution and waits for it to settle.
// Only executions that have not started publishing can be cancelled; an
// accepted cancel always ends in the cancelled state without publishing.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*models.Execution, error) {
	o.mu.Lock()
	r, ok := o.running[id]
	o.mu.Unlock()

	if !ok {
		exec, err := o.store.GetExecution(id)
		if err != nil {
			return nil, err
		}
		if exec.State.IsTerminal() || !exec.State.Cancellable() {
			return exec, models.ErrNotCancellable
		}
		// Persisted but not running on this node: cancel it in place.
		return o.cancelPersisted(exec)
	}

	r.mu.Lock()
	if !r.exec.State.Cancellable() {
		snap := r.exec.Clone()
		r.mu.Unlock()
		return snap, models.ErrNotCancellable
	}
	r.cancelRequested = true
	r.mu.Unlock()
	r.cancel(models.ErrCancelled)

	o.logger.Info().Str("execution_id", id).Msg("Cancel requested")

	select {
	case <-r.done:
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}

	// The run may have parked for shutdown before it saw the cancel. The
	// persisted record must not be resumed.
	snap := r.snapshot()
	if !snap.State.IsTerminal() && snap.State.Cancellable() {
		return o.cancelPersisted(snap)
	}
	return snap, nil
}

// cancelPersisted moves a stored execution that no goroutine owns to cancelled.
func (o *Orchestrator) cancelPersisted(exec *models.Execution) (*models.Execution, error) {
	if err := exec.Advance(models.StateCancelled, o.clock.Now(), "cancel requested"); err != nil {
		return exec, err
	}
	if err := o.store.SaveExecution(exec); err != nil {
		return nil, fmt.Errorf("save execution: %w", err)
	}
	o.counters.cancelled.Add(1)
	o.notify(exec)
	return exec, nil
}

// Get returns the current snapshot of an execution.
func (o *Orchestrator) Get(id string) (*models.Execution, error) {
	o.mu.Lock()
	r, ok := o.running[id]
	o.mu.Unlock()
	if ok {
		return r.snapshot(), nil
	}
	return o.store.GetExecution(id)
}

// List returns persisted executions newest first.
func (o *Orchestrator) List(opts storage.ListOptions) ([]*models.Execution, error) {
	return o.store.ListExecutions(opts)
}

// Wait blocks until the execution stops running on this node, normally because
// it reached a terminal state, or until ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*models.Execution, error) {
	o.mu.Lock()
	r, ok := o.running[id]
	o.mu.Unlock()
	if !ok {
		return o.store.GetExecution(id)
	}

	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
}

// Subscribe returns a channel of execution snapshots, one per state change,
// and a function that ends the subscription. Slow subscribers miss updates.
func (o *Orchestrator) Subscribe() (<-chan *models.Execution, func()) {
	ch := make(chan *models.Execution, o.cfg.SubscriberBuffer)

	o.subsMu.Lock()
	id := o.nextID
	o.nextID++
	o.subs[id] = ch
	o.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.subsMu.Lock()
			delete(o.subs, id)
			o.subsMu.Unlock()
			close(ch)
		})
	}
}

func (o *Orchestrator) notify(exec *models.Execution) {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()

	for _, ch := range o.subs {
		select {
		case ch <- exec.Clone():
		default:
			o.logger.Warn().Str("execution_id", exec.ID).Msg("Subscriber buffer full, dropping update")
		}
	}
}

// Stats returns a snapshot of the orchestrator counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	active := len(o.running)
	o.mu.Unlock()

	return Stats{
		Submitted: o.counters.submitted.Load(),
		Resumed:   o.counters.resumed.Load(),
		Succeeded: o.counters.succeeded.Load(),
		Failed:    o.counters.failed.Load(),
		Cancelled: o.counters.cancelled.Load(),
		Active:    active,
	}
}

// Stop rejects new submissions and interrupts waiting executions, leaving them
// at their persisted state for a later Resume. Publishes already in flight
// complete. Stop returns once every goroutine has exited or ctx is done.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	o.stopping = true
	o.mu.Unlock()

	o.logger.Info().Msg("Stopping orchestrator")
	o.cancel(models.ErrShuttingDown)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
