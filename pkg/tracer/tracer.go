// Package tracer records decision trails from host code.
//
// A Tracer is constructed once per process and passed down explicitly (or
// through a context with WithContext). Host code opens an execution with
// StartExecution and wraps each decision in a step scope, either with Do or
// with Begin and a deferred End. The scope always closes its step: SUCCESS on
// a normal return, ERROR when the wrapped code returns an error or panics.
// The host's error or panic is passed through unchanged.
//
// Tracing never fails the host. Every internal failure (payload
// normalization, redaction, buffer overflow, unreachable storage) is contained
// in one place, logged, and counted in Stats. Finished records are redacted
// on the caller's goroutine and queued in memory; a background retrier
// delivers them to the Sink.
//
// Steps of one execution are released for delivery in the order they were
// opened. A step that closes before an earlier-opened sibling waits until
// that sibling closes too.
package tracer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/animus-labs/xray-go/pkg/buffer"
	"github.com/animus-labs/xray-go/pkg/delivery"
	"github.com/animus-labs/xray-go/pkg/redact"
	"github.com/animus-labs/xray-go/pkg/trail"
)

const instrumentationName = "github.com/animus-labs/xray-go/pkg/tracer"

var (
	ErrClosed     = errors.New("tracer closed")
	ErrBufferFull = errors.New("trace buffer full")
)

// Stats is a point-in-time view of tracer counters.
type Stats struct {
	ExecutionsStarted uint64
	StepsRecorded     uint64
	InternalErrors    uint64
	Evicted           uint64
	// Waiting counts closed steps held back behind an earlier open sibling.
	Waiting  int
	Buffer   buffer.Stats
	Delivery delivery.Stats
}

type Option func(*Tracer)

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracer) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithRedactor replaces the engine built from Config.RedactionPolicy.
func WithRedactor(e *redact.Engine) Option {
	return func(t *Tracer) {
		if e != nil {
			t.redactor = e
		}
	}
}

// WithTracerProvider mirrors every step as an OpenTelemetry span.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(t *Tracer) {
		if tp != nil {
			t.spans = tp.Tracer(instrumentationName)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracer) {
		if now != nil {
			t.now = now
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(t *Tracer) {
		if newID != nil {
			t.newID = newID
		}
	}
}

type Tracer struct {
	cfg      Config
	logger   *slog.Logger
	redactor *redact.Engine
	spans    trace.Tracer
	now      func() time.Time
	newID    func() string

	buf     *buffer.Buffer
	retrier *delivery.Retrier

	mu      sync.Mutex
	seq     int64
	pending map[string]*openQueue
	// held counts closed step records in pending; holdLimit caps it.
	held      int
	holdLimit int

	closed            atomic.Bool
	executionsStarted atomic.Uint64
	stepsRecorded     atomic.Uint64
	internalErrors    atomic.Uint64
	evicted           atomic.Uint64
}

// openQueue holds the steps of one execution in open order until they can be
// released.
type openQueue struct {
	slots []*slot
}

type slot struct {
	seq  int64
	done bool
	rec  *trail.Step
}

// New builds a Tracer delivering to sink and starts its retrier. Only
// configuration errors are returned.
func New(sink delivery.Sink, cfg Config, opts ...Option) (*Tracer, error) {
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	if cfg.App == "" {
		cfg.App = DefaultConfig().App
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Tracer{
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
		newID:   uuid.NewString,
		pending: make(map[string]*openQueue),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.redactor == nil {
		engine, err := cfg.redactor()
		if err != nil {
			return nil, fmt.Errorf("redaction policy: %w", err)
		}
		t.redactor = engine
	}

	t.buf = buffer.New(cfg.BufferCapacity)
	t.holdLimit = cfg.BufferCapacity
	if t.holdLimit < 1 {
		t.holdLimit = buffer.DefaultCapacity
	}
	t.retrier = delivery.NewRetrier(t.buf, sink, cfg.deliveryConfig(), t.logger)
	if !cfg.Disabled {
		t.retrier.Start()
	}
	return t, nil
}

// ExecutionOption adjusts an execution at StartExecution.
type ExecutionOption func(*trail.Execution)

func WithTags(tags ...string) ExecutionOption {
	return func(e *trail.Execution) {
		e.Tags = trail.MergeTags(e.Tags, tags...)
	}
}

// WithExecutionID uses id instead of a generated one.
func WithExecutionID(id string) ExecutionOption {
	return func(e *trail.Execution) {
		if id != "" {
			e.ExecutionID = id
		}
	}
}

// StartExecution queues a new execution and returns its id. It never fails;
// an execution whose record could not be queued still gets an id.
func (t *Tracer) StartExecution(ctx context.Context, name string, metadata map[string]any, opts ...ExecutionOption) string {
	if t == nil {
		return uuid.NewString()
	}
	exec := trail.Execution{
		ExecutionID: t.newID(),
		Name:        name,
		App:         t.cfg.App,
		CreatedAtMs: trail.ToMillis(t.now()),
	}
	for _, opt := range opts {
		opt(&exec)
	}
	exec.Tags = trail.MergeTags(exec.Tags, t.cfg.DefaultTags...)
	if t.cfg.Disabled {
		return exec.ExecutionID
	}

	t.contain("start execution", exec.ExecutionID, func() error {
		exec.Metadata = t.payload(metadata)
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			exec.Metadata["otel_trace_id"] = sc.TraceID().String()
		}
		err := t.enqueue(trail.Record{Kind: trail.RecordExecution, Execution: &exec})
		if !errors.Is(err, ErrClosed) {
			t.executionsStarted.Add(1)
		}
		return err
	})
	return exec.ExecutionID
}

// Do runs fn inside a step scope. The error returned by fn, or its panic, is
// recorded on the step and then passed through unchanged.
func (t *Tracer) Do(ctx context.Context, executionID, name string, input map[string]any, fn func(context.Context, *Step) error) (err error) {
	s, ctx := t.Begin(ctx, executionID, name, input)
	defer s.End(&err)
	return fn(ctx, s)
}

// Begin opens a step. The caller must defer End on the returned step:
//
//	s, ctx := t.Begin(ctx, execID, "rank", input)
//	defer s.End(&err)
//
// Begin on a nil or disabled Tracer returns a nil *Step, whose methods are
// no-ops.
func (t *Tracer) Begin(ctx context.Context, executionID, name string, input map[string]any) (*Step, context.Context) {
	if t == nil || t.cfg.Disabled {
		return nil, ctx
	}

	s := &Step{
		t:           t,
		executionID: executionID,
		name:        name,
		stepID:      t.newID(),
		started:     t.now(),
	}
	t.contain("open step", executionID, func() error {
		s.input = t.payload(input)
		return nil
	})
	s.slot = t.open(executionID)
	if t.spans != nil {
		ctx, s.span = t.spans.Start(ctx, name, trace.WithAttributes(spanAttributes(s)...))
	}
	return s, contextWithStep(ctx, s)
}

// Flush delivers everything queued so far, bounded by ctx.
func (t *Tracer) Flush(ctx context.Context) error {
	if t == nil {
		return nil
	}
	return t.retrier.Flush(ctx)
}

// Close stops accepting records, releases closed steps still waiting on an
// abandoned sibling, and makes a final delivery attempt bounded by ctx.
func (t *Tracer) Close(ctx context.Context) error {
	if t == nil || !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.mu.Lock()
	abandoned := 0
	for execID, q := range t.pending {
		for _, sl := range q.slots {
			if !sl.done {
				abandoned++
				continue
			}
			if sl.rec != nil {
				t.buf.Push(trail.Record{Kind: trail.RecordStep, Step: sl.rec, QueuedAt: t.now()})
			}
		}
		delete(t.pending, execID)
	}
	t.held = 0
	t.mu.Unlock()
	if abandoned > 0 {
		t.logger.Warn("tracer closed with open steps", "open_steps", abandoned)
	}

	if err := t.retrier.Close(ctx); err != nil {
		return fmt.Errorf("close tracer: %w", err)
	}
	return nil
}

func (t *Tracer) Stats() Stats {
	if t == nil {
		return Stats{}
	}
	t.mu.Lock()
	waiting := 0
	for _, q := range t.pending {
		for _, sl := range q.slots {
			if sl.done && sl.rec != nil {
				waiting++
			}
		}
	}
	t.mu.Unlock()
	return Stats{
		ExecutionsStarted: t.executionsStarted.Load(),
		StepsRecorded:     t.stepsRecorded.Load(),
		InternalErrors:    t.internalErrors.Load(),
		Evicted:           t.evicted.Load(),
		Waiting:           waiting,
		Buffer:            t.buf.Stats(),
		Delivery:          t.retrier.Stats(),
	}
}

// contain runs op and turns any failure, including a panic, into a logged
// no-op. It is the only place tracing-internal errors are absorbed.
func (t *Tracer) contain(op, executionID string, fn func() error) {
	defer func() {
		if v := recover(); v != nil {
			t.internalErrors.Add(1)
			t.logger.Error("tracing failure contained",
				"op", op,
				"execution_id", executionID,
				"panic", fmt.Sprint(v),
			)
		}
	}()
	if err := fn(); err != nil {
		t.internalErrors.Add(1)
		t.logger.Warn("tracing failure contained",
			"op", op,
			"execution_id", executionID,
			"error", err.Error(),
		)
	}
}

// open reserves a slot for a new step. Slots are appended under the same
// lock that assigns seq, so queue order equals seq order.
func (t *Tracer) open(executionID string) *slot {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	sl := &slot{seq: t.seq}
	q := t.pending[executionID]
	if q == nil {
		q = &openQueue{}
		t.pending[executionID] = q
	}
	q.slots = append(q.slots, sl)
	return sl
}

// complete marks sl closed with rec (nil when the record was lost) and
// pushes every leading closed slot of the execution into the buffer.
func (t *Tracer) complete(executionID string, sl *slot, rec *trail.Step) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	sl.done = true
	sl.rec = rec
	if t.closed.Load() {
		delete(t.pending, executionID)
		return ErrClosed
	}
	q := t.pending[executionID]
	if q == nil {
		return fmt.Errorf("no open queue for execution %s", executionID)
	}
	if rec != nil {
		t.held++
	}

	var errs []error
	released := 0
	for _, head := range q.slots {
		if !head.done {
			break
		}
		released++
		if head.rec == nil {
			continue
		}
		t.held--
		err := t.enqueueLocked(trail.Record{Kind: trail.RecordStep, Step: head.rec})
		if err != nil {
			errs = append(errs, err)
		}
		if !errors.Is(err, ErrClosed) {
			t.stepsRecorded.Add(1)
		}
	}
	q.slots = q.slots[released:]
	if len(q.slots) == 0 {
		delete(t.pending, executionID)
	}
	for t.held > t.holdLimit {
		errs = append(errs, t.evictHeldLocked())
	}
	return errors.Join(errs...)
}

// evictHeldLocked drops the oldest closed record waiting behind an open
// sibling. A closed slot never blocks release, so removing it leaves the
// open order of the remaining siblings intact.
func (t *Tracer) evictHeldLocked() error {
	var (
		oldest *slot
		owner  *openQueue
		at     int
	)
	for _, q := range t.pending {
		for i, sl := range q.slots {
			if sl.done && sl.rec != nil {
				if oldest == nil || sl.seq < oldest.seq {
					oldest, owner, at = sl, q, i
				}
				break
			}
		}
	}
	if oldest == nil {
		t.held = 0
		return nil
	}
	rec := oldest.rec
	owner.slots = append(owner.slots[:at], owner.slots[at+1:]...)
	t.held--
	t.evicted.Add(1)
	return fmt.Errorf("%w: evicted held step %s of execution %s", ErrBufferFull, rec.StepID, rec.ExecutionID)
}

func (t *Tracer) enqueue(rec trail.Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enqueueLocked(rec)
}

func (t *Tracer) enqueueLocked(rec trail.Record) error {
	if t.closed.Load() {
		return ErrClosed
	}
	rec.QueuedAt = t.now()
	if evicted, ok := t.buf.Push(rec); ok {
		t.evicted.Add(1)
		return fmt.Errorf("%w: evicted %s record of execution %s", ErrBufferFull, evicted.Record.Kind, evicted.Record.ExecutionID())
	}
	return nil
}

// payload redacts p and checks it can be encoded. An unencodable payload is
// replaced wholesale by the redaction marker.
func (t *Tracer) payload(p map[string]any) trail.Payload {
	out := t.redactor.RedactMap(p)
	if _, err := json.Marshal(out); err != nil {
		t.internalErrors.Add(1)
		t.logger.Warn("payload not serializable", "error", err.Error())
		return trail.Payload{"payload": redact.Marker}
	}
	return out
}
