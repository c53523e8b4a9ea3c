// Package delivery moves buffered trace records to storage in the background.
//
// The Retrier is the only component of the tracing core that performs
// blocking I/O. It delivers the head of the buffer, removes it on success and
// leaves it queued on failure, waiting a capped exponential backoff before
// the next attempt. Every attempt runs under its own timeout.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/animus-labs/xray-go/pkg/buffer"
	"github.com/animus-labs/xray-go/pkg/trail"
)

// Sink is the write half of the storage collaborator. Both calls must be
// idempotent: a record may be delivered more than once after a timeout.
type Sink interface {
	CreateExecution(ctx context.Context, execution trail.Execution) error
	AppendStep(ctx context.Context, step trail.Step) error
}

// ErrUndelivered is returned by Close and Flush when records remain queued.
var ErrUndelivered = errors.New("undelivered records remain")

// Permanent marks err as a rejection that retrying cannot fix.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

type Config struct {
	DeliveryTimeout time.Duration
	FlushInterval   time.Duration
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
}

func DefaultConfig() Config {
	return Config{
		DeliveryTimeout: 3 * time.Second,
		FlushInterval:   time.Second,
		InitialBackoff:  250 * time.Millisecond,
		MaxBackoff:      30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = def.DeliveryTimeout
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	return c
}

// Stats counts delivery outcomes.
type Stats struct {
	Delivered uint64
	Failures  uint64
	Dropped   uint64
}

type Retrier struct {
	buf    *buffer.Buffer
	sink   Sink
	cfg    Config
	logger *slog.Logger

	drainMu sync.Mutex
	bo      *backoff.ExponentialBackOff

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
	started   atomic.Bool

	delivered atomic.Uint64
	failures  atomic.Uint64
	dropped   atomic.Uint64
}

func NewRetrier(buf *buffer.Buffer, sink Sink, cfg Config, logger *slog.Logger) *Retrier {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialBackoff
	bo.MaxInterval = cfg.MaxBackoff
	bo.Reset()
	return &Retrier{
		buf:    buf,
		sink:   sink,
		cfg:    cfg,
		logger: logger,
		bo:     bo,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the background loop. Subsequent calls are no-ops.
func (r *Retrier) Start() {
	r.startOnce.Do(func() {
		r.started.Store(true)
		go r.run()
	})
}

func (r *Retrier) run() {
	defer close(r.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-r.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		retryIn, err := r.drain(ctx)
		if err != nil {
			timer := time.NewTimer(retryIn)
			select {
			case <-r.stop:
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}

		ticker := time.NewTimer(r.cfg.FlushInterval)
		select {
		case <-r.stop:
			ticker.Stop()
			return
		case <-r.buf.Notify():
			ticker.Stop()
		case <-ticker.C:
		}
	}
}

// Flush delivers queued records until the buffer is empty, a transient
// failure occurs, or ctx ends.
func (r *Retrier) Flush(ctx context.Context) error {
	if _, err := r.drain(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if n := r.buf.Len(); n > 0 {
		return fmt.Errorf("flush: %w (%d)", ErrUndelivered, n)
	}
	return nil
}

// Close stops the loop and makes one final delivery pass bounded by ctx.
// Records still queued afterwards are lost with the process.
func (r *Retrier) Close(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stop) })
	if r.started.Load() {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return r.Flush(ctx)
}

func (r *Retrier) Stats() Stats {
	return Stats{
		Delivered: r.delivered.Load(),
		Failures:  r.failures.Load(),
		Dropped:   r.dropped.Load(),
	}
}

// drain delivers from the head of the buffer. On a transient failure it
// returns the error and how long to wait before retrying.
func (r *Retrier) drain(ctx context.Context) (time.Duration, error) {
	r.drainMu.Lock()
	defer r.drainMu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return r.cfg.FlushInterval, err
		}
		entry, ok := r.buf.Peek()
		if !ok {
			return 0, nil
		}

		err := r.deliver(ctx, entry.Record)
		switch {
		case err == nil:
			r.buf.Ack(entry.Seq)
			r.delivered.Add(1)
			r.bo.Reset()
		case IsPermanent(err):
			r.buf.Ack(entry.Seq)
			r.dropped.Add(1)
			r.logger.Warn("trace record rejected",
				"kind", string(entry.Record.Kind),
				"execution_id", entry.Record.ExecutionID(),
				"error", err.Error(),
			)
		default:
			r.failures.Add(1)
			wait := r.bo.NextBackOff()
			if wait <= 0 || wait > r.cfg.MaxBackoff {
				wait = r.cfg.MaxBackoff
			}
			r.logger.Warn("trace delivery failed",
				"kind", string(entry.Record.Kind),
				"execution_id", entry.Record.ExecutionID(),
				"queued", r.buf.Len(),
				"retry_in_ms", wait.Milliseconds(),
				"error", err.Error(),
			)
			return wait, err
		}
	}
}

func (r *Retrier) deliver(parent context.Context, rec trail.Record) error {
	ctx, cancel := context.WithTimeout(parent, r.cfg.DeliveryTimeout)
	defer cancel()

	var call func(context.Context) error
	switch rec.Kind {
	case trail.RecordExecution:
		if rec.Execution == nil {
			return Permanent(errors.New("execution record without execution"))
		}
		exec := *rec.Execution
		call = func(ctx context.Context) error { return r.sink.CreateExecution(ctx, exec) }
	case trail.RecordStep:
		if rec.Step == nil {
			return Permanent(errors.New("step record without step"))
		}
		step := *rec.Step
		call = func(ctx context.Context) error { return r.sink.AppendStep(ctx, step) }
	default:
		return Permanent(fmt.Errorf("unknown record kind %q", rec.Kind))
	}

	// A sink that ignores ctx must not stall the loop past the timeout.
	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				errCh <- fmt.Errorf("sink panic: %v", v)
			}
		}()
		errCh <- call(ctx)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return fmt.Errorf("deliver %s: %w", rec.Kind, ctx.Err())
	}
}
