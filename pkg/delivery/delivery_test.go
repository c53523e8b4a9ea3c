package delivery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/animus-labs/xray-go/pkg/buffer"
	"github.com/animus-labs/xray-go/pkg/trail"
)

type fakeSink struct {
	mu        sync.Mutex
	delivered []string
	failures  int
	permanent bool
	block     chan struct{}
}

func (s *fakeSink) record(ctx context.Context, id string) error {
	s.mu.Lock()
	block := s.block
	s.mu.Unlock()
	if block != nil {
		<-block
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		if s.permanent {
			return Permanent(errors.New("rejected"))
		}
		return errors.New("unavailable")
	}
	s.delivered = append(s.delivered, id)
	return nil
}

func (s *fakeSink) CreateExecution(ctx context.Context, exec trail.Execution) error {
	return s.record(ctx, "exec:"+exec.ExecutionID)
}

func (s *fakeSink) AppendStep(ctx context.Context, step trail.Step) error {
	return s.record(ctx, step.StepID)
}

func (s *fakeSink) got() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.delivered...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		DeliveryTimeout: 50 * time.Millisecond,
		FlushInterval:   10 * time.Millisecond,
		InitialBackoff:  5 * time.Millisecond,
		MaxBackoff:      20 * time.Millisecond,
	}
}

func pushSteps(b *buffer.Buffer, ids ...string) {
	for _, id := range ids {
		b.Push(trail.Record{Kind: trail.RecordStep, Step: &trail.Step{StepID: id, ExecutionID: "e1"}})
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestFlush_DeliversInOrder(t *testing.T) {
	buf := buffer.New(16)
	buf.Push(trail.Record{Kind: trail.RecordExecution, Execution: &trail.Execution{ExecutionID: "e1"}})
	pushSteps(buf, "s1", "s2", "s3")

	sink := &fakeSink{}
	r := NewRetrier(buf, sink, testConfig(), testLogger())
	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() err=%v", err)
	}
	want := []string{"exec:e1", "s1", "s2", "s3"}
	if got := sink.got(); !equalStrings(got, want) {
		t.Fatalf("delivered=%v, want %v", got, want)
	}
	if buf.Len() != 0 {
		t.Fatalf("Len()=%d, want 0", buf.Len())
	}
	if st := r.Stats(); st.Delivered != 4 {
		t.Fatalf("Stats()=%+v", st)
	}
}

func TestFlush_TransientFailureKeepsRecord(t *testing.T) {
	buf := buffer.New(16)
	pushSteps(buf, "s1", "s2")

	sink := &fakeSink{failures: 1}
	r := NewRetrier(buf, sink, testConfig(), testLogger())
	if err := r.Flush(context.Background()); err == nil {
		t.Fatalf("expected flush error on transient failure")
	}
	if buf.Len() != 2 {
		t.Fatalf("Len()=%d, want 2", buf.Len())
	}
	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("second Flush() err=%v", err)
	}
	if got := sink.got(); !equalStrings(got, []string{"s1", "s2"}) {
		t.Fatalf("delivered=%v", got)
	}
	if st := r.Stats(); st.Failures != 1 || st.Delivered != 2 {
		t.Fatalf("Stats()=%+v", st)
	}
}

func TestFlush_PermanentFailureDropsRecord(t *testing.T) {
	buf := buffer.New(16)
	pushSteps(buf, "s1", "s2")

	sink := &fakeSink{failures: 1, permanent: true}
	r := NewRetrier(buf, sink, testConfig(), testLogger())
	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() err=%v", err)
	}
	if got := sink.got(); !equalStrings(got, []string{"s2"}) {
		t.Fatalf("delivered=%v, want [s2]", got)
	}
	if st := r.Stats(); st.Dropped != 1 {
		t.Fatalf("Stats()=%+v", st)
	}
}

func TestFlush_StuckSinkTimesOut(t *testing.T) {
	buf := buffer.New(16)
	pushSteps(buf, "s1")

	block := make(chan struct{})
	defer close(block)
	sink := &fakeSink{block: block}
	r := NewRetrier(buf, sink, testConfig(), testLogger())

	start := time.Now()
	err := r.Flush(context.Background())
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Flush() err=%v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("flush stalled for %v", elapsed)
	}
	if buf.Len() != 1 {
		t.Fatalf("record should remain queued, Len()=%d", buf.Len())
	}
}

func TestStart_BackgroundLoopRetries(t *testing.T) {
	buf := buffer.New(16)
	sink := &fakeSink{failures: 2}
	r := NewRetrier(buf, sink, testConfig(), testLogger())
	r.Start()
	defer r.Close(context.Background())

	pushSteps(buf, "s1", "s2")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if equalStrings(sink.got(), []string{"s1", "s2"}) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := sink.got(); !equalStrings(got, []string{"s1", "s2"}) {
		t.Fatalf("delivered=%v, want [s1 s2]", got)
	}
	if st := r.Stats(); st.Failures < 2 {
		t.Fatalf("Stats()=%+v, want at least 2 failures", st)
	}
}

func TestClose_FinalFlush(t *testing.T) {
	buf := buffer.New(16)
	sink := &fakeSink{}
	r := NewRetrier(buf, sink, Config{FlushInterval: time.Hour}, testLogger())
	r.Start()
	pushSteps(buf, "s1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close() err=%v", err)
	}
	if got := sink.got(); !equalStrings(got, []string{"s1"}) {
		t.Fatalf("delivered=%v", got)
	}
	if err := r.Close(ctx); err != nil {
		t.Fatalf("second Close() err=%v", err)
	}
}

func TestClose_ReportsUndelivered(t *testing.T) {
	buf := buffer.New(16)
	pushSteps(buf, "s1")
	sink := &fakeSink{failures: 100}
	r := NewRetrier(buf, sink, testConfig(), testLogger())
	if err := r.Close(context.Background()); err == nil {
		t.Fatalf("expected error with undelivered records")
	}
}

func TestIsPermanent(t *testing.T) {
	base := errors.New("x")
	if IsPermanent(base) {
		t.Fatalf("plain error reported permanent")
	}
	if !IsPermanent(Permanent(base)) {
		t.Fatalf("Permanent() not detected")
	}
	if !errors.Is(Permanent(base), base) {
		t.Fatalf("Permanent() should wrap the cause")
	}
}
