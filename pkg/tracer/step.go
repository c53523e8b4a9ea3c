package tracer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/animus-labs/xray-go/pkg/trail"
)

// Step is an open step scope. All methods are safe for concurrent use and
// are no-ops on a nil *Step.
type Step struct {
	t           *Tracer
	executionID string
	name        string
	stepID      string
	started     time.Time
	slot        *slot
	span        trace.Span

	mu        sync.Mutex
	input     trail.Payload
	output    map[string]any
	reasoning string
	artifacts map[string]any
	tags      []string
	ended     bool
}

func (s *Step) ID() string {
	if s == nil {
		return ""
	}
	return s.stepID
}

func (s *Step) ExecutionID() string {
	if s == nil {
		return ""
	}
	return s.executionID
}

// SetOutput replaces the step output.
func (s *Step) SetOutput(out map[string]any) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.output = out
	s.mu.Unlock()
}

func (s *Step) SetReasoning(text string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.reasoning = text
	s.mu.Unlock()
}

// AddArtifact stores value under key, replacing an earlier artifact.
func (s *Step) AddArtifact(key string, value any) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.artifacts == nil {
		s.artifacts = make(map[string]any)
	}
	s.artifacts[key] = value
	s.mu.Unlock()
}

func (s *Step) Tag(tags ...string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.tags = trail.MergeTags(s.tags, tags...)
	s.mu.Unlock()
}

// End closes the step. It must be deferred directly so that it can observe
// a panic:
//
//	defer s.End(&err)
//
// A non-nil *errp or a panic closes the step with ERROR; the panic is raised
// again after the step is recorded. End is idempotent.
func (s *Step) End(errp *error) {
	if s == nil {
		return
	}
	if v := recover(); v != nil {
		s.finish(trail.StatusError, &trail.ErrorInfo{Type: "panic", Message: fmt.Sprint(v)}, fmt.Errorf("panic: %v", v))
		panic(v)
	}
	if errp != nil && *errp != nil {
		s.finish(trail.StatusError, errorInfo(*errp), *errp)
		return
	}
	s.finish(trail.StatusSuccess, nil, nil)
}

func (s *Step) finish(status trail.Status, info *trail.ErrorInfo, cause error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	output, artifacts, reasoning, tags := s.output, s.artifacts, s.reasoning, s.tags
	s.mu.Unlock()

	t := s.t
	ended := t.now()
	var rec *trail.Step
	t.contain("finalize step", s.executionID, func() error {
		duration := ended.Sub(s.started).Milliseconds()
		if duration < 0 {
			duration = 0
		}
		input := s.input
		if input == nil {
			input = trail.Payload{}
		}
		r := trail.Step{
			StepID:      s.stepID,
			ExecutionID: s.executionID,
			Name:        s.name,
			Seq:         s.slot.seq,
			Status:      status,
			StartedAtMs: trail.ToMillis(s.started),
			EndedAtMs:   trail.ToMillis(ended),
			DurationMs:  duration,
			Input:       input,
			Output:      t.payload(output),
			Reasoning:   t.redactor.RedactString(reasoning),
			Artifacts:   t.payload(artifacts),
			Tags:        tags,
		}
		if info != nil {
			r.Error = &trail.ErrorInfo{
				Type:    info.Type,
				Message: t.redactor.RedactString(info.Message),
			}
		}
		rec = &r
		return nil
	})
	t.contain("release step", s.executionID, func() error {
		return t.complete(s.executionID, s.slot, rec)
	})
	if s.span != nil {
		t.contain("end span", s.executionID, func() error {
			if cause != nil {
				s.span.RecordError(cause)
				s.span.SetStatus(codes.Error, cause.Error())
			} else {
				s.span.SetStatus(codes.Ok, "")
			}
			s.span.SetAttributes(attribute.String("xray.status", string(status)))
			s.span.End()
			return nil
		})
	}
}

func spanAttributes(s *Step) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("xray.execution_id", s.executionID),
		attribute.String("xray.step_id", s.stepID),
		attribute.String("xray.step_name", s.name),
	}
}

// errorInfo describes err by the type of its innermost single-wrapped cause,
// skipping the anonymous wrappers fmt.Errorf produces.
func errorInfo(err error) *trail.ErrorInfo {
	cause := err
	for {
		typ := fmt.Sprintf("%T", cause)
		if typ != "*fmt.wrapError" {
			break
		}
		next := errors.Unwrap(cause)
		if next == nil {
			break
		}
		cause = next
	}
	return &trail.ErrorInfo{
		Type:    fmt.Sprintf("%T", cause),
		Message: err.Error(),
	}
}
