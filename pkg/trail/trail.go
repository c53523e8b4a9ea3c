// Package trail holds the decision trail data model shared by the tracer,
// the storage layer and the diff engine.
package trail

import (
	"strings"
	"time"
)

// Status is the terminal state of a closed step.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusError   Status = "ERROR"
)

// Valid reports whether s is one of the closed-step statuses.
func (s Status) Valid() bool {
	return s == StatusSuccess || s == StatusError
}

// NormalizeStatus maps free-form input onto a Status; unknown values return "".
func NormalizeStatus(raw string) Status {
	switch Status(strings.ToUpper(strings.TrimSpace(raw))) {
	case StatusSuccess:
		return StatusSuccess
	case StatusError:
		return StatusError
	default:
		return ""
	}
}

// Payload is an opaque structured value captured from host code.
type Payload map[string]any

// Clone returns a shallow copy; nested values are shared.
func (p Payload) Clone() Payload {
	if p == nil {
		return Payload{}
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Execution is one decision run.
type Execution struct {
	ExecutionID string   `json:"execution_id"`
	Name        string   `json:"name"`
	App         string   `json:"app"`
	CreatedAtMs int64    `json:"created_at_ms"`
	Metadata    Payload  `json:"metadata"`
	Tags        []string `json:"tags,omitempty"`
}

// CreatedAt returns the creation time in UTC.
func (e Execution) CreatedAt() time.Time {
	return FromMillis(e.CreatedAtMs)
}

// ErrorInfo describes the failure that closed a step with StatusError.
type ErrorInfo struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Step is one closed decision within an execution.
type Step struct {
	StepID      string     `json:"step_id"`
	ExecutionID string     `json:"execution_id"`
	Name        string     `json:"name"`
	Seq         int64      `json:"seq"`
	Status      Status     `json:"status"`
	StartedAtMs int64      `json:"started_at_ms"`
	EndedAtMs   int64      `json:"ended_at_ms"`
	DurationMs  int64      `json:"duration_ms"`
	Input       Payload    `json:"input"`
	Output      Payload    `json:"output"`
	Reasoning   string     `json:"reasoning,omitempty"`
	Artifacts   Payload    `json:"artifacts"`
	Error       *ErrorInfo `json:"error,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
}

// Trail is an execution together with its steps in open order.
type Trail struct {
	Execution Execution `json:"execution"`
	Steps     []Step    `json:"steps"`
}

// RecordKind distinguishes buffered delivery units.
type RecordKind string

const (
	RecordExecution RecordKind = "execution"
	RecordStep      RecordKind = "step"
)

// Record is a finalized unit waiting for delivery to storage.
type Record struct {
	Kind      RecordKind
	Execution *Execution
	Step      *Step
	QueuedAt  time.Time
}

// ExecutionID returns the execution the record belongs to.
func (r Record) ExecutionID() string {
	switch {
	case r.Execution != nil:
		return r.Execution.ExecutionID
	case r.Step != nil:
		return r.Step.ExecutionID
	default:
		return ""
	}
}

// ToMillis converts t to Unix milliseconds in UTC.
func ToMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

// FromMillis converts Unix milliseconds to a UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// MergeTags appends tags not already present, skipping blanks, preserving order.
func MergeTags(base []string, extra ...string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, group := range [][]string{base, extra} {
		for _, tag := range group {
			tag = strings.TrimSpace(tag)
			if tag == "" {
				continue
			}
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			out = append(out, tag)
		}
	}
	return out
}
