// Package repo defines the trail storage boundary shared by the collector,
// the trails service and the direct-to-store sink.
package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/xray-go/pkg/trail"
)

var (
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid record")
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

type ExecutionFilter struct {
	App   string
	Name  string
	Tag   string
	Limit int
}

type SearchQuery struct {
	Text  string
	Limit int
}

// TrailStore persists executions and their steps. Both writes are
// idempotent: redelivering a record with a known id is a successful no-op.
// AppendStep returns ErrNotFound when the execution does not exist.
type TrailStore interface {
	CreateExecution(ctx context.Context, execution trail.Execution) error
	AppendStep(ctx context.Context, step trail.Step) error
	GetTrail(ctx context.Context, executionID string) (trail.Trail, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]trail.Execution, error)
	SearchExecutions(ctx context.Context, query SearchQuery) ([]trail.Execution, error)
	Ping(ctx context.Context) error
	Close() error
}

// NormalizeLimit clamps limit into [1, MaxLimit], defaulting to DefaultLimit.
func NormalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

// ValidateExecution checks the fields the stores key on. Names are labels
// and may be empty.
func ValidateExecution(e trail.Execution) error {
	if strings.TrimSpace(e.ExecutionID) == "" {
		return fmt.Errorf("%w: execution id is required", ErrInvalid)
	}
	if e.CreatedAtMs <= 0 {
		return fmt.Errorf("%w: created_at_ms is required", ErrInvalid)
	}
	return nil
}

func ValidateStep(s trail.Step) error {
	if strings.TrimSpace(s.StepID) == "" {
		return fmt.Errorf("%w: step id is required", ErrInvalid)
	}
	if strings.TrimSpace(s.ExecutionID) == "" {
		return fmt.Errorf("%w: execution id is required", ErrInvalid)
	}
	if !s.Status.Valid() {
		return fmt.Errorf("%w: status must be SUCCESS or ERROR (got %q)", ErrInvalid, s.Status)
	}
	if s.EndedAtMs < s.StartedAtMs {
		return fmt.Errorf("%w: ended_at_ms before started_at_ms", ErrInvalid)
	}
	if s.DurationMs < 0 {
		return fmt.Errorf("%w: duration_ms must be >= 0", ErrInvalid)
	}
	if s.Status == trail.StatusError && s.Error == nil {
		return fmt.Errorf("%w: error is required when status is ERROR", ErrInvalid)
	}
	if s.Status == trail.StatusSuccess && s.Error != nil {
		return fmt.Errorf("%w: error must be empty when status is SUCCESS", ErrInvalid)
	}
	return nil
}
