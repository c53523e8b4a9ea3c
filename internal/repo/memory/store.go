// Package memory is an in-process TrailStore used by tests, the demo and
// collectors started without durable storage.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/animus-labs/xray-go/internal/repo"
	"github.com/animus-labs/xray-go/pkg/trail"
)

type Store struct {
	mu         sync.RWMutex
	executions map[string]trail.Execution
	steps      map[string][]trail.Step
	stepIDs    map[string]struct{}
}

var _ repo.TrailStore = (*Store)(nil)

func New() *Store {
	return &Store{
		executions: make(map[string]trail.Execution),
		steps:      make(map[string][]trail.Step),
		stepIDs:    make(map[string]struct{}),
	}
}

func (s *Store) CreateExecution(ctx context.Context, execution trail.Execution) error {
	if err := repo.ValidateExecution(execution); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[execution.ExecutionID]; ok {
		return nil
	}
	execution.Metadata = execution.Metadata.Clone()
	execution.Tags = append([]string(nil), execution.Tags...)
	s.executions[execution.ExecutionID] = execution
	return nil
}

func (s *Store) AppendStep(ctx context.Context, step trail.Step) error {
	if err := repo.ValidateStep(step); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[step.ExecutionID]; !ok {
		return fmt.Errorf("execution %s: %w", step.ExecutionID, repo.ErrNotFound)
	}
	if _, dup := s.stepIDs[step.StepID]; dup {
		return nil
	}
	s.stepIDs[step.StepID] = struct{}{}
	s.steps[step.ExecutionID] = append(s.steps[step.ExecutionID], step)
	return nil
}

func (s *Store) GetTrail(ctx context.Context, executionID string) (trail.Trail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	execution, ok := s.executions[strings.TrimSpace(executionID)]
	if !ok {
		return trail.Trail{}, repo.ErrNotFound
	}
	steps := append([]trail.Step{}, s.steps[execution.ExecutionID]...)
	sort.SliceStable(steps, func(i, j int) bool {
		a, b := steps[i], steps[j]
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		if a.StartedAtMs != b.StartedAtMs {
			return a.StartedAtMs < b.StartedAtMs
		}
		return a.StepID < b.StepID
	})
	return trail.Trail{Execution: execution, Steps: steps}, nil
}

func (s *Store) ListExecutions(ctx context.Context, filter repo.ExecutionFilter) ([]trail.Execution, error) {
	app, name, tag := strings.TrimSpace(filter.App), strings.TrimSpace(filter.Name), strings.TrimSpace(filter.Tag)
	return s.collect(repo.NormalizeLimit(filter.Limit), func(e trail.Execution) bool {
		return (app == "" || e.App == app) && (name == "" || e.Name == name) && (tag == "" || hasTag(e.Tags, tag))
	}), nil
}

// SearchExecutions does a case-insensitive substring match over the same
// fields the SQL stores search.
func (s *Store) SearchExecutions(ctx context.Context, query repo.SearchQuery) ([]trail.Execution, error) {
	text := strings.ToLower(strings.TrimSpace(query.Text))
	if text == "" {
		return nil, fmt.Errorf("%w: search text is required", repo.ErrInvalid)
	}
	s.mu.RLock()
	matched := make(map[string]bool, len(s.executions))
	for id, e := range s.executions {
		fields := []string{e.Name, e.App, encode(e.Metadata), encodeTags(e.Tags)}
		for _, st := range s.steps[id] {
			fields = append(fields, st.Name, st.Reasoning, encode(st.Input), encode(st.Output), encode(st.Artifacts), encodeTags(st.Tags))
		}
		for _, f := range fields {
			if strings.Contains(strings.ToLower(f), text) {
				matched[id] = true
				break
			}
		}
	}
	s.mu.RUnlock()
	return s.collect(repo.NormalizeLimit(query.Limit), func(e trail.Execution) bool { return matched[e.ExecutionID] }), nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// collect returns matching executions newest first.
func (s *Store) collect(limit int, keep func(trail.Execution) bool) []trail.Execution {
	s.mu.RLock()
	out := make([]trail.Execution, 0, len(s.executions))
	for _, e := range s.executions {
		if keep(e) {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMs != out[j].CreatedAtMs {
			return out[i].CreatedAtMs > out[j].CreatedAtMs
		}
		return out[i].ExecutionID > out[j].ExecutionID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func encode(p trail.Payload) string {
	raw, _ := repo.EncodePayload(p)
	return string(raw)
}

func encodeTags(tags []string) string {
	raw, _ := repo.EncodeTags(tags)
	return string(raw)
}
