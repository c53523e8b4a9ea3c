// Package diff compares two decision trails.
//
// Steps are aligned by name with a longest common subsequence, so inserted,
// removed and reordered steps do not disturb the matching of stable ones.
// Matched pairs are compared field by field. Compare is pure and safe for
// concurrent use.
package diff

import (
	"errors"
	"fmt"

	"github.com/animus-labs/xray-go/pkg/trail"
)

var ErrMalformedTrail = errors.New("malformed trail")

// MaxSteps bounds each compared trail; alignment needs a table of
// len(a)*len(b) cells.
const MaxSteps = 4096

// StepRef identifies a step by its position in one of the two trails.
type StepRef struct {
	Index  int          `json:"index"`
	StepID string       `json:"step_id"`
	Name   string       `json:"name"`
	Status trail.Status `json:"status"`
}

type StatusChange struct {
	Before trail.Status `json:"before"`
	After  trail.Status `json:"after"`
}

// DurationChange is reported for every matched pair, changed or not.
type DurationChange struct {
	BeforeMs int64 `json:"before_ms"`
	AfterMs  int64 `json:"after_ms"`
	DeltaMs  int64 `json:"delta_ms"`
}

type ReasoningChange struct {
	Before string `json:"before"`
	After  string `json:"after"`
}

type ErrorChange struct {
	Before *trail.ErrorInfo `json:"before"`
	After  *trail.ErrorInfo `json:"after"`
}

// StepDiff compares one matched pair of steps.
type StepDiff struct {
	Name      string           `json:"name"`
	Before    StepRef          `json:"before"`
	After     StepRef          `json:"after"`
	Input     []Change         `json:"input,omitempty"`
	Output    []Change         `json:"output,omitempty"`
	Artifacts []Change         `json:"artifacts,omitempty"`
	Status    *StatusChange    `json:"status,omitempty"`
	Reasoning *ReasoningChange `json:"reasoning,omitempty"`
	Error     *ErrorChange     `json:"error,omitempty"`
	Duration  DurationChange   `json:"duration"`
}

// Changed reports whether the pair differs in anything but duration.
func (d StepDiff) Changed() bool {
	return len(d.Input) > 0 || len(d.Output) > 0 || len(d.Artifacts) > 0 ||
		d.Status != nil || d.Reasoning != nil || d.Error != nil
}

type Summary struct {
	Added     int `json:"added"`
	Removed   int `json:"removed"`
	Matched   int `json:"matched"`
	Changed   int `json:"changed"`
	Unchanged int `json:"unchanged"`
}

// ExecutionDiff is the comparison of a baseline trail with a candidate.
// Removed steps come from the baseline, added steps from the candidate.
type ExecutionDiff struct {
	BaselineID  string     `json:"baseline_execution_id"`
	CandidateID string     `json:"candidate_execution_id"`
	Added       []StepRef  `json:"added"`
	Removed     []StepRef  `json:"removed"`
	Matched     []StepDiff `json:"matched"`
	Summary     Summary    `json:"summary"`
}

// Compare diffs baseline a against candidate b.
func Compare(a, b trail.Trail) (ExecutionDiff, error) {
	if err := Validate(a); err != nil {
		return ExecutionDiff{}, fmt.Errorf("baseline: %w", err)
	}
	if err := Validate(b); err != nil {
		return ExecutionDiff{}, fmt.Errorf("candidate: %w", err)
	}

	out := ExecutionDiff{
		BaselineID:  a.Execution.ExecutionID,
		CandidateID: b.Execution.ExecutionID,
		Added:       []StepRef{},
		Removed:     []StepRef{},
		Matched:     []StepDiff{},
	}
	for _, op := range align(a.Steps, b.Steps) {
		switch {
		case op.a >= 0 && op.b >= 0:
			sd := compareSteps(ref(a.Steps, op.a), ref(b.Steps, op.b), a.Steps[op.a], b.Steps[op.b])
			out.Matched = append(out.Matched, sd)
			if sd.Changed() {
				out.Summary.Changed++
			} else {
				out.Summary.Unchanged++
			}
		case op.a >= 0:
			out.Removed = append(out.Removed, ref(a.Steps, op.a))
		default:
			out.Added = append(out.Added, ref(b.Steps, op.b))
		}
	}
	out.Summary.Added = len(out.Added)
	out.Summary.Removed = len(out.Removed)
	out.Summary.Matched = len(out.Matched)
	return out, nil
}

// Validate checks that t is a well-formed trail: every step belongs to the
// execution, step ids are unique and statuses are known.
func Validate(t trail.Trail) error {
	execID := t.Execution.ExecutionID
	if execID == "" {
		return fmt.Errorf("%w: missing execution id", ErrMalformedTrail)
	}
	if len(t.Steps) > MaxSteps {
		return fmt.Errorf("%w: %d steps exceeds the %d step limit", ErrMalformedTrail, len(t.Steps), MaxSteps)
	}
	seen := make(map[string]struct{}, len(t.Steps))
	for i, s := range t.Steps {
		if s.ExecutionID != "" && s.ExecutionID != execID {
			return fmt.Errorf("%w: step %d (%s) belongs to execution %s", ErrMalformedTrail, i, s.StepID, s.ExecutionID)
		}
		if !s.Status.Valid() {
			return fmt.Errorf("%w: step %d (%s) has status %q", ErrMalformedTrail, i, s.StepID, s.Status)
		}
		if s.StepID == "" {
			continue
		}
		if _, dup := seen[s.StepID]; dup {
			return fmt.Errorf("%w: duplicate step id %s", ErrMalformedTrail, s.StepID)
		}
		seen[s.StepID] = struct{}{}
	}
	return nil
}

func ref(steps []trail.Step, i int) StepRef {
	return StepRef{Index: i, StepID: steps[i].StepID, Name: steps[i].Name, Status: steps[i].Status}
}

func compareSteps(before, after StepRef, a, b trail.Step) StepDiff {
	sd := StepDiff{
		Name:      a.Name,
		Before:    before,
		After:     after,
		Input:     Payloads(a.Input, b.Input),
		Output:    Payloads(a.Output, b.Output),
		Artifacts: Payloads(a.Artifacts, b.Artifacts),
		Duration: DurationChange{
			BeforeMs: a.DurationMs,
			AfterMs:  b.DurationMs,
			DeltaMs:  b.DurationMs - a.DurationMs,
		},
	}
	if a.Status != b.Status {
		sd.Status = &StatusChange{Before: a.Status, After: b.Status}
	}
	if a.Reasoning != b.Reasoning {
		sd.Reasoning = &ReasoningChange{Before: a.Reasoning, After: b.Reasoning}
	}
	if !sameError(a.Error, b.Error) {
		sd.Error = &ErrorChange{Before: a.Error, After: b.Error}
	}
	return sd
}

func sameError(a, b *trail.ErrorInfo) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// pair is one alignment step: both indexes set for a match, one set to -1
// for a removal (b == -1) or an addition (a == -1).
type pair struct {
	a, b int
}

// align returns the LCS alignment of step names. On a tie it skips the step
// whose name sorts first, which makes align(A,B) the mirror of align(B,A).
func align(as, bs []trail.Step) []pair {
	n, m := len(as), len(bs)
	// lcs[i][j] is the LCS length of as[i:] and bs[j:].
	cells := make([]int32, (n+1)*(m+1))
	lcs := make([][]int32, n+1)
	for i := range lcs {
		lcs[i] = cells[i*(m+1) : (i+1)*(m+1)]
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if as[i].Name == bs[j].Name {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else {
				lcs[i][j] = max(lcs[i+1][j], lcs[i][j+1])
			}
		}
	}

	out := make([]pair, 0, n+m)
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case as[i].Name == bs[j].Name:
			out = append(out, pair{i, j})
			i++
			j++
		case lcs[i+1][j] > lcs[i][j+1]:
			out = append(out, pair{i, -1})
			i++
		case lcs[i][j+1] > lcs[i+1][j]:
			out = append(out, pair{-1, j})
			j++
		case as[i].Name < bs[j].Name:
			out = append(out, pair{i, -1})
			i++
		default:
			out = append(out, pair{-1, j})
			j++
		}
	}
	for ; i < n; i++ {
		out = append(out, pair{i, -1})
	}
	for ; j < m; j++ {
		out = append(out, pair{-1, j})
	}
	return out
}
