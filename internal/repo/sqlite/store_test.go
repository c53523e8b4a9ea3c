package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/animus-labs/xray-go/internal/repo"
	"github.com/animus-labs/xray-go/pkg/trail"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "trails.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func testExecution(id string, createdAt int64) trail.Execution {
	return trail.Execution{
		ExecutionID: id,
		Name:        "competitor_selection",
		App:         "shop",
		CreatedAtMs: createdAt,
		Metadata:    trail.Payload{"product": "steel bottle"},
		Tags:        []string{"nightly"},
	}
}

func testStep(execID, stepID, name string, seq int64) trail.Step {
	return trail.Step{
		StepID:      stepID,
		ExecutionID: execID,
		Name:        name,
		Seq:         seq,
		Status:      trail.StatusSuccess,
		StartedAtMs: 1000 + seq,
		EndedAtMs:   1010 + seq,
		DurationMs:  10,
		Input:       trail.Payload{"query": "bottle"},
		Output:      trail.Payload{"count": 3},
		Artifacts:   trail.Payload{},
	}
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(""); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestOpenIsRerunnable(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "trails.db")
	first, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = first.Close()

	second, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = second.Close()
}

func TestTrailRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	if err := store.CreateExecution(ctx, testExecution("exec-1", 100)); err != nil {
		t.Fatalf("create execution: %v", err)
	}

	failed := testStep("exec-1", "s2", "apply_filters", 2)
	failed.Status = trail.StatusError
	failed.Error = &trail.ErrorInfo{Type: "timeout", Message: "upstream slow"}
	failed.Reasoning = "dropped items under 4 stars"

	// Inserted out of order; reads come back by seq.
	for _, st := range []trail.Step{failed, testStep("exec-1", "s1", "keyword_generation", 1)} {
		if err := store.AppendStep(ctx, st); err != nil {
			t.Fatalf("append step %s: %v", st.StepID, err)
		}
	}

	got, err := store.GetTrail(ctx, "exec-1")
	if err != nil {
		t.Fatalf("get trail: %v", err)
	}
	if got.Execution.Metadata["product"] != "steel bottle" {
		t.Fatalf("metadata = %v", got.Execution.Metadata)
	}
	if len(got.Execution.Tags) != 1 || got.Execution.Tags[0] != "nightly" {
		t.Fatalf("tags = %v", got.Execution.Tags)
	}
	if len(got.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(got.Steps))
	}
	if got.Steps[0].StepID != "s1" || got.Steps[1].StepID != "s2" {
		t.Fatalf("order = %s,%s", got.Steps[0].StepID, got.Steps[1].StepID)
	}
	if got.Steps[0].Output["count"] != json.Number("3") {
		t.Fatalf("output count = %#v", got.Steps[0].Output["count"])
	}
	if got.Steps[0].Error != nil {
		t.Fatalf("success step error = %+v", got.Steps[0].Error)
	}
	if got.Steps[1].Error == nil || got.Steps[1].Error.Message != "upstream slow" {
		t.Fatalf("error = %+v", got.Steps[1].Error)
	}
	if got.Steps[1].Reasoning != failed.Reasoning {
		t.Fatalf("reasoning = %q", got.Steps[1].Reasoning)
	}
}

func TestWritesAreIdempotent(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	exec := testExecution("exec-1", 100)
	st := testStep("exec-1", "s1", "rank", 1)
	for i := 0; i < 2; i++ {
		if err := store.CreateExecution(ctx, exec); err != nil {
			t.Fatalf("create execution #%d: %v", i, err)
		}
		if err := store.AppendStep(ctx, st); err != nil {
			t.Fatalf("append step #%d: %v", i, err)
		}
	}
	got, err := store.GetTrail(ctx, "exec-1")
	if err != nil {
		t.Fatalf("get trail: %v", err)
	}
	if len(got.Steps) != 1 {
		t.Fatalf("steps = %d, want 1", len(got.Steps))
	}
}

func TestAppendStepUnknownExecution(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	err := store.AppendStep(context.Background(), testStep("missing", "s1", "rank", 1))
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("append step err = %v, want ErrNotFound", err)
	}
}

func TestAppendStepRejectsInvalid(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	st := testStep("exec-1", "s1", "rank", 1)
	st.Status = trail.StatusError
	if err := store.AppendStep(context.Background(), st); !errors.Is(err, repo.ErrInvalid) {
		t.Fatalf("append step err = %v, want ErrInvalid", err)
	}
}

func TestGetTrailNotFound(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	if _, err := store.GetTrail(context.Background(), "nope"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("get trail err = %v, want ErrNotFound", err)
	}
}

func TestListExecutionsNewestFirstWithFilters(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	older := testExecution("exec-old", 100)
	newer := testExecution("exec-new", 200)
	newer.Tags = []string{"canary"}
	other := testExecution("exec-other", 300)
	other.App = "billing"
	for _, e := range []trail.Execution{older, newer, other} {
		if err := store.CreateExecution(ctx, e); err != nil {
			t.Fatalf("create %s: %v", e.ExecutionID, err)
		}
	}

	got, err := store.ListExecutions(ctx, repo.ExecutionFilter{App: "shop"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ExecutionID != "exec-new" || got[1].ExecutionID != "exec-old" {
		t.Fatalf("list = %+v", got)
	}

	tagged, err := store.ListExecutions(ctx, repo.ExecutionFilter{Tag: "canary"})
	if err != nil {
		t.Fatalf("list by tag: %v", err)
	}
	if len(tagged) != 1 || tagged[0].ExecutionID != "exec-new" {
		t.Fatalf("tagged = %+v", tagged)
	}

	limited, err := store.ListExecutions(ctx, repo.ExecutionFilter{Limit: 1})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 || limited[0].ExecutionID != "exec-other" {
		t.Fatalf("limited = %+v", limited)
	}
}

func TestSearchExecutions(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	for _, e := range []trail.Execution{testExecution("exec-1", 100), testExecution("exec-2", 200)} {
		if err := store.CreateExecution(ctx, e); err != nil {
			t.Fatalf("create %s: %v", e.ExecutionID, err)
		}
	}
	st := testStep("exec-1", "s1", "llm_relevance_evaluation", 1)
	st.Reasoning = "rejected 100%_cotton listing"
	if err := store.AppendStep(ctx, st); err != nil {
		t.Fatalf("append: %v", err)
	}

	cases := map[string][]string{
		"relevance":    {"exec-1"},
		"100%_cotton":  {"exec-1"},
		"100%":         {"exec-1"},
		"steel bottle": {"exec-2", "exec-1"},
		"x%y":          {},
	}
	for text, want := range cases {
		got, err := store.SearchExecutions(ctx, repo.SearchQuery{Text: text})
		if err != nil {
			t.Fatalf("search %q: %v", text, err)
		}
		if len(got) != len(want) {
			t.Fatalf("search %q = %d results, want %d", text, len(got), len(want))
		}
		for i := range want {
			if got[i].ExecutionID != want[i] {
				t.Fatalf("search %q [%d] = %s, want %s", text, i, got[i].ExecutionID, want[i])
			}
		}
	}

	if _, err := store.SearchExecutions(ctx, repo.SearchQuery{Text: "  "}); !errors.Is(err, repo.ErrInvalid) {
		t.Fatalf("blank search err = %v, want ErrInvalid", err)
	}
}
