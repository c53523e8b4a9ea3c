package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/animus-labs/xray-go/pkg/diff"
	"github.com/animus-labs/xray-go/pkg/trail"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("xray %s: err=%v\n%s", strings.Join(args, " "), err, out.String())
	}
	return out.String()
}

func TestCLI_DemoThenInspect(t *testing.T) {
	t.Setenv("XRAY_APP", "")
	t.Setenv("XRAY_FLUSH_INTERVAL", "5ms")
	db := filepath.Join(t.TempDir(), "xray.db")

	out := execute(t, "demo", "--db", db, "--seed", "7")
	baseID := strings.Fields(out)[0]
	out = execute(t, "demo", "--db", db, "--seed", "7", "--skip-relevance")
	candID := strings.Fields(out)[0]

	var tr trail.Trail
	if err := json.Unmarshal([]byte(execute(t, "get", "--db", db, baseID)), &tr); err != nil {
		t.Fatalf("decode get: %v", err)
	}
	if tr.Execution.App != "demo" || len(tr.Steps) != 11 {
		t.Fatalf("trail app=%s steps=%d", tr.Execution.App, len(tr.Steps))
	}

	var execs []trail.Execution
	if err := json.Unmarshal([]byte(execute(t, "list", "--db", db)), &execs); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(execs) != 2 {
		t.Fatalf("list=%d, want 2", len(execs))
	}

	if err := json.Unmarshal([]byte(execute(t, "search", "--db", db, "HydroFlask")), &execs); err != nil {
		t.Fatalf("decode search: %v", err)
	}
	if len(execs) != 2 {
		t.Fatalf("search=%d, want 2", len(execs))
	}

	var d diff.ExecutionDiff
	if err := json.Unmarshal([]byte(execute(t, "diff", "--db", db, baseID, candID)), &d); err != nil {
		t.Fatalf("decode diff: %v", err)
	}
	if d.Summary.Removed != 1 || d.Removed[0].Name != "llm_relevance_evaluation" {
		t.Fatalf("diff=%+v", d.Summary)
	}
}

func TestCLI_DemoRejectsBadFlags(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"demo", "--db", filepath.Join(t.TempDir(), "x.db"), "--failure-rate", "2"})
	root.SetOut(&bytes.Buffer{})
	if err := root.Execute(); err == nil {
		t.Fatalf("expected error")
	}
}
