package postgres

import (
	"reflect"
	"testing"
)

func TestConfigFromEnvDefaults(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
}

func TestConfigValidateRejectsIdleAboveOpen(t *testing.T) {
	t.Setenv("XRAY_DATABASE_MAX_OPEN_CONNS", "2")
	t.Setenv("XRAY_DATABASE_MAX_IDLE_CONNS", "3")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestSplitStatements(t *testing.T) {
	script := `-- header
CREATE TABLE a (
    id TEXT
);

CREATE INDEX a_idx ON a (id);
SELECT 1`
	got := SplitStatements(script)
	want := []string{
		"CREATE TABLE a (\n    id TEXT\n)",
		"CREATE INDEX a_idx ON a (id)",
		"SELECT 1",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("SplitStatements()=%q, want %q", got, want)
	}
}
