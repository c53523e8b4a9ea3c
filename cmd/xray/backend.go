package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"github.com/animus-labs/xray-go/internal/repo"
	"github.com/animus-labs/xray-go/internal/repo/sqlite"
	"github.com/animus-labs/xray-go/internal/service/trails"
	"github.com/animus-labs/xray-go/pkg/client"
	"github.com/animus-labs/xray-go/pkg/delivery"
	"github.com/animus-labs/xray-go/pkg/diff"
	"github.com/animus-labs/xray-go/pkg/trail"
)

// backend is what the commands need, served either by a collector or by a
// local sqlite file.
type backend interface {
	delivery.Sink
	GetTrail(ctx context.Context, executionID string) (trail.Trail, error)
	ListExecutions(ctx context.Context, limit int) ([]trail.Execution, error)
	Search(ctx context.Context, text string, limit int) ([]trail.Execution, error)
	Diff(ctx context.Context, baselineID, candidateID string) (diff.ExecutionDiff, error)
	Close() error
}

func openBackend(cmd *cobra.Command) (backend, error) {
	path, _ := cmd.Flags().GetString("db")
	if path != "" {
		store, err := sqlite.Open(path)
		if err != nil {
			return nil, err
		}
		return &localBackend{Service: trails.New(store), store: store}, nil
	}
	cfg, err := client.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	c, err := client.New(cfg)
	if err != nil {
		return nil, err
	}
	return remoteBackend{c}, nil
}

type remoteBackend struct {
	*client.Client
}

func (remoteBackend) Close() error { return nil }

type localBackend struct {
	*trails.Service
	store repo.TrailStore
}

func (b *localBackend) GetTrail(ctx context.Context, executionID string) (trail.Trail, error) {
	return b.Get(ctx, executionID)
}

func (b *localBackend) ListExecutions(ctx context.Context, limit int) ([]trail.Execution, error) {
	return b.List(ctx, repo.ExecutionFilter{Limit: limit})
}

func (b *localBackend) Search(ctx context.Context, text string, limit int) ([]trail.Execution, error) {
	return b.Service.Search(ctx, repo.SearchQuery{Text: text, Limit: limit})
}

func (b *localBackend) Close() error {
	return b.store.Close()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
