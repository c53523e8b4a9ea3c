package main

import (
	"context"
	"fmt"

	"github.com/animus-labs/xray-go/internal/platform/env"
	"github.com/animus-labs/xray-go/internal/platform/postgres"
	"github.com/animus-labs/xray-go/internal/repo"
	"github.com/animus-labs/xray-go/internal/repo/memory"
	pgstore "github.com/animus-labs/xray-go/internal/repo/postgres"
	"github.com/animus-labs/xray-go/internal/repo/sqlite"
)

// openStore picks the trail store from XRAY_STORE (sqlite, postgres or
// memory).
func openStore(ctx context.Context) (repo.TrailStore, string, error) {
	kind, err := env.OneOf("XRAY_STORE", "sqlite", "sqlite", "postgres", "memory")
	if err != nil {
		return nil, "", err
	}
	switch kind {
	case "postgres":
		cfg, err := postgres.ConfigFromEnv()
		if err != nil {
			return nil, kind, fmt.Errorf("postgres config: %w", err)
		}
		store, err := pgstore.Open(ctx, cfg)
		if err != nil {
			return nil, kind, err
		}
		return store, kind, nil
	case "memory":
		return memory.New(), kind, nil
	default:
		store, err := sqlite.Open(env.String("XRAY_SQLITE_PATH", "xray.db"))
		if err != nil {
			return nil, kind, err
		}
		return store, kind, nil
	}
}
