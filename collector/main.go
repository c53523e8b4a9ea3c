package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/animus-labs/xray-go/internal/archive"
	"github.com/animus-labs/xray-go/internal/platform/auth"
	"github.com/animus-labs/xray-go/internal/platform/env"
	"github.com/animus-labs/xray-go/internal/platform/httpserver"
	"github.com/animus-labs/xray-go/internal/platform/objectstore"
	"github.com/animus-labs/xray-go/internal/platform/otel"
	"github.com/animus-labs/xray-go/internal/service/trails"
	"github.com/animus-labs/xray-go/pkg/redact"
	"github.com/joho/godotenv"
)

const service = "xray-collector"

func main() {
	_ = godotenv.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, shutdownTracing, err := otel.Setup(ctx, service)
	if err != nil {
		logger.Error("invalid otel config", "error", err)
		os.Exit(2)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	serverCfg, err := httpserver.ConfigFromEnv(service)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	archiveCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid archive config", "error", err)
		os.Exit(2)
	}
	redactor, err := loadRedactor(env.String("XRAY_REDACTION_POLICY", ""))
	if err != nil {
		logger.Error("invalid redaction policy", "error", err)
		os.Exit(2)
	}

	store, storeKind, err := openStore(ctx)
	if err != nil {
		logger.Error("trail store unavailable", "store", storeKind, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	checks := []httpserver.ReadinessCheck{{
		Name:  storeKind,
		Check: httpserver.CheckWithTimeout(750*time.Millisecond, store.Ping),
	}}
	opts := []trails.Option{trails.WithLogger(logger), trails.WithRedactor(redactor)}
	if archiveCfg.Enabled() {
		objects, err := objectstore.New(archiveCfg)
		if err != nil {
			logger.Error("invalid archive config", "error", err)
			os.Exit(2)
		}
		if err := objects.EnsureBucket(ctx); err != nil {
			logger.Error("archive bucket unavailable", "bucket", objects.Bucket(), "error", err)
			os.Exit(1)
		}
		opts = append(opts, trails.WithArchiver(archive.New(objects, env.String("XRAY_ARCHIVE_PREFIX", "trails"))))
		checks = append(checks, httpserver.ReadinessCheck{
			Name:  "archive",
			Check: httpserver.CheckWithTimeout(750*time.Millisecond, objects.Check),
		})
	}

	authn, err := auth.New(ctx, authCfg)
	if err != nil {
		logger.Error("auth unavailable", "mode", authCfg.Mode, "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(service))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(service, checks...))
	newCollectorAPI(logger, trails.New(store, opts...)).register(mux)

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: authn,
		Authorize:     auth.MethodRoleAuthorizer(),
		SkipPrefixes:  []string{"/healthz", "/readyz"},
	}.Wrap(mux)

	logger.Info("collector starting", "store", storeKind, "auth_mode", authCfg.Mode, "archive", archiveCfg.Enabled())
	if err := httpserver.Run(ctx, logger, serverCfg, httpserver.Wrap(logger, service, handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func loadRedactor(path string) (*redact.Engine, error) {
	if path == "" {
		return redact.Default(), nil
	}
	policy, err := redact.LoadPolicyFile(path)
	if err != nil {
		return nil, err
	}
	return redact.New(policy)
}
