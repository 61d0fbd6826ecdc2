package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basalt-labs/basalt-go/internal/eventlog"
	"github.com/basalt-labs/basalt-go/internal/pipeline"
	"github.com/basalt-labs/basalt-go/internal/pipeline/loader"
	"github.com/basalt-labs/basalt-go/internal/platform/auth"
	"github.com/basalt-labs/basalt-go/internal/platform/env"
	"github.com/basalt-labs/basalt-go/internal/platform/httpserver"
	"github.com/basalt-labs/basalt-go/internal/platform/objectstore"
	"github.com/basalt-labs/basalt-go/internal/platform/postgres"
	pgrepo "github.com/basalt-labs/basalt-go/internal/repo/postgres"
	"github.com/basalt-labs/basalt-go/internal/storage/blobstore"
	"github.com/basalt-labs/basalt-go/internal/storage/cachestore"
	"github.com/basalt-labs/basalt-go/internal/storage/upstream"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("REGISTRY_HTTP_ADDR", ":8084")
	shutdownTimeout, err := env.Duration("REGISTRY_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureBuckets(startupCtx, storeClient, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	var authenticator auth.Authenticator
	switch authCfg.Mode {
	case auth.ModeOIDC:
		authenticator, err = auth.NewOIDCAuthenticator(ctx, authCfg)
		if err != nil {
			logger.Error("oidc init failed", "error", err)
			os.Exit(1)
		}
	default:
		authenticator = auth.NewDevAuthenticator(authCfg)
		logger.Warn("dev authenticator active, not for production use")
	}

	upstreamCfg, err := upstream.LoadConfig(env.String("REGISTRY_UPSTREAMS_FILE", ""))
	if err != nil {
		logger.Error("invalid upstream config", "error", err)
		os.Exit(2)
	}

	var pipelineFS fs.FS = DefaultPipelineFS()
	if dir := env.String("REGISTRY_PIPELINES_DIR", ""); dir != "" {
		pipelineFS = os.DirFS(dir)
	}
	pipelineLoader := loader.New(pipelineFS, logger)
	if err := pipelineLoader.Load(); err != nil {
		// A definition that fails validation is fatal at deploy, never a
		// request-time surprise.
		logger.Error("pipeline load failed", "error", err)
		os.Exit(2)
	}

	engine := &pipeline.Engine{
		KV:        pgrepo.NewKVStore(db),
		Index:     pgrepo.NewIndexStore(db),
		Blobs:     blobstore.NewMinIOStore(storeClient, storeCfg),
		Cache:     cachestore.New(),
		Upstreams: upstream.NewClient(upstreamCfg),
		Events:    eventlog.NewPostgresAppender(db),
		Txns:      pipeline.NewCoordinator(pgrepo.NewBatchApplier(db)),
		Logger:    logger,
		Limits:    pipeline.DefaultLimits(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("registry"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"registry",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
			httpserver.ReadinessCheck{
				Name: "minio",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return objectstore.CheckBuckets(checkCtx, storeClient, storeCfg)
				},
			},
		),
	)

	api := newRegistryAPI(logger, pipelineLoader, engine)
	api.register(mux)

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		AllowAnonRead: authCfg.AllowAnonRead,
		SkipPrefixes:  []string{"/healthz", "/readyz"},
	}.Wrap(mux)

	cfg := httpserver.Config{
		Service:         "registry",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "registry", handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
