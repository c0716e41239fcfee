package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cadenza-labs/cadenza-go/internal/dispatch"
	"github.com/cadenza-labs/cadenza-go/internal/engine"
	"github.com/cadenza-labs/cadenza-go/internal/platform/auditlog"
	"github.com/cadenza-labs/cadenza-go/internal/platform/auth"
	"github.com/cadenza-labs/cadenza-go/internal/platform/env"
	"github.com/cadenza-labs/cadenza-go/internal/platform/httpserver"
	"github.com/cadenza-labs/cadenza-go/internal/platform/objectstore"
	"github.com/cadenza-labs/cadenza-go/internal/platform/postgres"
	repopg "github.com/cadenza-labs/cadenza-go/internal/repo/postgres"
	"github.com/cadenza-labs/cadenza-go/internal/storage/contextstore"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("CONDUCTOR_HTTP_ADDR", ":8086")
	shutdownTimeout, err := env.Duration("CONDUCTOR_SHUTDOWN_TIMEOUT", 10*time.Second)
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

	contexts, err := contextstore.NewMinioStore(storeClient, storeCfg.BucketContexts)
	if err != nil {
		logger.Error("context store init failed", "error", err)
		os.Exit(2)
	}

	internalAuthSecret := env.String("CADENZA_INTERNAL_AUTH_SECRET", "")
	headersAuth, err := auth.NewGatewayHeadersAuthenticator(internalAuthSecret)
	if err != nil {
		logger.Error("invalid internal auth config", "error", err)
		os.Exit(2)
	}

	playlistTokenSecret := strings.TrimSpace(env.String("CADENZA_PLAYLIST_TOKEN_SECRET", ""))
	if playlistTokenSecret == "" {
		playlistTokenSecret = strings.TrimSpace(internalAuthSecret)
	}
	playlistTokenTTL, err := env.Duration("CADENZA_PLAYLIST_TOKEN_TTL", 24*time.Hour)
	if err != nil {
		logger.Error("invalid playlist token ttl", "error", err)
		os.Exit(2)
	}

	callbackBaseURL := env.String("CADENZA_CALLBACK_BASE_URL", "http://localhost:8086")

	playlists := repopg.NewPlaylistStore(db)
	strategies := repopg.NewStrategyStore(db)
	dispatcher := dispatch.NewCache(logger)
	defer dispatcher.Close()

	eng, err := engine.New(engine.Config{
		Logger:              logger,
		Playlists:           playlists,
		Strategies:          strategies,
		Contexts:            contexts,
		Dispatcher:          dispatcher,
		Audit:               db,
		CallbackBaseURL:     callbackBaseURL,
		PlaylistTokenSecret: playlistTokenSecret,
		PlaylistTokenTTL:    playlistTokenTTL,
	})
	if err != nil {
		logger.Error("engine init failed", "error", err)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("conductor"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"conductor",
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

	api := newConductorAPI(logger, db, eng, playlists, contexts)
	api.register(mux)

	authenticator := auth.PlaylistTokenAuthenticator{
		Secret: playlistTokenSecret,
		Next:   headersAuth,
	}

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		Authorize:     auth.MethodRoleAuthorizer(),
		Audit: func(ctx context.Context, event auth.DenyEvent) error {
			auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return auditlog.InsertAuthDeny(auditCtx, db, "conductor", event)
		},
		SkipPrefixes: []string{"/healthz", "/readyz"},
	}.Wrap(mux)

	cfg := httpserver.Config{
		Service:         "conductor",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "conductor", handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
