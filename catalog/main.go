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

	"github.com/cadenza-labs/cadenza-go/internal/platform/auditlog"
	"github.com/cadenza-labs/cadenza-go/internal/platform/auth"
	"github.com/cadenza-labs/cadenza-go/internal/platform/env"
	"github.com/cadenza-labs/cadenza-go/internal/platform/httpserver"
	"github.com/cadenza-labs/cadenza-go/internal/platform/postgres"
	repopg "github.com/cadenza-labs/cadenza-go/internal/repo/postgres"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("CATALOG_HTTP_ADDR", ":8087")
	shutdownTimeout, err := env.Duration("CATALOG_SHUTDOWN_TIMEOUT", 10*time.Second)
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

	internalAuthSecret := env.String("CADENZA_INTERNAL_AUTH_SECRET", "")
	headersAuth, err := auth.NewGatewayHeadersAuthenticator(internalAuthSecret)
	if err != nil {
		logger.Error("invalid internal auth config", "error", err)
		os.Exit(2)
	}

	plugins := repopg.NewPluginStore(db)

	if seedPath := strings.TrimSpace(env.String("CADENZA_CATALOG_SEED", "")); seedPath != "" {
		seed, err := loadSeedFile(seedPath)
		if err != nil {
			logger.Error("invalid catalog seed", "path", seedPath, "error", err)
			os.Exit(2)
		}
		seedCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = applySeed(seedCtx, logger, plugins, repopg.NewStrategyStore(db), seed)
		cancel()
		if err != nil {
			logger.Error("catalog seed failed", "path", seedPath, "error", err)
			os.Exit(1)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("catalog"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"catalog",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
		),
	)

	api := newCatalogAPI(logger, db, plugins)
	api.register(mux)

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: headersAuth,
		Authorize:     auth.MethodRoleAuthorizer(),
		Audit: func(ctx context.Context, event auth.DenyEvent) error {
			auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return auditlog.InsertAuthDeny(auditCtx, db, "catalog", event)
		},
		SkipPrefixes: []string{"/healthz", "/readyz"},
	}.Wrap(mux)

	cfg := httpserver.Config{
		Service:         "catalog",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "catalog", handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
