package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/animus-labs/stepflow/internal/config"
	"github.com/animus-labs/stepflow/internal/engine"
	"github.com/animus-labs/stepflow/internal/platform/auth"
	"github.com/animus-labs/stepflow/internal/platform/httpserver"
	"github.com/animus-labs/stepflow/internal/service/executions"
)

const serviceName = "stepflowd"

func main() {
	svcCfg, err := config.ServiceFromEnv()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("invalid service config", "error", err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: svcCfg.LogLevel}))

	engineCfg, err := config.EngineFromEnv()
	if err != nil {
		logger.Error("invalid engine config", "error", err)
		os.Exit(2)
	}

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backends, err := openBackends(ctx, logger, svcCfg)
	if err != nil {
		logger.Error("backend unavailable", "error", err)
		os.Exit(1)
	}
	defer backends.close()

	var authenticator auth.Authenticator
	switch authCfg.Mode {
	case auth.ModeDev:
		authenticator = auth.NewDevAuthenticator(authCfg)
	case auth.ModeOIDC:
		oidcAuth, err := auth.NewOIDCAuthenticator(ctx, authCfg)
		if err != nil {
			logger.Error("oidc init failed", "error", err)
			os.Exit(1)
		}
		authenticator = oidcAuth
	case auth.ModeDisabled:
		logger.Warn("authentication disabled")
	}

	deps, err := adapters(ctx, svcCfg, logger)
	if err != nil {
		logger.Error("invalid adapter config", "error", err)
		os.Exit(2)
	}
	deps.Checkpoints = backends.checkpoints
	deps.Executions = backends.executions
	deps.Outputs = backends.outputs
	deps.Auditor = backends.auditor
	deps.Logger = logger

	api, err := executions.New(engine.Build(engineCfg, deps),
		executions.WithCheckpoints(backends.checkpoints),
		executions.WithExecutions(backends.executions),
		executions.WithLogger(logger),
	)
	if err != nil {
		logger.Error("api init failed", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", httpserver.Healthz(serviceName))
	mux.HandleFunc("GET /readyz", httpserver.ReadyzWithChecks(serviceName, backends.checks...))
	api.Register(mux)

	var handler http.Handler = mux
	if authenticator != nil {
		handler = auth.Middleware{
			Logger:        logger,
			Authenticator: authenticator,
			Authorize:     auth.MethodRoleAuthorizer(),
			SkipPrefixes:  []string{"/healthz", "/readyz"},
		}.Wrap(mux)
	}

	logger.Info("engine configured",
		"checkpoint_backend", svcCfg.CheckpointBackend,
		"output_backend", svcCfg.OutputBackend,
		"llm_provider", svcCfg.LLMProvider,
		"auth_mode", string(authCfg.Mode),
		"max_concurrency", engineCfg.MaxConcurrency,
		"workflow_timeout_ms", engineCfg.WorkflowTimeout.Milliseconds(),
	)

	cfg := httpserver.Config{
		Service:         serviceName,
		Addr:            svcCfg.HTTPAddr,
		ShutdownTimeout: svcCfg.ShutdownTimeout,
	}
	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, serviceName, handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
