package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/animus-labs/stepflow/internal/config"
	"github.com/animus-labs/stepflow/internal/engine"
	"github.com/animus-labs/stepflow/internal/execution/checkpoint"
	"github.com/animus-labs/stepflow/internal/execution/orchestrator"
	"github.com/animus-labs/stepflow/internal/llm/langchain"
	"github.com/animus-labs/stepflow/internal/platform/auditlog"
	"github.com/animus-labs/stepflow/internal/platform/httpserver"
	platformstore "github.com/animus-labs/stepflow/internal/platform/objectstore"
	"github.com/animus-labs/stepflow/internal/platform/postgres"
	"github.com/animus-labs/stepflow/internal/plugin"
	"github.com/animus-labs/stepflow/internal/plugin/httpexec"
	"github.com/animus-labs/stepflow/internal/repo"
	"github.com/animus-labs/stepflow/internal/repo/memory"
	pgrepo "github.com/animus-labs/stepflow/internal/repo/postgres"
	"github.com/animus-labs/stepflow/internal/repo/sqlite"
	"github.com/animus-labs/stepflow/internal/storage/objectstore"
)

type backends struct {
	checkpoints repo.CheckpointRepository
	executions  repo.ExecutionRepository
	outputs     checkpoint.OutputStore
	auditor     orchestrator.Auditor
	checks      []httpserver.ReadinessCheck
	closers     []func() error
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i]()
	}
}

func openBackends(ctx context.Context, logger *slog.Logger, cfg config.Service) (*backends, error) {
	b := &backends{auditor: auditlog.LogRecorder{Logger: logger}}

	switch cfg.CheckpointBackend {
	case config.BackendPostgres:
		dbCfg, err := postgres.ConfigFromEnv()
		if err != nil {
			return nil, fmt.Errorf("database config: %w", err)
		}
		db, err := postgres.Open(ctx, dbCfg)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, db.Close)
		if err := pgrepo.EnsureSchema(ctx, db); err != nil {
			b.close()
			return nil, err
		}
		b.checkpoints = pgrepo.NewCheckpointStore(db)
		b.executions = pgrepo.NewExecutionStore(db)
		b.auditor = auditlog.NewRecorder(db)
		b.checks = append(b.checks, pingCheck("postgres", db))
	case config.BackendSQLite:
		store, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, store.Close)
		b.checkpoints = store
		b.executions = store
		b.checks = append(b.checks, httpserver.ReadinessCheck{Name: "sqlite", Check: store.Ping})
	default:
		store := memory.New()
		b.checkpoints = store
		b.executions = store
	}

	switch cfg.OutputBackend {
	case config.BackendMinio:
		storeCfg, err := platformstore.ConfigFromEnv()
		if err != nil {
			b.close()
			return nil, fmt.Errorf("minio config: %w", err)
		}
		client, err := platformstore.NewMinIOClient(storeCfg)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("minio client: %w", err)
		}
		if err := platformstore.EnsureBuckets(ctx, client, storeCfg); err != nil {
			b.close()
			return nil, err
		}
		objects, err := objectstore.NewMinioStoreWithClient(client)
		if err != nil {
			b.close()
			return nil, err
		}
		outputs, err := objectstore.NewOutputStore(objects, storeCfg.BucketOutputs, storeCfg.Prefix)
		if err != nil {
			b.close()
			return nil, err
		}
		b.outputs = outputs
		b.checks = append(b.checks, bucketCheck(client, storeCfg))
	case config.BackendMemory:
		b.outputs = checkpoint.NewMemoryOutputs()
	}
	return b, nil
}

// adapters builds the plugin and LLM sides of the engine.
func adapters(ctx context.Context, cfg config.Service, logger *slog.Logger) (engine.Deps, error) {
	var deps engine.Deps
	if cfg.PluginGatewayURL != "" {
		opt := httpexec.WithToken(cfg.PluginGatewayKey)
		if cfg.PluginGatewayTokenURL != "" {
			opt = httpexec.WithClientCredentials(ctx, clientcredentials.Config{
				ClientID:     cfg.PluginGatewayClientID,
				ClientSecret: cfg.PluginGatewayClientSecret,
				TokenURL:     cfg.PluginGatewayTokenURL,
				Scopes:       cfg.PluginGatewayScopes,
			})
		}
		client, err := httpexec.New(cfg.PluginGatewayURL, opt)
		if err != nil {
			return engine.Deps{}, err
		}
		deps.Plugins = plugin.NewMux(client)
	} else {
		logger.Warn("no plugin gateway configured; action steps will fail")
	}

	if cfg.LLMProvider == config.LLMProviderOpenAI {
		provider, err := langchain.NewOpenAI(langchain.OpenAIConfig{
			APIKey:  cfg.LLMAPIKey,
			Model:   cfg.LLMModel,
			BaseURL: cfg.LLMBaseURL,
		})
		if err != nil {
			return engine.Deps{}, err
		}
		deps.LLM = provider
		deps.LLMModel = cfg.LLMModel
	}
	return deps, nil
}

func pingCheck(name string, db *sql.DB) httpserver.ReadinessCheck {
	return httpserver.ReadinessCheck{Name: name, Check: db.PingContext}
}

func bucketCheck(client *minio.Client, cfg platformstore.Config) httpserver.ReadinessCheck {
	return httpserver.ReadinessCheck{
		Name: "minio",
		Check: func(ctx context.Context) error {
			return platformstore.CheckBuckets(ctx, client, cfg)
		},
	}
}
