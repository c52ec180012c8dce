// Package config reads engine and service settings from STEPFLOW_* variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/animus-labs/stepflow/internal/execution/orchestrator"
	"github.com/animus-labs/stepflow/internal/execution/recovery"
	"github.com/animus-labs/stepflow/internal/execution/scheduler"
	"github.com/animus-labs/stepflow/internal/platform/env"
)

// Engine holds the knobs of one orchestrator instance.
type Engine struct {
	MaxConcurrency          int
	MaxRetries              int
	RetryBackoff            time.Duration
	RetryMaxBackoff         time.Duration
	CircuitBreakerThreshold int
	CircuitBreakerCooldown  time.Duration
	WorkflowTimeout         time.Duration
	StepTimeout             time.Duration
	CheckpointEnabled       bool
	RollbackOnFailure       bool
}

func DefaultEngine() Engine {
	return Engine{
		MaxConcurrency:          scheduler.DefaultMaxConcurrency,
		MaxRetries:              recovery.DefaultMaxRetries,
		RetryBackoff:            recovery.DefaultBaseBackoff,
		RetryMaxBackoff:         recovery.DefaultMaxBackoff,
		CircuitBreakerThreshold: recovery.DefaultBreakerThreshold,
		CircuitBreakerCooldown:  recovery.DefaultBreakerCooldown,
		WorkflowTimeout:         orchestrator.DefaultWorkflowTimeout,
		StepTimeout:             60 * time.Second,
		CheckpointEnabled:       true,
		RollbackOnFailure:       true,
	}
}

func EngineFromEnv() (Engine, error) {
	def := DefaultEngine()
	var err error
	cfg := Engine{}

	if cfg.MaxConcurrency, err = env.Int("STEPFLOW_MAX_CONCURRENCY", def.MaxConcurrency); err != nil {
		return Engine{}, err
	}
	if cfg.MaxRetries, err = env.Int("STEPFLOW_MAX_RETRIES", def.MaxRetries); err != nil {
		return Engine{}, err
	}
	if cfg.RetryBackoff, err = env.Milliseconds("STEPFLOW_RETRY_BACKOFF_MS", def.RetryBackoff); err != nil {
		return Engine{}, err
	}
	if cfg.RetryMaxBackoff, err = env.Milliseconds("STEPFLOW_RETRY_MAX_BACKOFF_MS", def.RetryMaxBackoff); err != nil {
		return Engine{}, err
	}
	if cfg.CircuitBreakerThreshold, err = env.Int("STEPFLOW_CIRCUIT_BREAKER_THRESHOLD", def.CircuitBreakerThreshold); err != nil {
		return Engine{}, err
	}
	if cfg.CircuitBreakerCooldown, err = env.Milliseconds("STEPFLOW_CIRCUIT_BREAKER_COOLDOWN_MS", def.CircuitBreakerCooldown); err != nil {
		return Engine{}, err
	}
	if cfg.WorkflowTimeout, err = env.Milliseconds("STEPFLOW_WORKFLOW_TIMEOUT_MS", def.WorkflowTimeout); err != nil {
		return Engine{}, err
	}
	if cfg.StepTimeout, err = env.Milliseconds("STEPFLOW_STEP_TIMEOUT_MS", def.StepTimeout); err != nil {
		return Engine{}, err
	}
	if cfg.CheckpointEnabled, err = env.Bool("STEPFLOW_CHECKPOINT_ENABLED", def.CheckpointEnabled); err != nil {
		return Engine{}, err
	}
	if cfg.RollbackOnFailure, err = env.Bool("STEPFLOW_ROLLBACK_ON_FAILURE", def.RollbackOnFailure); err != nil {
		return Engine{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Engine{}, err
	}
	return cfg, nil
}

func (c Engine) Validate() error {
	if c.MaxConcurrency < 1 {
		return errors.New("STEPFLOW_MAX_CONCURRENCY must be >= 1")
	}
	if c.MaxRetries < 0 {
		return errors.New("STEPFLOW_MAX_RETRIES must be >= 0")
	}
	if c.RetryMaxBackoff > 0 && c.RetryBackoff > c.RetryMaxBackoff {
		return errors.New("STEPFLOW_RETRY_BACKOFF_MS must be <= STEPFLOW_RETRY_MAX_BACKOFF_MS")
	}
	if c.CircuitBreakerThreshold < 1 {
		return errors.New("STEPFLOW_CIRCUIT_BREAKER_THRESHOLD must be >= 1")
	}
	if c.CircuitBreakerCooldown <= 0 {
		return errors.New("STEPFLOW_CIRCUIT_BREAKER_COOLDOWN_MS must be positive")
	}
	if c.WorkflowTimeout <= 0 {
		return errors.New("STEPFLOW_WORKFLOW_TIMEOUT_MS must be positive")
	}
	return nil
}

func (c Engine) RetryPolicy() recovery.Policy {
	return recovery.Policy{
		MaxRetries:  c.MaxRetries,
		BaseBackoff: c.RetryBackoff,
		MaxBackoff:  c.RetryMaxBackoff,
	}
}

func (c Engine) Breakers() recovery.BreakerConfig {
	return recovery.BreakerConfig{
		Threshold: c.CircuitBreakerThreshold,
		Cooldown:  c.CircuitBreakerCooldown,
	}
}

func (c Engine) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		WorkflowTimeout:   c.WorkflowTimeout,
		CheckpointEnabled: c.CheckpointEnabled,
		RollbackOnFailure: c.RollbackOnFailure,
	}
}

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMinio    = "minio"
	BackendNone     = "none"

	LLMProviderOpenAI = "openai"
)

// Service holds the settings of the stepflowd process around the engine.
type Service struct {
	HTTPAddr          string
	ShutdownTimeout   time.Duration
	LogLevel          slog.Level
	CheckpointBackend string
	SQLitePath        string
	OutputBackend     string
	PluginGatewayURL  string
	PluginGatewayKey  string

	// OAuth2 client credentials for the gateway. Mutually exclusive with PluginGatewayKey.
	PluginGatewayTokenURL     string
	PluginGatewayClientID     string
	PluginGatewayClientSecret string
	PluginGatewayScopes       []string

	LLMProvider string
	LLMModel    string
	LLMAPIKey   string
	LLMBaseURL  string
}

func ServiceFromEnv() (Service, error) {
	shutdownTimeout, err := env.Duration("STEPFLOW_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return Service{}, err
	}
	level, err := ParseLogLevel(env.String("STEPFLOW_LOG_LEVEL", "info"))
	if err != nil {
		return Service{}, err
	}
	cfg := Service{
		HTTPAddr:                  env.String("STEPFLOW_HTTP_ADDR", ":8090"),
		ShutdownTimeout:           shutdownTimeout,
		LogLevel:                  level,
		CheckpointBackend:         strings.ToLower(strings.TrimSpace(env.String("STEPFLOW_CHECKPOINT_BACKEND", BackendMemory))),
		SQLitePath:                env.String("STEPFLOW_SQLITE_PATH", "stepflow.db"),
		OutputBackend:             strings.ToLower(strings.TrimSpace(env.String("STEPFLOW_OUTPUT_BACKEND", BackendMemory))),
		PluginGatewayURL:          strings.TrimSpace(env.String("STEPFLOW_PLUGIN_GATEWAY_URL", "")),
		PluginGatewayKey:          env.String("STEPFLOW_PLUGIN_GATEWAY_TOKEN", ""),
		PluginGatewayTokenURL:     strings.TrimSpace(env.String("STEPFLOW_PLUGIN_GATEWAY_TOKEN_URL", "")),
		PluginGatewayClientID:     env.String("STEPFLOW_PLUGIN_GATEWAY_CLIENT_ID", ""),
		PluginGatewayClientSecret: env.String("STEPFLOW_PLUGIN_GATEWAY_CLIENT_SECRET", ""),
		PluginGatewayScopes:       splitList(env.String("STEPFLOW_PLUGIN_GATEWAY_SCOPES", "")),
		LLMProvider:               strings.ToLower(strings.TrimSpace(env.String("STEPFLOW_LLM_PROVIDER", BackendNone))),
		LLMModel:                  env.String("STEPFLOW_LLM_MODEL", "gpt-4o-mini"),
		LLMAPIKey:                 env.String("STEPFLOW_LLM_API_KEY", ""),
		LLMBaseURL:                strings.TrimSpace(env.String("STEPFLOW_LLM_BASE_URL", "")),
	}
	if err := cfg.Validate(); err != nil {
		return Service{}, err
	}
	return cfg, nil
}

func (c Service) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("STEPFLOW_HTTP_ADDR is required")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("STEPFLOW_SHUTDOWN_TIMEOUT must be positive")
	}
	switch c.CheckpointBackend {
	case BackendMemory, BackendPostgres:
	case BackendSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return errors.New("STEPFLOW_SQLITE_PATH is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("STEPFLOW_CHECKPOINT_BACKEND: unsupported backend %q", c.CheckpointBackend)
	}
	switch c.OutputBackend {
	case BackendMemory, BackendMinio, BackendNone:
	default:
		return fmt.Errorf("STEPFLOW_OUTPUT_BACKEND: unsupported backend %q", c.OutputBackend)
	}
	if c.PluginGatewayURL != "" {
		if _, err := url.ParseRequestURI(c.PluginGatewayURL); err != nil {
			return fmt.Errorf("STEPFLOW_PLUGIN_GATEWAY_URL: %w", err)
		}
	}
	if c.PluginGatewayTokenURL != "" {
		if _, err := url.ParseRequestURI(c.PluginGatewayTokenURL); err != nil {
			return fmt.Errorf("STEPFLOW_PLUGIN_GATEWAY_TOKEN_URL: %w", err)
		}
		if strings.TrimSpace(c.PluginGatewayClientID) == "" || c.PluginGatewayClientSecret == "" {
			return errors.New("STEPFLOW_PLUGIN_GATEWAY_CLIENT_ID and STEPFLOW_PLUGIN_GATEWAY_CLIENT_SECRET are required with STEPFLOW_PLUGIN_GATEWAY_TOKEN_URL")
		}
		if c.PluginGatewayKey != "" {
			return errors.New("STEPFLOW_PLUGIN_GATEWAY_TOKEN and STEPFLOW_PLUGIN_GATEWAY_TOKEN_URL are mutually exclusive")
		}
	}
	switch c.LLMProvider {
	case BackendNone:
	case LLMProviderOpenAI:
		if strings.TrimSpace(c.LLMAPIKey) == "" {
			return errors.New("STEPFLOW_LLM_API_KEY is required for the openai provider")
		}
	default:
		return fmt.Errorf("STEPFLOW_LLM_PROVIDER: unsupported provider %q", c.LLMProvider)
	}
	return nil
}

// ParseLogLevel accepts debug, info, warn and error.
func ParseLogLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return 0, fmt.Errorf("STEPFLOW_LOG_LEVEL: %w", err)
	}
	return level, nil
}

func splitList(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' })
}
