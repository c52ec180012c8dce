package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/stepflow/internal/platform/env"
)

type Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Region        string
	UseSSL        bool
	BucketOutputs string
	Prefix        string

	// OutputRetentionDays expires stored step outputs; zero keeps them forever.
	OutputRetentionDays int
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("STEPFLOW_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	retention, err := env.Int("STEPFLOW_MINIO_OUTPUT_RETENTION_DAYS", 7)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:      env.String("STEPFLOW_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:     env.String("STEPFLOW_MINIO_ACCESS_KEY", "stepflow"),
		SecretKey:     env.String("STEPFLOW_MINIO_SECRET_KEY", "stepflowminio"),
		Region:        env.String("STEPFLOW_MINIO_REGION", "us-east-1"),
		UseSSL:        useSSL,
		BucketOutputs: env.String("STEPFLOW_MINIO_BUCKET_OUTPUTS", "step-outputs"),
		Prefix:        env.String("STEPFLOW_MINIO_PREFIX", "executions"),

		OutputRetentionDays: retention,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketOutputs) == "" {
		return errors.New("outputs bucket is required")
	}
	if c.OutputRetentionDays < 0 {
		return errors.New("STEPFLOW_MINIO_OUTPUT_RETENTION_DAYS must be >= 0")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
