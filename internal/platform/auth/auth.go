// Package auth authenticates API callers from bearer tokens and enforces
// role levels on stepflowd routes.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/stepflow/internal/platform/env"
)

type Mode string

const (
	ModeOIDC     Mode = "oidc"
	ModeDev      Mode = "dev"
	ModeDisabled Mode = "disabled"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Config struct {
	Mode Mode

	RolesClaim string
	EmailClaim string

	OIDCIssuerURL string
	OIDCAudience  string

	DevSubject string
	DevEmail   string
	DevRoles   []string
}

func ConfigFromEnv() (Config, error) {
	modeRaw := strings.ToLower(strings.TrimSpace(env.String("STEPFLOW_AUTH_MODE", "")))
	if modeRaw == "" {
		modeRaw = string(ModeDisabled)
	}
	cfg := Config{
		Mode:          Mode(modeRaw),
		RolesClaim:    env.String("STEPFLOW_AUTH_ROLES_CLAIM", "roles"),
		EmailClaim:    env.String("STEPFLOW_AUTH_EMAIL_CLAIM", "email"),
		OIDCIssuerURL: strings.TrimSpace(env.String("STEPFLOW_OIDC_ISSUER_URL", "")),
		OIDCAudience:  strings.TrimSpace(env.String("STEPFLOW_OIDC_AUDIENCE", "")),
		DevSubject:    env.String("STEPFLOW_DEV_AUTH_SUBJECT", "dev-user"),
		DevEmail:      env.String("STEPFLOW_DEV_AUTH_EMAIL", "dev-user@example.local"),
		DevRoles:      parseCSV(env.String("STEPFLOW_DEV_AUTH_ROLES", RoleAdmin)),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeOIDC:
		if c.OIDCIssuerURL == "" {
			return errors.New("STEPFLOW_OIDC_ISSUER_URL is required when STEPFLOW_AUTH_MODE=oidc")
		}
		if c.OIDCAudience == "" {
			return errors.New("STEPFLOW_OIDC_AUDIENCE is required when STEPFLOW_AUTH_MODE=oidc")
		}
		if strings.TrimSpace(c.RolesClaim) == "" {
			return errors.New("STEPFLOW_AUTH_ROLES_CLAIM is required")
		}
	case ModeDev:
		if strings.TrimSpace(c.DevSubject) == "" {
			return errors.New("STEPFLOW_DEV_AUTH_SUBJECT is required when STEPFLOW_AUTH_MODE=dev")
		}
		if len(c.DevRoles) == 0 {
			return errors.New("STEPFLOW_DEV_AUTH_ROLES must be non-empty when STEPFLOW_AUTH_MODE=dev")
		}
	case ModeDisabled:
	default:
		return fmt.Errorf("STEPFLOW_AUTH_MODE must be one of: oidc, dev, disabled (got %q)", c.Mode)
	}
	return nil
}

func parseCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		item := strings.ToLower(strings.TrimSpace(part))
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
