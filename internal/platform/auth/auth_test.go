package auth

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestConfigFromEnvDefaultsToDisabled(t *testing.T) {
	t.Setenv("STEPFLOW_AUTH_MODE", "")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg.Mode != ModeDisabled {
		t.Fatalf("mode=%q, want disabled", cfg.Mode)
	}
}

func TestConfigFromEnvDev(t *testing.T) {
	t.Setenv("STEPFLOW_AUTH_MODE", "DEV")
	t.Setenv("STEPFLOW_DEV_AUTH_ROLES", "viewer, Operator,viewer")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if diff := cmp.Diff([]string{"viewer", "operator"}, cfg.DevRoles); diff != "" {
		t.Fatalf("dev roles (-want +got):\n%s", diff)
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"unknown mode", Config{Mode: "basic"}},
		{"oidc without issuer", Config{Mode: ModeOIDC, OIDCAudience: "stepflow", RolesClaim: "roles"}},
		{"oidc without audience", Config{Mode: ModeOIDC, OIDCIssuerURL: "https://issuer.test", RolesClaim: "roles"}},
		{"dev without roles", Config{Mode: ModeDev, DevSubject: "dev"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestIdentityActor(t *testing.T) {
	if got := (Identity{Subject: "u1", Email: "a@example.test"}).Actor(); got != "a@example.test" {
		t.Fatalf("Actor()=%q", got)
	}
	if got := (Identity{Subject: "u1"}).Actor(); got != "u1" {
		t.Fatalf("Actor()=%q", got)
	}
}
