package auth

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	"github.com/google/go-cmp/cmp"
)

const testIssuer = "https://issuer.example.test"

type tokenSigner struct {
	key *rsa.PrivateKey
}

func newTokenSigner(t *testing.T) tokenSigner {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return tokenSigner{key: key}
}

func (s tokenSigner) sign(t *testing.T, claims map[string]any) string {
	t.Helper()
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: s.key}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	obj, err := signer.Sign(payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	raw, err := obj.CompactSerialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return raw
}

func (s tokenSigner) authenticator() *OIDCAuthenticator {
	keys := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{s.key.Public()}}
	verifier := oidc.NewVerifier(testIssuer, keys, &oidc.Config{ClientID: "stepflow"})
	return newOIDCAuthenticator(verifier, Config{Mode: ModeOIDC, RolesClaim: "roles", EmailClaim: "email"})
}

func validClaims() map[string]any {
	now := time.Now()
	return map[string]any{
		"iss":   testIssuer,
		"aud":   "stepflow",
		"sub":   "user-1",
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"email": "ops@example.test",
		"roles": []string{"Operator", "viewer"},
	}
}

func requestWithToken(token string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/v1/executions", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestOIDCAuthenticatorAcceptsSignedToken(t *testing.T) {
	s := newTokenSigner(t)
	identity, err := s.authenticator().Authenticate(context.Background(), requestWithToken(s.sign(t, validClaims())))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	want := Identity{Subject: "user-1", Email: "ops@example.test", Roles: []string{"operator", "viewer"}}
	if diff := cmp.Diff(want, identity); diff != "" {
		t.Fatalf("identity (-want +got):\n%s", diff)
	}
}

func TestOIDCAuthenticatorCommaSeparatedRoles(t *testing.T) {
	s := newTokenSigner(t)
	claims := validClaims()
	claims["roles"] = "admin, viewer"
	identity, err := s.authenticator().Authenticate(context.Background(), requestWithToken(s.sign(t, claims)))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if diff := cmp.Diff([]string{"admin", "viewer"}, identity.Roles); diff != "" {
		t.Fatalf("roles (-want +got):\n%s", diff)
	}
}

func TestOIDCAuthenticatorRejects(t *testing.T) {
	s := newTokenSigner(t)
	other := newTokenSigner(t)

	expired := validClaims()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()
	wrongAudience := validClaims()
	wrongAudience["aud"] = "someone-else"

	cases := []struct {
		name  string
		token string
	}{
		{"expired", s.sign(t, expired)},
		{"wrong audience", s.sign(t, wrongAudience)},
		{"foreign key", other.sign(t, validClaims())},
		{"garbage", "not-a-jwt"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.authenticator().Authenticate(context.Background(), requestWithToken(tc.token)); err == nil {
				t.Fatalf("expected token to be rejected")
			}
		})
	}
}

func TestOIDCAuthenticatorMissingToken(t *testing.T) {
	s := newTokenSigner(t)
	_, err := s.authenticator().Authenticate(context.Background(), requestWithToken(""))
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}

	req := requestWithToken("")
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if _, err := s.authenticator().Authenticate(context.Background(), req); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for basic auth, got %v", err)
	}
}
