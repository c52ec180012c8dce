package httpexec

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/animus-labs/stepflow/internal/domain"
)

func TestExecutePostsParams(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"success":true,"data":{"id":"m-1"},"tokensUsed":3}`))
	}))
	defer srv.Close()

	client, err := New(srv.URL+"/", WithToken("secret"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := client.Execute(context.Background(), "mail", "send", map[string]any{"to": "a@example.com"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if gotPath != "/v1/plugins/mail/actions/send" || gotAuth != "Bearer secret" {
		t.Fatalf("unexpected request path=%q auth=%q", gotPath, gotAuth)
	}
	if diff := cmp.Diff(map[string]any{"params": map[string]any{"to": "a@example.com"}}, gotBody); diff != "" {
		t.Fatalf("body mismatch (-want +got):\n%s", diff)
	}
	if !res.Success || res.TokensUsed != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecuteClassifiesStatus(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.status)
		}))
		client, _ := New(srv.URL)
		_, err := client.Execute(context.Background(), "sheets", "read", nil)
		srv.Close()

		var pluginErr *domain.PluginExecutionError
		if !errors.As(err, &pluginErr) {
			t.Fatalf("status %d: expected PluginExecutionError, got %v", tc.status, err)
		}
		if domain.IsRetryable(err) != tc.retryable {
			t.Fatalf("status %d: retryable=%v, want %v", tc.status, domain.IsRetryable(err), tc.retryable)
		}
	}
}

func TestExecuteHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()
	client, _ := New(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.Execute(ctx, "slow", "op", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewRejectsEmptyURL(t *testing.T) {
	if _, err := New(" "); err == nil {
		t.Fatalf("expected error for empty url")
	}
}

func TestExecuteWithClientCredentials(t *testing.T) {
	var tokenCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "client_credentials" {
			http.Error(w, "bad grant", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"cc-token","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("POST /v1/plugins/{plugin}/actions/{action}", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer cc-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"data":"ok"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := New(srv.URL, WithClientCredentials(context.Background(), clientcredentials.Config{
		ClientID:     "stepflow",
		ClientSecret: "s3cret",
		TokenURL:     srv.URL + "/oauth/token",
	}))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for range 2 {
		res, err := client.Execute(context.Background(), "mail", "send", nil)
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		if res.Data != "ok" {
			t.Fatalf("unexpected result %+v", res)
		}
	}
	if got := tokenCalls.Load(); got != 1 {
		t.Fatalf("expected the token to be cached, fetched %d times", got)
	}
}
