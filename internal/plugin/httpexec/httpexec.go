// Package httpexec executes plugin actions through an HTTP plugin gateway.
package httpexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/animus-labs/stepflow/internal/domain"
	"github.com/animus-labs/stepflow/internal/plugin"
)

const (
	maxResponseBytes = 4 << 20
	requestTimeout   = 60 * time.Second
)

// Client posts resolved params to <baseURL>/v1/plugins/<plugin>/actions/<action>
// and expects a plugin.Result JSON body.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

var _ plugin.Executor = (*Client)(nil)

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithToken sends a bearer token with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// WithClientCredentials fetches and refreshes gateway tokens with the OAuth2
// client credentials grant. ctx bounds token fetches, not individual calls.
func WithClientCredentials(ctx context.Context, cfg clientcredentials.Config) Option {
	return func(c *Client) {
		hc := cfg.Client(ctx)
		hc.Timeout = requestTimeout
		c.http = hc
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("plugin gateway url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("plugin gateway url: %w", err)
	}
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: requestTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type executeRequest struct {
	Params map[string]any `json:"params"`
}

func (c *Client) Execute(ctx context.Context, pluginName, action string, params map[string]any) (plugin.Result, error) {
	body, err := json.Marshal(executeRequest{Params: params})
	if err != nil {
		return plugin.Result{}, &domain.PluginExecutionError{Plugin: pluginName, Action: action, Message: "encode params", NonRetryable: true, Err: err}
	}
	path := fmt.Sprintf("/v1/plugins/%s/actions/%s", url.PathEscape(pluginName), url.PathEscape(action))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return plugin.Result{}, &domain.PluginExecutionError{Plugin: pluginName, Action: action, NonRetryable: true, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return plugin.Result{}, ctx.Err()
		}
		return plugin.Result{}, &domain.PluginExecutionError{Plugin: pluginName, Action: action, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return plugin.Result{}, &domain.PluginExecutionError{Plugin: pluginName, Action: action, Message: "read response", Err: err}
	}

	if resp.StatusCode >= 300 {
		return plugin.Result{}, &domain.PluginExecutionError{
			Plugin:       pluginName,
			Action:       action,
			Message:      fmt.Sprintf("gateway status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))),
			NonRetryable: !retryableStatus(resp.StatusCode),
		}
	}

	var result plugin.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return plugin.Result{}, &domain.PluginExecutionError{Plugin: pluginName, Action: action, Message: "decode response", NonRetryable: true, Err: err}
	}
	return result, nil
}

// retryableStatus treats throttling and server-side failures as transient.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}
