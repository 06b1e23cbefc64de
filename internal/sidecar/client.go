// Package sidecar is the HTTP client of the agent backend. A Client is created
// once and passed to whoever needs it.
package sidecar

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/aide-ai/aide/internal/logging"
	"github.com/aide-ai/aide/pkg/types"
)

const (
	// DefaultAuthRetries is the number of token refresh attempts.
	DefaultAuthRetries = 3
	// DefaultAuthRetryInterval is the pause between refresh attempts.
	DefaultAuthRetryInterval = time.Second

	agentPath   = "/api/agentic/agent_tool_use"
	cancelPath  = "/api/agentic/cancel_running_event"
	refreshPath = "/api/auth/refresh"
	healthPath  = "/api/health"
)

var (
	// ErrAuthExhausted is returned when every token refresh attempt failed.
	ErrAuthExhausted = errors.New("authentication refresh failed")
	// ErrUnauthorized is returned when the backend rejects the token.
	ErrUnauthorized = errors.New("unauthorized")
)

// Notifier surfaces failures to the user.
type Notifier interface {
	NotifyError(ctx context.Context, sessionID string, err error)
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Notifier   Notifier

	AuthRetries       int
	AuthRetryInterval time.Duration
}

// OptionsFromConfig builds client options from the sidecar config section.
func OptionsFromConfig(cfg *types.SidecarConfig) Options {
	if cfg == nil {
		return Options{}
	}
	return Options{
		BaseURL:           cfg.URL,
		Token:             cfg.Token,
		AuthRetries:       cfg.AuthRetries,
		AuthRetryInterval: time.Duration(cfg.AuthRetryInterval) * time.Millisecond,
	}
}

// Client talks to the agent backend.
type Client struct {
	baseURL  string
	http     *http.Client
	notifier Notifier
	retries  int
	interval time.Duration
	log      *zerolog.Logger

	mu    sync.RWMutex
	token string
}

// New creates a client.
func New(opts Options) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		http:     opts.HTTPClient,
		notifier: opts.Notifier,
		retries:  opts.AuthRetries,
		interval: opts.AuthRetryInterval,
		token:    opts.Token,
		log:      logging.Component("sidecar"),
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 0} // streams are long lived
	}
	if c.retries <= 0 {
		c.retries = DefaultAuthRetries
	}
	if c.interval <= 0 {
		c.interval = DefaultAuthRetryInterval
	}
	return c
}

// Token returns the current access token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// AgentRequest starts an agent exchange.
type AgentRequest struct {
	SessionID     string `json:"session_id"`
	ExchangeID    string `json:"exchange_id"`
	Query         string `json:"query"`
	RootDirectory string `json:"root_directory,omitempty"`
	Mode          string `json:"agent_mode,omitempty"`
}

// Agent starts an exchange and streams its events.
func (c *Client) Agent(ctx context.Context, req AgentRequest) (<-chan types.AgentEvent, <-chan error) {
	return c.StreamEvents(ctx, agentPath, req)
}

// StreamEvents posts body to path and decodes the SSE response into agent
// events. The events channel is closed after the done sentinel, at end of
// stream or when ctx is canceled; the error channel carries at most one error.
// A rejected token is refreshed once before the request is retried.
func (c *Client) StreamEvents(ctx context.Context, path string, body any) (<-chan types.AgentEvent, <-chan error) {
	events := make(chan types.AgentEvent, 64)
	errc := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errc)

		resp, err := c.openStream(ctx, path, body)
		if errors.Is(err, ErrUnauthorized) {
			if err = c.RefreshToken(ctx); err == nil {
				resp, err = c.openStream(ctx, path, body)
			}
		}
		if err != nil {
			errc <- err
			return
		}
		defer resp.Body.Close()

		if err := c.readEvents(ctx, resp.Body, events); err != nil {
			errc <- err
		}
	}()

	return events, errc
}

func (c *Client) openStream(ctx context.Context, path string, body any) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected content type: %s", ct)
	}
	return resp, nil
}

// readEvents parses SSE frames. Each frame's data lines are joined and
// decoded as one agent event; frames that do not decode are skipped.
func (c *Client) readEvents(ctx context.Context, body io.Reader, out chan<- types.AgentEvent) error {
	reader := bufio.NewReader(body)
	var data strings.Builder

	flush := func() (done bool, err error) {
		if data.Len() == 0 {
			return false, nil
		}
		raw := data.String()
		data.Reset()

		ev, err := types.DecodeAgentEvent([]byte(raw))
		if err != nil {
			c.log.Debug().Err(err).Str("data", truncate(raw, 200)).Msg("skipping undecodable event")
			return false, nil
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return true, ctx.Err()
		}
		return ev.Kind == types.AgentEventDone, nil
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read event stream: %w", err)
		}
		eof := err == io.EOF

		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if done, ferr := flush(); done || ferr != nil {
				return ferr
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
		// event:, id:, retry: and comment lines carry nothing we use.

		if eof {
			_, ferr := flush()
			return ferr
		}
	}
}

// CancelExchange asks the backend to stop generating events for an exchange.
func (c *Client) CancelExchange(ctx context.Context, sessionID, exchangeID string) error {
	body := map[string]string{"session_id": sessionID, "exchange_id": exchangeID}
	resp, err := c.do(ctx, http.MethodPost, cancelPath, body)
	if err != nil {
		return fmt.Errorf("failed to cancel exchange: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("failed to cancel exchange: %w", statusError(resp))
	}
	return nil
}

// Ping checks that the backend is reachable.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, healthPath, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return nil
}

type refreshResponse struct {
	AccessToken string `json:"access_token"`
}

// linearBackOff waits interval after the first failure, twice that after the
// second, and so on.
type linearBackOff struct {
	interval time.Duration
	attempt  int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.interval
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

// RefreshToken exchanges the current token for a new one. The pause between
// attempts grows linearly; when all of them fail the user is notified and
// ErrAuthExhausted is returned.
func (c *Client) RefreshToken(ctx context.Context) error {
	attempt := 0
	op := func() error {
		attempt++
		token, err := c.refreshOnce(ctx)
		if err != nil {
			c.log.Warn().Err(err).Int("attempt", attempt).Msg("token refresh failed")
			return err
		}
		c.mu.Lock()
		c.token = token
		c.mu.Unlock()
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{interval: c.interval}, uint64(c.retries-1)),
		ctx,
	)
	if err := backoff.Retry(op, b); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = fmt.Errorf("%w after %d attempts: %v", ErrAuthExhausted, attempt, err)
		if c.notifier != nil {
			c.notifier.NotifyError(ctx, "", err)
		}
		return err
	}
	c.log.Debug().Int("attempts", attempt).Msg("token refreshed")
	return nil
}

func (c *Client) refreshOnce(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, refreshPath, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp)
	}

	var out refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode refresh response: %w", err)
	}
	if out.AccessToken == "" {
		return "", errors.New("refresh response has no access token")
	}
	return out.AccessToken, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}
	return resp, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if len(msg) == 0 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return fmt.Errorf("unexpected status code: %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
