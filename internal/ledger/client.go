package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds the exponential backoff applied to transient failures.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     uint
}

// ClientConfig configures an HTTP ledger client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	AgentID string
	Timeout time.Duration
	Retry   RetryPolicy
}

// Client talks to the remote ledger over HTTP. Transient failures (network
// errors, 5xx, 429) are retried with exponential backoff; 4xx answers are
// returned immediately.
type Client struct {
	baseURL string
	apiKey  string
	agentID string
	http    *http.Client
	retry   RetryPolicy
	logger  *slog.Logger
}

// NewClient creates a ledger client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 4
	}
	if cfg.Retry.InitialInterval <= 0 {
		cfg.Retry.InitialInterval = 100 * time.Millisecond
	}
	if cfg.Retry.MaxInterval <= 0 {
		cfg.Retry.MaxInterval = 2 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		agentID: cfg.AgentID,
		http:    &http.Client{Timeout: cfg.Timeout},
		retry:   cfg.Retry,
		logger:  slog.Default(),
	}
}

// SetLogger sets the logger used for retry notifications.
func (c *Client) SetLogger(l *slog.Logger) {
	c.logger = l
}

// Close releases idle connections held by the client.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// Authorize opens a metered request for the credential.
func (c *Client) Authorize(ctx context.Context, in AuthorizeInput) (*AgentRequest, error) {
	var out AgentRequest
	if err := c.do(ctx, http.MethodPost, "/api/v1/requests/authorize", in.Credential, in, &out); err != nil {
		return nil, fmt.Errorf("authorizing request: %w", err)
	}
	return &out, nil
}

// Settle burns credits for a request.
func (c *Client) Settle(ctx context.Context, in SettleInput) (*SettleResult, error) {
	in.RedemptionKey = in.Key()
	path := "/api/v1/requests/" + url.PathEscape(in.RequestID) + "/settle"
	var out SettleResult
	if err := c.do(ctx, http.MethodPost, path, "", in, &out); err != nil {
		return nil, fmt.Errorf("settling request %s: %w", in.RequestID, err)
	}
	return &out, nil
}

// Validate checks access without opening a billable request.
func (c *Client) Validate(ctx context.Context, in AuthorizeInput) (bool, error) {
	q := url.Values{}
	q.Set("endpoint", in.Endpoint)
	q.Set("verb", in.Verb)
	var out struct {
		Authorized bool `json:"authorized"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/requests/validate?"+q.Encode(), in.Credential, nil, &out); err != nil {
		return false, fmt.Errorf("validating request: %w", err)
	}
	return out.Authorized, nil
}

// Balance reads a subscriber's balance on a plan.
func (c *Client) Balance(ctx context.Context, planID, subscriber string) (*Balance, error) {
	path := "/api/v1/plans/" + url.PathEscape(planID) + "/balances/" + url.PathEscape(subscriber)
	var out Balance
	if err := c.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return nil, fmt.Errorf("reading balance: %w", err)
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path, credential string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retry.InitialInterval
	b.MaxInterval = c.retry.MaxInterval

	op := func() (struct{}, error) {
		return struct{}{}, c.attempt(ctx, method, path, credential, payload, out)
	}
	notify := func(err error, next time.Duration) {
		c.logger.Warn("ledger call failed, retrying", "method", method, "path", path, "retry_in", next, "error", err)
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.retry.MaxAttempts),
		backoff.WithNotify(notify),
	)
	return err
}

func (c *Client) attempt(ctx context.Context, method, path, credential string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("building request: %w", err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	if c.apiKey != "" {
		req.Header.Set("X-Ledger-Key", c.apiKey)
	}
	if c.agentID != "" {
		req.Header.Set("X-Agent-Id", c.agentID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decoding response: %w", err))
		}
		return nil
	}

	serr := readStatusError(resp)
	if serr.Temporary() {
		return serr
	}
	return backoff.Permanent(serr)
}

func readStatusError(resp *http.Response) *StatusError {
	var envelope struct {
		Error StatusError `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	serr := &StatusError{StatusCode: resp.StatusCode}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Code != "" {
		serr.Code = envelope.Error.Code
		serr.Message = envelope.Error.Message
		serr.TxRef = envelope.Error.TxRef
	} else {
		serr.Code = strings.ToLower(strings.ReplaceAll(http.StatusText(resp.StatusCode), " ", "_"))
		serr.Message = strings.TrimSpace(string(data))
	}
	return serr
}

// AsStatusError returns the StatusError wrapped in err, if any.
func AsStatusError(err error) (*StatusError, bool) {
	var serr *StatusError
	if errors.As(err, &serr) {
		return serr, true
	}
	return nil, false
}
