package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/psantana5/taskgate/pkg/retry"
	"github.com/psantana5/taskgate/pkg/tracing"
)

// Client resumes executions on a remote engine over HTTP
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	retry      retry.Config
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithToken sends "Authorization: Bearer <token>" on every call
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetry replaces the default retry policy
func WithRetry(cfg retry.Config) ClientOption {
	return func(c *Client) { c.retry = cfg }
}

// NewClient creates a client for the engine at baseURL
func NewClient(baseURL string, timeout time.Duration, opts ...ClientOption) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		retry:      retry.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ResolveSuccess implements Resumer
func (c *Client) ResolveSuccess(ctx context.Context, handle string, payload []byte) error {
	return c.post(ctx, "/executions/resume/success", ResumeSuccessRequest{
		Handle: handle,
		Output: json.RawMessage(payload),
	})
}

// ResolveFailure implements Resumer
func (c *Client) ResolveFailure(ctx context.Context, handle, errorKind, cause string) error {
	return c.post(ctx, "/executions/resume/failure", ResumeFailureRequest{
		Handle: handle,
		Error:  errorKind,
		Cause:  cause,
	})
}

func (c *Client) post(ctx context.Context, path string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	return retry.Do(ctx, c.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
		if err != nil {
			return retry.Permanent(fmt.Errorf("failed to build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		tracing.InjectHTTPHeaders(ctx, req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to call engine: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent:
			return nil
		case resp.StatusCode == http.StatusConflict:
			return retry.Permanent(ErrAlreadyResolved)
		case resp.StatusCode == http.StatusNotFound:
			return retry.Permanent(ErrUnknownHandle)
		}

		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err = fmt.Errorf("engine returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return err
		}
		return retry.Permanent(err)
	})
}
