package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/qmail/internal/retry"
)

// Client is a thin HTTP client for the mail and key-management backend.
// It handles Bearer token authentication, JSON marshaling, and retries of
// idempotent requests on transient failures.
type Client struct {
	baseURL    string
	token      string
	accountID  string
	httpClient *http.Client
	policy     retry.Policy

	masterSAE string
	slaveSAE  string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithRetryPolicy sets the policy for idempotent requests.
func WithRetryPolicy(p retry.Policy) ClientOption {
	return func(c *Client) { c.policy = p }
}

// WithAccount stamps fetched records with the owning account id.
func WithAccount(id string) ClientOption {
	return func(c *Client) { c.accountID = id }
}

// WithSAE names the key-management peers used by key-pool calls.
func WithSAE(master, slave string) ClientOption {
	return func(c *Client) {
		c.masterSAE = master
		c.slaveSAE = slave
	}
}

// NewClient creates a new backend client. The token is sent as a Bearer
// credential on every request.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		policy: retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type request struct {
	method         string
	path           string
	body           interface{}
	idempotent     bool
	idempotencyKey string
}

// do runs req, retrying when it is idempotent, and decodes the JSON
// response into result.
func (c *Client) do(ctx context.Context, req request, result interface{}) error {
	if !req.idempotent {
		return c.once(ctx, req, result)
	}

	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		return c.once(ctx, req, result)
	})
	if err != nil {
		return unwrapRetry(err)
	}
	return nil
}

// once performs a single HTTP exchange.
func (c *Client) once(ctx context.Context, req request, result interface{}) error {
	var bodyReader io.Reader
	if req.body != nil {
		data, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.baseURL+req.path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	httpReq.Header.Set("Accept", "application/json")
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.idempotencyKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return transportError(ctx, err)
	}

	respBody, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		return &TransientError{Err: fmt.Errorf("reading response body: %w", readErr)}
	}

	logrus.WithFields(logrus.Fields{
		"account": c.accountID,
		"method":  req.method,
		"path":    req.path,
		"status":  resp.StatusCode,
	}).Trace("Backend request")

	if resp.StatusCode == http.StatusUnauthorized {
		return &AuthError{Message: fmt.Sprintf("token refused by %s", c.baseURL)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &StatusError{
			Method:     req.method,
			Path:       req.path,
			Code:       resp.StatusCode,
			retryAfter: retryAfterDuration(resp),
		}

		var apiErr errorResponse
		if json.Unmarshal(respBody, &apiErr) == nil {
			statusErr.Reason = apiErr.Code
			statusErr.Message = apiErr.Error
		} else {
			statusErr.Message = strings.TrimSpace(string(respBody))
		}

		return statusErr
	}

	// No content to parse (e.g. 204).
	if result == nil || resp.StatusCode == http.StatusNoContent || len(respBody) == 0 {
		return nil
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("unmarshaling response from %s %s: %w", req.method, req.path, err)
	}

	return nil
}

// unwrapRetry surfaces the last attempt's error so callers classify the
// remote failure rather than the retry loop.
func unwrapRetry(err error) error {
	var rerr *retry.Error
	if errors.As(err, &rerr) && rerr.Last != nil {
		return rerr.Last
	}
	return err
}

// retryAfterDuration reads the Retry-After header in seconds.
func retryAfterDuration(resp *http.Response) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}
