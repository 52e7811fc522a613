package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

const (
	// DefaultTimeout is the default timeout for remote requests.
	DefaultTimeout = 30 * time.Second

	// maxErrorBodySize caps how much of an error response body is retained.
	maxErrorBodySize = 64 * 1024

	acceptJSON = "application/vnd.github+json"
)

// Client executes the commit/branch/pull-request protocol against a
// GitHub-style API on behalf of a single session.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger

	mu      sync.RWMutex
	session Session
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL sets the API endpoint. Mostly useful for tests and GitHub
// Enterprise installs.
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a new client. The session starts empty and is populated
// by the login flow via SetSession.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		client: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetSession replaces the active session.
func (c *Client) SetSession(s Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
}

// SetBranch switches the target branch. The branch is switchable at any
// time; switching does not touch any local state.
func (c *Client) SetBranch(branch string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session.Branch = branch
}

// Session returns a copy of the active session.
func (c *Client) Session() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// Ready reports whether the session is fully populated, returning a
// SessionNotReadyError naming the unset fields when it is not.
func (c *Client) Ready() error {
	_, err := c.readySession()
	return err
}

// readySession returns the session, or SessionNotReadyError when any field
// is unset.
func (c *Client) readySession() (Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if missing := c.session.missing(); len(missing) > 0 {
		return Session{}, &SessionNotReadyError{Missing: missing}
	}
	return c.session, nil
}

// repoPath returns "/repos/{owner}/{repository}" + suffix for the session.
func repoPath(s Session, suffix string) string {
	return fmt.Sprintf("/repos/%s/%s%s", s.Owner, s.Repository, suffix)
}

// newRequest builds an authenticated API request. A non-nil body is
// JSON-encoded.
func (c *Client) newRequest(ctx context.Context, s Session, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating %s %s request: %w", method, path, err)
	}

	req.Header.Set("Authorization", "Bearer "+s.Token)
	req.Header.Set("Accept", acceptJSON)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do executes a request, validates the status explicitly, and decodes a 2xx
// response into out when non-nil. Any non-2xx response becomes a
// RequestError carrying the status code and body. There are no automatic
// retries anywhere in this client: the tree/commit sequence is not
// idempotent enough to replay safely, so transient failures surface to the
// caller.
func (c *Client) do(req *http.Request, out any) error {
	start := time.Now()

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.logger.Debug("remote call",
		"method", req.Method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return &RequestError{
			Method:  req.Method,
			URL:     req.URL.Path,
			Status:  resp.StatusCode,
			Body:    string(body),
			Message: gjson.GetBytes(body, "message").String(),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

// getJSON is a convenience for authenticated GETs.
func (c *Client) getJSON(ctx context.Context, s Session, path string, out any) error {
	req, err := c.newRequest(ctx, s, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// postJSON is a convenience for authenticated POSTs.
func (c *Client) postJSON(ctx context.Context, s Session, path string, body, out any) error {
	req, err := c.newRequest(ctx, s, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// isNotFound reports whether err is a RequestError with a 404 status. The
// 404 on branch lookup is the only status distinguished for control flow.
func isNotFound(err error) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr) && reqErr.IsNotFound()
}
