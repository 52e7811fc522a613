package github

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// acceptRaw asks the contents API for the file body instead of the JSON
// envelope with base64 content.
const acceptRaw = "application/vnd.github.raw+json"

// FetchFile retrieves a file's content from a branch. A 404 is reported as
// ErrFileNotFound; any other failure is a RequestError.
func (c *Client) FetchFile(ctx context.Context, path, branch string) ([]byte, error) {
	s, err := c.readySession()
	if err != nil {
		return nil, err
	}

	escaped := escapePath(path)
	apiPath := repoPath(s, "/contents/"+escaped+"?ref="+url.QueryEscape(branch))

	req, err := c.newRequest(ctx, s, http.MethodGet, apiPath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", acceptRaw)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", apiPath, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: %s on branch %s", ErrFileNotFound, path, branch)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, &RequestError{
			Method: http.MethodGet,
			URL:    apiPath,
			Status: resp.StatusCode,
			Body:   string(body),
		}
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading file content: %w", err)
	}
	return content, nil
}

// escapePath escapes each path segment while preserving separators.
func escapePath(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}
