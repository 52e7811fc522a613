package github

import (
	"context"
)

// CreatePullRequest opens a pull request from head into base on the session
// repository and returns its number and URL.
func (c *Client) CreatePullRequest(ctx context.Context, title, head, base string) (*PullRequest, error) {
	s, err := c.readySession()
	if err != nil {
		return nil, err
	}

	body := struct {
		Title string `json:"title"`
		Head  string `json:"head"`
		Base  string `json:"base"`
	}{
		Title: title,
		Head:  head,
		Base:  base,
	}

	var pr PullRequest
	if err := c.postJSON(ctx, s, repoPath(s, "/pulls"), body, &pr); err != nil {
		return nil, err
	}

	c.logger.Info("created pull request",
		"number", pr.Number,
		"head", head,
		"base", base,
	)
	return &pr, nil
}
