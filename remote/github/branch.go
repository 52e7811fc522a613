package github

import (
	"context"
	"fmt"
	"net/url"
)

// FetchRepoInfo fetches repository metadata (the default branch).
func (c *Client) FetchRepoInfo(ctx context.Context) (*RepoInfo, error) {
	s, err := c.readySession()
	if err != nil {
		return nil, err
	}

	var info RepoInfo
	if err := c.getJSON(ctx, s, repoPath(s, ""), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// FetchBranchInfo fetches the current tip of a branch: its commit SHA, tree
// SHA, and parent SHAs. A missing branch surfaces as a RequestError with a
// 404 status; every other failure is indistinguishable from it only by
// status code.
func (c *Client) FetchBranchInfo(ctx context.Context, branch string) (*BranchInfo, error) {
	s, err := c.readySession()
	if err != nil {
		return nil, err
	}
	return c.fetchBranchInfo(ctx, s, branch)
}

func (c *Client) fetchBranchInfo(ctx context.Context, s Session, branch string) (*BranchInfo, error) {
	var resp branchResponse
	path := repoPath(s, "/branches/"+url.PathEscape(branch))
	if err := c.getJSON(ctx, s, path, &resp); err != nil {
		return nil, err
	}
	return resp.info(), nil
}

// createBranchRef creates refs/heads/<branch> pointing at sha.
func (c *Client) createBranchRef(ctx context.Context, s Session, branch, sha string) error {
	body := struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	}{
		Ref: "refs/heads/" + branch,
		SHA: sha,
	}
	return c.postJSON(ctx, s, repoPath(s, "/git/refs"), body, nil)
}

// defaultBranchTip resolves the repository's default branch and its tip.
func (c *Client) defaultBranchTip(ctx context.Context, s Session) (*BranchInfo, error) {
	var repo RepoInfo
	if err := c.getJSON(ctx, s, repoPath(s, ""), &repo); err != nil {
		return nil, fmt.Errorf("fetching repository info: %w", err)
	}
	return c.fetchBranchInfo(ctx, s, repo.DefaultBranch)
}

// resolveBranch fetches the branch tip, creating the branch from the default
// branch tip when it does not exist yet. A branch that is still missing
// after create + re-fetch is a fatal BranchCreateError; it is not retried.
// Any non-404 fetch failure propagates immediately; an authorization or
// rate-limit failure is never mistaken for a missing branch.
func (c *Client) resolveBranch(ctx context.Context, s Session, branch, defaultBranch string) (*BranchInfo, error) {
	info, err := c.fetchBranchInfo(ctx, s, branch)
	if err == nil {
		return info, nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	tip, err := c.fetchBranchInfo(ctx, s, defaultBranch)
	if err != nil {
		return nil, &BranchCreateError{Branch: branch, Err: err}
	}

	c.logger.Info("creating branch on demand",
		"branch", branch,
		"base_sha", tip.CommitSHA,
	)
	if err := c.createBranchRef(ctx, s, branch, tip.CommitSHA); err != nil {
		return nil, &BranchCreateError{Branch: branch, Err: err}
	}

	info, err = c.fetchBranchInfo(ctx, s, branch)
	if err != nil {
		return nil, &BranchCreateError{Branch: branch, Err: err}
	}
	return info, nil
}

// EnsureBranch makes sure a branch exists, creating it from the default
// branch tip when missing. Calling it on an existing branch issues no
// ref-create call.
func (c *Client) EnsureBranch(ctx context.Context, branch string) error {
	s, err := c.readySession()
	if err != nil {
		return err
	}

	_, err = c.fetchBranchInfo(ctx, s, branch)
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return err
	}

	tip, err := c.defaultBranchTip(ctx, s)
	if err != nil {
		return &BranchCreateError{Branch: branch, Err: err}
	}
	if err := c.createBranchRef(ctx, s, branch, tip.CommitSHA); err != nil {
		return &BranchCreateError{Branch: branch, Err: err}
	}
	return nil
}

// ListBranches returns the repository's branch names, capped at
// BranchPageSize. Repositories with more branches than the cap have the
// remainder silently omitted; this client does not paginate.
func (c *Client) ListBranches(ctx context.Context) ([]string, error) {
	s, err := c.readySession()
	if err != nil {
		return nil, err
	}

	var resp []struct {
		Name string `json:"name"`
	}
	path := repoPath(s, fmt.Sprintf("/branches?per_page=%d", BranchPageSize))
	if err := c.getJSON(ctx, s, path, &resp); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(resp))
	for _, b := range resp {
		names = append(names, b.Name)
	}
	return names, nil
}
