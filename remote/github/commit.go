package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// CommitFiles publishes files as a single commit on the session branch.
//
// The sequence is strictly ordered, each step's request body depends on the
// previous step's response:
//
//  1. resolve the repository's default branch
//  2. resolve the target branch tip, creating the branch on demand
//  3. create a tree on top of the base tree with inline-content entries
//  4. create a commit referencing the tree and the base commit
//  5. move the branch ref to the new commit
//
// Only step 5 mutates anything another client can observe. A failure before
// it leaves at most unreferenced tree/commit objects on the remote, which
// are garbage-collected there and never visible to other clients.
func (c *Client) CommitFiles(ctx context.Context, message string, files []CommitFile) (*CommitResult, error) {
	s, err := c.readySession()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("github: no files to commit")
	}

	var repo RepoInfo
	if err := c.getJSON(ctx, s, repoPath(s, ""), &repo); err != nil {
		return nil, fmt.Errorf("fetching repository info: %w", err)
	}

	base, err := c.resolveBranch(ctx, s, s.Branch, repo.DefaultBranch)
	if err != nil {
		return nil, err
	}

	treeSHA, err := c.createTree(ctx, s, base.TreeSHA, files)
	if err != nil {
		return nil, fmt.Errorf("creating tree: %w", err)
	}

	commitSHA, err := c.createCommit(ctx, s, message, treeSHA, base.CommitSHA)
	if err != nil {
		return nil, fmt.Errorf("creating commit: %w", err)
	}

	if err := c.updateBranchRef(ctx, s, s.Branch, commitSHA); err != nil {
		return nil, fmt.Errorf("updating branch ref: %w", err)
	}

	c.logger.Info("committed files",
		"branch", s.Branch,
		"commit_sha", commitSHA,
		"files", len(files),
	)

	return &CommitResult{
		CommitSHA: commitSHA,
		TreeSHA:   treeSHA,
		Branch:    s.Branch,
	}, nil
}

// createTree creates a tree on top of baseTree with one inline-content entry
// per file. The remote materializes blob objects from the content.
func (c *Client) createTree(ctx context.Context, s Session, baseTree string, files []CommitFile) (string, error) {
	entries := make([]treeEntry, 0, len(files))
	for _, f := range files {
		entries = append(entries, treeEntry{
			Path:    f.Path,
			Mode:    fileMode,
			Type:    "blob",
			Content: string(f.Content),
		})
	}

	body := struct {
		BaseTree string      `json:"base_tree"`
		Tree     []treeEntry `json:"tree"`
	}{
		BaseTree: baseTree,
		Tree:     entries,
	}

	var resp struct {
		SHA string `json:"sha"`
	}
	if err := c.postJSON(ctx, s, repoPath(s, "/git/trees"), body, &resp); err != nil {
		return "", err
	}
	return resp.SHA, nil
}

// createCommit creates a commit object referencing tree with parent as its
// sole parent.
func (c *Client) createCommit(ctx context.Context, s Session, message, tree, parent string) (string, error) {
	body := struct {
		Message string   `json:"message"`
		Tree    string   `json:"tree"`
		Parents []string `json:"parents"`
	}{
		Message: message,
		Tree:    tree,
		Parents: []string{parent},
	}

	var resp struct {
		SHA string `json:"sha"`
	}
	if err := c.postJSON(ctx, s, repoPath(s, "/git/commits"), body, &resp); err != nil {
		return "", err
	}
	return resp.SHA, nil
}

// updateBranchRef moves refs/heads/<branch> to sha. This is the single
// externally visible mutation in the commit sequence.
func (c *Client) updateBranchRef(ctx context.Context, s Session, branch, sha string) error {
	body := struct {
		SHA   string `json:"sha"`
		Force bool   `json:"force"`
	}{
		SHA: sha,
	}

	path := repoPath(s, "/git/refs/heads/"+url.PathEscape(branch))
	req, err := c.newRequest(ctx, s, http.MethodPatch, path, body)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}
