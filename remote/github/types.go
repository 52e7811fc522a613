// Package github drives a GitHub-style hosting API through its low-level
// object protocol (tree, commit, ref) to publish batches of documents as
// commits, and supports branch inspection/creation and pull requests.
package github

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// DefaultBaseURL is the GitHub REST API endpoint.
	DefaultBaseURL = "https://api.github.com"

	// BranchPageSize caps ListBranches at a single page. Repositories with
	// more branches than this have the remainder silently omitted; callers
	// that care need pagination, which this client does not implement.
	BranchPageSize = 100

	// fileMode is the tree entry mode for regular files.
	fileMode = "100644"
)

// ErrFileNotFound is returned by FetchFile when the path does not exist on
// the requested branch. It is distinguished from other failures only by the
// 404 status code.
var ErrFileNotFound = errors.New("github: file not found")

// Session holds the active publishing target. All four fields must be
// non-empty before any remote operation; token validity is checked by the
// remote, not locally.
type Session struct {
	Owner      string
	Repository string
	Branch     string
	Token      string
}

// missing returns the names of unset session fields.
func (s Session) missing() []string {
	var fields []string
	if s.Owner == "" {
		fields = append(fields, "owner")
	}
	if s.Repository == "" {
		fields = append(fields, "repository")
	}
	if s.Branch == "" {
		fields = append(fields, "branch")
	}
	if s.Token == "" {
		fields = append(fields, "token")
	}
	return fields
}

// SessionNotReadyError is returned when a remote operation is attempted
// before the session is fully populated.
type SessionNotReadyError struct {
	Missing []string
}

func (e *SessionNotReadyError) Error() string {
	return fmt.Sprintf("github: session not ready: missing %s", strings.Join(e.Missing, ", "))
}

// RequestError carries the status code and response body of a failed remote
// call. No remote failure is swallowed; callers decide whether to retry.
type RequestError struct {
	Method  string
	URL     string
	Status  int
	Body    string
	Message string // extracted from the response body when present
}

func (e *RequestError) Error() string {
	detail := e.Message
	if detail == "" {
		detail = e.Body
	}
	return fmt.Sprintf("github: %s %s returned %d: %s", e.Method, e.URL, e.Status, detail)
}

// IsNotFound reports whether the failure was a 404.
func (e *RequestError) IsNotFound() bool {
	return e.Status == 404
}

// BranchCreateError is returned when a branch is still unresolvable after an
// on-demand create and re-fetch. It is fatal and never retried internally.
type BranchCreateError struct {
	Branch string
	Err    error
}

func (e *BranchCreateError) Error() string {
	return fmt.Sprintf("github: creating branch %q failed: %v", e.Branch, e.Err)
}

func (e *BranchCreateError) Unwrap() error {
	return e.Err
}

// RepoInfo is the repository metadata the engine needs.
type RepoInfo struct {
	DefaultBranch string `json:"default_branch"`
}

// BranchInfo is the minimal pointer set needed to build the next commit on a
// branch. Always fetched fresh from the remote; it can go stale the instant
// another writer touches the branch, so it is never cached locally.
type BranchInfo struct {
	CommitSHA  string
	TreeSHA    string
	ParentSHAs []string
}

// CommitFile is a single (path, content) pair submitted for commit.
type CommitFile struct {
	Path    string
	Content []byte
}

// CommitResult reports the objects created by CommitFiles.
type CommitResult struct {
	CommitSHA string
	TreeSHA   string
	Branch    string
}

// PullRequest is the outcome of CreatePullRequest.
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"html_url"`
}

// branchResponse mirrors the GET /repos/{o}/{r}/branches/{branch} payload.
type branchResponse struct {
	Name   string `json:"name"`
	Commit struct {
		SHA    string `json:"sha"`
		Commit struct {
			Tree struct {
				SHA string `json:"sha"`
			} `json:"tree"`
		} `json:"commit"`
		Parents []struct {
			SHA string `json:"sha"`
		} `json:"parents"`
	} `json:"commit"`
}

func (r *branchResponse) info() *BranchInfo {
	info := &BranchInfo{
		CommitSHA: r.Commit.SHA,
		TreeSHA:   r.Commit.Commit.Tree.SHA,
	}
	for _, p := range r.Commit.Parents {
		info.ParentSHAs = append(info.ParentSHAs, p.SHA)
	}
	return info
}

// treeEntry is a single inline-content entry in a tree-create request. The
// remote materializes blob objects from the content; the engine never
// manages blobs directly.
type treeEntry struct {
	Path    string `json:"path"`
	Mode    string `json:"mode"`
	Type    string `json:"type"`
	Content string `json:"content"`
}
