// Package syncer implements the composite publishing workflows: committing a
// batch of cached documents, and staging documents onto another branch for a
// pull-request flow. It sequences cache reads/writes and remote calls; it
// adds no recovery logic beyond fail-fast aggregation of missing keys.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/doc-sync/download"
	"github.com/wolfeidau/doc-sync/remote/github"
	"github.com/wolfeidau/doc-sync/store/cachedb"
	"github.com/wolfeidau/doc-sync/telemetry"
)

// fetchConcurrency bounds the parallel remote fetches during staging. The
// per-file fetches fan out, but the workflow always joins them before
// returning.
const fetchConcurrency = 4

// branchSeparator namespaces cache keys by branch inside the repository
// scope, so the same document path can carry different content per branch.
const branchSeparator = "::"

// MissingKeysError reports every document a workflow could not resolve, not
// just the first. The workflow makes no remote commit and writes nothing
// when any key is missing.
type MissingKeysError struct {
	Collection string
	Keys       []string
}

func (e *MissingKeysError) Error() string {
	return fmt.Sprintf("syncer: missing documents in %s: %s", e.Collection, strings.Join(e.Keys, ", "))
}

// BranchKey returns the cache key for a document path namespaced to a
// branch.
func BranchKey(branch, path string) string {
	return branch + branchSeparator + path
}

// Coordinator sequences the local cache and the remote client into composite
// workflows.
type Coordinator struct {
	cache   cachedb.Cache
	remote  *github.Client
	fetcher *download.Deduper
	logger  *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger for the coordinator.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// New creates a Coordinator over a bound cache and a remote client.
func New(cache cachedb.Cache, remote *github.Client, opts ...Option) *Coordinator {
	c := &Coordinator{
		cache:   cache,
		remote:  remote,
		fetcher: download.New(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CommitFromCache loads each document from the active branch's cache
// namespace and publishes them as a single commit. Any absent document
// aborts before a single remote call is made, with MissingKeysError listing
// every missing path.
func (c *Coordinator) CommitFromCache(ctx context.Context, message, collection string, paths []string) (*github.CommitResult, error) {
	if err := c.remote.Ready(); err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("syncer: no documents selected")
	}

	branch := c.remote.Session().Branch
	logger := c.logger.With(
		"workflow_id", uuid.NewString(),
		"workflow", "commit",
		"branch", branch,
	)

	files := make([]github.CommitFile, 0, len(paths))
	var missing []string
	for _, path := range paths {
		value, ok, err := c.cache.Load(ctx, collection, BranchKey(branch, path))
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
		if !ok {
			missing = append(missing, path)
			continue
		}
		files = append(files, github.CommitFile{Path: path, Content: value})
	}
	if len(missing) > 0 {
		logger.Warn("aborting commit, documents missing from cache", "missing", missing)
		telemetry.RecordWorkflowAbort(ctx, "commit_from_cache", len(missing))
		return nil, &MissingKeysError{Collection: collection, Keys: missing}
	}

	result, err := c.remote.CommitFiles(ctx, message, files)
	if err != nil {
		return nil, err
	}

	logger.Info("committed cached documents",
		"commit_sha", result.CommitSHA,
		"files", len(files),
	)
	telemetry.RecordCommit(ctx, branch, len(files))
	return result, nil
}

// StageFilesForBranch resolves each document for the target branch: the
// target branch's own cache entry wins, then the source branch's cache
// entry, then a remote fetch from the source branch. Per-file remote fetches
// run in parallel and are always joined before the workflow continues.
// Any unresolvable document aborts the whole workflow with
// the full missing list and nothing is written; on success every resolved
// value is cached under the target branch namespace before returning, so a
// subsequent commit reads consistent state.
func (c *Coordinator) StageFilesForBranch(ctx context.Context, collection string, paths []string, sourceBranch, targetBranch string) error {
	if err := c.remote.Ready(); err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("syncer: no documents selected")
	}

	logger := c.logger.With(
		"workflow_id", uuid.NewString(),
		"workflow", "stage",
		"source", sourceBranch,
		"target", targetBranch,
	)

	resolved := make(map[string][]byte, len(paths))
	var toFetch []string

	for _, path := range paths {
		// Already staged under the target branch.
		if _, ok, err := c.cache.Load(ctx, collection, BranchKey(targetBranch, path)); err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		} else if ok {
			continue
		}

		// Cached under the source branch.
		value, ok, err := c.cache.Load(ctx, collection, BranchKey(sourceBranch, path))
		if err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		}
		if ok {
			resolved[path] = value
			continue
		}

		toFetch = append(toFetch, path)
	}

	fetched, missing, err := c.fetchFromBranch(ctx, toFetch, sourceBranch)
	if err != nil {
		return err
	}
	for path, value := range fetched {
		resolved[path] = value
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		logger.Warn("aborting staging, documents unresolvable", "missing", missing)
		telemetry.RecordWorkflowAbort(ctx, "stage_files", len(missing))
		return &MissingKeysError{Collection: collection, Keys: missing}
	}

	for path, value := range resolved {
		if err := c.cache.Save(ctx, collection, BranchKey(targetBranch, path), value); err != nil {
			return fmt.Errorf("staging %s: %w", path, err)
		}
	}

	logger.Info("staged documents for branch",
		"requested", len(paths),
		"from_source_cache", len(resolved)-len(fetched),
		"from_remote", len(fetched),
	)
	telemetry.RecordStagedFiles(ctx, "target_cache", len(paths)-len(resolved))
	telemetry.RecordStagedFiles(ctx, "source_cache", len(resolved)-len(fetched))
	telemetry.RecordStagedFiles(ctx, "remote", len(fetched))
	return nil
}

// fetchFromBranch fetches the given paths from a branch in parallel and
// joins the results. A 404 marks the path missing; any other failure aborts
// the whole group.
func (c *Coordinator) fetchFromBranch(ctx context.Context, paths []string, branch string) (map[string][]byte, []string, error) {
	if len(paths) == 0 {
		return nil, nil, nil
	}

	contents := make([][]byte, len(paths))
	notFound := make([]bool, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, path := range paths {
		g.Go(func() error {
			value, _, err := c.fetcher.Do(gctx, BranchKey(branch, path), func(ctx context.Context) ([]byte, error) {
				return c.remote.FetchFile(ctx, path, branch)
			})
			if errors.Is(err, github.ErrFileNotFound) {
				notFound[i] = true
				return nil
			}
			if err != nil {
				return err
			}
			contents[i] = value
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	fetched := make(map[string][]byte, len(paths))
	var missing []string
	for i, path := range paths {
		if notFound[i] {
			missing = append(missing, path)
			continue
		}
		fetched[path] = contents[i]
	}
	return fetched, missing, nil
}

// StageAndOpenPullRequest stages documents onto the target branch, commits
// them there, and opens a pull request back into the source branch.
func (c *Coordinator) StageAndOpenPullRequest(ctx context.Context, title, message, collection string, paths []string, sourceBranch, targetBranch string) (*github.PullRequest, error) {
	if err := c.StageFilesForBranch(ctx, collection, paths, sourceBranch, targetBranch); err != nil {
		return nil, err
	}

	previous := c.remote.Session().Branch
	c.remote.SetBranch(targetBranch)
	defer c.remote.SetBranch(previous)

	if _, err := c.CommitFromCache(ctx, message, collection, paths); err != nil {
		return nil, err
	}
	return c.remote.CreatePullRequest(ctx, title, targetBranch, sourceBranch)
}
