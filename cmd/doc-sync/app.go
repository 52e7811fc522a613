package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wolfeidau/doc-sync/credentials"
	"github.com/wolfeidau/doc-sync/credentials/opprovider"
	"github.com/wolfeidau/doc-sync/remote/github"
	"github.com/wolfeidau/doc-sync/store/cachedb"
	"github.com/wolfeidau/doc-sync/syncer"
	"github.com/wolfeidau/doc-sync/telemetry"
)

// app holds the wired components shared by all commands.
type app struct {
	logger      *slog.Logger
	cache       cachedb.Cache
	client      *github.Client
	coordinator *syncer.Coordinator
	authToken   string
}

// setup resolves credentials, opens the cache bound to the target
// repository, and configures the GitHub client. The returned cleanup
// closes the cache.
func setup(ctx context.Context, g *Globals, logger *slog.Logger) (*app, func(), error) {
	creds, err := resolveCredentials(ctx, g, logger)
	if err != nil {
		return nil, nil, err
	}

	sess, err := buildSession(g, creds)
	if err != nil {
		return nil, nil, err
	}

	cache := cachedb.NewBoltCache(cachedb.WithLogger(logger.With("component", "cachedb")))
	if err := cache.Open(g.CachePath); err != nil {
		return nil, nil, fmt.Errorf("opening cache: %w", err)
	}

	repo := sess.Owner + "/" + sess.Repository
	if err := cache.BindRepository(repo); err != nil {
		_ = cache.Close()
		return nil, nil, fmt.Errorf("binding cache to %s: %w", repo, err)
	}

	clientOpts := []github.ClientOption{
		github.WithClientLogger(logger.With("component", "github")),
		github.WithHTTPClient(&http.Client{
			Transport: telemetry.NewInstrumentedTransport(nil),
			Timeout:   60 * time.Second,
		}),
	}
	baseURL := g.BaseURL
	if baseURL == "" && creds != nil && creds.GitHub != nil {
		baseURL = creds.GitHub.BaseURL
	}
	if baseURL != "" {
		clientOpts = append(clientOpts, github.WithBaseURL(baseURL))
	}

	client := github.NewClient(clientOpts...)
	client.SetSession(sess)

	a := &app{
		logger:      logger,
		cache:       cache,
		client:      client,
		coordinator: syncer.New(cache, client, syncer.WithLogger(logger.With("component", "syncer"))),
	}
	if creds != nil {
		a.authToken = creds.AuthToken
	}

	cleanup := func() {
		if err := cache.Close(); err != nil {
			logger.Warn("closing cache", "error", err)
		}
	}
	return a, cleanup, nil
}

func resolveCredentials(ctx context.Context, g *Globals, logger *slog.Logger) (*credentials.Credentials, error) {
	if g.Credentials == "" {
		return nil, nil
	}

	resolver := credentials.NewResolver(
		credentials.WithLogger(logger.With("component", "credentials")),
		opprovider.WithOnePassword(),
	)
	creds, err := resolver.ResolveFile(ctx, g.Credentials)
	if err != nil {
		return nil, fmt.Errorf("resolving credentials: %w", err)
	}
	return creds, nil
}

// buildSession merges the credentials file with command line flags,
// flags win where both are set. The branch falls back to main only when
// neither source names one.
func buildSession(g *Globals, creds *credentials.Credentials) (github.Session, error) {
	var sess github.Session

	if creds != nil && creds.GitHub != nil {
		sess.Owner = creds.GitHub.Owner
		sess.Repository = creds.GitHub.Repository
		sess.Branch = creds.GitHub.Branch
		sess.Token = creds.GitHub.Token
	}

	if g.Repo != "" {
		owner, name, ok := strings.Cut(g.Repo, "/")
		if !ok || owner == "" || name == "" {
			return github.Session{}, fmt.Errorf("invalid repository %q, expected owner/name", g.Repo)
		}
		sess.Owner = owner
		sess.Repository = name
	}
	if g.Token != "" {
		sess.Token = g.Token
	}
	if g.Branch != "" {
		sess.Branch = g.Branch
	}
	if sess.Branch == "" {
		sess.Branch = "main"
	}

	if sess.Owner == "" || sess.Repository == "" {
		return github.Session{}, fmt.Errorf("no target repository, set --repo or a credentials file")
	}
	if sess.Token == "" {
		return github.Session{}, fmt.Errorf("no GitHub token, set GITHUB_TOKEN or a credentials file")
	}

	return sess, nil
}
