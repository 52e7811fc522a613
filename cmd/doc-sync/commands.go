package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	docsync "github.com/wolfeidau/doc-sync"
	"github.com/wolfeidau/doc-sync/server"
	"github.com/wolfeidau/doc-sync/telemetry"
)

// ServeCmd runs the local editing API server.
type ServeCmd struct {
	Address      string `help:"Address to listen on." default:"127.0.0.1:8080"`
	AuthToken    string `help:"Bearer token protecting the API, empty disables auth." env:"DOC_SYNC_AUTH_TOKEN"`
	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export." env:"DOC_SYNC_OTLP_ENDPOINT"`
	Prometheus   bool   `help:"Serve Prometheus metrics on /metrics." default:"true"`
}

func (c *ServeCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "doc-sync",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown", "error", err)
		}
	}()

	a, cleanup, err := setup(ctx, g, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	authToken := c.AuthToken
	if authToken == "" {
		authToken = a.authToken
	}

	srv := server.New(server.Config{
		Address:   c.Address,
		AuthToken: authToken,
		Logger:    logger,
	}, a.cache, a.client)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	sess := a.client.Session()
	logger.Info("server started",
		"address", srv.Address(),
		"repository", sess.Owner+"/"+sess.Repository,
		"branch", sess.Branch,
	)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// CommitCmd commits cached documents to the session branch.
type CommitCmd struct {
	Message    string   `help:"Commit message." short:"m" required:""`
	Collection string   `help:"Cache collection." default:"markdown"`
	Paths      []string `arg:"" help:"Document paths to commit."`
}

func (c *CommitCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx := context.Background()

	a, cleanup, err := setup(ctx, g, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := a.coordinator.CommitFromCache(ctx, c.Message, c.Collection, c.Paths)
	if err != nil {
		return err
	}

	fmt.Printf("committed %d file(s) to %s as %s\n", len(c.Paths), result.Branch, result.CommitSHA)
	return nil
}

// StageCmd stages documents into a branch namespace.
type StageCmd struct {
	Collection string   `help:"Cache collection." default:"markdown"`
	Source     string   `help:"Branch to resolve documents from." required:""`
	Target     string   `help:"Branch namespace to stage into." required:""`
	Paths      []string `arg:"" help:"Document paths to stage."`
}

func (c *StageCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx := context.Background()

	a, cleanup, err := setup(ctx, g, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := a.coordinator.StageFilesForBranch(ctx, c.Collection, c.Paths, c.Source, c.Target); err != nil {
		return err
	}

	fmt.Printf("staged %d file(s) for %s\n", len(c.Paths), c.Target)
	return nil
}

// PRCmd stages documents, commits them to a branch, and opens a pull request.
type PRCmd struct {
	Title      string   `help:"Pull request title." required:""`
	Message    string   `help:"Commit message." short:"m" required:""`
	Collection string   `help:"Cache collection." default:"markdown"`
	Source     string   `help:"Branch to resolve documents from." required:""`
	Target     string   `help:"Branch the pull request is opened from." required:""`
	Paths      []string `arg:"" help:"Document paths to include."`
}

func (c *PRCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx := context.Background()

	a, cleanup, err := setup(ctx, g, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	pr, err := a.coordinator.StageAndOpenPullRequest(ctx, c.Title, c.Message,
		c.Collection, c.Paths, c.Source, c.Target)
	if err != nil {
		return err
	}

	fmt.Printf("opened pull request #%d %s\n", pr.Number, pr.URL)
	return nil
}

// BranchesCmd lists remote branches.
type BranchesCmd struct{}

func (c *BranchesCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx := context.Background()

	a, cleanup, err := setup(ctx, g, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	branches, err := a.client.ListBranches(ctx)
	if err != nil {
		return err
	}

	for _, b := range branches {
		fmt.Println(b)
	}
	return nil
}

// LsCmd lists cached document keys in a collection.
type LsCmd struct {
	Collection string `arg:"" help:"Cache collection." default:"markdown"`
}

func (c *LsCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx := context.Background()

	a, cleanup, err := setup(ctx, g, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	keys, err := a.cache.ListKeys(ctx, c.Collection)
	if err != nil {
		return err
	}

	for _, k := range keys {
		fmt.Println(k)
	}
	return nil
}

// GetCmd prints a cached document.
type GetCmd struct {
	Collection string `help:"Cache collection." default:"markdown"`
	Key        string `arg:"" help:"Cache key, including the branch namespace."`
}

func (c *GetCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx := context.Background()

	a, cleanup, err := setup(ctx, g, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	value, ok, err := a.cache.Load(ctx, c.Collection, c.Key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("key %q not found in %s", c.Key, c.Collection)
	}

	_, err = os.Stdout.Write(value)
	return err
}

// PutCmd stores a document in the cache from a file or stdin.
type PutCmd struct {
	Collection string `help:"Cache collection." default:"markdown"`
	Key        string `arg:"" help:"Cache key, including the branch namespace."`
	File       string `arg:"" optional:"" help:"File to read, stdin when omitted."`
}

func (c *PutCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx := context.Background()

	a, cleanup, err := setup(ctx, g, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	var value []byte
	if c.File != "" {
		value, err = os.ReadFile(c.File)
	} else {
		value, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("reading document: %w", err)
	}

	if err := a.cache.Save(ctx, c.Collection, c.Key, value); err != nil {
		return err
	}

	fmt.Printf("stored %s/%s %s (%d bytes)\n", c.Collection, c.Key,
		docsync.HashBytes(value).ShortString(), len(value))
	return nil
}
