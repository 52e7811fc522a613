// Command doc-sync publishes locally edited documents to a GitHub
// repository. It serves the local editing API and offers one-shot
// commands for cache inspection and sync workflows.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
)

var version = "dev"

type Globals struct {
	CachePath   string `help:"Path to the local document cache." default:"doc-sync.db" env:"DOC_SYNC_CACHE"`
	Credentials string `help:"Path to a credentials template file." env:"DOC_SYNC_CREDENTIALS"`
	Repo        string `help:"Target repository as owner/name." env:"DOC_SYNC_REPO"`
	Branch      string `help:"Branch commits are published to (defaults to main)." env:"DOC_SYNC_BRANCH"`
	Token       string `help:"GitHub token, prefer the credentials file." env:"GITHUB_TOKEN"`
	BaseURL     string `help:"GitHub API base URL for GitHub Enterprise." env:"DOC_SYNC_BASE_URL"`
	LogLevel    string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error"`
	LogFormat   string `help:"Log format (text, json)." default:"text" enum:"text,json"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

type CLI struct {
	Globals

	Serve    ServeCmd    `cmd:"" help:"Run the local editing API server."`
	Commit   CommitCmd   `cmd:"" help:"Commit cached documents to the session branch."`
	Stage    StageCmd    `cmd:"" help:"Stage documents into a branch namespace."`
	PR       PRCmd       `cmd:"" help:"Stage documents, commit them, and open a pull request."`
	Branches BranchesCmd `cmd:"" help:"List remote branches."`
	Ls       LsCmd       `cmd:"" help:"List cached document keys in a collection."`
	Get      GetCmd      `cmd:"" help:"Print a cached document."`
	Put      PutCmd      `cmd:"" help:"Store a document in the cache."`
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("doc-sync"),
		kong.Description("Publish locally edited documents to a GitHub repository."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	logger, err := newLogger(cli.LogLevel, cli.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if err := ctx.Run(&cli.Globals, logger); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: lvl})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}

	return slog.New(handler), nil
}
