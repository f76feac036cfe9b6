package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"

	"github.com/bluesky-social/atrepo/atproto/syntax"
	"github.com/bluesky-social/atrepo/repomgr"
	"github.com/bluesky-social/atrepo/repostore"
	"github.com/bluesky-social/atrepo/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(-1)
	}
}

var storeFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "store",
		Usage:   "repository storage URL (sqlite://, postgres://, pebble://, blockstore://, mem://)",
		Value:   "sqlite://data/atrepo/repos.sqlite",
		EnvVars: []string{"ATREPO_STORE", "DATABASE_URL"},
	},
	&cli.IntFlag{
		Name:    "cache-size",
		Usage:   "number of blocks kept in the in-process LRU cache; 0 disables it",
		Value:   0,
		EnvVars: []string{"ATREPO_CACHE_SIZE"},
	},
	&cli.IntFlag{
		Name:    "max-db-connections",
		Value:   8,
		EnvVars: []string{"ATREPO_MAX_DB_CONNECTIONS"},
	},
}

var didFlag = &cli.StringFlag{
	Name:     "did",
	Usage:    "DID of the repository",
	Required: true,
	EnvVars:  []string{"ATREPO_DID"},
}

var signingKeyFlag = &cli.StringFlag{
	Name:    "signing-key",
	Aliases: []string{"key"},
	Usage:   "secret key as multibase, or path to a key file",
	EnvVars: []string{"ATREPO_SIGNING_KEY"},
}

func run(args []string) error {
	app := cli.App{
		Name:    "atrepo",
		Usage:   "atproto repository storage and inspection tool",
		Version: versioninfo.Short(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log verbosity level (eg: warn, info, debug)",
				EnvVars: []string{"ATREPO_LOG_LEVEL", "GOLOG_LOG_LEVEL", "LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "log output format: text or json",
				EnvVars: []string{"ATREPO_LOG_FORMAT"},
			},
			&cli.StringFlag{
				Name:    "otel-exporter-otlp-endpoint",
				EnvVars: []string{"OTEL_EXPORTER_OTLP_ENDPOINT"},
			},
		},
		Before: func(cctx *cli.Context) error {
			if _, err := configLogger(cctx); err != nil {
				return err
			}
			return setupOTEL(cctx)
		},
		After: func(cctx *cli.Context) error {
			shutdownOTEL()
			return nil
		},
	}
	app.Commands = []*cli.Command{
		cmdKey,
		cmdRepo,
		cmdRecord,
		cmdMST,
	}
	return app.Run(args)
}

func configLogger(cctx *cli.Context) (*slog.Logger, error) {
	return cliutil.SetupSlog(cliutil.LogOptions{
		LogLevel:  cctx.String("log-level"),
		LogFormat: cctx.String("log-format"),
	})
}

func openStore(cctx *cli.Context) (repostore.Store, error) {
	return repostore.OpenFromURL(cctx.Context, cctx.String("store"), repostore.Options{
		CacheSize:      cctx.Int("cache-size"),
		MaxConnections: cctx.Int("max-db-connections"),
	})
}

// openManager opens the store and wraps it in a RepoManager signing with --signing-key. The key is
// optional for commands that only read.
func openManager(cctx *cli.Context, needKey bool) (*repomgr.RepoManager, repostore.Store, error) {
	var km repomgr.StaticKeyManager
	if s := cctx.String("signing-key"); s != "" {
		key, err := cliutil.LoadSigningKey(s)
		if err != nil {
			return nil, nil, err
		}
		km.Key = key
	} else if needKey {
		return nil, nil, fmt.Errorf("a signing key is required (--signing-key or ATREPO_SIGNING_KEY)")
	}

	store, err := openStore(cctx)
	if err != nil {
		return nil, nil, err
	}
	rm := repomgr.NewRepoManager(store, km)
	rm.SetEventHandler(func(ctx context.Context, evt *repomgr.RepoEvent) {
		slog.Debug("repo event", "kind", evt.Kind, "did", evt.DID, "commit", evt.Commit, "rev", evt.Rev, "ops", len(evt.Ops), "slice_bytes", len(evt.RepoSlice))
	})
	return rm, store, nil
}

func argDID(cctx *cli.Context) (syntax.DID, error) {
	return syntax.ParseDID(cctx.String("did"))
}
