// Package repostore provides durable block storage for repositories.
//
// A [Store] holds any number of repositories; [Store.Repo] returns the [repo.Storage] view for one
// of them. Every backend applies a commit atomically: readers see the old head and its blocks or
// the new head and its blocks, never a mix.
package repostore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bluesky-social/atrepo/atproto/syntax"
	"github.com/bluesky-social/atrepo/repo"

	"github.com/ipfs/go-cid"
)

type Store interface {
	// Repo returns the storage for one repository. It does not check that the repository exists.
	Repo(did syntax.DID) repo.Storage
	// ListRepos returns every repository with a head commit.
	ListRepos(ctx context.Context) ([]RepoHead, error)
	// DeleteRepo drops every block and the head of a repository.
	DeleteRepo(ctx context.Context, did syntax.DID) error
	Close() error
}

type RepoHead struct {
	DID  syntax.DID
	Root cid.Cid
	Rev  string
}

// Options shared by every backend opened through OpenFromURL.
type Options struct {
	Logger *slog.Logger
	// size of the block cache put in front of the store; zero disables it
	CacheSize int
	// open connection limit for SQL databases
	MaxConnections int
}

// OpenFromURL opens a store from a URL:
//
//	mem://                      in-memory, lost on exit
//	sqlite://path/to/file.db    gorm + sqlite
//	postgres://user@host/db     gorm + postgres
//	pebble://path/to/dir        pebble
//	blockstore://path/to/dir    ipfs blockstore over a flatfs datastore; blockstore:// alone is in-memory
func OpenFromURL(ctx context.Context, url string, opts Options) (Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	log := opts.Logger.With("system", "repostore")

	var (
		store Store
		err   error
	)
	switch {
	case url == "mem://" || url == "mem":
		store = NewMemStore()
	case strings.HasPrefix(url, "sqlite://"), strings.HasPrefix(url, "sqlite="),
		strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"), strings.HasPrefix(url, "postgres="):
		store, err = OpenGormStore(url, opts.MaxConnections, log)
	case strings.HasPrefix(url, "pebble://"):
		store, err = OpenPebbleStore(strings.TrimPrefix(url, "pebble://"), nil, log)
	case strings.HasPrefix(url, "blockstore://"):
		store, err = OpenBlockstoreStore(strings.TrimPrefix(url, "blockstore://"), log)
	default:
		return nil, fmt.Errorf("unsupported store URL: %q", url)
	}
	if err != nil {
		return nil, err
	}

	if opts.CacheSize > 0 {
		cached, err := NewCachedStore(store, opts.CacheSize)
		if err != nil {
			store.Close()
			return nil, err
		}
		store = cached
	}
	log.Info("opened repo store", "url", redactURL(url), "cache", opts.CacheSize)
	return store, nil
}

// redactURL hides the password of a database URL for logging.
func redactURL(url string) string {
	scheme, rest, ok := strings.Cut(url, "://")
	if !ok {
		return url
	}
	creds, host, ok := strings.Cut(rest, "@")
	if !ok {
		return url
	}
	user, _, _ := strings.Cut(creds, ":")
	return scheme + "://" + user + ":***@" + host
}
