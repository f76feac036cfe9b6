package repostore

import (
	"context"
	"fmt"

	"github.com/bluesky-social/atrepo/atproto/syntax"
	"github.com/bluesky-social/atrepo/blockmap"
	"github.com/bluesky-social/atrepo/repo"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/go-cid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

var cacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "repostore_block_cache_hits",
	Help: "Number of block reads served from the block cache",
})

var cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "repostore_block_cache_misses",
	Help: "Number of block reads that went to the underlying store",
})

type cacheKey struct {
	did syntax.DID
	cid cid.Cid
}

// CachedStore puts an LRU block cache in front of another Store. Blocks are immutable, so the
// only invalidation is dropping removed blocks when a commit is applied. Heads are never cached.
type CachedStore struct {
	base  Store
	cache *lru.Cache[cacheKey, []byte]
	group singleflight.Group
}

var _ Store = (*CachedStore)(nil)

func NewCachedStore(base Store, size int) (*CachedStore, error) {
	cache, err := lru.New[cacheKey, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("creating block cache: %w", err)
	}
	return &CachedStore{base: base, cache: cache}, nil
}

func (cs *CachedStore) Repo(did syntax.DID) repo.Storage {
	return &cachedStorage{cs: cs, did: did, base: cs.base.Repo(did)}
}

func (cs *CachedStore) ListRepos(ctx context.Context) ([]RepoHead, error) {
	return cs.base.ListRepos(ctx)
}

func (cs *CachedStore) DeleteRepo(ctx context.Context, did syntax.DID) error {
	for _, k := range cs.cache.Keys() {
		if k.did == did {
			cs.cache.Remove(k)
		}
	}
	return cs.base.DeleteRepo(ctx, did)
}

func (cs *CachedStore) Close() error {
	cs.cache.Purge()
	return cs.base.Close()
}

type cachedStorage struct {
	cs   *CachedStore
	did  syntax.DID
	base repo.Storage
}

func (s *cachedStorage) GetBytes(ctx context.Context, c cid.Cid) ([]byte, error) {
	k := cacheKey{did: s.did, cid: c}
	if b, ok := s.cs.cache.Get(k); ok {
		cacheHits.Inc()
		return b, nil
	}
	cacheMisses.Inc()

	v, err, _ := s.cs.group.Do(s.did.String()+"/"+c.KeyString(), func() (any, error) {
		b, err := s.base.GetBytes(ctx, c)
		if err != nil || b == nil {
			return b, err
		}
		s.cs.cache.Add(k, b)
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (s *cachedStorage) GetBlocks(ctx context.Context, cids []cid.Cid) (*blockmap.BlockMap, []cid.Cid, error) {
	found := blockmap.NewBlockMap()
	var uncached []cid.Cid
	for _, c := range cids {
		if b, ok := s.cs.cache.Get(cacheKey{did: s.did, cid: c}); ok {
			cacheHits.Inc()
			found.Set(c, b)
			continue
		}
		uncached = append(uncached, c)
	}
	if len(uncached) == 0 {
		return found, nil, nil
	}
	cacheMisses.Add(float64(len(uncached)))

	fetched, missing, err := s.base.GetBlocks(ctx, uncached)
	if err != nil {
		return nil, nil, err
	}
	_ = fetched.ForEach(func(c cid.Cid, b []byte) error {
		s.cs.cache.Add(cacheKey{did: s.did, cid: c}, b)
		found.Set(c, b)
		return nil
	})
	return found, missing, nil
}

func (s *cachedStorage) Has(ctx context.Context, c cid.Cid) (bool, error) {
	if s.cs.cache.Contains(cacheKey{did: s.did, cid: c}) {
		return true, nil
	}
	return s.base.Has(ctx, c)
}

func (s *cachedStorage) GetRoot(ctx context.Context) (*cid.Cid, error) {
	return s.base.GetRoot(ctx)
}

func (s *cachedStorage) ApplyCommit(ctx context.Context, commit *repo.CommitData) error {
	if err := s.base.ApplyCommit(ctx, commit); err != nil {
		return err
	}
	for _, c := range commit.RemovedCids.List() {
		if !commit.NewBlocks.Has(c) {
			s.cs.cache.Remove(cacheKey{did: s.did, cid: c})
		}
	}
	return nil
}
