package repostore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bluesky-social/atrepo/atproto/syntax"
	"github.com/bluesky-social/atrepo/blockmap"
	"github.com/bluesky-social/atrepo/repo"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	flatfs "github.com/ipfs/go-ds-flatfs"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	ipld "github.com/ipfs/go-ipld-format"
)

// flatfs only accepts upper case keys, and blocks are keyed by base32 multihash, so this can not
// collide with a block
var headKey = datastore.NewKey("/HEAD")

// BlockstoreStore keeps each repository in its own ipfs blockstore. With a directory, every
// repository gets a flatfs datastore under it; without one, datastores live in memory.
//
// Blockstores have no transactions. ApplyCommit writes new blocks, then the head, then deletes
// removed blocks, so an interrupted commit leaves the previous head and all of its blocks readable.
type BlockstoreStore struct {
	dir string
	log *slog.Logger

	lk    sync.Mutex
	repos map[syntax.DID]*bsRepo
}

type bsRepo struct {
	// serializes ApplyCommit against itself
	lk sync.Mutex
	ds datastore.Batching
	bs blockstore.Blockstore
}

var _ Store = (*BlockstoreStore)(nil)

func OpenBlockstoreStore(dir string, log *slog.Logger) (*BlockstoreStore, error) {
	if log == nil {
		log = slog.Default().With("system", "repostore")
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0775); err != nil {
			return nil, err
		}
	}
	return &BlockstoreStore{
		dir:   dir,
		log:   log,
		repos: make(map[syntax.DID]*bsRepo),
	}, nil
}

// DIDs never contain underscores, so this mapping is reversible.
func didDirName(did syntax.DID) string {
	return strings.ReplaceAll(did.String(), ":", "_")
}

func (bss *BlockstoreStore) open(did syntax.DID) (*bsRepo, error) {
	bss.lk.Lock()
	defer bss.lk.Unlock()

	if r, ok := bss.repos[did]; ok {
		return r, nil
	}

	var ds datastore.Batching
	if bss.dir == "" {
		ds = dssync.MutexWrap(datastore.NewMapDatastore())
	} else {
		fds, err := flatfs.CreateOrOpen(filepath.Join(bss.dir, didDirName(did)), flatfs.IPFS_DEF_SHARD, false)
		if err != nil {
			return nil, fmt.Errorf("opening flatfs for %s: %w", did, err)
		}
		ds = fds
	}
	r := &bsRepo{ds: ds, bs: blockstore.NewBlockstoreNoPrefix(ds)}
	bss.repos[did] = r
	return r, nil
}

func (bss *BlockstoreStore) Repo(did syntax.DID) repo.Storage {
	return &bsStorage{bss: bss, did: did}
}

func (bss *BlockstoreStore) ListRepos(ctx context.Context) ([]RepoHead, error) {
	var dids []syntax.DID
	if bss.dir == "" {
		bss.lk.Lock()
		for did := range bss.repos {
			dids = append(dids, did)
		}
		bss.lk.Unlock()
	} else {
		entries, err := os.ReadDir(bss.dir)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				dids = append(dids, syntax.DID(strings.ReplaceAll(e.Name(), "_", ":")))
			}
		}
	}
	sort.Slice(dids, func(i, j int) bool { return dids[i] < dids[j] })

	var out []RepoHead
	for _, did := range dids {
		r, err := bss.open(did)
		if err != nil {
			return nil, err
		}
		root, rev, err := r.head(ctx)
		if err != nil {
			return nil, err
		}
		if root == nil {
			continue
		}
		out = append(out, RepoHead{DID: did, Root: *root, Rev: rev})
	}
	return out, nil
}

func (bss *BlockstoreStore) DeleteRepo(ctx context.Context, did syntax.DID) error {
	bss.lk.Lock()
	r, ok := bss.repos[did]
	delete(bss.repos, did)
	bss.lk.Unlock()

	if ok {
		if err := r.ds.Close(); err != nil {
			return err
		}
	}
	if bss.dir != "" {
		return os.RemoveAll(filepath.Join(bss.dir, didDirName(did)))
	}
	return nil
}

func (bss *BlockstoreStore) Close() error {
	bss.lk.Lock()
	defer bss.lk.Unlock()

	var errs []error
	for did, r := range bss.repos {
		if err := r.ds.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", did, err))
		}
	}
	bss.repos = make(map[syntax.DID]*bsRepo)
	return errors.Join(errs...)
}

func (r *bsRepo) head(ctx context.Context) (*cid.Cid, string, error) {
	b, err := r.ds.Get(ctx, headKey)
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	root, rev, err := decodeHead(b)
	if err != nil {
		return nil, "", err
	}
	return &root, rev, nil
}

type bsStorage struct {
	bss *BlockstoreStore
	did syntax.DID
}

func (s *bsStorage) GetBytes(ctx context.Context, c cid.Cid) ([]byte, error) {
	r, err := s.bss.open(s.did)
	if err != nil {
		return nil, err
	}
	blk, err := r.bs.Get(ctx, c)
	if ipld.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return blk.RawData(), nil
}

func (s *bsStorage) GetBlocks(ctx context.Context, cids []cid.Cid) (*blockmap.BlockMap, []cid.Cid, error) {
	found := blockmap.NewBlockMap()
	var missing []cid.Cid
	for _, c := range cids {
		b, err := s.GetBytes(ctx, c)
		if err != nil {
			return nil, nil, err
		}
		if b == nil {
			missing = append(missing, c)
			continue
		}
		found.Set(c, b)
	}
	return found, missing, nil
}

func (s *bsStorage) Has(ctx context.Context, c cid.Cid) (bool, error) {
	r, err := s.bss.open(s.did)
	if err != nil {
		return false, err
	}
	return r.bs.Has(ctx, c)
}

func (s *bsStorage) GetRoot(ctx context.Context) (*cid.Cid, error) {
	r, err := s.bss.open(s.did)
	if err != nil {
		return nil, err
	}
	root, _, err := r.head(ctx)
	return root, err
}

func (s *bsStorage) ApplyCommit(ctx context.Context, commit *repo.CommitData) error {
	r, err := s.bss.open(s.did)
	if err != nil {
		return err
	}
	r.lk.Lock()
	defer r.lk.Unlock()

	blks := make([]blocks.Block, 0, commit.NewBlocks.Len())
	if err := commit.NewBlocks.ForEach(func(c cid.Cid, b []byte) error {
		blk, err := blocks.NewBlockWithCid(b, c)
		if err != nil {
			return err
		}
		blks = append(blks, blk)
		return nil
	}); err != nil {
		return err
	}
	if err := r.bs.PutMany(ctx, blks); err != nil {
		return fmt.Errorf("writing blocks: %w", err)
	}

	if err := r.ds.Put(ctx, headKey, encodeHead(commit.Cid, commit.Rev)); err != nil {
		return fmt.Errorf("writing head: %w", err)
	}
	if err := r.ds.Sync(ctx, headKey); err != nil {
		return err
	}

	for _, c := range commit.RemovedCids.List() {
		if commit.NewBlocks.Has(c) {
			continue
		}
		if err := r.bs.DeleteBlock(ctx, c); err != nil && !ipld.IsNotFound(err) {
			// the new head is already durable; a leftover block is only wasted space
			s.bss.log.Warn("failed to delete removed block", "did", s.did, "cid", c, "err", err)
		}
	}
	return nil
}
