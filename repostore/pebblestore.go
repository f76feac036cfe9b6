package repostore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bluesky-social/atrepo/atproto/syntax"
	"github.com/bluesky-social/atrepo/blockmap"
	"github.com/bluesky-social/atrepo/repo"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/ipfs/go-cid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// PebbleStore keeps repositories in a pebble key-value database.
//
// Keys:
//
//	b/<did>/<cid bytes>  block bytes
//	r/<did>              head: cid bytes followed by the rev
type PebbleStore struct {
	db  *pebble.DB
	log *slog.Logger
}

var _ Store = (*PebbleStore)(nil)

// OpenPebbleStore opens (or creates) a database at path. A nil fs means the local disk.
func OpenPebbleStore(path string, fs vfs.FS, log *slog.Logger) (*PebbleStore, error) {
	if log == nil {
		log = slog.Default().With("system", "repostore")
	}
	opts := &pebble.Options{}
	if fs != nil {
		opts.FS = fs
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}
	return &PebbleStore{db: db, log: log}, nil
}

func blockPrefix(did string) []byte {
	return []byte("b/" + did + "/")
}

func blockKey(did string, c cid.Cid) []byte {
	return append(blockPrefix(did), c.Bytes()...)
}

func rootKey(did string) []byte {
	return []byte("r/" + did)
}

// prefixEnd is the smallest key greater than every key starting with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func encodeHead(root cid.Cid, rev string) []byte {
	return append(root.Bytes(), rev...)
}

func decodeHead(b []byte) (cid.Cid, string, error) {
	n, c, err := cid.CidFromBytes(b)
	if err != nil {
		return cid.Undef, "", fmt.Errorf("corrupt repo head: %w", err)
	}
	return c, string(b[n:]), nil
}

func (ps *PebbleStore) get(key []byte) ([]byte, error) {
	val, closer, err := ps.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

func (ps *PebbleStore) Repo(did syntax.DID) repo.Storage {
	return &pebbleStorage{ps: ps, did: did.String()}
}

func (ps *PebbleStore) ListRepos(ctx context.Context) ([]RepoHead, error) {
	lower := []byte("r/")
	iter, err := ps.db.NewIterWithContext(ctx, &pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixEnd(lower),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []RepoHead
	for iter.First(); iter.Valid(); iter.Next() {
		root, rev, err := decodeHead(iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, RepoHead{DID: syntax.DID(iter.Key()[len(lower):]), Root: root, Rev: rev})
	}
	return out, iter.Error()
}

func (ps *PebbleStore) DeleteRepo(ctx context.Context, did syntax.DID) error {
	batch := ps.db.NewBatch()
	defer batch.Close()
	prefix := blockPrefix(did.String())
	if err := batch.DeleteRange(prefix, prefixEnd(prefix), nil); err != nil {
		return err
	}
	if err := batch.Delete(rootKey(did.String()), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (ps *PebbleStore) Close() error {
	return ps.db.Close()
}

type pebbleStorage struct {
	ps  *PebbleStore
	did string
}

func (s *pebbleStorage) GetBytes(ctx context.Context, c cid.Cid) ([]byte, error) {
	return s.ps.get(blockKey(s.did, c))
}

func (s *pebbleStorage) GetBlocks(ctx context.Context, cids []cid.Cid) (*blockmap.BlockMap, []cid.Cid, error) {
	found := blockmap.NewBlockMap()
	var missing []cid.Cid
	for _, c := range cids {
		b, err := s.ps.get(blockKey(s.did, c))
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

func (s *pebbleStorage) Has(ctx context.Context, c cid.Cid) (bool, error) {
	_, closer, err := s.ps.db.Get(blockKey(s.did, c))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

func (s *pebbleStorage) GetRoot(ctx context.Context) (*cid.Cid, error) {
	b, err := s.ps.get(rootKey(s.did))
	if err != nil || b == nil {
		return nil, err
	}
	root, _, err := decodeHead(b)
	if err != nil {
		return nil, err
	}
	return &root, nil
}

func (s *pebbleStorage) ApplyCommit(ctx context.Context, commit *repo.CommitData) error {
	_, span := otel.Tracer("repostore").Start(ctx, "pebbleApplyCommit")
	defer span.End()
	span.SetAttributes(
		attribute.Int("blocks", commit.NewBlocks.Len()),
		attribute.Int("removed", commit.RemovedCids.Len()),
	)

	batch := s.ps.db.NewBatch()
	defer batch.Close()

	if err := commit.NewBlocks.ForEach(func(c cid.Cid, b []byte) error {
		return batch.Set(blockKey(s.did, c), b, nil)
	}); err != nil {
		return err
	}
	for _, c := range commit.RemovedCids.List() {
		if commit.NewBlocks.Has(c) {
			continue
		}
		if err := batch.Delete(blockKey(s.did, c), nil); err != nil {
			return err
		}
	}
	if err := batch.Set(rootKey(s.did), encodeHead(commit.Cid, commit.Rev), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}
