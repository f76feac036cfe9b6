package repostore

import (
	"context"
	"sync"

	"github.com/bluesky-social/atrepo/blockmap"
	"github.com/bluesky-social/atrepo/repo"

	"github.com/ipfs/go-cid"
)

// StagedStorage layers in-memory blocks over an optional base storage. Commits applied to it are
// kept in the overlay and never reach the base, which makes it suitable for loading and checking
// an imported repository before anything is persisted.
type StagedStorage struct {
	base repo.Storage

	lk      sync.RWMutex
	blocks  *blockmap.BlockMap
	removed *blockmap.CidSet
	root    *cid.Cid
}

var _ repo.Storage = (*StagedStorage)(nil)

// NewStagedStorage stages blocks over base. A nil base means the overlay is the only source.
func NewStagedStorage(base repo.Storage, blocks *blockmap.BlockMap, root *cid.Cid) *StagedStorage {
	if blocks == nil {
		blocks = blockmap.NewBlockMap()
	}
	return &StagedStorage{
		base:    base,
		blocks:  blocks,
		removed: blockmap.NewCidSet(),
		root:    root,
	}
}

// Staged returns the blocks held in the overlay.
func (s *StagedStorage) Staged() *blockmap.BlockMap {
	s.lk.RLock()
	defer s.lk.RUnlock()
	out := blockmap.NewBlockMap()
	out.AddMap(s.blocks)
	return out
}

func (s *StagedStorage) GetBytes(ctx context.Context, c cid.Cid) ([]byte, error) {
	s.lk.RLock()
	if b, ok := s.blocks.Get(c); ok {
		s.lk.RUnlock()
		return b, nil
	}
	hidden := s.removed.Has(c)
	s.lk.RUnlock()

	if hidden || s.base == nil {
		return nil, nil
	}
	return s.base.GetBytes(ctx, c)
}

func (s *StagedStorage) GetBlocks(ctx context.Context, cids []cid.Cid) (*blockmap.BlockMap, []cid.Cid, error) {
	s.lk.RLock()
	found, rest := s.blocks.GetMany(cids)
	var missing, fromBase []cid.Cid
	for _, c := range rest {
		if s.removed.Has(c) || s.base == nil {
			missing = append(missing, c)
		} else {
			fromBase = append(fromBase, c)
		}
	}
	s.lk.RUnlock()

	if len(fromBase) > 0 {
		got, baseMissing, err := s.base.GetBlocks(ctx, fromBase)
		if err != nil {
			return nil, nil, err
		}
		found.AddMap(got)
		missing = append(missing, baseMissing...)
	}
	return found, missing, nil
}

func (s *StagedStorage) Has(ctx context.Context, c cid.Cid) (bool, error) {
	b, err := s.GetBytes(ctx, c)
	return b != nil, err
}

func (s *StagedStorage) GetRoot(ctx context.Context) (*cid.Cid, error) {
	s.lk.RLock()
	root := s.root
	s.lk.RUnlock()
	if root != nil || s.base == nil {
		return root, nil
	}
	return s.base.GetRoot(ctx)
}

func (s *StagedStorage) ApplyCommit(ctx context.Context, commit *repo.CommitData) error {
	s.lk.Lock()
	defer s.lk.Unlock()

	for _, c := range commit.RemovedCids.List() {
		if commit.NewBlocks.Has(c) {
			continue
		}
		s.blocks.Delete(c)
		s.removed.Add(c)
	}
	_ = commit.NewBlocks.ForEach(func(c cid.Cid, b []byte) error {
		s.removed.Delete(c)
		s.blocks.Set(c, b)
		return nil
	})
	root := commit.Cid
	s.root = &root
	return nil
}
