package repostore

import (
	"context"
	"sort"
	"sync"

	"github.com/bluesky-social/atrepo/atproto/syntax"
	"github.com/bluesky-social/atrepo/blockmap"
	"github.com/bluesky-social/atrepo/repo"

	"github.com/ipfs/go-cid"
)

// MemStore keeps every repository in memory.
type MemStore struct {
	lk    sync.RWMutex
	repos map[syntax.DID]*memRepo
}

type memRepo struct {
	blocks map[cid.Cid][]byte
	root   *cid.Cid
	rev    string
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{repos: make(map[syntax.DID]*memRepo)}
}

func (ms *MemStore) Repo(did syntax.DID) repo.Storage {
	return &memStorage{store: ms, did: did}
}

func (ms *MemStore) ListRepos(ctx context.Context) ([]RepoHead, error) {
	ms.lk.RLock()
	defer ms.lk.RUnlock()

	var out []RepoHead
	for did, r := range ms.repos {
		if r.root == nil {
			continue
		}
		out = append(out, RepoHead{DID: did, Root: *r.root, Rev: r.rev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DID < out[j].DID })
	return out, nil
}

func (ms *MemStore) DeleteRepo(ctx context.Context, did syntax.DID) error {
	ms.lk.Lock()
	defer ms.lk.Unlock()
	delete(ms.repos, did)
	return nil
}

func (ms *MemStore) Close() error {
	return nil
}

// memStorage is the view of one repository inside a MemStore.
type memStorage struct {
	store *MemStore
	did   syntax.DID
}

func (m *memStorage) GetBytes(ctx context.Context, c cid.Cid) ([]byte, error) {
	m.store.lk.RLock()
	defer m.store.lk.RUnlock()
	r := m.store.repos[m.did]
	if r == nil {
		return nil, nil
	}
	return r.blocks[c], nil
}

func (m *memStorage) GetBlocks(ctx context.Context, cids []cid.Cid) (*blockmap.BlockMap, []cid.Cid, error) {
	m.store.lk.RLock()
	defer m.store.lk.RUnlock()
	r := m.store.repos[m.did]

	found := blockmap.NewBlockMap()
	var missing []cid.Cid
	for _, c := range cids {
		if r != nil {
			if b, ok := r.blocks[c]; ok {
				found.Set(c, b)
				continue
			}
		}
		missing = append(missing, c)
	}
	return found, missing, nil
}

func (m *memStorage) Has(ctx context.Context, c cid.Cid) (bool, error) {
	m.store.lk.RLock()
	defer m.store.lk.RUnlock()
	r := m.store.repos[m.did]
	if r == nil {
		return false, nil
	}
	_, ok := r.blocks[c]
	return ok, nil
}

func (m *memStorage) GetRoot(ctx context.Context) (*cid.Cid, error) {
	m.store.lk.RLock()
	defer m.store.lk.RUnlock()
	r := m.store.repos[m.did]
	if r == nil || r.root == nil {
		return nil, nil
	}
	root := *r.root
	return &root, nil
}

func (m *memStorage) ApplyCommit(ctx context.Context, commit *repo.CommitData) error {
	m.store.lk.Lock()
	defer m.store.lk.Unlock()

	r := m.store.repos[m.did]
	if r == nil {
		r = &memRepo{blocks: make(map[cid.Cid][]byte)}
		m.store.repos[m.did] = r
	}
	_ = commit.NewBlocks.ForEach(func(c cid.Cid, b []byte) error {
		r.blocks[c] = b
		return nil
	})
	for _, c := range commit.RemovedCids.List() {
		if commit.NewBlocks.Has(c) {
			continue
		}
		delete(r.blocks, c)
	}
	root := commit.Cid
	r.root = &root
	r.rev = commit.Rev
	return nil
}
