package mst

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bluesky-social/atrepo/blockmap"

	"github.com/ipfs/go-cid"
)

// Leaf is one key/value pair of the tree.
type Leaf struct {
	Key string
	Val cid.Cid
}

// WalkLeavesFrom calls cb for every leaf with key >= from, in key order. Returning ErrDoneIterating
// from cb stops the walk without error.
func (mst *MerkleSearchTree) WalkLeavesFrom(ctx context.Context, from string, cb func(key string, val cid.Cid) error) error {
	err := mst.walkLeavesFrom(ctx, from, cb)
	if errors.Is(err, ErrDoneIterating) {
		return nil
	}
	return err
}

func (mst *MerkleSearchTree) walkLeavesFrom(ctx context.Context, from string, cb func(key string, val cid.Cid) error) error {
	index, err := mst.findGtOrEqualLeafIndex(ctx, from)
	if err != nil {
		return err
	}

	entries, err := mst.getEntries(ctx)
	if err != nil {
		return err
	}
	if err := mst.hydrateChildren(ctx, entries[max(index-1, 0):]); err != nil {
		return err
	}

	if index > 0 && entries[index-1].IsTree() {
		if err := entries[index-1].Tree.walkLeavesFrom(ctx, from, cb); err != nil {
			return err
		}
	}

	for _, e := range entries[index:] {
		if e.IsLeaf() {
			if err := cb(e.Key, e.Val); err != nil {
				return err
			}
		} else {
			if err := e.Tree.walkLeavesFrom(ctx, from, cb); err != nil {
				return err
			}
		}
	}
	return nil
}

// List returns up to count leaves with keys strictly between after and before. Empty bounds are
// open; count <= 0 means no limit.
func (mst *MerkleSearchTree) List(ctx context.Context, count int, after, before string) ([]Leaf, error) {
	var out []Leaf
	err := mst.WalkLeavesFrom(ctx, after, func(key string, val cid.Cid) error {
		if key == after {
			return nil
		}
		if before != "" && key >= before {
			return ErrDoneIterating
		}
		out = append(out, Leaf{Key: key, Val: val})
		if count > 0 && len(out) >= count {
			return ErrDoneIterating
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListWithPrefix returns up to count leaves whose key starts with prefix.
func (mst *MerkleSearchTree) ListWithPrefix(ctx context.Context, prefix string, count int) ([]Leaf, error) {
	var out []Leaf
	err := mst.WalkLeavesFrom(ctx, prefix, func(key string, val cid.Cid) error {
		if !strings.HasPrefix(key, prefix) {
			return ErrDoneIterating
		}
		out = append(out, Leaf{Key: key, Val: val})
		if count > 0 && len(out) >= count {
			return ErrDoneIterating
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Leaves returns every leaf in key order.
func (mst *MerkleSearchTree) Leaves(ctx context.Context) ([]Leaf, error) {
	return mst.List(ctx, 0, "", "")
}

func (mst *MerkleSearchTree) LeafCount(ctx context.Context) (int, error) {
	var n int
	err := mst.WalkLeavesFrom(ctx, "", func(string, cid.Cid) error {
		n++
		return nil
	})
	return n, err
}

// Walk visits the tree in pre-order: each node (as a tree entry) before its contents, leaves in
// key order.
func (mst *MerkleSearchTree) Walk(ctx context.Context, cb func(NodeEntry) error) error {
	err := mst.walk(ctx, cb)
	if errors.Is(err, ErrDoneIterating) {
		return nil
	}
	return err
}

func (mst *MerkleSearchTree) walk(ctx context.Context, cb func(NodeEntry) error) error {
	if err := cb(treeEntry(mst)); err != nil {
		return err
	}

	entries, err := mst.getEntries(ctx)
	if err != nil {
		return err
	}
	if err := mst.hydrateChildren(ctx, entries); err != nil {
		return err
	}

	for _, e := range entries {
		if e.IsTree() {
			if err := e.Tree.walk(ctx, cb); err != nil {
				return err
			}
		} else if err := cb(e); err != nil {
			return err
		}
	}
	return nil
}

// WalkNodes calls cb with the pointer of every node in the tree.
func (mst *MerkleSearchTree) WalkNodes(ctx context.Context, cb func(ptr cid.Cid, node *MerkleSearchTree) error) error {
	return mst.Walk(ctx, func(e NodeEntry) error {
		if !e.IsTree() {
			return nil
		}
		ptr, err := e.Tree.GetPointer(ctx)
		if err != nil {
			return err
		}
		return cb(ptr, e.Tree)
	})
}

// AllNodes serializes every node of the tree into a BlockMap.
func (mst *MerkleSearchTree) AllNodes(ctx context.Context) (*blockmap.BlockMap, error) {
	blocks := blockmap.NewBlockMap()
	err := mst.WalkNodes(ctx, func(_ cid.Cid, node *MerkleSearchTree) error {
		b, c, err := node.serialize(ctx)
		if err != nil {
			return err
		}
		blocks.Set(c, b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blocks, nil
}

// AllCids returns every CID reachable from the root: node pointers and leaf values.
func (mst *MerkleSearchTree) AllCids(ctx context.Context) (*blockmap.CidSet, error) {
	cids := blockmap.NewCidSet()
	err := mst.Walk(ctx, func(e NodeEntry) error {
		if e.IsLeaf() {
			cids.Add(e.Val)
			return nil
		}
		ptr, err := e.Tree.GetPointer(ctx)
		if err != nil {
			return err
		}
		cids.Add(ptr)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cids, nil
}

// CidsForPath returns the node pointers on the way from the root to key, followed by the leaf value
// when key is present. This is the proof that key is, or is not, in the tree.
func (mst *MerkleSearchTree) CidsForPath(ctx context.Context, key string) ([]cid.Cid, error) {
	ptr, err := mst.GetPointer(ctx)
	if err != nil {
		return nil, err
	}
	cids := []cid.Cid{ptr}

	index, err := mst.findGtOrEqualLeafIndex(ctx, key)
	if err != nil {
		return nil, err
	}
	found, err := mst.atIndex(ctx, index)
	if err != nil {
		return nil, err
	}
	if found.IsLeaf() && found.Key == key {
		return append(cids, found.Val), nil
	}

	prev, err := mst.atIndex(ctx, index-1)
	if err != nil {
		return nil, err
	}
	if prev.IsTree() {
		sub, err := prev.Tree.CidsForPath(ctx, key)
		if err != nil {
			return nil, err
		}
		cids = append(cids, sub...)
	}
	return cids, nil
}

// AddBlocksForPath copies the serialized nodes on the path to key into blocks.
func (mst *MerkleSearchTree) AddBlocksForPath(ctx context.Context, key string, blocks *blockmap.BlockMap) error {
	b, c, err := mst.serialize(ctx)
	if err != nil {
		return err
	}
	blocks.Set(c, b)

	index, err := mst.findGtOrEqualLeafIndex(ctx, key)
	if err != nil {
		return err
	}
	found, err := mst.atIndex(ctx, index)
	if err != nil {
		return err
	}
	if found.IsLeaf() && found.Key == key {
		return nil
	}

	prev, err := mst.atIndex(ctx, index-1)
	if err != nil {
		return err
	}
	if prev.IsTree() {
		return prev.Tree.AddBlocksForPath(ctx, key, blocks)
	}
	return nil
}

// GetUnstoredBlocks serializes every node that storage does not already hold. Descent stops at
// nodes that are stored, and at virtual nodes, which were read from storage in the first place.
func (mst *MerkleSearchTree) GetUnstoredBlocks(ctx context.Context, storage BlockReader) (*blockmap.BlockMap, cid.Cid, error) {
	blocks := blockmap.NewBlockMap()
	ptr, err := mst.GetPointer(ctx)
	if err != nil {
		return nil, cid.Undef, err
	}
	if err := mst.collectUnstored(ctx, storage, blocks); err != nil {
		return nil, cid.Undef, err
	}
	return blocks, ptr, nil
}

func (mst *MerkleSearchTree) collectUnstored(ctx context.Context, storage BlockReader, blocks *blockmap.BlockMap) error {
	if mst.IsVirtual() {
		return nil
	}

	ptr, err := mst.GetPointer(ctx)
	if err != nil {
		return err
	}
	has, err := storage.Has(ctx, ptr)
	if err != nil {
		return fmt.Errorf("checking storage for %s: %w", ptr, err)
	}
	if has {
		return nil
	}

	b, c, err := mst.serialize(ctx)
	if err != nil {
		return err
	}
	blocks.Set(c, b)

	entries, err := mst.getEntries(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsTree() {
			if err := e.Tree.collectUnstored(ctx, storage, blocks); err != nil {
				return err
			}
		}
	}
	return nil
}

// hydrateChildren loads every virtual subtree among entries with a single storage round trip.
func (mst *MerkleSearchTree) hydrateChildren(ctx context.Context, entries []NodeEntry) error {
	var (
		trees []*MerkleSearchTree
		cids  []cid.Cid
	)
	for _, e := range entries {
		if !e.IsTree() || !e.Tree.IsVirtual() {
			continue
		}
		e.Tree.mu.Lock()
		ptr := e.Tree.pointer
		e.Tree.mu.Unlock()
		trees = append(trees, e.Tree)
		cids = append(cids, ptr)
	}
	if len(cids) < 2 {
		return nil
	}

	found, missing, err := mst.store.GetBlocks(ctx, cids)
	if err != nil {
		return fmt.Errorf("fetching mst nodes: %w", err)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: mst node %s", ErrMissingBlock, missing[0])
	}

	for i, t := range trees {
		b, ok := found.Get(cids[i])
		if !ok {
			continue
		}
		if err := t.hydrate(b); err != nil {
			return err
		}
	}
	return nil
}
