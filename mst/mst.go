// Package mst implements the Merkle Search Tree that holds a repository's records.
//
// A tree maps repo paths ("collection/rkey") to record CIDs. Each key's layer is derived from the
// SHA-256 of the key, so the shape of the tree, and therefore its root CID, depends only on the set
// of keys and values and never on insertion order.
//
// A [MerkleSearchTree] value is immutable: Add, Update and Delete return a new tree that shares every
// untouched subtree with the old one. Nodes are loaded from a [BlockReader] the first time their
// entries are needed, and node CIDs are recomputed lazily by [MerkleSearchTree.GetPointer].
package mst

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bluesky-social/atrepo/blockmap"

	"github.com/ipfs/go-cid"
)

var (
	ErrNotFound     = errors.New("mst: key not found")
	ErrDuplicateKey = errors.New("mst: key already present")
	ErrInvalidKey   = errors.New("mst: invalid key")
	// a node block needed for traversal was not in storage
	ErrMissingBlock = errors.New("mst: missing block")
	ErrInvalidTree  = errors.New("mst: invalid tree structure")
	// returned from walk callbacks to stop early without error
	ErrDoneIterating = errors.New("mst: done iterating")
)

// BlockReader is the block storage the tree reads nodes from.
type BlockReader interface {
	// GetBytes returns nil bytes and a nil error when the block is absent.
	GetBytes(ctx context.Context, c cid.Cid) ([]byte, error)
	// GetBlocks fetches many blocks at once, reporting the ones it could not find.
	GetBlocks(ctx context.Context, cids []cid.Cid) (*blockmap.BlockMap, []cid.Cid, error)
	Has(ctx context.Context, c cid.Cid) (bool, error)
}

const (
	EntryUndefined = 0
	EntryLeaf      = 1
	EntryTree      = 2
)

// NodeEntry is one hydrated element of a node: either a leaf (Key, Val) or a subtree.
type NodeEntry struct {
	Kind int
	Key  string
	Val  cid.Cid
	Tree *MerkleSearchTree
}

func (ne NodeEntry) IsTree() bool {
	return ne.Kind == EntryTree
}

func (ne NodeEntry) IsLeaf() bool {
	return ne.Kind == EntryLeaf
}

func (ne NodeEntry) isUndefined() bool {
	return ne.Kind == EntryUndefined
}

func leafEntry(key string, val cid.Cid) NodeEntry {
	return NodeEntry{Kind: EntryLeaf, Key: key, Val: val}
}

func treeEntry(t *MerkleSearchTree) NodeEntry {
	return NodeEntry{Kind: EntryTree, Tree: t}
}

// MerkleSearchTree is one node of the tree, and the tree rooted there.
//
// A node created with only a pointer is "virtual": its entries are read from storage on first
// access. A node created from entries has an outdated pointer until GetPointer is called.
type MerkleSearchTree struct {
	store BlockReader

	mu       sync.Mutex
	entries  []NodeEntry
	layer    int
	pointer  cid.Cid
	validPtr bool
}

// NewMST builds a node. Pass a defined ptr with nil entries for a virtual node, or entries with
// cid.Undef for a new node. A negative layer means "not known yet".
func NewMST(store BlockReader, ptr cid.Cid, entries []NodeEntry, layer int) *MerkleSearchTree {
	return &MerkleSearchTree{
		store:    store,
		pointer:  ptr,
		layer:    layer,
		entries:  entries,
		validPtr: ptr.Defined(),
	}
}

// NewEmptyMST returns a tree with no keys.
func NewEmptyMST(store BlockReader) *MerkleSearchTree {
	return NewMST(store, cid.Undef, []NodeEntry{}, 0)
}

// LoadMST returns a virtual tree rooted at root.
func LoadMST(store BlockReader, root cid.Cid) *MerkleSearchTree {
	return NewMST(store, root, nil, -1)
}

func (mst *MerkleSearchTree) newTree(entries []NodeEntry) *MerkleSearchTree {
	return NewMST(mst.store, cid.Undef, entries, mst.knownLayer())
}

func (mst *MerkleSearchTree) knownLayer() int {
	mst.mu.Lock()
	defer mst.mu.Unlock()
	return mst.layer
}

// IsVirtual reports whether the node's entries have not been loaded.
func (mst *MerkleSearchTree) IsVirtual() bool {
	mst.mu.Lock()
	defer mst.mu.Unlock()
	return mst.entries == nil
}

// GetPointer returns the CID of this node, serializing outdated subtrees bottom-up first.
func (mst *MerkleSearchTree) GetPointer(ctx context.Context) (cid.Cid, error) {
	mst.mu.Lock()
	if mst.validPtr {
		ptr := mst.pointer
		mst.mu.Unlock()
		return ptr, nil
	}
	mst.mu.Unlock()

	_, ptr, err := mst.serialize(ctx)
	if err != nil {
		return cid.Undef, err
	}

	mst.mu.Lock()
	mst.pointer = ptr
	mst.validPtr = true
	mst.mu.Unlock()
	return ptr, nil
}

// serialize encodes the node, computing child pointers first.
func (mst *MerkleSearchTree) serialize(ctx context.Context) ([]byte, cid.Cid, error) {
	entries, err := mst.getEntries(ctx)
	if err != nil {
		return nil, cid.Undef, err
	}

	nd, err := serializeNodeData(ctx, entries)
	if err != nil {
		return nil, cid.Undef, err
	}

	buf := new(bytes.Buffer)
	if err := nd.MarshalCBOR(buf); err != nil {
		return nil, cid.Undef, fmt.Errorf("encoding mst node: %w", err)
	}
	c, err := blockmap.CidForBytes(buf.Bytes())
	if err != nil {
		return nil, cid.Undef, err
	}
	return buf.Bytes(), c, nil
}

// getEntries returns the node's entries, loading them from storage for a virtual node.
func (mst *MerkleSearchTree) getEntries(ctx context.Context) ([]NodeEntry, error) {
	mst.mu.Lock()
	if mst.entries != nil {
		ents := mst.entries
		mst.mu.Unlock()
		return ents, nil
	}
	ptr := mst.pointer
	mst.mu.Unlock()

	if !ptr.Defined() {
		return nil, fmt.Errorf("%w: node has neither entries nor pointer", ErrInvalidTree)
	}

	b, err := mst.store.GetBytes(ctx, ptr)
	if err != nil {
		return nil, fmt.Errorf("reading mst node %s: %w", ptr, err)
	}
	if b == nil {
		return nil, fmt.Errorf("%w: mst node %s", ErrMissingBlock, ptr)
	}
	if err := mst.hydrate(b); err != nil {
		return nil, err
	}

	mst.mu.Lock()
	defer mst.mu.Unlock()
	return mst.entries, nil
}

// hydrate decodes node bytes into entries, unless another caller got there first.
func (mst *MerkleSearchTree) hydrate(b []byte) error {
	var nd NodeData
	if err := nd.UnmarshalCBOR(bytes.NewReader(b)); err != nil {
		return fmt.Errorf("%w: decoding mst node: %s", ErrInvalidTree, err)
	}

	mst.mu.Lock()
	defer mst.mu.Unlock()
	if mst.entries != nil {
		return nil
	}
	layer, entries, err := deserializeNodeData(mst.store, &nd, mst.layer)
	if err != nil {
		return err
	}
	mst.entries = entries
	mst.layer = layer
	return nil
}

// getLayer returns the node's layer, deriving it from its keys or, for a node holding only a
// subtree, from the child's layer. An empty tree is layer 0.
func (mst *MerkleSearchTree) getLayer(ctx context.Context) (int, error) {
	if l := mst.knownLayer(); l >= 0 {
		return l, nil
	}

	entries, err := mst.getEntries(ctx)
	if err != nil {
		return -1, err
	}

	layer := layerForEntries(entries)
	if layer < 0 {
		layer = 0
		if len(entries) > 0 && entries[0].IsTree() {
			childLayer, err := entries[0].Tree.getLayer(ctx)
			if err != nil {
				return -1, err
			}
			layer = childLayer + 1
		}
	}

	mst.mu.Lock()
	mst.layer = layer
	mst.mu.Unlock()
	return layer, nil
}

// Layer is the node's layer in the tree.
func (mst *MerkleSearchTree) Layer(ctx context.Context) (int, error) {
	return mst.getLayer(ctx)
}

// Entries returns the node's hydrated entries. The slice must not be modified.
func (mst *MerkleSearchTree) Entries(ctx context.Context) ([]NodeEntry, error) {
	return mst.getEntries(ctx)
}

// Get returns the value stored under key, or ErrNotFound.
func (mst *MerkleSearchTree) Get(ctx context.Context, key string) (cid.Cid, error) {
	index, err := mst.findGtOrEqualLeafIndex(ctx, key)
	if err != nil {
		return cid.Undef, err
	}

	found, err := mst.atIndex(ctx, index)
	if err != nil {
		return cid.Undef, err
	}
	if found.IsLeaf() && found.Key == key {
		return found.Val, nil
	}

	prev, err := mst.atIndex(ctx, index-1)
	if err != nil {
		return cid.Undef, err
	}
	if prev.IsTree() {
		return prev.Tree.Get(ctx, key)
	}

	return cid.Undef, ErrNotFound
}

// Add inserts a new key. knownLayer is the key's layer if the caller already computed it, or -1.
func (mst *MerkleSearchTree) Add(ctx context.Context, key string, val cid.Cid, knownLayer int) (*MerkleSearchTree, error) {
	if err := EnsureValidKey(key); err != nil {
		return nil, err
	}
	keyLayer := knownLayer
	if keyLayer < 0 {
		keyLayer = HeightForKey(key)
	}

	entries, err := mst.getEntries(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		// an empty root takes the layer of its first key
		return NewMST(mst.store, cid.Undef, []NodeEntry{leafEntry(key, val)}, keyLayer), nil
	}

	return mst.add(ctx, key, val, keyLayer)
}

func (mst *MerkleSearchTree) add(ctx context.Context, key string, val cid.Cid, keyLayer int) (*MerkleSearchTree, error) {
	layer, err := mst.getLayer(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting layer failed: %w", err)
	}

	newLeaf := leafEntry(key, val)

	switch {
	case keyLayer == layer:
		// it belongs in this node
		index, err := mst.findGtOrEqualLeafIndex(ctx, key)
		if err != nil {
			return nil, err
		}

		found, err := mst.atIndex(ctx, index)
		if err != nil {
			return nil, err
		}
		if found.IsLeaf() && found.Key == key {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, key)
		}

		prevNode, err := mst.atIndex(ctx, index-1)
		if err != nil {
			return nil, err
		}
		if !prevNode.IsTree() {
			return mst.spliceIn(ctx, newLeaf, index)
		}

		// the subtree left of the new leaf straddles the key and must be split
		left, right, err := prevNode.Tree.splitAround(ctx, key)
		if err != nil {
			return nil, err
		}
		return mst.replaceWithSplit(ctx, index-1, left, newLeaf, right)

	case keyLayer < layer:
		index, err := mst.findGtOrEqualLeafIndex(ctx, key)
		if err != nil {
			return nil, err
		}

		prevNode, err := mst.atIndex(ctx, index-1)
		if err != nil {
			return nil, err
		}

		if prevNode.IsTree() {
			newSubtree, err := prevNode.Tree.add(ctx, key, val, keyLayer)
			if err != nil {
				return nil, err
			}
			return mst.updateEntry(ctx, index-1, treeEntry(newSubtree))
		}

		subTree, err := mst.createChild(ctx)
		if err != nil {
			return nil, err
		}
		newSubTree, err := subTree.add(ctx, key, val, keyLayer)
		if err != nil {
			return nil, fmt.Errorf("subtree add: %w", err)
		}
		return mst.spliceIn(ctx, treeEntry(newSubTree), index)

	default:
		// the key sits above this node: split this node around it and grow new root(s)
		left, right, err := mst.splitAround(ctx, key)
		if err != nil {
			return nil, err
		}

		for i := 1; i < keyLayer-layer; i++ {
			if left != nil {
				if left, err = left.createParent(ctx); err != nil {
					return nil, fmt.Errorf("create left parent: %w", err)
				}
			}
			if right != nil {
				if right, err = right.createParent(ctx); err != nil {
					return nil, fmt.Errorf("create right parent: %w", err)
				}
			}
		}

		var updated []NodeEntry
		if left != nil {
			updated = append(updated, treeEntry(left))
		}
		updated = append(updated, newLeaf)
		if right != nil {
			updated = append(updated, treeEntry(right))
		}

		if err := checkTreeInvariant(updated); err != nil {
			return nil, err
		}
		return NewMST(mst.store, cid.Undef, updated, keyLayer), nil
	}
}

// Update replaces the value of an existing key. The shape of the tree does not change.
func (mst *MerkleSearchTree) Update(ctx context.Context, key string, val cid.Cid) (*MerkleSearchTree, error) {
	if err := EnsureValidKey(key); err != nil {
		return nil, err
	}
	if _, err := mst.getLayer(ctx); err != nil {
		return nil, err
	}

	index, err := mst.findGtOrEqualLeafIndex(ctx, key)
	if err != nil {
		return nil, err
	}

	found, err := mst.atIndex(ctx, index)
	if err != nil {
		return nil, err
	}
	if found.IsLeaf() && found.Key == key {
		return mst.updateEntry(ctx, index, leafEntry(key, val))
	}

	prev, err := mst.atIndex(ctx, index-1)
	if err != nil {
		return nil, err
	}
	if prev.IsTree() {
		updated, err := prev.Tree.Update(ctx, key, val)
		if err != nil {
			return nil, err
		}
		return mst.updateEntry(ctx, index-1, treeEntry(updated))
	}

	return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
}

// Delete removes a key, collapsing nodes so the result is the canonical tree for the remaining
// keys.
func (mst *MerkleSearchTree) Delete(ctx context.Context, key string) (*MerkleSearchTree, error) {
	if err := EnsureValidKey(key); err != nil {
		return nil, err
	}

	altered, err := mst.deleteRecurse(ctx, key)
	if err != nil {
		return nil, err
	}

	trimmed, err := altered.trimTop(ctx)
	if err != nil {
		return nil, err
	}

	entries, err := trimmed.getEntries(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return NewEmptyMST(mst.store), nil
	}
	return trimmed, nil
}

func (mst *MerkleSearchTree) deleteRecurse(ctx context.Context, key string) (*MerkleSearchTree, error) {
	if _, err := mst.getLayer(ctx); err != nil {
		return nil, err
	}

	index, err := mst.findGtOrEqualLeafIndex(ctx, key)
	if err != nil {
		return nil, err
	}

	found, err := mst.atIndex(ctx, index)
	if err != nil {
		return nil, err
	}

	if found.IsLeaf() && found.Key == key {
		prev, err := mst.atIndex(ctx, index-1)
		if err != nil {
			return nil, err
		}
		next, err := mst.atIndex(ctx, index+1)
		if err != nil {
			return nil, err
		}

		if !prev.IsTree() || !next.IsTree() {
			return mst.removeEntry(ctx, index)
		}

		// the leaf separated two subtrees, which now have to be joined
		merged, err := prev.Tree.appendMerge(ctx, next.Tree)
		if err != nil {
			return nil, err
		}

		entries, err := mst.getEntries(ctx)
		if err != nil {
			return nil, err
		}
		nents := make([]NodeEntry, 0, len(entries)-2)
		nents = append(nents, entries[:index-1]...)
		nents = append(nents, treeEntry(merged))
		nents = append(nents, entries[index+2:]...)
		return mst.newTree(nents), nil
	}

	prev, err := mst.atIndex(ctx, index-1)
	if err != nil {
		return nil, err
	}
	if !prev.IsTree() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	subtree, err := prev.Tree.deleteRecurse(ctx, key)
	if err != nil {
		return nil, err
	}
	subEntries, err := subtree.getEntries(ctx)
	if err != nil {
		return nil, err
	}
	if len(subEntries) == 0 {
		return mst.removeEntry(ctx, index-1)
	}
	return mst.updateEntry(ctx, index-1, treeEntry(subtree))
}

// appendMerge joins two sibling nodes of the same layer, merging the subtrees that meet in the
// middle.
func (mst *MerkleSearchTree) appendMerge(ctx context.Context, toMerge *MerkleSearchTree) (*MerkleSearchTree, error) {
	layer, err := mst.getLayer(ctx)
	if err != nil {
		return nil, err
	}
	otherLayer, err := toMerge.getLayer(ctx)
	if err != nil {
		return nil, err
	}
	if layer != otherLayer {
		return nil, fmt.Errorf("%w: merging nodes of different layers (%d, %d)", ErrInvalidTree, layer, otherLayer)
	}

	left, err := mst.getEntries(ctx)
	if err != nil {
		return nil, err
	}
	right, err := toMerge.getEntries(ctx)
	if err != nil {
		return nil, err
	}

	nents := make([]NodeEntry, 0, len(left)+len(right))
	if len(left) > 0 && len(right) > 0 && left[len(left)-1].IsTree() && right[0].IsTree() {
		merged, err := left[len(left)-1].Tree.appendMerge(ctx, right[0].Tree)
		if err != nil {
			return nil, err
		}
		nents = append(nents, left[:len(left)-1]...)
		nents = append(nents, treeEntry(merged))
		nents = append(nents, right[1:]...)
	} else {
		nents = append(nents, left...)
		nents = append(nents, right...)
	}
	return mst.newTree(nents), nil
}

// trimTop strips root nodes that hold nothing but a single subtree.
func (mst *MerkleSearchTree) trimTop(ctx context.Context) (*MerkleSearchTree, error) {
	entries, err := mst.getEntries(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) == 1 && entries[0].IsTree() {
		return entries[0].Tree.trimTop(ctx)
	}
	return mst, nil
}

func (mst *MerkleSearchTree) createParent(ctx context.Context) (*MerkleSearchTree, error) {
	layer, err := mst.getLayer(ctx)
	if err != nil {
		return nil, err
	}
	return NewMST(mst.store, cid.Undef, []NodeEntry{treeEntry(mst)}, layer+1), nil
}

func (mst *MerkleSearchTree) createChild(ctx context.Context) (*MerkleSearchTree, error) {
	layer, err := mst.getLayer(ctx)
	if err != nil {
		return nil, err
	}
	return NewMST(mst.store, cid.Undef, []NodeEntry{}, layer-1), nil
}

// splitAround divides the node into the entries before and after key, recursively splitting a
// subtree that spans key. Either side is nil when empty.
func (mst *MerkleSearchTree) splitAround(ctx context.Context, key string) (*MerkleSearchTree, *MerkleSearchTree, error) {
	if _, err := mst.getLayer(ctx); err != nil {
		return nil, nil, err
	}

	index, err := mst.findGtOrEqualLeafIndex(ctx, key)
	if err != nil {
		return nil, nil, err
	}

	entries, err := mst.getEntries(ctx)
	if err != nil {
		return nil, nil, err
	}

	leftData := make([]NodeEntry, index)
	copy(leftData, entries[:index])
	rightData := make([]NodeEntry, len(entries)-index)
	copy(rightData, entries[index:])

	if len(leftData) > 0 && leftData[len(leftData)-1].IsTree() {
		lastInLeft := leftData[len(leftData)-1]
		leftData = leftData[:len(leftData)-1]

		subl, subr, err := lastInLeft.Tree.splitAround(ctx, key)
		if err != nil {
			return nil, nil, err
		}
		if subl != nil {
			leftData = append(leftData, treeEntry(subl))
		}
		if subr != nil {
			rightData = append([]NodeEntry{treeEntry(subr)}, rightData...)
		}
	}

	var left, right *MerkleSearchTree
	if len(leftData) > 0 {
		left = mst.newTree(leftData)
	}
	if len(rightData) > 0 {
		right = mst.newTree(rightData)
	}
	return left, right, nil
}

func (mst *MerkleSearchTree) updateEntry(ctx context.Context, ix int, entry NodeEntry) (*MerkleSearchTree, error) {
	entries, err := mst.getEntries(ctx)
	if err != nil {
		return nil, err
	}

	nents := make([]NodeEntry, len(entries))
	copy(nents, entries)
	nents[ix] = entry

	if err := checkTreeInvariant(nents); err != nil {
		return nil, err
	}
	return mst.newTree(nents), nil
}

func (mst *MerkleSearchTree) removeEntry(ctx context.Context, ix int) (*MerkleSearchTree, error) {
	entries, err := mst.getEntries(ctx)
	if err != nil {
		return nil, err
	}

	nents := make([]NodeEntry, 0, len(entries)-1)
	nents = append(nents, entries[:ix]...)
	nents = append(nents, entries[ix+1:]...)

	if err := checkTreeInvariant(nents); err != nil {
		return nil, err
	}
	return mst.newTree(nents), nil
}

func (mst *MerkleSearchTree) spliceIn(ctx context.Context, entry NodeEntry, ix int) (*MerkleSearchTree, error) {
	entries, err := mst.getEntries(ctx)
	if err != nil {
		return nil, err
	}

	nents := make([]NodeEntry, 0, len(entries)+1)
	nents = append(nents, entries[:ix]...)
	nents = append(nents, entry)
	nents = append(nents, entries[ix:]...)

	if err := checkTreeInvariant(nents); err != nil {
		return nil, err
	}
	return mst.newTree(nents), nil
}

func (mst *MerkleSearchTree) replaceWithSplit(ctx context.Context, ix int, left *MerkleSearchTree, nl NodeEntry, right *MerkleSearchTree) (*MerkleSearchTree, error) {
	entries, err := mst.getEntries(ctx)
	if err != nil {
		return nil, err
	}

	update := make([]NodeEntry, 0, len(entries)+2)
	update = append(update, entries[:ix]...)
	if left != nil {
		update = append(update, treeEntry(left))
	}
	update = append(update, nl)
	if right != nil {
		update = append(update, treeEntry(right))
	}
	update = append(update, entries[ix+1:]...)

	if err := checkTreeInvariant(update); err != nil {
		return nil, err
	}
	return mst.newTree(update), nil
}

func checkTreeInvariant(ents []NodeEntry) error {
	for i := 0; i < len(ents)-1; i++ {
		if ents[i].IsTree() && ents[i+1].IsTree() {
			return fmt.Errorf("%w: two subtrees next to each other (%d, %d)", ErrInvalidTree, i, i+1)
		}
	}
	return nil
}

// atIndex returns the entry at ix, or an undefined entry when out of range.
func (mst *MerkleSearchTree) atIndex(ctx context.Context, ix int) (NodeEntry, error) {
	entries, err := mst.getEntries(ctx)
	if err != nil {
		return NodeEntry{}, err
	}
	if ix < 0 || ix >= len(entries) {
		return NodeEntry{}, nil
	}
	return entries[ix], nil
}

// findGtOrEqualLeafIndex returns the index of the first leaf whose key is >= key.
func (mst *MerkleSearchTree) findGtOrEqualLeafIndex(ctx context.Context, key string) (int, error) {
	entries, err := mst.getEntries(ctx)
	if err != nil {
		return -1, err
	}

	for i, e := range entries {
		if e.IsLeaf() && e.Key >= key {
			return i, nil
		}
	}
	return len(entries), nil
}
