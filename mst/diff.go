package mst

import (
	"context"
	"fmt"
	"sort"

	"github.com/bluesky-social/atrepo/blockmap"

	"github.com/ipfs/go-cid"
)

type DataAdd struct {
	Key string
	Cid cid.Cid
}

type DataUpdate struct {
	Key  string
	Prev cid.Cid
	Cid  cid.Cid
}

type DataDelete struct {
	Key string
	Cid cid.Cid
}

// DataDiff is the difference between two versions of a tree, both as record changes by key and as
// the blocks to write and the CIDs that are no longer referenced.
type DataDiff struct {
	Adds    map[string]DataAdd
	Updates map[string]DataUpdate
	Deletes map[string]DataDelete

	// node blocks present only in the new tree
	NewMstBlocks *blockmap.BlockMap
	// record CIDs present only in the new tree; their bytes come from the caller
	NewLeafCids *blockmap.CidSet
	// node and record CIDs present only in the old tree
	RemovedCids *blockmap.CidSet
}

func NewDataDiff() *DataDiff {
	return &DataDiff{
		Adds:         make(map[string]DataAdd),
		Updates:      make(map[string]DataUpdate),
		Deletes:      make(map[string]DataDelete),
		NewMstBlocks: blockmap.NewBlockMap(),
		NewLeafCids:  blockmap.NewCidSet(),
		RemovedCids:  blockmap.NewCidSet(),
	}
}

func (d *DataDiff) leafAdd(key string, c cid.Cid) {
	d.Adds[key] = DataAdd{Key: key, Cid: c}
	d.addLeafCid(c)
}

func (d *DataDiff) leafUpdate(key string, prev, c cid.Cid) {
	if prev.Equals(c) {
		return
	}
	d.Updates[key] = DataUpdate{Key: key, Prev: prev, Cid: c}
	d.removeLeafCid(prev)
	d.addLeafCid(c)
}

func (d *DataDiff) leafDelete(key string, c cid.Cid) {
	d.Deletes[key] = DataDelete{Key: key, Cid: c}
	d.removeLeafCid(c)
}

func (d *DataDiff) addLeafCid(c cid.Cid) {
	if d.RemovedCids.Has(c) {
		d.RemovedCids.Delete(c)
	} else {
		d.NewLeafCids.Add(c)
	}
}

func (d *DataDiff) removeLeafCid(c cid.Cid) {
	if d.NewLeafCids.Has(c) {
		d.NewLeafCids.Delete(c)
	} else {
		d.RemovedCids.Add(c)
	}
}

func (d *DataDiff) treeAdd(c cid.Cid, b []byte) {
	if d.RemovedCids.Has(c) {
		d.RemovedCids.Delete(c)
	} else {
		d.NewMstBlocks.Set(c, b)
	}
}

func (d *DataDiff) treeDelete(c cid.Cid) {
	if d.NewMstBlocks.Has(c) {
		d.NewMstBlocks.Delete(c)
	} else {
		d.RemovedCids.Add(c)
	}
}

// AddList returns the added records sorted by key.
func (d *DataDiff) AddList() []DataAdd {
	out := make([]DataAdd, 0, len(d.Adds))
	for _, a := range d.Adds {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (d *DataDiff) UpdateList() []DataUpdate {
	out := make([]DataUpdate, 0, len(d.Updates))
	for _, u := range d.Updates {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (d *DataDiff) DeleteList() []DataDelete {
	out := make([]DataDelete, 0, len(d.Deletes))
	for _, del := range d.Deletes {
		out = append(out, del)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (d *DataDiff) NewCidList() []cid.Cid {
	return d.NewLeafCids.List()
}

// UpdatedKeys returns every key that was added, updated or deleted, sorted.
func (d *DataDiff) UpdatedKeys() []string {
	seen := make(map[string]struct{}, len(d.Adds)+len(d.Updates)+len(d.Deletes))
	for k := range d.Adds {
		seen[k] = struct{}{}
	}
	for k := range d.Updates {
		seen[k] = struct{}{}
	}
	for k := range d.Deletes {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DiffOf computes the changes that turn prev into curr. A nil prev diffs against nothing, so every
// node and leaf of curr is new.
func DiffOf(ctx context.Context, curr, prev *MerkleSearchTree) (*DataDiff, error) {
	if _, err := curr.GetPointer(ctx); err != nil {
		return nil, err
	}
	if prev == nil {
		return nullDiff(ctx, curr)
	}
	if _, err := prev.GetPointer(ctx); err != nil {
		return nil, err
	}

	diff := NewDataDiff()
	left := newWalker(prev)
	right := newWalker(curr)

	for !left.done || !right.done {
		// one side finished: everything left on the other is an add or a delete
		if left.done {
			if err := diff.recordAdd(ctx, right.curr); err != nil {
				return nil, err
			}
			if err := right.advance(ctx); err != nil {
				return nil, err
			}
			continue
		}
		if right.done {
			if err := diff.recordDelete(ctx, left.curr); err != nil {
				return nil, err
			}
			if err := left.advance(ctx); err != nil {
				return nil, err
			}
			continue
		}

		l, r := left.curr, right.curr

		if l.IsLeaf() && r.IsLeaf() {
			switch {
			case l.Key == r.Key:
				diff.leafUpdate(l.Key, l.Val, r.Val)
				if err := left.advance(ctx); err != nil {
					return nil, err
				}
				if err := right.advance(ctx); err != nil {
					return nil, err
				}
			case l.Key < r.Key:
				diff.leafDelete(l.Key, l.Val)
				if err := left.advance(ctx); err != nil {
					return nil, err
				}
			default:
				diff.leafAdd(r.Key, r.Val)
				if err := right.advance(ctx); err != nil {
					return nil, err
				}
			}
			continue
		}

		leftLayer, err := left.layer(ctx)
		if err != nil {
			return nil, err
		}
		rightLayer, err := right.layer(ctx)
		if err != nil {
			return nil, err
		}

		// get both walkers onto the same layer: step into the higher one if it points at a tree,
		// otherwise advance the lower one to catch up
		if leftLayer > rightLayer {
			if l.IsLeaf() {
				if err := diff.recordAdd(ctx, r); err != nil {
					return nil, err
				}
				if err := right.advance(ctx); err != nil {
					return nil, err
				}
			} else {
				if err := diff.recordDelete(ctx, l); err != nil {
					return nil, err
				}
				if err := left.stepInto(ctx); err != nil {
					return nil, err
				}
			}
			continue
		}
		if leftLayer < rightLayer {
			if r.IsLeaf() {
				if err := diff.recordDelete(ctx, l); err != nil {
					return nil, err
				}
				if err := left.advance(ctx); err != nil {
					return nil, err
				}
			} else {
				if err := diff.recordAdd(ctx, r); err != nil {
					return nil, err
				}
				if err := right.stepInto(ctx); err != nil {
					return nil, err
				}
			}
			continue
		}

		switch {
		case l.IsTree() && r.IsTree():
			lptr, err := l.Tree.GetPointer(ctx)
			if err != nil {
				return nil, err
			}
			rptr, err := r.Tree.GetPointer(ctx)
			if err != nil {
				return nil, err
			}
			if lptr.Equals(rptr) {
				if err := left.stepOver(ctx); err != nil {
					return nil, err
				}
				if err := right.stepOver(ctx); err != nil {
					return nil, err
				}
				continue
			}
			if err := diff.recordAdd(ctx, r); err != nil {
				return nil, err
			}
			diff.treeDelete(lptr)
			if err := left.stepInto(ctx); err != nil {
				return nil, err
			}
			if err := right.stepInto(ctx); err != nil {
				return nil, err
			}
		case l.IsLeaf() && r.IsTree():
			if err := diff.recordAdd(ctx, r); err != nil {
				return nil, err
			}
			if err := right.stepInto(ctx); err != nil {
				return nil, err
			}
		case l.IsTree() && r.IsLeaf():
			if err := diff.recordDelete(ctx, l); err != nil {
				return nil, err
			}
			if err := left.stepInto(ctx); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: unidentifiable case in diff walk", ErrInvalidTree)
		}
	}

	return diff, nil
}

// recordAdd logs an entry found only in the new tree.
func (d *DataDiff) recordAdd(ctx context.Context, e NodeEntry) error {
	if e.IsLeaf() {
		d.leafAdd(e.Key, e.Val)
		return nil
	}
	b, c, err := e.Tree.serialize(ctx)
	if err != nil {
		return err
	}
	d.treeAdd(c, b)
	return nil
}

// recordDelete logs an entry found only in the old tree.
func (d *DataDiff) recordDelete(ctx context.Context, e NodeEntry) error {
	if e.IsLeaf() {
		d.leafDelete(e.Key, e.Val)
		return nil
	}
	ptr, err := e.Tree.GetPointer(ctx)
	if err != nil {
		return err
	}
	d.treeDelete(ptr)
	return nil
}

func nullDiff(ctx context.Context, tree *MerkleSearchTree) (*DataDiff, error) {
	diff := NewDataDiff()
	err := tree.Walk(ctx, func(e NodeEntry) error {
		return diff.recordAdd(ctx, e)
	})
	if err != nil {
		return nil, err
	}
	return diff, nil
}

// walkerStatus is a position inside one node: curr is entries[index] of walking. A nil walking
// means the walker sits on the root itself.
type walkerStatus struct {
	done    bool
	curr    NodeEntry
	walking *MerkleSearchTree
	index   int
}

// treeWalker steps through a tree in pre-order, able to skip whole subtrees.
type treeWalker struct {
	stack []walkerStatus
	walkerStatus
}

func newWalker(root *MerkleSearchTree) *treeWalker {
	return &treeWalker{
		walkerStatus: walkerStatus{curr: treeEntry(root)},
	}
}

// layer is the layer of the node being walked; at the very start the root counts as one above its
// own layer.
func (w *treeWalker) layer(ctx context.Context) (int, error) {
	if w.done {
		return -1, fmt.Errorf("walk is done")
	}
	if w.walking != nil {
		return w.walking.getLayer(ctx)
	}
	if w.curr.IsTree() {
		l, err := w.curr.Tree.getLayer(ctx)
		if err != nil {
			return -1, err
		}
		return l + 1, nil
	}
	return -1, fmt.Errorf("%w: could not identify walker layer", ErrInvalidTree)
}

// stepOver moves to the next sibling, popping back up when a node is exhausted.
func (w *treeWalker) stepOver(ctx context.Context) error {
	for {
		if w.done {
			return nil
		}
		if w.walking == nil {
			w.walkerStatus = walkerStatus{done: true}
			return nil
		}

		entries, err := w.walking.getEntries(ctx)
		if err != nil {
			return err
		}
		w.index++
		if w.index < len(entries) {
			w.curr = entries[w.index]
			return nil
		}

		if len(w.stack) == 0 {
			w.walkerStatus = walkerStatus{done: true}
			return nil
		}
		w.walkerStatus = w.stack[len(w.stack)-1]
		w.stack = w.stack[:len(w.stack)-1]
	}
}

// stepInto descends into the subtree at the current position.
func (w *treeWalker) stepInto(ctx context.Context) error {
	if w.done {
		return nil
	}
	if !w.curr.IsTree() {
		return fmt.Errorf("%w: no tree at walker position", ErrInvalidTree)
	}

	entries, err := w.curr.Tree.getEntries(ctx)
	if err != nil {
		return err
	}

	if w.walking == nil {
		if len(entries) == 0 {
			w.walkerStatus = walkerStatus{done: true}
			return nil
		}
		w.walkerStatus = walkerStatus{walking: w.curr.Tree, curr: entries[0]}
		return nil
	}

	if len(entries) == 0 {
		return fmt.Errorf("%w: stepped into an empty subtree", ErrInvalidTree)
	}
	w.stack = append(w.stack, w.walkerStatus)
	w.walkerStatus = walkerStatus{walking: w.curr.Tree, curr: entries[0]}
	return nil
}

func (w *treeWalker) advance(ctx context.Context) error {
	if w.done {
		return nil
	}
	if w.curr.IsLeaf() {
		return w.stepOver(ctx)
	}
	return w.stepInto(ctx)
}
