package mst

import (
	"context"
	"testing"

	"github.com/bluesky-social/atrepo/blockmap"

	"github.com/ipfs/go-cid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

// checkDiffSound verifies that applying the diff to prev's reachable blocks yields exactly curr's.
func checkDiffSound(ctx context.Context, curr, prev *MerkleSearchTree) (bool, error) {
	diff, err := DiffOf(ctx, curr, prev)
	if err != nil {
		return false, err
	}

	before, err := prev.AllCids(ctx)
	if err != nil {
		return false, err
	}
	after, err := curr.AllCids(ctx)
	if err != nil {
		return false, err
	}

	// nothing added is already there, nothing removed was absent
	for _, c := range diff.NewMstBlocks.Cids() {
		if before.Has(c) {
			return false, nil
		}
	}
	for _, c := range diff.NewLeafCids.List() {
		if before.Has(c) {
			return false, nil
		}
	}
	for _, c := range diff.RemovedCids.List() {
		if !before.Has(c) {
			return false, nil
		}
	}

	applied := blockmap.NewCidSet(before.List()...)
	applied.AddSet(blockmap.NewCidSet(diff.NewMstBlocks.Cids()...))
	applied.AddSet(diff.NewLeafCids)
	applied.Subtract(diff.RemovedCids)

	if applied.Len() != after.Len() {
		return false, nil
	}
	for _, c := range after.List() {
		if !applied.Has(c) {
			return false, nil
		}
	}
	return true, nil
}

func TestPropDiffSoundness(t *testing.T) {
	properties := gopter.NewProperties(propParameters())

	properties.Property("diff turns the old block set into the new one", prop.ForAll(
		func(base []int, adds []int, dels []int, upds []int) bool {
			ctx := context.Background()
			ms := newMemStore()

			keys := uniqueKeys(base)
			prev, err := buildTree(ms, keys)
			if err != nil {
				return false
			}
			prev = LoadMST(ms, persist(t, ms, prev))

			curr := prev
			present := make(map[string]bool)
			for _, k := range keys {
				present[k] = true
			}
			for _, k := range uniqueKeys(adds) {
				if present[k] {
					continue
				}
				if curr, err = curr.Add(ctx, k, valueFor(k, 0), -1); err != nil {
					return false
				}
				present[k] = true
			}
			for _, id := range dels {
				k := keyFor(id)
				if !present[k] {
					continue
				}
				if curr, err = curr.Delete(ctx, k); err != nil {
					return false
				}
				delete(present, k)
			}
			for _, id := range upds {
				k := keyFor(id)
				if !present[k] {
					continue
				}
				if curr, err = curr.Update(ctx, k, valueFor(k, id+1)); err != nil {
					return false
				}
			}

			ok, err := checkDiffSound(ctx, curr, prev)
			return err == nil && ok
		},
		gen.SliceOf(gen.IntRange(0, 300)),
		gen.SliceOf(gen.IntRange(0, 300)),
		gen.SliceOf(gen.IntRange(0, 300)),
		gen.SliceOf(gen.IntRange(0, 300)),
	))

	properties.TestingRun(t)
}

func TestDiffAgainstNothing(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	m := map[string]cid.Cid{}
	for _, k := range uniqueKeys([]int{1, 2, 3, 40, 41, 500, 900}) {
		m[k] = valueFor(k, 0)
	}
	tree := cidMapToMst(t, newMemStore(), m)

	diff, err := DiffOf(ctx, tree, nil)
	assert.NoError(err)

	nodes, err := tree.AllNodes(ctx)
	assert.NoError(err)
	assert.True(nodes.Equals(diff.NewMstBlocks))
	assert.Equal(len(m), diff.NewLeafCids.Len())
	assert.Equal(0, diff.RemovedCids.Len())
	assert.Len(diff.AddList(), len(m))
	assert.Empty(diff.UpdateList())
	assert.Empty(diff.DeleteList())
}

func TestDiffOps(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	ms := newMemStore()

	keys := uniqueKeys([]int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
	prev, err := buildTree(ms, keys)
	assert.NoError(err)

	curr, err := prev.Add(ctx, keyFor(11), valueFor(keyFor(11), 0), -1)
	assert.NoError(err)
	curr, err = curr.Update(ctx, keyFor(3), valueFor(keyFor(3), 7))
	assert.NoError(err)
	curr, err = curr.Delete(ctx, keyFor(5))
	assert.NoError(err)

	diff, err := DiffOf(ctx, curr, prev)
	assert.NoError(err)

	assert.Equal([]DataAdd{{Key: keyFor(11), Cid: valueFor(keyFor(11), 0)}}, diff.AddList())
	assert.Equal([]DataUpdate{{Key: keyFor(3), Prev: valueFor(keyFor(3), 0), Cid: valueFor(keyFor(3), 7)}}, diff.UpdateList())
	assert.Equal([]DataDelete{{Key: keyFor(5), Cid: valueFor(keyFor(5), 0)}}, diff.DeleteList())
	assert.Equal([]string{keyFor(3), keyFor(5), keyFor(11)}, diff.UpdatedKeys())

	assert.True(diff.NewLeafCids.Has(valueFor(keyFor(11), 0)))
	assert.True(diff.NewLeafCids.Has(valueFor(keyFor(3), 7)))
	assert.True(diff.RemovedCids.Has(valueFor(keyFor(3), 0)))
	assert.True(diff.RemovedCids.Has(valueFor(keyFor(5), 0)))

	// identical trees have no difference at all
	same, err := DiffOf(ctx, prev, prev)
	assert.NoError(err)
	assert.Equal(0, same.NewMstBlocks.Len())
	assert.Equal(0, same.NewLeafCids.Len())
	assert.Equal(0, same.RemovedCids.Len())
	assert.Empty(same.UpdatedKeys())
}

func TestDiffCancelsMovedValues(t *testing.T) {
	assert := assert.New(t)

	d := NewDataDiff()
	shared := valueFor("shared", 0)

	// the same record CID leaves one key and lands on another
	d.leafDelete("com.example.record/a", shared)
	d.leafAdd("com.example.record/b", shared)
	assert.False(d.RemovedCids.Has(shared))
	assert.False(d.NewLeafCids.Has(shared))

	node := valueFor("node", 0)
	d.treeAdd(node, []byte{0x01})
	d.treeDelete(node)
	assert.False(d.NewMstBlocks.Has(node))
	assert.False(d.RemovedCids.Has(node))

	d.leafUpdate("com.example.record/c", shared, shared)
	assert.Empty(d.UpdateList())
}
