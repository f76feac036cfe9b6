package mst

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/bluesky-social/atrepo/blockmap"

	"github.com/ipfs/go-cid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func propParameters() *gopter.TestParameters {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 40
	return params
}

func genKeyIDs() gopter.Gen {
	return gen.SliceOf(gen.IntRange(0, 5000))
}

func keyFor(id int) string {
	return fmt.Sprintf("com.example.record/k%05d", id)
}

func valueFor(key string, salt int) cid.Cid {
	c, err := blockmap.CidForBytes([]byte(fmt.Sprintf("%s#%d", key, salt)))
	if err != nil {
		panic(err)
	}
	return c
}

func uniqueKeys(ids []int) []string {
	seen := make(map[int]bool)
	var keys []string
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		keys = append(keys, keyFor(id))
	}
	return keys
}

func buildTree(store BlockReader, keys []string) (*MerkleSearchTree, error) {
	ctx := context.Background()
	tree := NewEmptyMST(store)
	for _, k := range keys {
		nt, err := tree.Add(ctx, k, valueFor(k, 0), -1)
		if err != nil {
			return nil, err
		}
		tree = nt
	}
	return tree, nil
}

func TestPropCanonicalForm(t *testing.T) {
	properties := gopter.NewProperties(propParameters())

	properties.Property("root CID does not depend on insertion order", prop.ForAll(
		func(ids []int, seed int64) bool {
			ctx := context.Background()
			keys := uniqueKeys(ids)

			a, err := buildTree(newMemStore(), keys)
			if err != nil {
				return false
			}

			shuffled := append([]string(nil), keys...)
			rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})
			b, err := buildTree(newMemStore(), shuffled)
			if err != nil {
				return false
			}

			pa, err := a.GetPointer(ctx)
			if err != nil {
				return false
			}
			pb, err := b.GetPointer(ctx)
			if err != nil {
				return false
			}
			return pa.Equals(pb)
		},
		genKeyIDs(),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

func TestPropGetAfterAdd(t *testing.T) {
	properties := gopter.NewProperties(propParameters())

	properties.Property("every added key can be read back", prop.ForAll(
		func(ids []int) bool {
			ctx := context.Background()
			keys := uniqueKeys(ids)
			ms := newMemStore()
			tree, err := buildTree(ms, keys)
			if err != nil {
				return false
			}

			// read through a freshly loaded copy too
			loaded := LoadMST(ms, persist(t, ms, tree))
			for _, k := range keys {
				for _, tr := range []*MerkleSearchTree{tree, loaded} {
					v, err := tr.Get(ctx, k)
					if err != nil || !v.Equals(valueFor(k, 0)) {
						return false
					}
				}
			}
			n, err := loaded.LeafCount(ctx)
			return err == nil && n == len(keys)
		},
		genKeyIDs(),
	))

	properties.TestingRun(t)
}

func TestPropDeleteIsInverse(t *testing.T) {
	properties := gopter.NewProperties(propParameters())

	properties.Property("add then delete restores the root", prop.ForAll(
		func(ids []int, extra int) bool {
			ctx := context.Background()
			keys := uniqueKeys(ids)
			newKey := fmt.Sprintf("com.example.record/x%05d", extra)

			tree, err := buildTree(newMemStore(), keys)
			if err != nil {
				return false
			}
			before, err := tree.GetPointer(ctx)
			if err != nil {
				return false
			}

			added, err := tree.Add(ctx, newKey, valueFor(newKey, 1), -1)
			if err != nil {
				return false
			}
			removed, err := added.Delete(ctx, newKey)
			if err != nil {
				return false
			}
			after, err := removed.GetPointer(ctx)
			if err != nil {
				return false
			}
			return before.Equals(after)
		},
		genKeyIDs(),
		gen.IntRange(0, 99999),
	))

	properties.Property("deleting every key gives the empty tree", prop.ForAll(
		func(ids []int, seed int64) bool {
			ctx := context.Background()
			keys := uniqueKeys(ids)
			tree, err := buildTree(newMemStore(), keys)
			if err != nil {
				return false
			}

			rand.New(rand.NewSource(seed)).Shuffle(len(keys), func(i, j int) {
				keys[i], keys[j] = keys[j], keys[i]
			})
			for _, k := range keys {
				if tree, err = tree.Delete(ctx, k); err != nil {
					return false
				}
			}

			got, err := tree.GetPointer(ctx)
			if err != nil {
				return false
			}
			empty, err := NewEmptyMST(nil).GetPointer(ctx)
			if err != nil {
				return false
			}
			return got.Equals(empty)
		},
		genKeyIDs(),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
