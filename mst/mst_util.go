package mst

import (
	"context"
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"

	"github.com/ipfs/go-cid"
)

// TreeEntry is the serialized form of one leaf, with prefix-compressed key and optional right
// subtree.
type TreeEntry struct {
	PrefixLen int64    `cborgen:"p"`
	KeySuffix []byte   `cborgen:"k"`
	Val       cid.Cid  `cborgen:"v"`
	Tree      *cid.Cid `cborgen:"t"`
}

// NodeData is the serialized form of one node. Left points at the subtree of keys sorting before
// the first entry.
type NodeData struct {
	Left    *cid.Cid    `cborgen:"l"`
	Entries []TreeEntry `cborgen:"e"`
}

// HeightForKey computes the layer of a key: the number of leading zero 2-bit groups in its
// SHA-256 hash (fanout 4). A leading 0x00 byte counts as 4.
func HeightForKey(key string) int {
	hv := sha256.Sum256([]byte(key))

	total := 0
	for _, b := range hv {
		if b == 0x00 {
			total += 4
			continue
		}
		switch {
		case b&0xFC == 0x00:
			total += 3
		case b&0xF0 == 0x00:
			total += 2
		case b&0xC0 == 0x00:
			total += 1
		}
		break
	}
	return total
}

// layerForEntries is the layer of the first leaf, or -1 if there is none.
func layerForEntries(entries []NodeEntry) int {
	for _, e := range entries {
		if e.IsLeaf() {
			return HeightForKey(e.Key)
		}
	}
	return -1
}

// CountPrefixLen counts the leading bytes a and b share.
func CountPrefixLen(a, b string) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

var reKeyChars = regexp.MustCompile(`^[a-zA-Z0-9_~:.-]+$`)

// IsValidKey reports whether s can be stored in the tree: "collection/rkey", at most 256 bytes,
// with both halves non-empty and made of [a-zA-Z0-9_~:.-].
func IsValidKey(s string) bool {
	if len(s) > 256 || strings.Count(s, "/") != 1 {
		return false
	}
	a, b, _ := strings.Cut(s, "/")
	return reKeyChars.MatchString(a) && reKeyChars.MatchString(b)
}

func EnsureValidKey(s string) error {
	if !IsValidKey(s) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	return nil
}

// serializeNodeData converts hydrated entries to their wire form. Child pointers are computed as
// needed.
func serializeNodeData(ctx context.Context, entries []NodeEntry) (*NodeData, error) {
	data := NodeData{Entries: []TreeEntry{}}

	i := 0
	if len(entries) > 0 && entries[0].IsTree() {
		i++
		ptr, err := entries[0].Tree.GetPointer(ctx)
		if err != nil {
			return nil, err
		}
		data.Left = &ptr
	}

	var lastKey string
	for i < len(entries) {
		leaf := entries[i]
		if !leaf.IsLeaf() {
			return nil, fmt.Errorf("%w: two subtrees next to each other (%d, %d)", ErrInvalidTree, i, len(entries))
		}
		i++

		var subtree *cid.Cid
		if i < len(entries) && entries[i].IsTree() {
			ptr, err := entries[i].Tree.GetPointer(ctx)
			if err != nil {
				return nil, fmt.Errorf("getting subtree pointer: %w", err)
			}
			subtree = &ptr
			i++
		}

		if err := EnsureValidKey(leaf.Key); err != nil {
			return nil, err
		}

		prefixLen := CountPrefixLen(lastKey, leaf.Key)
		data.Entries = append(data.Entries, TreeEntry{
			PrefixLen: int64(prefixLen),
			KeySuffix: []byte(leaf.Key[prefixLen:]),
			Val:       leaf.Val,
			Tree:      subtree,
		})
		lastKey = leaf.Key
	}

	return &data, nil
}

// deserializeNodeData expands wire entries into virtual subtrees and leaves. layerHint is the
// layer the parent expects for this node, or -1. Returns the node's layer (-1 if it has no leaves
// and no hint).
func deserializeNodeData(store BlockReader, nd *NodeData, layerHint int) (int, []NodeEntry, error) {
	layer := layerHint
	entries := make([]NodeEntry, 0, len(nd.Entries)*2+1)

	var lastKey string
	keys := make([]string, 0, len(nd.Entries))
	for _, e := range nd.Entries {
		if e.PrefixLen < 0 || int(e.PrefixLen) > len(lastKey) {
			return -1, nil, fmt.Errorf("%w: prefix length %d exceeds previous key", ErrInvalidTree, e.PrefixLen)
		}
		key := lastKey[:e.PrefixLen] + string(e.KeySuffix)
		if err := EnsureValidKey(key); err != nil {
			return -1, nil, err
		}
		if lastKey != "" && key <= lastKey {
			return -1, nil, fmt.Errorf("%w: keys out of order (%q after %q)", ErrInvalidTree, key, lastKey)
		}

		h := HeightForKey(key)
		if layer < 0 {
			layer = h
		} else if h != layer {
			return -1, nil, fmt.Errorf("%w: key %q at layer %d in node of layer %d", ErrInvalidTree, key, h, layer)
		}
		keys = append(keys, key)
		lastKey = key
	}

	childLayer := -1
	if layer > 0 {
		childLayer = layer - 1
	} else if layer == 0 && (nd.Left != nil || hasSubtree(nd)) {
		return -1, nil, fmt.Errorf("%w: subtree below layer 0", ErrInvalidTree)
	}

	if nd.Left != nil {
		entries = append(entries, treeEntry(NewMST(store, *nd.Left, nil, childLayer)))
	}
	for i, e := range nd.Entries {
		entries = append(entries, leafEntry(keys[i], e.Val))
		if e.Tree != nil {
			entries = append(entries, treeEntry(NewMST(store, *e.Tree, nil, childLayer)))
		}
	}

	return layer, entries, nil
}

func hasSubtree(nd *NodeData) bool {
	for _, e := range nd.Entries {
		if e.Tree != nil {
			return true
		}
	}
	return false
}
