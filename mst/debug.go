package mst

import (
	"bytes"
	"context"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/xlab/treeprint"
)

// PrettyTree renders the stored tree rooted at root, one branch per node. Blocks that are missing
// from the store are marked with a hollow connector and not descended into.
func PrettyTree(ctx context.Context, store BlockReader, root cid.Cid, fullCID bool) (string, error) {
	b, err := store.GetBytes(ctx, root)
	if err != nil {
		return "", err
	}
	tree := treeprint.NewWithRoot(displayCID(root, b != nil, fullCID))
	if b != nil {
		if err := prettyNode(ctx, store, b, tree, fullCID); err != nil {
			return "", err
		}
	}
	return tree.String(), nil
}

func prettyNode(ctx context.Context, store BlockReader, b []byte, tree treeprint.Tree, fullCID bool) error {
	var nd NodeData
	if err := nd.UnmarshalCBOR(bytes.NewReader(b)); err != nil {
		return err
	}

	addSubtree := func(c cid.Cid) error {
		sub, err := store.GetBytes(ctx, c)
		if err != nil {
			return err
		}
		branch := tree.AddBranch(displayCID(c, sub != nil, fullCID))
		if sub == nil {
			return nil
		}
		return prettyNode(ctx, store, sub, branch, fullCID)
	}

	if nd.Left != nil {
		if err := addSubtree(*nd.Left); err != nil {
			return err
		}
	}
	for _, e := range nd.Entries {
		exists, err := store.Has(ctx, e.Val)
		if err != nil {
			return err
		}
		divider := " "
		if fullCID {
			divider = "\n"
		}
		tree.AddNode(strings.Repeat("∙", int(e.PrefixLen)) + string(e.KeySuffix) + divider + displayCID(e.Val, exists, fullCID))
		if e.Tree != nil {
			if err := addSubtree(*e.Tree); err != nil {
				return err
			}
		}
	}
	return nil
}

func displayCID(c cid.Cid, exists bool, full bool) string {
	s := c.String()
	if !full {
		s = "…" + s[len(s)-7:]
	}
	connector := "─◉"
	if !exists {
		connector = "─◌"
	}
	return "[" + s + "]" + connector
}
