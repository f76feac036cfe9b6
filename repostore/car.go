package repostore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bluesky-social/atrepo/blockmap"
	"github.com/bluesky-social/atrepo/mst"
	"github.com/bluesky-social/atrepo/repo"

	"github.com/ipfs/go-cid"
	car "github.com/ipld/go-car"
	carutil "github.com/ipld/go-car/util"
	carv2 "github.com/ipld/go-car/v2"
)

// leaf blocks fetched per GetBlocks call during export
const exportBatchSize = 500

// ImportCAR reads every block of a CAR stream, checking that each block hashes to its CID. The
// first header root is returned as the commit CID.
func ImportCAR(ctx context.Context, r io.Reader) (cid.Cid, *blockmap.BlockMap, error) {
	br, err := carv2.NewBlockReader(r)
	if err != nil {
		return cid.Undef, nil, fmt.Errorf("reading CAR header: %w", err)
	}
	if len(br.Roots) < 1 {
		return cid.Undef, nil, fmt.Errorf("CAR file missing root CID")
	}

	blocks := blockmap.NewBlockMap()
	for {
		if err := ctx.Err(); err != nil {
			return cid.Undef, nil, err
		}
		blk, err := br.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return cid.Undef, nil, fmt.Errorf("reading CAR block: %w", err)
		}

		expected := blk.Cid()
		actual, err := expected.Prefix().Sum(blk.RawData())
		if err != nil {
			return cid.Undef, nil, err
		}
		if !actual.Equals(expected) {
			return cid.Undef, nil, fmt.Errorf("CAR block does not match its CID: %s != %s", actual, expected)
		}
		blocks.Set(expected, blk.RawData())
	}
	return br.Roots[0], blocks, nil
}

// ExportCAR writes a CARv1 stream of the repository at root (the current head when nil): the
// commit block, then every tree node in pre-order, then every record block.
func ExportCAR(ctx context.Context, w io.Writer, storage repo.Storage, root *cid.Cid) error {
	r, err := repo.Load(ctx, storage, root)
	if err != nil {
		return err
	}

	if err := car.WriteHeader(&car.CarHeader{
		Roots:   []cid.Cid{r.Cid()},
		Version: 1,
	}, w); err != nil {
		return err
	}

	commitBlk, err := storage.GetBytes(ctx, r.Cid())
	if err != nil {
		return err
	}
	if commitBlk == nil {
		return fmt.Errorf("%w: %s", repo.ErrRepoRootNotFound, r.Cid())
	}
	if _, err := carutil.LdWrite(w, r.Cid().Bytes(), commitBlk); err != nil {
		return err
	}

	var leaves []cid.Cid
	seen := blockmap.NewCidSet()
	if err := r.Data().Walk(ctx, func(e mst.NodeEntry) error {
		if e.IsLeaf() {
			if !seen.Has(e.Val) {
				seen.Add(e.Val)
				leaves = append(leaves, e.Val)
			}
			return nil
		}
		ptr, err := e.Tree.GetPointer(ctx)
		if err != nil {
			return err
		}
		b, err := storage.GetBytes(ctx, ptr)
		if err != nil {
			return err
		}
		if b == nil {
			return fmt.Errorf("missing tree node %s", ptr)
		}
		_, err = carutil.LdWrite(w, ptr.Bytes(), b)
		return err
	}); err != nil {
		return fmt.Errorf("exporting tree: %w", err)
	}

	for start := 0; start < len(leaves); start += exportBatchSize {
		chunk := leaves[start:min(start+exportBatchSize, len(leaves))]
		found, missing, err := storage.GetBlocks(ctx, chunk)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			return fmt.Errorf("%w: %s", repo.ErrMissingLeafBlock, missing[0])
		}
		for _, c := range chunk {
			b, _ := found.Get(c)
			if _, err := carutil.LdWrite(w, c.Bytes(), b); err != nil {
				return err
			}
		}
	}
	return nil
}

// WriteCAR writes blocks as a CARv1 stream rooted at root. The root block goes first when present,
// the rest follow in CID order.
func WriteCAR(w io.Writer, root cid.Cid, blocks *blockmap.BlockMap) error {
	if err := car.WriteHeader(&car.CarHeader{
		Roots:   []cid.Cid{root},
		Version: 1,
	}, w); err != nil {
		return err
	}
	if b, ok := blocks.Get(root); ok {
		if _, err := carutil.LdWrite(w, root.Bytes(), b); err != nil {
			return err
		}
	}
	for _, c := range blocks.Cids() {
		if c.Equals(root) {
			continue
		}
		b, _ := blocks.Get(c)
		if _, err := carutil.LdWrite(w, c.Bytes(), b); err != nil {
			return err
		}
	}
	return nil
}
