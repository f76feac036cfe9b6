// Package repo builds and signs commits over a repository's Merkle Search Tree.
//
// A [Repo] is an immutable view of one commit. Formatting a commit computes the blocks that must be
// written and the blocks that become unreachable, without touching storage; [Repo.ApplyCommit]
// hands that [CommitData] to [Storage] in one atomic step and returns a view of the new commit.
// Callers serialize writers per repository.
package repo

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/bluesky-social/atrepo/atproto/crypto"
	"github.com/bluesky-social/atrepo/atproto/syntax"
	"github.com/bluesky-social/atrepo/blockmap"
	"github.com/bluesky-social/atrepo/mst"

	"github.com/ipfs/go-cid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("repo")

// shared by every repository in the process, so revs never repeat within it
var revClock = syntax.NewTIDClock(0)

// nextRev returns a TID strictly greater than prev. An unparseable prev places no constraint.
func nextRev(prev string) string {
	last, err := syntax.ParseTID(prev)
	if err != nil {
		last = ""
	}
	return revClock.NextAfter(last).String()
}

type Repo struct {
	storage Storage
	data    *mst.MerkleSearchTree
	commit  *Commit
	cid     cid.Cid
}

// Load opens the commit at root, or the storage head when root is nil.
func Load(ctx context.Context, storage Storage, root *cid.Cid) (*Repo, error) {
	ctx, span := tracer.Start(ctx, "Load")
	defer span.End()

	if root == nil {
		head, err := storage.GetRoot(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading repo head: %w", err)
		}
		if head == nil {
			return nil, ErrRepoRootNotFound
		}
		root = head
	}

	b, err := storage.GetBytes(ctx, *root)
	if err != nil {
		return nil, fmt.Errorf("reading commit %s: %w", root, err)
	}
	if b == nil {
		return nil, fmt.Errorf("%w: %s", ErrRepoRootNotFound, root)
	}

	var commit Commit
	if err := commit.UnmarshalCBOR(bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %w", ErrInvalidCommit, root, err)
	}
	if err := commit.VerifyStructure(); err != nil {
		return nil, err
	}

	return &Repo{
		storage: storage,
		data:    mst.LoadMST(storage, commit.Data),
		commit:  &commit,
		cid:     *root,
	}, nil
}

func (r *Repo) DID() syntax.DID {
	return syntax.DID(r.commit.DID)
}

func (r *Repo) Cid() cid.Cid {
	return r.cid
}

func (r *Repo) Rev() string {
	return r.commit.Rev
}

// Commit returns a copy of the head commit object.
func (r *Repo) Commit() Commit {
	c := *r.commit
	c.Sig = append([]byte(nil), r.commit.Sig...)
	return c
}

// Data is the record tree at this commit.
func (r *Repo) Data() *mst.MerkleSearchTree {
	return r.data
}

func (r *Repo) Storage() Storage {
	return r.storage
}

// CheckSwapCommit fails with a *CASMismatchError unless swap is nil or names the current commit.
func (r *Repo) CheckSwapCommit(swap *cid.Cid) error {
	if swap == nil || swap.Equals(r.cid) {
		return nil
	}
	actual := r.cid
	return &CASMismatchError{Expected: swap, Actual: &actual}
}

// applyWrites runs a normalized batch against tree, staging record blocks in leaves.
func applyWrites(ctx context.Context, tree *mst.MerkleSearchTree, writes []RecordWrite, leaves *blockmap.BlockMap) (*mst.MerkleSearchTree, []RecordOp, error) {
	ops := make([]RecordOp, 0, len(writes))
	for _, w := range writes {
		path := w.Path()

		var current *cid.Cid
		existing, err := tree.Get(ctx, path)
		switch {
		case err == nil:
			current = &existing
		case errors.Is(err, mst.ErrNotFound):
		default:
			return nil, nil, fmt.Errorf("reading %s: %w", path, err)
		}

		if w.SwapRecord != nil && (current == nil || !current.Equals(*w.SwapRecord)) {
			return nil, nil, &CASMismatchError{Path: path, Expected: w.SwapRecord, Actual: current}
		}

		op := RecordOp{Action: w.Action, Path: path, Prev: current}
		switch w.Action {
		case WriteCreate:
			c, err := blockmap.CidForBytes(w.Record)
			if err != nil {
				return nil, nil, err
			}
			leaves.Set(c, w.Record)
			if tree, err = tree.Add(ctx, path, c, -1); err != nil {
				return nil, nil, fmt.Errorf("create %s: %w", path, err)
			}
			op.Cid = &c
		case WriteUpdate:
			c, err := blockmap.CidForBytes(w.Record)
			if err != nil {
				return nil, nil, err
			}
			leaves.Set(c, w.Record)
			if current == nil {
				return nil, nil, fmt.Errorf("%w: update %s", ErrRecordNotFound, path)
			}
			if tree, err = tree.Update(ctx, path, c); err != nil {
				return nil, nil, notFoundOr(err, "update", path)
			}
			op.Cid = &c
		case WriteDelete:
			if current == nil {
				return nil, nil, fmt.Errorf("%w: delete %s", ErrRecordNotFound, path)
			}
			if tree, err = tree.Delete(ctx, path); err != nil {
				return nil, nil, notFoundOr(err, "delete", path)
			}
		}
		ops = append(ops, op)
	}
	return tree, ops, nil
}

// notFoundOr maps a tree miss to ErrRecordNotFound. Storage faults pass through unchanged.
func notFoundOr(err error, action, path string) error {
	if errors.Is(err, mst.ErrNotFound) {
		return fmt.Errorf("%w: %s %s: %w", ErrRecordNotFound, action, path, err)
	}
	return fmt.Errorf("%s %s: %w", action, path, err)
}

// FormatInitCommit builds the first commit of a new repository, holding the given creates.
func FormatInitCommit(ctx context.Context, storage Storage, did syntax.DID, key crypto.PrivateKey, writes []RecordWrite) (*CommitData, error) {
	ctx, span := tracer.Start(ctx, "FormatInitCommit")
	defer span.End()
	span.SetAttributes(attribute.String("did", did.String()), attribute.Int("writes", len(writes)))

	if _, err := syntax.ParseDID(did.String()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCommit, err)
	}
	input := writes
	writes, err := NormalizeWrites(writes)
	if err != nil {
		return nil, err
	}
	for _, w := range writes {
		if w.Action != WriteCreate {
			return nil, fmt.Errorf("%w: initial commit can only create records, got %s on %s", ErrInvalidWrite, w.Action, w.Path())
		}
	}

	leaves := blockmap.NewBlockMap()
	tree, ops, err := applyWrites(ctx, mst.NewEmptyMST(storage), writes, leaves)
	if err != nil {
		return nil, err
	}
	ops = opsInWriteOrder(input, ops)

	dataCid, err := tree.GetPointer(ctx)
	if err != nil {
		return nil, err
	}
	diff, err := mst.DiffOf(ctx, tree, nil)
	if err != nil {
		return nil, err
	}

	newBlocks := blockmap.NewBlockMap()
	newBlocks.AddMap(diff.NewMstBlocks)
	if err := addNewLeaves(diff, leaves, newBlocks, nil); err != nil {
		return nil, err
	}

	commit, err := (&UnsignedCommit{
		DID:     did.String(),
		Version: ATPROTO_REPO_VERSION,
		Data:    dataCid,
		Rev:     nextRev(""),
	}).Sign(key)
	if err != nil {
		return nil, err
	}
	commitCid, err := newBlocks.Add(commit)
	if err != nil {
		return nil, err
	}

	relevant := blockmap.NewBlockMap()
	relevant.AddMap(newBlocks)

	return &CommitData{
		Cid:            commitCid,
		Rev:            commit.Rev,
		NewBlocks:      newBlocks,
		RemovedCids:    blockmap.NewCidSet(),
		RelevantBlocks: relevant,
		Ops:            ops,
	}, nil
}

// Create formats an initial commit, applies it to storage and returns the loaded repository.
func Create(ctx context.Context, storage Storage, did syntax.DID, key crypto.PrivateKey, writes []RecordWrite) (*Repo, *CommitData, error) {
	commit, err := FormatInitCommit(ctx, storage, did, key, writes)
	if err != nil {
		return nil, nil, err
	}
	if err := storage.ApplyCommit(ctx, commit); err != nil {
		return nil, nil, err
	}
	r, err := Load(ctx, storage, &commit.Cid)
	if err != nil {
		return nil, nil, err
	}
	return r, commit, nil
}

// FormatCommit applies a batch of writes to the current tree and builds the signed commit for the
// result. Nothing is written: the returned CommitData goes to ApplyCommit. Any failure leaves the
// repository exactly as it was.
func (r *Repo) FormatCommit(ctx context.Context, writes []RecordWrite, key crypto.PrivateKey) (*CommitData, error) {
	ctx, span := tracer.Start(ctx, "FormatCommit")
	defer span.End()
	span.SetAttributes(attribute.String("did", r.commit.DID), attribute.Int("writes", len(writes)))

	input := writes
	writes, err := NormalizeWrites(writes)
	if err != nil {
		return nil, err
	}

	leaves := blockmap.NewBlockMap()
	tree, ops, err := applyWrites(ctx, r.data, writes, leaves)
	if err != nil {
		return nil, err
	}
	ops = opsInWriteOrder(input, ops)

	dataCid, err := tree.GetPointer(ctx)
	if err != nil {
		return nil, err
	}
	diff, err := mst.DiffOf(ctx, tree, r.data)
	if err != nil {
		return nil, fmt.Errorf("diffing tree: %w", err)
	}

	newBlocks := blockmap.NewBlockMap()
	newBlocks.AddMap(diff.NewMstBlocks)
	removed := blockmap.NewCidSet(diff.RemovedCids.List()...)

	relevant := blockmap.NewBlockMap()
	for _, w := range writes {
		if err := tree.AddBlocksForPath(ctx, w.Path(), relevant); err != nil {
			return nil, fmt.Errorf("collecting proof for %s: %w", w.Path(), err)
		}
	}
	if err := addNewLeaves(diff, leaves, newBlocks, relevant); err != nil {
		return nil, err
	}
	if err := keepReferencedLeaves(ctx, tree, diff, removed); err != nil {
		return nil, err
	}

	commit, err := (&UnsignedCommit{
		DID:     r.commit.DID,
		Version: ATPROTO_REPO_VERSION,
		Data:    dataCid,
		Rev:     nextRev(r.commit.Rev),
	}).Sign(key)
	if err != nil {
		return nil, err
	}
	commitCid, err := newBlocks.Add(commit)
	if err != nil {
		return nil, err
	}
	if !commitCid.Equals(r.cid) {
		b, _ := newBlocks.Get(commitCid)
		relevant.Set(commitCid, b)
		removed.Add(r.cid)
	}

	since := r.commit.Rev
	prev := r.cid
	return &CommitData{
		Cid:            commitCid,
		Rev:            commit.Rev,
		Since:          &since,
		Prev:           &prev,
		NewBlocks:      newBlocks,
		RemovedCids:    removed,
		RelevantBlocks: relevant,
		Ops:            ops,
	}, nil
}

// addNewLeaves copies the record block of every leaf CID the diff introduced. A CID with no staged
// block means the tree references a record nobody supplied.
func addNewLeaves(diff *mst.DataDiff, leaves, newBlocks, relevant *blockmap.BlockMap) error {
	found, missing := leaves.GetMany(diff.NewLeafCids.List())
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingLeafBlock, missing[0])
	}
	newBlocks.AddMap(found)
	if relevant != nil {
		relevant.AddMap(found)
	}
	return nil
}

// keepReferencedLeaves drops from removed any record CID that an untouched key of the new tree still
// points at. Two keys can hold byte-identical records.
func keepReferencedLeaves(ctx context.Context, tree *mst.MerkleSearchTree, diff *mst.DataDiff, removed *blockmap.CidSet) error {
	candidates := blockmap.NewCidSet()
	for _, d := range diff.DeleteList() {
		if removed.Has(d.Cid) {
			candidates.Add(d.Cid)
		}
	}
	for _, u := range diff.UpdateList() {
		if removed.Has(u.Prev) {
			candidates.Add(u.Prev)
		}
	}
	if candidates.Len() == 0 {
		return nil
	}

	return tree.WalkLeavesFrom(ctx, "", func(_ string, val cid.Cid) error {
		if candidates.Has(val) {
			removed.Delete(val)
			candidates.Delete(val)
			if candidates.Len() == 0 {
				return mst.ErrDoneIterating
			}
		}
		return nil
	})
}

// FormatResignCommit re-signs the current tree under a new rev, typically after a key rotation.
// An empty rev is allocated from the clock; a supplied one must be later than the current rev.
func (r *Repo) FormatResignCommit(ctx context.Context, rev string, key crypto.PrivateKey) (*CommitData, error) {
	ctx, span := tracer.Start(ctx, "FormatResignCommit")
	defer span.End()
	span.SetAttributes(attribute.String("did", r.commit.DID))

	if rev == "" {
		rev = nextRev(r.commit.Rev)
	} else {
		if _, err := syntax.ParseTID(rev); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCommit, err)
		}
		if rev <= r.commit.Rev {
			return nil, fmt.Errorf("%w: rev %s is not after %s", ErrInvalidCommit, rev, r.commit.Rev)
		}
	}

	commit, err := (&UnsignedCommit{
		DID:     r.commit.DID,
		Version: ATPROTO_REPO_VERSION,
		Data:    r.commit.Data,
		Rev:     rev,
	}).Sign(key)
	if err != nil {
		return nil, err
	}

	newBlocks := blockmap.NewBlockMap()
	commitCid, err := newBlocks.Add(commit)
	if err != nil {
		return nil, err
	}
	removed := blockmap.NewCidSet()
	if !commitCid.Equals(r.cid) {
		removed.Add(r.cid)
	}

	relevant := blockmap.NewBlockMap()
	relevant.AddMap(newBlocks)

	return &CommitData{
		Cid:            commitCid,
		Rev:            rev,
		NewBlocks:      newBlocks,
		RemovedCids:    removed,
		RelevantBlocks: relevant,
	}, nil
}

// ApplyCommit persists commit and returns the repository as of that commit.
func (r *Repo) ApplyCommit(ctx context.Context, commit *CommitData) (*Repo, error) {
	ctx, span := tracer.Start(ctx, "ApplyCommit")
	defer span.End()

	if err := r.storage.ApplyCommit(ctx, commit); err != nil {
		return nil, err
	}
	return Load(ctx, r.storage, &commit.Cid)
}

// ApplyWrites is FormatCommit followed by ApplyCommit.
func (r *Repo) ApplyWrites(ctx context.Context, writes []RecordWrite, key crypto.PrivateKey) (*Repo, *CommitData, error) {
	commit, err := r.FormatCommit(ctx, writes, key)
	if err != nil {
		return nil, nil, err
	}
	next, err := r.ApplyCommit(ctx, commit)
	if err != nil {
		return nil, nil, err
	}
	return next, commit, nil
}

// GetRecord returns the CID and bytes of a record.
func (r *Repo) GetRecord(ctx context.Context, collection syntax.NSID, rkey syntax.RecordKey) (cid.Cid, []byte, error) {
	path := syntax.RepoPath(collection, rkey)
	c, err := r.data.Get(ctx, path)
	if err != nil {
		if errors.Is(err, mst.ErrNotFound) {
			return cid.Undef, nil, fmt.Errorf("%w: %s", ErrRecordNotFound, path)
		}
		return cid.Undef, nil, err
	}
	b, err := r.storage.GetBytes(ctx, c)
	if err != nil {
		return cid.Undef, nil, err
	}
	if b == nil {
		return cid.Undef, nil, fmt.Errorf("%w: %s at %s", ErrMissingLeafBlock, c, path)
	}
	return c, b, nil
}

func (r *Repo) GetRecordBytes(ctx context.Context, collection syntax.NSID, rkey syntax.RecordKey) ([]byte, error) {
	_, b, err := r.GetRecord(ctx, collection, rkey)
	return b, err
}

// WalkRecords calls cb for every record with path >= from, in path order.
func (r *Repo) WalkRecords(ctx context.Context, from string, cb func(collection syntax.NSID, rkey syntax.RecordKey, c cid.Cid) error) error {
	return r.data.WalkLeavesFrom(ctx, from, func(key string, val cid.Cid) error {
		collection, rkey, err := syntax.ParseRepoPath(key)
		if err != nil {
			return fmt.Errorf("%w: bad path %q in tree: %w", mst.ErrInvalidTree, key, err)
		}
		return cb(collection, rkey, val)
	})
}

// RepoContents maps collection to record key to record bytes.
type RepoContents map[syntax.NSID]map[syntax.RecordKey][]byte

// GetContents reads every record in the repository. A record block missing from storage is an
// error, not a gap in the result.
func (r *Repo) GetContents(ctx context.Context) (RepoContents, error) {
	ctx, span := tracer.Start(ctx, "GetContents")
	defer span.End()

	leaves, err := r.data.Leaves(ctx)
	if err != nil {
		return nil, err
	}
	cids := make([]cid.Cid, 0, len(leaves))
	for _, l := range leaves {
		cids = append(cids, l.Val)
	}
	blocks, missing, err := r.storage.GetBlocks(ctx, cids)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %d record blocks, first %s", ErrMissingLeafBlock, len(missing), missing[0])
	}

	contents := make(RepoContents)
	for _, l := range leaves {
		collection, rkey, err := syntax.ParseRepoPath(l.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: bad path %q in tree: %w", mst.ErrInvalidTree, l.Key, err)
		}
		b, _ := blocks.Get(l.Val)
		if contents[collection] == nil {
			contents[collection] = make(map[syntax.RecordKey][]byte)
		}
		contents[collection][rkey] = b
	}
	return contents, nil
}
