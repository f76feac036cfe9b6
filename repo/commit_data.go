package repo

import (
	"github.com/bluesky-social/atrepo/blockmap"

	"github.com/ipfs/go-cid"
)

// CommitData is everything storage needs to move a repository from one commit to the next.
type CommitData struct {
	// the new commit
	Cid cid.Cid
	Rev string
	// rev and CID of the commit this one replaces; nil for init and resign commits
	Since *string
	Prev  *cid.Cid

	// blocks to write: new tree nodes, new record blocks and the commit itself
	NewBlocks *blockmap.BlockMap
	// blocks no longer reachable from the new commit
	RemovedCids *blockmap.CidSet
	// proof blocks for every written path, plus the commit; enough for a reader holding only the
	// previous commit to verify the change
	RelevantBlocks *blockmap.BlockMap

	// one per write, in the order the writes were given
	Ops []RecordOp
}
