package repo

import (
	"context"

	"github.com/bluesky-social/atrepo/mst"

	"github.com/ipfs/go-cid"
)

// Storage is the durable block store behind one repository.
//
// GetBytes returns nil bytes and a nil error for an absent block; every other error is a storage
// fault. ApplyCommit must be atomic: either every block in NewBlocks is written, every CID in
// RemovedCids is dropped and the root moves to Cid, or nothing changes.
type Storage interface {
	mst.BlockReader

	// GetRoot returns the current head commit CID, or nil for a repository with no commits.
	GetRoot(ctx context.Context) (*cid.Cid, error)
	ApplyCommit(ctx context.Context, commit *CommitData) error
}
