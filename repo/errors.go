package repo

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
)

var (
	ErrRepoRootNotFound = errors.New("repo: root commit not found")
	// a batch named the same record path more than once
	ErrDuplicatePath  = errors.New("repo: duplicate path in write batch")
	ErrInvalidWrite   = errors.New("repo: invalid write")
	ErrRecordNotFound = errors.New("repo: record not found")
	// a record CID referenced by a write has no block to go with it
	ErrMissingLeafBlock = errors.New("repo: missing record block")
	ErrCASMismatch      = errors.New("repo: compare-and-swap mismatch")
	ErrSigningFailed    = errors.New("repo: signing failed")
	ErrInvalidCommit    = errors.New("repo: invalid commit")
	ErrBadSignature     = errors.New("repo: commit signature does not verify")
)

// CASMismatchError reports which value a caller expected at a path (or at the repo head, when Path
// is empty) and what was actually there. A nil CID means "absent".
type CASMismatchError struct {
	Path     string
	Expected *cid.Cid
	Actual   *cid.Cid
}

func (e *CASMismatchError) Error() string {
	target := e.Path
	if target == "" {
		target = "commit"
	}
	return fmt.Sprintf("repo: compare-and-swap mismatch on %s: expected %s, found %s", target, cidOrNone(e.Expected), cidOrNone(e.Actual))
}

func (e *CASMismatchError) Unwrap() error {
	return ErrCASMismatch
}

func cidOrNone(c *cid.Cid) string {
	if c == nil {
		return "none"
	}
	return c.String()
}
