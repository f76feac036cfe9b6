package repo

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/bluesky-social/atrepo/atproto/syntax"

	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
)

type WriteAction string

const (
	WriteCreate WriteAction = "create"
	WriteUpdate WriteAction = "update"
	WriteDelete WriteAction = "delete"
)

// RecordWrite is one record mutation in a commit batch.
type RecordWrite struct {
	Action     WriteAction
	Collection syntax.NSID
	Rkey       syntax.RecordKey
	// DAG-CBOR encoded record; empty for deletes
	Record []byte
	// when set, the write only applies if the record currently has this CID
	SwapRecord *cid.Cid
}

func (w *RecordWrite) Path() string {
	return syntax.RepoPath(w.Collection, w.Rkey)
}

func (w *RecordWrite) validate() error {
	if _, err := syntax.ParseNSID(w.Collection.String()); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidWrite, err)
	}
	if _, err := syntax.ParseRecordKey(w.Rkey.String()); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidWrite, err)
	}
	if w.Action == WriteCreate && w.SwapRecord != nil {
		return fmt.Errorf("%w: create of %s can not swap an existing record", ErrInvalidWrite, w.Path())
	}
	switch w.Action {
	case WriteCreate, WriteUpdate:
		if err := checkRecordBytes(w.Record); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidWrite, w.Path(), err)
		}
	case WriteDelete:
		if len(w.Record) != 0 {
			return fmt.Errorf("%w: delete of %s carries a record", ErrInvalidWrite, w.Path())
		}
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidWrite, w.Action)
	}
	return nil
}

// records are DAG-CBOR maps; only the top-level header is checked here
func checkRecordBytes(b []byte) error {
	if len(b) == 0 {
		return fmt.Errorf("empty record")
	}
	maj, _, err := cbg.NewCborReader(bytes.NewReader(b)).ReadHeader()
	if err != nil {
		return fmt.Errorf("record is not CBOR: %w", err)
	}
	if maj != cbg.MajMap {
		return fmt.Errorf("record is not a CBOR map")
	}
	return nil
}

// NormalizeWrites validates a batch and returns a copy with deletes first, then by path, so that
// applying it does not depend on the order the caller listed the writes. A path named twice fails
// with ErrDuplicatePath, whatever the actions.
func NormalizeWrites(writes []RecordWrite) ([]RecordWrite, error) {
	seen := make(map[string]bool, len(writes))
	out := make([]RecordWrite, 0, len(writes))
	for _, w := range writes {
		if err := w.validate(); err != nil {
			return nil, err
		}
		p := w.Path()
		if seen[p] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePath, p)
		}
		seen[p] = true
		out = append(out, w)
	}

	sort.SliceStable(out, func(i, j int) bool {
		di := out[i].Action == WriteDelete
		dj := out[j].Action == WriteDelete
		if di != dj {
			return di
		}
		return out[i].Path() < out[j].Path()
	})
	return out, nil
}

// opsInWriteOrder reorders ops, which follow the normalized batch, back into the order the caller
// gave the writes in.
func opsInWriteOrder(writes []RecordWrite, ops []RecordOp) []RecordOp {
	pos := make(map[string]int, len(writes))
	for i, w := range writes {
		pos[w.Path()] = i
	}
	out := make([]RecordOp, len(ops))
	copy(out, ops)
	sort.SliceStable(out, func(i, j int) bool {
		return pos[out[i].Path] < pos[out[j].Path]
	})
	return out
}

// RecordOp is the outcome of one write: the record's CID after the commit (nil for a delete) and
// before it (nil for a create).
type RecordOp struct {
	Action WriteAction
	Path   string
	Cid    *cid.Cid
	Prev   *cid.Cid
}
