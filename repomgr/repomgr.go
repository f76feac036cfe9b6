// Package repomgr serializes writes to the repositories held in a [repostore.Store].
//
// Every mutation of one repository runs under that repository's lock: load the head, format a
// commit, apply it to storage, then notify the event handler. Reads do not take the lock; storage
// guarantees they observe a complete commit.
package repomgr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bluesky-social/atrepo/atproto/syntax"
	"github.com/bluesky-social/atrepo/blockmap"
	"github.com/bluesky-social/atrepo/mst"
	"github.com/bluesky-social/atrepo/repo"
	"github.com/bluesky-social/atrepo/repostore"

	"github.com/ipfs/go-cid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrRepoNotFound = errors.New("repository not found")
	ErrRepoExists   = errors.New("repository already exists")
	ErrNoSigningKey = errors.New("no signing key for repository")
	ErrWrongDID     = errors.New("commit is for a different DID")
	ErrStaleImport  = errors.New("imported commit is not newer than the current head")
)

var tracer = otel.Tracer("repomgr")

// record keys handed out by CreateRecord
var rkeyClock = syntax.NewTIDClock(0)

type RepoManager struct {
	store repostore.Store
	keys  KeyManager
	log   *slog.Logger

	lklk      sync.Mutex
	userLocks map[syntax.DID]*userLock

	events func(context.Context, *RepoEvent)
}

func NewRepoManager(store repostore.Store, keys KeyManager) *RepoManager {
	return &RepoManager{
		store:     store,
		keys:      keys,
		log:       slog.Default().With("system", "repomgr"),
		userLocks: make(map[syntax.DID]*userLock),
	}
}

func (rm *RepoManager) SetLogger(log *slog.Logger) {
	rm.log = log
}

// SetEventHandler registers cb to be called after each commit is durably applied. It runs while
// the repository lock is still held, so events for one repository arrive in commit order.
func (rm *RepoManager) SetEventHandler(cb func(context.Context, *RepoEvent)) {
	rm.events = cb
}

type EventKind string

const (
	EvtKindInitRepo = EventKind("initRepo")
	EvtKindCommit   = EventKind("commit")
	EvtKindResign   = EventKind("resign")
	EvtKindImport   = EventKind("import")
)

type RepoEvent struct {
	Kind   EventKind
	DID    syntax.DID
	Commit cid.Cid
	Rev    string
	Since  *string
	Prev   *cid.Cid
	Ops    []repo.RecordOp
	// CARv1 of the commit's relevant blocks, rooted at Commit
	RepoSlice []byte
}

type userLock struct {
	lk    sync.Mutex
	count int
}

func (rm *RepoManager) lockUser(ctx context.Context, user syntax.DID) func() {
	_, span := tracer.Start(ctx, "userLock")
	defer span.End()
	start := time.Now()

	rm.lklk.Lock()

	ulk, ok := rm.userLocks[user]
	if !ok {
		ulk = &userLock{}
		rm.userLocks[user] = ulk
	}

	ulk.count++

	rm.lklk.Unlock()

	ulk.lk.Lock()
	lockWait.Observe(time.Since(start).Seconds())

	return func() {
		rm.lklk.Lock()

		ulk.lk.Unlock()
		ulk.count--

		if ulk.count == 0 {
			delete(rm.userLocks, user)
		}
		rm.lklk.Unlock()
	}
}

func (rm *RepoManager) loadRepo(ctx context.Context, did syntax.DID) (*repo.Repo, error) {
	r, err := repo.Load(ctx, rm.store.Repo(did), nil)
	if errors.Is(err, repo.ErrRepoRootNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRepoNotFound, did)
	}
	return r, err
}

func (rm *RepoManager) emit(ctx context.Context, did syntax.DID, kind EventKind, cd *repo.CommitData) {
	commitsApplied.WithLabelValues(string(kind)).Inc()
	for _, op := range cd.Ops {
		recordOps.WithLabelValues(string(op.Action)).Inc()
	}

	if rm.events == nil {
		return
	}

	buf := new(bytes.Buffer)
	if err := repostore.WriteCAR(buf, cd.Cid, cd.RelevantBlocks); err != nil {
		// the commit is already durable; subscribers get the event without a slice
		rm.log.Error("failed to build repo slice", "did", did, "commit", cd.Cid, "err", err)
		buf.Reset()
	}

	rm.events(ctx, &RepoEvent{
		Kind:      kind,
		DID:       did,
		Commit:    cd.Cid,
		Rev:       cd.Rev,
		Since:     cd.Since,
		Prev:      cd.Prev,
		Ops:       cd.Ops,
		RepoSlice: buf.Bytes(),
	})
}

// InitNewRepo creates the first commit of a repository, optionally with initial records.
func (rm *RepoManager) InitNewRepo(ctx context.Context, did syntax.DID, writes []repo.RecordWrite) (*repo.CommitData, error) {
	ctx, span := tracer.Start(ctx, "InitNewRepo")
	defer span.End()
	span.SetAttributes(attribute.String("did", did.String()))
	start := time.Now()

	unlock := rm.lockUser(ctx, did)
	defer unlock()

	storage := rm.store.Repo(did)
	head, err := storage.GetRoot(ctx)
	if err != nil {
		return nil, err
	}
	if head != nil {
		return nil, fmt.Errorf("%w: %s", ErrRepoExists, did)
	}

	key, err := rm.keys.SigningKey(ctx, did)
	if err != nil {
		return nil, err
	}

	cd, err := repo.FormatInitCommit(ctx, storage, did, key, writes)
	if err != nil {
		return nil, err
	}
	if err := storage.ApplyCommit(ctx, cd); err != nil {
		return nil, fmt.Errorf("applying init commit: %w", err)
	}
	commitDuration.WithLabelValues(string(EvtKindInitRepo)).Observe(time.Since(start).Seconds())

	rm.log.Info("initialized repo", "did", did, "commit", cd.Cid, "rev", cd.Rev, "records", len(cd.Ops))
	rm.emit(ctx, did, EvtKindInitRepo, cd)
	return cd, nil
}

// BatchWrite applies writes as a single commit. A non-nil swapCommit must match the current head.
func (rm *RepoManager) BatchWrite(ctx context.Context, did syntax.DID, writes []repo.RecordWrite, swapCommit *cid.Cid) (*repo.CommitData, error) {
	ctx, span := tracer.Start(ctx, "BatchWrite")
	defer span.End()
	span.SetAttributes(attribute.String("did", did.String()), attribute.Int("writes", len(writes)))
	start := time.Now()

	unlock := rm.lockUser(ctx, did)
	defer unlock()

	r, err := rm.loadRepo(ctx, did)
	if err != nil {
		return nil, err
	}
	if err := r.CheckSwapCommit(swapCommit); err != nil {
		return nil, err
	}

	key, err := rm.keys.SigningKey(ctx, did)
	if err != nil {
		return nil, err
	}

	cd, err := r.FormatCommit(ctx, writes, key)
	if err != nil {
		return nil, err
	}
	if err := r.Storage().ApplyCommit(ctx, cd); err != nil {
		return nil, fmt.Errorf("applying commit: %w", err)
	}
	commitDuration.WithLabelValues(string(EvtKindCommit)).Observe(time.Since(start).Seconds())

	rm.log.Debug("applied commit", "did", did, "commit", cd.Cid, "rev", cd.Rev, "ops", len(cd.Ops))
	rm.emit(ctx, did, EvtKindCommit, cd)
	return cd, nil
}

// CreateRecord adds a record. An empty rkey is replaced with a fresh TID.
func (rm *RepoManager) CreateRecord(ctx context.Context, did syntax.DID, collection syntax.NSID, rkey syntax.RecordKey, rec []byte) (syntax.RecordKey, cid.Cid, error) {
	if rkey == "" {
		rkey = syntax.RecordKey(rkeyClock.Next().String())
	}
	cd, err := rm.BatchWrite(ctx, did, []repo.RecordWrite{{
		Action:     repo.WriteCreate,
		Collection: collection,
		Rkey:       rkey,
		Record:     rec,
	}}, nil)
	if err != nil {
		return "", cid.Undef, err
	}
	return rkey, *cd.Ops[0].Cid, nil
}

// UpdateRecord replaces an existing record. A non-nil swapRecord must match the current record CID.
func (rm *RepoManager) UpdateRecord(ctx context.Context, did syntax.DID, collection syntax.NSID, rkey syntax.RecordKey, rec []byte, swapRecord *cid.Cid) (cid.Cid, error) {
	cd, err := rm.BatchWrite(ctx, did, []repo.RecordWrite{{
		Action:     repo.WriteUpdate,
		Collection: collection,
		Rkey:       rkey,
		Record:     rec,
		SwapRecord: swapRecord,
	}}, nil)
	if err != nil {
		return cid.Undef, err
	}
	return *cd.Ops[0].Cid, nil
}

func (rm *RepoManager) DeleteRecord(ctx context.Context, did syntax.DID, collection syntax.NSID, rkey syntax.RecordKey, swapRecord *cid.Cid) error {
	_, err := rm.BatchWrite(ctx, did, []repo.RecordWrite{{
		Action:     repo.WriteDelete,
		Collection: collection,
		Rkey:       rkey,
		SwapRecord: swapRecord,
	}}, nil)
	return err
}

// ResignRepo signs a new commit over the unchanged tree. An empty rev allocates the next one.
func (rm *RepoManager) ResignRepo(ctx context.Context, did syntax.DID, rev string) (*repo.CommitData, error) {
	ctx, span := tracer.Start(ctx, "ResignRepo")
	defer span.End()
	start := time.Now()

	unlock := rm.lockUser(ctx, did)
	defer unlock()

	r, err := rm.loadRepo(ctx, did)
	if err != nil {
		return nil, err
	}
	key, err := rm.keys.SigningKey(ctx, did)
	if err != nil {
		return nil, err
	}

	cd, err := r.FormatResignCommit(ctx, rev, key)
	if err != nil {
		return nil, err
	}
	if err := r.Storage().ApplyCommit(ctx, cd); err != nil {
		return nil, fmt.Errorf("applying resign commit: %w", err)
	}
	commitDuration.WithLabelValues(string(EvtKindResign)).Observe(time.Since(start).Seconds())

	rm.log.Info("resigned repo", "did", did, "commit", cd.Cid, "rev", cd.Rev)
	rm.emit(ctx, did, EvtKindResign, cd)
	return cd, nil
}

// GetRepoRoot returns the head commit CID and rev of a repository.
func (rm *RepoManager) GetRepoRoot(ctx context.Context, did syntax.DID) (cid.Cid, string, error) {
	r, err := rm.loadRepo(ctx, did)
	if err != nil {
		return cid.Undef, "", err
	}
	return r.Cid(), r.Rev(), nil
}

// LoadRepo returns a read-only view of the repository at its current head.
func (rm *RepoManager) LoadRepo(ctx context.Context, did syntax.DID) (*repo.Repo, error) {
	return rm.loadRepo(ctx, did)
}

func (rm *RepoManager) GetRecord(ctx context.Context, did syntax.DID, collection syntax.NSID, rkey syntax.RecordKey) (cid.Cid, []byte, error) {
	ctx, span := tracer.Start(ctx, "GetRecord")
	defer span.End()

	r, err := rm.loadRepo(ctx, did)
	if err != nil {
		return cid.Undef, nil, err
	}
	return r.GetRecord(ctx, collection, rkey)
}

type RecordEntry struct {
	Collection syntax.NSID
	Rkey       syntax.RecordKey
	Cid        cid.Cid
}

// ListRecords returns up to limit records of collection with record keys after cursor, in key
// order. An empty cursor starts at the beginning.
func (rm *RepoManager) ListRecords(ctx context.Context, did syntax.DID, collection syntax.NSID, limit int, cursor syntax.RecordKey) ([]RecordEntry, error) {
	ctx, span := tracer.Start(ctx, "ListRecords")
	defer span.End()

	r, err := rm.loadRepo(ctx, did)
	if err != nil {
		return nil, err
	}

	// '0' sorts immediately after '/', bounding the scan to this collection
	after := collection.String() + "/" + cursor.String()
	before := collection.String() + "0"
	leaves, err := r.Data().List(ctx, limit, after, before)
	if err != nil {
		return nil, err
	}

	out := make([]RecordEntry, 0, len(leaves))
	for _, l := range leaves {
		coll, rkey, err := syntax.ParseRepoPath(l.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: bad path %q in tree: %w", mst.ErrInvalidTree, l.Key, err)
		}
		out = append(out, RecordEntry{Collection: coll, Rkey: rkey, Cid: l.Val})
	}
	return out, nil
}

// ExportCAR writes the full repository as a CARv1 stream.
func (rm *RepoManager) ExportCAR(ctx context.Context, did syntax.DID, w io.Writer) error {
	ctx, span := tracer.Start(ctx, "ExportCAR")
	defer span.End()

	storage := rm.store.Repo(did)
	head, err := storage.GetRoot(ctx)
	if err != nil {
		return err
	}
	if head == nil {
		return fmt.Errorf("%w: %s", ErrRepoNotFound, did)
	}
	return repostore.ExportCAR(ctx, w, storage, head)
}

// ImportCAR replaces a repository with the contents of a CAR file. The file is loaded and checked
// in memory first: the commit must be for did, its signature must verify against the repository's
// signing key when one is known, every record must be present, and its rev must be newer than the
// current head. Only the blocks reachable from the new commit are stored.
func (rm *RepoManager) ImportCAR(ctx context.Context, did syntax.DID, r io.Reader) (*repo.CommitData, error) {
	ctx, span := tracer.Start(ctx, "ImportCAR")
	defer span.End()
	start := time.Now()

	root, blocks, err := repostore.ImportCAR(ctx, r)
	if err != nil {
		return nil, err
	}

	staged := repostore.NewStagedStorage(nil, blocks, &root)
	imported, err := repo.Load(ctx, staged, nil)
	if err != nil {
		return nil, err
	}
	if imported.DID() != did {
		return nil, fmt.Errorf("%w: %s != %s", ErrWrongDID, imported.DID(), did)
	}
	if key, err := rm.keys.SigningKey(ctx, did); err == nil {
		pub, err := key.PublicKey()
		if err != nil {
			return nil, err
		}
		commit := imported.Commit()
		if err := commit.VerifySignature(pub); err != nil {
			return nil, err
		}
	}

	newBlocks, leafCount, err := reachableBlocks(ctx, imported, staged)
	if err != nil {
		return nil, err
	}

	unlock := rm.lockUser(ctx, did)
	defer unlock()

	storage := rm.store.Repo(did)
	removed := blockmap.NewCidSet()
	var since *string
	var prev *cid.Cid
	current, err := repo.Load(ctx, storage, nil)
	switch {
	case errors.Is(err, repo.ErrRepoRootNotFound):
	case err != nil:
		return nil, err
	default:
		if imported.Rev() <= current.Rev() {
			return nil, fmt.Errorf("%w: %s <= %s", ErrStaleImport, imported.Rev(), current.Rev())
		}
		old, err := current.Data().AllCids(ctx)
		if err != nil {
			return nil, fmt.Errorf("walking current tree: %w", err)
		}
		old.Add(current.Cid())
		for _, c := range old.List() {
			if !newBlocks.Has(c) {
				removed.Add(c)
			}
		}
		oldRev := current.Rev()
		oldCid := current.Cid()
		since = &oldRev
		prev = &oldCid
	}

	cd := &repo.CommitData{
		Cid:            imported.Cid(),
		Rev:            imported.Rev(),
		Since:          since,
		Prev:           prev,
		NewBlocks:      newBlocks,
		RemovedCids:    removed,
		RelevantBlocks: newBlocks,
	}
	if err := storage.ApplyCommit(ctx, cd); err != nil {
		return nil, fmt.Errorf("applying imported commit: %w", err)
	}
	repoOpsImported.Add(float64(leafCount))
	commitDuration.WithLabelValues(string(EvtKindImport)).Observe(time.Since(start).Seconds())

	rm.log.Info("imported repo", "did", did, "commit", cd.Cid, "rev", cd.Rev, "records", leafCount, "blocks", newBlocks.Len())
	rm.emit(ctx, did, EvtKindImport, cd)
	return cd, nil
}

// reachableBlocks collects the commit, every tree node and every record block of r, failing on
// the first one storage does not have.
func reachableBlocks(ctx context.Context, r *repo.Repo, storage repo.Storage) (*blockmap.BlockMap, int, error) {
	out, err := r.Data().AllNodes(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("walking imported tree: %w", err)
	}

	commitBlk, err := storage.GetBytes(ctx, r.Cid())
	if err != nil {
		return nil, 0, err
	}
	out.Set(r.Cid(), commitBlk)

	leaves, err := r.Data().Leaves(ctx)
	if err != nil {
		return nil, 0, err
	}
	cids := make([]cid.Cid, 0, len(leaves))
	for _, l := range leaves {
		cids = append(cids, l.Val)
	}
	found, missing, err := storage.GetBlocks(ctx, cids)
	if err != nil {
		return nil, 0, err
	}
	if len(missing) > 0 {
		return nil, 0, fmt.Errorf("%w: %d record blocks, first %s", repo.ErrMissingLeafBlock, len(missing), missing[0])
	}
	out.AddMap(found)
	return out, len(leaves), nil
}
