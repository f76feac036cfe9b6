package repomgr

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/bluesky-social/atrepo/atproto/crypto"
	"github.com/bluesky-social/atrepo/atproto/syntax"
	"github.com/bluesky-social/atrepo/blockmap"
	"github.com/bluesky-social/atrepo/repo"
	"github.com/bluesky-social/atrepo/repostore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cbg "github.com/whyrusleeping/cbor-gen"
)

const testDID = syntax.DID("did:plc:q6gjnaw2blty4crticxkmujt")

const postCollection = syntax.NSID("app.bsky.feed.post")

func testRecord(t testing.TB, text string) []byte {
	buf := new(bytes.Buffer)
	cw := cbg.NewCborWriter(buf)
	require.NoError(t, cw.WriteMajorTypeHeader(cbg.MajMap, 1))
	for _, s := range []string{"text", text} {
		require.NoError(t, cw.WriteMajorTypeHeader(cbg.MajTextString, uint64(len(s))))
		_, err := cw.WriteString(s)
		require.NoError(t, err)
	}
	return buf.Bytes()
}

type eventLog struct {
	lk     sync.Mutex
	events []*RepoEvent
}

func (el *eventLog) handle(ctx context.Context, evt *RepoEvent) {
	el.lk.Lock()
	defer el.lk.Unlock()
	el.events = append(el.events, evt)
}

func (el *eventLog) all() []*RepoEvent {
	el.lk.Lock()
	defer el.lk.Unlock()
	return append([]*RepoEvent(nil), el.events...)
}

func setupManager(t testing.TB, store repostore.Store) (*RepoManager, crypto.PrivateKey, *eventLog) {
	t.Helper()
	key, err := crypto.GeneratePrivateKeyK256()
	require.NoError(t, err)
	km := NewMemKeyManager()
	km.SetKey(testDID, key)

	rm := NewRepoManager(store, km)
	el := &eventLog{}
	rm.SetEventHandler(el.handle)
	return rm, key, el
}

func TestRecordLifecycle(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	rm, _, el := setupManager(t, repostore.NewMemStore())

	_, err := rm.InitNewRepo(ctx, testDID, nil)
	require.NoError(err)
	_, err = rm.InitNewRepo(ctx, testDID, nil)
	assert.ErrorIs(err, ErrRepoExists)

	rkey, rc, err := rm.CreateRecord(ctx, testDID, postCollection, "", testRecord(t, "first"))
	require.NoError(err)
	_, err = syntax.ParseTID(rkey.String())
	assert.NoError(err)

	gc, b, err := rm.GetRecord(ctx, testDID, postCollection, rkey)
	require.NoError(err)
	assert.Equal(rc, gc)
	assert.Equal(testRecord(t, "first"), b)

	// swap against a stale record CID fails, against the current one succeeds
	stale, err := blockmap.CidForBytes([]byte("stale"))
	require.NoError(err)
	_, err = rm.UpdateRecord(ctx, testDID, postCollection, rkey, testRecord(t, "second"), &stale)
	assert.ErrorIs(err, repo.ErrCASMismatch)
	nc, err := rm.UpdateRecord(ctx, testDID, postCollection, rkey, testRecord(t, "second"), &rc)
	require.NoError(err)
	assert.NotEqual(rc, nc)

	require.NoError(rm.DeleteRecord(ctx, testDID, postCollection, rkey, nil))
	_, _, err = rm.GetRecord(ctx, testDID, postCollection, rkey)
	assert.ErrorIs(err, repo.ErrRecordNotFound)
	assert.Error(rm.DeleteRecord(ctx, testDID, postCollection, rkey, nil))

	events := el.all()
	require.Len(events, 4)
	assert.Equal(EvtKindInitRepo, events[0].Kind)
	for i, evt := range events {
		assert.Equal(testDID, evt.DID)
		if i > 0 {
			assert.Equal(EvtKindCommit, evt.Kind)
			assert.Greater(evt.Rev, events[i-1].Rev)
			require.NotNil(evt.Prev)
			assert.Equal(events[i-1].Commit, *evt.Prev)
		}

		// every slice is a CAR rooted at its commit
		root, blocks, err := repostore.ImportCAR(ctx, bytes.NewReader(evt.RepoSlice))
		require.NoError(err)
		assert.Equal(evt.Commit, root)
		assert.True(blocks.Has(evt.Commit))
	}
	assert.Equal(repo.WriteDelete, events[3].Ops[0].Action)
}

func TestUnknownRepo(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	rm, _, _ := setupManager(t, repostore.NewMemStore())

	_, _, err := rm.CreateRecord(ctx, testDID, postCollection, "abc", testRecord(t, "x"))
	assert.ErrorIs(err, ErrRepoNotFound)
	_, _, err = rm.GetRepoRoot(ctx, testDID)
	assert.ErrorIs(err, ErrRepoNotFound)
	assert.ErrorIs(rm.ExportCAR(ctx, testDID, new(bytes.Buffer)), ErrRepoNotFound)

	other := syntax.DID("did:plc:nokeynokeynokeynokeynoke")
	_, err = rm.InitNewRepo(ctx, other, nil)
	assert.ErrorIs(err, ErrNoSigningKey)
}

func TestBatchWriteSwapCommit(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	rm, _, el := setupManager(t, repostore.NewMemStore())
	init, err := rm.InitNewRepo(ctx, testDID, nil)
	require.NoError(err)

	writes := []repo.RecordWrite{
		{Action: repo.WriteCreate, Collection: postCollection, Rkey: "a", Record: testRecord(t, "a")},
		{Action: repo.WriteCreate, Collection: postCollection, Rkey: "b", Record: testRecord(t, "b")},
	}
	cd, err := rm.BatchWrite(ctx, testDID, writes, &init.Cid)
	require.NoError(err)
	assert.Len(cd.Ops, 2)

	// the head moved, so the same swap now fails without writing anything
	_, err = rm.BatchWrite(ctx, testDID, []repo.RecordWrite{
		{Action: repo.WriteDelete, Collection: postCollection, Rkey: "a"},
	}, &init.Cid)
	assert.ErrorIs(err, repo.ErrCASMismatch)

	head, rev, err := rm.GetRepoRoot(ctx, testDID)
	require.NoError(err)
	assert.Equal(cd.Cid, head)
	assert.Equal(cd.Rev, rev)
	assert.Len(el.all(), 2)
}

func TestListRecords(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	rm, _, _ := setupManager(t, repostore.NewMemStore())

	var writes []repo.RecordWrite
	for _, coll := range []syntax.NSID{"app.bsky.feed.like", postCollection, "app.bsky.graph.follow"} {
		for i := 0; i < 7; i++ {
			writes = append(writes, repo.RecordWrite{
				Action:     repo.WriteCreate,
				Collection: coll,
				Rkey:       syntax.RecordKey(fmt.Sprintf("k%02d", i)),
				Record:     testRecord(t, fmt.Sprintf("%s %d", coll, i)),
			})
		}
	}
	_, err := rm.InitNewRepo(ctx, testDID, writes)
	require.NoError(err)

	page, err := rm.ListRecords(ctx, testDID, postCollection, 5, "")
	require.NoError(err)
	require.Len(page, 5)
	assert.Equal(syntax.RecordKey("k00"), page[0].Rkey)
	for _, e := range page {
		assert.Equal(postCollection, e.Collection)
	}

	page, err = rm.ListRecords(ctx, testDID, postCollection, 5, page[4].Rkey)
	require.NoError(err)
	require.Len(page, 2)
	assert.Equal(syntax.RecordKey("k05"), page[0].Rkey)
	assert.Equal(syntax.RecordKey("k06"), page[1].Rkey)

	page, err = rm.ListRecords(ctx, testDID, "app.bsky.nothing.here", 0, "")
	require.NoError(err)
	assert.Empty(page)
}

func TestResignRepo(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	rm, key, el := setupManager(t, repostore.NewMemStore())
	init, err := rm.InitNewRepo(ctx, testDID, []repo.RecordWrite{
		{Action: repo.WriteCreate, Collection: postCollection, Rkey: "a", Record: testRecord(t, "a")},
	})
	require.NoError(err)

	cd, err := rm.ResignRepo(ctx, testDID, "")
	require.NoError(err)
	assert.Greater(cd.Rev, init.Rev)
	assert.Empty(cd.Ops)

	r, err := rm.LoadRepo(ctx, testDID)
	require.NoError(err)
	pub, err := key.PublicKey()
	require.NoError(err)
	commit := r.Commit()
	assert.NoError(commit.VerifySignature(pub))

	_, err = rm.ResignRepo(ctx, testDID, init.Rev)
	assert.ErrorIs(err, repo.ErrInvalidCommit)

	events := el.all()
	assert.Equal(EvtKindResign, events[len(events)-1].Kind)
}

func TestConcurrentWrites(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	rm, _, el := setupManager(t, repostore.NewMemStore())
	_, err := rm.InitNewRepo(ctx, testDID, nil)
	require.NoError(err)

	const workers, perWorker = 8, 5
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				rkey := syntax.RecordKey(fmt.Sprintf("w%d-%d", w, i))
				if _, _, err := rm.CreateRecord(ctx, testDID, postCollection, rkey, testRecord(t, rkey.String())); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(err)
	}

	r, err := rm.LoadRepo(ctx, testDID)
	require.NoError(err)
	n, err := r.Data().LeafCount(ctx)
	require.NoError(err)
	assert.Equal(workers*perWorker, n)

	// events are emitted under the lock, so they form one chain of commits
	events := el.all()
	require.Len(events, workers*perWorker+1)
	for i := 1; i < len(events); i++ {
		assert.Equal(events[i-1].Commit, *events[i].Prev)
		assert.Greater(events[i].Rev, events[i-1].Rev)
	}
	assert.Equal(r.Cid(), events[len(events)-1].Commit)
}
