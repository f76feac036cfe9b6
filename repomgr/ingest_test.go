package repomgr

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/bluesky-social/atrepo/atproto/syntax"
	"github.com/bluesky-social/atrepo/repo"
	"github.com/bluesky-social/atrepo/repostore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSqliteStore(t testing.TB) repostore.Store {
	t.Helper()
	store, err := repostore.OpenGormStore("sqlite://"+filepath.Join(t.TempDir(), "repos.sqlite"), 1, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestImportExportRoundTrip(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	src, key, _ := setupManager(t, repostore.NewMemStore())
	var writes []repo.RecordWrite
	for i := 0; i < 60; i++ {
		writes = append(writes, repo.RecordWrite{
			Action:     repo.WriteCreate,
			Collection: postCollection,
			Rkey:       syntax.RecordKey(fmt.Sprintf("post%03d", i)),
			Record:     testRecord(t, fmt.Sprintf("post %d", i)),
		})
	}
	_, err := src.InitNewRepo(ctx, testDID, writes)
	require.NoError(err)

	car := new(bytes.Buffer)
	require.NoError(src.ExportCAR(ctx, testDID, car))

	km := NewMemKeyManager()
	km.SetKey(testDID, key)
	dst := NewRepoManager(openSqliteStore(t), km)
	el := &eventLog{}
	dst.SetEventHandler(el.handle)

	cd, err := dst.ImportCAR(ctx, testDID, bytes.NewReader(car.Bytes()))
	require.NoError(err)
	assert.Nil(cd.Since)
	assert.Equal(0, cd.RemovedCids.Len())
	require.Len(el.all(), 1)
	assert.Equal(EvtKindImport, el.all()[0].Kind)

	srcHead, srcRev, err := src.GetRepoRoot(ctx, testDID)
	require.NoError(err)
	dstHead, dstRev, err := dst.GetRepoRoot(ctx, testDID)
	require.NoError(err)
	assert.Equal(srcHead, dstHead)
	assert.Equal(srcRev, dstRev)

	_, b, err := dst.GetRecord(ctx, testDID, postCollection, "post042")
	require.NoError(err)
	assert.Equal(testRecord(t, "post 42"), b)

	// importing the same commit again is stale
	_, err = dst.ImportCAR(ctx, testDID, bytes.NewReader(car.Bytes()))
	assert.ErrorIs(err, ErrStaleImport)

	// a newer export replaces the tree and drops blocks no longer reachable
	require.NoError(src.DeleteRecord(ctx, testDID, postCollection, "post042", nil))
	car.Reset()
	require.NoError(src.ExportCAR(ctx, testDID, car))
	cd, err = dst.ImportCAR(ctx, testDID, car)
	require.NoError(err)
	require.NotNil(cd.Since)
	assert.Equal(dstRev, *cd.Since)
	assert.NotZero(cd.RemovedCids.Len())

	_, _, err = dst.GetRecord(ctx, testDID, postCollection, "post042")
	assert.ErrorIs(err, repo.ErrRecordNotFound)
	for _, c := range cd.RemovedCids.List() {
		ok, err := dst.store.Repo(testDID).Has(ctx, c)
		require.NoError(err)
		assert.False(ok)
	}
}

func TestImportRejectsForeignRepo(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	src, _, _ := setupManager(t, repostore.NewMemStore())
	_, err := src.InitNewRepo(ctx, testDID, nil)
	require.NoError(err)
	car := new(bytes.Buffer)
	require.NoError(src.ExportCAR(ctx, testDID, car))

	// wrong DID
	dst, _, _ := setupManager(t, repostore.NewMemStore())
	_, err = dst.ImportCAR(ctx, syntax.DID("did:plc:someoneelse0000000000000"), bytes.NewReader(car.Bytes()))
	assert.ErrorIs(err, ErrWrongDID)

	// right DID, but signed by a key other than the one on file
	_, err = dst.ImportCAR(ctx, testDID, bytes.NewReader(car.Bytes()))
	assert.ErrorIs(err, repo.ErrBadSignature)

	// nothing was written by the failed imports
	_, _, err = dst.GetRepoRoot(ctx, testDID)
	assert.ErrorIs(err, ErrRepoNotFound)
}

func BenchmarkRepoMgrCreates(b *testing.B) {
	store, err := repostore.OpenPebbleStore(filepath.Join(b.TempDir(), "pebble"), nil, nil)
	if err != nil {
		b.Fatal(err)
	}
	defer store.Close()

	rm, _, _ := setupManager(b, store)
	rm.SetEventHandler(nil)

	ctx := context.TODO()
	if _, err := rm.InitNewRepo(ctx, testDID, nil); err != nil {
		b.Fatal(err)
	}
	rec := testRecord(b, "cats")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := rm.CreateRecord(ctx, testDID, postCollection, "", rec); err != nil {
			b.Fatal(err)
		}
	}
}
