package repo

import (
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeWrites(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	del := RecordWrite{Action: WriteDelete, Collection: "com.example.other", Rkey: "zzz"}
	writes := []RecordWrite{createWrite(t, 3), del, createWrite(t, 1)}

	out, err := NormalizeWrites(writes)
	require.NoError(err)
	require.Len(out, 3)
	assert.Equal(WriteDelete, out[0].Action)
	assert.Equal("com.example.record/r00001", out[1].Path())
	assert.Equal("com.example.record/r00003", out[2].Path())

	// input left alone
	assert.Equal(WriteCreate, writes[0].Action)

	empty, err := NormalizeWrites(nil)
	assert.NoError(err)
	assert.Empty(empty)
}

func TestNormalizeWritesRejects(t *testing.T) {
	assert := assert.New(t)

	twice := []RecordWrite{
		createWrite(t, 1),
		{Action: WriteDelete, Collection: testCollection, Rkey: rkey(1)},
	}
	_, err := NormalizeWrites(twice)
	assert.ErrorIs(err, ErrDuplicatePath)

	bad := map[string]RecordWrite{
		"collection":     {Action: WriteCreate, Collection: "not an nsid", Rkey: "a", Record: testRecord(t, "x")},
		"rkey":           {Action: WriteCreate, Collection: testCollection, Rkey: "..", Record: testRecord(t, "x")},
		"action":         {Action: "upsert", Collection: testCollection, Rkey: "a", Record: testRecord(t, "x")},
		"empty record":   {Action: WriteCreate, Collection: testCollection, Rkey: "a"},
		"not a map":      {Action: WriteUpdate, Collection: testCollection, Rkey: "a", Record: []byte{0x63, 'a', 'b', 'c'}},
		"delete w/ body": {Action: WriteDelete, Collection: testCollection, Rkey: "a", Record: testRecord(t, "x")},
		"create w/ swap": {Action: WriteCreate, Collection: testCollection, Rkey: "a", Record: testRecord(t, "x"), SwapRecord: ptrCid(recordCid(t, []byte("x")))},
		"truncated cbor": {Action: WriteCreate, Collection: testCollection, Rkey: "a", Record: []byte{0xb9}},
	}
	for name, w := range bad {
		_, err := NormalizeWrites([]RecordWrite{w})
		assert.ErrorIs(err, ErrInvalidWrite, name)
	}
}

func ptrCid(c cid.Cid) *cid.Cid {
	return &c
}
