package blockmap

import (
	"io"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cbg "github.com/whyrusleeping/cbor-gen"
)

// cborText marshals as a single CBOR text string
type cborText string

func (t cborText) MarshalCBOR(w io.Writer) error {
	cw := cbg.NewCborWriter(w)
	if err := cw.WriteMajorTypeHeader(cbg.MajTextString, uint64(len(t))); err != nil {
		return err
	}
	_, err := cw.WriteString(string(t))
	return err
}

func TestBlockMapAdd(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	bm := NewBlockMap()
	c1, err := bm.Add(cborText("one"))
	require.NoError(err)
	c2, err := bm.Add(cborText("two"))
	require.NoError(err)
	again, err := bm.Add(cborText("one"))
	require.NoError(err)

	assert.Equal(c1, again)
	assert.NotEqual(c1, c2)
	assert.Equal(2, bm.Len())
	assert.Equal(uint64(cid.DagCBOR), c1.Prefix().Codec)

	b, ok := bm.Get(c1)
	assert.True(ok)
	assert.Equal([]byte{0x63, 'o', 'n', 'e'}, b)
	assert.Equal(8, bm.ByteSize())

	recomputed, err := CidForBytes(b)
	require.NoError(err)
	assert.Equal(c1, recomputed)

	bm.Delete(c1)
	assert.False(bm.Has(c1))
	assert.True(bm.Has(c2))
}

func TestBlockMapGetMany(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	bm := NewBlockMap()
	c1, err := bm.Add(cborText("a"))
	require.NoError(err)
	c2, err := bm.Add(cborText("b"))
	require.NoError(err)
	other, _, err := EncodeBlock(cborText("c"))
	require.NoError(err)

	found, missing := bm.GetMany([]cid.Cid{c1, other, c2})
	assert.Equal(2, found.Len())
	assert.True(found.Has(c1))
	assert.True(found.Has(c2))
	assert.Equal([]cid.Cid{other}, missing)
}

func TestBlockMapMergeAndEquals(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	a := NewBlockMap()
	b := NewBlockMap()
	_, err := a.Add(cborText("x"))
	require.NoError(err)
	_, err = b.Add(cborText("y"))
	require.NoError(err)
	assert.False(a.Equals(b))

	merged := NewBlockMap()
	merged.AddMap(a)
	merged.AddMap(b)
	merged.AddMap(nil)
	assert.Equal(2, merged.Len())

	b.AddMap(a)
	assert.True(merged.Equals(b))

	var seen []cid.Cid
	require.NoError(merged.ForEach(func(c cid.Cid, _ []byte) error {
		seen = append(seen, c)
		return nil
	}))
	assert.Equal(merged.Cids(), seen)

	merged.Clear()
	assert.Equal(0, merged.Len())
}

func TestCidSet(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	c1, _, err := EncodeBlock(cborText("1"))
	require.NoError(err)
	c2, _, err := EncodeBlock(cborText("2"))
	require.NoError(err)
	c3, _, err := EncodeBlock(cborText("3"))
	require.NoError(err)

	s := NewCidSet(c1, c2)
	assert.Equal(2, s.Len())
	s.Add(c1)
	assert.Equal(2, s.Len())

	other := NewCidSet(c2, c3)
	s.AddSet(other)
	assert.Equal(3, s.Len())

	s.Subtract(NewCidSet(c1))
	assert.False(s.Has(c1))
	assert.ElementsMatch([]cid.Cid{c2, c3}, s.List())

	s.Delete(c2)
	assert.Equal([]cid.Cid{c3}, s.List())

	s.Clear()
	assert.Equal(0, s.Len())
}
