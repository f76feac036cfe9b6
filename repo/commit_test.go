package repo

import (
	"bytes"
	"testing"

	"github.com/bluesky-social/atrepo/atproto/crypto"
	"github.com/bluesky-social/atrepo/blockmap"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedTestCommit(t *testing.T, key crypto.PrivateKey) *Commit {
	data := recordCid(t, []byte("tree root"))
	prev := recordCid(t, []byte("previous commit"))
	c, err := (&UnsignedCommit{
		DID:     testDID.String(),
		Version: ATPROTO_REPO_VERSION,
		Prev:    &prev,
		Data:    data,
		Rev:     "3l4qtkhzx3k2a",
	}).Sign(key)
	require.NoError(t, err)
	return c
}

func TestCommitRoundTrip(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	for _, gen := range []func() (crypto.PrivateKeyExportable, error){
		func() (crypto.PrivateKeyExportable, error) { return crypto.GeneratePrivateKeyK256() },
		func() (crypto.PrivateKeyExportable, error) { return crypto.GeneratePrivateKeyP256() },
	} {
		key, err := gen()
		require.NoError(err)
		pub, err := key.PublicKey()
		require.NoError(err)

		c := signedTestCommit(t, key)
		assert.NoError(c.VerifyStructure())
		assert.NoError(c.VerifySignature(pub))

		buf := new(bytes.Buffer)
		require.NoError(c.MarshalCBOR(buf))
		var decoded Commit
		require.NoError(decoded.UnmarshalCBOR(bytes.NewReader(buf.Bytes())))
		assert.Equal(*c, decoded)
		assert.NoError(decoded.VerifySignature(pub))

		unsigned, err := c.UnsignedBytes()
		require.NoError(err)
		direct, err := c.Unsigned().Bytes()
		require.NoError(err)
		assert.Equal(direct, unsigned)

		other, err := crypto.GeneratePrivateKeyK256()
		require.NoError(err)
		otherPub, err := other.PublicKey()
		require.NoError(err)
		assert.ErrorIs(c.VerifySignature(otherPub), ErrBadSignature)
	}
}

func TestCommitNullPrev(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	uc := &UnsignedCommit{
		DID:     testDID.String(),
		Version: ATPROTO_REPO_VERSION,
		Data:    recordCid(t, []byte("tree root")),
		Rev:     "3l4qtkhzx3k2a",
	}
	b, err := uc.Bytes()
	require.NoError(err)
	// five keys, prev written as an explicit null
	assert.Equal(byte(0xa5), b[0])
	assert.True(bytes.Contains(b, []byte{0x64, 'p', 'r', 'e', 'v', 0xf6}))

	var decoded UnsignedCommit
	require.NoError(decoded.UnmarshalCBOR(bytes.NewReader(b)))
	assert.Nil(decoded.Prev)
	assert.Equal(*uc, decoded)
}

func TestCommitStructure(t *testing.T) {
	assert := assert.New(t)

	key := testKey(t)
	base := signedTestCommit(t, key)

	c := *base
	c.Version = 2
	assert.ErrorIs(c.VerifyStructure(), ErrInvalidCommit)

	c = *base
	c.Sig = nil
	assert.ErrorIs(c.VerifyStructure(), ErrInvalidCommit)

	c = *base
	c.DID = "alice"
	assert.ErrorIs(c.VerifyStructure(), ErrInvalidCommit)

	c = *base
	c.Rev = "2024-01-01"
	assert.ErrorIs(c.VerifyStructure(), ErrInvalidCommit)

	_, err := (&UnsignedCommit{}).Sign(nil)
	assert.ErrorIs(err, ErrSigningFailed)
}

// Flipping any single bit of an encoded commit must break decoding, structure or signature.
func TestCommitBitFlips(t *testing.T) {
	require := require.New(t)

	key := testKey(t)
	pub, err := key.PublicKey()
	require.NoError(err)

	orig := signedTestCommit(t, key)
	buf := new(bytes.Buffer)
	require.NoError(orig.MarshalCBOR(buf))
	encoded := buf.Bytes()
	origCid, err := blockmap.CidForBytes(encoded)
	require.NoError(err)

	for i := range encoded {
		for bit := 0; bit < 8; bit++ {
			flipped := append([]byte(nil), encoded...)
			flipped[i] ^= 1 << bit

			flippedCid, err := blockmap.CidForBytes(flipped)
			require.NoError(err)
			require.False(origCid.Equals(flippedCid))

			var c Commit
			if err := c.UnmarshalCBOR(bytes.NewReader(flipped)); err != nil {
				continue
			}
			if err := c.VerifyStructure(); err != nil {
				continue
			}
			if c.VerifySignature(pub) == nil {
				t.Fatalf("commit still verifies with byte %d bit %d flipped", i, bit)
			}
		}
	}
}
