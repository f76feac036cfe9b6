package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bluesky-social/atrepo/atproto/crypto"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordCodecRoundTrip(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	in := `{"$type":"app.bsky.feed.post","text":"hello","createdAt":"2024-01-01T00:00:00Z","langs":["en"]}`
	b, err := jsonToCBOR(strings.NewReader(in))
	require.NoError(err)
	// canonical map ordering: shorter keys first
	assert.Equal(byte(0xa4), b[0])
	assert.Equal([]byte("\x64text"), b[1:6])

	out := new(bytes.Buffer)
	require.NoError(cborToJSON(b, out))
	assert.Contains(out.String(), `"text":"hello"`)
	again, err := jsonToCBOR(out)
	require.NoError(err)
	assert.Equal(b, again)

	_, err = jsonToCBOR(strings.NewReader(`{"text":`))
	assert.Error(err)
}

func TestCommandsEndToEnd(t *testing.T) {
	require := require.New(t)

	key, err := crypto.GeneratePrivateKeyK256()
	require.NoError(err)
	dir := t.TempDir()
	store := "sqlite://" + filepath.Join(dir, "repos.sqlite")
	did := "did:plc:e2etest00000000000000000"

	recPath := filepath.Join(dir, "post.json")
	require.NoError(os.WriteFile(recPath, []byte(`{"text":"hello"}`), 0644))

	base := func(args ...string) []string {
		return append([]string{"atrepo"}, args...)
	}
	common := []string{"--did", did, "--signing-key", key.Multibase(), "--store", store}

	require.NoError(run(base(append([]string{"repo", "init"}, common...)...)))
	require.NoError(run(base(append(append([]string{"record", "create"}, common...), "--collection", "app.bsky.feed.post", "--rkey", "one", recPath)...)))
	require.NoError(run(base("record", "get", "--did", did, "--store", store, "--collection", "app.bsky.feed.post", "--rkey", "one")))
	require.NoError(run(base(append([]string{"repo", "resign"}, common...)...)))

	carPath := filepath.Join(dir, "export.car")
	require.NoError(run(base("repo", "export", "--did", did, "--store", store, carPath)))

	pub, err := key.PublicKey()
	require.NoError(err)
	require.NoError(run(base("repo", "verify", "--public-key", pub.DIDKey(), "--store", store, carPath)))
	require.NoError(run(base("repo", "verify", "--store", store)))
	require.NoError(run(base("mst", "print", carPath)))

	require.NoError(run(base(append(append([]string{"record", "delete"}, common...), "--collection", "app.bsky.feed.post", "--rkey", "one")...)))
	require.Error(run(base("record", "get", "--did", did, "--store", store, "--collection", "app.bsky.feed.post", "--rkey", "one")))

	// a second store receives the exported file
	other := "sqlite://" + filepath.Join(dir, "other.sqlite")
	require.NoError(run(base("repo", "import", "--did", did, "--store", other, carPath)))
	require.NoError(run(base("record", "list", "--did", did, "--store", other, "--collection", "app.bsky.feed.post")))
}
