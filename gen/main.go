package main

import (
	"github.com/bluesky-social/atrepo/mst"
	"github.com/bluesky-social/atrepo/repo"

	cbg "github.com/whyrusleeping/cbor-gen"
)

func main() {
	genCfg := cbg.Gen{
		MaxStringLength: 1000000,
	}

	if err := genCfg.WriteMapEncodersToFile("mst/cbor_gen.go", "mst", mst.NodeData{}, mst.TreeEntry{}); err != nil {
		panic(err)
	}

	if err := genCfg.WriteMapEncodersToFile("repo/cbor_gen.go", "repo", repo.Commit{}, repo.UnsignedCommit{}); err != nil {
		panic(err)
	}
}
