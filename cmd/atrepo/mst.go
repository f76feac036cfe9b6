package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/bluesky-social/atrepo/mst"
	"github.com/bluesky-social/atrepo/repo"
	"github.com/bluesky-social/atrepo/repostore"

	"github.com/urfave/cli/v2"
)

var cmdMST = &cli.Command{
	Name:  "mst",
	Usage: "sub-commands for inspecting repository trees",
	Subcommands: []*cli.Command{
		&cli.Command{
			Name:      "print",
			Usage:     "pretty-print the tree of a stored repository, or of a CAR file",
			ArgsUsage: `[<car-file>]`,
			Flags: append([]cli.Flag{
				&cli.StringFlag{
					Name:    "did",
					Usage:   "DID of a stored repository",
					EnvVars: []string{"ATREPO_DID"},
				},
				&cli.BoolFlag{
					Name:  "full-cid",
					Usage: "display full CIDs instead of their last characters",
				},
			}, storeFlags...),
			Action: runMSTPrint,
		},
		&cli.Command{
			Name:      "height",
			Usage:     "print the tree layer of one or more keys",
			ArgsUsage: `<key>...`,
			Action:    runMSTHeight,
		},
	},
}

func runMSTPrint(cctx *cli.Context) error {
	ctx := cctx.Context

	var storage repo.Storage
	if carPath := cctx.Args().First(); carPath != "" {
		f, err := os.Open(carPath)
		if err != nil {
			return err
		}
		defer f.Close()
		root, blocks, err := repostore.ImportCAR(ctx, bufio.NewReader(f))
		if err != nil {
			return err
		}
		storage = repostore.NewStagedStorage(nil, blocks, &root)
	} else {
		if cctx.String("did") == "" {
			return fmt.Errorf("need --did or a CAR file path")
		}
		did, err := argDID(cctx)
		if err != nil {
			return err
		}
		store, err := openStore(cctx)
		if err != nil {
			return err
		}
		defer store.Close()
		storage = store.Repo(did)
	}

	r, err := repo.Load(ctx, storage, nil)
	if err != nil {
		return err
	}
	root, err := r.Data().GetPointer(ctx)
	if err != nil {
		return err
	}
	out, err := mst.PrettyTree(ctx, storage, root, cctx.Bool("full-cid"))
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\t%s\n", r.DID(), r.Cid(), r.Rev())
	fmt.Print(out)
	return nil
}

func runMSTHeight(cctx *cli.Context) error {
	if cctx.NArg() == 0 {
		return fmt.Errorf("need to provide at least one key as an argument")
	}
	for _, key := range cctx.Args().Slice() {
		if err := mst.EnsureValidKey(key); err != nil {
			return err
		}
		fmt.Printf("%d\t%s\n", mst.HeightForKey(key), key)
	}
	return nil
}
