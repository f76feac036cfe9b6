package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/bluesky-social/atrepo/atproto/crypto"
	"github.com/bluesky-social/atrepo/mst"
	"github.com/bluesky-social/atrepo/repo"
	"github.com/bluesky-social/atrepo/repostore"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

var cmdRepo = &cli.Command{
	Name:  "repo",
	Usage: "sub-commands for stored repositories",
	Subcommands: []*cli.Command{
		&cli.Command{
			Name:   "init",
			Usage:  "create an empty repository",
			Flags:  append([]cli.Flag{didFlag, signingKeyFlag}, storeFlags...),
			Action: runRepoInit,
		},
		&cli.Command{
			Name:    "list",
			Aliases: []string{"ls"},
			Usage:   "list stored repositories and their heads",
			Flags:   storeFlags,
			Action:  runRepoList,
		},
		&cli.Command{
			Name:  "resign",
			Usage: "sign a new commit over the current tree",
			Flags: append([]cli.Flag{
				didFlag,
				signingKeyFlag,
				&cli.StringFlag{
					Name:  "rev",
					Usage: "rev (TID) for the new commit; allocated when empty",
				},
			}, storeFlags...),
			Action: runRepoResign,
		},
		&cli.Command{
			Name:      "export",
			Usage:     "write a repository as a CAR file",
			ArgsUsage: `<car-file>`,
			Flags:     append([]cli.Flag{didFlag}, storeFlags...),
			Action:    runRepoExport,
		},
		&cli.Command{
			Name:      "import",
			Usage:     "replace a repository with the contents of a CAR file",
			ArgsUsage: `<car-file>`,
			Flags:     append([]cli.Flag{didFlag, signingKeyFlag}, storeFlags...),
			Action:    runRepoImport,
		},
		&cli.Command{
			Name:      "verify",
			Usage:     "check a CAR file, or a stored repository, for completeness, canonical form and a valid signature",
			ArgsUsage: `[<car-file>]`,
			Flags: append([]cli.Flag{
				&cli.StringFlag{
					Name:    "did",
					Usage:   "DID of a stored repository to verify; every stored repository when empty",
					EnvVars: []string{"ATREPO_DID"},
				},
				&cli.StringFlag{
					Name:  "public-key",
					Usage: "did:key or multibase public key to check the commit signature against",
				},
				&cli.IntFlag{
					Name:  "parallel",
					Usage: "repositories verified at once when checking the whole store",
					Value: 4,
				},
			}, storeFlags...),
			Action: runRepoVerify,
		},
	},
}

func runRepoInit(cctx *cli.Context) error {
	did, err := argDID(cctx)
	if err != nil {
		return err
	}
	rm, store, err := openManager(cctx, true)
	if err != nil {
		return err
	}
	defer store.Close()

	cd, err := rm.InitNewRepo(cctx.Context, did, nil)
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\t%s\n", did, cd.Cid, cd.Rev)
	return nil
}

func runRepoList(cctx *cli.Context) error {
	store, err := openStore(cctx)
	if err != nil {
		return err
	}
	defer store.Close()

	heads, err := store.ListRepos(cctx.Context)
	if err != nil {
		return err
	}
	for _, h := range heads {
		fmt.Printf("%s\t%s\t%s\n", h.DID, h.Root, h.Rev)
	}
	return nil
}

func runRepoResign(cctx *cli.Context) error {
	did, err := argDID(cctx)
	if err != nil {
		return err
	}
	rm, store, err := openManager(cctx, true)
	if err != nil {
		return err
	}
	defer store.Close()

	cd, err := rm.ResignRepo(cctx.Context, did, cctx.String("rev"))
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\t%s\n", did, cd.Cid, cd.Rev)
	return nil
}

func runRepoExport(cctx *cli.Context) error {
	did, err := argDID(cctx)
	if err != nil {
		return err
	}
	carPath := cctx.Args().First()
	if carPath == "" {
		return fmt.Errorf("need to provide CAR file path as an argument")
	}
	if _, err := os.Stat(carPath); err == nil {
		return fmt.Errorf("file already exists: %s", carPath)
	}

	rm, store, err := openManager(cctx, false)
	if err != nil {
		return err
	}
	defer store.Close()

	f, err := os.Create(carPath)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := rm.ExportCAR(cctx.Context, did, w); err != nil {
		f.Close()
		os.Remove(carPath)
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func runRepoImport(cctx *cli.Context) error {
	did, err := argDID(cctx)
	if err != nil {
		return err
	}
	carPath := cctx.Args().First()
	if carPath == "" {
		return fmt.Errorf("need to provide CAR file path as an argument")
	}
	f, err := os.Open(carPath)
	if err != nil {
		return err
	}
	defer f.Close()

	rm, store, err := openManager(cctx, false)
	if err != nil {
		return err
	}
	defer store.Close()

	cd, err := rm.ImportCAR(cctx.Context, did, bufio.NewReader(f))
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\t%s\t%d blocks\n", did, cd.Cid, cd.Rev, cd.NewBlocks.Len())
	return nil
}

func parsePublicKey(s string) (crypto.PublicKey, error) {
	if s == "" {
		return nil, nil
	}
	if pub, err := crypto.ParsePublicDIDKey(s); err == nil {
		return pub, nil
	}
	return crypto.ParsePublicMultibase(s)
}

func runRepoVerify(cctx *cli.Context) error {
	ctx := cctx.Context
	pub, err := parsePublicKey(cctx.String("public-key"))
	if err != nil {
		return err
	}

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
		return verifyRepo(ctx, repostore.NewStagedStorage(nil, blocks, &root), pub)
	}

	store, err := openStore(cctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if cctx.String("did") != "" {
		did, err := argDID(cctx)
		if err != nil {
			return err
		}
		return verifyRepo(ctx, store.Repo(did), pub)
	}

	heads, err := store.ListRepos(ctx)
	if err != nil {
		return err
	}
	var failed int
	results := make([]error, len(heads))
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(max(cctx.Int("parallel"), 1))
	for i, h := range heads {
		eg.Go(func() error {
			results[i] = verifyRepo(ectx, store.Repo(h.DID), pub)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	for i, err := range results {
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "%s: %v\n", heads[i].DID, err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d repositories failed verification", failed, len(heads))
	}
	return nil
}

// verifyRepo loads the head commit, checks its signature when pub is given, reads every record
// block, and rebuilds the tree from its leaves to confirm the stored tree is canonical.
func verifyRepo(ctx context.Context, storage repo.Storage, pub crypto.PublicKey) error {
	r, err := repo.Load(ctx, storage, nil)
	if err != nil {
		return err
	}
	if pub != nil {
		commit := r.Commit()
		if err := commit.VerifySignature(pub); err != nil {
			return err
		}
	}

	contents, err := r.GetContents(ctx)
	if err != nil {
		return err
	}

	leaves, err := r.Data().Leaves(ctx)
	if err != nil {
		return err
	}
	rebuilt := mst.NewEmptyMST(storage)
	for _, l := range leaves {
		rebuilt, err = rebuilt.Add(ctx, l.Key, l.Val, -1)
		if err != nil {
			return err
		}
	}
	want, err := r.Data().GetPointer(ctx)
	if err != nil {
		return err
	}
	got, err := rebuilt.GetPointer(ctx)
	if err != nil {
		return err
	}
	if !got.Equals(want) {
		return errors.New("stored tree is not in canonical form")
	}

	var records int
	for _, coll := range contents {
		records += len(coll)
	}
	fmt.Printf("%s\t%s\t%s\tok (%d records)\n", r.DID(), r.Cid(), r.Rev(), records)
	return nil
}
