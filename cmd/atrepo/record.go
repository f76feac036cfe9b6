package main

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/bluesky-social/atrepo/atproto/syntax"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime/codec/dagcbor"
	"github.com/ipld/go-ipld-prime/codec/dagjson"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/urfave/cli/v2"
)

var collectionFlag = &cli.StringFlag{
	Name:     "collection",
	Aliases:  []string{"c"},
	Usage:    "record collection NSID",
	Required: true,
}

var rkeyFlag = &cli.StringFlag{
	Name:    "rkey",
	Aliases: []string{"r"},
	Usage:   "record key",
}

var swapFlag = &cli.StringFlag{
	Name:  "swap-record",
	Usage: "CID the current record must have for the write to go through",
}

func recordWriteFlags(extra ...cli.Flag) []cli.Flag {
	flags := append([]cli.Flag{didFlag, signingKeyFlag, collectionFlag, rkeyFlag}, storeFlags...)
	return append(flags, extra...)
}

var cmdRecord = &cli.Command{
	Name:  "record",
	Usage: "sub-commands for records in a stored repository",
	Subcommands: []*cli.Command{
		&cli.Command{
			Name:      "create",
			Usage:     "create a record from a DAG-JSON file (or - for stdin)",
			ArgsUsage: `<json-file>`,
			Flags:     recordWriteFlags(),
			Action:    runRecordCreate,
		},
		&cli.Command{
			Name:      "update",
			Usage:     "replace a record with the contents of a DAG-JSON file (or - for stdin)",
			ArgsUsage: `<json-file>`,
			Flags:     recordWriteFlags(swapFlag),
			Action:    runRecordUpdate,
		},
		&cli.Command{
			Name:   "delete",
			Usage:  "delete a record",
			Flags:  recordWriteFlags(swapFlag),
			Action: runRecordDelete,
		},
		&cli.Command{
			Name:   "get",
			Usage:  "print a record as DAG-JSON",
			Flags:  append([]cli.Flag{didFlag, collectionFlag, rkeyFlag}, storeFlags...),
			Action: runRecordGet,
		},
		&cli.Command{
			Name:    "list",
			Aliases: []string{"ls"},
			Usage:   "list record paths and CIDs in a collection",
			Flags: append([]cli.Flag{
				didFlag,
				collectionFlag,
				&cli.IntFlag{
					Name:  "limit",
					Value: 100,
				},
				&cli.StringFlag{
					Name:  "cursor",
					Usage: "record key to continue after",
				},
			}, storeFlags...),
			Action: runRecordList,
		},
	},
}

// jsonToCBOR converts a DAG-JSON document to canonical DAG-CBOR.
func jsonToCBOR(r io.Reader) ([]byte, error) {
	nb := basicnode.Prototype.Any.NewBuilder()
	if err := dagjson.Decode(nb, r); err != nil {
		return nil, fmt.Errorf("parsing DAG-JSON record: %w", err)
	}
	buf := new(bytes.Buffer)
	if err := dagcbor.Encode(nb.Build(), buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func cborToJSON(b []byte, w io.Writer) error {
	nb := basicnode.Prototype.Any.NewBuilder()
	if err := dagcbor.Decode(nb, bytes.NewReader(b)); err != nil {
		return fmt.Errorf("parsing DAG-CBOR record: %w", err)
	}
	return dagjson.Encode(nb.Build(), w)
}

func readRecordArg(cctx *cli.Context) ([]byte, error) {
	path := cctx.Args().First()
	if path == "" {
		return nil, fmt.Errorf("need to provide a DAG-JSON file path (or -) as an argument")
	}
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	return jsonToCBOR(r)
}

func recordTarget(cctx *cli.Context, rkeyRequired bool) (syntax.DID, syntax.NSID, syntax.RecordKey, error) {
	did, err := argDID(cctx)
	if err != nil {
		return "", "", "", err
	}
	collection, err := syntax.ParseNSID(cctx.String("collection"))
	if err != nil {
		return "", "", "", err
	}
	var rkey syntax.RecordKey
	if s := cctx.String("rkey"); s != "" {
		rkey, err = syntax.ParseRecordKey(s)
		if err != nil {
			return "", "", "", err
		}
	} else if rkeyRequired {
		return "", "", "", fmt.Errorf("--rkey is required")
	}
	return did, collection, rkey, nil
}

func swapArg(cctx *cli.Context) (*cid.Cid, error) {
	s := cctx.String("swap-record")
	if s == "" {
		return nil, nil
	}
	c, err := cid.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("invalid --swap-record: %w", err)
	}
	return &c, nil
}

func runRecordCreate(cctx *cli.Context) error {
	did, collection, rkey, err := recordTarget(cctx, false)
	if err != nil {
		return err
	}
	rec, err := readRecordArg(cctx)
	if err != nil {
		return err
	}
	rm, store, err := openManager(cctx, true)
	if err != nil {
		return err
	}
	defer store.Close()

	rkey, rc, err := rm.CreateRecord(cctx.Context, did, collection, rkey, rec)
	if err != nil {
		return err
	}
	fmt.Printf("at://%s/%s/%s\t%s\n", did, collection, rkey, rc)
	return nil
}

func runRecordUpdate(cctx *cli.Context) error {
	did, collection, rkey, err := recordTarget(cctx, true)
	if err != nil {
		return err
	}
	swap, err := swapArg(cctx)
	if err != nil {
		return err
	}
	rec, err := readRecordArg(cctx)
	if err != nil {
		return err
	}
	rm, store, err := openManager(cctx, true)
	if err != nil {
		return err
	}
	defer store.Close()

	rc, err := rm.UpdateRecord(cctx.Context, did, collection, rkey, rec, swap)
	if err != nil {
		return err
	}
	fmt.Printf("at://%s/%s/%s\t%s\n", did, collection, rkey, rc)
	return nil
}

func runRecordDelete(cctx *cli.Context) error {
	did, collection, rkey, err := recordTarget(cctx, true)
	if err != nil {
		return err
	}
	swap, err := swapArg(cctx)
	if err != nil {
		return err
	}
	rm, store, err := openManager(cctx, true)
	if err != nil {
		return err
	}
	defer store.Close()

	return rm.DeleteRecord(cctx.Context, did, collection, rkey, swap)
}

func runRecordGet(cctx *cli.Context) error {
	did, collection, rkey, err := recordTarget(cctx, true)
	if err != nil {
		return err
	}
	rm, store, err := openManager(cctx, false)
	if err != nil {
		return err
	}
	defer store.Close()

	_, b, err := rm.GetRecord(cctx.Context, did, collection, rkey)
	if err != nil {
		return err
	}
	if err := cborToJSON(b, os.Stdout); err != nil {
		return err
	}
	fmt.Println()
	return nil
}

func runRecordList(cctx *cli.Context) error {
	did, collection, _, err := recordTarget(cctx, false)
	if err != nil {
		return err
	}
	rm, store, err := openManager(cctx, false)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := rm.ListRecords(cctx.Context, did, collection, cctx.Int("limit"), syntax.RecordKey(cctx.String("cursor")))
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s/%s\t%s\n", e.Collection, e.Rkey, e.Cid)
	}
	return nil
}
