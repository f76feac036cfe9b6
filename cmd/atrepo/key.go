package main

import (
	"fmt"
	"strings"

	"github.com/bluesky-social/atrepo/atproto/crypto"
	"github.com/bluesky-social/atrepo/util/cliutil"

	"github.com/urfave/cli/v2"
)

var cmdKey = &cli.Command{
	Name:  "key",
	Usage: "sub-commands for signing keys",
	Subcommands: []*cli.Command{
		&cli.Command{
			Name:  "generate",
			Usage: "outputs a new secret key",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "type",
					Aliases: []string{"t"},
					Usage:   "curve type: k256 (default) or p256",
				},
				&cli.StringFlag{
					Name:    "output",
					Aliases: []string{"o"},
					Usage:   "also write the secret key to this file",
				},
				&cli.BoolFlag{
					Name:  "terse",
					Usage: "print just the secret key, in multibase format",
				},
			},
			Action: runKeyGenerate,
		},
		&cli.Command{
			Name:      "inspect",
			Usage:     "parses and outputs metadata about a public or secret key",
			ArgsUsage: `<key>`,
			Action:    runKeyInspect,
		},
	},
}

func runKeyGenerate(cctx *cli.Context) error {
	var (
		priv crypto.PrivateKeyExportable
		err  error
	)
	if out := cctx.String("output"); out != "" {
		priv, err = cliutil.GenerateKeyToFile(out, cctx.String("type"))
	} else {
		switch strings.ToLower(cctx.String("type")) {
		case "", "k256", "k-256", "secp256k1":
			priv, err = crypto.GeneratePrivateKeyK256()
		case "p256", "p-256", "secp256r1":
			priv, err = crypto.GeneratePrivateKeyP256()
		default:
			return fmt.Errorf("unknown key type: %s", cctx.String("type"))
		}
	}
	if err != nil {
		return err
	}

	if cctx.Bool("terse") {
		fmt.Println(priv.Multibase())
		return nil
	}
	pub, err := priv.PublicKey()
	if err != nil {
		return err
	}
	fmt.Printf("Key Type: %s\n", descKeyType(priv))
	fmt.Printf("Secret Key (Multibase Syntax): keep this secret\n\t%s\n", priv.Multibase())
	fmt.Printf("Public Key (DID Key Syntax):\n\t%s\n", pub.DIDKey())
	return nil
}

func descKeyType(val any) string {
	switch val.(type) {
	case *crypto.PublicKeyP256:
		return "P-256 / secp256r1 / ES256 public key"
	case *crypto.PrivateKeyP256:
		return "P-256 / secp256r1 / ES256 private key"
	case *crypto.PublicKeyK256:
		return "K-256 / secp256k1 / ES256K public key"
	case *crypto.PrivateKeyK256:
		return "K-256 / secp256k1 / ES256K private key"
	default:
		return "unknown"
	}
}

func runKeyInspect(cctx *cli.Context) error {
	s := cctx.Args().First()
	if s == "" {
		return fmt.Errorf("need to provide key as an argument")
	}

	if strings.HasPrefix(s, "did:key:") {
		pub, err := crypto.ParsePublicDIDKey(s)
		if err != nil {
			return err
		}
		fmt.Printf("Type: %s\n", descKeyType(pub))
		fmt.Printf("Multibase: %s\n", pub.Multibase())
		return nil
	}

	if pub, err := crypto.ParsePublicMultibase(s); err == nil {
		fmt.Printf("Type: %s\n", descKeyType(pub))
		fmt.Printf("DID Key: %s\n", pub.DIDKey())
		return nil
	}

	priv, err := cliutil.LoadSigningKey(s)
	if err != nil {
		return fmt.Errorf("not a recognized public or secret key: %w", err)
	}
	pub, err := priv.PublicKey()
	if err != nil {
		return err
	}
	fmt.Printf("Type: %s\n", descKeyType(priv))
	fmt.Printf("Public Key (DID Key Syntax): %s\n", pub.DIDKey())
	return nil
}
