package cliutil

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bluesky-social/atrepo/atproto/crypto"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// LoadSigningKey parses a private key given either inline as a multibase string, or as the path
// to a file holding a multibase string or a P-256 JWK.
func LoadSigningKey(s string) (crypto.PrivateKeyExportable, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("no signing key provided")
	}
	if strings.HasPrefix(s, "z") {
		if key, err := crypto.ParsePrivateMultibase(s); err == nil {
			return key, nil
		}
	}

	b, err := os.ReadFile(s)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	b = bytes.TrimSpace(b)
	if bytes.HasPrefix(b, []byte("{")) {
		return parseJWK(b)
	}
	return crypto.ParsePrivateMultibase(string(b))
}

// parseJWK reads an older JWK key file. Only P-256 keys are supported.
func parseJWK(b []byte) (crypto.PrivateKeyExportable, error) {
	sk, err := jwk.ParseKey(b)
	if err != nil {
		return nil, err
	}
	curve, ok := sk.Get("crv")
	if !ok {
		return nil, fmt.Errorf("JWK has no curve")
	}
	if crv, _ := curve.(jwa.EllipticCurveAlgorithm); crv != jwa.P256 {
		return nil, fmt.Errorf("unsupported JWK curve: %v", curve)
	}

	var raw ecdsa.PrivateKey
	if err := sk.Raw(&raw); err != nil {
		return nil, err
	}
	ecdhKey, err := raw.ECDH()
	if err != nil {
		return nil, err
	}
	return crypto.ParsePrivateBytesP256(ecdhKey.Bytes())
}

// GenerateKeyToFile creates a new k256 or p256 key and writes it to fname as multibase.
func GenerateKeyToFile(fname, kind string) (crypto.PrivateKeyExportable, error) {
	var (
		key crypto.PrivateKeyExportable
		err error
	)
	switch strings.ToLower(kind) {
	case "", "k256", "secp256k1":
		key, err = crypto.GeneratePrivateKeyK256()
	case "p256", "p-256":
		key, err = crypto.GeneratePrivateKeyP256()
	default:
		return nil, fmt.Errorf("unknown key type: %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	if dir := filepath.Dir(fname); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, err
		}
	}
	if err := os.WriteFile(fname, []byte(key.Multibase()+"\n"), 0600); err != nil {
		return nil, err
	}
	return key, nil
}
