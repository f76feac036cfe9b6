package repo

import (
	"bytes"
	"fmt"

	"github.com/bluesky-social/atrepo/atproto/crypto"
	"github.com/bluesky-social/atrepo/atproto/syntax"

	"github.com/ipfs/go-cid"
)

// version number of the repository format written by this package
const ATPROTO_REPO_VERSION int64 = 3

// UnsignedCommit is the commit object before a signature is attached. Its DAG-CBOR encoding is the
// exact byte string that gets signed.
type UnsignedCommit struct {
	DID     string   `json:"did" cborgen:"did"`
	Version int64    `json:"version" cborgen:"version"`
	Prev    *cid.Cid `json:"prev" cborgen:"prev"` // always encoded, as null when unset
	Data    cid.Cid  `json:"data" cborgen:"data"`
	Rev     string   `json:"rev" cborgen:"rev"`
}

// Commit is a signed repository commit, binding a DID and revision to an MST root.
type Commit struct {
	DID     string   `json:"did" cborgen:"did"`
	Version int64    `json:"version" cborgen:"version"`
	Prev    *cid.Cid `json:"prev" cborgen:"prev"`
	Data    cid.Cid  `json:"data" cborgen:"data"`
	Sig     []byte   `json:"sig" cborgen:"sig"`
	Rev     string   `json:"rev" cborgen:"rev"`
}

func (uc *UnsignedCommit) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := uc.MarshalCBOR(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Sign returns the commit signed with privkey.
func (uc *UnsignedCommit) Sign(privkey crypto.PrivateKey) (*Commit, error) {
	if privkey == nil {
		return nil, fmt.Errorf("%w: no signing key", ErrSigningFailed)
	}
	b, err := uc.Bytes()
	if err != nil {
		return nil, err
	}
	sig, err := privkey.HashAndSign(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigningFailed, err)
	}
	return &Commit{
		DID:     uc.DID,
		Version: uc.Version,
		Prev:    uc.Prev,
		Data:    uc.Data,
		Sig:     sig,
		Rev:     uc.Rev,
	}, nil
}

func (c *Commit) Unsigned() *UnsignedCommit {
	return &UnsignedCommit{
		DID:     c.DID,
		Version: c.Version,
		Prev:    c.Prev,
		Data:    c.Data,
		Rev:     c.Rev,
	}
}

// Encodes the commit object as DAG-CBOR, without the signature field. Used for signing or validating signatures.
func (c *Commit) UnsignedBytes() ([]byte, error) {
	return c.Unsigned().Bytes()
}

// does basic checks that field values and syntax are correct
func (c *Commit) VerifyStructure() error {
	if c.Version != ATPROTO_REPO_VERSION {
		return fmt.Errorf("%w: unsupported repo version: %d", ErrInvalidCommit, c.Version)
	}
	if len(c.Sig) == 0 {
		return fmt.Errorf("%w: empty commit signature", ErrInvalidCommit)
	}
	if _, err := syntax.ParseDID(c.DID); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCommit, err)
	}
	if _, err := syntax.ParseTID(c.Rev); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCommit, err)
	}
	return nil
}

// Verifies `Sig` field using the provided key. Returns `nil` if signature is valid.
func (c *Commit) VerifySignature(pubkey crypto.PublicKey) error {
	if len(c.Sig) == 0 {
		return fmt.Errorf("%w: can not verify unsigned commit", ErrBadSignature)
	}
	b, err := c.UnsignedBytes()
	if err != nil {
		return err
	}
	if err := pubkey.HashAndVerify(b, c.Sig); err != nil {
		return fmt.Errorf("%w: %w", ErrBadSignature, err)
	}
	return nil
}
