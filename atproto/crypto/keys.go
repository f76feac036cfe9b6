package crypto

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

var ErrInvalidSignature = errors.New("crypto: invalid signature")

// PublicKey verifies commit signatures.
type PublicKey interface {
	Equal(other PublicKey) bool

	// Compressed curve point.
	Bytes() []byte
	UncompressedBytes() []byte

	// HashAndVerify hashes content with SHA-256 and checks a low-S compact signature over the
	// digest. Returns nil for a valid signature.
	HashAndVerify(content, sig []byte) error

	Multibase() string
	DIDKey() string
}

// PrivateKey signs commits.
type PrivateKey interface {
	Equal(other PrivateKey) bool

	PublicKey() (PublicKey, error)

	// HashAndSign hashes content with SHA-256 and returns a 64-byte low-S signature.
	HashAndSign(content []byte) ([]byte, error)
}

// PrivateKeyExportable is a [PrivateKey] whose secret material can be serialized.
type PrivateKeyExportable interface {
	PrivateKey

	Bytes() []byte
	Multibase() string
}

// multicodec varint prefixes
var (
	prefixK256Pub  = []byte{0xE7, 0x01}
	prefixP256Pub  = []byte{0x80, 0x24}
	prefixK256Priv = []byte{0x81, 0x26}
	prefixP256Priv = []byte{0x86, 0x26}
)

func multibaseWithPrefix(prefix, kbytes []byte) string {
	buf := make([]byte, 0, len(prefix)+len(kbytes))
	buf = append(buf, prefix...)
	buf = append(buf, kbytes...)
	return "z" + base58.Encode(buf)
}

func decodeMultibase(encoded string) ([]byte, error) {
	if len(encoded) < 2 || encoded[0] != 'z' {
		return nil, fmt.Errorf("crypto: expected base58btc multibase string")
	}
	data, err := base58.Decode(encoded[1:])
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding base58: %w", err)
	}
	if len(data) < 3 {
		return nil, fmt.Errorf("crypto: multibase key too short")
	}
	return data, nil
}

func hasPrefix(data, prefix []byte) bool {
	return len(data) > len(prefix) && data[0] == prefix[0] && data[1] == prefix[1]
}

// ParsePublicMultibase parses a multibase public key with multicodec prefix, as found in a DID
// document or did:key.
func ParsePublicMultibase(encoded string) (PublicKey, error) {
	data, err := decodeMultibase(encoded)
	if err != nil {
		return nil, err
	}
	switch {
	case hasPrefix(data, prefixP256Pub):
		return ParsePublicBytesP256(data[2:])
	case hasPrefix(data, prefixK256Pub):
		return ParsePublicBytesK256(data[2:])
	default:
		return nil, fmt.Errorf("crypto: unsupported public key multicodec")
	}
}

// ParsePublicDIDKey parses a "did:key:z..." identifier.
func ParsePublicDIDKey(didKey string) (PublicKey, error) {
	if !strings.HasPrefix(didKey, "did:key:") {
		return nil, fmt.Errorf("crypto: string is not a did:key")
	}
	return ParsePublicMultibase(didKey[len("did:key:"):])
}

// ParsePrivateMultibase parses a private key exported with the Multibase method.
func ParsePrivateMultibase(encoded string) (PrivateKeyExportable, error) {
	data, err := decodeMultibase(encoded)
	if err != nil {
		return nil, err
	}
	switch {
	case hasPrefix(data, prefixP256Priv):
		return ParsePrivateBytesP256(data[2:])
	case hasPrefix(data, prefixK256Priv):
		return ParsePrivateBytesK256(data[2:])
	default:
		return nil, fmt.Errorf("crypto: unsupported private key multicodec")
	}
}
