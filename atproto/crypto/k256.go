package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	secp256k1 "gitlab.com/yawning/secp256k1-voi"
	secp256k1secec "gitlab.com/yawning/secp256k1-voi/secec"
)

// PrivateKeyK256 is a K-256 (secp256k1) signing key. The secret is held in memory as-is.
type PrivateKeyK256 struct {
	privK256 *secp256k1secec.PrivateKey
}

type PublicKeyK256 struct {
	pubK256 *secp256k1secec.PublicKey
}

var _ PrivateKeyExportable = (*PrivateKeyK256)(nil)
var _ PublicKey = (*PublicKeyK256)(nil)

var k256Options = &secp256k1secec.ECDSAOptions{
	// the digest is passed in, this names it
	Hash:            crypto.SHA256,
	Encoding:        secp256k1secec.EncodingCompact,
	RejectMalleable: true,
}

func GeneratePrivateKeyK256() (*PrivateKeyK256, error) {
	key, err := secp256k1secec.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("K-256/secp256k1 key generation failed: %w", err)
	}
	return &PrivateKeyK256{privK256: key}, nil
}

// ParsePrivateBytesK256 loads the 32-byte scalar produced by [PrivateKeyK256.Bytes].
func ParsePrivateBytesK256(data []byte) (*PrivateKeyK256, error) {
	sk, err := secp256k1secec.NewPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("invalid K-256/secp256k1 private key: %w", err)
	}
	return &PrivateKeyK256{privK256: sk}, nil
}

func (k *PrivateKeyK256) Equal(other PrivateKey) bool {
	o, ok := other.(*PrivateKeyK256)
	return ok && k.privK256.Equal(o.privK256)
}

func (k *PrivateKeyK256) Bytes() []byte {
	return k.privK256.Bytes()
}

func (k *PrivateKeyK256) Multibase() string {
	return multibaseWithPrefix(prefixK256Priv, k.Bytes())
}

func (k *PrivateKeyK256) PublicKey() (PublicKey, error) {
	pub := &PublicKeyK256{pubK256: k.privK256.PublicKey()}
	if err := pub.ensureBytes(); err != nil {
		return nil, err
	}
	return pub, nil
}

func (k *PrivateKeyK256) HashAndSign(content []byte) ([]byte, error) {
	hash := sha256.Sum256(content)
	return k.privK256.Sign(rand.Reader, hash[:], k256Options)
}

// ParsePublicBytesK256 loads a compressed curve point.
func ParsePublicBytesK256(data []byte) (*PublicKeyK256, error) {
	// NewPublicKey would accept any encoding; only compressed is valid here
	p, err := secp256k1.NewIdentityPoint().SetCompressedBytes(data)
	if err != nil {
		return nil, fmt.Errorf("invalid K-256/secp256k1 public key: %w", err)
	}
	pubK, err := secp256k1secec.NewPublicKeyFromPoint(p)
	if err != nil {
		return nil, fmt.Errorf("invalid K-256/secp256k1 public key: %w", err)
	}
	pub := &PublicKeyK256{pubK256: pubK}
	if err := pub.ensureBytes(); err != nil {
		return nil, err
	}
	return pub, nil
}

func (k *PublicKeyK256) Equal(other PublicKey) bool {
	o, ok := other.(*PublicKeyK256)
	return ok && k.pubK256.Equal(o.pubK256)
}

func (k *PublicKeyK256) ensureBytes() error {
	if k.pubK256.Point().IsIdentity() != 0 {
		return fmt.Errorf("unexpected invalid K-256/secp256k1 public key (internal)")
	}
	return nil
}

func (k *PublicKeyK256) UncompressedBytes() []byte {
	return k.pubK256.Point().UncompressedBytes()
}

func (k *PublicKeyK256) Bytes() []byte {
	return k.pubK256.Point().CompressedBytes()
}

func (k *PublicKeyK256) HashAndVerify(content, sig []byte) error {
	hash := sha256.Sum256(content)
	if !k.pubK256.Verify(hash[:], sig, k256Options) {
		return ErrInvalidSignature
	}
	return nil
}

func (k *PublicKeyK256) Multibase() string {
	return multibaseWithPrefix(prefixK256Pub, k.Bytes())
}

func (k *PublicKeyK256) DIDKey() string {
	return "did:key:" + k.Multibase()
}
