package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"math/big"
)

// PrivateKeyP256 is a P-256 (secp256r1) signing key. The ecdh form is kept for export.
type PrivateKeyP256 struct {
	privP256     ecdsa.PrivateKey
	privP256ecdh *ecdh.PrivateKey
}

type PublicKeyP256 struct {
	pubP256 ecdsa.PublicKey
}

var _ PrivateKeyExportable = (*PrivateKeyP256)(nil)
var _ PublicKey = (*PublicKeyP256)(nil)

var (
	p256N         = elliptic.P256().Params().N
	p256HalfOrder = new(big.Int).Rsh(p256N, 1)
)

func isLowS(s *big.Int) bool {
	return s.Cmp(p256HalfOrder) != 1
}

func GeneratePrivateKeyP256() (*PrivateKeyP256, error) {
	skECDSA, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("P-256/secp256r1 key generation failed: %w", err)
	}
	skECDH, err := skECDSA.ECDH()
	if err != nil {
		return nil, fmt.Errorf("converting P-256 key from ecdsa to ecdh: %w", err)
	}
	return &PrivateKeyP256{privP256: *skECDSA, privP256ecdh: skECDH}, nil
}

// ParsePrivateBytesP256 loads the 32-byte scalar produced by [PrivateKeyP256.Bytes].
func ParsePrivateBytesP256(data []byte) (*PrivateKeyP256, error) {
	// the stdlib only builds an ecdsa key from a raw scalar via a PKCS8 round trip
	skECDH, err := ecdh.P256().NewPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("invalid P-256/secp256r1 private key: %w", err)
	}
	enc, err := x509.MarshalPKCS8PrivateKey(skECDH)
	if err != nil {
		return nil, fmt.Errorf("invalid P-256/secp256r1 private key: %w", err)
	}
	sk, err := x509.ParsePKCS8PrivateKey(enc)
	if err != nil {
		return nil, fmt.Errorf("invalid P-256/secp256r1 private key: %w", err)
	}
	skECDSA, ok := sk.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("parsed P-256 key is %T, not ecdsa", sk)
	}
	return &PrivateKeyP256{privP256: *skECDSA, privP256ecdh: skECDH}, nil
}

func (k *PrivateKeyP256) Equal(other PrivateKey) bool {
	o, ok := other.(*PrivateKeyP256)
	return ok && k.privP256.Equal(&o.privP256)
}

func (k *PrivateKeyP256) Bytes() []byte {
	return k.privP256ecdh.Bytes()
}

func (k *PrivateKeyP256) Multibase() string {
	return multibaseWithPrefix(prefixP256Priv, k.Bytes())
}

func (k *PrivateKeyP256) PublicKey() (PublicKey, error) {
	pk, ok := k.privP256.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unexpected P-256 public key type")
	}
	return &PublicKeyP256{pubP256: *pk}, nil
}

func (k *PrivateKeyP256) HashAndSign(content []byte) ([]byte, error) {
	hash := sha256.Sum256(content)
	r, s, err := ecdsa.Sign(rand.Reader, &k.privP256, hash[:])
	if err != nil {
		return nil, fmt.Errorf("signing with P-256/secp256r1 private key: %w", err)
	}
	if !isLowS(s) {
		s = new(big.Int).Sub(p256N, s)
	}
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig, nil
}

// ParsePublicBytesP256 loads a compressed curve point.
func ParsePublicBytesP256(data []byte) (*PublicKeyP256, error) {
	curve := elliptic.P256()
	x, y := elliptic.UnmarshalCompressed(curve, data)
	if x == nil {
		return nil, fmt.Errorf("invalid P-256/secp256r1 public key")
	}
	pub := &PublicKeyP256{pubP256: ecdsa.PublicKey{Curve: curve, X: x, Y: y}}
	if !curve.IsOnCurve(x, y) {
		return nil, fmt.Errorf("invalid P-256/secp256r1 public key: not on curve")
	}
	return pub, nil
}

func (k *PublicKeyP256) Equal(other PublicKey) bool {
	o, ok := other.(*PublicKeyP256)
	return ok && k.pubP256.Equal(&o.pubP256)
}

func (k *PublicKeyP256) UncompressedBytes() []byte {
	return elliptic.Marshal(k.pubP256.Curve, k.pubP256.X, k.pubP256.Y)
}

func (k *PublicKeyP256) Bytes() []byte {
	return elliptic.MarshalCompressed(k.pubP256.Curve, k.pubP256.X, k.pubP256.Y)
}

func (k *PublicKeyP256) HashAndVerify(content, sig []byte) error {
	if len(sig) != 64 {
		return fmt.Errorf("%w: P-256 signatures must be 64 bytes, got %d", ErrInvalidSignature, len(sig))
	}
	hash := sha256.Sum256(content)
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	if !isLowS(s) {
		return ErrInvalidSignature
	}
	if !ecdsa.Verify(&k.pubP256, hash[:], r, s) {
		return ErrInvalidSignature
	}
	return nil
}

func (k *PublicKeyP256) Multibase() string {
	return multibaseWithPrefix(prefixP256Pub, k.Bytes())
}

func (k *PublicKeyP256) DIDKey() string {
	return "did:key:" + k.Multibase()
}
