package repomgr

import (
	"context"
	"fmt"
	"sync"

	"github.com/bluesky-social/atrepo/atproto/crypto"
	"github.com/bluesky-social/atrepo/atproto/syntax"
)

// KeyManager hands out the signing key for a repository.
type KeyManager interface {
	SigningKey(ctx context.Context, did syntax.DID) (crypto.PrivateKey, error)
}

type MemKeyManager struct {
	keys map[syntax.DID]crypto.PrivateKey
	lk   sync.RWMutex
}

func NewMemKeyManager() *MemKeyManager {
	return &MemKeyManager{
		keys: make(map[syntax.DID]crypto.PrivateKey),
	}
}

func (km *MemKeyManager) SigningKey(ctx context.Context, did syntax.DID) (crypto.PrivateKey, error) {
	km.lk.RLock()
	defer km.lk.RUnlock()
	k, ok := km.keys[did]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSigningKey, did)
	}
	return k, nil
}

// SetKey registers (or replaces) the signing key of a repository.
func (km *MemKeyManager) SetKey(did syntax.DID, key crypto.PrivateKey) {
	km.lk.Lock()
	defer km.lk.Unlock()
	km.keys[did] = key
}

// StaticKeyManager signs every repository with one key.
type StaticKeyManager struct {
	Key crypto.PrivateKey
}

func (km StaticKeyManager) SigningKey(ctx context.Context, did syntax.DID) (crypto.PrivateKey, error) {
	if km.Key == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSigningKey, did)
	}
	return km.Key, nil
}
