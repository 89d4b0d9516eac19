package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

// KeyPair is an actor's X25519 key pair. Anything sealed to Public can only
// be opened by the holder of Private.
type KeyPair struct {
	Public  []byte
	Private []byte
}

// GenerateKeyPair creates a fresh actor key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}
	return &KeyPair{Public: pub[:], Private: priv[:]}, nil
}

// Wipe zeroes the private half.
func (k *KeyPair) Wipe() {
	if k != nil {
		Zero(k.Private)
	}
}

func toKey(b []byte) (*[32]byte, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("invalid key length %d", len(b))
	}
	var k [32]byte
	copy(k[:], b)
	return &k, nil
}

// SealTo encrypts msg so only the owner of the private key matching pub can
// open it. The sender stays anonymous.
func SealTo(pub, msg []byte) ([]byte, error) {
	pk, err := toKey(pub)
	if err != nil {
		return nil, err
	}
	out, err := box.SealAnonymous(nil, msg, pk, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("sealing: %w", err)
	}
	return out, nil
}

// OpenSealed reverses SealTo using the recipient's key pair.
func OpenSealed(kp *KeyPair, sealed []byte) ([]byte, error) {
	if kp == nil {
		return nil, errors.New("no key pair")
	}
	pk, err := toKey(kp.Public)
	if err != nil {
		return nil, err
	}
	sk, err := toKey(kp.Private)
	if err != nil {
		return nil, err
	}
	defer Zero(sk[:])
	out, ok := box.OpenAnonymous(nil, sealed, pk, sk)
	if !ok {
		return nil, errors.New("sealed box authentication failed")
	}
	return out, nil
}
