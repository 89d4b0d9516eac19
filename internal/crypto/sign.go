package crypto

import (
	"crypto/ed25519"
	"fmt"
)

// SigningKeySize is the length of a modify key (an Ed25519 seed).
const SigningKeySize = ed25519.SeedSize

// GenerateSigningKey returns a random Ed25519 seed and its verify key.
func GenerateSigningKey() (seed, verifyKey []byte, err error) {
	seed, err = GenerateKey()
	if err != nil {
		return nil, nil, err
	}
	return seed, VerifyKeyOf(seed), nil
}

// VerifyKeyOf returns the public verify key for a seed.
func VerifyKeyOf(seed []byte) []byte {
	priv := ed25519.NewKeyFromSeed(seed)
	defer Zero(priv)
	return append([]byte(nil), priv.Public().(ed25519.PublicKey)...)
}

// Sign signs msg with the key derived from seed.
func Sign(seed, msg []byte) ([]byte, error) {
	if len(seed) != SigningKeySize {
		return nil, fmt.Errorf("invalid signing key length %d", len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	defer Zero(priv)
	return ed25519.Sign(priv, msg), nil
}

// Verify checks sig over msg.
func Verify(verifyKey, msg, sig []byte) bool {
	if len(verifyKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(verifyKey, msg, sig)
}
