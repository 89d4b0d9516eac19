package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

// KDFParams are the Argon2id cost parameters.
type KDFParams struct {
	Time      uint32 `yaml:"time"`
	MemoryKiB uint32 `yaml:"memory_kib"`
	Threads   uint8  `yaml:"threads"`
}

// DefaultKDFParams are used when nothing is configured.
var DefaultKDFParams = KDFParams{Time: 1, MemoryKiB: 64 * 1024, Threads: 4}

const saltSize = 16

var b64 = base64.RawStdEncoding

var errMalformedSpec = errors.New("malformed argon2id spec")

// NewKDFSpec returns a self-describing spec with a fresh salt, in the form
// $argon2id$v=19$m=..,t=..,p=..$salt. The spec is stored next to whatever it
// protects so the cost can change without breaking older records.
func NewKDFSpec(p KDFParams) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s",
		argon2.Version, p.MemoryKiB, p.Time, p.Threads, b64.EncodeToString(salt)), nil
}

func parseSpec(spec string) (KDFParams, []byte, []string, error) {
	var p KDFParams
	parts := strings.Split(spec, "$")
	if len(parts) < 5 || parts[1] != "argon2id" {
		return p, nil, nil, errMalformedSpec
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return p, nil, nil, errMalformedSpec
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.MemoryKiB, &p.Time, &p.Threads); err != nil {
		return p, nil, nil, errMalformedSpec
	}
	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return p, nil, nil, errMalformedSpec
	}
	return p, salt, parts[5:], nil
}

// DeriveFromPassword derives a 32-byte key from password under spec.
func DeriveFromPassword(spec, password string) ([]byte, error) {
	p, salt, _, err := parseSpec(spec)
	if err != nil {
		return nil, err
	}
	return argon2.IDKey([]byte(password), salt, p.Time, p.MemoryKiB, p.Threads, KeySize), nil
}

// HashPassword returns an encoded Argon2id hash suitable for login checks.
func HashPassword(password string, p KDFParams) (string, error) {
	spec, err := NewKDFSpec(p)
	if err != nil {
		return "", err
	}
	// The hash uses a different output length from the key derivation so a
	// stored hash never equals the key protecting the user's private key.
	_, salt, _, err := parseSpec(spec)
	if err != nil {
		return "", err
	}
	sum := argon2.IDKey([]byte(password), salt, p.Time, p.MemoryKiB, p.Threads, KeySize+8)
	return spec + "$" + b64.EncodeToString(sum), nil
}

// CheckPassword reports whether password matches an encoded hash.
func CheckPassword(encoded, password string) (bool, error) {
	p, salt, rest, err := parseSpec(encoded)
	if err != nil {
		return false, err
	}
	if len(rest) != 1 {
		return false, errMalformedSpec
	}
	want, err := b64.DecodeString(rest[0])
	if err != nil {
		return false, errMalformedSpec
	}
	got := argon2.IDKey([]byte(password), salt, p.Time, p.MemoryKiB, p.Threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
