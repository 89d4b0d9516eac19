package crypto

import (
	"bytes"
	"testing"
)

var testKDF = KDFParams{Time: 1, MemoryKiB: 64, Threads: 1}

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if len(key) != KeySize {
		t.Errorf("expected %d bytes, got %d", KeySize, len(key))
	}
	key2, _ := GenerateKey()
	if bytes.Equal(key, key2) {
		t.Error("two keys should not be equal")
	}
}

func TestDeriveKey(t *testing.T) {
	root, _ := GenerateKey()
	k, err := DeriveKey(root, "pwsafe-session-v1")
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	k2, _ := DeriveKey(root, "pwsafe-session-v1")
	if !bytes.Equal(k, k2) {
		t.Error("derivation should be deterministic")
	}
	k3, _ := DeriveKey(root, "pwsafe-session-v2")
	if bytes.Equal(k, k3) {
		t.Error("different contexts should yield different keys")
	}
}

func TestEncryptRoundTrip(t *testing.T) {
	key, _ := GenerateKey()
	plaintext := []byte(`{"username":"root","password":"hunter2"}`)

	sealed, err := Encrypt(plaintext, key, []byte("item-1"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Error("ciphertext should not contain plaintext")
	}

	got, err := Decrypt(sealed, key, []byte("item-1"))
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("decrypted %q != original %q", got, plaintext)
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	key, _ := GenerateKey()
	wrongKey, _ := GenerateKey()
	sealed, _ := Encrypt([]byte("secret data"), key, []byte("item-1"))

	if _, err := Decrypt(sealed, wrongKey, []byte("item-1")); err == nil {
		t.Error("expected error decrypting with wrong key")
	}
	if _, err := Decrypt(sealed, key, []byte("item-2")); err == nil {
		t.Error("expected error when the additional data differs")
	}
	if _, err := Decrypt(sealed[:4], key, nil); err == nil {
		t.Error("expected error for truncated ciphertext")
	}
}

func TestSealToKeyPair(t *testing.T) {
	alice, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	bob, _ := GenerateKeyPair()
	readKey, _ := GenerateKey()

	sealed, err := SealTo(alice.Public, readKey)
	if err != nil {
		t.Fatalf("SealTo failed: %v", err)
	}
	opened, err := OpenSealed(alice, sealed)
	if err != nil {
		t.Fatalf("OpenSealed failed: %v", err)
	}
	if !bytes.Equal(opened, readKey) {
		t.Error("opened key should match original")
	}
	if _, err := OpenSealed(bob, sealed); err == nil {
		t.Error("another key pair must not open the box")
	}
	if _, err := SealTo([]byte("short"), readKey); err == nil {
		t.Error("expected error for malformed public key")
	}
}

func TestSignVerify(t *testing.T) {
	seed, verifyKey, err := GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey failed: %v", err)
	}
	if !bytes.Equal(VerifyKeyOf(seed), verifyKey) {
		t.Error("verify key should be derived from the seed")
	}
	msg := []byte("payload v2")
	sig, err := Sign(seed, msg)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if !Verify(verifyKey, msg, sig) {
		t.Error("signature should verify")
	}
	if Verify(verifyKey, []byte("payload v3"), sig) {
		t.Error("signature must not verify for a different message")
	}
	if Verify([]byte("bad"), msg, sig) {
		t.Error("malformed verify key must not verify")
	}
}

func TestPasswordHash(t *testing.T) {
	encoded, err := HashPassword("correct horse", testKDF)
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	ok, err := CheckPassword(encoded, "correct horse")
	if err != nil || !ok {
		t.Fatalf("expected password to match, ok=%v err=%v", ok, err)
	}
	ok, _ = CheckPassword(encoded, "battery staple")
	if ok {
		t.Error("wrong password should not match")
	}
	if _, err := CheckPassword("$bcrypt$nope", "x"); err == nil {
		t.Error("expected error for malformed hash")
	}
}

func TestDeriveFromPassword(t *testing.T) {
	spec, err := NewKDFSpec(testKDF)
	if err != nil {
		t.Fatalf("NewKDFSpec failed: %v", err)
	}
	k1, err := DeriveFromPassword(spec, "pw")
	if err != nil {
		t.Fatalf("DeriveFromPassword failed: %v", err)
	}
	k2, _ := DeriveFromPassword(spec, "pw")
	if !bytes.Equal(k1, k2) {
		t.Error("same spec and password should yield the same key")
	}
	other, _ := NewKDFSpec(testKDF)
	k3, _ := DeriveFromPassword(other, "pw")
	if bytes.Equal(k1, k3) {
		t.Error("a fresh salt should yield a different key")
	}
}

func TestShamirSplitCombine(t *testing.T) {
	key, _ := GenerateKey()

	shards, err := SplitRootKey(key, 5, 3)
	if err != nil {
		t.Fatalf("SplitRootKey failed: %v", err)
	}
	if len(shards) != 5 {
		t.Errorf("expected 5 shards, got %d", len(shards))
	}

	for _, combo := range [][]int{{0, 1, 2}, {0, 2, 4}, {1, 3, 4}, {0, 1, 2, 3, 4}} {
		subset := make([][]byte, len(combo))
		for i, idx := range combo {
			subset[i] = shards[idx]
		}
		r, err := CombineShards(subset)
		if err != nil {
			t.Fatalf("CombineShards combo %v failed: %v", combo, err)
		}
		if !bytes.Equal(key, r) {
			t.Errorf("combo %v: reconstructed key doesn't match original", combo)
		}
	}

	wrong, err := CombineShards(shards[:2])
	if err == nil && bytes.Equal(wrong, key) {
		t.Error("2 shards below threshold should not reconstruct the key")
	}
}
