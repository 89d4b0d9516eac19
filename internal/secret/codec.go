package secret

import (
	"encoding/json"
	"fmt"

	"github.com/org/pwsafe/internal/capability"
	"github.com/org/pwsafe/internal/crypto"
	"github.com/org/pwsafe/internal/vaulterr"
	"github.com/org/pwsafe/pkg/models"
)

func itemAD(itemID string) []byte {
	return []byte("item:" + itemID)
}

func signedMessage(itemID string, ciphertext []byte) []byte {
	msg := make([]byte, 0, len(itemID)+1+len(ciphertext))
	msg = append(msg, itemID...)
	msg = append(msg, 0)
	return append(msg, ciphertext...)
}

// seal encrypts p under the read key and signs the result with the modify key.
func seal(itemID string, p *models.Payload, c *capability.Capability) (ciphertext, sig []byte, err error) {
	plain, err := json.Marshal(p)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling payload: %w", err)
	}
	defer crypto.Zero(plain)
	ciphertext, err = crypto.Encrypt(plain, c.ReadKey, itemAD(itemID))
	if err != nil {
		return nil, nil, fmt.Errorf("encrypting payload: %w", err)
	}
	sig, err = crypto.Sign(c.ModifyKey, signedMessage(itemID, ciphertext))
	if err != nil {
		return nil, nil, vaulterr.Integrity("sign payload", err)
	}
	return ciphertext, sig, nil
}

// open verifies and decrypts a stored payload.
func open(itemID string, verifyKey, ciphertext, sig, readKey []byte) (*models.Payload, error) {
	if !crypto.Verify(verifyKey, signedMessage(itemID, ciphertext), sig) {
		return nil, vaulterr.Integrity("verify payload", fmt.Errorf("bad signature on item %s", itemID))
	}
	plain, err := crypto.Decrypt(ciphertext, readKey, itemAD(itemID))
	if err != nil {
		return nil, vaulterr.Integrity("decrypt payload", err)
	}
	defer crypto.Zero(plain)
	var p models.Payload
	if err := json.Unmarshal(plain, &p); err != nil {
		return nil, vaulterr.Integrity("decode payload", err)
	}
	return &p, nil
}

// Decrypt opens it with c, which may be a transient capability.
func Decrypt(it *models.Item, c *capability.Capability) (*models.Payload, error) {
	if c == nil || c.ItemID != it.ID {
		return nil, vaulterr.Security("no read access to item %q", it.ID)
	}
	return open(it.ID, it.VerifyKey, it.Ciphertext, it.Signature, c.ReadKey)
}
