package models

import "time"

// Permission is the level of access an actor holds on an item.
type Permission int

const (
	PermNone Permission = iota
	PermRead
	PermModify
)

func (p Permission) String() string {
	switch p {
	case PermRead:
		return "read"
	case PermModify:
		return "modify"
	default:
		return "none"
	}
}

// ParsePermission parses "none", "read" or "modify".
func ParsePermission(s string) (Permission, bool) {
	switch s {
	case "none", "":
		return PermNone, true
	case "read":
		return PermRead, true
	case "modify":
		return PermModify, true
	}
	return PermNone, false
}

// CapabilityRecord grants one actor access to one item. ReadKey and
// ModifyKey are sealed to the actor's public key; ModifyKey is set only for
// modify grants.
type CapabilityRecord struct {
	ItemID    string
	ActorType ActorType
	ActorID   string
	ReadKey   []byte
	ModifyKey []byte
	CreatedAt time.Time
}

// Permission returns the level the record grants.
func (c *CapabilityRecord) Permission() Permission {
	switch {
	case c == nil || len(c.ReadKey) == 0:
		return PermNone
	case len(c.ModifyKey) > 0:
		return PermModify
	default:
		return PermRead
	}
}

// AuditLevel controls how reads of an item are recorded.
type AuditLevel string

const (
	AuditNone    AuditLevel = "NONE"
	AuditLogOnly AuditLevel = "LOG_ONLY"
	AuditFull    AuditLevel = "FULL"
)

// ItemType separates shared items from personal ones.
type ItemType string

const (
	ItemStandard ItemType = "standard"
	ItemPersonal ItemType = "personal"
)

// RestrictedAccess configures the break-glass workflow for an item.
type RestrictedAccess struct {
	Enabled           bool `json:"enabled"`
	ApproversRequired int  `json:"approvers_required"`
	BlockersRequired  int  `json:"blockers_required"`
}

// Item is a stored secret. The payload is encrypted under the item's read key
// and signed with its modify key.
type Item struct {
	ID                  string
	Name                string
	Type                ItemType
	Enabled             bool
	AuditLevel          AuditLevel
	HistoryEnabled      bool
	RestrictionPolicyID string
	RestrictedAccess    RestrictedAccess
	NodeID              string
	ExpiresAt           *time.Time

	Ciphertext []byte
	VerifyKey  []byte
	Signature  []byte

	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Payload is the decrypted content of an item.
type Payload struct {
	Username     string            `json:"username"`
	Password     string            `json:"password"`
	Notes        string            `json:"notes,omitempty"`
	CustomFields map[string]string `json:"custom_fields,omitempty"`
}

// HistoryEntry is an immutable snapshot of an item's payload. A nil
// Ciphertext marks the point where history logging was turned off.
type HistoryEntry struct {
	ID         int64
	ItemID     string
	Timestamp  time.Time
	Ciphertext []byte
	Signature  []byte
	ModifiedBy string
}

// Tombstone reports whether the entry carries no payload.
func (h *HistoryEntry) Tombstone() bool {
	return len(h.Ciphertext) == 0
}
