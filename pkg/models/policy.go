package models

import "time"

// RestrictionPolicy constrains the secret values an item accepts.
type RestrictionPolicy struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	MinLength  int    `json:"min_length"`
	MaxLength  int    `json:"max_length,omitempty"`
	MinLower   int    `json:"min_lower,omitempty"`
	MinUpper   int    `json:"min_upper,omitempty"`
	MinDigits  int    `json:"min_digits,omitempty"`
	MinSpecial int    `json:"min_special,omitempty"`
}

// AuditEvent is one entry of the audit trail.
type AuditEvent struct {
	ID        int64     `json:"id"`
	Level     string    `json:"level"`
	ActorID   string    `json:"actor_id,omitempty"`
	ItemID    string    `json:"item_id,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Notify    bool      `json:"notify"`
}

// Audit levels.
const (
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelSecurity = "security"
)

// InitData holds the vault initialization state stored in the database.
type InitData struct {
	ShareCount    int
	Threshold     int
	KeyCheck      []byte // sealed with a key derived from the root key; proves an unseal is correct
	InitializedAt time.Time
}
