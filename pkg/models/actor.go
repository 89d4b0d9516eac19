package models

import "time"

// ActorType distinguishes users from groups in capability records, rules and
// permission defaults.
type ActorType string

const (
	ActorUser  ActorType = "user"
	ActorGroup ActorType = "group"
)

// Valid reports whether a is a known actor type.
func (a ActorType) Valid() bool {
	return a == ActorUser || a == ActorGroup
}

// Actor identifies a user or a group.
type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id"`
}

// User is an individual account.
type User struct {
	ID           string
	Login        string
	Email        string
	PasswordHash string // encoded argon2id
	AuthSource   string // authenticator id, "local" by default
	Enabled      bool
	FailedLogins int

	// PublicKey is the user's personal key-encryption public key. The
	// private half is stored twice: under the login password and sealed to
	// the admin group.
	PublicKey     []byte
	KeyByPassword []byte
	PasswordSpec  string // argon2id spec for KeyByPassword
	KeyByAdmin    []byte

	CreatedAt time.Time
	UpdatedAt time.Time
}

// GroupStatus is the lifecycle state of a group.
type GroupStatus string

const (
	GroupEnabled  GroupStatus = "enabled"
	GroupDisabled GroupStatus = "disabled"
	GroupDeleted  GroupStatus = "deleted"
)

// Group is a set of users sharing a group key.
type Group struct {
	ID         string
	Name       string
	Status     GroupStatus
	PublicKey  []byte
	KeyByAdmin []byte // group private key sealed to the admin group, empty for the admin group itself
	CreatedAt  time.Time
}

// Membership carries the group private key sealed to one member.
type Membership struct {
	UserID     string
	GroupID    string
	WrappedKey []byte
	CreatedAt  time.Time
}

// GroupDelegation lets members of ViaGroupID open GroupID's private key.
// It backs the admin -> sub-admin chain.
type GroupDelegation struct {
	GroupID    string
	ViaGroupID string
	WrappedKey []byte
	CreatedAt  time.Time
}
