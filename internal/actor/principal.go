// Package actor manages users, groups and the key distribution between them.
//
// Every actor owns an X25519 key pair. A user's private key is stored under a
// password-derived key and sealed to the admin group; a group's private key
// is sealed to every member and to the admin group. The admin group key is
// also sealed to the sub-admin group, so a sub-admin reaches it in two hops.
package actor

import (
	"github.com/org/pwsafe/internal/crypto"
	"github.com/org/pwsafe/pkg/models"
)

// Principal is an authenticated user holding their unwrapped private key.
type Principal struct {
	User *models.User
	Keys *crypto.KeyPair
}

// ID returns the user id.
func (p *Principal) ID() string {
	return p.User.ID
}

// Actor returns the principal as a capability actor.
func (p *Principal) Actor() models.Actor {
	return models.Actor{Type: models.ActorUser, ID: p.User.ID}
}

// Wipe zeroes the private key.
func (p *Principal) Wipe() {
	if p != nil {
		p.Keys.Wipe()
	}
}

// UserActor and GroupActor build actor references.
func UserActor(id string) models.Actor  { return models.Actor{Type: models.ActorUser, ID: id} }
func GroupActor(id string) models.Actor { return models.Actor{Type: models.ActorGroup, ID: id} }
