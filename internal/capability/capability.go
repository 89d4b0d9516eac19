// Package capability resolves and distributes item access.
//
// A capability record gives one actor the read key of an item and, for
// modify access, its signing key, both sealed to the actor's public key.
// Holding the unwrapped keys is what access means: there is no separate
// permission check that could be bypassed.
package capability

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/org/pwsafe/internal/actor"
	"github.com/org/pwsafe/internal/config"
	"github.com/org/pwsafe/internal/crypto"
	"github.com/org/pwsafe/internal/storage"
	"github.com/org/pwsafe/internal/vaulterr"
	"github.com/org/pwsafe/pkg/models"
)

var resolutions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "pwsafe_capability_resolutions_total",
	Help: "Capability resolutions by outcome.",
}, []string{"result"})

func init() {
	prometheus.MustRegister(resolutions)
}

// Precedence decides whether group or user records win during resolution.
type Precedence int

const (
	GroupPrecedent Precedence = iota
	UserPrecedent
)

func (p Precedence) String() string {
	if p == UserPrecedent {
		return "user"
	}
	return "group"
}

// ParsePrecedence parses the access.precedence setting.
func ParsePrecedence(s string) (Precedence, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "group", "":
		return GroupPrecedent, nil
	case "user":
		return UserPrecedent, nil
	}
	return GroupPrecedent, fmt.Errorf("unknown access precedence %q", s)
}

// Capability is an unwrapped capability for one item.
type Capability struct {
	ItemID    string
	Source    models.Actor
	ReadKey   []byte
	ModifyKey []byte
	// Transient capabilities come from an approved access request and are
	// never persisted.
	Transient bool
}

// Permission reports the access level the capability carries.
func (c *Capability) Permission() models.Permission {
	switch {
	case c == nil || len(c.ReadKey) == 0:
		return models.PermNone
	case len(c.ModifyKey) > 0:
		return models.PermModify
	}
	return models.PermRead
}

// CanModify reports whether the capability carries the signing key.
func (c *Capability) CanModify() bool {
	return c.Permission() == models.PermModify
}

// ReadOnly drops the modify key.
func (c *Capability) ReadOnly() *Capability {
	if c == nil {
		return nil
	}
	crypto.Zero(c.ModifyKey)
	c.ModifyKey = nil
	return c
}

// Wipe zeroes the keys.
func (c *Capability) Wipe() {
	if c != nil {
		crypto.Zero(c.ReadKey)
		crypto.Zero(c.ModifyKey)
	}
}

// Store reads and writes capability records. Every method runs inside the
// caller's transaction; callers writing records hold actor.Service.Shared
// around that transaction.
type Store struct {
	actors *actor.Service
	cfg    *config.Store
	clock  quartz.Clock
}

// NewStore creates a capability Store.
func NewStore(actors *actor.Service, cfg *config.Store, clock quartz.Clock) *Store {
	return &Store{actors: actors, cfg: cfg, clock: clock}
}

// Precedence returns the configured access precedence.
func (s *Store) Precedence(ctx context.Context) Precedence {
	v := s.cfg.String(ctx, config.KeyAccessPrecedence)
	p, err := ParsePrecedence(v)
	if err != nil {
		log.Warn().Err(err).Msg("falling back to group precedence")
	}
	return p
}

// Resolve returns p's capability on itemID, or nil when p has none or the
// item is disabled.
func (s *Store) Resolve(ctx context.Context, q storage.Queries, p *actor.Principal, itemID string) (*Capability, error) {
	it, err := getItem(ctx, q, itemID)
	if err != nil {
		return nil, err
	}
	if !it.Enabled {
		resolutions.WithLabelValues("disabled").Inc()
		return nil, nil
	}
	return s.resolve(ctx, q, p, itemID)
}

// ResolveEvenIfItemDisabled is Resolve ignoring the enabled flag.
func (s *Store) ResolveEvenIfItemDisabled(ctx context.Context, q storage.Queries, p *actor.Principal, itemID string) (*Capability, error) {
	if _, err := getItem(ctx, q, itemID); err != nil {
		return nil, err
	}
	return s.resolve(ctx, q, p, itemID)
}

// ResolveReadOnly is Resolve without the modify key.
func (s *Store) ResolveReadOnly(ctx context.Context, q storage.Queries, p *actor.Principal, itemID string) (*Capability, error) {
	c, err := s.Resolve(ctx, q, p, itemID)
	return c.ReadOnly(), err
}

func getItem(ctx context.Context, q storage.Queries, id string) (*models.Item, error) {
	it, err := q.GetItem(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, vaulterr.NotFound("item", id)
	}
	return it, vaulterr.Store("get item", err)
}

func (s *Store) resolve(ctx context.Context, q storage.Queries, p *actor.Principal, itemID string) (*Capability, error) {
	prec := s.Precedence(ctx)

	byUser := func() (*Capability, error) {
		rec, err := q.GetCapability(ctx, itemID, p.Actor())
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, vaulterr.Store("get capability", err)
		}
		return unwrap(rec, p.Keys)
	}
	byGroup := func() (*Capability, error) {
		return s.bestGroup(ctx, q, p, itemID)
	}

	first, second := byGroup, byUser
	if prec == UserPrecedent {
		first, second = byUser, byGroup
	}
	c, err := first()
	if err == nil && c == nil {
		c, err = second()
	}
	switch {
	case err != nil:
		resolutions.WithLabelValues("error").Inc()
	case c == nil:
		resolutions.WithLabelValues("none").Inc()
	default:
		resolutions.WithLabelValues(c.Permission().String()).Inc()
	}
	return c, err
}

// bestGroup picks the group record granting the most access, ties broken by
// the lowest group id. Records whose group key the principal cannot open
// are skipped.
func (s *Store) bestGroup(ctx context.Context, q storage.Queries, p *actor.Principal, itemID string) (*Capability, error) {
	groups, err := s.actors.ReachableGroups(ctx, q, p.ID())
	if err != nil {
		return nil, err
	}
	var modify, read []*models.CapabilityRecord
	for _, g := range groups {
		rec, err := q.GetCapability(ctx, itemID, actor.GroupActor(g.ID))
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, vaulterr.Store("get capability", err)
		}
		if len(rec.ModifyKey) > 0 {
			modify = append(modify, rec)
		} else {
			read = append(read, rec)
		}
	}
	// groups are sorted by id, so both lists are too.
	for _, rec := range append(modify, read...) {
		kp, err := s.actors.GroupKey(ctx, q, p, rec.ActorID)
		if err != nil {
			return nil, err
		}
		if kp == nil {
			continue
		}
		c, err := unwrap(rec, kp)
		kp.Wipe()
		return c, err
	}
	return nil, nil
}

func unwrap(rec *models.CapabilityRecord, kp *crypto.KeyPair) (*Capability, error) {
	c := &Capability{
		ItemID: rec.ItemID,
		Source: models.Actor{Type: rec.ActorType, ID: rec.ActorID},
	}
	var err error
	if c.ReadKey, err = actor.Open(kp, rec.ReadKey, "unwrap read key"); err != nil {
		return nil, err
	}
	if len(rec.ModifyKey) > 0 {
		if c.ModifyKey, err = actor.Open(kp, rec.ModifyKey, "unwrap modify key"); err != nil {
			c.Wipe()
			return nil, err
		}
	}
	return c, nil
}

// Grant gives grantee perm on the granter's item. PermNone revokes. The
// record is replaced, never edited. A read-only granter may only hand read
// access to an actor that holds no record yet.
func (s *Store) Grant(ctx context.Context, q storage.Queries, granter *Capability, grantee models.Actor, perm models.Permission) error {
	if granter == nil || granter.Permission() == models.PermNone {
		return vaulterr.Security("no access to grant from")
	}
	if granter.Transient {
		return vaulterr.Security("request-scoped access cannot be granted")
	}
	if !granter.CanModify() {
		if perm != models.PermRead {
			return vaulterr.Security("modify access to item %q required", granter.ItemID)
		}
		_, err := q.GetCapability(ctx, granter.ItemID, grantee)
		switch {
		case err == nil:
			return vaulterr.Security("modify access to item %q required to replace a grant", granter.ItemID)
		case !errors.Is(err, storage.ErrNotFound):
			return vaulterr.Store("get capability", err)
		}
	}
	if perm == models.PermNone {
		return s.Revoke(ctx, q, granter.ItemID, grantee)
	}
	pub, err := publicKey(ctx, q, grantee)
	if err != nil {
		return err
	}
	rec := &models.CapabilityRecord{
		ItemID:    granter.ItemID,
		ActorType: grantee.Type,
		ActorID:   grantee.ID,
		CreatedAt: s.clock.Now().UTC(),
	}
	if rec.ReadKey, err = crypto.SealTo(pub, granter.ReadKey); err != nil {
		return vaulterr.Integrity("seal read key", err)
	}
	if perm == models.PermModify {
		if rec.ModifyKey, err = crypto.SealTo(pub, granter.ModifyKey); err != nil {
			return vaulterr.Integrity("seal modify key", err)
		}
	}
	if err := q.DeleteCapability(ctx, rec.ItemID, grantee); err != nil {
		return vaulterr.Store("delete capability", err)
	}
	return vaulterr.Store("create capability", q.CreateCapability(ctx, rec))
}

// Revoke removes grantee's record on itemID. Revoking a missing record is
// not an error.
func (s *Store) Revoke(ctx context.Context, q storage.Queries, itemID string, grantee models.Actor) error {
	return vaulterr.Store("delete capability", q.DeleteCapability(ctx, itemID, grantee))
}

// Records lists every record on itemID.
func (s *Store) Records(ctx context.Context, q storage.Queries, itemID string) ([]*models.CapabilityRecord, error) {
	recs, err := q.ListCapabilitiesByItem(ctx, itemID)
	return recs, vaulterr.Store("list capabilities", err)
}

func publicKey(ctx context.Context, q storage.Queries, a models.Actor) ([]byte, error) {
	switch a.Type {
	case models.ActorUser:
		u, err := q.GetUser(ctx, a.ID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, vaulterr.NotFound("user", a.ID)
		}
		if err != nil {
			return nil, vaulterr.Store("get user", err)
		}
		return u.PublicKey, nil
	case models.ActorGroup:
		g, err := q.GetGroup(ctx, a.ID)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && g.Status == models.GroupDeleted) {
			return nil, vaulterr.NotFound("group", a.ID)
		}
		if err != nil {
			return nil, vaulterr.Store("get group", err)
		}
		return g.PublicKey, nil
	}
	return nil, vaulterr.Workflow("grant", "unknown actor type %q", a.Type)
}
