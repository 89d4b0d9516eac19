// Package secret stores encrypted items and their history.
package secret

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/org/pwsafe/internal/actor"
	"github.com/org/pwsafe/internal/audit"
	"github.com/org/pwsafe/internal/capability"
	"github.com/org/pwsafe/internal/crypto"
	"github.com/org/pwsafe/internal/policy"
	"github.com/org/pwsafe/internal/storage"
	"github.com/org/pwsafe/internal/vaulterr"
	"github.com/org/pwsafe/pkg/models"
)

// Store manages items. Access is decided by the capability store alone.
type Store struct {
	db     storage.Backend
	actors *actor.Service
	caps   *capability.Store
	audit  *audit.Logger
	clock  quartz.Clock
}

// NewStore creates an item Store.
func NewStore(db storage.Backend, actors *actor.Service, caps *capability.Store, auditLog *audit.Logger, clock quartz.Clock) *Store {
	return &Store{db: db, actors: actors, caps: caps, audit: auditLog, clock: clock}
}

// NewItem describes an item to create.
type NewItem struct {
	Name                string
	Type                models.ItemType
	Payload             models.Payload
	AuditLevel          models.AuditLevel
	HistoryEnabled      bool
	RestrictionPolicyID string
	RestrictedAccess    models.RestrictedAccess
	ExpiresAt           *time.Time
	NodeID              string
	// NoAdminAccess skips the modify record for the admin group.
	NoAdminAccess bool
}

// Grant is one extra record applied at creation.
type Grant struct {
	Actor      models.Actor
	Permission models.Permission
}

// Create stores a new item owned by p.
func (s *Store) Create(ctx context.Context, p *actor.Principal, ni NewItem, grants ...Grant) (*models.Item, error) {
	release := s.actors.Shared()
	defer release()

	var it *models.Item
	err := s.db.InTx(ctx, func(q storage.Queries) error {
		var err error
		it, err = s.CreateTx(ctx, q, p, ni, grants...)
		return err
	})
	return it, err
}

// CreateTx is Create inside the caller's transaction. The caller holds
// actor.Service.Shared.
func (s *Store) CreateTx(ctx context.Context, q storage.Queries, p *actor.Principal, ni NewItem, grants ...Grant) (*models.Item, error) {
	name := strings.TrimSpace(ni.Name)
	if name == "" {
		return nil, vaulterr.Workflow("create item", "name is required")
	}
	if err := policy.Check(ctx, q, ni.RestrictionPolicyID, ni.Payload.Password); err != nil {
		return nil, err
	}
	if err := validateRestricted(ni.RestrictedAccess); err != nil {
		return nil, err
	}

	readKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	seed, verifyKey, err := crypto.GenerateSigningKey()
	if err != nil {
		return nil, err
	}
	owner := &capability.Capability{ReadKey: readKey, ModifyKey: seed}
	defer owner.Wipe()

	now := s.clock.Now().UTC()
	it := &models.Item{
		ID:                  uuid.NewString(),
		Name:                name,
		Type:                ni.Type,
		Enabled:             true,
		AuditLevel:          ni.AuditLevel,
		HistoryEnabled:      ni.HistoryEnabled,
		RestrictionPolicyID: ni.RestrictionPolicyID,
		RestrictedAccess:    ni.RestrictedAccess,
		NodeID:              ni.NodeID,
		ExpiresAt:           ni.ExpiresAt,
		VerifyKey:           verifyKey,
		CreatedBy:           p.ID(),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if it.Type == "" {
		it.Type = models.ItemStandard
	}
	if it.AuditLevel == "" {
		it.AuditLevel = models.AuditNone
	}
	if it.ExpiresAt == nil {
		it.ExpiresAt = certificateExpiry(&ni.Payload)
	}
	owner.ItemID = it.ID
	if it.Ciphertext, it.Signature, err = seal(it.ID, &ni.Payload, owner); err != nil {
		return nil, err
	}
	if err := q.CreateItem(ctx, it); err != nil {
		return nil, vaulterr.Store("create item", err)
	}
	if it.HistoryEnabled {
		if err := s.appendHistory(ctx, q, it, p.ID()); err != nil {
			return nil, err
		}
	}

	if err := s.caps.Grant(ctx, q, owner, p.Actor(), models.PermModify); err != nil {
		return nil, err
	}
	if !ni.NoAdminAccess && it.Type != models.ItemPersonal {
		admin, _, err := s.actors.AdminGroups(ctx, q)
		if err != nil {
			return nil, err
		}
		if err := s.caps.Grant(ctx, q, owner, actor.GroupActor(admin.ID), models.PermModify); err != nil {
			return nil, err
		}
	}
	for _, g := range grants {
		if g.Actor == p.Actor() {
			continue
		}
		if err := s.caps.Grant(ctx, q, owner, g.Actor, g.Permission); err != nil {
			return nil, err
		}
	}

	err = s.audit.Record(ctx, q, audit.Event(models.LevelInfo, p.ID(), it.ID, "item %s created", it.Name))
	return it, err
}

func validateRestricted(ra models.RestrictedAccess) error {
	if !ra.Enabled {
		return nil
	}
	if ra.ApproversRequired < 1 {
		return vaulterr.Workflow("restricted access", "at least one approver is required")
	}
	if ra.BlockersRequired < 0 {
		return vaulterr.Workflow("restricted access", "blockers required cannot be negative")
	}
	return nil
}

func (s *Store) appendHistory(ctx context.Context, q storage.Queries, it *models.Item, by string) error {
	h := &models.HistoryEntry{
		ItemID:     it.ID,
		Timestamp:  it.UpdatedAt,
		Ciphertext: it.Ciphertext,
		Signature:  it.Signature,
		ModifiedBy: by,
	}
	return vaulterr.Store("append history", q.AppendHistory(ctx, h))
}

func getItem(ctx context.Context, q storage.Queries, id string) (*models.Item, error) {
	it, err := q.GetItem(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, vaulterr.NotFound("item", id)
	}
	return it, vaulterr.Store("get item", err)
}

// requireModify resolves p's capability on itemID and fails unless it
// carries the modify key. Disabled items are included.
func (s *Store) requireModify(ctx context.Context, q storage.Queries, p *actor.Principal, itemID string) (*capability.Capability, error) {
	c, err := s.caps.ResolveEvenIfItemDisabled(ctx, q, p, itemID)
	if err != nil {
		return nil, err
	}
	if !c.CanModify() {
		c.Wipe()
		return nil, vaulterr.Security("modify access to item %q required", itemID)
	}
	return c, nil
}

// readEvent builds the audit event for a read of it, or nil when reads of
// it are not audited.
func readEvent(it *models.Item, by, what string) *models.AuditEvent {
	switch it.AuditLevel {
	case models.AuditLogOnly:
		return audit.Event(models.LevelInfo, by, it.ID, "item %s %s", it.Name, what)
	case models.AuditFull:
		ev := audit.Event(models.LevelInfo, by, it.ID, "item %s %s", it.Name, what)
		ev.Notify = true
		return ev
	}
	return nil
}

// Get decrypts it for p. Read access is required.
func (s *Store) Get(ctx context.Context, p *actor.Principal, id string) (*models.Item, *models.Payload, error) {
	var (
		it  *models.Item
		pay *models.Payload
	)
	err := s.db.View(ctx, func(q storage.Queries) error {
		var err error
		if it, err = getItem(ctx, q, id); err != nil {
			return err
		}
		c, err := s.caps.ResolveReadOnly(ctx, q, p, id)
		if err != nil {
			return err
		}
		if c == nil {
			return vaulterr.Security("no read access to item %q", id)
		}
		defer c.Wipe()
		pay, err = Decrypt(it, c)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	if ev := readEvent(it, p.ID(), "read"); ev != nil {
		s.audit.Log(ctx, ev)
	}
	return it, pay, nil
}

// Info returns an item's metadata without decrypting it. Read access is
// required, on a disabled item too.
func (s *Store) Info(ctx context.Context, p *actor.Principal, id string) (*models.Item, models.Permission, error) {
	var (
		it   *models.Item
		perm models.Permission
	)
	err := s.db.View(ctx, func(q storage.Queries) error {
		var err error
		if it, err = getItem(ctx, q, id); err != nil {
			return err
		}
		c, err := s.caps.ResolveEvenIfItemDisabled(ctx, q, p, id)
		if err != nil {
			return err
		}
		defer c.Wipe()
		if perm = c.Permission(); perm == models.PermNone {
			return vaulterr.Security("no read access to item %q", id)
		}
		return nil
	})
	return it, perm, err
}

// Update replaces the payload. Modify access is required.
func (s *Store) Update(ctx context.Context, p *actor.Principal, id string, pay models.Payload) (*models.Item, error) {
	var it *models.Item
	err := s.db.InTx(ctx, func(q storage.Queries) error {
		var err error
		if it, err = getItem(ctx, q, id); err != nil {
			return err
		}
		c, err := s.caps.Resolve(ctx, q, p, id)
		if err != nil {
			return err
		}
		defer c.Wipe()
		if !c.CanModify() {
			return vaulterr.Security("modify access to item %q required", id)
		}
		if err := policy.Check(ctx, q, it.RestrictionPolicyID, pay.Password); err != nil {
			return err
		}
		if it.Ciphertext, it.Signature, err = seal(it.ID, &pay, c); err != nil {
			return err
		}
		if exp := certificateExpiry(&pay); exp != nil {
			it.ExpiresAt = exp
		}
		it.UpdatedAt = s.clock.Now().UTC()
		if err := q.UpdateItem(ctx, it); err != nil {
			return vaulterr.Store("update item", err)
		}
		if it.HistoryEnabled {
			if err := s.appendHistory(ctx, q, it, p.ID()); err != nil {
				return err
			}
		}
		return s.audit.Record(ctx, q, audit.Event(models.LevelInfo, p.ID(), it.ID, "item %s updated", it.Name))
	})
	return it, err
}

// Settings are the item attributes changed by UpdateSettings. Nil fields are
// left alone.
type Settings struct {
	Name                *string
	AuditLevel          *models.AuditLevel
	RestrictedAccess    *models.RestrictedAccess
	RestrictionPolicyID *string
	ExpiresAt           *time.Time
	ClearExpiry         bool
}

// UpdateSettings changes item attributes. Modify access is required.
func (s *Store) UpdateSettings(ctx context.Context, p *actor.Principal, id string, set Settings) (*models.Item, error) {
	var it *models.Item
	err := s.db.InTx(ctx, func(q storage.Queries) error {
		var err error
		if it, err = getItem(ctx, q, id); err != nil {
			return err
		}
		c, err := s.requireModify(ctx, q, p, id)
		if err != nil {
			return err
		}
		c.Wipe()

		var changes []string
		if set.Name != nil {
			name := strings.TrimSpace(*set.Name)
			if name == "" {
				return vaulterr.Workflow("update item", "name is required")
			}
			it.Name = name
			changes = append(changes, "name")
		}
		if set.AuditLevel != nil {
			switch *set.AuditLevel {
			case models.AuditNone, models.AuditLogOnly, models.AuditFull:
			default:
				return vaulterr.Workflow("update item", "unknown audit level %q", *set.AuditLevel)
			}
			it.AuditLevel = *set.AuditLevel
			changes = append(changes, "audit level")
		}
		if set.RestrictedAccess != nil {
			if err := validateRestricted(*set.RestrictedAccess); err != nil {
				return err
			}
			it.RestrictedAccess = *set.RestrictedAccess
			changes = append(changes, "restricted access")
		}
		if set.RestrictionPolicyID != nil {
			if *set.RestrictionPolicyID != "" {
				if _, err := q.GetRestrictionPolicy(ctx, *set.RestrictionPolicyID); err != nil {
					if errors.Is(err, storage.ErrNotFound) {
						return vaulterr.NotFound("restriction policy", *set.RestrictionPolicyID)
					}
					return vaulterr.Store("get restriction policy", err)
				}
			}
			it.RestrictionPolicyID = *set.RestrictionPolicyID
			changes = append(changes, "restriction policy")
		}
		switch {
		case set.ClearExpiry:
			it.ExpiresAt = nil
			changes = append(changes, "expiry")
		case set.ExpiresAt != nil:
			exp := set.ExpiresAt.UTC()
			it.ExpiresAt = &exp
			changes = append(changes, "expiry")
		}
		if len(changes) == 0 {
			return nil
		}
		it.UpdatedAt = s.clock.Now().UTC()
		if err := q.UpdateItem(ctx, it); err != nil {
			return vaulterr.Store("update item", err)
		}
		return s.audit.Record(ctx, q, audit.Event(models.LevelInfo, p.ID(), it.ID,
			"item %s settings changed: %s", it.Name, strings.Join(changes, ", ")))
	})
	return it, err
}

// SetEnabled enables or disables an item. Disabled items resolve to no
// capability except for the owners managing them.
func (s *Store) SetEnabled(ctx context.Context, p *actor.Principal, id string, enabled bool) error {
	return s.db.InTx(ctx, func(q storage.Queries) error {
		it, err := getItem(ctx, q, id)
		if err != nil {
			return err
		}
		c, err := s.requireModify(ctx, q, p, id)
		if err != nil {
			return err
		}
		c.Wipe()
		if it.Enabled == enabled {
			return nil
		}
		it.Enabled = enabled
		it.UpdatedAt = s.clock.Now().UTC()
		if err := q.UpdateItem(ctx, it); err != nil {
			return vaulterr.Store("update item", err)
		}
		return s.audit.Record(ctx, q, audit.Event(models.LevelInfo, p.ID(), it.ID, "item %s enabled=%t", it.Name, enabled))
	})
}

// Grant gives grantee perm on an item. Granting PermNone revokes.
func (s *Store) Grant(ctx context.Context, p *actor.Principal, id string, grantee models.Actor, perm models.Permission) error {
	release := s.actors.Shared()
	defer release()

	return s.db.InTx(ctx, func(q storage.Queries) error {
		it, err := getItem(ctx, q, id)
		if err != nil {
			return err
		}
		c, err := s.caps.ResolveEvenIfItemDisabled(ctx, q, p, id)
		if err != nil {
			return err
		}
		if c == nil {
			return vaulterr.Security("no access to item %q", id)
		}
		defer c.Wipe()
		if err := s.caps.Grant(ctx, q, c, grantee, perm); err != nil {
			return err
		}
		return s.audit.Record(ctx, q, audit.Event(models.LevelSecurity, p.ID(), it.ID,
			"%s %s granted %s on %s", grantee.Type, grantee.ID, perm, it.Name))
	})
}

// Revoke removes grantee's record on an item. Modify access is required.
func (s *Store) Revoke(ctx context.Context, p *actor.Principal, id string, grantee models.Actor) error {
	release := s.actors.Shared()
	defer release()

	return s.db.InTx(ctx, func(q storage.Queries) error {
		it, err := getItem(ctx, q, id)
		if err != nil {
			return err
		}
		c, err := s.requireModify(ctx, q, p, id)
		if err != nil {
			return err
		}
		c.Wipe()
		if err := s.caps.Revoke(ctx, q, id, grantee); err != nil {
			return err
		}
		return s.audit.Record(ctx, q, audit.Event(models.LevelSecurity, p.ID(), it.ID,
			"%s %s revoked on %s", grantee.Type, grantee.ID, it.Name))
	})
}

// Access is one entry of an item's access list.
type Access struct {
	Actor      models.Actor
	Permission models.Permission
}

// AccessList lists who holds records on an item. Read access is required.
func (s *Store) AccessList(ctx context.Context, p *actor.Principal, id string) ([]Access, error) {
	var out []Access
	err := s.db.View(ctx, func(q storage.Queries) error {
		c, err := s.caps.ResolveEvenIfItemDisabled(ctx, q, p, id)
		if err != nil {
			return err
		}
		if c == nil {
			return vaulterr.Security("no access to item %q", id)
		}
		c.Wipe()
		recs, err := s.caps.Records(ctx, q, id)
		if err != nil {
			return err
		}
		for _, r := range recs {
			out = append(out, Access{
				Actor:      models.Actor{Type: r.ActorType, ID: r.ActorID},
				Permission: r.Permission(),
			})
		}
		return nil
	})
	return out, err
}

// Delete removes an item, its records, history and every node referencing it.
func (s *Store) Delete(ctx context.Context, p *actor.Principal, id string) error {
	release := s.actors.Shared()
	defer release()

	return s.db.InTx(ctx, func(q storage.Queries) error {
		nodes, err := q.ListNodesByItem(ctx, id)
		if err != nil {
			return vaulterr.Store("list nodes", err)
		}
		for _, n := range nodes {
			if err := q.DeleteNode(ctx, n.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return vaulterr.Store("delete node", err)
			}
		}
		return s.DeleteTx(ctx, q, p, id)
	})
}

// DeleteTx removes an item inside the caller's transaction. Modify access is
// required. Nodes referencing the item are left to the caller, who holds
// actor.Service.Shared.
func (s *Store) DeleteTx(ctx context.Context, q storage.Queries, p *actor.Principal, id string) error {
	it, err := getItem(ctx, q, id)
	if err != nil {
		return err
	}
	c, err := s.requireModify(ctx, q, p, id)
	if err != nil {
		return err
	}
	c.Wipe()
	if err := q.DeleteItem(ctx, id); err != nil {
		return vaulterr.Store("delete item", err)
	}
	return s.audit.Record(ctx, q, audit.Event(models.LevelInfo, p.ID(), it.ID, "item %s deleted", it.Name))
}

// ExpiringBefore lists enabled items whose expiry is before t.
func (s *Store) ExpiringBefore(ctx context.Context, t time.Time) ([]*models.Item, error) {
	var out []*models.Item
	err := s.db.View(ctx, func(q storage.Queries) error {
		items, err := q.ListItemsExpiringBefore(ctx, t)
		if err != nil {
			return err
		}
		for _, it := range items {
			if it.Enabled {
				out = append(out, it)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing expiring items: %w", err)
	}
	return out, nil
}
