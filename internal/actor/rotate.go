package actor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/pwsafe/internal/audit"
	"github.com/org/pwsafe/internal/crypto"
	"github.com/org/pwsafe/internal/storage"
	"github.com/org/pwsafe/internal/vaulterr"
	"github.com/org/pwsafe/pkg/models"
)

// ChangePassword replaces p's password. For the master admin account the
// admin group key is rotated in the same transaction and every copy sealed
// to it is re-sealed. On success p holds the refreshed user record.
func (s *Service) ChangePassword(ctx context.Context, p *Principal, oldPassword, newPassword string) error {
	if newPassword == "" {
		return vaulterr.Workflow("change password", "new password is required")
	}
	ok, err := crypto.CheckPassword(p.User.PasswordHash, oldPassword)
	if err != nil {
		return vaulterr.Integrity("check password", err)
	}
	if !ok {
		return vaulterr.Security("current password does not match")
	}

	var adminID string
	err = s.db.View(ctx, func(q storage.Queries) error {
		var err error
		adminID, err = s.AdminUserID(ctx, q)
		return err
	})
	if err != nil {
		return err
	}
	if adminID == p.ID() {
		return s.rotateMaster(ctx, p, newPassword)
	}

	return s.db.InTx(ctx, func(q storage.Queries) error {
		u, err := q.GetUser(ctx, p.ID())
		if err != nil {
			return vaulterr.Store("get user", err)
		}
		if err := s.wrapForPassword(u, p.Keys.Private, newPassword); err != nil {
			return err
		}
		u.UpdatedAt = s.clock.Now().UTC()
		if err := q.UpdateUser(ctx, u); err != nil {
			return vaulterr.Store("update user", err)
		}
		p.User = u
		return s.audit.Record(ctx, q, audit.Event(models.LevelSecurity, u.ID, "", "password changed for %s", u.Login))
	})
}

// rotateMaster generates a new admin group key pair and re-seals everything
// that was sealed to the old one. Capability writers are held off for the
// duration so none of them seals to a key that is about to be replaced.
func (s *Service) rotateMaster(ctx context.Context, p *Principal, newPassword string) error {
	release := s.Exclusive()
	defer release()

	var ev *models.AuditEvent
	err := s.db.InTx(ctx, func(q storage.Queries) error {
		admin, sub, err := s.AdminGroups(ctx, q)
		if err != nil {
			return err
		}
		oldKey, err := s.AdminKey(ctx, q, p)
		if err != nil {
			return err
		}
		defer oldKey.Wipe()
		newKey, err := crypto.GenerateKeyPair()
		if err != nil {
			return err
		}
		defer newKey.Wipe()

		if err := resealCapabilities(ctx, q, GroupActor(admin.ID), oldKey, newKey, s.clock.Now().UTC()); err != nil {
			return err
		}

		users, err := q.ListUsers(ctx)
		if err != nil {
			return vaulterr.Store("list users", err)
		}
		for _, u := range users {
			if len(u.KeyByAdmin) == 0 {
				continue
			}
			if u.KeyByAdmin, err = reseal(oldKey, newKey.Public, u.KeyByAdmin, "reseal user recovery key"); err != nil {
				return err
			}
			if u.ID == p.ID() {
				if err := s.wrapForPassword(u, p.Keys.Private, newPassword); err != nil {
					return err
				}
				p.User = u
			}
			u.UpdatedAt = s.clock.Now().UTC()
			if err := q.UpdateUser(ctx, u); err != nil {
				return vaulterr.Store("update user", err)
			}
		}

		groups, err := q.ListGroups(ctx)
		if err != nil {
			return vaulterr.Store("list groups", err)
		}
		for _, g := range groups {
			if g.ID == admin.ID || len(g.KeyByAdmin) == 0 {
				continue
			}
			if g.KeyByAdmin, err = reseal(oldKey, newKey.Public, g.KeyByAdmin, "reseal group recovery key"); err != nil {
				return err
			}
			if err := q.UpdateGroup(ctx, g); err != nil {
				return vaulterr.Store("update group", err)
			}
		}

		members, err := q.ListMembershipsByGroup(ctx, admin.ID)
		if err != nil {
			return vaulterr.Store("list members", err)
		}
		for _, m := range members {
			u, err := q.GetUser(ctx, m.UserID)
			if err != nil {
				return vaulterr.Store("get user", err)
			}
			if err := s.putMembership(ctx, q, u.PublicKey, u.ID, newKey, admin.ID); err != nil {
				return err
			}
		}

		wrapped, err := seal(sub.PublicKey, newKey.Private, "seal admin key for sub-admins")
		if err != nil {
			return err
		}
		err = q.PutDelegation(ctx, &models.GroupDelegation{
			GroupID:    admin.ID,
			ViaGroupID: sub.ID,
			WrappedKey: wrapped,
			CreatedAt:  s.clock.Now().UTC(),
		})
		if err != nil {
			return vaulterr.Store("put delegation", err)
		}

		admin.PublicKey = newKey.Public
		if err := q.UpdateGroup(ctx, admin); err != nil {
			return vaulterr.Store("update admin group", err)
		}

		ev = audit.Event(models.LevelSecurity, p.ID(), "", "master password changed, admin key rotated")
		ev.Notify = true
		return s.audit.Record(ctx, q, ev)
	})
	if err != nil {
		return err
	}
	log.Info().Str("user", p.ID()).Msg("admin group key rotated")
	s.audit.Notify(ctx, ev)
	return nil
}

// RotatePersonalKey replaces p's key pair and re-seals every record,
// membership and granted request key addressed to p. p is updated in place.
func (s *Service) RotatePersonalKey(ctx context.Context, p *Principal, password string) error {
	ok, err := crypto.CheckPassword(p.User.PasswordHash, password)
	if err != nil {
		return vaulterr.Integrity("check password", err)
	}
	if !ok {
		return vaulterr.Security("password does not match")
	}

	release := s.Shared()
	defer release()

	newKey, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	err = s.db.InTx(ctx, func(q storage.Queries) error {
		u, err := q.GetUser(ctx, p.ID())
		if err != nil {
			return vaulterr.Store("get user", err)
		}
		now := s.clock.Now().UTC()
		if err := resealCapabilities(ctx, q, p.Actor(), p.Keys, newKey, now); err != nil {
			return err
		}

		ms, err := q.ListMembershipsByUser(ctx, u.ID)
		if err != nil {
			return vaulterr.Store("list memberships", err)
		}
		for _, m := range ms {
			if m.WrappedKey, err = reseal(p.Keys, newKey.Public, m.WrappedKey, "reseal membership"); err != nil {
				return err
			}
			if err := q.PutMembership(ctx, m); err != nil {
				return vaulterr.Store("put membership", err)
			}
		}

		reqs, err := q.ListRequests(ctx, storage.RequestFilter{RequesterID: u.ID})
		if err != nil {
			return vaulterr.Store("list requests", err)
		}
		for _, r := range reqs {
			entries, err := q.ListApproverEntries(ctx, r.ID)
			if err != nil {
				return vaulterr.Store("list approvers", err)
			}
			for _, e := range entries {
				if len(e.GrantedKey) == 0 {
					continue
				}
				if e.GrantedKey, err = reseal(p.Keys, newKey.Public, e.GrantedKey, "reseal granted key"); err != nil {
					return err
				}
				if err := q.PutApproverEntry(ctx, e); err != nil {
					return vaulterr.Store("put approver entry", err)
				}
			}
		}

		admin, _, err := s.AdminGroups(ctx, q)
		if err != nil {
			return err
		}
		if u.KeyByAdmin, err = seal(admin.PublicKey, newKey.Private, "seal user key for admin"); err != nil {
			return err
		}
		if err := s.wrapForPassword(u, newKey.Private, password); err != nil {
			return err
		}
		u.PublicKey = newKey.Public
		u.UpdatedAt = now
		if err := q.UpdateUser(ctx, u); err != nil {
			return vaulterr.Store("update user", err)
		}
		p.User = u
		return s.audit.Record(ctx, q, audit.Event(models.LevelSecurity, u.ID, "", "personal key rotated for %s", u.Login))
	})
	if err != nil {
		newKey.Wipe()
		return err
	}
	p.Keys.Wipe()
	p.Keys = newKey
	return nil
}

// ResetPassword sets a new password for userID through the admin recovery
// copy of their key. The failed login counter is cleared.
func (s *Service) ResetPassword(ctx context.Context, by *Principal, userID, newPassword string) error {
	if newPassword == "" {
		return vaulterr.Workflow("reset password", "new password is required")
	}
	return s.db.InTx(ctx, func(q storage.Queries) error {
		adminID, err := s.AdminUserID(ctx, q)
		if err != nil {
			return err
		}
		if userID == adminID {
			return vaulterr.Security("the master password can only be changed by its owner")
		}
		adminKey, err := s.AdminKey(ctx, q, by)
		if err != nil {
			return err
		}
		defer adminKey.Wipe()
		u, err := q.GetUser(ctx, userID)
		if errors.Is(err, storage.ErrNotFound) {
			return vaulterr.NotFound("user", userID)
		}
		if err != nil {
			return vaulterr.Store("get user", err)
		}
		priv, err := Open(adminKey, u.KeyByAdmin, "recover user key")
		if err != nil {
			return err
		}
		defer crypto.Zero(priv)
		if err := s.wrapForPassword(u, priv, newPassword); err != nil {
			return err
		}
		u.FailedLogins = 0
		u.UpdatedAt = s.clock.Now().UTC()
		if err := q.UpdateUser(ctx, u); err != nil {
			return vaulterr.Store("update user", err)
		}
		return s.audit.Record(ctx, q, audit.Event(models.LevelSecurity, by.ID(), "", "password reset for %s", u.Login))
	})
}

func reseal(from *crypto.KeyPair, to []byte, sealed []byte, step string) ([]byte, error) {
	plain, err := Open(from, sealed, step)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(plain)
	return seal(to, plain, step)
}

// resealCapabilities moves every record of a from one key pair to another.
// Records are replaced, never updated in place.
func resealCapabilities(ctx context.Context, q storage.Queries, a models.Actor, from, to *crypto.KeyPair, now time.Time) error {
	recs, err := q.ListCapabilitiesByActor(ctx, a)
	if err != nil {
		return vaulterr.Store("list capabilities", err)
	}
	for _, r := range recs {
		next := &models.CapabilityRecord{ItemID: r.ItemID, ActorType: r.ActorType, ActorID: r.ActorID, CreatedAt: now}
		if next.ReadKey, err = reseal(from, to.Public, r.ReadKey, "reseal read key"); err != nil {
			return err
		}
		if len(r.ModifyKey) > 0 {
			if next.ModifyKey, err = reseal(from, to.Public, r.ModifyKey, "reseal modify key"); err != nil {
				return err
			}
		}
		if err := q.DeleteCapability(ctx, r.ItemID, a); err != nil {
			return vaulterr.Store("delete capability", err)
		}
		if err := q.CreateCapability(ctx, next); err != nil {
			return vaulterr.Store("create capability", err)
		}
	}
	return nil
}
