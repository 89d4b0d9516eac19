package actor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/org/pwsafe/internal/crypto"
	"github.com/org/pwsafe/internal/storage"
	"github.com/org/pwsafe/internal/vaulterr"
	"github.com/org/pwsafe/pkg/models"
)

// Open unwraps sealed material for kp. Failures are integrity errors.
func Open(kp *crypto.KeyPair, sealed []byte, step string) ([]byte, error) {
	out, err := crypto.OpenSealed(kp, sealed)
	if err != nil {
		log.Error().Err(err).Str("step", step).Msg("key unwrap failed")
		return nil, vaulterr.Integrity(step, err)
	}
	return out, nil
}

// seal wraps msg for the owner of pub.
func seal(pub, msg []byte, step string) ([]byte, error) {
	out, err := crypto.SealTo(pub, msg)
	if err != nil {
		return nil, vaulterr.Integrity(step, err)
	}
	return out, nil
}

func passwordAD(userID string) []byte {
	return []byte("user-key:" + userID)
}

// UnlockUser opens u's private key with the login password.
func UnlockUser(u *models.User, password string) (*Principal, error) {
	pk, err := crypto.DeriveFromPassword(u.PasswordSpec, password)
	if err != nil {
		return nil, vaulterr.Integrity("derive password key", err)
	}
	defer crypto.Zero(pk)
	priv, err := crypto.Decrypt(u.KeyByPassword, pk, passwordAD(u.ID))
	if err != nil {
		return nil, vaulterr.Integrity("unlock personal key", err)
	}
	return &Principal{User: u, Keys: &crypto.KeyPair{Public: u.PublicKey, Private: priv}}, nil
}

// wrapForPassword stores priv on u under a fresh key derived from password.
func (s *Service) wrapForPassword(u *models.User, priv []byte, password string) error {
	spec, err := crypto.NewKDFSpec(s.opts.KDF)
	if err != nil {
		return err
	}
	pk, err := crypto.DeriveFromPassword(spec, password)
	if err != nil {
		return err
	}
	defer crypto.Zero(pk)
	wrapped, err := crypto.Encrypt(priv, pk, passwordAD(u.ID))
	if err != nil {
		return fmt.Errorf("wrapping personal key: %w", err)
	}
	hash, err := crypto.HashPassword(password, s.opts.KDF)
	if err != nil {
		return err
	}
	u.PasswordSpec = spec
	u.KeyByPassword = wrapped
	u.PasswordHash = hash
	return nil
}

// AdminGroups returns the admin and sub-admin groups.
func (s *Service) AdminGroups(ctx context.Context, q storage.Queries) (admin, sub *models.Group, err error) {
	admin, err = q.GetGroupByName(ctx, s.opts.AdminGroup)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, vaulterr.Workflow("admin group", "vault has not been bootstrapped")
		}
		return nil, nil, vaulterr.Store("get admin group", err)
	}
	sub, err = q.GetGroupByName(ctx, s.opts.SubAdminGroup)
	if err != nil {
		return nil, nil, vaulterr.Store("get sub-admin group", err)
	}
	return admin, sub, nil
}

func enabled(g *models.Group) bool {
	return g != nil && g.Status == models.GroupEnabled
}

// GroupKey returns the key pair of groupID as reachable by p: through a
// membership, or for the admin group through the sub-admin delegation. It
// returns nil without error when p cannot reach the group or the group is not
// enabled.
func (s *Service) GroupKey(ctx context.Context, q storage.Queries, p *Principal, groupID string) (*crypto.KeyPair, error) {
	g, err := q.GetGroup(ctx, groupID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, vaulterr.Store("get group", err)
	}
	if !enabled(g) {
		return nil, nil
	}

	m, err := q.GetMembership(ctx, p.ID(), g.ID)
	switch {
	case err == nil:
		priv, err := Open(p.Keys, m.WrappedKey, "unwrap group key")
		if err != nil {
			return nil, err
		}
		return &crypto.KeyPair{Public: g.PublicKey, Private: priv}, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, vaulterr.Store("get membership", err)
	}

	if g.Name != s.opts.AdminGroup {
		return nil, nil
	}
	sub, err := q.GetGroupByName(ctx, s.opts.SubAdminGroup)
	if err != nil || !enabled(sub) {
		return nil, nil
	}
	subKey, err := s.GroupKey(ctx, q, p, sub.ID)
	if err != nil || subKey == nil {
		return nil, err
	}
	defer subKey.Wipe()
	d, err := q.GetDelegation(ctx, g.ID, sub.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, vaulterr.Store("get delegation", err)
	}
	priv, err := Open(subKey, d.WrappedKey, "unwrap delegated admin key")
	if err != nil {
		return nil, err
	}
	return &crypto.KeyPair{Public: g.PublicKey, Private: priv}, nil
}

// ReachableGroups lists the enabled groups whose records apply to userID,
// ordered by id. Members of the sub-admin group also reach the admin group.
func (s *Service) ReachableGroups(ctx context.Context, q storage.Queries, userID string) ([]*models.Group, error) {
	ms, err := q.ListMembershipsByUser(ctx, userID)
	if err != nil {
		return nil, vaulterr.Store("list memberships", err)
	}
	var out []*models.Group
	seen := map[string]bool{}
	add := func(g *models.Group) {
		if enabled(g) && !seen[g.ID] {
			seen[g.ID] = true
			out = append(out, g)
		}
	}
	for _, m := range ms {
		g, err := q.GetGroup(ctx, m.GroupID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, vaulterr.Store("get group", err)
		}
		add(g)
		if g.Name == s.opts.SubAdminGroup && enabled(g) {
			admin, err := q.GetGroupByName(ctx, s.opts.AdminGroup)
			if err == nil {
				add(admin)
			}
		}
	}
	slices.SortFunc(out, func(a, b *models.Group) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// GroupMembers lists the users reaching groupID, including sub-admins for
// the admin group.
func (s *Service) GroupMembers(ctx context.Context, q storage.Queries, groupID string) ([]string, error) {
	g, err := q.GetGroup(ctx, groupID)
	if err != nil {
		return nil, vaulterr.Store("get group", err)
	}
	if !enabled(g) {
		return nil, nil
	}
	ms, err := q.ListMembershipsByGroup(ctx, g.ID)
	if err != nil {
		return nil, vaulterr.Store("list members", err)
	}
	var out []string
	for _, m := range ms {
		out = append(out, m.UserID)
	}
	if g.Name == s.opts.AdminGroup {
		sub, err := q.GetGroupByName(ctx, s.opts.SubAdminGroup)
		if err == nil && enabled(sub) {
			subs, err := q.ListMembershipsByGroup(ctx, sub.ID)
			if err != nil {
				return nil, vaulterr.Store("list members", err)
			}
			for _, m := range subs {
				if !slices.Contains(out, m.UserID) {
					out = append(out, m.UserID)
				}
			}
		}
	}
	slices.Sort(out)
	return out, nil
}

// IsAdmin reports whether userID belongs to the admin or sub-admin group.
func (s *Service) IsAdmin(ctx context.Context, q storage.Queries, userID string) (bool, error) {
	admin, sub, err := s.AdminGroups(ctx, q)
	if err != nil {
		return false, err
	}
	for _, g := range []*models.Group{admin, sub} {
		if !enabled(g) {
			continue
		}
		_, err := q.GetMembership(ctx, userID, g.ID)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return false, vaulterr.Store("get membership", err)
		}
	}
	return false, nil
}

// AdminKey returns the admin group key pair for p, or a security violation
// when p holds no admin rank.
func (s *Service) AdminKey(ctx context.Context, q storage.Queries, p *Principal) (*crypto.KeyPair, error) {
	admin, _, err := s.AdminGroups(ctx, q)
	if err != nil {
		return nil, err
	}
	kp, err := s.GroupKey(ctx, q, p, admin.ID)
	if err != nil {
		return nil, err
	}
	if kp == nil {
		return nil, vaulterr.Security("administrator rights required")
	}
	return kp, nil
}

// groupPrivate opens g's private key for p, through membership or, failing
// that, through the admin recovery copy.
func (s *Service) groupPrivate(ctx context.Context, q storage.Queries, p *Principal, g *models.Group) (*crypto.KeyPair, error) {
	kp, err := s.GroupKey(ctx, q, p, g.ID)
	if err != nil || kp != nil {
		return kp, err
	}
	if len(g.KeyByAdmin) == 0 {
		return nil, vaulterr.Security("group key for %q is not reachable", g.Name)
	}
	adminKey, err := s.AdminKey(ctx, q, p)
	if err != nil {
		return nil, err
	}
	defer adminKey.Wipe()
	priv, err := Open(adminKey, g.KeyByAdmin, "recover group key")
	if err != nil {
		return nil, err
	}
	return &crypto.KeyPair{Public: g.PublicKey, Private: priv}, nil
}
