package hierarchy

import (
	"cmp"
	"context"
	"slices"

	"github.com/org/pwsafe/internal/actor"
	"github.com/org/pwsafe/internal/audit"
	"github.com/org/pwsafe/internal/secret"
	"github.com/org/pwsafe/internal/storage"
	"github.com/org/pwsafe/internal/vaulterr"
	"github.com/org/pwsafe/pkg/models"
)

// effectiveDefaults walks from n to the root. The nearest entry for an actor
// wins, PermNone included; PermNone entries are dropped from the result.
func effectiveDefaults(ctx context.Context, q storage.Queries, n *models.Node) ([]*models.PermissionDefault, error) {
	chain, err := path(ctx, q, n)
	if err != nil {
		return nil, err
	}
	seen := map[models.Actor]bool{}
	var out []*models.PermissionDefault
	for _, a := range chain {
		defs, err := q.ListDefaults(ctx, a.ID)
		if err != nil {
			return nil, vaulterr.Store("list defaults", err)
		}
		for _, d := range defs {
			key := models.Actor{Type: d.ActorType, ID: d.ActorID}
			if seen[key] {
				continue
			}
			seen[key] = true
			if d.Permission != models.PermNone {
				out = append(out, d)
			}
		}
	}
	slices.SortFunc(out, func(a, b *models.PermissionDefault) int {
		return cmp.Or(cmp.Compare(a.ActorType, b.ActorType), cmp.Compare(a.ActorID, b.ActorID))
	})
	return out, nil
}

func grantsFor(defs []*models.PermissionDefault) []secret.Grant {
	out := make([]secret.Grant, 0, len(defs))
	for _, d := range defs {
		out = append(out, secret.Grant{
			Actor:      models.Actor{Type: d.ActorType, ID: d.ActorID},
			Permission: d.Permission,
		})
	}
	return out
}

// EffectiveDefaults returns the permissions an item created under nodeID
// would receive.
func (s *Service) EffectiveDefaults(ctx context.Context, nodeID string) ([]*models.PermissionDefault, error) {
	var out []*models.PermissionDefault
	err := s.db.View(ctx, func(q storage.Queries) error {
		n, err := getNode(ctx, q, nodeID)
		if err != nil {
			return err
		}
		out, err = effectiveDefaults(ctx, q, n)
		return err
	})
	return out, err
}

// SetDefault records the permission a receives on items created beneath
// nodeID. PermNone overrides a default inherited from further up.
func (s *Service) SetDefault(ctx context.Context, by *actor.Principal, nodeID string, a models.Actor, perm models.Permission) error {
	if !a.Type.Valid() {
		return vaulterr.Workflow("set default", "unknown actor type %q", a.Type)
	}
	return s.db.InTx(ctx, func(q storage.Queries) error {
		if err := s.actors.RequireAdmin(ctx, q, by); err != nil {
			return err
		}
		if _, err := getNode(ctx, q, nodeID); err != nil {
			return err
		}
		err := q.PutDefault(ctx, &models.PermissionDefault{NodeID: nodeID, ActorType: a.Type, ActorID: a.ID, Permission: perm})
		if err != nil {
			return vaulterr.Store("put default", err)
		}
		return s.audit.Record(ctx, q, audit.Event(models.LevelInfo, by.ID(), "",
			"node %s default for %s %s: %s", nodeID, a.Type, a.ID, perm))
	})
}

// ClearDefault removes a's default at nodeID.
func (s *Service) ClearDefault(ctx context.Context, by *actor.Principal, nodeID string, a models.Actor) error {
	return s.db.InTx(ctx, func(q storage.Queries) error {
		if err := s.actors.RequireAdmin(ctx, q, by); err != nil {
			return err
		}
		if err := q.DeleteDefault(ctx, nodeID, a); err != nil {
			return vaulterr.Store("delete default", err)
		}
		return s.audit.Record(ctx, q, audit.Event(models.LevelInfo, by.ID(), "",
			"node %s default for %s %s cleared", nodeID, a.Type, a.ID))
	})
}
