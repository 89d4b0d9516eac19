package hierarchy

import (
	"context"
	"errors"

	"github.com/org/pwsafe/internal/actor"
	"github.com/org/pwsafe/internal/audit"
	"github.com/org/pwsafe/internal/config"
	"github.com/org/pwsafe/internal/storage"
	"github.com/org/pwsafe/internal/vaulterr"
	"github.com/org/pwsafe/pkg/models"
)

// decision is the outcome of the rules at one node.
type decision int

const (
	undecided decision = iota
	allowed
	denied
)

// ruleAt applies the rules of one node: a rule naming the user beats every
// group rule, and among group rules any allow beats any deny.
func ruleAt(rules []*models.NodeRule, userID string, groups map[string]bool) decision {
	groupDecision := undecided
	for _, r := range rules {
		switch r.ActorType {
		case models.ActorUser:
			if r.ActorID == userID {
				if r.Allow {
					return allowed
				}
				return denied
			}
		case models.ActorGroup:
			if !groups[r.ActorID] {
				continue
			}
			if r.Allow {
				groupDecision = allowed
			} else if groupDecision == undecided {
				groupDecision = denied
			}
		}
	}
	return groupDecision
}

// accessSettings are the configuration values access checks depend on.
type accessSettings struct {
	recursive    bool
	defaultAllow bool
}

func (s *Service) settings(ctx context.Context) accessSettings {
	return accessSettings{
		recursive:    s.cfg.Bool(ctx, config.KeyRecursiveRules),
		defaultAllow: s.cfg.String(ctx, config.KeyDefaultRule) != "deny",
	}
}

// path returns n and its ancestors, nearest first, ending at the root.
func path(ctx context.Context, q storage.Queries, n *models.Node) ([]*models.Node, error) {
	out := []*models.Node{n}
	seen := map[string]bool{n.ID: true}
	for cur := n; cur.ID != models.RootNodeID; {
		parent, err := q.GetNode(ctx, cur.ParentID)
		if err != nil {
			return nil, vaulterr.Store("get node", err)
		}
		if seen[parent.ID] {
			return nil, vaulterr.Integrity("walk hierarchy", errors.New("cycle in node tree"))
		}
		seen[parent.ID] = true
		out = append(out, parent)
		cur = parent
	}
	return out, nil
}

func (s *Service) canAccess(ctx context.Context, q storage.Queries, p *actor.Principal, n *models.Node, set accessSettings) (bool, error) {
	if n.ID == models.RootNodeID {
		return true, nil
	}
	chain, err := path(ctx, q, n)
	if err != nil {
		return false, err
	}

	admin, err := s.actors.IsAdmin(ctx, q, p.ID())
	if err != nil {
		return false, err
	}
	for _, a := range chain {
		if a.Type == models.NodeUserContainer && a.OwnerID != p.ID() && !admin {
			return false, nil
		}
	}

	reachable, err := s.actors.ReachableGroups(ctx, q, p.ID())
	if err != nil {
		return false, err
	}
	groups := make(map[string]bool, len(reachable))
	for _, g := range reachable {
		groups[g.ID] = true
	}

	for i, a := range chain {
		if i > 0 && !set.recursive {
			break
		}
		rules, err := q.ListRules(ctx, a.ID)
		if err != nil {
			return false, vaulterr.Store("list rules", err)
		}
		switch ruleAt(rules, p.ID(), groups) {
		case allowed:
			return true, nil
		case denied:
			return false, nil
		}
	}
	return set.defaultAllow, nil
}

func (s *Service) requireAccess(ctx context.Context, q storage.Queries, p *actor.Principal, n *models.Node, set accessSettings) error {
	ok, err := s.canAccess(ctx, q, p, n, set)
	if err != nil {
		return err
	}
	if !ok {
		return vaulterr.Security("no access to node %q", n.ID)
	}
	return nil
}

// CanAccess reports whether p may see and use nodeID.
func (s *Service) CanAccess(ctx context.Context, p *actor.Principal, nodeID string) (bool, error) {
	set := s.settings(ctx)
	var ok bool
	err := s.db.View(ctx, func(q storage.Queries) error {
		n, err := getNode(ctx, q, nodeID)
		if err != nil {
			return err
		}
		ok, err = s.canAccess(ctx, q, p, n, set)
		return err
	})
	return ok, err
}

// SetRule places an allow or deny for a at nodeID. Only administrators may
// change rules.
func (s *Service) SetRule(ctx context.Context, by *actor.Principal, nodeID string, a models.Actor, allow bool) error {
	if !a.Type.Valid() {
		return vaulterr.Workflow("set rule", "unknown actor type %q", a.Type)
	}
	return s.db.InTx(ctx, func(q storage.Queries) error {
		if err := s.actors.RequireAdmin(ctx, q, by); err != nil {
			return err
		}
		if _, err := getNode(ctx, q, nodeID); err != nil {
			return err
		}
		err := q.PutRule(ctx, &models.NodeRule{NodeID: nodeID, ActorType: a.Type, ActorID: a.ID, Allow: allow})
		if err != nil {
			return vaulterr.Store("put rule", err)
		}
		return s.audit.Record(ctx, q, audit.Event(models.LevelSecurity, by.ID(), "",
			"node %s rule for %s %s: allow=%t", nodeID, a.Type, a.ID, allow))
	})
}

// ClearRule removes a's rule at nodeID.
func (s *Service) ClearRule(ctx context.Context, by *actor.Principal, nodeID string, a models.Actor) error {
	return s.db.InTx(ctx, func(q storage.Queries) error {
		if err := s.actors.RequireAdmin(ctx, q, by); err != nil {
			return err
		}
		if err := q.DeleteRule(ctx, nodeID, a); err != nil {
			return vaulterr.Store("delete rule", err)
		}
		return s.audit.Record(ctx, q, audit.Event(models.LevelSecurity, by.ID(), "",
			"node %s rule for %s %s cleared", nodeID, a.Type, a.ID))
	})
}

// Rules lists the rules placed at nodeID.
func (s *Service) Rules(ctx context.Context, nodeID string) ([]*models.NodeRule, error) {
	var out []*models.NodeRule
	err := s.db.View(ctx, func(q storage.Queries) error {
		var err error
		out, err = q.ListRules(ctx, nodeID)
		return err
	})
	return out, vaulterr.Store("list rules", err)
}
