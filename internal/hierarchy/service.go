// Package hierarchy arranges items in a folder tree. Nodes carry allow/deny
// rules deciding who may browse them and permission defaults applied to
// items created beneath them. The tree never grants item access itself; that
// remains with the capability records.
package hierarchy

import (
	"context"
	"errors"
	"strings"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/org/pwsafe/internal/actor"
	"github.com/org/pwsafe/internal/audit"
	"github.com/org/pwsafe/internal/capability"
	"github.com/org/pwsafe/internal/config"
	"github.com/org/pwsafe/internal/secret"
	"github.com/org/pwsafe/internal/storage"
	"github.com/org/pwsafe/internal/vaulterr"
	"github.com/org/pwsafe/pkg/models"
)

// Service manages the node tree.
type Service struct {
	db     storage.Backend
	actors *actor.Service
	caps   *capability.Store
	items  *secret.Store
	audit  *audit.Logger
	cfg    *config.Store
	clock  quartz.Clock
}

// NewService creates a hierarchy Service.
func NewService(db storage.Backend, actors *actor.Service, caps *capability.Store, items *secret.Store, auditLog *audit.Logger, cfg *config.Store, clock quartz.Clock) *Service {
	return &Service{db: db, actors: actors, caps: caps, items: items, audit: auditLog, cfg: cfg, clock: clock}
}

func getNode(ctx context.Context, q storage.Queries, id string) (*models.Node, error) {
	n, err := q.GetNode(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, vaulterr.NotFound("node", id)
	}
	return n, vaulterr.Store("get node", err)
}

func (s *Service) container(ctx context.Context, q storage.Queries, id string) (*models.Node, error) {
	n, err := getNode(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if n.Type == models.NodeObject {
		return nil, vaulterr.Workflow("hierarchy", "node %q is not a container", id)
	}
	return n, nil
}

func (s *Service) createNode(ctx context.Context, q storage.Queries, n *models.Node) error {
	n.Name = strings.TrimSpace(n.Name)
	if n.Name == "" {
		return vaulterr.Workflow("create node", "name is required")
	}
	if strings.Contains(n.Name, "/") {
		return vaulterr.Workflow("create node", "name cannot contain '/'")
	}
	n.ID = uuid.NewString()
	n.CreatedAt = s.clock.Now().UTC()
	if err := q.CreateNode(ctx, n); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return vaulterr.Conflict("%q already exists here", n.Name)
		}
		return vaulterr.Store("create node", err)
	}
	return nil
}

// CreateContainer creates a folder beneath parentID.
func (s *Service) CreateContainer(ctx context.Context, p *actor.Principal, parentID, name string) (*models.Node, error) {
	set := s.settings(ctx)
	var n *models.Node
	err := s.db.InTx(ctx, func(q storage.Queries) error {
		parent, err := s.container(ctx, q, parentID)
		if err != nil {
			return err
		}
		if err := s.requireAccess(ctx, q, p, parent, set); err != nil {
			return err
		}
		n = &models.Node{Name: name, ParentID: parent.ID, Type: models.NodeContainer}
		if err := s.createNode(ctx, q, n); err != nil {
			return err
		}
		return s.audit.Record(ctx, q, audit.Event(models.LevelInfo, p.ID(), "", "container %s created", n.Name))
	})
	return n, err
}

// UserContainer returns p's personal root, creating it on first use.
func (s *Service) UserContainer(ctx context.Context, p *actor.Principal) (*models.Node, error) {
	var n *models.Node
	err := s.db.InTx(ctx, func(q storage.Queries) error {
		var err error
		n, err = q.GetUserContainer(ctx, p.ID())
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return vaulterr.Store("get user container", err)
		}
		n = &models.Node{Name: "~" + p.User.Login, ParentID: models.RootNodeID, Type: models.NodeUserContainer, OwnerID: p.ID()}
		return s.createNode(ctx, q, n)
	})
	return n, err
}

// personal reports whether n lies inside a user container.
func personal(ctx context.Context, q storage.Queries, n *models.Node) (bool, error) {
	chain, err := path(ctx, q, n)
	if err != nil {
		return false, err
	}
	for _, a := range chain {
		if a.Type == models.NodeUserContainer {
			return true, nil
		}
	}
	return false, nil
}

// AddItem creates an item beneath parentID together with its object node.
// The effective defaults of the parent are granted in the same transaction,
// followed by grants.
func (s *Service) AddItem(ctx context.Context, p *actor.Principal, parentID string, ni secret.NewItem, grants ...secret.Grant) (*models.Item, *models.Node, error) {
	set := s.settings(ctx)
	release := s.actors.Shared()
	defer release()

	var (
		it *models.Item
		n  *models.Node
	)
	err := s.db.InTx(ctx, func(q storage.Queries) error {
		parent, err := s.container(ctx, q, parentID)
		if err != nil {
			return err
		}
		if err := s.requireAccess(ctx, q, p, parent, set); err != nil {
			return err
		}
		defs, err := effectiveDefaults(ctx, q, parent)
		if err != nil {
			return err
		}
		mine, err := personal(ctx, q, parent)
		if err != nil {
			return err
		}
		if mine {
			ni.Type = models.ItemPersonal
		}
		n = &models.Node{Name: ni.Name, ParentID: parent.ID, Type: models.NodeObject}
		if it, err = s.items.CreateTx(ctx, q, p, ni, append(grantsFor(defs), grants...)...); err != nil {
			return err
		}
		n.ItemID = it.ID
		if err := s.createNode(ctx, q, n); err != nil {
			return err
		}
		it.NodeID = n.ID
		return vaulterr.Store("update item", q.UpdateItem(ctx, it))
	})
	if err != nil {
		return nil, nil, err
	}
	return it, n, nil
}

// Link places an extra reference to itemID beneath parentID. p needs read
// access to the item.
func (s *Service) Link(ctx context.Context, p *actor.Principal, parentID, itemID, name string) (*models.Node, error) {
	set := s.settings(ctx)
	var n *models.Node
	err := s.db.InTx(ctx, func(q storage.Queries) error {
		parent, err := s.container(ctx, q, parentID)
		if err != nil {
			return err
		}
		if err := s.requireAccess(ctx, q, p, parent, set); err != nil {
			return err
		}
		c, err := s.caps.ResolveEvenIfItemDisabled(ctx, q, p, itemID)
		if err != nil {
			return err
		}
		if c == nil {
			return vaulterr.Security("no access to item %q", itemID)
		}
		c.Wipe()
		if name == "" {
			it, err := q.GetItem(ctx, itemID)
			if err != nil {
				return vaulterr.Store("get item", err)
			}
			name = it.Name
		}
		n = &models.Node{Name: name, ParentID: parent.ID, Type: models.NodeObject, ItemID: itemID}
		if err := s.createNode(ctx, q, n); err != nil {
			return err
		}
		return s.audit.Record(ctx, q, audit.Event(models.LevelInfo, p.ID(), itemID, "item linked as %s", n.Name))
	})
	return n, err
}

// Get returns a node p may access.
func (s *Service) Get(ctx context.Context, p *actor.Principal, id string) (*models.Node, error) {
	set := s.settings(ctx)
	var n *models.Node
	err := s.db.View(ctx, func(q storage.Queries) error {
		var err error
		if n, err = getNode(ctx, q, id); err != nil {
			return err
		}
		return s.requireAccess(ctx, q, p, n, set)
	})
	return n, err
}

// Children lists the children of nodeID that p may access.
func (s *Service) Children(ctx context.Context, p *actor.Principal, nodeID string) ([]*models.Node, error) {
	set := s.settings(ctx)
	var out []*models.Node
	err := s.db.View(ctx, func(q storage.Queries) error {
		n, err := getNode(ctx, q, nodeID)
		if err != nil {
			return err
		}
		if err := s.requireAccess(ctx, q, p, n, set); err != nil {
			return err
		}
		children, err := q.ListChildren(ctx, n.ID)
		if err != nil {
			return vaulterr.Store("list children", err)
		}
		for _, c := range children {
			ok, err := s.canAccess(ctx, q, p, c, set)
			if err != nil {
				return err
			}
			if ok {
				out = append(out, c)
			}
		}
		return nil
	})
	return out, err
}

// Rename changes a node's name.
func (s *Service) Rename(ctx context.Context, p *actor.Principal, id, name string) (*models.Node, error) {
	set := s.settings(ctx)
	var n *models.Node
	err := s.db.InTx(ctx, func(q storage.Queries) error {
		var err error
		if n, err = getNode(ctx, q, id); err != nil {
			return err
		}
		if n.ID == models.RootNodeID {
			return vaulterr.Workflow("rename", "the root cannot be renamed")
		}
		if err := s.requireAccess(ctx, q, p, n, set); err != nil {
			return err
		}
		return s.updateNode(ctx, q, p, n, func() { n.Name = strings.TrimSpace(name) })
	})
	return n, err
}

// Move re-parents a node. A node cannot move beneath itself.
func (s *Service) Move(ctx context.Context, p *actor.Principal, id, newParentID string) (*models.Node, error) {
	set := s.settings(ctx)
	var n *models.Node
	err := s.db.InTx(ctx, func(q storage.Queries) error {
		var err error
		if n, err = getNode(ctx, q, id); err != nil {
			return err
		}
		if n.ID == models.RootNodeID || n.Type == models.NodeUserContainer {
			return vaulterr.Workflow("move", "node %q cannot be moved", id)
		}
		parent, err := s.container(ctx, q, newParentID)
		if err != nil {
			return err
		}
		chain, err := path(ctx, q, parent)
		if err != nil {
			return err
		}
		for _, a := range chain {
			if a.ID == n.ID {
				return vaulterr.Workflow("move", "a node cannot move beneath itself")
			}
		}
		if err := s.requireAccess(ctx, q, p, n, set); err != nil {
			return err
		}
		if err := s.requireAccess(ctx, q, p, parent, set); err != nil {
			return err
		}
		return s.updateNode(ctx, q, p, n, func() { n.ParentID = parent.ID })
	})
	return n, err
}

func (s *Service) updateNode(ctx context.Context, q storage.Queries, p *actor.Principal, n *models.Node, change func()) error {
	change()
	if n.Name == "" || strings.Contains(n.Name, "/") {
		return vaulterr.Workflow("update node", "invalid name %q", n.Name)
	}
	if err := q.UpdateNode(ctx, n); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return vaulterr.Conflict("%q already exists here", n.Name)
		}
		return vaulterr.Store("update node", err)
	}
	return s.audit.Record(ctx, q, audit.Event(models.LevelInfo, p.ID(), n.ItemID, "node %s updated", n.Name))
}

// Delete removes a node and everything beneath it, depth first, in one
// transaction. An item is deleted with its last referencing node, which
// requires modify access to it; otherwise only the reference goes.
func (s *Service) Delete(ctx context.Context, p *actor.Principal, id string) error {
	set := s.settings(ctx)
	release := s.actors.Shared()
	defer release()

	return s.db.InTx(ctx, func(q storage.Queries) error {
		n, err := getNode(ctx, q, id)
		if err != nil {
			return err
		}
		if n.ID == models.RootNodeID {
			return vaulterr.Workflow("delete", "the root cannot be deleted")
		}
		if err := s.requireAccess(ctx, q, p, n, set); err != nil {
			return err
		}
		return s.deleteTree(ctx, q, p, n)
	})
}

func (s *Service) deleteTree(ctx context.Context, q storage.Queries, p *actor.Principal, n *models.Node) error {
	children, err := q.ListChildren(ctx, n.ID)
	if err != nil {
		return vaulterr.Store("list children", err)
	}
	for _, c := range children {
		if err := s.deleteTree(ctx, q, p, c); err != nil {
			return err
		}
	}
	if err := q.DeleteNode(ctx, n.ID); err != nil {
		return vaulterr.Store("delete node", err)
	}
	if n.Type != models.NodeObject {
		return nil
	}
	refs, err := q.ListNodesByItem(ctx, n.ItemID)
	if err != nil {
		return vaulterr.Store("list nodes", err)
	}
	if len(refs) > 0 {
		return nil
	}
	err = s.items.DeleteTx(ctx, q, p, n.ItemID)
	if errors.Is(err, vaulterr.ErrNotFound) {
		return nil
	}
	return err
}
