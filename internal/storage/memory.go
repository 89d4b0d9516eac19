package storage

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/org/pwsafe/pkg/models"
)

var errReadOnly = errors.New("write attempted in read-only view")

type memberKey struct{ user, group string }
type delegationKey struct{ group, via string }
type actorKey struct {
	scope string
	typ   models.ActorType
	id    string
}
type approverKey struct{ request, user string }

type memState struct {
	init        *models.InitData
	users       *table[string, models.User]
	groups      *table[string, models.Group]
	memberships *table[memberKey, models.Membership]
	delegations *table[delegationKey, models.GroupDelegation]
	caps        *table[actorKey, models.CapabilityRecord]
	items       *table[string, models.Item]
	history     []models.HistoryEntry
	historySeq  int64
	nodes       *table[string, models.Node]
	rules       *table[actorKey, models.NodeRule]
	defaults    *table[actorKey, models.PermissionDefault]
	requests    *table[string, models.AccessRequest]
	approvers   *table[approverKey, models.ApproverEntry]
	policies    *table[string, models.RestrictionPolicy]
	config      *table[string, string]
	audit       []models.AuditEvent
}

func newMemState() *memState {
	s := &memState{
		users:       newTable[string, models.User](),
		groups:      newTable[string, models.Group](),
		memberships: newTable[memberKey, models.Membership](),
		delegations: newTable[delegationKey, models.GroupDelegation](),
		caps:        newTable[actorKey, models.CapabilityRecord](),
		items:       newTable[string, models.Item](),
		nodes:       newTable[string, models.Node](),
		rules:       newTable[actorKey, models.NodeRule](),
		defaults:    newTable[actorKey, models.PermissionDefault](),
		requests:    newTable[string, models.AccessRequest](),
		approvers:   newTable[approverKey, models.ApproverEntry](),
		policies:    newTable[string, models.RestrictionPolicy](),
		config:      newTable[string, string](),
	}
	s.nodes.put(models.RootNodeID, models.Node{ID: models.RootNodeID, Type: models.NodeContainer})
	return s
}

func (s *memState) clone() *memState {
	c := *s
	if s.init != nil {
		in := *s.init
		c.init = &in
	}
	c.users = s.users.clone()
	c.groups = s.groups.clone()
	c.memberships = s.memberships.clone()
	c.delegations = s.delegations.clone()
	c.caps = s.caps.clone()
	c.items = s.items.clone()
	c.history = slices.Clone(s.history)
	c.nodes = s.nodes.clone()
	c.rules = s.rules.clone()
	c.defaults = s.defaults.clone()
	c.requests = s.requests.clone()
	c.approvers = s.approvers.clone()
	c.policies = s.policies.clone()
	c.config = s.config.clone()
	c.audit = slices.Clone(s.audit)
	return &c
}

// MemoryBackend keeps every record in process memory. A transaction works on
// a private copy of the state which replaces the shared state on commit, so
// readers never see a partial transaction. Writers are serialized; readers,
// including a View opened while a transaction runs, see the last commit.
type MemoryBackend struct {
	writer sync.Mutex
	mu     sync.RWMutex
	state  *memState
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{state: newMemState()}
}

func (m *MemoryBackend) View(ctx context.Context, fn func(q Queries) error) error {
	m.mu.RLock()
	state := m.state
	m.mu.RUnlock()
	return fn(&memQueries{s: state, readOnly: true})
}

func (m *MemoryBackend) InTx(ctx context.Context, fn func(q Queries) error) error {
	m.writer.Lock()
	defer m.writer.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	work := m.state.clone()
	m.mu.RUnlock()
	if err := fn(&memQueries{s: work}); err != nil {
		return err
	}
	m.mu.Lock()
	m.state = work
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Close() {}

type memQueries struct {
	s        *memState
	readOnly bool
}

func (q *memQueries) writable() error {
	if q.readOnly {
		return errReadOnly
	}
	return nil
}

func actorKeyOf(scope string, a models.Actor) actorKey {
	return actorKey{scope: scope, typ: a.Type, id: a.ID}
}

// --- Vault init ---

func (q *memQueries) InitVault(_ context.Context, data *models.InitData) error {
	if err := q.writable(); err != nil {
		return err
	}
	if q.s.init != nil {
		return ErrAlreadyExists
	}
	d := *data
	q.s.init = &d
	return nil
}

func (q *memQueries) GetInitData(_ context.Context) (*models.InitData, error) {
	if q.s.init == nil {
		return nil, ErrNotFound
	}
	d := *q.s.init
	return &d, nil
}

// --- Users ---

func (q *memQueries) CreateUser(_ context.Context, u *models.User) error {
	if err := q.writable(); err != nil {
		return err
	}
	if _, ok := q.s.users.find(func(x models.User) bool { return strings.EqualFold(x.Login, u.Login) }); ok {
		return ErrAlreadyExists
	}
	return q.s.users.insert(u.ID, *u)
}

func (q *memQueries) GetUser(_ context.Context, id string) (*models.User, error) {
	return q.s.users.get(id)
}

func (q *memQueries) GetUserByLogin(_ context.Context, login string) (*models.User, error) {
	u, ok := q.s.users.find(func(x models.User) bool { return strings.EqualFold(x.Login, login) })
	if !ok {
		return nil, ErrNotFound
	}
	return u, nil
}

func (q *memQueries) UpdateUser(_ context.Context, u *models.User) error {
	if err := q.writable(); err != nil {
		return err
	}
	return q.s.users.update(u.ID, *u)
}

func (q *memQueries) ListUsers(_ context.Context) ([]*models.User, error) {
	return q.s.users.filter(nil, func(a, b *models.User) int { return cmp.Compare(a.Login, b.Login) }), nil
}

// --- Groups ---

func (q *memQueries) CreateGroup(_ context.Context, g *models.Group) error {
	if err := q.writable(); err != nil {
		return err
	}
	if _, ok := q.s.groups.find(func(x models.Group) bool { return x.Name == g.Name }); ok {
		return ErrAlreadyExists
	}
	return q.s.groups.insert(g.ID, *g)
}

func (q *memQueries) GetGroup(_ context.Context, id string) (*models.Group, error) {
	return q.s.groups.get(id)
}

func (q *memQueries) GetGroupByName(_ context.Context, name string) (*models.Group, error) {
	g, ok := q.s.groups.find(func(x models.Group) bool { return x.Name == name })
	if !ok {
		return nil, ErrNotFound
	}
	return g, nil
}

func (q *memQueries) UpdateGroup(_ context.Context, g *models.Group) error {
	if err := q.writable(); err != nil {
		return err
	}
	return q.s.groups.update(g.ID, *g)
}

func (q *memQueries) ListGroups(_ context.Context) ([]*models.Group, error) {
	return q.s.groups.filter(nil, func(a, b *models.Group) int { return cmp.Compare(a.Name, b.Name) }), nil
}

// --- Memberships ---

func (q *memQueries) PutMembership(_ context.Context, m *models.Membership) error {
	if err := q.writable(); err != nil {
		return err
	}
	q.s.memberships.put(memberKey{m.UserID, m.GroupID}, *m)
	return nil
}

func (q *memQueries) GetMembership(_ context.Context, userID, groupID string) (*models.Membership, error) {
	return q.s.memberships.get(memberKey{userID, groupID})
}

func (q *memQueries) DeleteMembership(_ context.Context, userID, groupID string) error {
	if err := q.writable(); err != nil {
		return err
	}
	if !q.s.memberships.delete(memberKey{userID, groupID}) {
		return ErrNotFound
	}
	return nil
}

func (q *memQueries) ListMembershipsByUser(_ context.Context, userID string) ([]*models.Membership, error) {
	return q.s.memberships.filter(
		func(m models.Membership) bool { return m.UserID == userID },
		func(a, b *models.Membership) int { return cmp.Compare(a.GroupID, b.GroupID) },
	), nil
}

func (q *memQueries) ListMembershipsByGroup(_ context.Context, groupID string) ([]*models.Membership, error) {
	return q.s.memberships.filter(
		func(m models.Membership) bool { return m.GroupID == groupID },
		func(a, b *models.Membership) int { return cmp.Compare(a.UserID, b.UserID) },
	), nil
}

func (q *memQueries) PutDelegation(_ context.Context, d *models.GroupDelegation) error {
	if err := q.writable(); err != nil {
		return err
	}
	q.s.delegations.put(delegationKey{d.GroupID, d.ViaGroupID}, *d)
	return nil
}

func (q *memQueries) GetDelegation(_ context.Context, groupID, viaGroupID string) (*models.GroupDelegation, error) {
	return q.s.delegations.get(delegationKey{groupID, viaGroupID})
}

// --- Capabilities ---

func (q *memQueries) CreateCapability(_ context.Context, c *models.CapabilityRecord) error {
	if err := q.writable(); err != nil {
		return err
	}
	return q.s.caps.insert(actorKeyOf(c.ItemID, models.Actor{Type: c.ActorType, ID: c.ActorID}), *c)
}

func (q *memQueries) GetCapability(_ context.Context, itemID string, actor models.Actor) (*models.CapabilityRecord, error) {
	return q.s.caps.get(actorKeyOf(itemID, actor))
}

func (q *memQueries) DeleteCapability(_ context.Context, itemID string, actor models.Actor) error {
	if err := q.writable(); err != nil {
		return err
	}
	q.s.caps.delete(actorKeyOf(itemID, actor))
	return nil
}

func compareCaps(a, b *models.CapabilityRecord) int {
	return cmp.Or(
		cmp.Compare(a.ItemID, b.ItemID),
		cmp.Compare(a.ActorType, b.ActorType),
		cmp.Compare(a.ActorID, b.ActorID),
	)
}

func (q *memQueries) ListCapabilitiesByItem(_ context.Context, itemID string) ([]*models.CapabilityRecord, error) {
	return q.s.caps.filter(func(c models.CapabilityRecord) bool { return c.ItemID == itemID }, compareCaps), nil
}

func (q *memQueries) ListCapabilitiesByActor(_ context.Context, actor models.Actor) ([]*models.CapabilityRecord, error) {
	return q.s.caps.filter(func(c models.CapabilityRecord) bool {
		return c.ActorType == actor.Type && c.ActorID == actor.ID
	}, compareCaps), nil
}

// --- Items ---

func (q *memQueries) CreateItem(_ context.Context, it *models.Item) error {
	if err := q.writable(); err != nil {
		return err
	}
	return q.s.items.insert(it.ID, *it)
}

func (q *memQueries) GetItem(_ context.Context, id string) (*models.Item, error) {
	return q.s.items.get(id)
}

func (q *memQueries) UpdateItem(_ context.Context, it *models.Item) error {
	if err := q.writable(); err != nil {
		return err
	}
	return q.s.items.update(it.ID, *it)
}

// DeleteItem removes the item together with its capability records and
// history and access requests, matching the cascading foreign keys of the SQL schema.
func (q *memQueries) DeleteItem(_ context.Context, id string) error {
	if err := q.writable(); err != nil {
		return err
	}
	if !q.s.items.delete(id) {
		return ErrNotFound
	}
	q.s.caps.deleteWhere(func(c models.CapabilityRecord) bool { return c.ItemID == id })
	for _, r := range q.s.requests.filter(func(r models.AccessRequest) bool { return r.ItemID == id }, nil) {
		q.s.requests.delete(r.ID)
		q.s.approvers.deleteWhere(func(e models.ApproverEntry) bool { return e.RequestID == r.ID })
	}
	q.s.history = slices.DeleteFunc(q.s.history, func(h models.HistoryEntry) bool { return h.ItemID == id })
	return nil
}

func (q *memQueries) ListItemsExpiringBefore(_ context.Context, t time.Time) ([]*models.Item, error) {
	return q.s.items.filter(
		func(it models.Item) bool { return it.ExpiresAt != nil && it.ExpiresAt.Before(t) },
		func(a, b *models.Item) int { return a.ExpiresAt.Compare(*b.ExpiresAt) },
	), nil
}

// --- History ---

func (q *memQueries) AppendHistory(_ context.Context, h *models.HistoryEntry) error {
	if err := q.writable(); err != nil {
		return err
	}
	q.s.historySeq++
	h.ID = q.s.historySeq
	q.s.history = append(q.s.history, *h)
	return nil
}

func (q *memQueries) ListHistory(_ context.Context, itemID string) ([]*models.HistoryEntry, error) {
	var out []*models.HistoryEntry
	for _, h := range q.s.history {
		if h.ItemID == itemID {
			out = append(out, &h)
		}
	}
	slices.SortStableFunc(out, func(a, b *models.HistoryEntry) int {
		return cmp.Or(a.Timestamp.Compare(b.Timestamp), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (q *memQueries) LatestHistoryAt(ctx context.Context, itemID string, t time.Time) (*models.HistoryEntry, error) {
	all, _ := q.ListHistory(ctx, itemID)
	var found *models.HistoryEntry
	for _, h := range all {
		if h.Timestamp.After(t) {
			break
		}
		found = h
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// --- Hierarchy ---

func (q *memQueries) siblingExists(n *models.Node) bool {
	_, ok := q.s.nodes.find(func(x models.Node) bool {
		return x.ID != n.ID && x.ParentID == n.ParentID && x.Name == n.Name
	})
	return ok
}

func (q *memQueries) CreateNode(_ context.Context, n *models.Node) error {
	if err := q.writable(); err != nil {
		return err
	}
	if q.siblingExists(n) {
		return ErrAlreadyExists
	}
	return q.s.nodes.insert(n.ID, *n)
}

func (q *memQueries) GetNode(_ context.Context, id string) (*models.Node, error) {
	return q.s.nodes.get(id)
}

func (q *memQueries) UpdateNode(_ context.Context, n *models.Node) error {
	if err := q.writable(); err != nil {
		return err
	}
	if q.siblingExists(n) {
		return ErrAlreadyExists
	}
	return q.s.nodes.update(n.ID, *n)
}

func (q *memQueries) DeleteNode(_ context.Context, id string) error {
	if err := q.writable(); err != nil {
		return err
	}
	if !q.s.nodes.delete(id) {
		return ErrNotFound
	}
	q.s.rules.deleteWhere(func(r models.NodeRule) bool { return r.NodeID == id })
	q.s.defaults.deleteWhere(func(d models.PermissionDefault) bool { return d.NodeID == id })
	return nil
}

func compareNodes(a, b *models.Node) int {
	return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
}

func (q *memQueries) ListChildren(_ context.Context, parentID string) ([]*models.Node, error) {
	return q.s.nodes.filter(func(n models.Node) bool { return n.ParentID == parentID && n.ID != parentID }, compareNodes), nil
}

func (q *memQueries) ListNodesByItem(_ context.Context, itemID string) ([]*models.Node, error) {
	return q.s.nodes.filter(func(n models.Node) bool { return n.Type == models.NodeObject && n.ItemID == itemID }, compareNodes), nil
}

func (q *memQueries) GetUserContainer(_ context.Context, ownerID string) (*models.Node, error) {
	n, ok := q.s.nodes.find(func(x models.Node) bool { return x.Type == models.NodeUserContainer && x.OwnerID == ownerID })
	if !ok {
		return nil, ErrNotFound
	}
	return n, nil
}

func (q *memQueries) PutRule(_ context.Context, r *models.NodeRule) error {
	if err := q.writable(); err != nil {
		return err
	}
	q.s.rules.put(actorKeyOf(r.NodeID, models.Actor{Type: r.ActorType, ID: r.ActorID}), *r)
	return nil
}

func (q *memQueries) DeleteRule(_ context.Context, nodeID string, actor models.Actor) error {
	if err := q.writable(); err != nil {
		return err
	}
	q.s.rules.delete(actorKeyOf(nodeID, actor))
	return nil
}

func (q *memQueries) ListRules(_ context.Context, nodeID string) ([]*models.NodeRule, error) {
	return q.s.rules.filter(func(r models.NodeRule) bool { return r.NodeID == nodeID }, func(a, b *models.NodeRule) int {
		return cmp.Or(cmp.Compare(a.ActorType, b.ActorType), cmp.Compare(a.ActorID, b.ActorID))
	}), nil
}

func (q *memQueries) PutDefault(_ context.Context, d *models.PermissionDefault) error {
	if err := q.writable(); err != nil {
		return err
	}
	q.s.defaults.put(actorKeyOf(d.NodeID, models.Actor{Type: d.ActorType, ID: d.ActorID}), *d)
	return nil
}

func (q *memQueries) DeleteDefault(_ context.Context, nodeID string, actor models.Actor) error {
	if err := q.writable(); err != nil {
		return err
	}
	q.s.defaults.delete(actorKeyOf(nodeID, actor))
	return nil
}

func (q *memQueries) ListDefaults(_ context.Context, nodeID string) ([]*models.PermissionDefault, error) {
	return q.s.defaults.filter(func(d models.PermissionDefault) bool { return d.NodeID == nodeID }, func(a, b *models.PermissionDefault) int {
		return cmp.Or(cmp.Compare(a.ActorType, b.ActorType), cmp.Compare(a.ActorID, b.ActorID))
	}), nil
}

// --- Restricted access requests ---

func (q *memQueries) CreateRequest(_ context.Context, r *models.AccessRequest) error {
	if err := q.writable(); err != nil {
		return err
	}
	return q.s.requests.insert(r.ID, *r)
}

func (q *memQueries) GetRequest(_ context.Context, id string) (*models.AccessRequest, error) {
	return q.s.requests.get(id)
}

func (q *memQueries) UpdateRequest(_ context.Context, r *models.AccessRequest) error {
	if err := q.writable(); err != nil {
		return err
	}
	return q.s.requests.update(r.ID, *r)
}

func (q *memQueries) ListRequests(_ context.Context, f RequestFilter) ([]*models.AccessRequest, error) {
	return q.s.requests.filter(func(r models.AccessRequest) bool {
		return (f.ItemID == "" || r.ItemID == f.ItemID) && (f.RequesterID == "" || r.RequesterID == f.RequesterID)
	}, func(a, b *models.AccessRequest) int {
		return cmp.Or(a.RequestedAt.Compare(b.RequestedAt), cmp.Compare(a.ID, b.ID))
	}), nil
}

func (q *memQueries) PutApproverEntry(_ context.Context, e *models.ApproverEntry) error {
	if err := q.writable(); err != nil {
		return err
	}
	if _, err := q.s.requests.get(e.RequestID); err != nil {
		return fmt.Errorf("approver entry for unknown request: %w", err)
	}
	q.s.approvers.put(approverKey{e.RequestID, e.UserID}, *e)
	return nil
}

func compareApprovers(a, b *models.ApproverEntry) int {
	return cmp.Or(cmp.Compare(a.RequestID, b.RequestID), cmp.Compare(a.UserID, b.UserID))
}

func (q *memQueries) ListApproverEntries(_ context.Context, requestID string) ([]*models.ApproverEntry, error) {
	return q.s.approvers.filter(func(e models.ApproverEntry) bool { return e.RequestID == requestID }, compareApprovers), nil
}

func (q *memQueries) ListApproverEntriesByUser(_ context.Context, userID string) ([]*models.ApproverEntry, error) {
	return q.s.approvers.filter(func(e models.ApproverEntry) bool { return e.UserID == userID }, compareApprovers), nil
}

// --- Restriction policies ---

func (q *memQueries) PutRestrictionPolicy(_ context.Context, p *models.RestrictionPolicy) error {
	if err := q.writable(); err != nil {
		return err
	}
	if _, ok := q.s.policies.find(func(x models.RestrictionPolicy) bool { return x.ID != p.ID && x.Name == p.Name }); ok {
		return ErrAlreadyExists
	}
	q.s.policies.put(p.ID, *p)
	return nil
}

func (q *memQueries) GetRestrictionPolicy(_ context.Context, id string) (*models.RestrictionPolicy, error) {
	return q.s.policies.get(id)
}

func (q *memQueries) DeleteRestrictionPolicy(_ context.Context, id string) error {
	if err := q.writable(); err != nil {
		return err
	}
	if !q.s.policies.delete(id) {
		return ErrNotFound
	}
	return nil
}

func (q *memQueries) ListRestrictionPolicies(_ context.Context) ([]*models.RestrictionPolicy, error) {
	return q.s.policies.filter(nil, func(a, b *models.RestrictionPolicy) int { return cmp.Compare(a.Name, b.Name) }), nil
}

// --- Configuration ---

func (q *memQueries) GetConfigValue(_ context.Context, key string) (string, error) {
	v, err := q.s.config.get(key)
	if err != nil {
		return "", err
	}
	return *v, nil
}

func (q *memQueries) SetConfigValue(_ context.Context, key, value string) error {
	if err := q.writable(); err != nil {
		return err
	}
	q.s.config.put(key, value)
	return nil
}

// --- Audit ---

func (q *memQueries) AppendAudit(_ context.Context, e *models.AuditEvent) error {
	if err := q.writable(); err != nil {
		return err
	}
	e.ID = int64(len(q.s.audit) + 1)
	q.s.audit = append(q.s.audit, *e)
	return nil
}

func (q *memQueries) QueryAudit(_ context.Context, f AuditFilter) ([]*models.AuditEvent, error) {
	var out []*models.AuditEvent
	for i := len(q.s.audit) - 1; i >= 0; i-- {
		e := q.s.audit[i]
		if f.ActorID != "" && e.ActorID != f.ActorID {
			continue
		}
		if f.ItemID != "" && e.ItemID != f.ItemID {
			continue
		}
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		out = append(out, &e)
	}
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
