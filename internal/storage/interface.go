package storage

import (
	"context"
	"time"

	"github.com/org/pwsafe/internal/vaulterr"
	"github.com/org/pwsafe/pkg/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = vaulterr.ErrNotFound

// ErrAlreadyExists is returned when a create collides with an existing record.
var ErrAlreadyExists = vaulterr.ErrConflict

// Backend is a transactional record store.
//
// View runs fn against a consistent read-only snapshot. InTx runs fn inside a
// transaction that commits when fn returns nil and rolls back otherwise,
// including on panic; no intermediate state is visible to other callers.
type Backend interface {
	View(ctx context.Context, fn func(q Queries) error) error
	InTx(ctx context.Context, fn func(q Queries) error) error
	Close()
}

// Queries are the record operations available inside View and InTx.
type Queries interface {
	// Vault initialization
	InitVault(ctx context.Context, data *models.InitData) error
	GetInitData(ctx context.Context) (*models.InitData, error)

	// Users
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByLogin(ctx context.Context, login string) (*models.User, error)
	UpdateUser(ctx context.Context, u *models.User) error
	ListUsers(ctx context.Context) ([]*models.User, error)

	// Groups
	CreateGroup(ctx context.Context, g *models.Group) error
	GetGroup(ctx context.Context, id string) (*models.Group, error)
	GetGroupByName(ctx context.Context, name string) (*models.Group, error)
	UpdateGroup(ctx context.Context, g *models.Group) error
	ListGroups(ctx context.Context) ([]*models.Group, error)

	// Memberships and delegations
	PutMembership(ctx context.Context, m *models.Membership) error
	GetMembership(ctx context.Context, userID, groupID string) (*models.Membership, error)
	DeleteMembership(ctx context.Context, userID, groupID string) error
	ListMembershipsByUser(ctx context.Context, userID string) ([]*models.Membership, error)
	ListMembershipsByGroup(ctx context.Context, groupID string) ([]*models.Membership, error)
	PutDelegation(ctx context.Context, d *models.GroupDelegation) error
	GetDelegation(ctx context.Context, groupID, viaGroupID string) (*models.GroupDelegation, error)

	// Capability records
	CreateCapability(ctx context.Context, c *models.CapabilityRecord) error
	GetCapability(ctx context.Context, itemID string, actor models.Actor) (*models.CapabilityRecord, error)
	DeleteCapability(ctx context.Context, itemID string, actor models.Actor) error
	ListCapabilitiesByItem(ctx context.Context, itemID string) ([]*models.CapabilityRecord, error)
	ListCapabilitiesByActor(ctx context.Context, actor models.Actor) ([]*models.CapabilityRecord, error)

	// Items and history
	CreateItem(ctx context.Context, it *models.Item) error
	GetItem(ctx context.Context, id string) (*models.Item, error)
	UpdateItem(ctx context.Context, it *models.Item) error
	DeleteItem(ctx context.Context, id string) error
	ListItemsExpiringBefore(ctx context.Context, t time.Time) ([]*models.Item, error)
	AppendHistory(ctx context.Context, h *models.HistoryEntry) error
	ListHistory(ctx context.Context, itemID string) ([]*models.HistoryEntry, error)
	LatestHistoryAt(ctx context.Context, itemID string, t time.Time) (*models.HistoryEntry, error)

	// Hierarchy
	CreateNode(ctx context.Context, n *models.Node) error
	GetNode(ctx context.Context, id string) (*models.Node, error)
	UpdateNode(ctx context.Context, n *models.Node) error
	DeleteNode(ctx context.Context, id string) error
	ListChildren(ctx context.Context, parentID string) ([]*models.Node, error)
	ListNodesByItem(ctx context.Context, itemID string) ([]*models.Node, error)
	GetUserContainer(ctx context.Context, ownerID string) (*models.Node, error)
	PutRule(ctx context.Context, r *models.NodeRule) error
	DeleteRule(ctx context.Context, nodeID string, actor models.Actor) error
	ListRules(ctx context.Context, nodeID string) ([]*models.NodeRule, error)
	PutDefault(ctx context.Context, d *models.PermissionDefault) error
	DeleteDefault(ctx context.Context, nodeID string, actor models.Actor) error
	ListDefaults(ctx context.Context, nodeID string) ([]*models.PermissionDefault, error)

	// Restricted access requests
	CreateRequest(ctx context.Context, r *models.AccessRequest) error
	GetRequest(ctx context.Context, id string) (*models.AccessRequest, error)
	UpdateRequest(ctx context.Context, r *models.AccessRequest) error
	ListRequests(ctx context.Context, filter RequestFilter) ([]*models.AccessRequest, error)
	PutApproverEntry(ctx context.Context, e *models.ApproverEntry) error
	ListApproverEntries(ctx context.Context, requestID string) ([]*models.ApproverEntry, error)
	ListApproverEntriesByUser(ctx context.Context, userID string) ([]*models.ApproverEntry, error)

	// Restriction policies
	PutRestrictionPolicy(ctx context.Context, p *models.RestrictionPolicy) error
	GetRestrictionPolicy(ctx context.Context, id string) (*models.RestrictionPolicy, error)
	DeleteRestrictionPolicy(ctx context.Context, id string) error
	ListRestrictionPolicies(ctx context.Context) ([]*models.RestrictionPolicy, error)

	// Configuration
	GetConfigValue(ctx context.Context, key string) (string, error)
	SetConfigValue(ctx context.Context, key, value string) error

	// Audit
	AppendAudit(ctx context.Context, e *models.AuditEvent) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]*models.AuditEvent, error)
}

// AuditFilter specifies query parameters for audit log retrieval.
type AuditFilter struct {
	ActorID string
	ItemID  string
	Since   *time.Time
	Limit   int
	Offset  int
}

// RequestFilter narrows ListRequests. Empty fields match everything.
type RequestFilter struct {
	ItemID      string
	RequesterID string
}
