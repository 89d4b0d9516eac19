package api

import (
	"time"

	"github.com/org/pwsafe/internal/rar"
	"github.com/org/pwsafe/internal/secret"
	"github.com/org/pwsafe/pkg/models"
)

// The views below are the wire shapes. Key material never leaves the server.

type userView struct {
	ID           string    `json:"id"`
	Login        string    `json:"login"`
	Email        string    `json:"email,omitempty"`
	AuthSource   string    `json:"auth_source"`
	Enabled      bool      `json:"enabled"`
	FailedLogins int       `json:"failed_logins"`
	CreatedAt    time.Time `json:"created_at"`
}

func viewUser(u *models.User) userView {
	return userView{
		ID:           u.ID,
		Login:        u.Login,
		Email:        u.Email,
		AuthSource:   u.AuthSource,
		Enabled:      u.Enabled,
		FailedLogins: u.FailedLogins,
		CreatedAt:    u.CreatedAt,
	}
}

type groupView struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Status    models.GroupStatus `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
}

func viewGroup(g *models.Group) groupView {
	return groupView{ID: g.ID, Name: g.Name, Status: g.Status, CreatedAt: g.CreatedAt}
}

type itemView struct {
	ID                  string                  `json:"id"`
	Name                string                  `json:"name"`
	Type                models.ItemType         `json:"type"`
	Enabled             bool                    `json:"enabled"`
	AuditLevel          models.AuditLevel       `json:"audit_level"`
	HistoryEnabled      bool                    `json:"history_enabled"`
	RestrictionPolicyID string                  `json:"restriction_policy_id,omitempty"`
	RestrictedAccess    models.RestrictedAccess `json:"restricted_access"`
	NodeID              string                  `json:"node_id,omitempty"`
	ExpiresAt           *time.Time              `json:"expires_at,omitempty"`
	CreatedBy           string                  `json:"created_by"`
	CreatedAt           time.Time               `json:"created_at"`
	UpdatedAt           time.Time               `json:"updated_at"`
	Permission          string                  `json:"permission,omitempty"`
	Payload             *models.Payload         `json:"payload,omitempty"`
}

func viewItem(it *models.Item) itemView {
	return itemView{
		ID:                  it.ID,
		Name:                it.Name,
		Type:                it.Type,
		Enabled:             it.Enabled,
		AuditLevel:          it.AuditLevel,
		HistoryEnabled:      it.HistoryEnabled,
		RestrictionPolicyID: it.RestrictionPolicyID,
		RestrictedAccess:    it.RestrictedAccess,
		NodeID:              it.NodeID,
		ExpiresAt:           it.ExpiresAt,
		CreatedBy:           it.CreatedBy,
		CreatedAt:           it.CreatedAt,
		UpdatedAt:           it.UpdatedAt,
	}
}

type accessView struct {
	Actor      models.Actor `json:"actor"`
	Permission string       `json:"permission"`
}

func viewAccess(list []secret.Access) []accessView {
	out := make([]accessView, 0, len(list))
	for _, a := range list {
		out = append(out, accessView{Actor: a.Actor, Permission: a.Permission.String()})
	}
	return out
}

type versionView struct {
	Timestamp  time.Time       `json:"timestamp"`
	ModifiedBy string          `json:"modified_by"`
	Payload    *models.Payload `json:"payload,omitempty"`
}

func viewVersion(v secret.Version) versionView {
	return versionView{Timestamp: v.Timestamp, ModifiedBy: v.ModifiedBy, Payload: v.Payload}
}

type nodeView struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	ParentID string          `json:"parent_id,omitempty"`
	Type     models.NodeType `json:"type"`
	ItemID   string          `json:"item_id,omitempty"`
	OwnerID  string          `json:"owner_id,omitempty"`
}

func viewNode(n *models.Node) nodeView {
	return nodeView{ID: n.ID, Name: n.Name, ParentID: n.ParentID, Type: n.Type, ItemID: n.ItemID, OwnerID: n.OwnerID}
}

func viewNodes(ns []*models.Node) []nodeView {
	out := make([]nodeView, 0, len(ns))
	for _, n := range ns {
		out = append(out, viewNode(n))
	}
	return out
}

type ruleView struct {
	Actor models.Actor `json:"actor"`
	Allow bool         `json:"allow"`
}

type defaultView struct {
	NodeID     string       `json:"node_id"`
	Actor      models.Actor `json:"actor"`
	Permission string       `json:"permission"`
}

type approverView struct {
	UserID  string      `json:"user_id"`
	Vote    models.Vote `json:"vote"`
	VotedAt *time.Time  `json:"voted_at,omitempty"`
}

type requestView struct {
	ID                string         `json:"id"`
	ItemID            string         `json:"item_id"`
	RequesterID       string         `json:"requester_id"`
	Reason            string         `json:"reason"`
	ApproversRequired int            `json:"approvers_required"`
	BlockersRequired  int            `json:"blockers_required"`
	RequestedAt       time.Time      `json:"requested_at"`
	ViewedAt          *time.Time     `json:"viewed_at,omitempty"`
	State             rar.State      `json:"state"`
	Approves          int            `json:"approves"`
	Blocks            int            `json:"blocks"`
	Approvers         []approverView `json:"approvers"`
}

func viewRequest(r *rar.Request) requestView {
	v := requestView{
		ID:                r.ID,
		ItemID:            r.ItemID,
		RequesterID:       r.RequesterID,
		Reason:            r.Reason,
		ApproversRequired: r.ApproversRequired,
		BlockersRequired:  r.BlockersRequired,
		RequestedAt:       r.RequestedAt,
		ViewedAt:          r.ViewedAt,
		State:             r.State,
		Approves:          r.Approves,
		Blocks:            r.Blocks,
	}
	for _, e := range r.Approvers {
		v.Approvers = append(v.Approvers, approverView{UserID: e.UserID, Vote: e.Vote, VotedAt: e.VotedAt})
	}
	return v
}

func viewRequests(rs []*rar.Request) []requestView {
	out := make([]requestView, 0, len(rs))
	for _, r := range rs {
		out = append(out, viewRequest(r))
	}
	return out
}
