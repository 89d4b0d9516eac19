package models

import "time"

// RootNodeID is the fixed id of the hierarchy root.
const RootNodeID = "root"

// NodeType is the kind of a hierarchy node.
type NodeType string

const (
	NodeContainer     NodeType = "container"
	NodeObject        NodeType = "object"
	NodeUserContainer NodeType = "user-container"
)

// Node is an entry in the folder tree.
type Node struct {
	ID        string
	Name      string
	ParentID  string
	Type      NodeType
	ItemID    string // object nodes only
	OwnerID   string // user containers only
	CreatedAt time.Time
}

// NodeRule is an explicit allow or deny for one actor at one node.
type NodeRule struct {
	NodeID    string
	ActorType ActorType
	ActorID   string
	Allow     bool
}

// PermissionDefault is applied to items created beneath NodeID.
type PermissionDefault struct {
	NodeID     string
	ActorType  ActorType
	ActorID    string
	Permission Permission
}
