package models

import "time"

// Vote is an approver's decision on a restricted access request.
type Vote string

const (
	VotePending Vote = "pending"
	VoteApprove Vote = "approve"
	VoteBlock   Vote = "block"
)

// Valid reports whether v is a known vote.
func (v Vote) Valid() bool {
	return v == VotePending || v == VoteApprove || v == VoteBlock
}

// AccessRequest is a break-glass request for temporary read access. The
// thresholds are copied from the item when the request is created.
type AccessRequest struct {
	ID                string
	ItemID            string
	RequesterID       string
	Reason            string
	ApproversRequired int
	BlockersRequired  int
	RequestedAt       time.Time
	ViewedAt          *time.Time
}

// ApproverEntry is one approver's vote. An approve vote carries the
// approver's read key sealed to the requester.
type ApproverEntry struct {
	RequestID  string
	UserID     string
	Vote       Vote
	GrantedKey []byte
	VotedAt    *time.Time
}
