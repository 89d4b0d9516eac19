// Package rar runs restricted access requests: a user without access asks
// for a one-off read of an item and the item's managers vote on it.
package rar

import (
	"time"

	"github.com/org/pwsafe/pkg/models"
)

// State is the derived status of a request. It is never stored.
type State string

const (
	Pending  State = "pending"
	Approved State = "approved"
	Blocked  State = "blocked"
	Expired  State = "expired"
)

// Valid reports whether r is still within its lifetime, counted from the
// request or from its last viewing.
func Valid(r *models.AccessRequest, now time.Time, lifetime time.Duration) bool {
	if now.Sub(r.RequestedAt) < lifetime {
		return true
	}
	return r.ViewedAt != nil && now.Sub(*r.ViewedAt) < lifetime
}

// Tally counts the votes in entries.
func Tally(entries []*models.ApproverEntry) (approves, blocks int) {
	for _, e := range entries {
		switch e.Vote {
		case models.VoteApprove:
			approves++
		case models.VoteBlock:
			blocks++
		}
	}
	return approves, blocks
}

// Evaluate derives the state of r at now. Blocking wins over approval.
func Evaluate(r *models.AccessRequest, entries []*models.ApproverEntry, now time.Time, lifetime time.Duration) State {
	if !Valid(r, now, lifetime) {
		return Expired
	}
	approves, blocks := Tally(entries)
	switch {
	case r.BlockersRequired > 0 && blocks >= r.BlockersRequired:
		return Blocked
	case approves >= r.ApproversRequired:
		return Approved
	}
	return Pending
}
