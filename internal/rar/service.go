package rar

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/org/pwsafe/internal/actor"
	"github.com/org/pwsafe/internal/audit"
	"github.com/org/pwsafe/internal/capability"
	"github.com/org/pwsafe/internal/config"
	"github.com/org/pwsafe/internal/crypto"
	"github.com/org/pwsafe/internal/secret"
	"github.com/org/pwsafe/internal/storage"
	"github.com/org/pwsafe/internal/vaulterr"
	"github.com/org/pwsafe/pkg/models"
)

var votesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "pwsafe_rar_votes_total",
	Help: "Votes cast on restricted access requests.",
}, []string{"vote"})

func init() {
	prometheus.MustRegister(votesTotal)
}

// Request is a request with its votes and derived state.
type Request struct {
	models.AccessRequest
	Approvers []*models.ApproverEntry
	State     State
	Approves  int
	Blocks    int
}

// Service runs the request workflow.
type Service struct {
	db     storage.Backend
	actors *actor.Service
	caps   *capability.Store
	audit  *audit.Logger
	cfg    *config.Store
	clock  quartz.Clock
}

// NewService creates a request Service.
func NewService(db storage.Backend, actors *actor.Service, caps *capability.Store, auditLog *audit.Logger, cfg *config.Store, clock quartz.Clock) *Service {
	return &Service{db: db, actors: actors, caps: caps, audit: auditLog, cfg: cfg, clock: clock}
}

func (s *Service) lifetime(ctx context.Context) time.Duration {
	return s.cfg.Duration(ctx, config.KeyRARLifetime)
}

func (s *Service) load(ctx context.Context, q storage.Queries, id string, now time.Time, lifetime time.Duration) (*Request, error) {
	r, err := q.GetRequest(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, vaulterr.NotFound("request", id)
	}
	if err != nil {
		return nil, vaulterr.Store("get request", err)
	}
	entries, err := q.ListApproverEntries(ctx, id)
	if err != nil {
		return nil, vaulterr.Store("list approvers", err)
	}
	return derive(r, entries, now, lifetime), nil
}

func derive(r *models.AccessRequest, entries []*models.ApproverEntry, now time.Time, lifetime time.Duration) *Request {
	approves, blocks := Tally(entries)
	return &Request{
		AccessRequest: *r,
		Approvers:     entries,
		State:         Evaluate(r, entries, now, lifetime),
		Approves:      approves,
		Blocks:        blocks,
	}
}

func (r *Request) entry(userID string) *models.ApproverEntry {
	for _, e := range r.Approvers {
		if e.UserID == userID {
			return e
		}
	}
	return nil
}

// approvers lists the enabled users holding modify access to itemID, either
// through their own record or through an enabled group.
func (s *Service) approvers(ctx context.Context, q storage.Queries, itemID string) ([]string, error) {
	recs, err := q.ListCapabilitiesByItem(ctx, itemID)
	if err != nil {
		return nil, vaulterr.Store("list capabilities", err)
	}
	var ids []string
	for _, rec := range recs {
		if rec.Permission() != models.PermModify {
			continue
		}
		switch rec.ActorType {
		case models.ActorUser:
			ids = append(ids, rec.ActorID)
		case models.ActorGroup:
			members, err := s.actors.GroupMembers(ctx, q, rec.ActorID)
			if err != nil {
				return nil, err
			}
			ids = append(ids, members...)
		}
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	out := ids[:0]
	for _, id := range ids {
		u, err := q.GetUser(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, vaulterr.Store("get user", err)
		}
		if u.Enabled {
			out = append(out, id)
		}
	}
	return out, nil
}

// Create opens a request by p for itemID. ignoreUserID, when set, is left
// off the approver list.
func (s *Service) Create(ctx context.Context, p *actor.Principal, itemID, reason, ignoreUserID string) (*Request, error) {
	lifetime := s.lifetime(ctx)
	var out *Request
	var ev *models.AuditEvent
	err := s.db.InTx(ctx, func(q storage.Queries) error {
		it, err := q.GetItem(ctx, itemID)
		if errors.Is(err, storage.ErrNotFound) {
			return vaulterr.NotFound("item", itemID)
		}
		if err != nil {
			return vaulterr.Store("get item", err)
		}
		if !it.RestrictedAccess.Enabled {
			return vaulterr.Workflow("create request", "item %q does not accept access requests", it.Name)
		}
		if !it.Enabled {
			return vaulterr.Workflow("create request", "item %q is disabled", it.Name)
		}

		now := s.clock.Now().UTC()
		existing, err := q.ListRequests(ctx, storage.RequestFilter{ItemID: itemID, RequesterID: p.ID()})
		if err != nil {
			return vaulterr.Store("list requests", err)
		}
		for _, r := range existing {
			if Valid(r, now, lifetime) {
				return vaulterr.Conflict("a request for %q is already open", it.Name)
			}
		}

		ids, err := s.approvers(ctx, q, itemID)
		if err != nil {
			return err
		}
		ids = slices.DeleteFunc(ids, func(id string) bool { return id == p.ID() || id == ignoreUserID })
		if len(ids) < it.RestrictedAccess.ApproversRequired {
			return vaulterr.Workflow("create request", "item %q has %d possible approvers, %d required",
				it.Name, len(ids), it.RestrictedAccess.ApproversRequired)
		}

		r := &models.AccessRequest{
			ID:                uuid.NewString(),
			ItemID:            itemID,
			RequesterID:       p.ID(),
			Reason:            strings.TrimSpace(reason),
			ApproversRequired: it.RestrictedAccess.ApproversRequired,
			BlockersRequired:  it.RestrictedAccess.BlockersRequired,
			RequestedAt:       now,
		}
		if err := q.CreateRequest(ctx, r); err != nil {
			return vaulterr.Store("create request", err)
		}
		entries := make([]*models.ApproverEntry, 0, len(ids))
		for _, id := range ids {
			e := &models.ApproverEntry{RequestID: r.ID, UserID: id, Vote: models.VotePending}
			if err := q.PutApproverEntry(ctx, e); err != nil {
				return vaulterr.Store("put approver entry", err)
			}
			entries = append(entries, e)
		}
		out = derive(r, entries, now, lifetime)

		ev = audit.Event(models.LevelSecurity, p.ID(), itemID, "access to %s requested: %s", it.Name, r.Reason)
		ev.Notify = true
		return s.audit.Record(ctx, q, ev)
	})
	if err != nil {
		return nil, err
	}
	s.audit.Notify(ctx, ev)
	return out, nil
}

// Inspect returns a request to its requester or one of its approvers. The
// viewed timestamp is refreshed only while the request is pending, so a
// decided request still ends with its lifetime.
func (s *Service) Inspect(ctx context.Context, p *actor.Principal, id string) (*Request, error) {
	lifetime := s.lifetime(ctx)
	var out *Request
	err := s.db.InTx(ctx, func(q storage.Queries) error {
		now := s.clock.Now().UTC()
		r, err := s.load(ctx, q, id, now, lifetime)
		if err != nil {
			return err
		}
		if r.RequesterID != p.ID() && r.entry(p.ID()) == nil {
			return vaulterr.Security("not a party to request %q", id)
		}
		if r.State == Pending {
			r.ViewedAt = &now
			if err := q.UpdateRequest(ctx, &r.AccessRequest); err != nil {
				return vaulterr.Store("update request", err)
			}
		}
		out = r
		return nil
	})
	return out, err
}

// Vote records p's decision. Repeating the current vote changes nothing. An
// approval escrows p's read key for the requester; any other vote drops it.
func (s *Service) Vote(ctx context.Context, p *actor.Principal, id string, vote models.Vote) (*Request, error) {
	if vote != models.VoteApprove && vote != models.VoteBlock {
		return nil, vaulterr.Workflow("vote", "vote must be approve or block")
	}
	lifetime := s.lifetime(ctx)
	var (
		out *Request
		ev  *models.AuditEvent
	)
	err := s.db.InTx(ctx, func(q storage.Queries) error {
		now := s.clock.Now().UTC()
		r, err := s.load(ctx, q, id, now, lifetime)
		if err != nil {
			return err
		}
		e := r.entry(p.ID())
		if e == nil {
			return vaulterr.Security("not an approver of request %q", id)
		}
		if r.State == Expired {
			return vaulterr.Workflow("vote", "request %q has expired", id)
		}
		if e.Vote == vote {
			out = r
			return nil
		}

		e.Vote = vote
		e.VotedAt = &now
		crypto.Zero(e.GrantedKey)
		e.GrantedKey = nil
		if vote == models.VoteApprove {
			if e.GrantedKey, err = s.escrow(ctx, q, p, r); err != nil {
				return err
			}
		}
		if err := q.PutApproverEntry(ctx, e); err != nil {
			return vaulterr.Store("put approver entry", err)
		}
		out = derive(&r.AccessRequest, r.Approvers, now, lifetime)

		ev = audit.Event(models.LevelSecurity, p.ID(), r.ItemID, "request %s: %s voted %s, now %s", r.ID, p.User.Login, vote, out.State)
		ev.Notify = out.State != r.State
		return s.audit.Record(ctx, q, ev)
	})
	if err != nil {
		return nil, err
	}
	if ev != nil {
		votesTotal.WithLabelValues(string(vote)).Inc()
		s.audit.Notify(ctx, ev)
	}
	return out, nil
}

// escrow seals p's read key of the requested item to the requester.
func (s *Service) escrow(ctx context.Context, q storage.Queries, p *actor.Principal, r *Request) ([]byte, error) {
	c, err := s.caps.ResolveEvenIfItemDisabled(ctx, q, p, r.ItemID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, vaulterr.Security("approver no longer holds access to the item")
	}
	defer c.Wipe()
	requester, err := q.GetUser(ctx, r.RequesterID)
	if err != nil {
		return nil, vaulterr.Store("get requester", err)
	}
	sealed, err := crypto.SealTo(requester.PublicKey, c.ReadKey)
	if err != nil {
		return nil, vaulterr.Integrity("escrow read key", err)
	}
	return sealed, nil
}

// ReadItem decrypts the requested item for its requester while the request
// is approved. The capability used is scoped to this call and never stored.
func (s *Service) ReadItem(ctx context.Context, p *actor.Principal, id string) (*models.Item, *models.Payload, error) {
	lifetime := s.lifetime(ctx)
	var (
		it  *models.Item
		pay *models.Payload
		ev  *models.AuditEvent
	)
	err := s.db.View(ctx, func(q storage.Queries) error {
		r, err := s.load(ctx, q, id, s.clock.Now().UTC(), lifetime)
		if err != nil {
			return err
		}
		if r.RequesterID != p.ID() {
			return vaulterr.Security("only the requester may read through request %q", id)
		}
		if r.State != Approved {
			return vaulterr.Workflow("read item", "request %q is %s", id, r.State)
		}
		if it, err = q.GetItem(ctx, r.ItemID); err != nil {
			return vaulterr.Store("get item", err)
		}
		if !it.Enabled {
			return vaulterr.Workflow("read item", "item %q is disabled", it.Name)
		}

		c := &capability.Capability{ItemID: it.ID, Source: p.Actor(), Transient: true}
		defer c.Wipe()
		for _, e := range r.Approvers {
			if e.Vote != models.VoteApprove || len(e.GrantedKey) == 0 {
				continue
			}
			if c.ReadKey, err = actor.Open(p.Keys, e.GrantedKey, "open granted key"); err != nil {
				return err
			}
			break
		}
		if len(c.ReadKey) == 0 {
			return vaulterr.Workflow("read item", "no key was granted for request %q", id)
		}
		if pay, err = secret.Decrypt(it, c); err != nil {
			return err
		}
		ev = audit.Event(models.LevelSecurity, p.ID(), it.ID, "item %s read through request %s", it.Name, id)
		ev.Notify = it.AuditLevel == models.AuditFull
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	s.audit.Log(ctx, ev)
	return it, pay, nil
}

// PendingFor lists the pending requests where p is an approver.
func (s *Service) PendingFor(ctx context.Context, p *actor.Principal) ([]*Request, error) {
	lifetime := s.lifetime(ctx)
	var out []*Request
	err := s.db.View(ctx, func(q storage.Queries) error {
		now := s.clock.Now().UTC()
		mine, err := q.ListApproverEntriesByUser(ctx, p.ID())
		if err != nil {
			return vaulterr.Store("list approvers", err)
		}
		for _, e := range mine {
			r, err := s.load(ctx, q, e.RequestID, now, lifetime)
			if errors.Is(err, vaulterr.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if r.State == Pending {
				out = append(out, r)
			}
		}
		return nil
	})
	return out, err
}

// Mine lists the requests p has opened, newest last.
func (s *Service) Mine(ctx context.Context, p *actor.Principal) ([]*Request, error) {
	lifetime := s.lifetime(ctx)
	var out []*Request
	err := s.db.View(ctx, func(q storage.Queries) error {
		now := s.clock.Now().UTC()
		reqs, err := q.ListRequests(ctx, storage.RequestFilter{RequesterID: p.ID()})
		if err != nil {
			return vaulterr.Store("list requests", err)
		}
		for _, r := range reqs {
			entries, err := q.ListApproverEntries(ctx, r.ID)
			if err != nil {
				return vaulterr.Store("list approvers", err)
			}
			out = append(out, derive(r, entries, now, lifetime))
		}
		return nil
	})
	return out, err
}

// PurgeExpired wipes the escrowed keys of expired requests and returns how
// many were removed.
func (s *Service) PurgeExpired(ctx context.Context) (int, error) {
	lifetime := s.lifetime(ctx)
	purged := 0
	err := s.db.InTx(ctx, func(q storage.Queries) error {
		now := s.clock.Now().UTC()
		reqs, err := q.ListRequests(ctx, storage.RequestFilter{})
		if err != nil {
			return vaulterr.Store("list requests", err)
		}
		for _, r := range reqs {
			if Valid(r, now, lifetime) {
				continue
			}
			entries, err := q.ListApproverEntries(ctx, r.ID)
			if err != nil {
				return vaulterr.Store("list approvers", err)
			}
			for _, e := range entries {
				if len(e.GrantedKey) == 0 {
					continue
				}
				e.GrantedKey = nil
				if err := q.PutApproverEntry(ctx, e); err != nil {
					return vaulterr.Store("put approver entry", err)
				}
				purged++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		log.Info().Int("keys", purged).Msg("purged escrowed keys of expired requests")
	}
	return purged, nil
}
