// Package policy evaluates password restriction policies.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/org/pwsafe/internal/actor"
	"github.com/org/pwsafe/internal/audit"
	"github.com/org/pwsafe/internal/storage"
	"github.com/org/pwsafe/internal/vaulterr"
	"github.com/org/pwsafe/pkg/models"
)

// PolicyGetter is the minimal interface Check needs from storage.
type PolicyGetter interface {
	GetRestrictionPolicy(ctx context.Context, id string) (*models.RestrictionPolicy, error)
}

// Engine stores restriction policies and checks secret values against them.
type Engine struct {
	db     storage.Backend
	actors *actor.Service
	audit  *audit.Logger
}

// NewEngine creates a new policy Engine.
func NewEngine(db storage.Backend, actors *actor.Service, auditLog *audit.Logger) *Engine {
	return &Engine{db: db, actors: actors, audit: auditLog}
}

// Check fails with a workflow violation when password does not satisfy the
// policy policyID. An empty policyID always passes.
func Check(ctx context.Context, store PolicyGetter, policyID, password string) error {
	if policyID == "" {
		return nil
	}
	pol, err := store.GetRestrictionPolicy(ctx, policyID)
	if errors.Is(err, storage.ErrNotFound) {
		return vaulterr.NotFound("restriction policy", policyID)
	}
	if err != nil {
		return vaulterr.Store("get restriction policy", err)
	}
	if v := Violations(pol, password); len(v) > 0 {
		return vaulterr.Workflow("restriction", "restriction not satisfied: %s", strings.Join(v, "; "))
	}
	return nil
}

// Violations lists every rule of pol that password breaks.
func Violations(pol *models.RestrictionPolicy, password string) []string {
	var lower, upper, digits, special int
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower++
		case unicode.IsUpper(r):
			upper++
		case unicode.IsDigit(r):
			digits++
		case !unicode.IsSpace(r):
			special++
		}
	}
	n := utf8.RuneCountInString(password)

	var out []string
	if pol.MinLength > 0 && n < pol.MinLength {
		out = append(out, fmt.Sprintf("at least %d characters", pol.MinLength))
	}
	if pol.MaxLength > 0 && n > pol.MaxLength {
		out = append(out, fmt.Sprintf("at most %d characters", pol.MaxLength))
	}
	for _, c := range []struct {
		have, want int
		what       string
	}{
		{lower, pol.MinLower, "lowercase letters"},
		{upper, pol.MinUpper, "uppercase letters"},
		{digits, pol.MinDigits, "digits"},
		{special, pol.MinSpecial, "special characters"},
	} {
		if c.have < c.want {
			out = append(out, fmt.Sprintf("at least %d %s", c.want, c.what))
		}
	}
	return out
}

func validate(pol *models.RestrictionPolicy) error {
	if strings.TrimSpace(pol.Name) == "" {
		return vaulterr.Workflow("save restriction policy", "name is required")
	}
	for _, n := range []int{pol.MinLength, pol.MaxLength, pol.MinLower, pol.MinUpper, pol.MinDigits, pol.MinSpecial} {
		if n < 0 {
			return vaulterr.Workflow("save restriction policy", "limits cannot be negative")
		}
	}
	if pol.MaxLength > 0 && pol.MaxLength < pol.MinLength {
		return vaulterr.Workflow("save restriction policy", "max length is below min length")
	}
	if pol.MaxLength > 0 && pol.MinLower+pol.MinUpper+pol.MinDigits+pol.MinSpecial > pol.MaxLength {
		return vaulterr.Workflow("save restriction policy", "character minimums exceed max length")
	}
	return nil
}

// Save creates or replaces a policy. A blank ID creates a new one.
func (e *Engine) Save(ctx context.Context, by *actor.Principal, pol *models.RestrictionPolicy) (*models.RestrictionPolicy, error) {
	if err := validate(pol); err != nil {
		return nil, err
	}
	saved := *pol
	if saved.ID == "" {
		saved.ID = uuid.NewString()
	}
	err := e.db.InTx(ctx, func(q storage.Queries) error {
		if err := e.actors.RequireAdmin(ctx, q, by); err != nil {
			return err
		}
		if err := q.PutRestrictionPolicy(ctx, &saved); err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				return vaulterr.Conflict("restriction policy %q already exists", saved.Name)
			}
			return vaulterr.Store("put restriction policy", err)
		}
		return e.audit.Record(ctx, q, audit.Event(models.LevelInfo, by.ID(), "", "restriction policy %s saved", saved.Name))
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

// Get returns a policy.
func (e *Engine) Get(ctx context.Context, id string) (*models.RestrictionPolicy, error) {
	var pol *models.RestrictionPolicy
	err := e.db.View(ctx, func(q storage.Queries) error {
		var err error
		pol, err = q.GetRestrictionPolicy(ctx, id)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, vaulterr.NotFound("restriction policy", id)
	}
	return pol, vaulterr.Store("get restriction policy", err)
}

// List returns every policy.
func (e *Engine) List(ctx context.Context) ([]*models.RestrictionPolicy, error) {
	var out []*models.RestrictionPolicy
	err := e.db.View(ctx, func(q storage.Queries) error {
		var err error
		out, err = q.ListRestrictionPolicies(ctx)
		return err
	})
	return out, vaulterr.Store("list restriction policies", err)
}

// Delete removes a policy.
func (e *Engine) Delete(ctx context.Context, by *actor.Principal, id string) error {
	return e.db.InTx(ctx, func(q storage.Queries) error {
		if err := e.actors.RequireAdmin(ctx, q, by); err != nil {
			return err
		}
		if err := q.DeleteRestrictionPolicy(ctx, id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return vaulterr.NotFound("restriction policy", id)
			}
			return vaulterr.Store("delete restriction policy", err)
		}
		return e.audit.Record(ctx, q, audit.Event(models.LevelInfo, by.ID(), "", "restriction policy %s deleted", id))
	})
}
