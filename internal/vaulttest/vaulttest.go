// Package vaulttest wires the vault services against an in-memory backend
// and a mock clock for tests.
package vaulttest

import (
	"context"
	"testing"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"github.com/org/pwsafe/internal/actor"
	"github.com/org/pwsafe/internal/audit"
	"github.com/org/pwsafe/internal/auth"
	"github.com/org/pwsafe/internal/capability"
	"github.com/org/pwsafe/internal/config"
	"github.com/org/pwsafe/internal/core"
	"github.com/org/pwsafe/internal/crypto"
	"github.com/org/pwsafe/internal/hierarchy"
	"github.com/org/pwsafe/internal/policy"
	"github.com/org/pwsafe/internal/rar"
	"github.com/org/pwsafe/internal/secret"
	"github.com/org/pwsafe/internal/storage"
	"github.com/org/pwsafe/pkg/models"
)

// AdminPassword is the master password of every test vault.
const AdminPassword = "correct horse battery staple"

// KDF keeps password derivation cheap in tests.
var KDF = crypto.KDFParams{Time: 1, MemoryKiB: 64, Threads: 1}

// Env is a bootstrapped vault.
type Env struct {
	DB       *storage.MemoryBackend
	Clock    *quartz.Mock
	Config   *config.Store
	Audit    *audit.Logger
	Actors   *actor.Service
	Caps     *capability.Store
	Items    *secret.Store
	Policies *policy.Engine
	Tree     *hierarchy.Service
	Requests *rar.Service
	Seal     *core.SealManager
	Shares   [][]byte
	Sources  *auth.Registry
	Logins   *auth.Service
	Admin    *actor.Principal
}

// New bootstraps a vault with an "admin" account.
func New(t testing.TB) *Env {
	t.Helper()
	ctx := context.Background()
	db := storage.NewMemoryBackend()
	clock := quartz.NewMock(t)
	cfg := config.NewStore(db, nil)
	auditLog := audit.NewLogger(db, clock, nil, cfg)
	actors := actor.NewService(db, clock, auditLog, actor.Options{KDF: KDF})
	caps := capability.NewStore(actors, cfg, clock)
	items := secret.NewStore(db, actors, caps, auditLog, clock)

	_, err := actors.Bootstrap(ctx, "admin", AdminPassword)
	require.NoError(t, err)
	admin, err := actors.Unlock(ctx, "admin", AdminPassword)
	require.NoError(t, err)

	seal := core.NewSealManager(db, clock)
	shares, err := seal.Init(ctx, 3, 2)
	require.NoError(t, err)
	sources := auth.NewRegistry()

	return &Env{
		DB:       db,
		Clock:    clock,
		Config:   cfg,
		Audit:    auditLog,
		Actors:   actors,
		Caps:     caps,
		Items:    items,
		Policies: policy.NewEngine(db, actors, auditLog),
		Tree:     hierarchy.NewService(db, actors, caps, items, auditLog, cfg, clock),
		Requests: rar.NewService(db, actors, caps, auditLog, cfg, clock),
		Seal:     seal,
		Shares:   shares,
		Sources:  sources,
		Logins:   auth.NewService(db, sources, auth.NewTokenService(seal, actors, cfg, clock), auditLog, cfg),
		Admin:    admin,
	}
}

// Password returns the password NewUser gives login.
func Password(login string) string {
	return login + "-secret"
}

// NewUser creates and unlocks an account.
func (e *Env) NewUser(t testing.TB, login string) *actor.Principal {
	t.Helper()
	ctx := context.Background()
	_, err := e.Actors.CreateUser(ctx, e.Admin, actor.NewUser{Login: login, Password: Password(login)})
	require.NoError(t, err)
	p, err := e.Actors.Unlock(ctx, login, Password(login))
	require.NoError(t, err)
	return p
}

// NewGroup creates a group holding members.
func (e *Env) NewGroup(t testing.TB, name string, members ...*actor.Principal) *models.Group {
	t.Helper()
	ctx := context.Background()
	g, err := e.Actors.CreateGroup(ctx, e.Admin, name)
	require.NoError(t, err)
	for _, m := range members {
		require.NoError(t, e.Actors.AddMember(ctx, e.Admin, g.ID, m.ID()))
	}
	return g
}

// Group looks a group up by name.
func (e *Env) Group(t testing.TB, name string) *models.Group {
	t.Helper()
	var g *models.Group
	err := e.DB.View(context.Background(), func(q storage.Queries) error {
		var err error
		g, err = q.GetGroupByName(context.Background(), name)
		return err
	})
	require.NoError(t, err)
	return g
}

// NewItem creates an item owned by p holding password.
func (e *Env) NewItem(t testing.TB, p *actor.Principal, name, password string, grants ...secret.Grant) *models.Item {
	t.Helper()
	it, err := e.Items.Create(context.Background(), p, secret.NewItem{
		Name:           name,
		Payload:        models.Payload{Username: name, Password: password},
		HistoryEnabled: true,
	}, grants...)
	require.NoError(t, err)
	return it
}
