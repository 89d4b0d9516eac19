package secret_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/org/pwsafe/internal/actor"
	"github.com/org/pwsafe/internal/secret"
	"github.com/org/pwsafe/internal/storage"
	"github.com/org/pwsafe/internal/vaulterr"
	"github.com/org/pwsafe/internal/vaulttest"
	"github.com/org/pwsafe/pkg/models"
)

func TestCreateGrantsOwnerAndAdmins(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()
	alice := env.NewUser(t, "alice")

	it := env.NewItem(t, alice, "db", "hunter2")

	access, err := env.Items.AccessList(ctx, alice, it.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []secret.Access{
		{Actor: actor.UserActor(alice.ID()), Permission: models.PermModify},
		{Actor: actor.GroupActor(env.Group(t, "admins").ID), Permission: models.PermModify},
	}, access)

	_, pay, err := env.Items.Get(ctx, alice, it.ID)
	require.NoError(t, err)
	require.Equal(t, "hunter2", pay.Password)

	_, pay, err = env.Items.Get(ctx, env.Admin, it.ID)
	require.NoError(t, err, "admins read through the admin group record")
	require.Equal(t, "hunter2", pay.Password)
}

func TestPersonalItemSkipsAdmins(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()
	alice := env.NewUser(t, "alice")

	it, err := env.Items.Create(ctx, alice, secret.NewItem{
		Name:    "mine",
		Type:    models.ItemPersonal,
		Payload: models.Payload{Password: "p"},
	})
	require.NoError(t, err)

	_, _, err = env.Items.Get(ctx, env.Admin, it.ID)
	require.ErrorIs(t, err, vaulterr.ErrSecurityViolation)
}

func TestReadGrantCannotModify(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()
	alice := env.NewUser(t, "alice")
	bob := env.NewUser(t, "bob")
	carol := env.NewUser(t, "carol")
	it := env.NewItem(t, alice, "db", "hunter2")

	_, _, err := env.Items.Get(ctx, bob, it.ID)
	require.ErrorIs(t, err, vaulterr.ErrSecurityViolation)

	require.NoError(t, env.Items.Grant(ctx, alice, it.ID, bob.Actor(), models.PermRead))
	_, pay, err := env.Items.Get(ctx, bob, it.ID)
	require.NoError(t, err)
	require.Equal(t, "hunter2", pay.Password)

	_, err = env.Items.Update(ctx, bob, it.ID, models.Payload{Password: "pwned"})
	require.ErrorIs(t, err, vaulterr.ErrSecurityViolation)

	err = env.Items.Grant(ctx, bob, it.ID, carol.Actor(), models.PermModify)
	require.ErrorIs(t, err, vaulterr.ErrSecurityViolation)

	require.NoError(t, env.Items.Grant(ctx, bob, it.ID, carol.Actor(), models.PermRead))
	_, _, err = env.Items.Get(ctx, carol, it.ID)
	require.NoError(t, err)

	require.NoError(t, env.Items.Grant(ctx, alice, it.ID, carol.Actor(), models.PermNone))
	_, _, err = env.Items.Get(ctx, carol, it.ID)
	require.ErrorIs(t, err, vaulterr.ErrSecurityViolation)
}

func TestReaderCannotChangeOtherGrants(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()
	alice := env.NewUser(t, "alice")
	bob := env.NewUser(t, "bob")
	carol := env.NewUser(t, "carol")
	it := env.NewItem(t, alice, "db", "hunter2")
	require.NoError(t, env.Items.Grant(ctx, alice, it.ID, bob.Actor(), models.PermRead))
	require.NoError(t, env.Items.Grant(ctx, alice, it.ID, carol.Actor(), models.PermRead))

	err := env.Items.Grant(ctx, bob, it.ID, alice.Actor(), models.PermNone)
	require.ErrorIs(t, err, vaulterr.ErrSecurityViolation)
	err = env.Items.Grant(ctx, bob, it.ID, alice.Actor(), models.PermRead)
	require.ErrorIs(t, err, vaulterr.ErrSecurityViolation)
	err = env.Items.Grant(ctx, bob, it.ID, carol.Actor(), models.PermNone)
	require.ErrorIs(t, err, vaulterr.ErrSecurityViolation)

	_, pay, err := env.Items.Get(ctx, carol, it.ID)
	require.NoError(t, err)
	require.Equal(t, "hunter2", pay.Password)
	_, err = env.Items.Update(ctx, alice, it.ID, models.Payload{Password: "rotated"})
	require.NoError(t, err)
	_, pay, err = env.Items.Get(ctx, alice, it.ID)
	require.NoError(t, err)
	require.Equal(t, "rotated", pay.Password)
}

func TestGroupGrant(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()
	alice := env.NewUser(t, "alice")
	bob := env.NewUser(t, "bob")
	ops := env.NewGroup(t, "ops", bob)
	it := env.NewItem(t, alice, "db", "hunter2", secret.Grant{Actor: actor.GroupActor(ops.ID), Permission: models.PermModify})

	_, err := env.Items.Update(ctx, bob, it.ID, models.Payload{Password: "rotated"})
	require.NoError(t, err)
	_, pay, err := env.Items.Get(ctx, alice, it.ID)
	require.NoError(t, err)
	require.Equal(t, "rotated", pay.Password)

	require.NoError(t, env.Actors.SetGroupStatus(ctx, env.Admin, ops.ID, models.GroupDisabled))
	_, _, err = env.Items.Get(ctx, bob, it.ID)
	require.ErrorIs(t, err, vaulterr.ErrSecurityViolation)
}

func TestPrecedence(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()
	alice := env.NewUser(t, "alice")
	bob := env.NewUser(t, "bob")
	ops := env.NewGroup(t, "ops", bob)
	it := env.NewItem(t, alice, "db", "hunter2")
	require.NoError(t, env.Items.Grant(ctx, alice, it.ID, actor.GroupActor(ops.ID), models.PermRead))
	require.NoError(t, env.Items.Grant(ctx, alice, it.ID, bob.Actor(), models.PermModify))

	resolve := func() *models.Actor {
		var src *models.Actor
		_ = env.DB.View(ctx, func(q storage.Queries) error {
			c, err := env.Caps.Resolve(ctx, q, bob, it.ID)
			require.NoError(t, err)
			require.NotNil(t, c)
			src = &c.Source
			return nil
		})
		return src
	}

	// Group records win by default, so bob only reads.
	require.Equal(t, actor.GroupActor(ops.ID), *resolve())
	_, err := env.Items.Update(ctx, bob, it.ID, models.Payload{Password: "x"})
	require.ErrorIs(t, err, vaulterr.ErrSecurityViolation)

	require.NoError(t, env.Config.Set(ctx, "access.precedence", "user"))
	require.Equal(t, bob.Actor(), *resolve())
	_, err = env.Items.Update(ctx, bob, it.ID, models.Payload{Password: "x"})
	require.NoError(t, err)
}

func TestDisabledItem(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()
	alice := env.NewUser(t, "alice")
	it := env.NewItem(t, alice, "db", "hunter2")

	require.NoError(t, env.Items.SetEnabled(ctx, alice, it.ID, false))
	_, _, err := env.Items.Get(ctx, alice, it.ID)
	require.ErrorIs(t, err, vaulterr.ErrSecurityViolation)

	info, perm, err := env.Items.Info(ctx, alice, it.ID)
	require.NoError(t, err)
	require.False(t, info.Enabled)
	require.Equal(t, models.PermModify, perm)

	require.NoError(t, env.Items.SetEnabled(ctx, alice, it.ID, true))
	_, _, err = env.Items.Get(ctx, alice, it.ID)
	require.NoError(t, err)
}

func TestRestrictionPolicy(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()
	alice := env.NewUser(t, "alice")

	pol, err := env.Policies.Save(ctx, env.Admin, &models.RestrictionPolicy{Name: "strong", MinLength: 10, MinDigits: 1})
	require.NoError(t, err)

	_, err = env.Items.Create(ctx, alice, secret.NewItem{Name: "db", RestrictionPolicyID: pol.ID, Payload: models.Payload{Password: "short"}})
	require.ErrorIs(t, err, vaulterr.ErrWorkflow)

	it, err := env.Items.Create(ctx, alice, secret.NewItem{Name: "db", RestrictionPolicyID: pol.ID, Payload: models.Payload{Password: "longenough1"}})
	require.NoError(t, err)

	_, err = env.Items.Update(ctx, alice, it.ID, models.Payload{Password: "nodigitshere"})
	require.ErrorIs(t, err, vaulterr.ErrWorkflow)

	_, err = env.Policies.Save(ctx, alice, &models.RestrictionPolicy{Name: "weak"})
	require.ErrorIs(t, err, vaulterr.ErrSecurityViolation)
}

func TestHistory(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()
	alice := env.NewUser(t, "alice")
	t0 := env.Clock.Now()
	it := env.NewItem(t, alice, "db", "v1")

	env.Clock.Advance(time.Hour).MustWait(ctx)
	_, err := env.Items.Update(ctx, alice, it.ID, models.Payload{Password: "v2"})
	require.NoError(t, err)

	env.Clock.Advance(time.Hour).MustWait(ctx)
	require.NoError(t, env.Items.SetHistoryEnabled(ctx, alice, it.ID, false))

	env.Clock.Advance(time.Hour).MustWait(ctx)
	_, err = env.Items.Update(ctx, alice, it.ID, models.Payload{Password: "v3"})
	require.NoError(t, err)

	versions, err := env.Items.History(ctx, alice, it.ID)
	require.NoError(t, err)
	require.Len(t, versions, 3, "the unlogged update leaves no entry")
	require.Equal(t, "v1", versions[0].Payload.Password)
	require.Equal(t, "v2", versions[1].Payload.Password)
	require.Nil(t, versions[2].Payload)

	v, err := env.Items.HistoryAt(ctx, alice, it.ID, t0.Add(90*time.Minute))
	require.NoError(t, err)
	require.Equal(t, "v2", v.Payload.Password)

	_, err = env.Items.HistoryAt(ctx, alice, it.ID, t0.Add(-time.Minute))
	require.ErrorIs(t, err, secret.ErrNoHistory)

	_, err = env.Items.HistoryAt(ctx, alice, it.ID, t0.Add(4*time.Hour))
	require.ErrorIs(t, err, secret.ErrNoHistory)
	require.ErrorIs(t, err, vaulterr.ErrNotFound)
}

func TestTamperedPayload(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()
	alice := env.NewUser(t, "alice")
	it := env.NewItem(t, alice, "db", "v1")

	require.NoError(t, env.DB.InTx(ctx, func(q storage.Queries) error {
		stored, err := q.GetItem(ctx, it.ID)
		require.NoError(t, err)
		stored.Ciphertext = append([]byte(nil), stored.Ciphertext...)
		stored.Ciphertext[len(stored.Ciphertext)-1] ^= 0xff
		return q.UpdateItem(ctx, stored)
	}))

	_, _, err := env.Items.Get(ctx, alice, it.ID)
	require.ErrorIs(t, err, vaulterr.ErrIntegrity)
	require.NotContains(t, err.Error(), "signature")
}

func TestReadAudit(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()
	alice := env.NewUser(t, "alice")
	it := env.NewItem(t, alice, "db", "v1")

	count := func() int {
		events, err := env.Audit.Query(ctx, storage.AuditFilter{ItemID: it.ID})
		require.NoError(t, err)
		return len(events)
	}
	before := count()
	_, _, err := env.Items.Get(ctx, alice, it.ID)
	require.NoError(t, err)
	require.Equal(t, before, count(), "audit level NONE does not log reads")

	level := models.AuditLogOnly
	_, err = env.Items.UpdateSettings(ctx, alice, it.ID, secret.Settings{AuditLevel: &level})
	require.NoError(t, err)
	before = count()
	_, _, err = env.Items.Get(ctx, alice, it.ID)
	require.NoError(t, err)
	require.Equal(t, before+1, count())
}

func TestDeleteRequiresModify(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()
	alice := env.NewUser(t, "alice")
	bob := env.NewUser(t, "bob")
	it := env.NewItem(t, alice, "db", "v1")
	require.NoError(t, env.Items.Grant(ctx, alice, it.ID, bob.Actor(), models.PermRead))

	require.ErrorIs(t, env.Items.Delete(ctx, bob, it.ID), vaulterr.ErrSecurityViolation)
	require.NoError(t, env.Items.Delete(ctx, alice, it.ID))
	_, _, err := env.Items.Get(ctx, alice, it.ID)
	require.ErrorIs(t, err, vaulterr.ErrNotFound)
}

func TestDeleteWaitsForRotation(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()
	alice := env.NewUser(t, "alice")
	it := env.NewItem(t, alice, "db", "v1")

	release := env.Actors.Exclusive()
	done := make(chan error, 1)
	go func() { done <- env.Items.Delete(ctx, alice, it.ID) }()

	select {
	case err := <-done:
		release()
		t.Fatalf("delete finished during rotation: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	release()
	require.NoError(t, <-done)
}

func TestExpiringBefore(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()
	alice := env.NewUser(t, "alice")
	soon := env.Clock.Now().Add(24 * time.Hour)

	_, err := env.Items.Create(ctx, alice, secret.NewItem{Name: "cert", ExpiresAt: &soon, Payload: models.Payload{Password: "x"}})
	require.NoError(t, err)
	env.NewItem(t, alice, "db", "v1")

	items, err := env.Items.ExpiringBefore(ctx, env.Clock.Now().Add(48*time.Hour))
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "cert", items[0].Name)
}

func TestExportDotEnv(t *testing.T) {
	t.Parallel()
	out := secret.ExportDotEnv(&models.Payload{
		Username:     "svc",
		Password:     "a b",
		CustomFields: map[string]string{"HOST": "db.local"},
	})
	require.Equal(t, "HOST=db.local\nPASSWORD=\"a b\"\nUSERNAME=svc\n", out)
}
