package capability_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/org/pwsafe/internal/actor"
	"github.com/org/pwsafe/internal/capability"
	"github.com/org/pwsafe/internal/secret"
	"github.com/org/pwsafe/internal/storage"
	"github.com/org/pwsafe/internal/vaulterr"
	"github.com/org/pwsafe/internal/vaulttest"
	"github.com/org/pwsafe/pkg/models"
)

func TestUnreachableGroupKeyFallsBack(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()
	alice := env.NewUser(t, "alice")
	bob := env.NewUser(t, "bob")
	ops := env.NewGroup(t, "ops", bob)
	it := env.NewItem(t, alice, "db", "hunter2", secret.Grant{Actor: actor.GroupActor(ops.ID), Permission: models.PermRead})

	// Treating "ops" as the sub-admin group makes the admin group reachable
	// for bob, but no delegation wraps the admin key for ops.
	actors := actor.NewService(env.DB, env.Clock, env.Audit, actor.Options{SubAdminGroup: "ops", KDF: vaulttest.KDF})
	caps := capability.NewStore(actors, env.Config, env.Clock)

	err := env.DB.View(ctx, func(q storage.Queries) error {
		c, err := caps.Resolve(ctx, q, bob, it.ID)
		require.NoError(t, err)
		require.NotNil(t, c)
		defer c.Wipe()
		require.Equal(t, models.PermRead, c.Permission())
		require.Equal(t, actor.GroupActor(ops.ID), c.Source)
		return nil
	})
	require.NoError(t, err)
}

func TestReadOnlyGranter(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()
	alice := env.NewUser(t, "alice")
	bob := env.NewUser(t, "bob")
	carol := env.NewUser(t, "carol")
	it := env.NewItem(t, alice, "db", "hunter2", secret.Grant{Actor: bob.Actor(), Permission: models.PermRead})

	err := env.DB.InTx(ctx, func(q storage.Queries) error {
		c, err := env.Caps.Resolve(ctx, q, bob, it.ID)
		require.NoError(t, err)
		defer c.Wipe()

		require.ErrorIs(t, env.Caps.Grant(ctx, q, c, carol.Actor(), models.PermModify), vaulterr.ErrSecurityViolation)
		require.ErrorIs(t, env.Caps.Grant(ctx, q, c, alice.Actor(), models.PermNone), vaulterr.ErrSecurityViolation)
		require.ErrorIs(t, env.Caps.Grant(ctx, q, c, alice.Actor(), models.PermRead), vaulterr.ErrSecurityViolation)
		require.NoError(t, env.Caps.Grant(ctx, q, c, carol.Actor(), models.PermRead))
		return nil
	})
	require.NoError(t, err)

	_, pay, err := env.Items.Get(ctx, carol, it.ID)
	require.NoError(t, err)
	require.Equal(t, "hunter2", pay.Password)
	_, _, err = env.Items.Get(ctx, alice, it.ID)
	require.NoError(t, err)
}
