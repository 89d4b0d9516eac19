package actor_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/org/pwsafe/internal/actor"
	"github.com/org/pwsafe/internal/storage"
	"github.com/org/pwsafe/internal/vaulterr"
	"github.com/org/pwsafe/internal/vaulttest"
	"github.com/org/pwsafe/pkg/models"
)

func TestBootstrapOnce(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()

	ok, err := env.Actors.Bootstrapped(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = env.Actors.Bootstrap(ctx, "other", "pw")
	require.ErrorIs(t, err, vaulterr.ErrConflict)
}

func TestUnlockWrongPassword(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)

	_, err := env.Actors.Unlock(context.Background(), "admin", "nope")
	require.ErrorIs(t, err, vaulterr.ErrIntegrity)

	_, err = env.Actors.Unlock(context.Background(), "ghost", "nope")
	require.ErrorIs(t, err, vaulterr.ErrNotFound)
}

func TestCreateUserRequiresAdmin(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	alice := env.NewUser(t, "alice")

	_, err := env.Actors.CreateUser(context.Background(), alice, actor.NewUser{Login: "bob", Password: "x"})
	require.ErrorIs(t, err, vaulterr.ErrSecurityViolation)

	_, err = env.Actors.CreateUser(context.Background(), env.Admin, actor.NewUser{Login: "ALICE", Password: "x"})
	require.ErrorIs(t, err, vaulterr.ErrConflict)
}

func TestGroupKeyThroughMembership(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()
	alice := env.NewUser(t, "alice")
	bob := env.NewUser(t, "bob")
	ops := env.NewGroup(t, "ops", alice)

	_ = env.DB.View(ctx, func(q storage.Queries) error {
		kp, err := env.Actors.GroupKey(ctx, q, alice, ops.ID)
		require.NoError(t, err)
		require.NotNil(t, kp)
		require.Equal(t, ops.PublicKey, kp.Public)

		kp, err = env.Actors.GroupKey(ctx, q, bob, ops.ID)
		require.NoError(t, err)
		require.Nil(t, kp)
		return nil
	})

	require.NoError(t, env.Actors.SetGroupStatus(ctx, env.Admin, ops.ID, models.GroupDisabled))
	_ = env.DB.View(ctx, func(q storage.Queries) error {
		kp, err := env.Actors.GroupKey(ctx, q, alice, ops.ID)
		require.NoError(t, err)
		require.Nil(t, kp, "disabled groups hand out no key")
		groups, err := env.Actors.ReachableGroups(ctx, q, alice.ID())
		require.NoError(t, err)
		require.Empty(t, groups)
		return nil
	})
}

func TestSubAdminReachesAdminKey(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()
	carol := env.NewUser(t, "carol")
	sub := env.Group(t, "subadmins")
	admins := env.Group(t, "admins")
	require.NoError(t, env.Actors.AddMember(ctx, env.Admin, sub.ID, carol.ID()))

	_ = env.DB.View(ctx, func(q storage.Queries) error {
		ok, err := env.Actors.IsAdmin(ctx, q, carol.ID())
		require.NoError(t, err)
		require.True(t, ok)

		kp, err := env.Actors.AdminKey(ctx, q, carol)
		require.NoError(t, err)
		require.Equal(t, admins.PublicKey, kp.Public)

		groups, err := env.Actors.ReachableGroups(ctx, q, carol.ID())
		require.NoError(t, err)
		require.Len(t, groups, 2)

		members, err := env.Actors.GroupMembers(ctx, q, admins.ID)
		require.NoError(t, err)
		require.Contains(t, members, carol.ID())
		require.Contains(t, members, env.Admin.ID())
		return nil
	})

	// A sub-admin can now create accounts.
	_, err := env.Actors.CreateUser(ctx, carol, actor.NewUser{Login: "dave", Password: "pw"})
	require.NoError(t, err)
}

func TestAddMemberToDisabledGroup(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()
	alice := env.NewUser(t, "alice")
	ops := env.NewGroup(t, "ops")
	require.NoError(t, env.Actors.SetGroupStatus(ctx, env.Admin, ops.ID, models.GroupDisabled))

	require.NoError(t, env.Actors.AddMember(ctx, env.Admin, ops.ID, alice.ID()))
	require.NoError(t, env.Actors.SetGroupStatus(ctx, env.Admin, ops.ID, models.GroupEnabled))
	_ = env.DB.View(ctx, func(q storage.Queries) error {
		kp, err := env.Actors.GroupKey(ctx, q, alice, ops.ID)
		require.NoError(t, err)
		require.NotNil(t, kp)
		return nil
	})
}

func TestAdminGroupsCannotBeDisabled(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	err := env.Actors.SetGroupStatus(context.Background(), env.Admin, env.Group(t, "admins").ID, models.GroupDisabled)
	require.ErrorIs(t, err, vaulterr.ErrWorkflow)
}

func TestChangePasswordKeepsKeyPair(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()
	alice := env.NewUser(t, "alice")
	pub := alice.User.PublicKey

	err := env.Actors.ChangePassword(ctx, alice, "wrong", "new-pw")
	require.ErrorIs(t, err, vaulterr.ErrSecurityViolation)

	require.NoError(t, env.Actors.ChangePassword(ctx, alice, vaulttest.Password("alice"), "new-pw"))
	again, err := env.Actors.Unlock(ctx, "alice", "new-pw")
	require.NoError(t, err)
	require.Equal(t, pub, again.User.PublicKey)

	_, err = env.Actors.Unlock(ctx, "alice", vaulttest.Password("alice"))
	require.ErrorIs(t, err, vaulterr.ErrIntegrity)
}

func TestMasterPasswordRotatesAdminKey(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()
	alice := env.NewUser(t, "alice")
	carol := env.NewUser(t, "carol")
	ops := env.NewGroup(t, "ops", alice)
	require.NoError(t, env.Actors.AddMember(ctx, env.Admin, env.Group(t, "subadmins").ID, carol.ID()))
	before := env.Group(t, "admins").PublicKey

	require.NoError(t, env.Actors.ChangePassword(ctx, env.Admin, vaulttest.AdminPassword, "new master"))
	after := env.Group(t, "admins").PublicKey
	require.NotEqual(t, before, after)

	admin, err := env.Actors.Unlock(ctx, "admin", "new master")
	require.NoError(t, err)

	_ = env.DB.View(ctx, func(q storage.Queries) error {
		kp, err := env.Actors.AdminKey(ctx, q, admin)
		require.NoError(t, err)
		require.Equal(t, after, kp.Public)

		kp, err = env.Actors.AdminKey(ctx, q, carol)
		require.NoError(t, err, "sub-admin delegation is re-sealed")
		require.Equal(t, after, kp.Public)
		return nil
	})

	// Recovery copies still open under the new key.
	require.NoError(t, env.Actors.ResetPassword(ctx, admin, alice.ID(), "reset"))
	require.NoError(t, env.Actors.AddMember(ctx, admin, ops.ID, carol.ID()))
	_, err = env.Actors.Unlock(ctx, "alice", "reset")
	require.NoError(t, err)
}

func TestRotatePersonalKey(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()
	alice := env.NewUser(t, "alice")
	ops := env.NewGroup(t, "ops", alice)
	old := alice.User.PublicKey

	require.NoError(t, env.Actors.RotatePersonalKey(ctx, alice, vaulttest.Password("alice")))
	require.NotEqual(t, old, alice.User.PublicKey)

	again, err := env.Actors.Unlock(ctx, "alice", vaulttest.Password("alice"))
	require.NoError(t, err)
	require.Equal(t, alice.User.PublicKey, again.User.PublicKey)

	_ = env.DB.View(ctx, func(q storage.Queries) error {
		kp, err := env.Actors.GroupKey(ctx, q, again, ops.ID)
		require.NoError(t, err)
		require.NotNil(t, kp)
		return nil
	})

	// The admin recovery copy follows the new key.
	require.NoError(t, env.Actors.ResetPassword(ctx, env.Admin, alice.ID(), "reset"))
	reset, err := env.Actors.Unlock(ctx, "alice", "reset")
	require.NoError(t, err)
	require.Equal(t, again.Keys.Private, reset.Keys.Private)
}

func TestResetPasswordMasterRefused(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	carol := env.NewUser(t, "carol")
	ctx := context.Background()
	require.NoError(t, env.Actors.AddMember(ctx, env.Admin, env.Group(t, "subadmins").ID, carol.ID()))

	err := env.Actors.ResetPassword(ctx, carol, env.Admin.ID(), "mine now")
	require.ErrorIs(t, err, vaulterr.ErrSecurityViolation)
}

func TestRemoveMember(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()
	alice := env.NewUser(t, "alice")
	ops := env.NewGroup(t, "ops", alice)

	members, err := env.Actors.Members(ctx, ops.ID)
	require.NoError(t, err)
	require.Equal(t, []string{alice.ID()}, members)

	require.NoError(t, env.Actors.RemoveMember(ctx, env.Admin, ops.ID, alice.ID()))
	err = env.Actors.RemoveMember(ctx, env.Admin, ops.ID, alice.ID())
	require.ErrorIs(t, err, vaulterr.ErrNotFound)

	err = env.Actors.RemoveMember(ctx, env.Admin, env.Group(t, "admins").ID, env.Admin.ID())
	require.ErrorIs(t, err, vaulterr.ErrWorkflow)
}
