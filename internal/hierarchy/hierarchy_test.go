package hierarchy_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/org/pwsafe/internal/actor"
	"github.com/org/pwsafe/internal/secret"
	"github.com/org/pwsafe/internal/vaulterr"
	"github.com/org/pwsafe/internal/vaulttest"
	"github.com/org/pwsafe/pkg/models"
)

func names(nodes []*models.Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Name)
	}
	return out
}

func TestDuplicateChildName(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()

	_, err := env.Tree.CreateContainer(ctx, env.Admin, models.RootNodeID, "ops")
	require.NoError(t, err)
	_, err = env.Tree.CreateContainer(ctx, env.Admin, models.RootNodeID, "ops")
	require.ErrorIs(t, err, vaulterr.ErrConflict)
}

func TestRules(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()
	alice := env.NewUser(t, "alice")
	bob := env.NewUser(t, "bob")
	devs := env.NewGroup(t, "devs", alice, bob)
	oncall := env.NewGroup(t, "oncall", bob)

	ops, err := env.Tree.CreateContainer(ctx, env.Admin, models.RootNodeID, "ops")
	require.NoError(t, err)
	db, err := env.Tree.CreateContainer(ctx, env.Admin, ops.ID, "db")
	require.NoError(t, err)

	can := func(p *actor.Principal, id string) bool {
		ok, err := env.Tree.CanAccess(ctx, p, id)
		require.NoError(t, err)
		return ok
	}

	require.True(t, can(alice, db.ID), "default rule is allow")
	require.True(t, can(alice, models.RootNodeID))

	require.NoError(t, env.Tree.SetRule(ctx, env.Admin, ops.ID, actor.GroupActor(devs.ID), false))
	require.False(t, can(alice, db.ID), "deny inherited from the parent")
	require.False(t, can(bob, db.ID))

	// Any group allow beats a group deny at the same node.
	require.NoError(t, env.Tree.SetRule(ctx, env.Admin, ops.ID, actor.GroupActor(oncall.ID), true))
	require.True(t, can(bob, db.ID))
	require.False(t, can(alice, db.ID))

	// A user rule beats group rules.
	require.NoError(t, env.Tree.SetRule(ctx, env.Admin, ops.ID, alice.Actor(), true))
	require.True(t, can(alice, db.ID))
	require.NoError(t, env.Tree.SetRule(ctx, env.Admin, ops.ID, bob.Actor(), false))
	require.False(t, can(bob, db.ID))

	// Without recursion the parent's rules no longer apply.
	require.NoError(t, env.Config.Set(ctx, "hierarchy.recursive_rules", "false"))
	require.True(t, can(bob, db.ID))
	require.NoError(t, env.Config.Set(ctx, "hierarchy.default_rule", "deny"))
	require.False(t, can(bob, db.ID))
	require.True(t, can(bob, models.RootNodeID), "the root is always accessible")

	err = env.Tree.SetRule(ctx, alice, ops.ID, alice.Actor(), true)
	require.ErrorIs(t, err, vaulterr.ErrSecurityViolation)
}

func TestChildrenFiltered(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()
	alice := env.NewUser(t, "alice")

	_, err := env.Tree.CreateContainer(ctx, env.Admin, models.RootNodeID, "public")
	require.NoError(t, err)
	hidden, err := env.Tree.CreateContainer(ctx, env.Admin, models.RootNodeID, "hidden")
	require.NoError(t, err)
	require.NoError(t, env.Tree.SetRule(ctx, env.Admin, hidden.ID, alice.Actor(), false))

	children, err := env.Tree.Children(ctx, alice, models.RootNodeID)
	require.NoError(t, err)
	require.Equal(t, []string{"public"}, names(children))

	_, err = env.Tree.Children(ctx, alice, hidden.ID)
	require.ErrorIs(t, err, vaulterr.ErrSecurityViolation)
}

func TestUserContainer(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()
	alice := env.NewUser(t, "alice")
	bob := env.NewUser(t, "bob")

	home, err := env.Tree.UserContainer(ctx, alice)
	require.NoError(t, err)
	again, err := env.Tree.UserContainer(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, home.ID, again.ID)

	it, _, err := env.Tree.AddItem(ctx, alice, home.ID, secret.NewItem{Name: "bank", Payload: models.Payload{Password: "1234"}})
	require.NoError(t, err)
	require.Equal(t, models.ItemPersonal, it.Type)

	ok, err := env.Tree.CanAccess(ctx, bob, home.ID)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = env.Tree.CanAccess(ctx, env.Admin, home.ID)
	require.NoError(t, err)
	require.True(t, ok)

	_, _, err = env.Items.Get(ctx, env.Admin, it.ID)
	require.ErrorIs(t, err, vaulterr.ErrSecurityViolation, "personal items carry no admin record")
}

func TestDefaults(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()
	alice := env.NewUser(t, "alice")
	bob := env.NewUser(t, "bob")
	carol := env.NewUser(t, "carol")

	ops, err := env.Tree.CreateContainer(ctx, env.Admin, models.RootNodeID, "ops")
	require.NoError(t, err)
	db, err := env.Tree.CreateContainer(ctx, env.Admin, ops.ID, "db")
	require.NoError(t, err)

	require.NoError(t, env.Tree.SetDefault(ctx, env.Admin, ops.ID, bob.Actor(), models.PermRead))
	require.NoError(t, env.Tree.SetDefault(ctx, env.Admin, ops.ID, carol.Actor(), models.PermModify))
	require.NoError(t, env.Tree.SetDefault(ctx, env.Admin, db.ID, carol.Actor(), models.PermNone))

	defs, err := env.Tree.EffectiveDefaults(ctx, db.ID)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	require.Equal(t, bob.ID(), defs[0].ActorID)

	it, node, err := env.Tree.AddItem(ctx, alice, db.ID, secret.NewItem{Name: "primary", Payload: models.Payload{Password: "pw"}})
	require.NoError(t, err)
	require.Equal(t, it.ID, node.ItemID)
	require.Equal(t, node.ID, it.NodeID)

	_, _, err = env.Items.Get(ctx, bob, it.ID)
	require.NoError(t, err)
	_, _, err = env.Items.Get(ctx, carol, it.ID)
	require.ErrorIs(t, err, vaulterr.ErrSecurityViolation, "None overrides the inherited default")
}

func TestMove(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()

	a, err := env.Tree.CreateContainer(ctx, env.Admin, models.RootNodeID, "a")
	require.NoError(t, err)
	b, err := env.Tree.CreateContainer(ctx, env.Admin, a.ID, "b")
	require.NoError(t, err)

	_, err = env.Tree.Move(ctx, env.Admin, a.ID, b.ID)
	require.ErrorIs(t, err, vaulterr.ErrWorkflow)

	moved, err := env.Tree.Move(ctx, env.Admin, b.ID, models.RootNodeID)
	require.NoError(t, err)
	require.Equal(t, models.RootNodeID, moved.ParentID)

	_, err = env.Tree.Rename(ctx, env.Admin, b.ID, "a")
	require.ErrorIs(t, err, vaulterr.ErrConflict)
}

func TestDeleteCascade(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()
	alice := env.NewUser(t, "alice")

	ops, err := env.Tree.CreateContainer(ctx, env.Admin, models.RootNodeID, "ops")
	require.NoError(t, err)
	db, err := env.Tree.CreateContainer(ctx, env.Admin, ops.ID, "db")
	require.NoError(t, err)
	shared, err := env.Tree.CreateContainer(ctx, env.Admin, models.RootNodeID, "shared")
	require.NoError(t, err)

	only, _, err := env.Tree.AddItem(ctx, alice, db.ID, secret.NewItem{Name: "only", Payload: models.Payload{Password: "1"}})
	require.NoError(t, err)
	linked, _, err := env.Tree.AddItem(ctx, alice, db.ID, secret.NewItem{Name: "linked", Payload: models.Payload{Password: "2"}})
	require.NoError(t, err)
	_, err = env.Tree.Link(ctx, alice, shared.ID, linked.ID, "")
	require.NoError(t, err)

	require.NoError(t, env.Tree.Delete(ctx, alice, ops.ID))

	_, _, err = env.Items.Get(ctx, alice, only.ID)
	require.ErrorIs(t, err, vaulterr.ErrNotFound)
	_, _, err = env.Items.Get(ctx, alice, linked.ID)
	require.NoError(t, err, "still referenced from shared")
	_, err = env.Tree.Get(ctx, alice, db.ID)
	require.ErrorIs(t, err, vaulterr.ErrNotFound)
}

func TestDeleteWaitsForRotation(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()
	alice := env.NewUser(t, "alice")

	ops, err := env.Tree.CreateContainer(ctx, env.Admin, models.RootNodeID, "ops")
	require.NoError(t, err)
	it, _, err := env.Tree.AddItem(ctx, alice, ops.ID, secret.NewItem{Name: "db", Payload: models.Payload{Password: "1"}})
	require.NoError(t, err)

	release := env.Actors.Exclusive()
	done := make(chan error, 1)
	go func() { done <- env.Tree.Delete(ctx, alice, ops.ID) }()

	select {
	case err := <-done:
		release()
		t.Fatalf("delete finished during rotation: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	release()
	require.NoError(t, <-done)

	_, _, err = env.Items.Get(ctx, alice, it.ID)
	require.ErrorIs(t, err, vaulterr.ErrNotFound)
}

func TestDeleteNeedsModifyOnEveryItem(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()
	alice := env.NewUser(t, "alice")
	bob := env.NewUser(t, "bob")

	ops, err := env.Tree.CreateContainer(ctx, env.Admin, models.RootNodeID, "ops")
	require.NoError(t, err)
	mine, _, err := env.Tree.AddItem(ctx, bob, ops.ID, secret.NewItem{Name: "mine", Payload: models.Payload{Password: "1"}})
	require.NoError(t, err)
	_, _, err = env.Tree.AddItem(ctx, alice, ops.ID, secret.NewItem{Name: "theirs", Payload: models.Payload{Password: "2"}})
	require.NoError(t, err)

	require.ErrorIs(t, env.Tree.Delete(ctx, bob, ops.ID), vaulterr.ErrSecurityViolation)

	// Nothing was removed.
	_, _, err = env.Items.Get(ctx, bob, mine.ID)
	require.NoError(t, err)
	children, err := env.Tree.Children(ctx, bob, ops.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"mine", "theirs"}, names(children))
}
