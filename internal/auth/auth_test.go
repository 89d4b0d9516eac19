package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/org/pwsafe/internal/actor"
	"github.com/org/pwsafe/internal/auth"
	"github.com/org/pwsafe/internal/config"
	"github.com/org/pwsafe/internal/core"
	"github.com/org/pwsafe/internal/vaulterr"
	"github.com/org/pwsafe/internal/vaulttest"
	"github.com/org/pwsafe/pkg/models"
)

func TestLoginAndOpen(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()
	alice := env.NewUser(t, "alice")
	it := env.NewItem(t, alice, "db", "hunter2")

	sess, err := env.Logins.Login(ctx, " Alice ", vaulttest.Password("alice"))
	require.NoError(t, err)
	require.Equal(t, alice.ID(), sess.Principal.ID())
	require.Equal(t, env.Clock.Now().Add(8*time.Hour).Unix(), sess.ExpiresAt.Unix())

	p, err := env.Logins.Tokens().Open(ctx, sess.Token)
	require.NoError(t, err)
	_, pay, err := env.Items.Get(ctx, p, it.ID)
	require.NoError(t, err, "the session carries a working private key")
	require.Equal(t, "hunter2", pay.Password)

	_, err = env.Logins.Tokens().Open(ctx, sess.Token+"x")
	require.ErrorIs(t, err, vaulterr.ErrSecurityViolation)
}

func TestSessionExpiry(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()
	env.NewUser(t, "alice")
	require.NoError(t, env.Config.Set(ctx, config.KeySessionTTL, "1h"))

	sess, err := env.Logins.Login(ctx, "alice", vaulttest.Password("alice"))
	require.NoError(t, err)

	env.Clock.Advance(59 * time.Minute).MustWait(ctx)
	_, err = env.Logins.Tokens().Open(ctx, sess.Token)
	require.NoError(t, err)

	env.Clock.Advance(2 * time.Minute).MustWait(ctx)
	_, err = env.Logins.Tokens().Open(ctx, sess.Token)
	require.ErrorIs(t, err, vaulterr.ErrSecurityViolation)
}

func TestSealedServerRejectsSessions(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()
	env.NewUser(t, "alice")

	sess, err := env.Logins.Login(ctx, "alice", vaulttest.Password("alice"))
	require.NoError(t, err)

	env.Seal.Seal()
	_, err = env.Logins.Tokens().Open(ctx, sess.Token)
	require.ErrorIs(t, err, core.ErrSealed)
	_, err = env.Logins.Login(ctx, "alice", vaulttest.Password("alice"))
	require.ErrorIs(t, err, core.ErrSealed)

	for _, s := range env.Shares[:2] {
		_, err := env.Seal.Unseal(s)
		require.NoError(t, err)
	}
	_, err = env.Logins.Tokens().Open(ctx, sess.Token)
	require.NoError(t, err, "the session key is derived from the same root key")
}

func TestRotationInvalidatesSessions(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()
	alice := env.NewUser(t, "alice")

	sess, err := env.Logins.Login(ctx, "alice", vaulttest.Password("alice"))
	require.NoError(t, err)
	require.NoError(t, env.Actors.RotatePersonalKey(ctx, alice, vaulttest.Password("alice")))

	_, err = env.Logins.Tokens().Open(ctx, sess.Token)
	require.ErrorIs(t, err, vaulterr.ErrSecurityViolation)
}

func TestLockout(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()
	alice := env.NewUser(t, "alice")
	require.NoError(t, env.Config.Set(ctx, config.KeyMaxFailedLogins, "3"))

	_, err := env.Logins.Login(ctx, "nobody", "x")
	require.ErrorIs(t, err, vaulterr.ErrSecurityViolation)

	for range 2 {
		_, err := env.Logins.Login(ctx, "alice", "wrong")
		require.ErrorIs(t, err, vaulterr.ErrSecurityViolation)
	}
	// A success resets the counter.
	_, err = env.Logins.Login(ctx, "alice", vaulttest.Password("alice"))
	require.NoError(t, err)
	u, err := env.Actors.GetUser(ctx, alice.ID())
	require.NoError(t, err)
	require.Zero(t, u.FailedLogins)

	for range 3 {
		_, err := env.Logins.Login(ctx, "alice", "wrong")
		require.ErrorIs(t, err, vaulterr.ErrSecurityViolation)
	}
	u, err = env.Actors.GetUser(ctx, alice.ID())
	require.NoError(t, err)
	require.False(t, u.Enabled)

	_, err = env.Logins.Login(ctx, "alice", vaulttest.Password("alice"))
	require.ErrorIs(t, err, vaulterr.ErrSecurityViolation, "locked out")

	require.NoError(t, env.Actors.SetUserEnabled(ctx, env.Admin, alice.ID(), true))
	_, err = env.Logins.Login(ctx, "alice", vaulttest.Password("alice"))
	require.NoError(t, err)
}

func TestConcurrentFailuresAreCounted(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()
	alice := env.NewUser(t, "alice")
	require.NoError(t, env.Config.Set(ctx, config.KeyMaxFailedLogins, "100"))

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = env.Logins.Login(ctx, "alice", "wrong")
		}()
	}
	wg.Wait()

	u, err := env.Actors.GetUser(ctx, alice.ID())
	require.NoError(t, err)
	require.Equal(t, 10, u.FailedLogins)
}

func TestExternalSource(t *testing.T) {
	t.Parallel()
	env := vaulttest.New(t)
	ctx := context.Background()

	var seen []string
	env.Sources.Register("directory", auth.AuthenticatorFunc(func(_ context.Context, u *models.User, password string) (bool, error) {
		seen = append(seen, u.Login)
		return password == vaulttest.Password(u.Login), nil
	}))
	require.Equal(t, []string{"directory", "local"}, env.Sources.Sources())

	_, err := env.Actors.CreateUser(ctx, env.Admin, actor.NewUser{Login: "dave", Password: vaulttest.Password("dave"), AuthSource: "directory"})
	require.NoError(t, err)
	_, err = env.Logins.Login(ctx, "dave", vaulttest.Password("dave"))
	require.NoError(t, err)
	require.Equal(t, []string{"dave"}, seen)

	_, err = env.Actors.CreateUser(ctx, env.Admin, actor.NewUser{Login: "erin", Password: vaulttest.Password("erin"), AuthSource: "kerberos"})
	require.NoError(t, err)
	_, err = env.Logins.Login(ctx, "erin", vaulttest.Password("erin"))
	require.ErrorIs(t, err, vaulterr.ErrWorkflow)
}
