package core_test

import (
	"context"
	"testing"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"github.com/org/pwsafe/internal/core"
	"github.com/org/pwsafe/internal/storage"
	"github.com/org/pwsafe/internal/vaulterr"
)

func TestInitUnsealSeal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := storage.NewMemoryBackend()
	clock := quartz.NewMock(t)

	m := core.NewSealManager(db, clock)
	require.NoError(t, m.Load(ctx))
	require.False(t, m.Initialized())
	require.True(t, m.IsSealed())
	_, err := m.Unseal([]byte("x"))
	require.ErrorIs(t, err, vaulterr.ErrWorkflow)

	shares, err := m.Init(ctx, 3, 2)
	require.NoError(t, err)
	require.Len(t, shares, 3)
	require.False(t, m.IsSealed())
	k1, err := m.Derive("purpose")
	require.NoError(t, err)

	_, err = m.Init(ctx, 3, 2)
	require.ErrorIs(t, err, vaulterr.ErrConflict)

	// A restarted server picks the initialization up from the store.
	restarted := core.NewSealManager(db, clock)
	require.NoError(t, restarted.Load(ctx))
	require.True(t, restarted.Initialized())
	require.True(t, restarted.IsSealed())
	require.Equal(t, 2, restarted.Threshold())
	_, err = restarted.Derive("purpose")
	require.ErrorIs(t, err, core.ErrSealed)

	done, err := restarted.Unseal(shares[2])
	require.NoError(t, err)
	require.False(t, done)
	_, err = restarted.Unseal(shares[2])
	require.ErrorIs(t, err, vaulterr.ErrWorkflow, "duplicate share")
	require.Equal(t, 1, restarted.ShardsProvided())

	done, err = restarted.Unseal(shares[0])
	require.NoError(t, err)
	require.True(t, done)
	k2, err := restarted.Derive("purpose")
	require.NoError(t, err)
	require.Equal(t, k1, k2, "same root key, same derived keys")

	restarted.Seal()
	require.True(t, restarted.IsSealed())
}

func TestUnsealRejectsForeignShares(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := quartz.NewMock(t)

	ours := core.NewSealManager(storage.NewMemoryBackend(), clock)
	mine, err := ours.Init(ctx, 3, 2)
	require.NoError(t, err)
	ours.Seal()

	other := core.NewSealManager(storage.NewMemoryBackend(), clock)
	theirs, err := other.Init(ctx, 3, 2)
	require.NoError(t, err)

	_, err = ours.Unseal(mine[0])
	require.NoError(t, err)
	_, err = ours.Unseal(theirs[1])
	require.ErrorIs(t, err, vaulterr.ErrIntegrity)
	require.True(t, ours.IsSealed())
	require.Zero(t, ours.ShardsProvided(), "a failed attempt starts over")

	_, err = ours.Unseal(mine[1])
	require.NoError(t, err)
	done, err := ours.Unseal(mine[2])
	require.NoError(t, err)
	require.True(t, done)
}
