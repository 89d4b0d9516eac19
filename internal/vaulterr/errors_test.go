package vaulterr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/org/pwsafe/internal/vaulterr"
)

func TestKinds(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("updating item: %w", vaulterr.Security("modify capability required"))
	require.ErrorIs(t, err, vaulterr.ErrSecurityViolation)
	require.NotErrorIs(t, err, vaulterr.ErrNotFound)
	require.Contains(t, err.Error(), "modify capability required")
}

func TestIntegrityHidesCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("chacha20poly1305: message authentication failed")
	err := vaulterr.Integrity("unwrap read key", cause)
	require.ErrorIs(t, err, vaulterr.ErrIntegrity)
	require.ErrorIs(t, err, cause)
	require.NotContains(t, err.Error(), "chacha20")
	require.Equal(t, "unwrap read key", vaulterr.Step(err))
}

func TestStorePassesClassified(t *testing.T) {
	t.Parallel()

	nf := vaulterr.NotFound("item", "abc")
	require.Same(t, nf, vaulterr.Store("get item", nf))

	err := vaulterr.Store("get item", errors.New("connection reset"))
	require.ErrorIs(t, err, vaulterr.ErrStore)
	require.Equal(t, "get item: storage error", err.Error())
	require.NoError(t, vaulterr.Store("noop", nil))
}

func TestWorkflowStep(t *testing.T) {
	t.Parallel()

	err := vaulterr.Workflow("restriction", "restriction not satisfied")
	require.ErrorIs(t, err, vaulterr.ErrWorkflow)
	require.Equal(t, "restriction: restriction not satisfied", err.Error())
}
