package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/org/pwsafe/internal/storage"
	"github.com/org/pwsafe/internal/vaulterr"
	"github.com/org/pwsafe/pkg/models"
)

func TestMemoryRollback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := storage.NewMemoryBackend()

	boom := errors.New("boom")
	err := db.InTx(ctx, func(q storage.Queries) error {
		require.NoError(t, q.CreateGroup(ctx, &models.Group{ID: "g1", Name: "ops", Status: models.GroupEnabled}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = db.View(ctx, func(q storage.Queries) error {
		_, err := q.GetGroup(ctx, "g1")
		return err
	})
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.ErrorIs(t, err, vaulterr.ErrNotFound)
}

func TestMemoryViewIsReadOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := storage.NewMemoryBackend()

	err := db.View(ctx, func(q storage.Queries) error {
		return q.SetConfigValue(ctx, "k", "v")
	})
	require.Error(t, err)
}

func TestMemoryUniqueness(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := storage.NewMemoryBackend()

	err := db.InTx(ctx, func(q storage.Queries) error {
		require.NoError(t, q.CreateUser(ctx, &models.User{ID: "u1", Login: "Alice"}))
		require.ErrorIs(t, q.CreateUser(ctx, &models.User{ID: "u2", Login: "alice"}), storage.ErrAlreadyExists)

		require.NoError(t, q.CreateNode(ctx, &models.Node{ID: "n1", Name: "ops", ParentID: models.RootNodeID, Type: models.NodeContainer}))
		require.ErrorIs(t, q.CreateNode(ctx, &models.Node{ID: "n2", Name: "ops", ParentID: models.RootNodeID, Type: models.NodeContainer}), storage.ErrAlreadyExists)

		rec := &models.CapabilityRecord{ItemID: "i1", ActorType: models.ActorUser, ActorID: "u1", ReadKey: []byte{1}}
		require.NoError(t, q.CreateCapability(ctx, rec))
		require.ErrorIs(t, q.CreateCapability(ctx, rec), storage.ErrAlreadyExists)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryLatestHistoryAt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := storage.NewMemoryBackend()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	err := db.InTx(ctx, func(q storage.Queries) error {
		for i, payload := range [][]byte{[]byte("v1"), []byte("v2"), nil} {
			h := &models.HistoryEntry{ItemID: "i1", Timestamp: t0.Add(time.Duration(i) * time.Hour), Ciphertext: payload}
			if err := q.AppendHistory(ctx, h); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	_ = db.View(ctx, func(q storage.Queries) error {
		_, err := q.LatestHistoryAt(ctx, "i1", t0.Add(-time.Minute))
		require.ErrorIs(t, err, storage.ErrNotFound)

		h, err := q.LatestHistoryAt(ctx, "i1", t0.Add(90*time.Minute))
		require.NoError(t, err)
		require.Equal(t, []byte("v2"), h.Ciphertext)

		h, err = q.LatestHistoryAt(ctx, "i1", t0.Add(5*time.Hour))
		require.NoError(t, err)
		require.True(t, h.Tombstone())

		all, err := q.ListHistory(ctx, "i1")
		require.NoError(t, err)
		require.Len(t, all, 3)
		return nil
	})
}

func TestMemoryDeleteItemCascades(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := storage.NewMemoryBackend()

	err := db.InTx(ctx, func(q storage.Queries) error {
		require.NoError(t, q.CreateItem(ctx, &models.Item{ID: "i1"}))
		require.NoError(t, q.CreateCapability(ctx, &models.CapabilityRecord{ItemID: "i1", ActorType: models.ActorUser, ActorID: "u1", ReadKey: []byte{1}}))
		require.NoError(t, q.AppendHistory(ctx, &models.HistoryEntry{ItemID: "i1", Ciphertext: []byte("x")}))
		require.NoError(t, q.CreateRequest(ctx, &models.AccessRequest{ID: "r1", ItemID: "i1"}))
		require.NoError(t, q.PutApproverEntry(ctx, &models.ApproverEntry{RequestID: "r1", UserID: "u1", Vote: models.VotePending}))
		return q.DeleteItem(ctx, "i1")
	})
	require.NoError(t, err)

	_ = db.View(ctx, func(q storage.Queries) error {
		caps, _ := q.ListCapabilitiesByItem(ctx, "i1")
		require.Empty(t, caps)
		hist, _ := q.ListHistory(ctx, "i1")
		require.Empty(t, hist)
		_, err := q.GetRequest(ctx, "r1")
		require.ErrorIs(t, err, storage.ErrNotFound)
		entries, _ := q.ListApproverEntriesByUser(ctx, "u1")
		require.Empty(t, entries)
		return nil
	})
}

func TestMemoryRootNode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := storage.NewMemoryBackend()

	_ = db.View(ctx, func(q storage.Queries) error {
		root, err := q.GetNode(ctx, models.RootNodeID)
		require.NoError(t, err)
		require.Equal(t, models.NodeContainer, root.Type)
		children, err := q.ListChildren(ctx, models.RootNodeID)
		require.NoError(t, err)
		require.Empty(t, children)
		return nil
	})
}

func TestMemoryAuditQuery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := storage.NewMemoryBackend()

	err := db.InTx(ctx, func(q storage.Queries) error {
		for _, actor := range []string{"u1", "u2", "u1"} {
			if err := q.AppendAudit(ctx, &models.AuditEvent{ActorID: actor, Message: "m"}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	_ = db.View(ctx, func(q storage.Queries) error {
		events, err := q.QueryAudit(ctx, storage.AuditFilter{ActorID: "u1"})
		require.NoError(t, err)
		require.Len(t, events, 2)
		require.Equal(t, int64(3), events[0].ID, "newest first")

		events, _ = q.QueryAudit(ctx, storage.AuditFilter{Limit: 1, Offset: 1})
		require.Len(t, events, 1)
		require.Equal(t, int64(2), events[0].ID)
		return nil
	})
}
