package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/org/pwsafe/internal/audit"
	"github.com/org/pwsafe/internal/config"
	"github.com/org/pwsafe/internal/notify"
	"github.com/org/pwsafe/internal/storage"
	"github.com/org/pwsafe/pkg/models"
)

type queue struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (q *queue) Enqueue(msg notify.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, msg)
}

func TestLogAndNotify(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := storage.NewMemoryBackend()
	cfg := config.NewStore(db, nil)
	require.NoError(t, cfg.Set(ctx, config.KeyNotifyRecipients, "sec@example.com"))

	clock := quartz.NewMock(t)
	q := &queue{}
	l := audit.NewLogger(db, clock, q, cfg)

	l.Log(ctx, audit.Event(models.LevelInfo, "u1", "i1", "item %s read", "i1"))
	ev := audit.Event(models.LevelSecurity, "u2", "i1", "vote changed")
	ev.Notify = true
	l.Log(ctx, ev)

	events, err := l.Query(ctx, storage.AuditFilter{ItemID: "i1"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "vote changed", events[0].Message)
	require.Equal(t, clock.Now().UTC(), events[0].Timestamp)

	require.Len(t, q.msgs, 1)
	require.Equal(t, []string{"sec@example.com"}, q.msgs[0].To)
	require.Contains(t, q.msgs[0].Subject, "vote changed")
}

func TestRecordRollsBackWithTransaction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := storage.NewMemoryBackend()
	l := audit.NewLogger(db, quartz.NewMock(t), nil, config.NewStore(db, nil))

	_ = db.InTx(ctx, func(q storage.Queries) error {
		require.NoError(t, l.Record(ctx, q, audit.Event(models.LevelInfo, "u1", "", "created")))
		return context.Canceled
	})
	events, err := l.Query(ctx, storage.AuditFilter{})
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestEventLogLine(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	audit.LogEvent(logger.Debug(), audit.Event(models.LevelSecurity, "u1", "i1", "item %s read", "db"))

	line := buf.String()
	require.Equal(t, 1, strings.Count(line, `"level":`))
	var fields map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &fields))
	require.Equal(t, "debug", fields["level"])
	require.Equal(t, string(models.LevelSecurity), fields["audit_level"])
	require.Equal(t, "u1", fields["actor"])
	require.Equal(t, "item db read", fields["message"])
}
