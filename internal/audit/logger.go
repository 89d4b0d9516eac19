// Package audit keeps the append-only event trail and forwards events marked
// for notification.
package audit

import (
	"context"
	"fmt"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/org/pwsafe/internal/config"
	"github.com/org/pwsafe/internal/notify"
	"github.com/org/pwsafe/internal/storage"
	"github.com/org/pwsafe/pkg/models"
)

// Enqueuer accepts notifications for asynchronous delivery.
type Enqueuer interface {
	Enqueue(msg notify.Message)
}

// Logger writes audit events. It never records secret values, only ids and
// messages describing what happened.
type Logger struct {
	db       storage.Backend
	clock    quartz.Clock
	notifier Enqueuer
	cfg      *config.Store
}

// NewLogger creates an audit Logger. notifier may be nil.
func NewLogger(db storage.Backend, clock quartz.Clock, notifier Enqueuer, cfg *config.Store) *Logger {
	return &Logger{db: db, clock: clock, notifier: notifier, cfg: cfg}
}

// Event builds an event for actorID.
func Event(level, actorID, itemID, format string, args ...any) *models.AuditEvent {
	return &models.AuditEvent{
		Level:   level,
		ActorID: actorID,
		ItemID:  itemID,
		Message: fmt.Sprintf(format, args...),
	}
}

// Record appends ev inside the caller's transaction. Notifications for ev are
// sent by Notify once the transaction has committed.
func (l *Logger) Record(ctx context.Context, q storage.Queries, ev *models.AuditEvent) error {
	ev.Timestamp = l.clock.Now().UTC()
	if err := q.AppendAudit(ctx, ev); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}
	logEvent(log.Debug(), ev)
	return nil
}

// logEvent writes ev to e. The event level goes under its own key so it
// never collides with the log line's level.
func logEvent(e *zerolog.Event, ev *models.AuditEvent) {
	e.Str("audit_level", ev.Level).
		Str("actor", ev.ActorID).
		Str("item", ev.ItemID).
		Msg(ev.Message)
}

// Log records ev in its own transaction. Audit failures are logged and do
// not fail the operation that produced the event.
func (l *Logger) Log(ctx context.Context, ev *models.AuditEvent) {
	err := l.db.InTx(ctx, func(q storage.Queries) error {
		return l.Record(ctx, q, ev)
	})
	if err != nil {
		log.Error().Err(err).Str("actor", ev.ActorID).Str("item", ev.ItemID).Msg("audit write failed")
		return
	}
	l.Notify(ctx, ev)
}

// Notify forwards the events flagged for notification.
func (l *Logger) Notify(ctx context.Context, evs ...*models.AuditEvent) {
	if l.notifier == nil {
		return
	}
	var to []string
	for _, ev := range evs {
		if ev == nil || !ev.Notify {
			continue
		}
		if to == nil {
			to = l.cfg.List(ctx, config.KeyNotifyRecipients)
		}
		l.notifier.Enqueue(notify.Message{
			To:      to,
			Subject: "[pwsafe] " + ev.Message,
			Body: fmt.Sprintf("%s\n\nactor: %s\nitem: %s\ntime: %s\n",
				ev.Message, ev.ActorID, ev.ItemID, ev.Timestamp.Format("2006-01-02 15:04:05 MST")),
		})
	}
}

// Query retrieves paginated audit events, newest first.
func (l *Logger) Query(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEvent, error) {
	var out []*models.AuditEvent
	err := l.db.View(ctx, func(q storage.Queries) error {
		var err error
		out, err = q.QueryAudit(ctx, filter)
		return err
	})
	return out, err
}
