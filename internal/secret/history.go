package secret

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/org/pwsafe/internal/actor"
	"github.com/org/pwsafe/internal/audit"
	"github.com/org/pwsafe/internal/capability"
	"github.com/org/pwsafe/internal/storage"
	"github.com/org/pwsafe/internal/vaulterr"
	"github.com/org/pwsafe/pkg/models"
)

// ErrNoHistory is returned by HistoryAt when no payload was logged at the
// requested time.
var ErrNoHistory = fmt.Errorf("%w: no history at that time", vaulterr.ErrNotFound)

// Version is one decrypted history entry. Payload is nil for the points
// where history logging was switched off.
type Version struct {
	Timestamp  time.Time
	ModifiedBy string
	Payload    *models.Payload
}

// SetHistoryEnabled switches history logging. Turning it off appends a
// tombstone; turning it on logs the current payload.
func (s *Store) SetHistoryEnabled(ctx context.Context, p *actor.Principal, id string, enabled bool) error {
	return s.db.InTx(ctx, func(q storage.Queries) error {
		it, err := getItem(ctx, q, id)
		if err != nil {
			return err
		}
		c, err := s.requireModify(ctx, q, p, id)
		if err != nil {
			return err
		}
		c.Wipe()
		if it.HistoryEnabled == enabled {
			return nil
		}
		it.HistoryEnabled = enabled
		it.UpdatedAt = s.clock.Now().UTC()
		if err := q.UpdateItem(ctx, it); err != nil {
			return vaulterr.Store("update item", err)
		}
		if enabled {
			err = s.appendHistory(ctx, q, it, p.ID())
		} else {
			err = vaulterr.Store("append history", q.AppendHistory(ctx, &models.HistoryEntry{
				ItemID:     it.ID,
				Timestamp:  it.UpdatedAt,
				ModifiedBy: p.ID(),
			}))
		}
		if err != nil {
			return err
		}
		return s.audit.Record(ctx, q, audit.Event(models.LevelInfo, p.ID(), it.ID, "item %s history=%t", it.Name, enabled))
	})
}

func (s *Store) readHistory(ctx context.Context, p *actor.Principal, id string, fn func(q storage.Queries, it *models.Item, c *capability.Capability) error) (*models.Item, error) {
	var it *models.Item
	err := s.db.View(ctx, func(q storage.Queries) error {
		var err error
		if it, err = getItem(ctx, q, id); err != nil {
			return err
		}
		c, err := s.caps.ResolveReadOnly(ctx, q, p, id)
		if err != nil {
			return err
		}
		if c == nil {
			return vaulterr.Security("no read access to item %q", id)
		}
		defer c.Wipe()
		return fn(q, it, c)
	})
	return it, err
}

func decryptEntry(it *models.Item, h *models.HistoryEntry, c *capability.Capability) (*models.Payload, error) {
	if h.Tombstone() {
		return nil, nil
	}
	return open(it.ID, it.VerifyKey, h.Ciphertext, h.Signature, c.ReadKey)
}

// History returns every logged version, oldest first. Read access is
// required.
func (s *Store) History(ctx context.Context, p *actor.Principal, id string) ([]Version, error) {
	var out []Version
	it, err := s.readHistory(ctx, p, id, func(q storage.Queries, it *models.Item, c *capability.Capability) error {
		entries, err := q.ListHistory(ctx, id)
		if err != nil {
			return vaulterr.Store("list history", err)
		}
		for _, h := range entries {
			pay, err := decryptEntry(it, h, c)
			if err != nil {
				return err
			}
			out = append(out, Version{Timestamp: h.Timestamp, ModifiedBy: h.ModifiedBy, Payload: pay})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if ev := readEvent(it, p.ID(), "history read"); ev != nil {
		s.audit.Log(ctx, ev)
	}
	return out, nil
}

// HistoryAt returns the payload as it was at t: the latest entry at or
// before t. It returns ErrNoHistory when there is no such entry or the entry
// is a tombstone.
func (s *Store) HistoryAt(ctx context.Context, p *actor.Principal, id string, t time.Time) (*Version, error) {
	var v *Version
	it, err := s.readHistory(ctx, p, id, func(q storage.Queries, it *models.Item, c *capability.Capability) error {
		h, err := q.LatestHistoryAt(ctx, id, t)
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNoHistory
		}
		if err != nil {
			return vaulterr.Store("read history", err)
		}
		if h.Tombstone() {
			return ErrNoHistory
		}
		pay, err := decryptEntry(it, h, c)
		if err != nil {
			return err
		}
		v = &Version{Timestamp: h.Timestamp, ModifiedBy: h.ModifiedBy, Payload: pay}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if ev := readEvent(it, p.ID(), "history read"); ev != nil {
		s.audit.Log(ctx, ev)
	}
	return v, nil
}
